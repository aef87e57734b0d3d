// Package scheduler implements the scheduling engine: the polling loop, the
// due-filter, transmit-and-reconcile, and the failure recovery discipline
// between persistence and transmission. It is the largest and most
// load-bearing package in this repository.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arevik/schedulon/internal/clock"
	"github.com/arevik/schedulon/internal/domain"
	"github.com/arevik/schedulon/internal/metrics"
	"github.com/arevik/schedulon/internal/repository"
	"github.com/arevik/schedulon/internal/requestid"
	"github.com/arevik/schedulon/internal/transmitter"
)

// BatchSize is the default claim footprint per tick. It limits the
// worst-case blast radius of a crashed worker.
const BatchSize = 100

// TickInterval is the default sleep between polling ticks.
const TickInterval = 100 * time.Millisecond

// Engine runs the perpetual poll, filter-due, transmit, reconcile, sleep
// cycle. Multiple Engine instances may run concurrently against the same
// Repository; correctness depends only on PollBatch being a correct
// exclusive claim.
type Engine struct {
	repo        repository.Repository
	transmitter transmitter.Transmitter
	metrics     metrics.Metrics
	clock       clock.Clock
	logger      *slog.Logger

	instanceID   string
	batchSize    int
	tickInterval time.Duration

	// parallel, when true, reconciles the schedules of one tick concurrently.
	// Safe because each schedule's claim scopes a distinct row.
	parallel bool
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithBatchSize overrides BatchSize.
func WithBatchSize(n int) Option { return func(e *Engine) { e.batchSize = n } }

// WithTickInterval overrides TickInterval.
func WithTickInterval(d time.Duration) Option { return func(e *Engine) { e.tickInterval = d } }

// WithParallelReconcile reconciles one tick's claimed schedules concurrently
// instead of sequentially.
func WithParallelReconcile() Option { return func(e *Engine) { e.parallel = true } }

// New builds an Engine. repo, tx, mx and clk are injected capabilities,
// never globals: tests substitute fakes, production wires real ones.
func New(repo repository.Repository, tx transmitter.Transmitter, mx metrics.Metrics, clk clock.Clock, logger *slog.Logger, opts ...Option) *Engine {
	instanceID := newInstanceID()
	e := &Engine{
		repo:         repo,
		transmitter:  tx,
		metrics:      mx,
		clock:        clk,
		logger:       logger.With("component", "engine", "instance_id", instanceID),
		instanceID:   instanceID,
		batchSize:    BatchSize,
		tickInterval: TickInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run loops Tick until ctx is cancelled, honoring shutdown between ticks.
// It never panics on a per-schedule error; Tick isolates those.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("engine started", "batch_size", e.batchSize, "tick_interval", e.tickInterval)
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine shut down")
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs a single polling-loop iteration. Per-schedule errors are logged
// but never abort the tick; a polling error returns early
// without a different sleep — the caller's ticker governs the cadence.
func (e *Engine) Tick(ctx context.Context) {
	// A per-tick id rides along in the context so every record the tick
	// produces, down through repository and transmitter calls, correlates.
	ctx = requestid.WithRequestID(ctx, "tick-"+requestid.New()[:8])

	start := e.clock.Now()
	defer func() {
		metrics.EngineTickDuration.Observe(e.clock.Now().Sub(start).Seconds())
	}()

	schedules, err := e.repo.PollBatch(ctx, start, e.batchSize)
	if err != nil {
		e.metrics.Count(mEvent(metrics.EventPolled, false))
		e.logger.ErrorContext(ctx, "poll batch", "error", err)
		return
	}
	e.metrics.Count(mEvent(metrics.EventPolled, true))

	if len(schedules) == 0 {
		return
	}
	e.logger.DebugContext(ctx, "claimed schedules", "count", len(schedules))
	metrics.EngineScheduledInFlight.Set(float64(len(schedules)))

	if e.parallel {
		var wg sync.WaitGroup
		for i := range schedules {
			wg.Add(1)
			go func(s domain.MessageSchedule) {
				defer wg.Done()
				e.reconcile(ctx, s)
			}(schedules[i])
		}
		wg.Wait()
	} else {
		for _, s := range schedules {
			e.reconcile(ctx, s)
		}
	}
	metrics.EngineScheduledInFlight.Set(0)
}

// reconcile runs transmit-and-reconcile for one claimed schedule. It never
// returns an error to the caller; Tick isolates per-schedule failures.
func (e *Engine) reconcile(ctx context.Context, s domain.MessageSchedule) {
	if err := e.reconcileOne(ctx, s); err != nil {
		e.logger.ErrorContext(ctx, "reconcile schedule", "schedule_id", s.ID, "error", err)
	}
}

// reconcileOne transmits, then advances state. Transmit happens before the
// state update, so a crash between the two re-transmits the same occurrence
// at most once on recovery: duplication over silent loss.
func (e *Engine) reconcileOne(ctx context.Context, s domain.MessageSchedule) error {
	newCount := s.TransmissionCount + 1
	newNext := domain.NextFireTime(s.Pattern, newCount)
	terminal := newNext == nil

	err := e.transmitter.Transmit(ctx, s.Message)
	if err != nil {
		e.metrics.Count(mEvent(metrics.EventTransmitted, false))
		if rerr := e.repo.Reschedule(ctx, s.ID); rerr != nil {
			e.metrics.Count(mEvent(metrics.EventRescheduled, false))
			return fmt.Errorf("transmit failed (%w) and reschedule failed: %w", err, rerr)
		}
		e.metrics.Count(mEvent(metrics.EventRescheduled, true))
		return fmt.Errorf("transmit: %w", err)
	}
	e.metrics.Count(mEvent(metrics.EventTransmitted, true))

	updated := s
	updated.TransmissionCount = newCount
	updated.Next = newNext
	if terminal {
		updated.State = domain.StateDone
	} else {
		updated.State = domain.StateScheduled
	}

	if err := e.repo.Save(ctx, updated); err != nil {
		if terminal {
			e.metrics.Count(mEvent(metrics.EventMarkedDone, false))
		} else {
			e.metrics.Count(mEvent(metrics.EventAdvancedPeriodic, false))
		}
		// The claim remains held; a sweeper or operator must resolve it.
		return fmt.Errorf("save after transmit: %w", err)
	}
	if terminal {
		e.metrics.Count(mEvent(metrics.EventMarkedDone, true))
	} else {
		e.metrics.Count(mEvent(metrics.EventAdvancedPeriodic, true))
	}
	return nil
}

func mEvent(kind metrics.EventKind, ok bool) metrics.Event {
	return metrics.Event{Kind: kind, OK: ok}
}

// newInstanceID gives each Engine a short, log-friendly identity, so
// records from concurrent instances sharing a repository stay attributable.
func newInstanceID() string { return uuid.NewString()[:8] }
