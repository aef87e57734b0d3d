package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arevik/schedulon/internal/metrics"
	"github.com/arevik/schedulon/internal/repository"
)

// sweeperLockKey is the Redis key used to serialize sweeper runs across
// engine instances, so two instances never race to reset the same stuck
// claim. It gates only the sweeper, never the engine's poll/transmit/save
// loop itself.
const sweeperLockKey = "schedulon:sweeper:lock"

// Sweeper resets schedules stuck in Doing, abandoned by a crashed engine
// instance, back to Scheduled. It is an operational adjunct, not part of the
// scheduling engine itself.
type Sweeper struct {
	repo       repository.StaleSweeper
	lock       *redis.Client
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
}

// NewSweeper builds a Sweeper. lock may be nil, in which case the sweeper
// runs unlocked — safe for a single-instance deployment, or when the
// Repository backend's own SweepStale call is already atomic and
// idempotent (true of every backend in this repository).
func NewSweeper(repo repository.StaleSweeper, lock *redis.Client, interval, staleAfter time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		repo:       repo,
		lock:       lock,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger.With("component", "sweeper"),
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", "interval", s.interval, "stale_after", s.staleAfter)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper shut down")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if s.lock != nil {
		acquired, err := s.lock.SetNX(ctx, sweeperLockKey, s.instanceToken(), s.interval).Result()
		if err != nil {
			s.logger.Warn("sweeper lock acquire failed, skipping this cycle", "error", err)
			return
		}
		if !acquired {
			return
		}
		defer s.lock.Del(ctx, sweeperLockKey)
	}

	staleCutoff := time.Now().Add(-s.staleAfter)
	n, err := s.repo.SweepStale(ctx, staleCutoff, BatchSize)
	if err != nil {
		s.logger.Error("sweep stale claims", "error", err)
		return
	}
	if n > 0 {
		metrics.SweeperRescuedTotal.Add(float64(n))
		s.logger.Warn("reset stuck claims", "count", n, "stale_after", s.staleAfter)
	}
}

func (s *Sweeper) instanceToken() string { return newInstanceID() }
