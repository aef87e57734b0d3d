package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/arevik/schedulon/internal/clock"
	"github.com/arevik/schedulon/internal/domain"
	"github.com/arevik/schedulon/internal/infrastructure/memory"
	"github.com/arevik/schedulon/internal/metrics"
	"github.com/arevik/schedulon/internal/repository"
	"github.com/arevik/schedulon/internal/scheduler"
)

// fakeTransmitter records every message handed to it and can be told to fail
// the next N calls, so tests can exercise the reschedule-on-failure path.
type fakeTransmitter struct {
	mu       sync.Mutex
	sent     []domain.Message
	failNext int
}

func (f *fakeTransmitter) Transmit(_ context.Context, m domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return errors.New("transmit failed")
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeTransmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type noopMetrics struct{}

func (noopMetrics) Count(metrics.Event) {}

// recordingMetrics keeps every counted event so tests can assert on the
// exact outcome sequence the engine reported.
type recordingMetrics struct {
	mu     sync.Mutex
	events []metrics.Event
}

func (m *recordingMetrics) Count(e metrics.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *recordingMetrics) countOf(kind metrics.EventKind, ok bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Kind == kind && e.OK == ok {
			n++
		}
	}
	return n
}

// failingSaveRepo delegates to an inner Repository but fails every Save, so
// tests can observe what the engine does when reconciliation cannot commit.
type failingSaveRepo struct {
	repository.Repository
}

func (failingSaveRepo) Save(context.Context, domain.MessageSchedule) error {
	return errors.New("save failed")
}

func newSilentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEngine_Tick_DelayedSchedule_TransmitsOnceThenDone(t *testing.T) {
	repo := memory.New()
	tx := &fakeTransmitter{}
	now := time.Now()
	clk := clock.Func(func() time.Time { return now })

	s := domain.NewMessageSchedule(domain.NewDelayed(now.Add(-time.Minute)), domain.Message{Subject: "orders.created"})
	if err := repo.Store(context.Background(), &s); err != nil {
		t.Fatalf("store: %v", err)
	}

	e := scheduler.New(repo, tx, noopMetrics{}, clk, newSilentLogger())
	e.Tick(context.Background())

	if tx.count() != 1 {
		t.Fatalf("expected exactly one transmission, got %d", tx.count())
	}

	got, err := repo.GetByID(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.State != domain.StateDone {
		t.Fatalf("state = %v, want Done", got.State)
	}
	if got.Next != nil {
		t.Fatalf("expected Next to be nil once terminal, got %v", got.Next)
	}
	if got.TransmissionCount != 1 {
		t.Fatalf("transmission count = %d, want 1", got.TransmissionCount)
	}

	// A second tick must not re-transmit — the schedule is Done, not Scheduled.
	e.Tick(context.Background())
	if tx.count() != 1 {
		t.Fatalf("expected no further transmission once Done, got %d sends", tx.count())
	}
}

func TestEngine_Tick_NotYetDue_IsNotClaimed(t *testing.T) {
	repo := memory.New()
	tx := &fakeTransmitter{}
	now := time.Now()
	clk := clock.Func(func() time.Time { return now })

	s := domain.NewMessageSchedule(domain.NewDelayed(now.Add(time.Hour)), domain.Message{Subject: "future"})
	if err := repo.Store(context.Background(), &s); err != nil {
		t.Fatalf("store: %v", err)
	}

	e := scheduler.New(repo, tx, noopMetrics{}, clk, newSilentLogger())
	e.Tick(context.Background())

	if tx.count() != 0 {
		t.Fatalf("expected no transmission for a future schedule, got %d", tx.count())
	}
	got, err := repo.GetByID(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.State != domain.StateScheduled {
		t.Fatalf("state = %v, want Scheduled (never claimed)", got.State)
	}
}

func TestEngine_Tick_TransmitFailure_ReschedulesWithoutAdvancing(t *testing.T) {
	repo := memory.New()
	tx := &fakeTransmitter{failNext: 1}
	now := time.Now()
	clk := clock.Func(func() time.Time { return now })

	s := domain.NewMessageSchedule(domain.NewDelayed(now.Add(-time.Second)), domain.Message{Subject: "orders.created"})
	if err := repo.Store(context.Background(), &s); err != nil {
		t.Fatalf("store: %v", err)
	}

	e := scheduler.New(repo, tx, noopMetrics{}, clk, newSilentLogger())
	e.Tick(context.Background())

	got, err := repo.GetByID(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.State != domain.StateScheduled {
		t.Fatalf("state = %v, want Scheduled after a failed transmission releases the claim", got.State)
	}
	if got.TransmissionCount != 0 {
		t.Fatalf("transmission count = %d, want 0 (a failed transmission must not advance it)", got.TransmissionCount)
	}

	// The retry succeeds on the next tick.
	e.Tick(context.Background())
	if tx.count() != 1 {
		t.Fatalf("expected exactly one successful transmission after retry, got %d", tx.count())
	}
}

func TestEngine_Tick_IntervalSchedule_RepeatsUntilExhausted(t *testing.T) {
	repo := memory.New()
	tx := &fakeTransmitter{}
	now := time.Now()
	clk := clock.Func(func() time.Time { return now })

	s := domain.NewMessageSchedule(
		domain.NewInterval(now.Add(-time.Second), time.Millisecond, domain.Times(2)),
		domain.Message{Subject: "heartbeat"},
	)
	if err := repo.Store(context.Background(), &s); err != nil {
		t.Fatalf("store: %v", err)
	}

	e := scheduler.New(repo, tx, noopMetrics{}, clk, newSilentLogger())

	e.Tick(context.Background())
	got, err := repo.GetByID(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.State != domain.StateScheduled || got.TransmissionCount != 1 {
		t.Fatalf("after first tick: state=%v count=%d, want Scheduled/1", got.State, got.TransmissionCount)
	}

	e.Tick(context.Background())
	got, err = repo.GetByID(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.State != domain.StateDone || got.TransmissionCount != 2 {
		t.Fatalf("after second tick: state=%v count=%d, want Done/2", got.State, got.TransmissionCount)
	}

	if tx.count() != 2 {
		t.Fatalf("expected exactly 2 transmissions, got %d", tx.count())
	}
}

func TestEngine_Tick_NeverClaimsPastBatchSize(t *testing.T) {
	repo := memory.New()
	tx := &fakeTransmitter{}
	now := time.Now()
	clk := clock.Func(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		s := domain.NewMessageSchedule(domain.NewDelayed(now.Add(-time.Second)), domain.Message{Subject: fmt.Sprintf("msg-%d", i)})
		if err := repo.Store(context.Background(), &s); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	e := scheduler.New(repo, tx, noopMetrics{}, clk, newSilentLogger(), scheduler.WithBatchSize(2))
	e.Tick(context.Background())

	if tx.count() != 2 {
		t.Fatalf("expected exactly batch_size=2 transmissions in one tick, got %d", tx.count())
	}
}

func TestEngine_Tick_SaveFailure_LeavesClaimHeldWithoutAdvancing(t *testing.T) {
	inner := memory.New()
	repo := failingSaveRepo{Repository: inner}
	tx := &fakeTransmitter{}
	mx := &recordingMetrics{}
	now := time.Now()
	clk := clock.Func(func() time.Time { return now })

	s := domain.NewMessageSchedule(domain.NewDelayed(now.Add(-time.Second)), domain.Message{Subject: "orders.created"})
	if err := repo.Store(context.Background(), &s); err != nil {
		t.Fatalf("store: %v", err)
	}

	e := scheduler.New(repo, tx, mx, clk, newSilentLogger())
	e.Tick(context.Background())

	if tx.count() != 1 {
		t.Fatalf("expected the transmit to have happened before the failed save, got %d sends", tx.count())
	}
	if got := mx.countOf(metrics.EventMarkedDone, false); got != 1 {
		t.Fatalf("marked_done(false) emitted %d times, want 1", got)
	}

	got, err := inner.GetByID(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.State != domain.StateDoing {
		t.Fatalf("state = %v, want Doing (claim must stay held for the sweeper)", got.State)
	}
	if got.TransmissionCount != 0 {
		t.Fatalf("transmission count = %d, want 0 (store never saw the advance)", got.TransmissionCount)
	}
}

func TestEngine_TwoInstances_NeverDoubleTransmit(t *testing.T) {
	repo := memory.New()
	tx := &fakeTransmitter{}
	now := time.Now()
	clk := clock.Func(func() time.Time { return now })

	const total = 100
	for i := 0; i < total; i++ {
		s := domain.NewMessageSchedule(domain.NewDelayed(now.Add(-time.Second)), domain.Message{Subject: fmt.Sprintf("msg-%d", i)})
		if err := repo.Store(context.Background(), &s); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	a := scheduler.New(repo, tx, noopMetrics{}, clk, newSilentLogger(), scheduler.WithBatchSize(10))
	b := scheduler.New(repo, tx, noopMetrics{}, clk, newSilentLogger(), scheduler.WithBatchSize(10))

	var wg sync.WaitGroup
	for _, e := range []*scheduler.Engine{a, b} {
		wg.Add(1)
		go func(e *scheduler.Engine) {
			defer wg.Done()
			for i := 0; i < total/10; i++ {
				e.Tick(context.Background())
			}
		}(e)
	}
	wg.Wait()

	if tx.count() != total {
		t.Fatalf("expected exactly %d transmissions across both instances, got %d", total, tx.count())
	}
}

func TestEngine_Tick_UnknownScheduleID_NeverClaimed(t *testing.T) {
	repo := memory.New()
	tx := &fakeTransmitter{}
	clk := clock.Func(time.Now)

	e := scheduler.New(repo, tx, noopMetrics{}, clk, newSilentLogger())
	e.Tick(context.Background())

	if tx.count() != 0 {
		t.Fatalf("expected no transmissions against an empty repository, got %d", tx.count())
	}
	if _, err := repo.GetByID(context.Background(), uuid.New()); !errors.Is(err, domain.ErrScheduleNotFound) {
		t.Fatalf("expected ErrScheduleNotFound, got %v", err)
	}
}
