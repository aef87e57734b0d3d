package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/arevik/schedulon/internal/domain"
	"github.com/arevik/schedulon/internal/infrastructure/memory"
)

func TestRepository_PollBatch_OnlyDueScheduled(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()

	now := time.Now()
	past := domain.NewMessageSchedule(domain.NewDelayed(now.Add(-time.Minute)), domain.Message{})
	future := domain.NewMessageSchedule(domain.NewDelayed(now.Add(time.Hour)), domain.Message{})

	if err := repo.Store(ctx, &past); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := repo.Store(ctx, &future); err != nil {
		t.Fatalf("store: %v", err)
	}

	claimed, err := repo.PollBatch(ctx, now, 100)
	if err != nil {
		t.Fatalf("poll batch: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != past.ID {
		t.Fatalf("want only the past schedule claimed, got %+v", claimed)
	}

	got, err := repo.GetByID(ctx, past.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.State != domain.StateDoing {
		t.Fatalf("want Doing after claim, got %v", got.State)
	}

	// Claimed already: a second poll must not return it again.
	claimedAgain, err := repo.PollBatch(ctx, now, 100)
	if err != nil {
		t.Fatalf("poll batch: %v", err)
	}
	if len(claimedAgain) != 0 {
		t.Fatalf("want no re-claim of a Doing schedule, got %+v", claimedAgain)
	}
}

func TestRepository_Store_RejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()

	s := domain.NewMessageSchedule(domain.NewDelayed(time.Now()), domain.Message{})
	if err := repo.Store(ctx, &s); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := repo.Store(ctx, &s); err != domain.ErrScheduleExists {
		t.Fatalf("want ErrScheduleExists on id collision, got %v", err)
	}
}

func TestRepository_Save_RequiresClaim(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()

	s := domain.NewMessageSchedule(domain.NewDelayed(time.Now()), domain.Message{})
	if err := repo.Store(ctx, &s); err != nil {
		t.Fatalf("store: %v", err)
	}

	// Not claimed yet: Save must fail.
	s.State = domain.StateDone
	if err := repo.Save(ctx, s); err != domain.ErrClaimNotHeld {
		t.Fatalf("want ErrClaimNotHeld, got %v", err)
	}
}

func TestRepository_Reschedule_ReleasesWithoutAdvancing(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()

	s := domain.NewMessageSchedule(domain.NewDelayed(time.Now().Add(-time.Second)), domain.Message{})
	if err := repo.Store(ctx, &s); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := repo.PollBatch(ctx, time.Now(), 10); err != nil {
		t.Fatalf("poll batch: %v", err)
	}

	if err := repo.Reschedule(ctx, s.ID); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	got, err := repo.GetByID(ctx, s.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.State != domain.StateScheduled {
		t.Fatalf("want Scheduled after reschedule, got %v", got.State)
	}
	if got.TransmissionCount != 0 {
		t.Fatalf("reschedule must not advance transmission_count, got %d", got.TransmissionCount)
	}
}

func TestRepository_Reset(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()

	s := domain.NewMessageSchedule(domain.NewDelayed(time.Now()), domain.Message{})
	if err := repo.Store(ctx, &s); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := repo.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := repo.GetByID(ctx, s.ID); err != domain.ErrScheduleNotFound {
		t.Fatalf("want ErrScheduleNotFound after reset, got %v", err)
	}
}

func TestRepository_SweepStale(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()

	s := domain.NewMessageSchedule(domain.NewDelayed(time.Now().Add(-time.Second)), domain.Message{})
	if err := repo.Store(ctx, &s); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := repo.PollBatch(ctx, time.Now(), 10); err != nil {
		t.Fatalf("poll batch: %v", err)
	}

	// Not stale yet relative to a cutoff far in the past.
	n, err := repo.SweepStale(ctx, time.Now().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("sweep stale: %v", err)
	}
	if n != 0 {
		t.Fatalf("want 0 swept, got %d", n)
	}

	// Stale relative to a cutoff in the future.
	n, err = repo.SweepStale(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("sweep stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 swept, got %d", n)
	}

	got, err := repo.GetByID(ctx, s.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.State != domain.StateScheduled {
		t.Fatalf("want Scheduled after sweep, got %v", got.State)
	}
}
