package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/arevik/schedulon/internal/domain"
	"github.com/arevik/schedulon/internal/infrastructure/memory"
	"github.com/arevik/schedulon/internal/scheduler"
)

func TestSweepStale_ResetsClaimsTakenBeforeCutoff(t *testing.T) {
	repo := memory.New()
	now := time.Now()

	s := domain.NewMessageSchedule(domain.NewDelayed(now.Add(-time.Hour)), domain.Message{Subject: "stuck"})
	if err := repo.Store(context.Background(), &s); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := repo.PollBatch(context.Background(), now, 10); err != nil {
		t.Fatalf("poll batch: %v", err)
	}
	got, err := repo.GetByID(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.State != domain.StateDoing {
		t.Fatalf("expected the schedule to be claimed (Doing) before sweeping, got %v", got.State)
	}

	// SweepStale with a cutoff in the future must reset the claim taken "now".
	n, err := repo.SweepStale(context.Background(), now.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("sweep stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d schedules, want 1", n)
	}

	got, err = repo.GetByID(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.State != domain.StateScheduled {
		t.Fatalf("state = %v, want Scheduled after sweep", got.State)
	}
}

func TestSweepStale_LeavesFreshClaimsAlone(t *testing.T) {
	repo := memory.New()
	now := time.Now()

	s := domain.NewMessageSchedule(domain.NewDelayed(now.Add(-time.Hour)), domain.Message{Subject: "fresh-claim"})
	if err := repo.Store(context.Background(), &s); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := repo.PollBatch(context.Background(), now, 10); err != nil {
		t.Fatalf("poll batch: %v", err)
	}

	// A cutoff in the past means the claim (taken "now") is not yet stale.
	n, err := repo.SweepStale(context.Background(), now.Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("sweep stale: %v", err)
	}
	if n != 0 {
		t.Fatalf("swept %d schedules, want 0 (claim is fresh)", n)
	}
}

func TestSweeper_Run_RescuesOnATick(t *testing.T) {
	repo := memory.New()
	now := time.Now()

	s := domain.NewMessageSchedule(domain.NewDelayed(now.Add(-time.Hour)), domain.Message{Subject: "stuck"})
	if err := repo.Store(context.Background(), &s); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := repo.PollBatch(context.Background(), now, 10); err != nil {
		t.Fatalf("poll batch: %v", err)
	}

	sweeper := scheduler.NewSweeper(repo, nil, 5*time.Millisecond, 0, newSilentLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sweeper.Run(ctx)

	got, err := repo.GetByID(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.State != domain.StateScheduled {
		t.Fatalf("state = %v, want Scheduled once the sweeper's ticker has fired", got.State)
	}
}
