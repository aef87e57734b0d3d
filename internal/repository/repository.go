// Package repository declares the durable-persistence contract. Engine code
// depends on this interface, not a concrete backend: the engine can run
// against an in-memory map in tests and a Postgres-backed store in
// production without touching a single line of scheduling logic.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/arevik/schedulon/internal/domain"
)

// Repository is the durable persistence and claim/release contract.
type Repository interface {
	// Store inserts a new schedule. Fails on id collision.
	Store(ctx context.Context, schedule *domain.MessageSchedule) error

	// PollBatch atomically claims up to limit schedules whose Next <= before
	// and whose State is Scheduled, transitioning them to Doing. The claim is
	// held until a subsequent Save or Reschedule call for that id.
	PollBatch(ctx context.Context, before time.Time, limit int) ([]domain.MessageSchedule, error)

	// Save persists an updated schedule — typically with an advanced
	// TransmissionCount, a new Next, and State set to Scheduled or Done. It is
	// a no-op (or error) if the caller does not currently hold the claim.
	Save(ctx context.Context, schedule domain.MessageSchedule) error

	// Reschedule releases a Doing claim back to Scheduled without advancing
	// TransmissionCount or Next. Used to retry after a transmission failure.
	Reschedule(ctx context.Context, id uuid.UUID) error

	// GetByID returns a schedule by id, for inspection.
	GetByID(ctx context.Context, id uuid.UUID) (domain.MessageSchedule, error)

	// Reset clears all persisted schedules. Destructive; intended for test
	// environments via the RESET_STATE configuration option.
	Reset(ctx context.Context) error
}

// StaleSweeper is an optional capability a Repository backend may implement
// to support the stuck-claim sweeper. It is not part of the core Repository
// contract; a backend that can scan its own claim timestamps lets the
// operational sweeper in internal/scheduler reset Doing rows abandoned by a
// crashed engine instance back to Scheduled.
type StaleSweeper interface {
	// SweepStale resets schedules that have been Doing since before
	// staleCutoff back to Scheduled, up to limit rows, and returns how many
	// it reset.
	SweepStale(ctx context.Context, staleCutoff time.Time, limit int) (int, error)
}
