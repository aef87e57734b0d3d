// Package memory implements the Repository contract over a mutex-guarded
// map, with no settings. Exclusive mutation under the lock is the claim
// mechanism: a single process owns the map.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arevik/schedulon/internal/domain"
)

// Repository is the backend selected by REPOSITORY_KIND=inmemory.
type Repository struct {
	mu        sync.Mutex
	schedules map[uuid.UUID]domain.MessageSchedule
	claimedAt map[uuid.UUID]time.Time
}

// New builds an empty in-memory Repository.
func New() *Repository {
	return &Repository{
		schedules: make(map[uuid.UUID]domain.MessageSchedule),
		claimedAt: make(map[uuid.UUID]time.Time),
	}
}

func (r *Repository) Store(_ context.Context, schedule *domain.MessageSchedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.schedules[schedule.ID]; exists {
		return domain.ErrScheduleExists
	}
	r.schedules[schedule.ID] = *schedule
	return nil
}

func (r *Repository) PollBatch(_ context.Context, before time.Time, limit int) ([]domain.MessageSchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var claimed []domain.MessageSchedule
	for id, s := range r.schedules {
		if len(claimed) >= limit {
			break
		}
		if s.State != domain.StateScheduled {
			continue
		}
		if s.Next == nil || s.Next.After(before) {
			continue
		}
		s.State = domain.StateDoing
		r.schedules[id] = s
		r.claimedAt[id] = time.Now()
		claimed = append(claimed, s)
	}
	return claimed, nil
}

func (r *Repository) Save(_ context.Context, schedule domain.MessageSchedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.schedules[schedule.ID]
	if !ok {
		return domain.ErrScheduleNotFound
	}
	if existing.State != domain.StateDoing {
		return domain.ErrClaimNotHeld
	}
	r.schedules[schedule.ID] = schedule
	delete(r.claimedAt, schedule.ID)
	return nil
}

func (r *Repository) Reschedule(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schedules[id]
	if !ok {
		return domain.ErrScheduleNotFound
	}
	s.State = domain.StateScheduled
	r.schedules[id] = s
	delete(r.claimedAt, id)
	return nil
}

func (r *Repository) GetByID(_ context.Context, id uuid.UUID) (domain.MessageSchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schedules[id]
	if !ok {
		return domain.MessageSchedule{}, domain.ErrScheduleNotFound
	}
	return s, nil
}

func (r *Repository) Reset(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.schedules = make(map[uuid.UUID]domain.MessageSchedule)
	r.claimedAt = make(map[uuid.UUID]time.Time)
	return nil
}

// SweepStale implements repository.StaleSweeper. An in-memory repository has
// no notion of "when the claim was taken" beyond process lifetime, so this
// tracks claim time alongside state to support the same stuck-claim recovery
// contract the persistent backends offer.
func (r *Repository) SweepStale(_ context.Context, staleCutoff time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, s := range r.schedules {
		if n >= limit {
			break
		}
		if s.State != domain.StateDoing {
			continue
		}
		if claimedAt, ok := r.claimedAt[id]; ok && claimedAt.After(staleCutoff) {
			continue
		}
		s.State = domain.StateScheduled
		r.schedules[id] = s
		n++
	}
	return n, nil
}
