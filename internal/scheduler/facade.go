package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/arevik/schedulon/internal/domain"
	"github.com/arevik/schedulon/internal/metrics"
	"github.com/arevik/schedulon/internal/repository"
)

// Scheduler is the ingestion entrypoint. It does not retain handles to
// schedules after ingestion; ownership passes entirely to the repository.
type Scheduler struct {
	repo    repository.Repository
	metrics metrics.Metrics
	logger  *slog.Logger
}

func NewScheduler(repo repository.Repository, mx metrics.Metrics, logger *slog.Logger) *Scheduler {
	return &Scheduler{repo: repo, metrics: mx, logger: logger.With("component", "facade")}
}

// Schedule validates pattern, builds a MessageSchedule, and persists it via
// the repository. A schedule whose Next already lies in the past is valid
// and fires on the next tick; no non-past constraint is imposed.
func (s *Scheduler) Schedule(ctx context.Context, pattern domain.SchedulePattern, message domain.Message) (uuid.UUID, error) {
	if err := pattern.Validate(); err != nil {
		s.metrics.Count(metrics.Event{Kind: metrics.EventScheduled, OK: false})
		return uuid.Nil, fmt.Errorf("validate pattern: %w", err)
	}
	if pattern.Kind == domain.PatternCron {
		if err := domain.ValidateCronExpression(pattern.Cron.Expression); err != nil {
			s.metrics.Count(metrics.Event{Kind: metrics.EventScheduled, OK: false})
			return uuid.Nil, err
		}
	}

	schedule := domain.NewMessageSchedule(pattern, message)
	if err := s.repo.Store(ctx, &schedule); err != nil {
		s.metrics.Count(metrics.Event{Kind: metrics.EventScheduled, OK: false})
		return uuid.Nil, fmt.Errorf("store schedule: %w", err)
	}

	s.metrics.Count(metrics.Event{Kind: metrics.EventScheduled, OK: true})
	s.logger.Info("schedule created", "schedule_id", schedule.ID, "pattern", pattern.Kind)
	return schedule.ID, nil
}
