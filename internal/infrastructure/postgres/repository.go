package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arevik/schedulon/internal/domain"
)

// Repository is the backend selected by REPOSITORY_KIND=postgres. It keeps
// the pattern as a jsonb column and claims due rows with FOR UPDATE SKIP
// LOCKED, so any number of engine instances can poll the same table.
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewRepository(pool *pgxpool.Pool, logger *slog.Logger) *Repository {
	return &Repository{pool: pool, logger: logger.With("component", "postgres_repo")}
}

// patternRow is the jsonb encoding of a domain.SchedulePattern. Only the
// fields relevant to Kind are populated; the others are left zero, matching
// the domain type's own closed-tagged-struct shape.
type patternRow struct {
	Kind domain.PatternKind `json:"kind"`

	Delayed *struct {
		TransmitAt time.Time `json:"transmit_at"`
	} `json:"delayed,omitempty"`

	Interval *struct {
		FirstTransmission time.Time     `json:"first_transmission"`
		DurationNanos     time.Duration `json:"duration_nanos"`
		Repeat            repeatRow     `json:"repeat"`
	} `json:"interval,omitempty"`

	Cron *struct {
		FirstTransmissionAfter time.Time `json:"first_transmission_after"`
		Expression             string    `json:"expression"`
		Repeat                 repeatRow `json:"repeat"`
	} `json:"cron,omitempty"`
}

type repeatRow struct {
	Infinite bool   `json:"infinite"`
	N        uint32 `json:"n"`
}

func encodePattern(p domain.SchedulePattern) ([]byte, error) {
	row := patternRow{Kind: p.Kind}
	switch p.Kind {
	case domain.PatternDelayed:
		row.Delayed = &struct {
			TransmitAt time.Time `json:"transmit_at"`
		}{TransmitAt: p.Delayed.TransmitAt}
	case domain.PatternInterval:
		row.Interval = &struct {
			FirstTransmission time.Time     `json:"first_transmission"`
			DurationNanos     time.Duration `json:"duration_nanos"`
			Repeat            repeatRow     `json:"repeat"`
		}{
			FirstTransmission: p.Interval.FirstTransmission,
			DurationNanos:     p.Interval.Duration,
			Repeat:            repeatRow{Infinite: p.Interval.Repeat.Infinite, N: p.Interval.Repeat.N},
		}
	case domain.PatternCron:
		row.Cron = &struct {
			FirstTransmissionAfter time.Time `json:"first_transmission_after"`
			Expression             string    `json:"expression"`
			Repeat                 repeatRow `json:"repeat"`
		}{
			FirstTransmissionAfter: p.Cron.FirstTransmissionAfter,
			Expression:             p.Cron.Expression,
			Repeat:                 repeatRow{Infinite: p.Cron.Repeat.Infinite, N: p.Cron.Repeat.N},
		}
	default:
		return nil, fmt.Errorf("unknown pattern kind %q", p.Kind)
	}
	return json.Marshal(row)
}

func decodePattern(raw []byte) (domain.SchedulePattern, error) {
	var row patternRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return domain.SchedulePattern{}, fmt.Errorf("decode pattern: %w", err)
	}
	switch row.Kind {
	case domain.PatternDelayed:
		if row.Delayed == nil {
			return domain.SchedulePattern{}, fmt.Errorf("pattern row missing delayed fields")
		}
		return domain.NewDelayed(row.Delayed.TransmitAt), nil
	case domain.PatternInterval:
		if row.Interval == nil {
			return domain.SchedulePattern{}, fmt.Errorf("pattern row missing interval fields")
		}
		repeat := domain.Infinitely()
		if !row.Interval.Repeat.Infinite {
			repeat = domain.Times(row.Interval.Repeat.N)
		}
		return domain.NewInterval(row.Interval.FirstTransmission, row.Interval.DurationNanos, repeat), nil
	case domain.PatternCron:
		if row.Cron == nil {
			return domain.SchedulePattern{}, fmt.Errorf("pattern row missing cron fields")
		}
		repeat := domain.Infinitely()
		if !row.Cron.Repeat.Infinite {
			repeat = domain.Times(row.Cron.Repeat.N)
		}
		return domain.NewCron(row.Cron.FirstTransmissionAfter, row.Cron.Expression, repeat), nil
	default:
		return domain.SchedulePattern{}, fmt.Errorf("unknown pattern kind %q", row.Kind)
	}
}

func (r *Repository) Store(ctx context.Context, schedule *domain.MessageSchedule) error {
	patternJSON, err := encodePattern(schedule.Pattern)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO schedules (id, pattern, next, transmission_count, state, subject, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		schedule.ID, patternJSON, schedule.Next, schedule.TransmissionCount, schedule.State,
		schedule.Message.Subject, schedule.Message.Payload,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("store schedule %s: %w", schedule.ID, domain.ErrScheduleExists)
		}
		return fmt.Errorf("store schedule: %w", err)
	}
	return nil
}

// PollBatch claims with UPDATE ... FOR UPDATE SKIP LOCKED, returning the
// claimed rows in the same round trip.
func (r *Repository) PollBatch(ctx context.Context, before time.Time, limit int) ([]domain.MessageSchedule, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE schedules
		SET state = 'doing', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM schedules
			WHERE state = 'scheduled' AND next <= $1
			ORDER BY next
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, pattern, next, transmission_count, state, subject, payload`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("poll batch: %w", err)
	}
	defer rows.Close()

	var claimed []domain.MessageSchedule
	for rows.Next() {
		s, scanErr := scanSchedule(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		claimed = append(claimed, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate poll batch: %w", err)
	}
	return claimed, nil
}

func (r *Repository) Save(ctx context.Context, schedule domain.MessageSchedule) error {
	patternJSON, err := encodePattern(schedule.Pattern)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE schedules
		SET pattern = $2, next = $3, transmission_count = $4, state = $5,
		    subject = $6, payload = $7, updated_at = NOW()
		WHERE id = $1 AND state = 'doing'`,
		schedule.ID, patternJSON, schedule.Next, schedule.TransmissionCount, schedule.State,
		schedule.Message.Subject, schedule.Message.Payload,
	)
	if err != nil {
		return fmt.Errorf("save schedule %s: %w", schedule.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetByID(ctx, schedule.ID); getErr != nil {
			return getErr
		}
		return domain.ErrClaimNotHeld
	}
	return nil
}

func (r *Repository) Reschedule(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE schedules SET state = 'scheduled', updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("reschedule %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrScheduleNotFound
	}
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (domain.MessageSchedule, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, pattern, next, transmission_count, state, subject, payload
		FROM schedules WHERE id = $1`, id)
	return scanSchedule(row)
}

func (r *Repository) Reset(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `TRUNCATE TABLE schedules`)
	if err != nil {
		return fmt.Errorf("reset schedules: %w", err)
	}
	return nil
}

// SweepStale implements repository.StaleSweeper over claimed_at tracked via
// updated_at: a row has been Doing since its last update, so a Doing row
// whose updated_at predates staleCutoff has outlived a crashed engine
// instance's claim.
func (r *Repository) SweepStale(ctx context.Context, staleCutoff time.Time, limit int) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE schedules
		SET state = 'scheduled', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM schedules
			WHERE state = 'doing' AND updated_at < $1
			ORDER BY updated_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`, staleCutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("sweep stale: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// rowScanner matches both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (domain.MessageSchedule, error) {
	var (
		s           domain.MessageSchedule
		patternJSON []byte
	)
	err := row.Scan(&s.ID, &patternJSON, &s.Next, &s.TransmissionCount, &s.State, &s.Message.Subject, &s.Message.Payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MessageSchedule{}, domain.ErrScheduleNotFound
		}
		return domain.MessageSchedule{}, fmt.Errorf("scan schedule: %w", err)
	}
	pattern, err := decodePattern(patternJSON)
	if err != nil {
		return domain.MessageSchedule{}, err
	}
	s.Pattern = pattern
	return s, nil
}
