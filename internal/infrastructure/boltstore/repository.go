// Package boltstore implements the Repository contract over an embedded
// bbolt database, for a single-process deployment that wants durability
// without a database server. Records are JSON-encoded into named buckets.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/arevik/schedulon/internal/domain"
)

const (
	schedulesBucket = "schedules"
	claimedAtBucket = "claimed_at"
	dbOpenTimeout   = time.Second
	dbFileMode      os.FileMode = 0o600
)

var (
	schedulesBucketBytes = []byte(schedulesBucket)
	claimedAtBucketBytes = []byte(claimedAtBucket)
)

// scheduleRow is the JSON-on-disk encoding of a domain.MessageSchedule.
type scheduleRow struct {
	ID                uuid.UUID    `json:"id"`
	Pattern           patternRow   `json:"pattern"`
	Next              *time.Time   `json:"next,omitempty"`
	TransmissionCount uint32       `json:"transmission_count"`
	Subject           string       `json:"subject"`
	Payload           []byte       `json:"payload"`
	State             domain.State `json:"state"`
}

type patternRow struct {
	Kind                   domain.PatternKind `json:"kind"`
	TransmitAt             time.Time          `json:"transmit_at,omitempty"`
	FirstTransmission      time.Time          `json:"first_transmission,omitempty"`
	FirstTransmissionAfter time.Time          `json:"first_transmission_after,omitempty"`
	DurationNanos          time.Duration      `json:"duration_nanos,omitempty"`
	Expression             string             `json:"expression,omitempty"`
	RepeatInfinite         bool               `json:"repeat_infinite,omitempty"`
	RepeatN                uint32             `json:"repeat_n,omitempty"`
}

func toRow(s domain.MessageSchedule) scheduleRow {
	row := scheduleRow{
		ID:                s.ID,
		Next:              s.Next,
		TransmissionCount: s.TransmissionCount,
		Subject:           s.Message.Subject,
		Payload:           s.Message.Payload,
		State:             s.State,
		Pattern:           patternRow{Kind: s.Pattern.Kind},
	}
	switch s.Pattern.Kind {
	case domain.PatternDelayed:
		row.Pattern.TransmitAt = s.Pattern.Delayed.TransmitAt
	case domain.PatternInterval:
		row.Pattern.FirstTransmission = s.Pattern.Interval.FirstTransmission
		row.Pattern.DurationNanos = s.Pattern.Interval.Duration
		row.Pattern.RepeatInfinite = s.Pattern.Interval.Repeat.Infinite
		row.Pattern.RepeatN = s.Pattern.Interval.Repeat.N
	case domain.PatternCron:
		row.Pattern.FirstTransmissionAfter = s.Pattern.Cron.FirstTransmissionAfter
		row.Pattern.Expression = s.Pattern.Cron.Expression
		row.Pattern.RepeatInfinite = s.Pattern.Cron.Repeat.Infinite
		row.Pattern.RepeatN = s.Pattern.Cron.Repeat.N
	}
	return row
}

func fromRow(row scheduleRow) domain.MessageSchedule {
	var pattern domain.SchedulePattern
	repeat := domain.Infinitely()
	switch row.Pattern.Kind {
	case domain.PatternDelayed:
		pattern = domain.NewDelayed(row.Pattern.TransmitAt)
	case domain.PatternInterval:
		if !row.Pattern.RepeatInfinite {
			repeat = domain.Times(row.Pattern.RepeatN)
		}
		pattern = domain.NewInterval(row.Pattern.FirstTransmission, row.Pattern.DurationNanos, repeat)
	case domain.PatternCron:
		if !row.Pattern.RepeatInfinite {
			repeat = domain.Times(row.Pattern.RepeatN)
		}
		pattern = domain.NewCron(row.Pattern.FirstTransmissionAfter, row.Pattern.Expression, repeat)
	}
	return domain.MessageSchedule{
		ID:                row.ID,
		Pattern:           pattern,
		Next:              row.Next,
		TransmissionCount: row.TransmissionCount,
		Message:           domain.Message{Subject: row.Subject, Payload: row.Payload},
		State:             row.State,
	}
}

// Repository is the backend selected by REPOSITORY_KIND=bolt.
type Repository struct {
	db *bbolt.DB
}

// Open opens (creating if absent) a bbolt database file at path and ensures
// the buckets this repository needs exist.
func Open(path string) (*Repository, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure bolt dir %q: %w", dir, err)
		}
	}

	db, err := bbolt.Open(path, dbFileMode, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(schedulesBucketBytes); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(claimedAtBucketBytes)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bolt buckets: %w", err)
	}

	return &Repository{db: db}, nil
}

func (r *Repository) Close() error { return r.db.Close() }

func (r *Repository) Store(_ context.Context, schedule *domain.MessageSchedule) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(schedulesBucketBytes)
		key := schedule.ID[:]
		if b.Get(key) != nil {
			return fmt.Errorf("store schedule %s: %w", schedule.ID, domain.ErrScheduleExists)
		}
		data, err := json.Marshal(toRow(*schedule))
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (r *Repository) PollBatch(_ context.Context, before time.Time, limit int) ([]domain.MessageSchedule, error) {
	var claimed []domain.MessageSchedule
	err := r.db.Update(func(tx *bbolt.Tx) error {
		sb := tx.Bucket(schedulesBucketBytes)
		cb := tx.Bucket(claimedAtBucketBytes)
		c := sb.Cursor()
		now := time.Now()
		for k, v := c.First(); k != nil && len(claimed) < limit; k, v = c.Next() {
			var row scheduleRow
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("decode schedule: %w", err)
			}
			if row.State != domain.StateScheduled {
				continue
			}
			if row.Next == nil || row.Next.After(before) {
				continue
			}
			row.State = domain.StateDoing
			data, err := json.Marshal(row)
			if err != nil {
				return err
			}
			if err := sb.Put(k, data); err != nil {
				return err
			}
			stamp, err := now.MarshalBinary()
			if err != nil {
				return err
			}
			if err := cb.Put(k, stamp); err != nil {
				return err
			}
			claimed = append(claimed, fromRow(row))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("poll batch: %w", err)
	}
	return claimed, nil
}

func (r *Repository) Save(_ context.Context, schedule domain.MessageSchedule) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		sb := tx.Bucket(schedulesBucketBytes)
		cb := tx.Bucket(claimedAtBucketBytes)
		key := schedule.ID[:]
		existing := sb.Get(key)
		if existing == nil {
			return domain.ErrScheduleNotFound
		}
		var row scheduleRow
		if err := json.Unmarshal(existing, &row); err != nil {
			return fmt.Errorf("decode schedule: %w", err)
		}
		if row.State != domain.StateDoing {
			return domain.ErrClaimNotHeld
		}
		data, err := json.Marshal(toRow(schedule))
		if err != nil {
			return err
		}
		if err := sb.Put(key, data); err != nil {
			return err
		}
		return cb.Delete(key)
	})
}

func (r *Repository) Reschedule(_ context.Context, id uuid.UUID) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		sb := tx.Bucket(schedulesBucketBytes)
		cb := tx.Bucket(claimedAtBucketBytes)
		key := id[:]
		existing := sb.Get(key)
		if existing == nil {
			return domain.ErrScheduleNotFound
		}
		var row scheduleRow
		if err := json.Unmarshal(existing, &row); err != nil {
			return fmt.Errorf("decode schedule: %w", err)
		}
		row.State = domain.StateScheduled
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		if err := sb.Put(key, data); err != nil {
			return err
		}
		return cb.Delete(key)
	})
}

func (r *Repository) GetByID(_ context.Context, id uuid.UUID) (domain.MessageSchedule, error) {
	var result domain.MessageSchedule
	err := r.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(schedulesBucketBytes)
		data := b.Get(id[:])
		if data == nil {
			return domain.ErrScheduleNotFound
		}
		var row scheduleRow
		if err := json.Unmarshal(data, &row); err != nil {
			return fmt.Errorf("decode schedule: %w", err)
		}
		result = fromRow(row)
		return nil
	})
	return result, err
}

func (r *Repository) Reset(_ context.Context) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(schedulesBucketBytes); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		if err := tx.DeleteBucket(claimedAtBucketBytes); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(schedulesBucketBytes); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(claimedAtBucketBytes)
		return err
	})
}

// SweepStale implements repository.StaleSweeper over the claimed_at bucket
// written by PollBatch.
func (r *Repository) SweepStale(_ context.Context, staleCutoff time.Time, limit int) (int, error) {
	n := 0
	err := r.db.Update(func(tx *bbolt.Tx) error {
		sb := tx.Bucket(schedulesBucketBytes)
		cb := tx.Bucket(claimedAtBucketBytes)
		c := cb.Cursor()
		for k, v := c.First(); k != nil && n < limit; k, v = c.Next() {
			var claimedAt time.Time
			if err := claimedAt.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("decode claimed_at: %w", err)
			}
			if claimedAt.After(staleCutoff) {
				continue
			}
			data := sb.Get(k)
			if data == nil {
				continue
			}
			var row scheduleRow
			if err := json.Unmarshal(data, &row); err != nil {
				return fmt.Errorf("decode schedule: %w", err)
			}
			if row.State != domain.StateDoing {
				continue
			}
			row.State = domain.StateScheduled
			updated, err := json.Marshal(row)
			if err != nil {
				return err
			}
			if err := sb.Put(k, updated); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweep stale: %w", err)
	}
	return n, nil
}
