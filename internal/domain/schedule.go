// Package domain holds the entities and pure computations of the message
// scheduler: temporal patterns, the persisted schedule, and the state
// machine that governs its lifecycle.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrScheduleNotFound  = errors.New("schedule not found")
	ErrScheduleExists    = errors.New("schedule id already exists")
	ErrInvalidCronExpr   = errors.New("invalid cron expression")
	ErrInvalidInterval   = errors.New("interval must be positive")
	ErrIntervalOverflows = errors.New("interval pattern exceeds supported instant range")
	ErrClaimNotHeld      = errors.New("schedule is not claimed by this worker")
)

// State is the lifecycle stage of a MessageSchedule. Scheduled means durably
// queued with Next set, Doing means claimed by a worker, Done is terminal.
type State string

const (
	StateScheduled State = "scheduled"
	StateDoing     State = "doing"
	StateDone      State = "done"
)

// Repeat dictates how many times a periodic pattern (Interval or Cron) fires.
type Repeat struct {
	// Infinite, when true, means the pattern repeats without bound and N is ignored.
	Infinite bool
	// N is the planned number of transmissions when Infinite is false.
	N uint32
}

// Infinitely builds a Repeat that never exhausts.
func Infinitely() Repeat { return Repeat{Infinite: true} }

// Times builds a Repeat that exhausts after n transmissions.
func Times(n uint32) Repeat { return Repeat{N: n} }

// exhausted reports whether count transmissions have already consumed this Repeat.
func (r Repeat) exhausted(count uint32) bool {
	return !r.Infinite && count >= r.N
}

// PatternKind tags which of the three closed SchedulePattern shapes is populated.
type PatternKind string

const (
	PatternDelayed  PatternKind = "delayed"
	PatternInterval PatternKind = "interval"
	PatternCron     PatternKind = "cron"
)

// Delayed fires exactly once, at TransmitAt.
type Delayed struct {
	TransmitAt time.Time
}

// Interval fires at FirstTransmission + k*Duration, k = 0, 1, 2, ...
type Interval struct {
	FirstTransmission time.Time
	Duration          time.Duration
	Repeat            Repeat
}

// Cron fires at the k-th occurrence strictly after FirstTransmissionAfter of Expression.
type Cron struct {
	FirstTransmissionAfter time.Time
	Expression             string
	Repeat                 Repeat
}

// SchedulePattern is a closed, tagged variant of exactly three shapes. Only
// the field named by Kind is meaningful; the others are zero.
type SchedulePattern struct {
	Kind     PatternKind
	Delayed  Delayed
	Interval Interval
	Cron     Cron
}

// NewDelayed builds a Delayed pattern.
func NewDelayed(transmitAt time.Time) SchedulePattern {
	return SchedulePattern{Kind: PatternDelayed, Delayed: Delayed{TransmitAt: transmitAt}}
}

// NewInterval builds an Interval pattern. Validation of the duration and of the
// end-of-range is left to Validate, called at ingestion by the facade.
func NewInterval(first time.Time, interval time.Duration, repeat Repeat) SchedulePattern {
	return SchedulePattern{Kind: PatternInterval, Interval: Interval{
		FirstTransmission: first,
		Duration:          interval,
		Repeat:            repeat,
	}}
}

// NewCron builds a Cron pattern. The expression is not parsed here; that is
// the external cron-parser collaborator's job, invoked from NextFireTime.
func NewCron(firstAfter time.Time, expression string, repeat Repeat) SchedulePattern {
	return SchedulePattern{Kind: PatternCron, Cron: Cron{
		FirstTransmissionAfter: firstAfter,
		Expression:             expression,
		Repeat:                 repeat,
	}}
}

// Validate enforces the ingestion-time edge cases: a non-degenerate interval
// and an interval pattern that does not overflow the instant range
// before its repeat count (if bounded) is exhausted. Cron expression syntax
// is validated by the cron collaborator, not here (see NextFireTime).
func (p SchedulePattern) Validate() error {
	switch p.Kind {
	case PatternInterval:
		if p.Interval.Duration <= 0 {
			return ErrInvalidInterval
		}
		if !p.Interval.Repeat.Infinite {
			// Overflow check: does first + (n-1)*interval stay representable?
			n := p.Interval.Repeat.N
			if n > 0 {
				last := int64(n-1) * int64(p.Interval.Duration)
				if last/int64(p.Interval.Duration) != int64(n-1) {
					return ErrIntervalOverflows
				}
				if p.Interval.FirstTransmission.Add(time.Duration(last)).Before(p.Interval.FirstTransmission) {
					return ErrIntervalOverflows
				}
			}
		}
	case PatternDelayed, PatternCron:
		// Delayed has no further edge case; Cron's expression is validated lazily.
	}
	return nil
}

// Message is the opaque payload handed to a Transmitter. The core is
// polymorphic over message kinds, but a concrete deployment needs a shape to
// persist; this one matches a pub/sub event: a routing subject plus bytes.
type Message struct {
	Subject string
	Payload []byte
}

// MessageSchedule is the persisted unit: a message paired with its temporal
// pattern and lifecycle metadata. Next is nil once the schedule is terminal.
type MessageSchedule struct {
	ID                uuid.UUID
	Pattern           SchedulePattern
	Next              *time.Time
	TransmissionCount uint32
	Message           Message
	State             State
}

// NewMessageSchedule builds a fresh schedule in the Scheduled state with
// Next seeded from the pattern.
func NewMessageSchedule(pattern SchedulePattern, message Message) MessageSchedule {
	return MessageSchedule{
		ID:                uuid.New(),
		Pattern:           pattern,
		Next:              NextFireTime(pattern, 0),
		TransmissionCount: 0,
		Message:           message,
		State:             StateScheduled,
	}
}
