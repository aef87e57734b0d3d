package domain

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser is the standard five-field parser (minute hour dom month dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextFireTime is the single pure next-fire operation: given a pattern and
// how many times it has already transmitted, it returns the next instant the
// pattern is due, or nil once the pattern is terminal. Callers must not
// re-filter by pattern kind after calling this function — the repository's
// due-filter on Next is authoritative.
func NextFireTime(pattern SchedulePattern, transmissionCount uint32) *time.Time {
	switch pattern.Kind {
	case PatternDelayed:
		if transmissionCount == 0 {
			t := pattern.Delayed.TransmitAt
			return &t
		}
		return nil

	case PatternInterval:
		if pattern.Interval.Repeat.exhausted(transmissionCount) {
			return nil
		}
		t := pattern.Interval.FirstTransmission.Add(
			time.Duration(transmissionCount) * pattern.Interval.Duration,
		)
		return &t

	case PatternCron:
		if pattern.Cron.Repeat.exhausted(transmissionCount) {
			return nil
		}
		sched, err := cronParser.Parse(pattern.Cron.Expression)
		if err != nil {
			// Expression should have been validated at ingestion; treat as terminal.
			slog.Default().Error("invalid cron expression reached next-fire computation",
				"expression", pattern.Cron.Expression, "error", err)
			return nil
		}
		t := pattern.Cron.FirstTransmissionAfter
		for i := uint32(0); i <= transmissionCount; i++ {
			t = sched.Next(t)
			if t.IsZero() {
				return nil
			}
		}
		return &t

	default:
		return nil
	}
}

// ValidateCronExpression is the ingestion-time check for the Cron pattern,
// surfaced separately so the facade can return ErrInvalidCronExpr instead of
// silently treating a bad expression as terminal.
func ValidateCronExpression(expression string) error {
	if _, err := cronParser.Parse(expression); err != nil {
		return ErrInvalidCronExpr
	}
	return nil
}
