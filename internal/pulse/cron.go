package pulse

import (
	"time"

	"github.com/adhocore/gronx"
)

// Cron wraps gronx's evaluator with the timezone handling spec.md §3
// requires ("honoring user-supplied IANA strings" per the non-goals list —
// arithmetic beyond that isn't attempted).
type Cron struct {
	expr gronx.Gronx
}

// NewCron constructs a Cron evaluator.
func NewCron() *Cron {
	return &Cron{expr: gronx.New()}
}

// Validate reports whether expr is a well-formed 5-field cron expression.
func (c *Cron) Validate(expr string) error {
	_, err := gronx.NextTickAfter(expr, time.Now(), false)
	return err
}

// IsDue reports whether expr should fire at the instant now, interpreted
// in the given IANA timezone (empty tz means UTC).
func (c *Cron) IsDue(exprStr, tz string, now time.Time) (bool, error) {
	loc, err := resolveLocation(tz)
	if err != nil {
		return false, err
	}
	return c.expr.IsDue(exprStr, now.In(loc))
}

// NextAfter returns the next fire time strictly after ref, in the given
// timezone.
func (c *Cron) NextAfter(exprStr, tz string, ref time.Time) (time.Time, error) {
	loc, err := resolveLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	return gronx.NextTickAfter(exprStr, ref.In(loc), false)
}

func resolveLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}
