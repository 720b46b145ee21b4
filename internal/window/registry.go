package window

import (
	"context"
	"fmt"
	"time"
)

// MaxLiveWindows is the registry's concurrent window ceiling.
const MaxLiveWindows = 20

// TimeOfDay is a wall-clock spec in the registry's zone. When Year, Month
// and Day are set the spec is anchored to that calendar date; otherwise it
// means the next interval with that clock time.
type TimeOfDay struct {
	Year   int        `json:"year,omitempty"`
	Month  time.Month `json:"month,omitempty"`
	Day    int        `json:"day,omitempty"`
	Hour   int        `json:"hour"`
	Minute int        `json:"minute"`
	Second int        `json:"second"`
}

// ClockOf drops the date of t.
func ClockOf(t time.Time) TimeOfDay {
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}
}

// DateOf keeps the calendar date of t as seen in t's location.
func DateOf(t time.Time) TimeOfDay {
	c := ClockOf(t)
	c.Year, c.Month, c.Day = t.Date()
	return c
}

// Dated reports whether the spec carries a calendar date.
func (c TimeOfDay) Dated() bool { return c.Year != 0 || c.Month != 0 || c.Day != 0 }

// SameDate reports whether both specs name the same calendar date (or neither does).
func (c TimeOfDay) SameDate(o TimeOfDay) bool {
	return c.Year == o.Year && c.Month == o.Month && c.Day == o.Day
}

// In resolves a dated spec to an instant in loc.
func (c TimeOfDay) In(loc *time.Location) time.Time {
	return time.Date(c.Year, c.Month, c.Day, c.Hour, c.Minute, c.Second, 0, loc)
}

// Seconds since midnight.
func (c TimeOfDay) Seconds() int { return c.Hour*3600 + c.Minute*60 + c.Second }

func (c TimeOfDay) Valid() bool {
	if c.Dated() {
		if c.Year < 1 || c.Month < time.January || c.Month > time.December || c.Day < 1 {
			return false
		}
		// time.Date normalizes overflowing days; a valid date survives unchanged.
		if d := time.Date(c.Year, c.Month, c.Day, 0, 0, 0, 0, time.UTC); d.Day() != c.Day {
			return false
		}
	}
	return c.Hour >= 0 && c.Hour < 24 && c.Minute >= 0 && c.Minute < 60 && c.Second >= 0 && c.Second < 60
}

func (c TimeOfDay) String() string {
	if c.Dated() {
		return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d", c.Year, int(c.Month), c.Day, c.Hour, c.Minute, c.Second)
	}
	return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
}

// Registry is the monitoring capability windows are registered against. It
// cannot be enumerated; the scheduler's ledger is the only record of what it holds.
type Registry interface {
	// Register fails for malformed windows (end <= start, or start and end
	// on different dates) and when the registry's own cap is reached.
	Register(ctx context.Context, name string, start, end TimeOfDay, repeats bool) error
	Cancel(ctx context.Context, names []string) error
}
