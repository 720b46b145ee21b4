// Package reminders fires a notice a fixed lead time before each selected
// occurrence.
//
// Timers are armed per occurrence; every ScheduleReminders or ClearReminders
// bumps a version so timers armed by an older call deliver nothing. Delivery
// goes through a token bucket and a dedup window before reaching the Sender.
package reminders

import (
	"context"
	"fmt"
	"time"

	"prayerlock/internal/eventtable"
)

// Config controls reminder delivery.
//
// The app layer maps config.reminders into this struct.
type Config struct {
	RatePerSec  int
	DedupWindow time.Duration
	// DedupMaxEntries caps the in-memory dedup map.
	DedupMaxEntries int
}

// Reminder is one due notice.
type Reminder struct {
	Kind eventtable.Kind `json:"kind"`
	At   time.Time       `json:"at"`
	Lead time.Duration   `json:"lead"`
}

// Text is the plain notice body.
func (r Reminder) Text() string {
	mins := int(r.Lead / time.Minute)
	if mins <= 0 {
		return fmt.Sprintf("%s now (%s)", r.Kind, r.At.Format("15:04"))
	}
	return fmt.Sprintf("%s in %d min (%s)", r.Kind, mins, r.At.Format("15:04"))
}

func (r Reminder) key() string {
	return r.Kind.String() + "@" + r.At.UTC().Format("20060102T1504")
}

// Sender delivers a reminder somewhere a user will see it.
type Sender interface {
	Send(ctx context.Context, r Reminder) error
}

// DeliveryEvent is published on the bus for each delivery attempt.
type DeliveryEvent struct {
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
