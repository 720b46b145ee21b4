// Package settings owns the user-editable blocking settings and turns edits
// into scheduler work.
//
// Setters mark one of three dirty buckets and drop a token on a coalescing
// queue. A single consumer (Run) waits for a quiet period and then runs one
// update for the union of buckets dirtied since the last drain. Updates never
// overlap: one requested while another is in flight is dropped, and the
// dirty bits it would have consumed are retried once the running one ends.
package settings

import (
	"context"
	"strings"

	"prayerlock/internal/eventtable"
	"prayerlock/internal/task/engine"
	"prayerlock/internal/window"
)

// Bucket is a set of dirty-tracking groups.
type Bucket uint8

const (
	// BucketSchedule covers the selected kinds and the window duration.
	BucketSchedule Bucket = 1 << iota
	// BucketNotifications covers the reminder flag and lead time.
	BucketNotifications
	// BucketMetadata covers strict mode, which has no scheduler effect.
	BucketMetadata
)

func (b Bucket) Has(o Bucket) bool { return b&o != 0 }

func (b Bucket) String() string {
	if b == 0 {
		return "none"
	}
	var parts []string
	if b.Has(BucketSchedule) {
		parts = append(parts, "schedule")
	}
	if b.Has(BucketNotifications) {
		parts = append(parts, "notifications")
	}
	if b.Has(BucketMetadata) {
		parts = append(parts, "metadata")
	}
	return strings.Join(parts, "|")
}

// Settings is an immutable snapshot handed to other components.
type Settings struct {
	Selected            eventtable.KindSet `json:"selected"`
	DurationMinutes     int                `json:"duration_minutes"`
	Strict              bool               `json:"strict_mode"`
	RemindersEnabled    bool               `json:"reminders_enabled"`
	ReminderLeadMinutes int                `json:"reminder_lead_minutes"`
	BlockingEnabled     bool               `json:"blocking_enabled"`
}

// Defaults selects every kind with 15 minute windows and reminders off.
func Defaults() Settings {
	return Settings{
		Selected:            eventtable.NewKindSet(eventtable.AllKinds...),
		DurationMinutes:     15,
		ReminderLeadMinutes: 10,
		BlockingEnabled:     true,
	}
}

func (s Settings) clone() Settings {
	s.Selected = s.Selected.Clone()
	return s
}

// Lane serializes reconciliation work.
type Lane interface {
	Enqueue(t engine.Task) error
	Do(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// Windows is the scheduler surface the pipeline drives.
type Windows interface {
	TopUp(ctx context.Context, snap *eventtable.Snapshot, durationMinutes int, kinds eventtable.KindSet) window.Report
	ForceRebuild(ctx context.Context, occurrences []eventtable.Occurrence, durationMinutes int, kinds eventtable.KindSet) window.Report
	SupersedeRebuild()
	Stop(ctx context.Context) window.Report
}

// Table is the read side of the event table.
type Table interface {
	Load(ctx context.Context) (*eventtable.Snapshot, bool)
}

// Reminders is the reminder scheduler.
type Reminders interface {
	ScheduleReminders(ctx context.Context, occurrences []eventtable.Occurrence, kinds eventtable.KindSet, enabled bool, minutesBefore int) int
	ClearReminders()
}

// Stats counts pipeline activity since start.
type Stats struct {
	Updates uint64 `json:"updates"`
	Dropped uint64 `json:"dropped"`
	Aborted uint64 `json:"aborted"`
}
