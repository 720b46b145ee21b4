package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Defaults for duration fields left empty (or "0s") in the config file.
const (
	DefaultBusyTimeout       = time.Second
	DefaultRebuildCooldown   = 2 * time.Second
	DefaultDebounce          = time.Second
	DefaultReminderLookahead = 72 * time.Hour
	DefaultRefreshBudget     = 30 * time.Second
	DefaultDedupWindow       = 10 * time.Minute
	DefaultPollTimeout       = 10 * time.Second
	DefaultTaskTimeout       = 2 * time.Minute
)

// Durations holds every duration field of a Config with defaults applied.
type Durations struct {
	BusyTimeout       time.Duration
	RebuildCooldown   time.Duration
	Debounce          time.Duration
	ReminderLookahead time.Duration
	RefreshBudget     time.Duration
	DedupWindow       time.Duration
	PollTimeout       time.Duration
	TaskTimeout       time.Duration
}

// Durations parses the duration strings of c. Errors name the offending
// field path and are joined so one pass reports all of them.
func (c *Config) Durations() (Durations, error) {
	var (
		out  Durations
		errs []error
	)
	field := func(dst *time.Duration, path, raw string, def time.Duration) {
		d, err := parseDuration(path, raw)
		if err != nil {
			errs = append(errs, err)
			return
		}
		if d <= 0 {
			d = def
		}
		*dst = d
	}

	var busy string
	if c.Storage != nil {
		busy = c.Storage.BusyTimeout
	}
	field(&out.BusyTimeout, "storage.busy_timeout", busy, DefaultBusyTimeout)
	field(&out.RebuildCooldown, "scheduler.rebuild_cooldown", c.Scheduler.RebuildCooldown, DefaultRebuildCooldown)
	field(&out.Debounce, "pipeline.debounce", c.Pipeline.Debounce, DefaultDebounce)
	field(&out.ReminderLookahead, "pipeline.reminder_lookahead", c.Pipeline.ReminderLookahead, DefaultReminderLookahead)
	field(&out.RefreshBudget, "refresh.budget", c.Refresh.Budget, DefaultRefreshBudget)

	r := derefReminders(c.Reminders)
	field(&out.DedupWindow, "reminders.dedup_window", r.DedupWindow, DefaultDedupWindow)
	field(&out.PollTimeout, "reminders.telegram.poll_timeout", r.Telegram.PollTimeout, DefaultPollTimeout)

	te := derefTaskEngine(c.TaskEngine)
	field(&out.TaskTimeout, "task_engine.default_timeout", te.DefaultTimeout, DefaultTaskTimeout)

	if err := errors.Join(errs...); err != nil {
		return Durations{}, err
	}
	return out, nil
}

// parseDuration accepts an empty string as zero and rejects negatives.
func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
