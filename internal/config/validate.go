package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Validate checks field ranges and duration strings. Event kind names are
// checked by the caller, which owns the kind vocabulary.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "memory":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(fmt.Errorf("storage.path: required for driver %q", s.Driver))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
	}

	if lat := cfg.Location.Latitude; math.IsNaN(lat) || lat < -90 || lat > 90 {
		add(fmt.Errorf("location.latitude: out of range: %v", lat))
	}
	if lon := cfg.Location.Longitude; math.IsNaN(lon) || lon < -180 || lon > 180 {
		add(fmt.Errorf("location.longitude: out of range: %v", lon))
	}
	if tz := strings.TrimSpace(cfg.Location.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("location.timezone: %w", err))
		}
	}

	if b := cfg.Blocking; b != nil {
		if b.DurationMinutes < 0 || b.DurationMinutes > 24*60 {
			add(fmt.Errorf("blocking.duration_minutes: out of range: %d", b.DurationMinutes))
		}
		if b.ReminderLeadMinutes < 0 {
			add(errors.New("blocking.reminder_lead_minutes: must be >= 0"))
		}
	}

	if cfg.Scheduler.MaxWindows < 0 {
		add(errors.New("scheduler.max_windows: must be >= 0"))
	}
	if cfg.Registry.Capacity < 0 {
		add(errors.New("registry.capacity: must be >= 0"))
	}
	if tz := strings.TrimSpace(cfg.Refresh.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("refresh.timezone: %w", err))
		}
	}

	if r := cfg.Reminders; r != nil {
		switch strings.ToLower(strings.TrimSpace(r.Sender)) {
		case "", "log":
		case "telegram":
			if strings.TrimSpace(r.Telegram.Token) == "" || r.Telegram.ChatID == 0 {
				add(errors.New("reminders.telegram: token and chat_id are required"))
			}
		default:
			add(fmt.Errorf("reminders.sender: unknown sender %q", r.Sender))
		}
		if r.RatePerSec < 0 {
			add(errors.New("reminders.rate_per_sec: must be >= 0"))
		}
	}

	if te := cfg.TaskEngine; te != nil {
		if te.QueueSize < 0 || te.HistorySize < 0 {
			add(errors.New("task_engine: sizes must be >= 0"))
		}
	}

	_, err := cfg.Durations()
	add(err)

	return errors.Join(errs...)
}
