package app

import (
	"strings"
	"time"

	"prayerlock/internal/eventtable"
	"prayerlock/internal/refresh"
	"prayerlock/internal/reminders"
	"prayerlock/internal/settings"
	"prayerlock/internal/task/engine"
	"prayerlock/internal/window"
)

func mapWindowOptions(cfg *Config) (window.Options, error) {
	d, err := cfg.Durations()
	if err != nil {
		return window.Options{}, err
	}
	return window.Options{MaxWindows: cfg.Scheduler.MaxWindows, RebuildCooldown: d.RebuildCooldown}, nil
}

func mapPipelineOptions(cfg *Config) (settings.Options, error) {
	d, err := cfg.Durations()
	if err != nil {
		return settings.Options{}, err
	}
	return settings.Options{Debounce: d.Debounce, ReminderLookahead: d.ReminderLookahead}, nil
}

type refreshSettings struct {
	enabled bool
	spec    refresh.Spec
	budget  time.Duration
	loc     *time.Location
}

func mapRefreshConfig(cfg *Config) (refreshSettings, error) {
	spec, err := refresh.ParseSchedule(cfg.Refresh.Schedule)
	if err != nil {
		return refreshSettings{}, err
	}
	d, err := cfg.Durations()
	if err != nil {
		return refreshSettings{}, err
	}
	loc, err := loadZone(cfg.Refresh.Timezone, cfg.Location.Timezone)
	if err != nil {
		return refreshSettings{}, err
	}
	return refreshSettings{enabled: cfg.Refresh.IsEnabled(), spec: spec, budget: d.RefreshBudget, loc: loc}, nil
}

func mapTaskEngineConfig(cfg *Config) (engine.Config, error) {
	d, err := cfg.Durations()
	if err != nil {
		return engine.Config{}, err
	}
	ec := engine.Config{QueueSize: 64, DefaultTimeout: d.TaskTimeout, HistorySize: 50}
	if te := cfg.TaskEngine; te != nil {
		if te.QueueSize > 0 {
			ec.QueueSize = te.QueueSize
		}
		if te.HistorySize > 0 {
			ec.HistorySize = te.HistorySize
		}
	}
	return ec, nil
}

type reminderSettings struct {
	cfg      reminders.Config
	sender   string
	telegram reminders.TelegramConfig
}

func mapRemindersConfig(cfg *Config) (reminderSettings, error) {
	d, err := cfg.Durations()
	if err != nil {
		return reminderSettings{}, err
	}
	out := reminderSettings{cfg: reminders.Config{RatePerSec: 1, DedupWindow: d.DedupWindow}, sender: "log"}
	r := cfg.Reminders
	if r == nil {
		return out, nil
	}
	if s := strings.ToLower(strings.TrimSpace(r.Sender)); s != "" {
		out.sender = s
	}
	if r.RatePerSec > 0 {
		out.cfg.RatePerSec = r.RatePerSec
	}
	out.telegram = reminders.TelegramConfig{
		Token:       r.Telegram.Token,
		ChatID:      r.Telegram.ChatID,
		ThreadID:    r.Telegram.ThreadID,
		PollTimeout: d.PollTimeout,
	}
	return out, nil
}

// settingsFromConfig overlays the blocking section onto base. Zero numbers
// keep the base value; an omitted enabled flag keeps the persisted mode.
func settingsFromConfig(cfg *Config, base settings.Settings) (settings.Settings, bool, error) {
	b := cfg.Blocking
	if b == nil {
		return base, false, nil
	}
	out := base
	if len(b.Kinds) > 0 {
		kinds, err := eventtable.ParseKindSet(b.Kinds)
		if err != nil {
			return base, false, err
		}
		out.Selected = kinds
	}
	if b.DurationMinutes > 0 {
		out.DurationMinutes = b.DurationMinutes
	}
	if b.ReminderLeadMinutes > 0 {
		out.ReminderLeadMinutes = b.ReminderLeadMinutes
	}
	out.Strict = b.Strict
	out.RemindersEnabled = b.Reminders
	if b.Enabled != nil {
		out.BlockingEnabled = *b.Enabled
	}
	return out, true, nil
}

// loadZone returns the first non-empty zone, or the process zone.
func loadZone(names ...string) (*time.Location, error) {
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			return time.LoadLocation(n)
		}
	}
	return time.Local, nil
}
