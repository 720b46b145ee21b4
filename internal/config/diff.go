package config

import (
	"reflect"
	"sort"
	"strings"

	logx "prayerlock/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage: nil means the memory driver.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver, oBusy, oPathSet = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nBusy, nPathSet = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	if oldCfg.Location != newCfg.Location {
		changed = append(changed, "location")
		attrs = append(attrs,
			logx.Float64("location.latitude", newCfg.Location.Latitude),
			logx.Float64("location.longitude", newCfg.Location.Longitude),
			logx.String("location.timezone", newCfg.Location.Timezone),
		)
	}

	if !reflect.DeepEqual(oldCfg.Blocking, newCfg.Blocking) {
		changed = append(changed, "blocking")
		if b := newCfg.Blocking; b != nil {
			attrs = append(attrs,
				logx.Strs("blocking.kinds", b.Kinds),
				logx.Int("blocking.duration_minutes", b.DurationMinutes),
				logx.Bool("blocking.reminders", b.Reminders),
			)
		} else {
			attrs = append(attrs, logx.Bool("blocking.present", false))
		}
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.max_windows", newCfg.Scheduler.MaxWindows),
			logx.String("scheduler.rebuild_cooldown", strings.TrimSpace(newCfg.Scheduler.RebuildCooldown)),
		)
	}

	if oldCfg.Registry != newCfg.Registry {
		changed = append(changed, "registry")
		attrs = append(attrs, logx.Int("registry.capacity", newCfg.Registry.Capacity))
	}

	if oldCfg.Pipeline != newCfg.Pipeline {
		changed = append(changed, "pipeline")
		attrs = append(attrs,
			logx.String("pipeline.debounce", strings.TrimSpace(newCfg.Pipeline.Debounce)),
			logx.String("pipeline.reminder_lookahead", strings.TrimSpace(newCfg.Pipeline.ReminderLookahead)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Refresh, newCfg.Refresh) {
		changed = append(changed, "refresh")
		attrs = append(attrs,
			logx.Bool("refresh.enabled", newCfg.Refresh.IsEnabled()),
			logx.String("refresh.schedule", strings.TrimSpace(newCfg.Refresh.Schedule)),
			logx.String("refresh.budget", strings.TrimSpace(newCfg.Refresh.Budget)),
		)
	}

	// Reminders (never log token)
	oR, nR := derefReminders(oldCfg.Reminders), derefReminders(newCfg.Reminders)
	if oR != nR {
		changed = append(changed, "reminders")
		attrs = append(attrs,
			logx.String("reminders.sender", strings.TrimSpace(nR.Sender)),
			logx.Int("reminders.rate_per_sec", nR.RatePerSec),
			logx.Bool("reminders.telegram_token_set", strings.TrimSpace(nR.Telegram.Token) != ""),
			logx.Bool("reminders.telegram_chat_set", nR.Telegram.ChatID != 0),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if oTE != nTE {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.Int("task_engine.history_size", nTE.HistorySize),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// IsEnabled defaults to true when the key is omitted.
func (r RefreshConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefReminders(r *RemindersConfig) RemindersConfig {
	if r == nil {
		return RemindersConfig{}
	}
	return *r
}
