package config

type Config struct {
	Logging LoggingConfig  `json:"logging"`
	Storage *StorageConfig `json:"storage,omitempty"`

	// Location is the origin the event table must have been computed for.
	Location LocationConfig `json:"location"`

	// Blocking holds the user-editable scheduling settings. When present, every
	// (re)load is fanned into the settings pipeline; unchanged fields are no-ops.
	Blocking *BlockingConfig `json:"blocking,omitempty"`

	Scheduler SchedulerConfig `json:"scheduler"`
	Registry  RegistryConfig  `json:"registry"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Refresh   RefreshConfig   `json:"refresh"`

	Reminders  *RemindersConfig  `json:"reminders,omitempty"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/prayerlock.db" }
//
// Omitting the section selects the in-memory driver.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type LocationConfig struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	// Timezone overrides the snapshot's zone when the snapshot carries none.
	Timezone string `json:"timezone,omitempty"`
}

// BlockingConfig mirrors settings.Settings.
//
// Enabled is a pointer so an omitted key keeps the persisted mode.
type BlockingConfig struct {
	Enabled             *bool    `json:"enabled,omitempty"`
	Kinds               []string `json:"kinds"`
	DurationMinutes     int      `json:"duration_minutes"`
	Strict              bool     `json:"strict,omitempty"`
	Reminders           bool     `json:"reminders,omitempty"`
	ReminderLeadMinutes int      `json:"reminder_lead_minutes,omitempty"`
}

// SchedulerConfig controls the window scheduler.
//
// Defaults:
//   - max_windows: 20 (values above 20 are clamped)
//   - rebuild_cooldown: "2s"
type SchedulerConfig struct {
	MaxWindows      int    `json:"max_windows,omitempty"`
	RebuildCooldown string `json:"rebuild_cooldown,omitempty"`
}

// RegistryConfig controls the local window registry. Capacity defaults to 20.
type RegistryConfig struct {
	Capacity int `json:"capacity,omitempty"`
}

// PipelineConfig controls the settings pipeline.
//
// Defaults:
//   - debounce: "1s"
//   - reminder_lookahead: "72h"
type PipelineConfig struct {
	Debounce          string `json:"debounce,omitempty"`
	ReminderLookahead string `json:"reminder_lookahead,omitempty"`
}

// RefreshConfig controls the periodic top-up trigger.
//
// Schedule accepts a Go duration ("6h"), a daily "HH:MM" or a cron expression.
//
// Defaults:
//   - enabled: true
//   - schedule: "6h"
//   - budget: "30s"
type RefreshConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	Budget   string `json:"budget,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// RemindersConfig controls reminder delivery.
//
// If the whole section is omitted, reminders are logged only.
type RemindersConfig struct {
	Sender      string         `json:"sender"` // "log" | "telegram"
	RatePerSec  int            `json:"rate_per_sec,omitempty"`
	DedupWindow string         `json:"dedup_window,omitempty"`
	Telegram    TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// TaskEngineConfig controls the serial execution lane.
//
// Defaults (when fields are omitted/zero):
//   - queue_size: 64
//   - default_timeout: "2m"
//   - history_size: 50
type TaskEngineConfig struct {
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}
