// Package engine runs heavy reconciliation work on a single serial lane.
//
// Tasks execute one at a time in enqueue order. Callers either fire and forget
// (Enqueue) or block until their task finishes (Do).
package engine

import (
	"context"
	"time"
)

// Config controls the execution lane.
//
// The app layer maps config.task_engine into this struct.
type Config struct {
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0. 0 disables it.
	DefaultTimeout time.Duration

	HistorySize int
}

// Task is a unit of work executed by the lane.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error

	// Done, when set, is called exactly once with the task's final error,
	// including ErrStopped for tasks discarded at shutdown.
	Done func(err error)

	// ctx is the caller context for tasks submitted through Do.
	ctx context.Context
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running        bool
	QueueLen       int
	QueueCap       int
	Dropped        uint64
	DefaultTimeout time.Duration
	History        []HistoryItem
}
