// Package storage provides the persistence layer shared by the scheduling subsystem.
//
// Data is organised as buckets of opaque values:
//   - "shared"      settings mirrored for the out-of-process monitor
//   - "windows"     the scheduler's window ledger
//   - "event_table" the persisted event table snapshot
//   - "registry"    registrations made against the local window registry
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local map (tests, dry runs)
//   - "file":   one JSON document per bucket, atomically replaced on write
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the minimal persistence API used by core components.
type Store interface {
	Get(ctx context.Context, bucket, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, bucket, key string, value []byte) error
	Delete(ctx context.Context, bucket string, keys ...string) error
	Keys(ctx context.Context, bucket string) ([]string, error)
	Close() error
}
