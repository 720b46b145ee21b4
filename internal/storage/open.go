package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	logx "prayerlock/pkg/logx"
)

// Open initializes the configured store.
// An empty driver falls back to the in-memory store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// GetJSON decodes the value stored under bucket/key into v.
// ok is false when the key does not exist.
func GetJSON(ctx context.Context, st Store, bucket, key string, v any) (bool, error) {
	if st == nil {
		return false, ErrDisabled
	}
	b, ok, err := st.Get(ctx, bucket, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

// PutJSON encodes v and stores it under bucket/key.
func PutJSON(ctx context.Context, st Store, bucket, key string, v any) error {
	if st == nil {
		return ErrDisabled
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", bucket, key, err)
	}
	return st.Put(ctx, bucket, key, b)
}
