// Package eventtable persists the computed prayer-time table and expands it
// into concrete occurrences.
package eventtable

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"prayerlock/internal/config"
	"prayerlock/internal/storage"
	logx "prayerlock/pkg/logx"
)

const (
	bucket = "event_table"
	key    = "snapshot"

	// staleToleranceDeg is roughly 50 km; smaller moves don't warrant a refetch.
	staleToleranceDeg = 0.5
)

// Table loads and stores the single current snapshot. Failures are logged and
// reported as "no snapshot available".
type Table struct {
	store storage.Store
	log   logx.Logger

	// zone fills Snapshot.Timezone when the stored snapshot has none.
	zone string
}

func New(store storage.Store, log logx.Logger) *Table {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Table{store: store, log: log}
}

// SetDefaultZone sets the IANA zone used for snapshots that carry none.
func (t *Table) SetDefaultZone(name string) { t.zone = strings.TrimSpace(name) }

func (t *Table) Load(ctx context.Context) (*Snapshot, bool) {
	var snap Snapshot
	ok, err := storage.GetJSON(ctx, t.store, bucket, key, &snap)
	if err != nil {
		t.log.Warn("event table unreadable", logx.Err(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	if snap.Timezone == "" {
		snap.Timezone = t.zone
	}
	return &snap, true
}

// Save replaces the stored snapshot wholesale.
func (t *Table) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return errors.New("event table: nil snapshot")
	}
	if err := storage.PutJSON(ctx, t.store, bucket, key, snap); err != nil {
		t.log.Warn("event table save failed", logx.Err(err))
		return fmt.Errorf("event table save: %w", err)
	}
	t.log.Info("event table saved",
		logx.Time("horizon_start", snap.HorizonStart),
		logx.Time("horizon_end", snap.HorizonEnd),
		logx.Int("days", len(snap.Days)),
	)
	return nil
}

func (t *Table) Clear(ctx context.Context) error {
	if err := t.store.Delete(ctx, bucket, key); err != nil {
		return fmt.Errorf("event table clear: %w", err)
	}
	return nil
}

// IsStale reports whether the stored snapshot is missing or was computed for
// an origin more than half a degree away on either axis.
func (t *Table) IsStale(ctx context.Context, lat, lon float64) bool {
	snap, ok := t.Load(ctx)
	if !ok {
		return true
	}
	return math.Abs(snap.Latitude-lat) > staleToleranceDeg || math.Abs(snap.Longitude-lon) > staleToleranceDeg
}

// ReadFile decodes and validates a snapshot document (JSON or YAML) produced
// by the external computation client.
func ReadFile(path string) (*Snapshot, error) {
	var snap Snapshot
	if err := config.DecodeFile(path, &snap); err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("invalid snapshot %s: %w", path, err)
	}
	return &snap, nil
}
