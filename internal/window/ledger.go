package window

import (
	"context"
	"time"

	"prayerlock/internal/storage"
	logx "prayerlock/pkg/logx"
)

const (
	ledgerBucket = "windows"
	ledgerKey    = "ledger"
)

// Record is one window the registry may hold.
type Record struct {
	Name            string `json:"name"`
	Start           int64  `json:"epoch_start"`
	DurationSeconds int64  `json:"duration_seconds"`
}

func (r Record) StartTime() time.Time { return time.Unix(r.Start, 0) }

func (r Record) End() time.Time {
	return time.Unix(r.Start+r.DurationSeconds, 0)
}

// Expired reports start + duration <= now.
func (r Record) Expired(now time.Time) bool { return !r.End().After(now) }

// Ledger persists the scheduler's records. Only the scheduler writes it.
type Ledger struct {
	store storage.Store
	log   logx.Logger
}

func NewLedger(store storage.Store, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{store: store, log: log}
}

// Load returns the stored records. An unreadable ledger is logged and read as empty.
func (l *Ledger) Load(ctx context.Context) []Record {
	var recs []Record
	if _, err := storage.GetJSON(ctx, l.store, ledgerBucket, ledgerKey, &recs); err != nil {
		l.log.Warn("window ledger unreadable; treating as empty", logx.Err(err))
		return nil
	}
	return recs
}

func (l *Ledger) Save(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return l.store.Delete(ctx, ledgerBucket, ledgerKey)
	}
	return storage.PutJSON(ctx, l.store, ledgerBucket, ledgerKey, recs)
}

func names(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Name
	}
	return out
}
