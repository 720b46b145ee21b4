// Package registry is the local window registry. Registrations are persisted
// in the "registry" storage bucket, one key per window name, where the
// out-of-process monitor reads them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"prayerlock/internal/storage"
	"prayerlock/internal/window"
	logx "prayerlock/pkg/logx"
)

const bucket = "registry"

var (
	ErrMalformedWindow = errors.New("malformed window")
	ErrCapacity        = errors.New("registry capacity reached")
)

// Registration is the monitor-facing record of one window.
type Registration struct {
	Name         string           `json:"name"`
	Start        window.TimeOfDay `json:"start"`
	End          window.TimeOfDay `json:"end"`
	Repeats      bool             `json:"repeats"`
	From         time.Time        `json:"from"`
	Until        time.Time        `json:"until"`
	RegisteredAt time.Time        `json:"registered_at"`
}

// Active reports whether t falls inside the resolved interval.
func (r Registration) Active(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.Until)
}

type Options struct {
	Capacity int
	Location *time.Location
	Now      func() time.Time
}

type Local struct {
	store    storage.Store
	log      logx.Logger
	capacity int
	loc      *time.Location
	now      func() time.Time

	mu sync.Mutex
}

var _ window.Registry = (*Local)(nil)

func NewLocal(store storage.Store, log logx.Logger, opt Options) *Local {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Capacity <= 0 {
		opt.Capacity = window.MaxLiveWindows
	}
	if opt.Location == nil {
		opt.Location = time.Local
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Local{store: store, log: log, capacity: opt.Capacity, loc: opt.Location, now: opt.Now}
}

// SetLocation changes the zone used to resolve new registrations.
func (l *Local) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	l.mu.Lock()
	l.loc = loc
	l.mu.Unlock()
}

// Register resolves start/end to an absolute interval and stores it. Dated
// specs resolve on their own date; undated ones to the next wall-clock
// interval that has not ended yet. Re-registering an existing name replaces it.
func (l *Local) Register(ctx context.Context, name string, start, end window.TimeOfDay, repeats bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" || !start.Valid() || !end.Valid() || !start.SameDate(end) || end.Seconds() <= start.Seconds() {
		return fmt.Errorf("%w: %q %s-%s", ErrMalformedWindow, name, start, end)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().In(l.loc)

	regs, err := l.loadLocked(ctx)
	if err != nil {
		return err
	}
	exists := false
	for _, r := range regs {
		if r.Name == name {
			exists = true
			break
		}
	}
	// Registrations are held until cancelled.
	if !exists && len(regs) >= l.capacity {
		return fmt.Errorf("%w (%d)", ErrCapacity, l.capacity)
	}

	from, until := resolve(now, start, end)
	reg := Registration{Name: name, Start: start, End: end, Repeats: repeats, From: from, Until: until, RegisteredAt: now}
	if err := storage.PutJSON(ctx, l.store, bucket, name, reg); err != nil {
		return fmt.Errorf("store registration: %w", err)
	}
	l.log.Debug("window registered", logx.String("name", name), logx.Time("from", from), logx.Time("until", until))
	return nil
}

func (l *Local) Cancel(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.Delete(ctx, bucket, names...); err != nil {
		return fmt.Errorf("cancel registrations: %w", err)
	}
	l.log.Debug("windows cancelled", logx.Int("count", len(names)))
	return nil
}

// Registrations lists stored registrations ordered by From. It is for the
// monitor and diagnostics; the scheduler never enumerates.
func (l *Local) Registrations(ctx context.Context) ([]Registration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	regs, err := l.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].From.Before(regs[j].From) })
	return regs, nil
}

// ActiveAt returns the registration covering t, if any.
func (l *Local) ActiveAt(ctx context.Context, t time.Time) (Registration, bool, error) {
	regs, err := l.Registrations(ctx)
	if err != nil {
		return Registration{}, false, err
	}
	for _, r := range regs {
		if r.Active(t) {
			return r, true, nil
		}
	}
	return Registration{}, false, nil
}

func (l *Local) loadLocked(ctx context.Context) ([]Registration, error) {
	keys, err := l.store.Keys(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("list registry: %w", err)
	}
	out := make([]Registration, 0, len(keys))
	for _, k := range keys {
		var r Registration
		ok, err := storage.GetJSON(ctx, l.store, bucket, k, &r)
		if err != nil {
			l.log.Warn("registration unreadable; dropping", logx.String("name", k), logx.Err(err))
			_ = l.store.Delete(ctx, bucket, k)
			continue
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// resolve places a dated spec on its date. An undated one gets today's
// interval, or tomorrow's when today's has already ended.
func resolve(now time.Time, start, end window.TimeOfDay) (time.Time, time.Time) {
	if start.Dated() {
		return start.In(now.Location()), end.In(now.Location())
	}
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	at := func(d time.Time, c window.TimeOfDay) time.Time {
		return time.Date(d.Year(), d.Month(), d.Day(), c.Hour, c.Minute, c.Second, 0, d.Location())
	}
	from, until := at(day, start), at(day, end)
	if !now.Before(until) {
		next := day.AddDate(0, 0, 1)
		from, until = at(next, start), at(next, end)
	}
	return from, until
}
