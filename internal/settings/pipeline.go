package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"prayerlock/internal/eventbus"
	"prayerlock/internal/eventtable"
	"prayerlock/internal/storage"
	"prayerlock/internal/task/engine"
	"prayerlock/internal/window"
	logx "prayerlock/pkg/logx"
)

const (
	defaultDebounce  = time.Second
	defaultLookahead = 72 * time.Hour
)

// ErrNoTable aborts an update cycle when no event table is stored.
var ErrNoTable = errors.New("no event table")

type Options struct {
	// Debounce is the quiet period before an update runs. Default 1s.
	Debounce time.Duration
	// ReminderLookahead bounds the occurrences handed to reminders. Default 72h.
	ReminderLookahead time.Duration
	Now               func() time.Time
	Bus               eventbus.Bus
}

type Pipeline struct {
	store     storage.Store
	table     Table
	windows   Windows
	reminders Reminders
	lane      Lane
	log       logx.Logger
	bus       eventbus.Bus
	now       func() time.Time

	mu           sync.Mutex
	cur          Settings
	dirty        Bucket
	updating     bool
	forcePending bool
	debounce     time.Duration
	lookahead    time.Duration
	ctx          context.Context

	ticks chan struct{}

	updates atomic.Uint64
	dropped atomic.Uint64
	aborted atomic.Uint64
}

func New(store storage.Store, table Table, windows Windows, reminders Reminders, lane Lane, log logx.Logger, opt Options) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Debounce <= 0 {
		opt.Debounce = defaultDebounce
	}
	if opt.ReminderLookahead <= 0 {
		opt.ReminderLookahead = defaultLookahead
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Bus == nil {
		opt.Bus = eventbus.Nop()
	}
	return &Pipeline{
		store:     store,
		table:     table,
		windows:   windows,
		reminders: reminders,
		lane:      lane,
		log:       log,
		bus:       opt.Bus,
		now:       opt.Now,
		cur:       Defaults(),
		debounce:  opt.Debounce,
		lookahead: opt.ReminderLookahead,
		ctx:       context.Background(),
		ticks:     make(chan struct{}, 1),
	}
}

// Load replaces the current settings with base overlaid by the shared store.
// It marks nothing dirty.
func (p *Pipeline) Load(ctx context.Context, base Settings) Settings {
	s, found, err := load(ctx, p.store, base)
	if err != nil {
		p.log.Warn("shared settings partly unreadable", logx.Err(err))
	}
	p.mu.Lock()
	p.cur = s
	p.mu.Unlock()
	p.log.Info("settings loaded",
		logx.Bool("stored", found),
		logx.Int("kinds", len(s.Selected)),
		logx.Int("duration_minutes", s.DurationMinutes),
		logx.Bool("blocking", s.BlockingEnabled),
	)
	return s.clone()
}

// Current returns a copy of the settings.
func (p *Pipeline) Current() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur.clone()
}

// Dirty returns the buckets awaiting an update.
func (p *Pipeline) Dirty() Bucket {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty
}

func (p *Pipeline) Stats() Stats {
	return Stats{Updates: p.updates.Load(), Dropped: p.dropped.Load(), Aborted: p.aborted.Load()}
}

// SetDebounce changes the quiet period for subsequent bursts.
func (p *Pipeline) SetDebounce(d time.Duration) {
	if d <= 0 {
		d = defaultDebounce
	}
	p.mu.Lock()
	p.debounce = d
	p.mu.Unlock()
}

// SetReminderLookahead changes the reminder horizon for subsequent updates.
func (p *Pipeline) SetReminderLookahead(d time.Duration) {
	if d <= 0 {
		d = defaultLookahead
	}
	p.mu.Lock()
	p.lookahead = d
	p.mu.Unlock()
}

func (p *Pipeline) SetSelectedKinds(kinds eventtable.KindSet) {
	p.set(BucketSchedule, func(s *Settings) bool {
		if s.Selected.Equal(kinds) {
			return false
		}
		s.Selected = kinds.Clone()
		return true
	})
}

func (p *Pipeline) SetDurationMinutes(m int) {
	p.set(BucketSchedule, func(s *Settings) bool {
		if s.DurationMinutes == m {
			return false
		}
		s.DurationMinutes = m
		return true
	})
}

func (p *Pipeline) SetStrict(on bool) {
	p.set(BucketMetadata, func(s *Settings) bool {
		if s.Strict == on {
			return false
		}
		s.Strict = on
		return true
	})
}

func (p *Pipeline) SetRemindersEnabled(on bool) {
	p.set(BucketNotifications, func(s *Settings) bool {
		if s.RemindersEnabled == on {
			return false
		}
		s.RemindersEnabled = on
		return true
	})
}

func (p *Pipeline) SetReminderLeadMinutes(m int) {
	p.set(BucketNotifications, func(s *Settings) bool {
		if s.ReminderLeadMinutes == m {
			return false
		}
		s.ReminderLeadMinutes = m
		return true
	})
}

// Apply feeds every field of next through its setter. BlockingEnabled is
// applied last and only when it differs.
func (p *Pipeline) Apply(ctx context.Context, next Settings) {
	p.SetSelectedKinds(next.Selected)
	p.SetDurationMinutes(next.DurationMinutes)
	p.SetStrict(next.Strict)
	p.SetRemindersEnabled(next.RemindersEnabled)
	p.SetReminderLeadMinutes(next.ReminderLeadMinutes)
	if p.Current().BlockingEnabled != next.BlockingEnabled {
		p.SetBlockingEnabled(ctx, next.BlockingEnabled)
	}
}

func (p *Pipeline) set(b Bucket, mutate func(s *Settings) bool) {
	p.mu.Lock()
	changed := mutate(&p.cur)
	if changed {
		p.dirty |= b
	}
	p.mu.Unlock()
	if changed {
		p.tick()
	}
}

// tick drops a token on the coalescing queue. A full queue already holds one.
func (p *Pipeline) tick() {
	select {
	case p.ticks <- struct{}{}:
	default:
	}
}

// Run is the single consumer of the coalescing queue. Each token restarts
// the quiet period; when it elapses one non-forced update runs.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	armed := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.ticks:
			p.mu.Lock()
			d := p.debounce
			p.mu.Unlock()
			if armed && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d)
			armed = true
		case <-timer.C:
			armed = false
			if p.Dirty() == 0 {
				continue
			}
			p.PerformUpdate(ctx, false)
		}
	}
}

// AppSelectionChanged skips the debounce. With blocking active it forces a
// full rebuild; otherwise it only persists and leaves the change to the
// next top-up.
func (p *Pipeline) AppSelectionChanged(ctx context.Context) bool {
	cur := p.Current()
	if !cur.BlockingEnabled {
		p.persist(ctx, cur)
		return true
	}
	p.windows.SupersedeRebuild()
	return p.PerformUpdate(ctx, true)
}

// SetBlockingEnabled switches blocking on (forced rebuild plus reminders) or
// off (cancel every window and clear reminders).
func (p *Pipeline) SetBlockingEnabled(ctx context.Context, on bool) bool {
	p.mu.Lock()
	if p.cur.BlockingEnabled == on {
		p.mu.Unlock()
		return true
	}
	p.cur.BlockingEnabled = on
	if on {
		p.dirty |= BucketSchedule | BucketNotifications
	}
	cur := p.cur.clone()
	p.mu.Unlock()

	p.log.Info("blocking mode changed", logx.Bool("enabled", on))
	if on {
		p.windows.SupersedeRebuild()
		return p.PerformUpdate(ctx, true)
	}

	p.persist(ctx, cur)
	p.windows.SupersedeRebuild()
	err := p.lane.Enqueue(engine.Task{
		Name: "windows.stop",
		Run: func(ctx context.Context) error {
			rep := p.windows.Stop(ctx)
			if p.reminders != nil {
				p.reminders.ClearReminders()
			}
			if !rep.OK() {
				return fmt.Errorf("stop windows: %s", rep.Outcome)
			}
			return nil
		},
		Done: func(err error) {
			if err != nil {
				p.log.Warn("windows stop failed", logx.Err(err))
			}
		},
	})
	if err != nil {
		p.log.Warn("windows stop not queued", logx.Err(err))
		return false
	}
	return true
}

// PerformUpdate persists the settings and queues one reconciliation on the
// lane for the buckets dirtied so far. It returns false when the call was
// dropped because another update is in flight or the lane refused it.
func (p *Pipeline) PerformUpdate(ctx context.Context, force bool) bool {
	p.mu.Lock()
	if p.updating {
		if force {
			p.forcePending = true
		}
		p.mu.Unlock()
		p.dropped.Add(1)
		p.log.Debug("update dropped: another is in flight", logx.Bool("force", force))
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeUpdateDropped, Data: force})
		return false
	}
	p.updating = true
	force = force || p.forcePending
	p.forcePending = false
	snap := p.cur.clone()
	captured := p.dirty
	p.dirty = 0
	p.mu.Unlock()

	p.persist(ctx, snap)

	err := p.lane.Enqueue(engine.Task{
		Name: "settings.update",
		Run: func(ctx context.Context) error {
			return p.reconcile(ctx, snap, captured, force)
		},
		Done: func(err error) { p.finish(captured, force, err) },
	})
	if err != nil {
		p.log.Warn("update not queued", logx.Err(err))
		p.mu.Lock()
		p.dirty |= captured
		p.forcePending = p.forcePending || force
		p.updating = false
		p.mu.Unlock()
		return false
	}
	p.updates.Add(1)
	return true
}

// finish runs on the lane once an update is done and hands the guard back.
// Bits captured by a failed cycle are restored; edits made meanwhile get a
// new settle, and a dropped forced update is replayed.
func (p *Pipeline) finish(captured Bucket, force bool, err error) {
	p.mu.Lock()
	pending := p.dirty
	if err != nil {
		p.dirty |= captured
		if force {
			p.forcePending = true
		}
	}
	replay := p.forcePending && err == nil
	if replay {
		p.forcePending = false
	}
	p.updating = false
	ctx := p.ctx
	p.mu.Unlock()

	switch {
	case errors.Is(err, ErrNoTable):
		p.aborted.Add(1)
		p.log.Info("update aborted: no event table", logx.String("restored", captured.String()))
	case err != nil:
		p.log.Warn("update failed", logx.String("restored", captured.String()), logx.Err(err))
	}

	if replay {
		p.log.Debug("replaying dropped forced update")
		go p.PerformUpdate(ctx, true)
		return
	}
	if pending != 0 {
		p.tick()
	}
}

// reconcile runs on the lane.
func (p *Pipeline) reconcile(ctx context.Context, s Settings, dirty Bucket, force bool) error {
	var snap *eventtable.Snapshot

	if (dirty.Has(BucketSchedule) || force) && s.BlockingEnabled {
		t, ok := p.table.Load(ctx)
		if !ok {
			return ErrNoTable
		}
		snap = t
		var rep window.Report
		if force {
			rep = p.windows.ForceRebuild(ctx, snap.Occurrences(), s.DurationMinutes, s.Selected)
		} else {
			rep = p.windows.TopUp(ctx, snap, s.DurationMinutes, s.Selected)
		}
		if err := reportErr(ctx, rep); err != nil {
			return err
		}
	}

	// Reminders follow the selected kinds, so a schedule change refreshes
	// them as well while they are on.
	remind := dirty.Has(BucketNotifications) || (s.RemindersEnabled && (dirty.Has(BucketSchedule) || force))
	if remind && p.reminders != nil {
		return p.refreshReminders(ctx, s, snap)
	}
	return nil
}

func (p *Pipeline) refreshReminders(ctx context.Context, s Settings, snap *eventtable.Snapshot) error {
	if !s.RemindersEnabled || !s.BlockingEnabled {
		p.reminders.ClearReminders()
		return nil
	}
	if snap == nil {
		t, ok := p.table.Load(ctx)
		if !ok {
			return ErrNoTable
		}
		snap = t
	}
	p.mu.Lock()
	lookahead := p.lookahead
	p.mu.Unlock()
	now := p.now()
	occ := snap.Within(now, now.Add(lookahead), s.Selected)
	p.reminders.ScheduleReminders(ctx, occ, s.Selected, true, s.ReminderLeadMinutes)
	return nil
}

// BackgroundTopUp runs the refresh flow on the lane under ctx: top up from
// snap with the current settings, then refresh reminders when they are on.
func (p *Pipeline) BackgroundTopUp(ctx context.Context, snap *eventtable.Snapshot) (window.Report, error) {
	if !p.Current().BlockingEnabled {
		p.log.Debug("background top-up skipped: blocking disabled")
		return window.Report{Outcome: window.OutcomeSkipped}, nil
	}
	var (
		mu  sync.Mutex
		rep = window.Report{Outcome: window.OutcomeSkipped}
	)
	err := p.lane.Do(ctx, "refresh.topup", func(ctx context.Context) error {
		// Blocking may have been switched off while this task was queued.
		s := p.Current()
		if !s.BlockingEnabled {
			p.log.Debug("background top-up skipped: blocking disabled while queued")
			return nil
		}
		r := p.windows.TopUp(ctx, snap, s.DurationMinutes, s.Selected)
		mu.Lock()
		rep = r
		mu.Unlock()
		if err := reportErr(ctx, r); err != nil {
			return err
		}
		if s.RemindersEnabled && p.reminders != nil {
			return p.refreshReminders(ctx, s, snap)
		}
		return nil
	})
	mu.Lock()
	defer mu.Unlock()
	return rep, err
}

func reportErr(ctx context.Context, rep window.Report) error {
	switch rep.Outcome {
	case window.OutcomeCanceled:
		if err := ctx.Err(); err != nil {
			return err
		}
		return context.Canceled
	case window.OutcomeFailed:
		return errors.New("window scheduler failed")
	}
	return nil
}

func (p *Pipeline) persist(ctx context.Context, s Settings) {
	if err := persist(ctx, p.store, s); err != nil {
		p.log.Warn("settings persist failed", logx.Err(err))
		return
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.TypeSettingsPersisted, Data: s})
}
