package reminders

import (
	"context"
	"sync"
	"time"

	"prayerlock/internal/eventbus"
	"prayerlock/internal/eventtable"
	"prayerlock/internal/storage"
	logx "prayerlock/pkg/logx"

	"golang.org/x/time/rate"
)

// dedupBucket persists suppress-until times so a restart does not repeat a
// reminder that was already delivered.
const dedupBucket = "reminders"

// Scheduler arms one timer per upcoming reminder. It is safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sender  Sender
	log     logx.Logger
	bus     eventbus.Bus
	store   storage.Store
	now     func() time.Time

	ctx     context.Context
	version uint64
	timers  []*time.Timer

	dmu   sync.Mutex
	dedup map[string]time.Time
}

// New builds a scheduler. store may be nil, which keeps dedup in memory only.
func New(cfg Config, sender Sender, store storage.Store, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if sender == nil {
		sender = NewLogSender(log)
	}
	s := &Scheduler{
		sender: sender,
		log:    log,
		bus:    bus,
		store:  store,
		now:    time.Now,
		ctx:    context.Background(),
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps delivery settings. Armed timers are kept.
func (s *Scheduler) Apply(cfg Config, sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(cfg)
	if sender != nil {
		s.sender = sender
	}
}

func (s *Scheduler) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 500
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start binds delivery to ctx; deliveries stop once ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
}

// Stop disarms every timer.
func (s *Scheduler) Stop() { s.ClearReminders() }

// ScheduleReminders replaces all armed reminders with one per selected
// occurrence whose fire time (At minus minutesBefore) is still ahead. When
// enabled is false it only clears. It returns the number armed.
func (s *Scheduler) ScheduleReminders(ctx context.Context, occurrences []eventtable.Occurrence, kinds eventtable.KindSet, enabled bool, minutesBefore int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
	if !enabled {
		s.log.Debug("reminders disabled")
		return 0
	}
	if minutesBefore < 0 {
		minutesBefore = 0
	}
	lead := time.Duration(minutesBefore) * time.Minute
	now := s.now()
	version := s.version

	for _, o := range occurrences {
		if ctx.Err() != nil {
			break
		}
		if !kinds.Has(o.Kind) {
			continue
		}
		fireAt := o.At.Add(-lead)
		if !fireAt.After(now) {
			continue
		}
		r := Reminder{Kind: o.Kind, At: o.At, Lead: lead}
		s.timers = append(s.timers, time.AfterFunc(fireAt.Sub(now), func() { s.fire(version, r) }))
	}
	s.log.Info("reminders scheduled", logx.Int("count", len(s.timers)), logx.Int("lead_minutes", minutesBefore))
	return len(s.timers)
}

// ClearReminders disarms every timer.
func (s *Scheduler) ClearReminders() {
	s.mu.Lock()
	n := len(s.timers)
	s.clearLocked()
	s.mu.Unlock()
	if n > 0 {
		s.log.Info("reminders cleared", logx.Int("count", n))
	}
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) clearLocked() {
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	s.version++
}

func (s *Scheduler) fire(version uint64, r Reminder) {
	s.mu.Lock()
	if version != s.version {
		s.mu.Unlock()
		return
	}
	ctx, sender, limiter, cfg := s.ctx, s.sender, s.limiter, s.cfg
	s.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	key := r.key()
	if cfg.DedupWindow > 0 && !s.dedupAllow(ctx, key, cfg.DedupWindow, cfg.DedupMaxEntries) {
		s.log.Debug("reminder deduped", logx.String("key", key))
		return
	}
	if err := limiter.Wait(ctx); err != nil {
		return
	}

	ev := DeliveryEvent{Key: key, At: s.now()}
	if err := sender.Send(ctx, r); err != nil {
		ev.Error = err.Error()
		s.log.Warn("reminder delivery failed", logx.String("key", key), logx.Err(err))
	} else {
		s.log.Info("reminder delivered", logx.String("key", key))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderDelivered, Time: ev.At, Data: ev})
}

// dedupAllow records key for window unless it is already suppressed in
// memory or in the store.
func (s *Scheduler) dedupAllow(ctx context.Context, key string, window time.Duration, max int) bool {
	now := s.now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		var until time.Time
		ok, err := storage.GetJSON(cctx, s.store, dedupBucket, key, &until)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > max {
		var oldest string
		var oldestAt time.Time
		for k, u := range s.dedup {
			if oldest == "" || u.Before(oldestAt) {
				oldest, oldestAt = k, u
			}
		}
		delete(s.dedup, oldest)
	}
	s.dmu.Unlock()

	if s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		if err := storage.PutJSON(cctx, s.store, dedupBucket, key, until); err != nil {
			s.log.Debug("reminder dedup persist failed", logx.String("key", key), logx.Err(err))
		}
		cancel()
	}
	return true
}
