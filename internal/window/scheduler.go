// Package window keeps a bounded rolling set of blocking windows registered
// for upcoming prayer occurrences.
//
// Every registration is preceded by a ledger write and every failed one is
// rolled back, so the ledger always covers what the registry may hold.
// Scheduler methods are not safe for concurrent use; callers serialize them.
package window

import (
	"context"
	"sync"
	"time"

	"prayerlock/internal/eventbus"
	"prayerlock/internal/eventtable"
	"prayerlock/internal/storage"
	logx "prayerlock/pkg/logx"
)

type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeCanceled   Outcome = "canceled"
	OutcomeFailed     Outcome = "failed"
)

// Report summarizes one scheduler call.
type Report struct {
	Outcome    Outcome `json:"outcome"`
	Expired    int     `json:"expired"`
	Cancelled  int     `json:"cancelled"`
	Registered int     `json:"registered"`
	Failed     int     `json:"failed"`
	Live       int     `json:"live"`
}

func (r Report) OK() bool { return r.Outcome == OutcomeOK }

type Options struct {
	// MaxWindows caps live windows; 0 or anything above MaxLiveWindows means MaxLiveWindows.
	MaxWindows int
	// RebuildCooldown is the settle delay between cancel-all and re-register.
	RebuildCooldown time.Duration
	Now             func() time.Time
	Bus             eventbus.Bus
}

type Scheduler struct {
	reg      Registry
	ledger   *Ledger
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time
	max      int
	cooldown time.Duration

	mu        sync.Mutex
	supersede chan struct{}
}

func NewScheduler(reg Registry, store storage.Store, log logx.Logger, opt Options) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.MaxWindows <= 0 || opt.MaxWindows > MaxLiveWindows {
		opt.MaxWindows = MaxLiveWindows
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Bus == nil {
		opt.Bus = eventbus.Nop()
	}
	return &Scheduler{
		reg:       reg,
		ledger:    NewLedger(store, log),
		log:       log,
		bus:       opt.Bus,
		now:       opt.Now,
		max:       opt.MaxWindows,
		cooldown:  opt.RebuildCooldown,
		supersede: make(chan struct{}),
	}
}

// Live returns the ledger records that have not expired.
func (s *Scheduler) Live(ctx context.Context) []Record {
	now := s.now()
	var out []Record
	for _, r := range s.ledger.Load(ctx) {
		if !r.Expired(now) {
			out = append(out, r)
		}
	}
	return out
}

// TopUp drops expired windows and fills free slots with the soonest selected
// occurrences not yet registered. A nil snapshot skips without touching the registry.
func (s *Scheduler) TopUp(ctx context.Context, snap *eventtable.Snapshot, durationMinutes int, kinds eventtable.KindSet) Report {
	if snap == nil {
		s.log.Info("top-up skipped: no event table")
		return Report{Outcome: OutcomeSkipped}
	}
	now := s.now()
	var rep Report

	recs := s.ledger.Load(ctx)
	var live, expired []Record
	for _, r := range recs {
		if r.Expired(now) {
			expired = append(expired, r)
		} else {
			live = append(live, r)
		}
	}
	if len(expired) > 0 {
		// Expired windows are past; a failed cancel leaves nothing active behind.
		if err := s.reg.Cancel(ctx, names(expired)); err != nil {
			s.log.Warn("cancel expired windows failed", logx.Int("count", len(expired)), logx.Err(err))
		}
		if err := s.ledger.Save(ctx, live); err != nil {
			s.log.Error("window ledger save failed", logx.Err(err))
			rep.Outcome, rep.Live = OutcomeFailed, len(recs)
			return s.publish(rep)
		}
		rep.Expired = len(expired)
	}
	rep.Live = len(live)

	if len(live) >= s.max {
		s.log.Debug("top-up skipped: at capacity", logx.Int("live", len(live)))
		rep.Outcome = OutcomeSkipped
		return s.publish(rep)
	}

	held := make(map[string]struct{}, len(live))
	for _, r := range live {
		held[r.Name] = struct{}{}
	}
	slots := s.max - len(live)
	var picked []eventtable.Occurrence
	for _, o := range eventtable.Filter(snap.Occurrences(), now, kinds, 0) {
		if _, ok := held[Name(o.Kind, o.At)]; ok {
			continue
		}
		picked = append(picked, o)
		if len(picked) == slots {
			break
		}
	}

	s.register(ctx, live, picked, durationMinutes, &rep)
	return s.publish(rep)
}

// ForceRebuild cancels every ledger window, waits the cooldown and registers
// the soonest selected occurrences from scratch. The cooldown ends early when
// ctx is done or SupersedeRebuild is called.
func (s *Scheduler) ForceRebuild(ctx context.Context, occurrences []eventtable.Occurrence, durationMinutes int, kinds eventtable.KindSet) Report {
	s.mu.Lock()
	superseded := s.supersede
	s.mu.Unlock()

	rep, ok := s.cancelAll(ctx)
	if !ok {
		return s.publish(rep)
	}

	if s.cooldown > 0 {
		t := time.NewTimer(s.cooldown)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			rep.Outcome = OutcomeCanceled
			return s.publish(rep)
		case <-superseded:
			t.Stop()
			s.log.Info("rebuild superseded during cooldown")
			rep.Outcome = OutcomeSuperseded
			return s.publish(rep)
		}
	}

	picked := eventtable.Filter(occurrences, s.now(), kinds, s.max)
	s.register(ctx, nil, picked, durationMinutes, &rep)
	return s.publish(rep)
}

// SupersedeRebuild ends the cooldown of any rebuild already in progress.
func (s *Scheduler) SupersedeRebuild() {
	s.mu.Lock()
	close(s.supersede)
	s.supersede = make(chan struct{})
	s.mu.Unlock()
}

// Stop cancels every ledger window and clears the ledger.
func (s *Scheduler) Stop(ctx context.Context) Report {
	rep, _ := s.cancelAll(ctx)
	if rep.Outcome == OutcomeOK {
		s.log.Info("windows stopped", logx.Int("cancelled", rep.Cancelled))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeWindowsStopped, Data: rep})
	return rep
}

// cancelAll keeps the ledger when the registry refuses the cancel so the
// names are not lost.
func (s *Scheduler) cancelAll(ctx context.Context) (Report, bool) {
	recs := s.ledger.Load(ctx)
	if len(recs) > 0 {
		if err := s.reg.Cancel(ctx, names(recs)); err != nil {
			s.log.Warn("cancel windows failed; ledger kept", logx.Int("count", len(recs)), logx.Err(err))
			return Report{Outcome: OutcomeFailed, Live: len(recs)}, false
		}
	}
	if err := s.ledger.Save(ctx, nil); err != nil {
		s.log.Error("window ledger clear failed", logx.Err(err))
		return Report{Outcome: OutcomeFailed, Live: len(recs)}, false
	}
	return Report{Outcome: OutcomeOK, Cancelled: len(recs)}, true
}

// register writes intents for picked ahead of registering them, then rolls
// back the ones that failed. At most two ledger writes per batch.
func (s *Scheduler) register(ctx context.Context, live []Record, picked []eventtable.Occurrence, durationMinutes int, rep *Report) {
	rep.Outcome = OutcomeOK
	rep.Live = len(live)
	if len(picked) == 0 {
		return
	}

	dur := time.Duration(durationMinutes) * time.Minute
	intents := make([]Record, len(picked))
	for i, o := range picked {
		intents[i] = Record{Name: Name(o.Kind, o.At), Start: o.At.Unix(), DurationSeconds: int64(dur / time.Second)}
	}
	all := append(append([]Record(nil), live...), intents...)
	if err := s.ledger.Save(ctx, all); err != nil {
		s.log.Error("window ledger save failed; nothing registered", logx.Err(err))
		rep.Outcome = OutcomeFailed
		return
	}

	failed := map[string]struct{}{}
	for i, o := range picked {
		name := intents[i].Name
		if err := ctx.Err(); err != nil {
			failed[name] = struct{}{}
			continue
		}
		start, end := specFor(o.At, dur)
		if err := s.reg.Register(ctx, name, start, end, false); err != nil {
			s.log.Warn("window registration failed",
				logx.String("name", name),
				logx.String("start", start.String()),
				logx.String("end", end.String()),
				logx.Err(err),
			)
			failed[name] = struct{}{}
			continue
		}
		rep.Registered++
	}
	rep.Failed = len(failed)

	if len(failed) > 0 {
		kept := all[:0]
		for _, r := range all {
			if _, bad := failed[r.Name]; !bad {
				kept = append(kept, r)
			}
		}
		all = kept
		if err := s.ledger.Save(ctx, all); err != nil {
			// The failed intents stay in the ledger; cancelling them later is harmless.
			s.log.Warn("window ledger rollback failed", logx.Err(err))
		}
	}
	rep.Live = len(all)
	if ctx.Err() != nil {
		rep.Outcome = OutcomeCanceled
	}
	s.log.Info("windows registered",
		logx.Int("registered", rep.Registered),
		logx.Int("failed", rep.Failed),
		logx.Int("live", rep.Live),
	)
}

// specFor converts an occurrence into specs anchored to its calendar date. A
// window that would cross local midnight ends at 23:59:59 of its start day.
func specFor(at time.Time, dur time.Duration) (TimeOfDay, TimeOfDay) {
	start, end := DateOf(at), DateOf(at.Add(dur))
	if dur > 0 && !end.SameDate(start) {
		end = start
		end.Hour, end.Minute, end.Second = 23, 59, 59
	}
	return start, end
}

func (s *Scheduler) publish(rep Report) Report {
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeWindowsReconciled, Data: rep})
	return rep
}
