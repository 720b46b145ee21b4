package settings

import (
	"context"
	"sync"
	"testing"
	"time"

	"prayerlock/internal/eventtable"
	"prayerlock/internal/storage"
	"prayerlock/internal/task/engine"
	"prayerlock/internal/window"
	logx "prayerlock/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeWindows struct {
	mu         sync.Mutex
	topUps     int
	rebuilds   int
	stops      int
	supersedes int
	lastKinds  eventtable.KindSet
	gate       chan struct{}
	entered    chan struct{}
}

func (f *fakeWindows) wait() {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
}

func (f *fakeWindows) TopUp(ctx context.Context, snap *eventtable.Snapshot, d int, kinds eventtable.KindSet) window.Report {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topUps++
	f.lastKinds = kinds
	return window.Report{Outcome: window.OutcomeOK}
}

func (f *fakeWindows) ForceRebuild(ctx context.Context, occ []eventtable.Occurrence, d int, kinds eventtable.KindSet) window.Report {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebuilds++
	f.lastKinds = kinds
	return window.Report{Outcome: window.OutcomeOK}
}

func (f *fakeWindows) SupersedeRebuild() {
	f.mu.Lock()
	f.supersedes++
	f.mu.Unlock()
}

func (f *fakeWindows) Stop(ctx context.Context) window.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return window.Report{Outcome: window.OutcomeOK}
}

func (f *fakeWindows) counts() (topUps, rebuilds, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.topUps, f.rebuilds, f.stops
}

type fakeTable struct{ snap *eventtable.Snapshot }

func (f fakeTable) Load(context.Context) (*eventtable.Snapshot, bool) { return f.snap, f.snap != nil }

type fakeReminders struct {
	mu        sync.Mutex
	scheduled int
	cleared   int
	lastCount int
	lastLead  int
}

func (f *fakeReminders) ScheduleReminders(ctx context.Context, occ []eventtable.Occurrence, kinds eventtable.KindSet, enabled bool, lead int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled++
	f.lastCount = len(occ)
	f.lastLead = lead
	return len(occ)
}

func (f *fakeReminders) ClearReminders() {
	f.mu.Lock()
	f.cleared++
	f.mu.Unlock()
}

func (f *fakeReminders) counts() (scheduled, cleared int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scheduled, f.cleared
}

type harness struct {
	p    *Pipeline
	lane *engine.Service
	w   *fakeWindows
	r   *fakeReminders
	st  storage.Store
	ctx context.Context
}

func newHarness(t *testing.T, snap *eventtable.Snapshot, w *fakeWindows) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	lane := engine.New(engine.Config{}, logx.Nop(), nil)
	lane.Start(ctx)
	t.Cleanup(func() {
		cancel()
		lane.Stop(context.Background())
	})
	if w == nil {
		w = &fakeWindows{}
	}
	r := &fakeReminders{}
	st := storage.NewMemory()
	p := New(st, fakeTable{snap: snap}, w, r, lane, logx.Nop(), Options{
		Debounce: 100 * time.Millisecond,
		Now:      func() time.Time { return t0 },
	})
	return &harness{p: p, lane: lane, w: w, r: r, st: st, ctx: ctx}
}

func snapshot(days int) *eventtable.Snapshot {
	s := &eventtable.Snapshot{
		HorizonStart: t0.AddDate(0, 0, -1),
		HorizonEnd:   t0.AddDate(0, 6, 0),
		Timezone:     "UTC",
		FetchedAt:    t0,
	}
	for i := 0; i < days; i++ {
		s.Days = append(s.Days, eventtable.DailyTimes{
			Date: t0.AddDate(0, 0, i).Format("2006-01-02"),
			Times: map[eventtable.Kind]string{
				eventtable.Fajr: "05:00", eventtable.Dhuhr: "12:00", eventtable.Asr: "15:00",
				eventtable.Maghrib: "18:00", eventtable.Isha: "19:30",
			},
		})
	}
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBurstOfEditsRunsOneUpdate(t *testing.T) {
	h := newHarness(t, snapshot(5), nil)
	go h.p.Run(h.ctx)

	h.p.SetDurationMinutes(30)
	time.Sleep(40 * time.Millisecond)
	h.p.SetSelectedKinds(eventtable.NewKindSet(eventtable.Fajr, eventtable.Isha))
	time.Sleep(40 * time.Millisecond)
	h.p.SetStrict(true)

	waitFor(t, "top-up", func() bool { n, _, _ := h.w.counts(); return n == 1 })
	time.Sleep(300 * time.Millisecond)

	topUps, rebuilds, _ := h.w.counts()
	if topUps != 1 || rebuilds != 0 {
		t.Fatalf("topUps=%d rebuilds=%d, want 1/0", topUps, rebuilds)
	}
	if st := h.p.Stats(); st.Updates != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if d := h.p.Dirty(); d != 0 {
		t.Fatalf("dirty = %s after update", d)
	}
	if !h.w.lastKinds.Equal(eventtable.NewKindSet(eventtable.Fajr, eventtable.Isha)) {
		t.Fatalf("kinds = %v", h.w.lastKinds.List())
	}
}

func TestUnchangedValueIsNoop(t *testing.T) {
	h := newHarness(t, snapshot(1), nil)
	h.p.SetDurationMinutes(Defaults().DurationMinutes)
	h.p.SetSelectedKinds(eventtable.NewKindSet(eventtable.AllKinds...))
	if d := h.p.Dirty(); d != 0 {
		t.Fatalf("dirty = %s", d)
	}
}

func TestAbsentTableAbortsAndRestoresDirty(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.p.SetDurationMinutes(45)
	h.p.SetRemindersEnabled(true)

	if !h.p.PerformUpdate(h.ctx, false) {
		t.Fatal("update not queued")
	}
	waitFor(t, "abort", func() bool { return h.p.Stats().Aborted == 1 })

	if d := h.p.Dirty(); !d.Has(BucketSchedule) || !d.Has(BucketNotifications) {
		t.Fatalf("dirty = %s, want schedule|notifications", d)
	}
	topUps, rebuilds, _ := h.w.counts()
	if topUps+rebuilds != 0 {
		t.Fatal("scheduler touched without a table")
	}
	if n, _ := h.r.counts(); n != 0 {
		t.Fatal("reminders scheduled without a table")
	}
	// Settings are persisted even when the cycle aborts.
	var d int
	if ok, _ := storage.GetJSON(h.ctx, h.st, SharedBucket, keyDuration, &d); !ok || d != 45 {
		t.Fatalf("persisted duration = %d (%v)", d, ok)
	}
}

func TestOverlappingUpdateIsDropped(t *testing.T) {
	w := &fakeWindows{gate: make(chan struct{}), entered: make(chan struct{}, 4)}
	h := newHarness(t, snapshot(2), w)
	h.p.SetDurationMinutes(25)

	if !h.p.PerformUpdate(h.ctx, false) {
		t.Fatal("first update not queued")
	}
	<-w.entered
	h.p.SetDurationMinutes(35)
	if h.p.PerformUpdate(h.ctx, false) {
		t.Fatal("overlapping update accepted")
	}
	if st := h.p.Stats(); st.Dropped != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if d := h.p.Dirty(); !d.Has(BucketSchedule) {
		t.Fatalf("dirty = %s; the dropped edit must stay dirty", d)
	}
	close(w.gate)
	waitFor(t, "guard released", func() bool { return h.p.PerformUpdate(h.ctx, false) })
}

func TestDroppedForcedUpdateIsReplayed(t *testing.T) {
	w := &fakeWindows{gate: make(chan struct{}), entered: make(chan struct{}, 4)}
	h := newHarness(t, snapshot(2), w)
	h.p.SetDurationMinutes(25)
	h.p.PerformUpdate(h.ctx, false)
	<-w.entered

	if h.p.AppSelectionChanged(h.ctx) {
		t.Fatal("forced update accepted while another runs")
	}
	close(w.gate)
	waitFor(t, "replayed rebuild", func() bool { _, n, _ := w.counts(); return n == 1 })
}

func TestAppSelectionChanged(t *testing.T) {
	t.Run("blocking active forces rebuild", func(t *testing.T) {
		h := newHarness(t, snapshot(3), nil)
		h.p.SetSelectedKinds(eventtable.NewKindSet(eventtable.Maghrib))
		if !h.p.AppSelectionChanged(h.ctx) {
			t.Fatal("rebuild not queued")
		}
		waitFor(t, "rebuild", func() bool { _, n, _ := h.w.counts(); return n == 1 })
		h.w.mu.Lock()
		supersedes := h.w.supersedes
		h.w.mu.Unlock()
		if supersedes == 0 {
			t.Fatal("in-flight rebuild not superseded")
		}
	})
	t.Run("blocking inactive only persists", func(t *testing.T) {
		h := newHarness(t, snapshot(3), nil)
		h.p.mu.Lock()
		h.p.cur.BlockingEnabled = false
		h.p.mu.Unlock()
		h.p.SetSelectedKinds(eventtable.NewKindSet(eventtable.Asr))
		h.p.AppSelectionChanged(h.ctx)

		var on bool
		if ok, _ := storage.GetJSON(h.ctx, h.st, SharedBucket, "selected_asr", &on); !ok || !on {
			t.Fatal("selection not persisted")
		}
		if ok, _ := storage.GetJSON(h.ctx, h.st, SharedBucket, "selected_fajr", &on); !ok || on {
			t.Fatal("deselected kind persisted as selected")
		}
		time.Sleep(50 * time.Millisecond)
		if a, b, _ := h.w.counts(); a+b != 0 {
			t.Fatal("scheduler touched while blocking is off")
		}
	})
}

func TestSetBlockingEnabled(t *testing.T) {
	h := newHarness(t, snapshot(3), nil)
	h.p.SetRemindersEnabled(true)

	if !h.p.SetBlockingEnabled(h.ctx, false) {
		t.Fatal("stop not queued")
	}
	waitFor(t, "stop", func() bool { _, _, n := h.w.counts(); return n == 1 })
	waitFor(t, "reminders cleared", func() bool { _, n := h.r.counts(); return n >= 1 })

	if !h.p.SetBlockingEnabled(h.ctx, true) {
		t.Fatal("rebuild not queued")
	}
	waitFor(t, "rebuild", func() bool { _, n, _ := h.w.counts(); return n == 1 })
	waitFor(t, "reminders scheduled", func() bool { n, _ := h.r.counts(); return n == 1 })
}

func TestMetadataOnlyLeavesSchedulerAlone(t *testing.T) {
	h := newHarness(t, snapshot(3), nil)
	h.p.SetStrict(true)
	h.p.PerformUpdate(h.ctx, false)
	waitFor(t, "guard released", func() bool {
		h.p.mu.Lock()
		defer h.p.mu.Unlock()
		return !h.p.updating
	})
	if a, b, _ := h.w.counts(); a+b != 0 {
		t.Fatal("metadata change reached the scheduler")
	}
	var strict bool
	if ok, _ := storage.GetJSON(h.ctx, h.st, SharedBucket, keyStrict, &strict); !ok || !strict {
		t.Fatal("strict mode not persisted")
	}
}

func TestRemindersUseLookahead(t *testing.T) {
	h := newHarness(t, snapshot(10), nil)
	h.p.SetReminderLeadMinutes(5)
	h.p.SetRemindersEnabled(true)
	h.p.PerformUpdate(h.ctx, false)
	waitFor(t, "reminders", func() bool { n, _ := h.r.counts(); return n == 1 })

	// t0 is 10:00 on day 0: 4 occurrences left today plus 5 on each of the
	// next two days and fajr on day 3 lie within 72h.
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	if h.r.lastCount != 15 || h.r.lastLead != 5 {
		t.Fatalf("count=%d lead=%d", h.r.lastCount, h.r.lastLead)
	}
}

func TestBackgroundTopUp(t *testing.T) {
	h := newHarness(t, snapshot(3), nil)
	rep, err := h.p.BackgroundTopUp(context.Background(), snapshot(3))
	if err != nil || !rep.OK() {
		t.Fatalf("rep=%+v err=%v", rep, err)
	}
	if n, _, _ := h.w.counts(); n != 1 {
		t.Fatalf("topUps = %d", n)
	}

	h.p.mu.Lock()
	h.p.cur.BlockingEnabled = false
	h.p.mu.Unlock()
	rep, err = h.p.BackgroundTopUp(context.Background(), snapshot(3))
	if err != nil || rep.Outcome != window.OutcomeSkipped {
		t.Fatalf("disabled: rep=%+v err=%v", rep, err)
	}
}

func TestBackgroundTopUpQueuedBehindDisable(t *testing.T) {
	h := newHarness(t, snapshot(3), nil)

	hold, running := make(chan struct{}), make(chan struct{})
	err := h.lane.Enqueue(engine.Task{Name: "hold", Run: func(context.Context) error {
		close(running)
		<-hold
		return nil
	}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-running

	type result struct {
		rep window.Report
		err error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := h.p.BackgroundTopUp(context.Background(), snapshot(3))
		done <- result{rep, err}
	}()
	waitFor(t, "top-up queued", func() bool { return h.lane.Snapshot().QueueLen == 1 })

	if !h.p.SetBlockingEnabled(h.ctx, false) {
		t.Fatal("stop not queued")
	}
	close(hold)

	res := <-done
	if res.err != nil || res.rep.Outcome != window.OutcomeSkipped {
		t.Fatalf("rep=%+v err=%v", res.rep, res.err)
	}
	waitFor(t, "stop", func() bool { _, _, n := h.w.counts(); return n == 1 })
	if n, _, _ := h.w.counts(); n != 0 {
		t.Fatalf("top-up ran after blocking was disabled (%d)", n)
	}
}

func TestLoadOverlaysSharedStore(t *testing.T) {
	h := newHarness(t, nil, nil)
	want := Settings{
		Selected:            eventtable.NewKindSet(eventtable.Dhuhr, eventtable.Asr),
		DurationMinutes:     40,
		Strict:              true,
		RemindersEnabled:    true,
		ReminderLeadMinutes: 7,
		BlockingEnabled:     false,
	}
	if err := persist(h.ctx, h.st, want); err != nil {
		t.Fatalf("persist: %v", err)
	}
	got := h.p.Load(h.ctx, Defaults())
	if !got.Selected.Equal(want.Selected) || got.DurationMinutes != 40 || !got.Strict ||
		!got.RemindersEnabled || got.ReminderLeadMinutes != 7 || got.BlockingEnabled {
		t.Fatalf("loaded %+v", got)
	}
	if h.p.Dirty() != 0 {
		t.Fatal("load marked settings dirty")
	}
}

func TestBucketString(t *testing.T) {
	cases := []struct {
		b    Bucket
		want string
	}{
		{0, "none"},
		{BucketSchedule, "schedule"},
		{BucketSchedule | BucketMetadata, "schedule|metadata"},
	}
	for _, tc := range cases {
		if got := tc.b.String(); got != tc.want {
			t.Fatalf("%d: %q, want %q", tc.b, got, tc.want)
		}
	}
}
