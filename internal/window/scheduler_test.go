package window

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"prayerlock/internal/eventtable"
	"prayerlock/internal/storage"
	logx "prayerlock/pkg/logx"
)

type fakeRegistry struct {
	mu        sync.Mutex
	active    map[string][2]TimeOfDay
	registers int
	cancels   [][]string
	failNames map[string]bool
	cancelErr error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{active: map[string][2]TimeOfDay{}, failNames: map[string]bool{}}
}

func (f *fakeRegistry) Register(ctx context.Context, name string, start, end TimeOfDay, repeats bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers++
	if f.failNames[name] {
		return errors.New("rejected")
	}
	if !start.SameDate(end) || end.Seconds() <= start.Seconds() {
		return errors.New("malformed")
	}
	f.active[name] = [2]TimeOfDay{start, end}
	return nil
}

func (f *fakeRegistry) Cancel(ctx context.Context, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancels = append(f.cancels, append([]string(nil), names...))
	for _, n := range names {
		delete(f.active, n)
	}
	return nil
}

func (f *fakeRegistry) activeNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.active))
	for n := range f.active {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

var t0 = time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC)

// snapshotDays builds n consecutive days starting at t0's date with every kind.
func snapshotDays(n int) *eventtable.Snapshot {
	s := &eventtable.Snapshot{
		HorizonStart: t0.AddDate(0, 0, -1),
		HorizonEnd:   t0.AddDate(0, 6, 0),
		Timezone:     "UTC",
		FetchedAt:    t0,
	}
	for i := 0; i < n; i++ {
		d := t0.AddDate(0, 0, i)
		s.Days = append(s.Days, eventtable.DailyTimes{
			Date: d.Format("2006-01-02"),
			Times: map[eventtable.Kind]string{
				eventtable.Fajr: "05:00", eventtable.Dhuhr: "12:00", eventtable.Asr: "15:00",
				eventtable.Maghrib: "18:00", eventtable.Isha: "19:30",
			},
		})
	}
	return s
}

func newTestScheduler(reg Registry, clk *clock) (*Scheduler, storage.Store) {
	st := storage.NewMemory()
	return NewScheduler(reg, st, logx.Nop(), Options{Now: clk.Now}), st
}

func allKinds() eventtable.KindSet { return eventtable.NewKindSet(eventtable.AllKinds...) }

func TestNameRoundTrip(t *testing.T) {
	loc, _ := time.LoadLocation("Asia/Jakarta")
	at := time.Date(2026, 3, 1, 4, 38, 0, 0, loc)
	n1 := Name(eventtable.Fajr, at)
	n2 := Name(eventtable.Fajr, at.UTC())
	if n1 != n2 || n1 != "prayer_fajr_20260228T2138" {
		t.Fatalf("names = %q %q", n1, n2)
	}
	kind, got, err := ParseName(n1)
	if err != nil || kind != eventtable.Fajr || !got.Equal(at) {
		t.Fatalf("ParseName = %v %v %v", kind, got, err)
	}
	for _, bad := range []string{"fajr_20260101T0000", "prayer_fajr", "prayer_nap_20260101T0000", "prayer_isha_2026"} {
		if _, _, err := ParseName(bad); err == nil {
			t.Fatalf("ParseName(%q) should fail", bad)
		}
	}
}

func TestTopUpRegistersSoonestTwenty(t *testing.T) {
	clk := &clock{t: t0}
	reg := newFakeRegistry()
	s, _ := newTestScheduler(reg, clk)

	// 5 days x 5 kinds = 25 future occurrences.
	snap := snapshotDays(5)
	rep := s.TopUp(context.Background(), snap, 20, allKinds())
	if !rep.OK() || rep.Registered != 20 || rep.Live != 20 {
		t.Fatalf("report = %+v", rep)
	}
	want := eventtable.Filter(snap.Occurrences(), t0, allKinds(), 20)
	live := s.Live(context.Background())
	if len(live) != 20 {
		t.Fatalf("ledger = %d", len(live))
	}
	for i, o := range want {
		if live[i].Name != Name(o.Kind, o.At) {
			t.Fatalf("ledger[%d] = %s, want %s", i, live[i].Name, Name(o.Kind, o.At))
		}
	}

	// Idempotent with no time elapsed.
	before := reg.registers
	rep = s.TopUp(context.Background(), snap, 20, allKinds())
	if rep.Outcome != OutcomeSkipped || reg.registers != before {
		t.Fatalf("second top-up = %+v, registers %d -> %d", rep, before, reg.registers)
	}
}

func TestTopUpIdempotentBelowCapacity(t *testing.T) {
	clk := &clock{t: t0}
	reg := newFakeRegistry()
	s, _ := newTestScheduler(reg, clk)
	snap := snapshotDays(2) // 10 occurrences
	kinds := eventtable.NewKindSet(eventtable.Fajr, eventtable.Isha)

	first := s.TopUp(context.Background(), snap, 15, kinds)
	if first.Registered != 4 {
		t.Fatalf("first = %+v", first)
	}
	second := s.TopUp(context.Background(), snap, 15, kinds)
	if second.Registered != 0 || second.Live != 4 || reg.registers != 4 {
		t.Fatalf("second = %+v registers=%d", second, reg.registers)
	}
}

func TestTopUpAbsentSnapshotSkips(t *testing.T) {
	clk := &clock{t: t0}
	reg := newFakeRegistry()
	s, st := newTestScheduler(reg, clk)
	_ = s.ledger.Save(context.Background(), []Record{{Name: "prayer_fajr_20260101T0500", Start: t0.Add(-48 * time.Hour).Unix(), DurationSeconds: 60}})

	rep := s.TopUp(context.Background(), nil, 20, allKinds())
	if rep.Outcome != OutcomeSkipped {
		t.Fatalf("report = %+v", rep)
	}
	if reg.registers != 0 || len(reg.cancels) != 0 {
		t.Fatal("registry must not be touched")
	}
	if keys, _ := st.Keys(context.Background(), ledgerBucket); len(keys) != 1 {
		t.Fatal("ledger must not be touched")
	}
}

func TestCleanupRemovesExactlyExpired(t *testing.T) {
	clk := &clock{t: t0}
	reg := newFakeRegistry()
	s, _ := newTestScheduler(reg, clk)
	ctx := context.Background()

	// 18 live records, 5 of them already over; one ends exactly now.
	var recs []Record
	for i := 0; i < 18; i++ {
		start := t0.Add(time.Duration(i-5) * time.Hour)
		recs = append(recs, Record{Name: fmt.Sprintf("prayer_asr_%02d", i), Start: start.Unix(), DurationSeconds: 3600})
	}
	if err := s.ledger.Save(ctx, recs); err != nil {
		t.Fatal(err)
	}

	// Only two future candidates exist beyond what is held.
	snap := &eventtable.Snapshot{
		HorizonStart: t0, HorizonEnd: t0.AddDate(0, 6, 0), Timezone: "UTC", FetchedAt: t0,
		Days: []eventtable.DailyTimes{{Date: "2026-03-01", Times: map[eventtable.Kind]string{eventtable.Fajr: "05:00", eventtable.Isha: "19:30"}}},
	}
	rep := s.TopUp(ctx, snap, 30, allKinds())
	if rep.Expired != 5 || rep.Registered != 2 || rep.Live != 15 {
		t.Fatalf("report = %+v", rep)
	}
	if len(reg.cancels) != 1 || len(reg.cancels[0]) != 5 {
		t.Fatalf("cancels = %v", reg.cancels)
	}
	for i, n := range reg.cancels[0] {
		if n != fmt.Sprintf("prayer_asr_%02d", i) {
			t.Fatalf("cancelled %v", reg.cancels[0])
		}
	}
}

func TestRegistrationFailureIsRolledBack(t *testing.T) {
	clk := &clock{t: t0}
	reg := newFakeRegistry()
	s, _ := newTestScheduler(reg, clk)
	snap := snapshotDays(1)
	occ := eventtable.Filter(snap.Occurrences(), t0, allKinds(), 0)
	reg.failNames[Name(occ[1].Kind, occ[1].At)] = true

	rep := s.TopUp(context.Background(), snap, 20, allKinds())
	if rep.Registered != 4 || rep.Failed != 1 || rep.Live != 4 {
		t.Fatalf("report = %+v", rep)
	}
	for _, r := range s.Live(context.Background()) {
		if r.Name == Name(occ[1].Kind, occ[1].At) {
			t.Fatal("failed registration left in ledger")
		}
	}
	// Retried on the next top-up once the registry accepts it.
	reg.failNames = map[string]bool{}
	rep = s.TopUp(context.Background(), snap, 20, allKinds())
	if rep.Registered != 1 || rep.Live != 5 {
		t.Fatalf("retry report = %+v", rep)
	}
}

func TestMidnightWindowIsClamped(t *testing.T) {
	clk := &clock{t: t0}
	reg := newFakeRegistry()
	s, _ := newTestScheduler(reg, clk)
	snap := &eventtable.Snapshot{
		HorizonStart: t0, HorizonEnd: t0.AddDate(0, 6, 0), Timezone: "UTC", FetchedAt: t0,
		Days: []eventtable.DailyTimes{{Date: "2026-03-01", Times: map[eventtable.Kind]string{eventtable.Isha: "23:40"}}},
	}
	rep := s.TopUp(context.Background(), snap, 45, allKinds())
	if rep.Registered != 1 {
		t.Fatalf("report = %+v", rep)
	}
	spec := reg.active[Name(eventtable.Isha, time.Date(2026, 3, 1, 23, 40, 0, 0, time.UTC))]
	if spec[1] != (TimeOfDay{Year: 2026, Month: time.March, Day: 1, Hour: 23, Minute: 59, Second: 59}) {
		t.Fatalf("end spec = %v", spec[1])
	}
	if live := s.Live(context.Background()); live[0].DurationSeconds != 45*60 {
		t.Fatalf("ledger duration = %d", live[0].DurationSeconds)
	}
}

func TestSpecsCarryOccurrenceDate(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 0, 0, 0, time.UTC)
	start, end := specFor(at, 20*time.Minute)
	if start != DateOf(at) || end != DateOf(at.Add(20*time.Minute)) {
		t.Fatalf("specs = %v - %v", start, end)
	}
	if !start.In(time.UTC).Equal(at) || start.String() != "2026-03-04 05:00:00" {
		t.Fatalf("start = %v", start)
	}
}

func TestZeroDurationRejectedPerItem(t *testing.T) {
	clk := &clock{t: t0}
	reg := newFakeRegistry()
	s, _ := newTestScheduler(reg, clk)
	rep := s.TopUp(context.Background(), snapshotDays(1), 0, allKinds())
	if rep.Registered != 0 || rep.Failed != 5 || rep.Live != 0 || !rep.OK() {
		t.Fatalf("report = %+v", rep)
	}
}

func TestForceRebuild(t *testing.T) {
	clk := &clock{t: t0}
	reg := newFakeRegistry()
	s, _ := newTestScheduler(reg, clk)
	ctx := context.Background()
	snap := snapshotDays(6)

	s.TopUp(ctx, snap, 20, allKinds())
	old := reg.activeNames()

	kinds := eventtable.NewKindSet(eventtable.Maghrib, eventtable.Fajr)
	rep := s.ForceRebuild(ctx, snap.Occurrences(), 25, kinds)
	if !rep.OK() || rep.Cancelled != 20 || rep.Registered != 12 {
		t.Fatalf("report = %+v", rep)
	}
	live := s.Live(ctx)
	for i, r := range live {
		kind, _, err := ParseName(r.Name)
		if err != nil || !kinds.Has(kind) {
			t.Fatalf("unselected window %s", r.Name)
		}
		if i > 0 && r.Start < live[i-1].Start {
			t.Fatal("ledger not chronological")
		}
	}
	active := map[string]bool{}
	for _, n := range reg.activeNames() {
		active[n] = true
	}
	for _, n := range old {
		kind, _, _ := ParseName(n)
		if active[n] && !kinds.Has(kind) {
			t.Fatalf("prior registration %s survived", n)
		}
	}
	if len(reg.activeNames()) != 12 {
		t.Fatalf("registry holds %d", len(reg.activeNames()))
	}
}

func TestForceRebuildCapsAtMax(t *testing.T) {
	clk := &clock{t: t0}
	reg := newFakeRegistry()
	s, _ := newTestScheduler(reg, clk)
	rep := s.ForceRebuild(context.Background(), snapshotDays(10).Occurrences(), 20, allKinds())
	if rep.Registered != MaxLiveWindows || len(reg.activeNames()) != MaxLiveWindows {
		t.Fatalf("report = %+v", rep)
	}
}

func TestForceRebuildCooldownCancellable(t *testing.T) {
	clk := &clock{t: t0}
	reg := newFakeRegistry()
	st := storage.NewMemory()
	s := NewScheduler(reg, st, logx.Nop(), Options{Now: clk.Now, RebuildCooldown: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	rep := s.ForceRebuild(ctx, snapshotDays(1).Occurrences(), 20, allKinds())
	if rep.Outcome != OutcomeCanceled || reg.registers != 0 {
		t.Fatalf("report = %+v", rep)
	}

	done := make(chan Report, 1)
	go func() { done <- s.ForceRebuild(context.Background(), snapshotDays(1).Occurrences(), 20, allKinds()) }()
	time.Sleep(20 * time.Millisecond)
	s.SupersedeRebuild()
	select {
	case rep := <-done:
		if rep.Outcome != OutcomeSuperseded || reg.registers != 0 {
			t.Fatalf("report = %+v", rep)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rebuild not superseded")
	}
}

func TestStopKeepsLedgerWhenCancelFails(t *testing.T) {
	clk := &clock{t: t0}
	reg := newFakeRegistry()
	s, _ := newTestScheduler(reg, clk)
	ctx := context.Background()
	s.TopUp(ctx, snapshotDays(1), 20, allKinds())

	reg.cancelErr = errors.New("busy")
	if rep := s.Stop(ctx); rep.Outcome != OutcomeFailed || len(s.Live(ctx)) != 5 {
		t.Fatalf("stop with failing cancel = %+v", rep)
	}
	reg.cancelErr = nil
	rep := s.Stop(ctx)
	if !rep.OK() || rep.Cancelled != 5 || len(s.Live(ctx)) != 0 || len(reg.activeNames()) != 0 {
		t.Fatalf("stop = %+v", rep)
	}
}

func TestTopUpNeverExceedsCapacity(t *testing.T) {
	clk := &clock{t: t0}
	reg := newFakeRegistry()
	s, _ := newTestScheduler(reg, clk)
	ctx := context.Background()
	snap := snapshotDays(30)
	for step := 0; step < 40; step++ {
		clk.Set(t0.Add(time.Duration(step) * 3 * time.Hour))
		s.TopUp(ctx, snap, 40, allKinds())
		if n := len(s.ledger.Load(ctx)); n > MaxLiveWindows {
			t.Fatalf("step %d: ledger holds %d", step, n)
		}
		if n := len(reg.activeNames()); n > MaxLiveWindows {
			t.Fatalf("step %d: registry holds %d", step, n)
		}
	}
}
