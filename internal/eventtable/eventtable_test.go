package eventtable

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"prayerlock/internal/storage"
	logx "prayerlock/pkg/logx"
)

var base = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func testSnapshot() *Snapshot {
	return &Snapshot{
		HorizonStart: base,
		HorizonEnd:   base.AddDate(0, 6, 0),
		Latitude:     21.42,
		Longitude:    39.83,
		Method:       4,
		Timezone:     "UTC",
		FetchedAt:    base,
		Days: []DailyTimes{
			{Date: "2026-03-01", Times: map[Kind]string{Fajr: "05:30", Dhuhr: "12:25", Asr: "15:45", Maghrib: "18:20", Isha: "19:50 (+03)"}},
			{Date: "2026-03-02", Times: map[Kind]string{Fajr: "05:29", Dhuhr: "bogus", Isha: "19:51"}},
			{Date: "not-a-date", Times: map[Kind]string{Fajr: "05:00"}},
		},
	}
}

func TestParseKind(t *testing.T) {
	for _, in := range []string{"fajr", "FAJR", " Isha "} {
		if _, err := ParseKind(in); err != nil {
			t.Fatalf("ParseKind(%q): %v", in, err)
		}
	}
	if _, err := ParseKind("tahajjud"); err == nil {
		t.Fatal("unknown kind should fail")
	}
	set := NewKindSet(Isha, Fajr, Asr)
	got := set.List()
	if len(got) != 3 || got[0] != Fajr || got[1] != Asr || got[2] != Isha {
		t.Fatalf("List = %v", got)
	}
}

func TestValidityPredicates(t *testing.T) {
	s := testSnapshot()
	tests := []struct {
		name        string
		now         time.Time
		valid, stal bool
	}{
		{name: "fresh", now: base.AddDate(0, 1, 0), valid: true, stal: false},
		{name: "exactly three months left", now: base.AddDate(0, 3, 0), valid: true, stal: false},
		{name: "horizon too short", now: base.AddDate(0, 3, 1), valid: false, stal: true},
		{name: "before horizon", now: base.Add(-time.Hour), valid: false, stal: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := s.IsValid(tc.now); got != tc.valid {
				t.Fatalf("IsValid = %v, want %v", got, tc.valid)
			}
			if got := s.ShouldRefresh(tc.now); got != tc.stal {
				t.Fatalf("ShouldRefresh = %v, want %v", got, tc.stal)
			}
		})
	}

	old := testSnapshot()
	old.HorizonEnd = base.AddDate(2, 0, 0)
	old.FetchedAt = base.AddDate(0, -7, 0)
	now := base.AddDate(0, 1, 0)
	if !old.IsValid(now) || !old.ShouldRefresh(now) {
		t.Fatal("a valid but old table should still need refresh")
	}
}

func TestOccurrencesSkipMalformed(t *testing.T) {
	occ := testSnapshot().Occurrences()
	// 5 on day one, 2 parseable on day two, bad date skipped.
	if len(occ) != 7 {
		t.Fatalf("len = %d: %v", len(occ), occ)
	}
	for i := 1; i < len(occ); i++ {
		if occ[i].At.Before(occ[i-1].At) {
			t.Fatalf("not ascending at %d: %v", i, occ)
		}
	}
	if occ[4].Kind != Isha || occ[4].At.Hour() != 19 || occ[4].At.Minute() != 50 {
		t.Fatalf("annotated time parsed wrong: %+v", occ[4])
	}

	now := time.Date(2026, 3, 1, 12, 25, 0, 0, time.UTC)
	up := testSnapshot().Upcoming(now, NewKindSet(Fajr, Dhuhr, Isha), 0)
	// dhuhr at exactly now is excluded.
	if len(up) != 3 || up[0].Kind != Isha || up[1].Kind != Fajr || up[2].Kind != Isha {
		t.Fatalf("Upcoming = %v", up)
	}
	within := testSnapshot().Within(now, now.Add(12*time.Hour), NewKindSet(Isha, Fajr))
	if len(within) != 1 || within[0].Kind != Isha {
		t.Fatalf("Within = %v", within)
	}
}

func TestTablePersistence(t *testing.T) {
	ctx := context.Background()
	tbl := New(storage.NewMemory(), logx.Nop())

	if _, ok := tbl.Load(ctx); ok {
		t.Fatal("empty table should be absent")
	}
	if !tbl.IsStale(ctx, 0, 0) {
		t.Fatal("absent snapshot is stale")
	}
	if err := tbl.Save(ctx, testSnapshot()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	snap, ok := tbl.Load(ctx)
	if !ok || len(snap.Days) != 3 || !snap.HorizonStart.Equal(base) {
		t.Fatalf("Load = %+v ok=%v", snap, ok)
	}
	if tbl.IsStale(ctx, 21.8, 39.4) {
		t.Fatal("within 0.5 degrees should not be stale")
	}
	if !tbl.IsStale(ctx, 22.0, 39.83) {
		t.Fatal("0.58 degrees away should be stale")
	}
	if err := tbl.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok := tbl.Load(ctx); ok {
		t.Fatal("cleared table should be absent")
	}
}

func TestLoadCorruptIsAbsent(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	_ = st.Put(ctx, bucket, key, []byte(`{"days": "nope"}`))
	if _, ok := New(st, logx.Nop()).Load(ctx); ok {
		t.Fatal("corrupt snapshot should load as absent")
	}
}

func TestLoadFillsDefaultZone(t *testing.T) {
	ctx := context.Background()
	tbl := New(storage.NewMemory(), logx.Nop())
	tbl.SetDefaultZone("Asia/Jakarta")
	s := testSnapshot()
	s.Timezone = ""
	_ = tbl.Save(ctx, s)
	got, _ := tbl.Load(ctx)
	if got.Timezone != "Asia/Jakarta" {
		t.Fatalf("Timezone = %q", got.Timezone)
	}
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "times.yaml")
	body := `horizon_start: "2026-03-01T00:00:00Z"
horizon_end: "2026-09-01T00:00:00Z"
latitude: -6.2
longitude: 106.8
method: 20
timezone: Asia/Jakarta
fetched_at: "2026-03-01T00:00:00Z"
days:
  - date: "2026-03-01"
    times: {fajr: "04:38", dhuhr: "12:03", asr: "15:15", maghrib: "18:10", isha: "19:20"}
`
	if err := os.WriteFile(yamlPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	snap, err := ReadFile(yamlPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(snap.Occurrences()) != 5 || snap.Method != 20 {
		t.Fatalf("snapshot = %+v", snap)
	}

	badPath := filepath.Join(dir, "bad.json")
	_ = os.WriteFile(badPath, []byte(`{"horizon_start":"2026-03-01T00:00:00Z","horizon_end":"2026-01-01T00:00:00Z","days":[]}`), 0o644)
	if _, err := ReadFile(badPath); err == nil {
		t.Fatal("invalid snapshot should fail validation")
	}
}
