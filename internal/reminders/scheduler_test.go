package reminders

import (
	"context"
	"testing"
	"time"

	"prayerlock/internal/eventbus"
	"prayerlock/internal/eventtable"
	"prayerlock/internal/storage"
	logx "prayerlock/pkg/logx"
)

type chanSender struct{ ch chan Reminder }

func (c *chanSender) Send(ctx context.Context, r Reminder) error {
	c.ch <- r
	return nil
}

func newChanSender() *chanSender { return &chanSender{ch: make(chan Reminder, 16)} }

func occ(k eventtable.Kind, in time.Duration) eventtable.Occurrence {
	return eventtable.Occurrence{Kind: k, At: time.Now().Add(in).Truncate(time.Millisecond)}
}

func TestScheduleRemindersFiltersAndFires(t *testing.T) {
	snd := newChanSender()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	s := New(Config{RatePerSec: 10}, snd, nil, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop()

	occurrences := []eventtable.Occurrence{
		occ(eventtable.Fajr, 30*time.Millisecond),
		occ(eventtable.Dhuhr, 40*time.Millisecond), // not selected
		occ(eventtable.Asr, -time.Minute),          // past
		occ(eventtable.Isha, time.Hour),
	}
	kinds := eventtable.NewKindSet(eventtable.Fajr, eventtable.Asr, eventtable.Isha)
	if n := s.ScheduleReminders(context.Background(), occurrences, kinds, true, 0); n != 2 {
		t.Fatalf("armed = %d, want 2", n)
	}

	select {
	case r := <-snd.ch:
		if r.Kind != eventtable.Fajr {
			t.Fatalf("fired %s", r.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reminder did not fire")
	}
	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeReminderDelivered {
			t.Fatalf("event = %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no delivery event")
	}
}

func TestLeadTimeSkipsRemindersAlreadyDue(t *testing.T) {
	s := New(Config{}, newChanSender(), nil, logx.Nop(), nil)
	kinds := eventtable.NewKindSet(eventtable.AllKinds...)
	occurrences := []eventtable.Occurrence{
		occ(eventtable.Fajr, 5*time.Minute),
		occ(eventtable.Dhuhr, 20*time.Minute),
	}
	if n := s.ScheduleReminders(context.Background(), occurrences, kinds, true, 10); n != 1 {
		t.Fatalf("armed = %d, want 1", n)
	}
	s.ClearReminders()
	if s.Pending() != 0 {
		t.Fatalf("pending = %d after clear", s.Pending())
	}
}

func TestDisabledOrRescheduledRemindersNeverFire(t *testing.T) {
	snd := newChanSender()
	s := New(Config{RatePerSec: 10}, snd, nil, logx.Nop(), nil)
	kinds := eventtable.NewKindSet(eventtable.AllKinds...)

	s.ScheduleReminders(context.Background(), []eventtable.Occurrence{occ(eventtable.Fajr, 20*time.Millisecond)}, kinds, true, 0)
	if n := s.ScheduleReminders(context.Background(), []eventtable.Occurrence{occ(eventtable.Asr, 20*time.Millisecond)}, kinds, false, 0); n != 0 {
		t.Fatalf("disabled armed %d", n)
	}
	select {
	case r := <-snd.ch:
		t.Fatalf("unexpected delivery %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDedupSuppressesRepeatAcrossSchedulers(t *testing.T) {
	st := storage.NewMemory()
	r := Reminder{Kind: eventtable.Maghrib, At: time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)}

	a := New(Config{DedupWindow: time.Hour}, nil, st, logx.Nop(), nil)
	if !a.dedupAllow(context.Background(), r.key(), time.Hour, 10) {
		t.Fatal("first delivery suppressed")
	}
	if a.dedupAllow(context.Background(), r.key(), time.Hour, 10) {
		t.Fatal("repeat allowed in memory")
	}
	// A fresh scheduler sharing the store sees the persisted window.
	b := New(Config{DedupWindow: time.Hour}, nil, st, logx.Nop(), nil)
	if b.dedupAllow(context.Background(), r.key(), time.Hour, 10) {
		t.Fatal("repeat allowed after restart")
	}
}

func TestReminderText(t *testing.T) {
	at := time.Date(2026, 3, 1, 5, 12, 0, 0, time.UTC)
	cases := []struct {
		lead time.Duration
		want string
	}{
		{0, "fajr now (05:12)"},
		{15 * time.Minute, "fajr in 15 min (05:12)"},
	}
	for _, tc := range cases {
		if got := (Reminder{Kind: eventtable.Fajr, At: at, Lead: tc.lead}).Text(); got != tc.want {
			t.Fatalf("Text() = %q, want %q", got, tc.want)
		}
	}
}

func TestTelegramSenderRequiresTarget(t *testing.T) {
	if _, err := NewTelegramSender(TelegramConfig{}); err == nil {
		t.Fatal("empty token accepted")
	}
	if _, err := NewTelegramSender(TelegramConfig{Token: "x"}); err == nil {
		t.Fatal("missing chat accepted")
	}
}
