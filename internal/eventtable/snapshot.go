package eventtable

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// minHorizonMonths is how far the horizon must extend past now for a valid table.
	minHorizonMonths = 3
	// maxAgeMonths is how old a table may get before a refetch is due.
	maxAgeMonths = 6

	dateLayout = "2006-01-02"
)

// DailyTimes maps each kind to its "HH:MM" local time on Date ("YYYY-MM-DD").
type DailyTimes struct {
	Date  string          `json:"date"`
	Times map[Kind]string `json:"times"`
}

// Snapshot is one computed event table. It is never patched in place;
// a refetch produces and saves a whole new snapshot.
type Snapshot struct {
	HorizonStart time.Time    `json:"horizon_start"`
	HorizonEnd   time.Time    `json:"horizon_end"`
	Latitude     float64      `json:"latitude"`
	Longitude    float64      `json:"longitude"`
	Method       int          `json:"method"`
	Timezone     string       `json:"timezone,omitempty"`
	Days         []DailyTimes `json:"days"`
	FetchedAt    time.Time    `json:"fetched_at"`
}

// Occurrence is one concrete firing of a kind.
type Occurrence struct {
	Kind Kind
	At   time.Time
}

// IsValid reports whether now lies inside the horizon and the horizon still
// reaches at least three months ahead.
func (s *Snapshot) IsValid(now time.Time) bool {
	if s == nil {
		return false
	}
	if now.Before(s.HorizonStart) || now.After(s.HorizonEnd) {
		return false
	}
	return !s.HorizonEnd.Before(now.AddDate(0, minHorizonMonths, 0))
}

// ShouldRefresh is true when the table is older than six months or no longer valid.
func (s *Snapshot) ShouldRefresh(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.FetchedAt.Before(now.AddDate(0, -maxAgeMonths, 0)) {
		return true
	}
	return !s.IsValid(now)
}

// Validate checks structural consistency of an imported snapshot.
func (s *Snapshot) Validate() error {
	if s == nil {
		return errors.New("snapshot is nil")
	}
	var errs []error
	if !s.HorizonStart.Before(s.HorizonEnd) {
		errs = append(errs, errors.New("horizon_start must be before horizon_end"))
	}
	if len(s.Days) == 0 {
		errs = append(errs, errors.New("days: empty"))
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone: %w", err))
		}
	}
	for i, d := range s.Days {
		if _, err := time.Parse(dateLayout, d.Date); err != nil {
			errs = append(errs, fmt.Errorf("days[%d].date: %w", i, err))
		}
		for k := range d.Times {
			if k.order() < 0 {
				errs = append(errs, fmt.Errorf("days[%d]: unknown event kind %q", i, k))
			}
		}
	}
	return errors.Join(errs...)
}

// Location resolves Timezone, falling back to the process zone.
func (s *Snapshot) Location() *time.Location {
	if s != nil && s.Timezone != "" {
		if loc, err := time.LoadLocation(s.Timezone); err == nil {
			return loc
		}
	}
	return time.Local
}

// Occurrences expands every day into concrete instants, ascending, with ties
// in canonical kind order. Unparseable dates and times are skipped.
func (s *Snapshot) Occurrences() []Occurrence {
	if s == nil {
		return nil
	}
	loc := s.Location()
	out := make([]Occurrence, 0, len(s.Days)*len(AllKinds))
	for _, d := range s.Days {
		day, err := time.ParseInLocation(dateLayout, d.Date, loc)
		if err != nil {
			continue
		}
		for _, k := range AllKinds {
			raw, ok := d.Times[k]
			if !ok {
				continue
			}
			h, m, ok := parseClock(raw)
			if !ok {
				continue
			}
			out = append(out, Occurrence{Kind: k, At: time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, loc)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].Kind.order() < out[j].Kind.order()
	})
	return out
}

// Upcoming returns occurrences strictly after now whose kind is in kinds,
// capped at limit (limit <= 0 means no cap).
func (s *Snapshot) Upcoming(now time.Time, kinds KindSet, limit int) []Occurrence {
	return Filter(s.Occurrences(), now, kinds, limit)
}

// Within returns selected occurrences in (now, until].
func (s *Snapshot) Within(now, until time.Time, kinds KindSet) []Occurrence {
	var out []Occurrence
	for _, o := range Filter(s.Occurrences(), now, kinds, 0) {
		if o.At.After(until) {
			break
		}
		out = append(out, o)
	}
	return out
}

// Filter keeps occurrences strictly after now with a selected kind, preserving
// order, up to limit (limit <= 0 means no cap).
func Filter(occ []Occurrence, now time.Time, kinds KindSet, limit int) []Occurrence {
	var out []Occurrence
	for _, o := range occ {
		if !o.At.After(now) || !kinds.Has(o.Kind) {
			continue
		}
		out = append(out, o)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// parseClock reads "HH:MM", ignoring anything after the first whitespace
// (e.g. "05:12 (+03)").
func parseClock(raw string) (hour, minute int, ok bool) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return 0, 0, false
	}
	hs, ms, found := strings.Cut(fields[0], ":")
	if !found {
		return 0, 0, false
	}
	h, err1 := strconv.Atoi(hs)
	m, err2 := strconv.Atoi(ms)
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}
