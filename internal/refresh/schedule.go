package refresh

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind is the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// Spec is a parsed refresh schedule.
//
// Supported forms:
//   - Interval duration: "6h", "2h30m"
//   - Interval HH:MM: "06:00" (6 hours), "00:45" (45 minutes)
//   - Cron: "0 */6 * * *", "@every 6h", "@daily"
//
// Optional prefixes "cron:" and "interval:"/"every:" force the parse.
type Spec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"

	sched cron.Schedule
}

// DefaultSpec runs every six hours.
func DefaultSpec() Spec {
	return Spec{Kind: SpecInterval, Every: 6 * time.Hour, Source: "duration", sched: cron.Every(6 * time.Hour)}
}

// SecondOptional allows both 5-field and 6-field cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses raw; an empty string yields DefaultSpec.
func ParseSchedule(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return DefaultSpec(), nil
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(strings.TrimSpace(s[len("interval:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseInterval(strings.TrimSpace(s[len("every:"):]))
	}

	// Whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	spec, err := parseInterval(s)
	if err != nil {
		return Spec{}, fmt.Errorf(
			"invalid schedule %q (use a duration like '6h', HH:MM like '06:00', or cron like '0 */6 * * *')",
			raw,
		)
	}
	return spec, nil
}

// Next returns the first run strictly after t, evaluated in loc.
func (s Spec) Next(t time.Time, loc *time.Location) time.Time {
	sched := s.sched
	if sched == nil {
		sched = DefaultSpec().sched
	}
	if loc != nil {
		t = t.In(loc)
	}
	return sched.Next(t)
}

func (s Spec) String() string {
	if s.Kind == SpecCron {
		return s.Cron
	}
	return s.Every.String()
}

func parseCron(expr string) (Spec, error) {
	if expr == "" {
		return Spec{}, fmt.Errorf("cron schedule required")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Spec{Kind: SpecCron, Cron: expr, Source: "cron", sched: sched}, nil
}

func parseInterval(v string) (Spec, error) {
	if v == "" {
		return Spec{}, fmt.Errorf("interval required")
	}
	src := "duration"
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Spec{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		src = "hhmm"
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return Spec{}, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d < time.Second {
		return Spec{}, fmt.Errorf("interval must be >= 1s")
	}
	return Spec{Kind: SpecInterval, Every: d, Source: src, sched: cron.Every(d)}, nil
}
