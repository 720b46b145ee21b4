package window

import (
	"fmt"
	"strings"
	"time"

	"prayerlock/internal/eventtable"
)

const (
	namePrefix     = "prayer_"
	nameTimeLayout = "20060102T1504"
)

// Name derives the registry name of the window for (kind, at). It depends on
// nothing else, so a restarted process can rebuild it from the table alone.
func Name(kind eventtable.Kind, at time.Time) string {
	return namePrefix + string(kind) + "_" + at.UTC().Format(nameTimeLayout)
}

// ParseName inverts Name. The instant is returned in UTC at minute precision.
func ParseName(name string) (eventtable.Kind, time.Time, error) {
	rest, ok := strings.CutPrefix(name, namePrefix)
	if !ok {
		return "", time.Time{}, fmt.Errorf("window name %q: missing prefix", name)
	}
	k, ts, ok := strings.Cut(rest, "_")
	if !ok {
		return "", time.Time{}, fmt.Errorf("window name %q: missing instant", name)
	}
	kind, err := eventtable.ParseKind(k)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("window name %q: %w", name, err)
	}
	at, err := time.ParseInLocation(nameTimeLayout, ts, time.UTC)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("window name %q: %w", name, err)
	}
	return kind, at, nil
}
