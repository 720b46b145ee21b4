package eventtable

import (
	"fmt"
	"sort"
	"strings"
)

// Kind is one of the five daily prayers.
type Kind string

const (
	Fajr    Kind = "fajr"
	Dhuhr   Kind = "dhuhr"
	Asr     Kind = "asr"
	Maghrib Kind = "maghrib"
	Isha    Kind = "isha"
)

// AllKinds lists every kind in canonical (daily) order.
var AllKinds = []Kind{Fajr, Dhuhr, Asr, Maghrib, Isha}

// ParseKind is case-insensitive.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if k.order() < 0 {
		return "", fmt.Errorf("unknown event kind %q", s)
	}
	return k, nil
}

func (k Kind) order() int {
	for i, v := range AllKinds {
		if v == k {
			return i
		}
	}
	return -1
}

func (k Kind) String() string { return string(k) }

type KindSet map[Kind]struct{}

func NewKindSet(kinds ...Kind) KindSet {
	s := make(KindSet, len(kinds))
	for _, k := range kinds {
		s[k] = struct{}{}
	}
	return s
}

// ParseKindSet parses every name; the first unknown name fails the whole set.
func ParseKindSet(names []string) (KindSet, error) {
	s := make(KindSet, len(names))
	for _, n := range names {
		k, err := ParseKind(n)
		if err != nil {
			return nil, err
		}
		s[k] = struct{}{}
	}
	return s, nil
}

func (s KindSet) Has(k Kind) bool {
	_, ok := s[k]
	return ok
}

// List returns the members in canonical order.
func (s KindSet) List() []Kind {
	out := make([]Kind, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order() < out[j].order() })
	return out
}

func (s KindSet) Equal(o KindSet) bool {
	if len(s) != len(o) {
		return false
	}
	for k := range s {
		if !o.Has(k) {
			return false
		}
	}
	return true
}

func (s KindSet) Clone() KindSet {
	return NewKindSet(s.List()...)
}
