package logx

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestWriterLoggerFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "INFO").With(String("comp", "window"))

	if log.Enabled(LevelDebug) || !log.Enabled(LevelWarn) {
		t.Fatal("Enabled disagrees with INFO")
	}
	log.Debug("hidden")
	log.Info("registered", Int("count", 3), Err(errors.New("boom")))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line should be filtered at INFO: %q", out)
	}
	for _, want := range []string{"registered", "comp=window", "count=3", "boom"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q: %q", want, out)
		}
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop() should not be zero")
	}
}

func TestParseLevelFallback(t *testing.T) {
	if got := parseLevel("warning", LevelInfo); got != LevelWarn {
		t.Fatalf("parseLevel(warning) = %v", got)
	}
	if got := parseLevel("nope", LevelDebug); got != LevelDebug {
		t.Fatalf("parseLevel(nope) = %v, want default", got)
	}
}
