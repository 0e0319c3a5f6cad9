package logutil

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLevel(t *testing.T) {
	for verbosity, want := range map[int]slog.Level{
		-1: slog.LevelInfo,
		0:  slog.LevelInfo,
		1:  slog.LevelDebug,
		2:  LevelTrace,
		5:  LevelTrace,
	} {
		if got := Level(verbosity); got != want {
			t.Errorf("Level(%d) = %v, want %v", verbosity, got, want)
		}
	}
}

func TestTrace(t *testing.T) {
	var b bytes.Buffer
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	slog.SetDefault(NewLogger(&b, LevelTrace))
	Trace("decoded", "string", "a photo of a cat")

	out := b.String()
	if !strings.Contains(out, "level=TRACE") {
		t.Errorf("missing TRACE level: %s", out)
	}

	if !strings.Contains(out, "source=logutil_test.go:") {
		t.Errorf("source should point at the caller: %s", out)
	}

	b.Reset()
	slog.SetDefault(NewLogger(&b, slog.LevelDebug))
	Trace("hidden")
	if b.Len() != 0 {
		t.Errorf("trace logged at debug level: %s", b.String())
	}
}
