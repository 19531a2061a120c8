package logutil

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// TestNewFiltersByLevel checks debug lines are dropped at info level.
func TestNewFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, Level(false))
	log.Debug().Msg("hidden")
	log.Info().Str("path", "a.png").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line leaked: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "a.png") {
		t.Fatalf("missing info line: %q", out)
	}
}

// TestLevel checks the debug switch.
func TestLevel(t *testing.T) {
	if Level(true) != zerolog.DebugLevel || Level(false) != zerolog.InfoLevel {
		t.Fatal("unexpected level mapping")
	}
}
