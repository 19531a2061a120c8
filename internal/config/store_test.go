package config

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"joycaption/internal/domain"
)

// TestDefaultSettings verifies baseline defaults are present.
func TestDefaultSettings(t *testing.T) {
	cfg := DefaultSettings()
	if cfg.Caption.Mode != "Descriptive" || cfg.Caption.Length != "long" {
		t.Fatalf("caption = %+v, want Descriptive/long", cfg.Caption)
	}
	if cfg.Backend != DefaultBackend {
		t.Fatalf("backend = %q, want %q", cfg.Backend, DefaultBackend)
	}
	if cfg.Temperature != 0.6 || cfg.TopP != 0.9 || cfg.MaxNewTokens != 512 {
		t.Fatalf("decoding = %v/%v/%v", cfg.Temperature, cfg.TopP, cfg.MaxNewTokens)
	}
	if cfg.Workers != 4 || cfg.BatchSize != 4 {
		t.Fatalf("workers/batch = %d/%d, want 4/4", cfg.Workers, cfg.BatchSize)
	}
	if cfg.ModelPath == "" {
		t.Fatal("expected non-empty model path")
	}
	if cfg.OutputDir == "" {
		t.Fatal("expected non-empty output dir")
	}
}

// TestNormalizeClampsRanges checks every clamped field.
func TestNormalizeClampsRanges(t *testing.T) {
	got := Normalize(domain.Settings{
		Caption:      domain.CaptionSpec{Mode: "Haiku"},
		Temperature:  3.5,
		TopP:         -1,
		MaxNewTokens: 0,
		Workers:      99,
		BatchSize:    0,
	})

	want := domain.Settings{
		Backend:      DefaultBackend,
		Caption:      domain.CaptionSpec{Mode: "Descriptive", Length: "long"},
		Temperature:  2,
		TopP:         0,
		MaxNewTokens: 1,
		Workers:      32,
		BatchSize:    1,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Normalize mismatch (-want +got):\n%s", diff)
	}
}

// TestFromEnvOverlay checks set, blank and unset variables.
func TestFromEnvOverlay(t *testing.T) {
	env := map[string]string{
		EnvModelPath:    "/models/joy",
		EnvOutputDir:    "  ",
		EnvWorkers:      "0",
		EnvBatchSize:    "8",
		EnvTemperature:  "0.25",
		EnvMaxNewTokens: "300",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	base := DefaultSettings()
	got, err := FromEnv(base, lookup)
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}

	want := base
	want.ModelPath = "/models/joy"
	want.Workers = 0
	want.BatchSize = 8
	want.Temperature = 0.25
	want.MaxNewTokens = 300
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("FromEnv mismatch (-want +got):\n%s", diff)
	}
}

// TestFromEnvRejectsMalformedNumbers checks the error names the variable.
func TestFromEnvRejectsMalformedNumbers(t *testing.T) {
	lookup := func(key string) (string, bool) {
		if key == EnvTopP {
			return "high", true
		}
		return "", false
	}

	_, err := FromEnv(DefaultSettings(), lookup)
	if err == nil || !strings.Contains(err.Error(), EnvTopP) {
		t.Fatalf("error = %v, want mention of %s", err, EnvTopP)
	}
}

// TestDebugFromEnv checks boolean parsing.
func TestDebugFromEnv(t *testing.T) {
	for value, want := range map[string]bool{"1": true, "true": true, "0": false, "yes": false} {
		got := DebugFromEnv(func(string) (string, bool) { return value, true })
		if got != want {
			t.Fatalf("DebugFromEnv(%q) = %v, want %v", value, got, want)
		}
	}
	if DebugFromEnv(func(string) (string, bool) { return "", false }) {
		t.Fatal("unset debug should be false")
	}
}

// TestMemoryStoreSaveAndLoad checks session settings fidelity.
func TestMemoryStoreSaveAndLoad(t *testing.T) {
	store := NewMemoryStore(DefaultSettings())
	want := DefaultSettings()
	want.OutputDir = "/out"
	want.Caption = domain.CaptionSpec{Mode: "MidJourney", Length: "40", ExtraOptions: []string{"Do NOT use any ambiguous language."}}

	if err := store.Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("settings mismatch (-want +got):\n%s", diff)
	}

	got.Caption.ExtraOptions[0] = "mutated"
	again, _ := store.Load()
	if again.Caption.ExtraOptions[0] == "mutated" {
		t.Fatal("Load must return a copy")
	}
}
