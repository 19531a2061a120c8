package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"joycaption/internal/domain"
)

// Environment variables read by FromEnv.
const (
	EnvModelPath    = "JOYCAPTION_MODEL_PATH"
	EnvBackend      = "JOYCAPTION_BACKEND"
	EnvOutputDir    = "JOYCAPTION_OUTPUT_DIR"
	EnvWorkers      = "JOYCAPTION_WORKERS"
	EnvBatchSize    = "JOYCAPTION_BATCH_SIZE"
	EnvTemperature  = "JOYCAPTION_TEMPERATURE"
	EnvTopP         = "JOYCAPTION_TOP_P"
	EnvMaxNewTokens = "JOYCAPTION_MAX_NEW_TOKENS"
	EnvDebug        = "JOYCAPTION_DEBUG"
)

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// FromEnv overlays set environment variables on base. Blank values are
// ignored; malformed numbers are an error naming the variable.
func FromEnv(base domain.Settings, lookup LookupFunc) (domain.Settings, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	cfg := base
	if v, ok := get(EnvModelPath); ok {
		cfg.ModelPath = v
	}
	if v, ok := get(EnvBackend); ok {
		cfg.Backend = v
	}
	if v, ok := get(EnvOutputDir); ok {
		cfg.OutputDir = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{EnvWorkers, &cfg.Workers},
		{EnvBatchSize, &cfg.BatchSize},
		{EnvMaxNewTokens, &cfg.MaxNewTokens},
	}
	for _, field := range ints {
		v, ok := get(field.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return base, fmt.Errorf("%s: %w", field.key, err)
		}
		*field.dst = n
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{EnvTemperature, &cfg.Temperature},
		{EnvTopP, &cfg.TopP},
	}
	for _, field := range floats {
		v, ok := get(field.key)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return base, fmt.Errorf("%s: %w", field.key, err)
		}
		*field.dst = f
	}

	return cfg, nil
}

// DebugFromEnv reports whether JOYCAPTION_DEBUG is set to a true value.
func DebugFromEnv(lookup LookupFunc) bool {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(EnvDebug)
	if !ok {
		return false
	}
	debug, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && debug
}
