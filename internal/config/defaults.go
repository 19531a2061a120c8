package config

import (
	"os"
	"path/filepath"

	"joycaption/internal/domain"
	"joycaption/internal/prompt"
)

// Generation defaults and the ranges settings are clamped to.
const (
	DefaultBackend      = "reference"
	DefaultTemperature  = 0.6
	DefaultTopP         = 0.9
	DefaultMaxNewTokens = 512
	DefaultWorkers      = 4
	DefaultBatchSize    = 4

	MaxTemperature  = 2.0
	MaxNewTokens    = 2048
	MaxWorkers      = 32
	MaxBatchSize    = 32
	modelFolderName = "llama-joycaption-beta-one"
)

// DefaultSettings returns baseline local configuration for first launch.
func DefaultSettings() domain.Settings {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	return domain.Settings{
		ModelPath: filepath.Join(homeDir, ".joycaption", "models", modelFolderName),
		Backend:   DefaultBackend,
		OutputDir: filepath.Join(homeDir, "Pictures", "Captions"),
		Caption: domain.CaptionSpec{
			Mode:   prompt.DefaultMode,
			Length: prompt.DefaultLength,
		},
		Temperature:  DefaultTemperature,
		TopP:         DefaultTopP,
		MaxNewTokens: DefaultMaxNewTokens,
		Workers:      DefaultWorkers,
		BatchSize:    DefaultBatchSize,
	}
}

// Normalize fills empty fields from the defaults and clamps numeric
// settings into their supported ranges.
func Normalize(cfg domain.Settings) domain.Settings {
	defaults := DefaultSettings()
	if cfg.Backend == "" {
		cfg.Backend = defaults.Backend
	}
	if cfg.Caption.Mode == "" || !prompt.HasMode(cfg.Caption.Mode) {
		cfg.Caption.Mode = defaults.Caption.Mode
	}
	if cfg.Caption.Length == "" {
		cfg.Caption.Length = defaults.Caption.Length
	}

	cfg.Temperature = clamp(cfg.Temperature, 0, MaxTemperature)
	cfg.TopP = clamp(cfg.TopP, 0, 1)
	cfg.MaxNewTokens = clamp(cfg.MaxNewTokens, 1, MaxNewTokens)
	cfg.Workers = clamp(cfg.Workers, 0, MaxWorkers)
	cfg.BatchSize = clamp(cfg.BatchSize, 1, MaxBatchSize)
	return cfg
}

func clamp[T int | float64](v, lo, hi T) T {
	return min(max(v, lo), hi)
}
