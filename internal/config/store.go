package config

import (
	"sync"

	"joycaption/internal/domain"
)

// Store defines load and save operations for app settings.
type Store interface {
	Load() (domain.Settings, error)
	Save(domain.Settings) error
}

// MemoryStore keeps settings for the lifetime of the process only.
type MemoryStore struct {
	mu       sync.RWMutex
	settings domain.Settings
}

// NewMemoryStore creates a session store seeded with initial.
func NewMemoryStore(initial domain.Settings) *MemoryStore {
	return &MemoryStore{settings: cloneSettings(Normalize(initial))}
}

// Load returns the current settings.
func (s *MemoryStore) Load() (domain.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSettings(s.settings), nil
}

// Save normalizes and replaces the current settings.
func (s *MemoryStore) Save(cfg domain.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = cloneSettings(Normalize(cfg))
	return nil
}

func cloneSettings(cfg domain.Settings) domain.Settings {
	cfg.Caption.ExtraOptions = append([]string(nil), cfg.Caption.ExtraOptions...)
	return cfg
}
