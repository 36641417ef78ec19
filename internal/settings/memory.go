package settings

import (
	"context"
	"sync"
)

// MemoryStore keeps the settings record in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	defaults Settings
	current  Settings
}

// NewMemoryStore returns a MemoryStore seeded with defaults.
func NewMemoryStore(defaults Settings) *MemoryStore {
	return &MemoryStore{defaults: defaults, current: defaults}
}

func (m *MemoryStore) Get(_ context.Context) (Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, nil
}

func (m *MemoryStore) Update(_ context.Context, s Settings) (Settings, error) {
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	return s, nil
}

func (m *MemoryStore) Reset(_ context.Context) (Settings, error) {
	m.mu.Lock()
	m.current = m.defaults
	m.mu.Unlock()
	return m.defaults, nil
}
