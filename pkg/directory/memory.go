package directory

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-process Directory.
// It also backs the HTTP server.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]string)}
}

func (m *Memory) Register(_ context.Context, name, addr string) error {
	m.mu.Lock()
	m.entries[name] = addr
	m.mu.Unlock()
	return nil
}

func (m *Memory) Lookup(_ context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addr, ok := m.entries[name]
	if !ok {
		return "", ErrNotFound
	}
	return addr, nil
}

func (m *Memory) List(_ context.Context, prefix string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string)
	for name, addr := range m.entries {
		if strings.HasPrefix(name, prefix) {
			out[name] = addr
		}
	}
	return out, nil
}

func (m *Memory) Remove(_ context.Context, name string) error {
	m.mu.Lock()
	delete(m.entries, name)
	m.mu.Unlock()
	return nil
}
