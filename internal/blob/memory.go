package blob

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/Skyjoy0512/voicenote/internal/apperr"
)

// Memory is an in-memory [Fetcher] for tests.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory creates an empty in-memory object store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Put stores data under key, replacing any previous content.
func (m *Memory) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = cp
}

// Fetch implements [Fetcher].
func (m *Memory) Fetch(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "audio object %q not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Exists implements [Fetcher].
func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

// Compile-time interface check.
var _ Fetcher = (*Memory)(nil)
