package docstore

import (
	"context"
	"sync"

	"github.com/Skyjoy0512/voicenote/internal/apperr"
)

// Memory is an in-memory [Store] for tests.
type Memory struct {
	mu   sync.Mutex
	docs map[string][]byte

	// FailSet, if non-nil, is returned by every Set and Update call. Used to
	// exercise progress-write error handling.
	FailSet error
}

// NewMemory creates an empty in-memory document store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

// Get implements [Store].
func (m *Memory) Get(_ context.Context, key string, dst any) error {
	m.mu.Lock()
	raw, ok := m.docs[key]
	m.mu.Unlock()
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "document %q not found", key)
	}
	return unmarshalInto(key, raw, dst)
}

// Set implements [Store].
func (m *Memory) Set(_ context.Context, key string, doc any) error {
	if m.FailSet != nil {
		return m.FailSet
	}
	data, err := marshalDoc(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.docs[key] = data
	m.mu.Unlock()
	return nil
}

// Update implements [Store].
func (m *Memory) Update(_ context.Context, key string, fields map[string]any) error {
	if m.FailSet != nil {
		return m.FailSet
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	merged, err := mergeFields(m.docs[key], fields)
	if err != nil {
		return err
	}
	m.docs[key] = merged
	return nil
}

// Delete implements [Store].
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.docs, key)
	m.mu.Unlock()
	return nil
}

// Close implements [Store].
func (m *Memory) Close() error { return nil }

// Keys returns all stored document paths, for test assertions.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.docs))
	for k := range m.docs {
		keys = append(keys, k)
	}
	return keys
}

// Ensure Memory implements Store at compile time.
var _ Store = (*Memory)(nil)
