package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Skyjoy0512/voicenote/pkg/provider/speech"
)

// ErrProviderNotRegistered is returned by [Registry.CreateSpeech] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps speech provider names to their constructor functions, so
// the orchestrator can build per-job provider instances from configuration
// or per-user apiConfigs documents. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	speech map[string]func(ProviderEntry) (speech.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		speech: make(map[string]func(ProviderEntry) (speech.Provider, error)),
	}
}

// RegisterSpeech registers a speech provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSpeech(name string, factory func(ProviderEntry) (speech.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speech[name] = factory
}

// CreateSpeech instantiates the speech provider registered under name with
// the given credentials. Returns [ErrProviderNotRegistered] if no factory
// has been registered for that name.
func (r *Registry) CreateSpeech(name string, entry ProviderEntry) (speech.Provider, error) {
	r.mu.RLock()
	factory, ok := r.speech[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: speech/%q", ErrProviderNotRegistered, name)
	}
	return factory(entry)
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.speech))
	for name := range r.speech {
		names = append(names, name)
	}
	return names
}
