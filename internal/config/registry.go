package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/aptrium/pkg/audio"
	"github.com/MrWong99/aptrium/pkg/provider/live"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps backend names to their constructor functions for the live
// channel and both audio directions. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	live   map[string]func(LiveConfig) (live.Provider, error)
	input  map[string]func(InputConfig) (audio.InputBackend, error)
	output map[string]func(OutputConfig) (audio.OutputBackend, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		live:   make(map[string]func(LiveConfig) (live.Provider, error)),
		input:  make(map[string]func(InputConfig) (audio.InputBackend, error)),
		output: make(map[string]func(OutputConfig) (audio.OutputBackend, error)),
	}
}

// RegisterLive registers a live provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLive(name string, factory func(LiveConfig) (live.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// RegisterInput registers a capture backend factory under name.
func (r *Registry) RegisterInput(name string, factory func(InputConfig) (audio.InputBackend, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.input[name] = factory
}

// RegisterOutput registers a playback backend factory under name.
func (r *Registry) RegisterOutput(name string, factory func(OutputConfig) (audio.OutputBackend, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[name] = factory
}

// CreateLive instantiates the live provider registered under cfg.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateLive(cfg LiveConfig) (live.Provider, error) {
	r.mu.RLock()
	factory, ok := r.live[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// CreateInput instantiates the capture backend registered under cfg.Backend.
func (r *Registry) CreateInput(cfg InputConfig) (audio.InputBackend, error) {
	r.mu.RLock()
	factory, ok := r.input[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: input/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// CreateOutput instantiates the playback backend registered under cfg.Backend.
func (r *Registry) CreateOutput(cfg OutputConfig) (audio.OutputBackend, error) {
	r.mu.RLock()
	factory, ok := r.output[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}
