package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps peer and audio host names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	s2s   map[string]func(ProviderEntry) (s2s.Provider, error)
	hosts map[string]func(AudioConfig) (audio.Host, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		s2s:   make(map[string]func(ProviderEntry) (s2s.Provider, error)),
		hosts: make(map[string]func(AudioConfig) (audio.Host, error)),
	}
}

// RegisterS2S registers a peer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterS2S(name string, factory func(ProviderEntry) (s2s.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = factory
}

// RegisterHost registers an audio host factory under name.
func (r *Registry) RegisterHost(name string, factory func(AudioConfig) (audio.Host, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts[name] = factory
}

// CreateS2S instantiates a peer using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.s2s[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: s2s/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateHost instantiates the audio host named by cfg.Host.
func (r *Registry) CreateHost(cfg AudioConfig) (audio.Host, error) {
	r.mu.RLock()
	factory, ok := r.hosts[cfg.Host]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: host/%q", ErrProviderNotRegistered, cfg.Host)
	}
	return factory(cfg)
}

// Names returns the sorted registered peer and host names.
func (r *Registry) Names() (peers, hosts []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for n := range r.s2s {
		peers = append(peers, n)
	}
	for n := range r.hosts {
		hosts = append(hosts, n)
	}
	slices.Sort(peers)
	slices.Sort(hosts)
	return peers, hosts
}
