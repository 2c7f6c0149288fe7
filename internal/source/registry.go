// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package source

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the configured source clients by name. Clients are
// registered once at startup, already breaker-wrapped.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds a client. Registering the same name twice is a wiring
// bug and returns an error.
func (r *Registry) Register(client Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := client.Name()
	if _, exists := r.clients[name]; exists {
		return fmt.Errorf("source %s already registered", name)
	}
	r.clients[name] = client
	return nil
}

// Get returns the client for a source name.
func (r *Registry) Get(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("unknown source %s", name)
	}
	return client, nil
}

// Names returns all registered source names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Searchers returns the clients that support title search, sorted by
// name.
func (r *Registry) Searchers() []SearchClient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []SearchClient
	for _, name := range r.namesLocked() {
		s, ok := r.clients[name].(SearchClient)
		if !ok {
			continue
		}
		// Breaker-wrapped clients always expose Search; ask whether the
		// inner client actually supports it.
		if probe, ok := s.(interface{ SupportsSearch() bool }); ok && !probe.SupportsSearch() {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
