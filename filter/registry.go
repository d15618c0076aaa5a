// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package filter

import (
	"fmt"
	"sync"
)

// Factory builds a fresh filter instance for one end of a connection.
type Factory func(Role) (Filter, error)

// Registry maps filter IDs to factories. TLS and Schannel both resolve to
// the configured TLS backend, so a peer may ask for either.
type Registry struct {
	mu         sync.RWMutex
	factories  map[ID]Factory
	tlsBackend Factory
}

// NewRegistry returns a registry holding the filters that need no
// configuration: identity, xor and the compression filters.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[ID]Factory)}
	r.Register(IDIdentity, func(Role) (Filter, error) { return NewIdentity(), nil })
	r.Register(IDXor, func(Role) (Filter, error) { return NewXor(DefaultXorKey), nil })
	RegisterCompression(r)
	return r
}

// Register installs f under id, replacing any previous factory.
func (r *Registry) Register(id ID, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

// SetTLSBackend selects the factory that TLS and Schannel IDs resolve to.
func (r *Registry) SetTLSBackend(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tlsBackend = f
}

func (r *Registry) resolve(id ID) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if (id == IDTLS || id == IDSchannel) && r.tlsBackend != nil {
		return r.tlsBackend, true
	}
	f, ok := r.factories[id]
	return f, ok
}

// Has reports whether id can be instantiated.
func (r *Registry) Has(id ID) bool {
	_, ok := r.resolve(id)
	return ok
}

// New instantiates a single filter.
func (r *Registry) New(id ID, role Role) (Filter, error) {
	f, ok := r.resolve(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFilter, id)
	}
	flt, err := f(role)
	if err != nil {
		return nil, fmt.Errorf("creating %s filter: %w", id, err)
	}
	return flt, nil
}

// Build instantiates filters in order. On failure every filter already
// built is released.
func (r *Registry) Build(ids []ID, role Role) ([]Filter, error) {
	out := make([]Filter, 0, len(ids))
	for _, id := range ids {
		f, err := r.New(id, role)
		if err != nil {
			_ = closeFilters(out)
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
