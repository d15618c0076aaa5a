// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"github.com/luxfi/rpcwire/buffer"
	"github.com/luxfi/rpcwire/filter"
	"github.com/luxfi/rpcwire/internal/reactor"
)

// Engine is the shared context of a set of servers and channels: the
// reactor their completions run on, the read-buffer allocator, the filter
// registry and the metrics sink.
type Engine struct {
	opts    options
	reactor *reactor.Reactor
}

// NewEngine starts an engine. Close it once every server and channel built
// from it is closed.
func NewEngine(opts ...Option) *Engine {
	o := defaultOptions().with(opts)
	if o.alloc == nil {
		o.alloc = buffer.NewPool()
	}
	if o.registry == nil {
		o.registry = filter.NewRegistry()
	}
	return &Engine{
		opts:    o,
		reactor: reactor.New(o.workers, o.log.WithField("component", "reactor")),
	}
}

// Registry returns the filter registry negotiation resolves IDs in.
func (e *Engine) Registry() *filter.Registry { return e.opts.registry }

// Metrics returns the engine's metrics sink, which may be nil.
func (e *Engine) Metrics() *Metrics { return e.opts.metrics }

// Close stops the reactor after draining queued completions.
func (e *Engine) Close() error {
	return e.reactor.Close()
}

// options derives per-component options, keeping engine-wide settings.
func (e *Engine) options(opts []Option) options {
	o := e.opts.with(opts)
	o.alloc = e.opts.alloc
	o.registry = e.opts.registry
	o.metrics = e.opts.metrics
	return o
}

// wireFilters instantiates the filters implied by the endpoint protocol.
func (e *Engine) wireFilters(o options, role filter.Role) ([]filter.Filter, error) {
	switch o.wire {
	case filter.WireHTTP:
		return []filter.Filter{filter.NewHTTPFrame(role, o.httpHost)}, nil
	case filter.WireHTTPS:
		tls, err := o.registry.New(filter.IDTLS, role)
		if err != nil {
			return nil, err
		}
		return []filter.Filter{filter.NewHTTPFrame(role, o.httpHost), tls}, nil
	default:
		return nil, nil
	}
}
