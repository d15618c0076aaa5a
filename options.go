// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ssbc/go-netwrap"

	"github.com/luxfi/rpcwire/buffer"
	"github.com/luxfi/rpcwire/filter"
)

// Option configures an Engine, Server or CallChannel. Options given to an
// Engine become the defaults of everything it creates; the worker count,
// allocator, filter registry and metrics are engine-wide and ignored
// elsewhere.
type Option func(*options)

type options struct {
	log      logrus.FieldLogger
	workers  int
	alloc    buffer.Allocator
	registry *filter.Registry
	metrics  *Metrics

	maxMessage int
	wire       filter.WireProtocol
	httpHost   string
	allowed    []filter.Protocol
	filters    []filter.ID
	timeout    time.Duration
	progress   ProgressFunc
	dialer     Dialer
	wrappers   []netwrap.ConnWrapper
}

func defaultOptions() options {
	return options{
		log:        logrus.StandardLogger(),
		workers:    4,
		maxMessage: DefaultMaxMessageLength,
		wire:       filter.WireTCP,
		timeout:    DefaultTimeout,
		dialer:     netwrap.Dial,
	}
}

func (o options) with(opts []Option) options {
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxMessage <= 0 || o.maxMessage > MaxMessageLength {
		o.maxMessage = MaxMessageLength
	}
	return o
}

// WithLogger sets the logger. Sessions and channels add their own fields.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.log = log }
}

// WithWorkers sets the number of reactor workers running I/O completions.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithAllocator sets the allocator for read buffers.
func WithAllocator(a buffer.Allocator) Option {
	return func(o *options) { o.alloc = a }
}

// WithFilterRegistry sets the registry transport filters are resolved in.
func WithFilterRegistry(r *filter.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithMaxMessageLength caps the payload of a single message.
func WithMaxMessageLength(n int) Option {
	return func(o *options) { o.maxMessage = n }
}

// WithWireProtocol selects the endpoint protocol and with it the wire
// filters of every connection.
func WithWireProtocol(p filter.WireProtocol) Option {
	return func(o *options) { o.wire = p }
}

// WithHTTPHost sets the Host header written by client-side HTTP framing.
func WithHTTPHost(host string) Option {
	return func(o *options) { o.httpHost = host }
}

// WithAllowedProtocols restricts the transport protocols a peer may
// negotiate. Without it every protocol is allowed.
func WithAllowedProtocols(p ...filter.Protocol) Option {
	return func(o *options) { o.allowed = p }
}

// WithTransportFilters sets the transport filters a client negotiates with
// the server after connecting.
func WithTransportFilters(ids ...filter.ID) Option {
	return func(o *options) { o.filters = ids }
}

// DefaultTimeout bounds a channel operation unless WithTimeout says
// otherwise.
const DefaultTimeout = 30 * time.Second

// WithTimeout bounds every channel operation, from connect to the last byte
// of the response. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithProgress installs a progress callback on a channel.
func WithProgress(fn ProgressFunc) Option {
	return func(o *options) { o.progress = fn }
}

// Dialer opens a connection to addr and applies wrappers to it. netwrap.Dial
// is the default.
type Dialer func(addr net.Addr, wrappers ...netwrap.ConnWrapper) (net.Conn, error)

// WithDialer replaces the function channels connect with.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithConnWrappers adds wrappers applied to freshly dialed connections,
// below every filter.
func WithConnWrappers(w ...netwrap.ConnWrapper) Option {
	return func(o *options) { o.wrappers = w }
}
