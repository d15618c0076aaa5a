// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package filter

import (
	"fmt"
	"io"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/luxfi/rpcwire/buffer"
)

// Conn is the raw byte connection under a chain. Each call completes exactly
// once through done; at most one read and one write are outstanding.
type Conn interface {
	Read(buf buffer.Buffer, n int, done func(buffer.Buffer, error))
	Write(bufs []buffer.Buffer, done func(int, error))
}

// Sink receives completions that reach the application end of a chain.
type Sink interface {
	OnReadCompleted(buf buffer.Buffer, err error)
	OnWriteCompleted(n int, err error)
}

// ErrorHook sees every error a chain reports before its owner does. It may
// return a replacement error, or nil to have the owner tear down quietly.
type ErrorHook func(error) error

// WireProtocol names the endpoint protocol a connection was opened with. It
// decides which wire filters a chain carries and whether messages are framed
// by a length prefix or by the wire filters themselves.
type WireProtocol int

const (
	WireTCP WireProtocol = iota
	WireHTTP
	WireHTTPS
)

func (p WireProtocol) String() string {
	switch p {
	case WireHTTP:
		return "http"
	case WireHTTPS:
		return "https"
	default:
		return "tcp"
	}
}

// ParseWireProtocol accepts the names printed by WireProtocol.String.
func ParseWireProtocol(s string) (WireProtocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tcp":
		return WireTCP, nil
	case "http":
		return WireHTTP, nil
	case "https":
		return WireHTTPS, nil
	default:
		return WireTCP, fmt.Errorf("filter: unknown wire protocol %q", s)
	}
}

// Chain is an immutable, linked sequence of filters between a Sink and a
// Conn: transport filters first, then wire filters. An empty chain forwards
// straight from the application to the connection.
type Chain struct {
	proto     WireProtocol
	transport []Filter
	wire      []Filter
	conn      Conn
	sink      Sink
	hook      ErrorHook

	entry Stage
}

// NewChain links transport and wire filters between sink and conn.
func NewChain(conn Conn, sink Sink, proto WireProtocol, transport, wire []Filter) *Chain {
	c := &Chain{
		proto:     proto,
		transport: append([]Filter(nil), transport...),
		wire:      append([]Filter(nil), wire...),
		conn:      conn,
		sink:      sink,
	}
	c.link()
	return c
}

func (c *Chain) link() {
	var prev Stage = appEnd{c.sink}
	filters := c.Filters()
	for _, f := range filters {
		f.SetPrev(prev)
		prev = f
	}
	bottom := &wireEnd{conn: c.conn, prev: prev}
	var next Stage = bottom
	for i := len(filters) - 1; i >= 0; i-- {
		filters[i].SetNext(next)
		next = filters[i]
	}
	c.entry = next
}

// Rebuild returns a new chain over the same connection, sink and wire
// filters with a different set of transport filters. The receiver must not
// be used for I/O afterwards.
func (c *Chain) Rebuild(transport []Filter) *Chain {
	n := NewChain(c.conn, c.sink, c.proto, transport, c.wire)
	n.hook = c.hook
	return n
}

// SetErrorHook installs the chain's error hook.
func (c *Chain) SetErrorHook(h ErrorHook) { c.hook = h }

// HandleError passes err through the error hook, if any.
func (c *Chain) HandleError(err error) error {
	if c.hook == nil || err == nil {
		return err
	}
	return c.hook(err)
}

// Read starts a read at the application end of the chain.
func (c *Chain) Read(buf buffer.Buffer, n int) { c.entry.Read(buf, n) }

// Write starts a write at the application end of the chain.
func (c *Chain) Write(bufs []buffer.Buffer) { c.entry.Write(bufs) }

// Filters returns transport filters followed by wire filters.
func (c *Chain) Filters() []Filter {
	out := make([]Filter, 0, len(c.transport)+len(c.wire))
	out = append(out, c.transport...)
	return append(out, c.wire...)
}

// Transport returns the negotiable filters.
func (c *Chain) Transport() []Filter { return c.transport }

// Wire returns the filters implied by the endpoint protocol.
func (c *Chain) Wire() []Filter { return c.wire }

// WireProtocol returns the endpoint protocol tag.
func (c *Chain) WireProtocol() WireProtocol { return c.proto }

// CustomFraming reports whether message boundaries come from the wire
// filters rather than a length prefix. Once transport filters are stacked on
// top, the wire filters only carry a byte stream and the prefix is used.
func (c *Chain) CustomFraming() bool {
	return c.proto != WireTCP && len(c.transport) == 0
}

// FrameSize asks the filters, top down, for the length of the frame being
// read. It returns zero when no filter knows yet.
func (c *Chain) FrameSize() int {
	for _, f := range c.Filters() {
		if n := f.FrameSize(); n > 0 {
			return n
		}
	}
	return 0
}

// CloseTransport releases transport filters holding resources. Used when a
// chain is retired in favour of a rebuilt one.
func (c *Chain) CloseTransport() error {
	return closeFilters(c.transport)
}

// Close releases every filter holding resources.
func (c *Chain) Close() error {
	return closeFilters(c.Filters())
}

func closeFilters(filters []Filter) error {
	var result *multierror.Error
	for _, f := range filters {
		if cl, ok := f.(io.Closer); ok {
			if err := cl.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("closing %s filter: %w", f.ID(), err))
			}
		}
	}
	return result.ErrorOrNil()
}

// appEnd hands completions to the application.
type appEnd struct{ sink Sink }

func (a appEnd) Read(buffer.Buffer, int)           { panic("filter: read issued from the application end") }
func (a appEnd) Write([]buffer.Buffer)             { panic("filter: write issued from the application end") }
func (a appEnd) OnWriteCompleted(n int, err error) { a.sink.OnWriteCompleted(n, err) }
func (a appEnd) OnReadCompleted(buf buffer.Buffer, err error) {
	a.sink.OnReadCompleted(buf, err)
}

// wireEnd hands requests to the raw connection.
type wireEnd struct {
	conn Conn
	prev Stage
}

func (w *wireEnd) Read(buf buffer.Buffer, n int) { w.conn.Read(buf, n, w.prev.OnReadCompleted) }
func (w *wireEnd) Write(bufs []buffer.Buffer)    { w.conn.Write(bufs, w.prev.OnWriteCompleted) }
func (w *wireEnd) OnReadCompleted(buffer.Buffer, error) {
	panic("filter: completion delivered below the wire end")
}
func (w *wireEnd) OnWriteCompleted(int, error) {
	panic("filter: completion delivered below the wire end")
}
