// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/luxfi/rpcwire/buffer"
)

// Transport types
const (
	TransportWire = "wire" // Framed, filterable, default
	TransportGRPC = "grpc" // Google RPC, requires build tag
	TransportJSON = "json" // JSON-RPC over HTTP
)

// DefaultTransport is the default transport type
const DefaultTransport = TransportWire

type dialFunc func(ctx context.Context, addr string, o *dialOptions) (Client, error)
type listenFunc func(addr string, o *serverOptions) (Server, error)

type transportFuncs struct {
	dial   dialFunc
	listen listenFunc
}

var (
	transportsMu sync.RWMutex
	transports   = map[string]transportFuncs{
		TransportWire: {dialWire, listenWire},
		TransportJSON: {dialJSON, listenJSON},
	}
)

// registerTransport registers a new transport (used by build tags)
func registerTransport(name string, dial dialFunc, listen listenFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = transportFuncs{dial, listen}
}

func lookupTransport(name string) (transportFuncs, bool) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	t, ok := transports[name]
	return t, ok
}

// AvailableTransports returns the available transport types, sorted
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	_, ok := lookupTransport(name)
	return ok
}

// NewChannelTransport returns a Transport that sends and receives whole
// messages on ch. Closing the transport closes the channel.
func NewChannelTransport(ch *CallChannel) Transport {
	return channelTransport{ch: ch}
}

type channelTransport struct {
	ch *CallChannel
}

func (t channelTransport) Send(ctx context.Context, data []byte) error {
	return t.ch.Send(ctx, []buffer.Buffer{buffer.Wrap(data)})
}

func (t channelTransport) Recv(ctx context.Context) ([]byte, error) {
	b, err := t.ch.Receive(ctx)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(b.Bytes()), nil
}

func (t channelTransport) Close() error { return t.ch.Close() }
