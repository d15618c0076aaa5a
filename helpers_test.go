// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/rpcwire/buffer"
)

var loopback = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}

func quietLogger() logrus.FieldLogger {
	log, _ := test.NewNullLogger()
	return log
}

// startServer serves d on a loopback port until the test ends.
func startServer(t *testing.T, d Dispatcher, opts ...Option) (*Engine, *SessionServer) {
	t.Helper()
	engine := NewEngine(append([]Option{WithLogger(quietLogger())}, opts...)...)
	srv, err := engine.Listen(loopback, SessionFactoryFunc(func(*Session) (Dispatcher, error) {
		return d, nil
	}), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-served)
		require.NoError(t, engine.Close())
	})
	return engine, srv
}

func newClientEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	engine := NewEngine(append([]Option{WithLogger(quietLogger())}, opts...)...)
	t.Cleanup(func() { require.NoError(t, engine.Close()) })
	return engine
}

// echo answers every message with itself.
func echo() DispatcherFunc {
	return func(s *Session, payload buffer.Buffer) bool {
		return s.Reply([]buffer.Buffer{payload}) == nil
	}
}

// silent accepts every message and never answers.
func silent(got chan<- string) DispatcherFunc {
	return func(_ *Session, payload buffer.Buffer) bool {
		if got != nil {
			got <- string(payload.Bytes())
		}
		return true
	}
}

func dialRaw(t *testing.T, srv *SessionServer) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeFrame(t *testing.T, w io.Writer, payload []byte) {
	t.Helper()
	p := make([]byte, LengthSize+len(payload))
	binary.BigEndian.PutUint32(p, uint32(len(payload)))
	copy(p[LengthSize:], payload)
	_, err := w.Write(p)
	require.NoError(t, err)
}

func readFrame(t *testing.T, r io.Reader) (payload []byte, control bool) {
	t.Helper()
	hdr := make([]byte, LengthSize)
	_, err := io.ReadFull(r, hdr)
	require.NoError(t, err)
	n, control := decodeLength(hdr)
	payload = make([]byte, n)
	_, err = io.ReadFull(r, payload)
	require.NoError(t, err)
	return payload, control
}

// xorStream applies the registry's xor filter to a raw connection.
type xorStream struct {
	rw  io.ReadWriter
	key byte
}

func (x xorStream) Read(p []byte) (int, error) {
	n, err := x.rw.Read(p)
	for i := range p[:n] {
		p[i] ^= x.key
	}
	return n, err
}

func (x xorStream) Write(p []byte) (int, error) {
	q := make([]byte, len(p))
	for i, c := range p {
		q[i] = c ^ x.key
	}
	return x.rw.Write(q)
}

func bufs(parts ...string) []buffer.Buffer {
	out := make([]buffer.Buffer, len(parts))
	for i, p := range parts {
		out[i] = buffer.Wrap([]byte(p))
	}
	return out
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
