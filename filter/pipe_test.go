// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package filter

import (
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/rpcwire/buffer"
)

// memPipe is one direction of an in-memory connection. Completions run on
// the caller's goroutine, which exercises synchronous re-entry into chains.
type memPipe struct {
	mu      sync.Mutex
	data    []byte
	closed  bool
	pending *memRead
	chunk   int
}

type memRead struct {
	buf  buffer.Buffer
	n    int
	done func(buffer.Buffer, error)
}

// take must be called with mu held.
func (p *memPipe) take(r *memRead) (buffer.Buffer, error) {
	if r.n == 0 {
		if len(p.data) == 0 {
			return buffer.Buffer{}, io.EOF
		}
		return buffer.Buffer{}, nil
	}
	k := min(r.n, len(p.data))
	if p.chunk > 0 {
		k = min(k, p.chunk)
	}
	if k == 0 {
		return buffer.Buffer{}, io.EOF
	}
	out := r.buf
	if out.Len() < k {
		out = buffer.New(k)
	}
	out = out.Slice(0, k)
	copy(out.Bytes(), p.data[:k])
	p.data = p.data[k:]
	return out, nil
}

type memConn struct {
	in, out *memPipe
}

// newMemPair returns two connected ends. chunk, if positive, caps the bytes
// delivered by a single read.
func newMemPair(chunk int) (*memConn, *memConn) {
	ab := &memPipe{chunk: chunk}
	ba := &memPipe{chunk: chunk}
	return &memConn{in: ba, out: ab}, &memConn{in: ab, out: ba}
}

func (c *memConn) Read(buf buffer.Buffer, n int, done func(buffer.Buffer, error)) {
	p := c.in
	r := &memRead{buf, n, done}
	p.mu.Lock()
	if len(p.data) == 0 && !p.closed {
		p.pending = r
		p.mu.Unlock()
		return
	}
	out, err := p.take(r)
	p.mu.Unlock()
	done(out, err)
}

func (c *memConn) Write(bufs []buffer.Buffer, done func(int, error)) {
	p := c.out
	n := buffer.TotalLen(bufs)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		done(0, io.ErrClosedPipe)
		return
	}
	p.data = append(p.data, buffer.Join(bufs)...)
	r := p.pending
	var (
		out buffer.Buffer
		err error
	)
	if r != nil && len(p.data) > 0 {
		p.pending = nil
		out, err = p.take(r)
	} else {
		r = nil
	}
	p.mu.Unlock()
	if r != nil {
		r.done(out, err)
	}
	done(n, nil)
}

func (c *memConn) Close() {
	for _, p := range []*memPipe{c.in, c.out} {
		p.mu.Lock()
		p.closed = true
		r := p.pending
		p.pending = nil
		p.mu.Unlock()
		if r != nil {
			r.done(buffer.Buffer{}, io.EOF)
		}
	}
}

// recorder is a Sink that queues completions and an event log.
type recorder struct {
	reads  chan readResult
	writes chan writeResult

	mu     sync.Mutex
	events []string
}

func newRecorder() *recorder {
	return &recorder{
		reads:  make(chan readResult, 64),
		writes: make(chan writeResult, 64),
	}
}

func (r *recorder) OnReadCompleted(buf buffer.Buffer, err error) {
	r.log("read " + string(buf.Bytes()))
	r.reads <- readResult{buf, err}
}

func (r *recorder) OnWriteCompleted(n int, err error) {
	r.log("write " + strconv.Itoa(n))
	r.writes <- writeResult{n, err}
}

func (r *recorder) log(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

var errTestTimeout = errors.New("timed out waiting for completion")

func writeAll(c *Chain, r *recorder, payload []byte) error {
	bufs := []buffer.Buffer{buffer.Wrap(payload)}
	for bufs != nil {
		c.Write(bufs)
		select {
		case res := <-r.writes:
			if res.err != nil {
				return res.err
			}
			bufs = buffer.Advance(bufs, res.n)
		case <-time.After(5 * time.Second):
			return errTestTimeout
		}
	}
	return nil
}

func readFull(c *Chain, r *recorder, n int) ([]byte, error) {
	var out []byte
	for len(out) < n {
		c.Read(buffer.Buffer{}, n-len(out))
		select {
		case res := <-r.reads:
			if res.err != nil {
				return out, res.err
			}
			out = append(out, res.buf.Bytes()...)
		case <-time.After(5 * time.Second):
			return out, errTestTimeout
		}
	}
	return out, nil
}

type endpoint struct {
	conn  *memConn
	sink  *recorder
	chain *Chain
}

func newEndpoints(t *testing.T, chunk int, proto WireProtocol, a, b []Filter) (*endpoint, *endpoint) {
	t.Helper()
	ca, cb := newMemPair(chunk)
	ea := &endpoint{conn: ca, sink: newRecorder()}
	eb := &endpoint{conn: cb, sink: newRecorder()}
	ea.chain = NewChain(ca, ea.sink, proto, a, nil)
	eb.chain = NewChain(cb, eb.sink, proto, b, nil)
	t.Cleanup(func() {
		require.NoError(t, ea.chain.Close())
		require.NoError(t, eb.chain.Close())
	})
	return ea, eb
}
