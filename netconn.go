// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"net"
	"sync"

	"github.com/luxfi/rpcwire/buffer"
	"github.com/luxfi/rpcwire/filter"
	"github.com/luxfi/rpcwire/internal/reactor"
)

// asyncConn presents a blocking net.Conn as the completion-based
// filter.Conn at the bottom of a chain. Each operation runs on its own
// goroutine and its completion is delivered on the reactor.
//
// A zero-length read waits for one byte and keeps it back; the next real
// read returns it first.
type asyncConn struct {
	conn  net.Conn
	r     *reactor.Reactor
	alloc buffer.Allocator

	mu    sync.Mutex
	stash []byte
}

var _ filter.Conn = (*asyncConn)(nil)

func newAsyncConn(conn net.Conn, r *reactor.Reactor, alloc buffer.Allocator) *asyncConn {
	if alloc == nil {
		alloc = buffer.Heap
	}
	return &asyncConn{conn: conn, r: r, alloc: alloc}
}

func (c *asyncConn) Read(buf buffer.Buffer, n int, done func(buffer.Buffer, error)) {
	go func() {
		b, err := c.read(buf, n)
		c.r.Dispatch(func() { done(b, err) })
	}()
}

func (c *asyncConn) read(buf buffer.Buffer, n int) (buffer.Buffer, error) {
	if n == 0 {
		c.mu.Lock()
		ready := len(c.stash) > 0
		c.mu.Unlock()
		if ready {
			return buffer.Buffer{}, nil
		}
		one := make([]byte, 1)
		k, err := readSome(c.conn, one)
		if k == 0 {
			return buffer.Buffer{}, osError("read", err)
		}
		c.mu.Lock()
		c.stash = append(c.stash, one[:k]...)
		c.mu.Unlock()
		return buffer.Buffer{}, nil
	}

	if buf.Len() < n {
		buf = c.alloc.Alloc(n)
	}
	p := buf.Bytes()[:n]

	c.mu.Lock()
	k := copy(p, c.stash)
	c.stash = c.stash[k:]
	c.mu.Unlock()
	if k > 0 {
		return buf.Slice(0, k), nil
	}

	k, err := readSome(c.conn, p)
	if k > 0 {
		// The error, if any, resurfaces on the next read.
		return buf.Slice(0, k), nil
	}
	return buffer.Buffer{}, osError("read", err)
}

// readSome retries reads that return neither bytes nor an error.
func readSome(conn net.Conn, p []byte) (int, error) {
	for {
		n, err := conn.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func (c *asyncConn) Write(bufs []buffer.Buffer, done func(int, error)) {
	go func() {
		nb := buffer.NetBuffers(bufs)
		n, err := nb.WriteTo(c.conn)
		c.r.Dispatch(func() { done(int(n), osError("write", err)) })
	}()
}

// CloseWrite half-closes the connection when the transport supports it,
// and closes it outright otherwise.
func (c *asyncConn) CloseWrite() error {
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.conn.Close()
}

func (c *asyncConn) Close() error { return c.conn.Close() }

func (c *asyncConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *asyncConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
