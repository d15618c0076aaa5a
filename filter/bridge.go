// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package filter

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ssbc/go-netwrap"

	"github.com/luxfi/rpcwire/buffer"
)

var ErrBridgeClosed = errors.New("filter: bridge closed")

// Bridge runs a blocking stream engine, such as crypto/tls or a
// secret-handshake wrapper, as a filter. The engine sees a net.Conn whose
// Read and Write are served by the next stage of the chain; calls from the
// application side run the engine on their own goroutine and complete
// through the usual callbacks.
type Bridge struct {
	Base
	id   ID
	wrap netwrap.ConnWrapper

	lower *lowerConn
	once  sync.Once
	conn  net.Conn
	err   error

	stashMu sync.Mutex
	stash   []byte
}

// NewBridge returns a filter that runs wrap over the rest of the chain. The
// wrapper is invoked lazily on first use.
func NewBridge(id ID, wrap netwrap.ConnWrapper) *Bridge {
	b := &Bridge{id: id, wrap: wrap}
	b.lower = &lowerConn{
		b:     b,
		reads: make(chan readResult, 1),
		write: make(chan writeResult, 1),
		done:  make(chan struct{}),
	}
	return b
}

func (b *Bridge) ID() ID { return b.id }

func (b *Bridge) engine() (net.Conn, error) {
	b.once.Do(func() {
		b.conn, b.err = b.wrap(b.lower)
	})
	return b.conn, b.err
}

func (b *Bridge) Read(buf buffer.Buffer, n int) {
	go b.read(buf, n)
}

func (b *Bridge) read(buf buffer.Buffer, n int) {
	conn, err := b.engine()
	if err != nil {
		b.Prev().OnReadCompleted(buffer.Buffer{}, err)
		return
	}

	b.stashMu.Lock()
	stashed := len(b.stash) > 0
	b.stashMu.Unlock()

	if n == 0 {
		if stashed {
			b.Prev().OnReadCompleted(buffer.Buffer{}, nil)
			return
		}
		one := make([]byte, 1)
		k, err := conn.Read(one)
		if k > 0 {
			b.stashMu.Lock()
			b.stash = append(b.stash, one[:k]...)
			b.stashMu.Unlock()
		}
		if k > 0 {
			err = nil
		}
		b.Prev().OnReadCompleted(buffer.Buffer{}, err)
		return
	}

	if buf.Len() < n {
		buf = buffer.New(n)
	}
	p := buf.Bytes()[:n]
	if stashed {
		b.stashMu.Lock()
		k := copy(p, b.stash)
		b.stash = b.stash[k:]
		b.stashMu.Unlock()
		b.Prev().OnReadCompleted(buf.Slice(0, k), nil)
		return
	}
	k, err := conn.Read(p)
	if k > 0 {
		err = nil
	}
	b.Prev().OnReadCompleted(buf.Slice(0, k), err)
}

func (b *Bridge) Write(bufs []buffer.Buffer) {
	go b.write(bufs)
}

func (b *Bridge) write(bufs []buffer.Buffer) {
	conn, err := b.engine()
	if err != nil {
		b.Prev().OnWriteCompleted(0, err)
		return
	}
	n, err := conn.Write(buffer.Join(bufs))
	b.Prev().OnWriteCompleted(n, err)
}

// OnReadCompleted and OnWriteCompleted come from the next stage and feed the
// engine's blocked Read or Write.
func (b *Bridge) OnReadCompleted(buf buffer.Buffer, err error) {
	b.lower.reads <- readResult{buf, err}
}

func (b *Bridge) OnWriteCompleted(n int, err error) {
	b.lower.write <- writeResult{n, err}
}

// Close unblocks the engine. The engine itself is not closed: a closing
// handshake would need the connection that is being torn down.
func (b *Bridge) Close() error {
	b.lower.closeOnce.Do(func() { close(b.lower.done) })
	return nil
}

type readResult struct {
	buf buffer.Buffer
	err error
}

type writeResult struct {
	n   int
	err error
}

// lowerConn is the net.Conn handed to the engine.
type lowerConn struct {
	b *Bridge

	rmu   sync.Mutex
	reads chan readResult
	wmu   sync.Mutex
	write chan writeResult

	closeOnce sync.Once
	done      chan struct{}
}

func (c *lowerConn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.rmu.Lock()
	defer c.rmu.Unlock()
	c.b.Next().Read(buffer.Wrap(p), len(p))
	select {
	case r := <-c.reads:
		n := buffer.CopyAt(buffer.Wrap(p), 0, r.buf)
		if n > 0 {
			return n, nil
		}
		return 0, r.err
	case <-c.done:
		return 0, ErrBridgeClosed
	}
}

func (c *lowerConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	bufs := []buffer.Buffer{buffer.Wrap(append([]byte(nil), p...))}
	written := 0
	for bufs != nil {
		c.b.Next().Write(bufs)
		select {
		case r := <-c.write:
			if r.err != nil {
				return written, r.err
			}
			if r.n == 0 {
				return written, io.ErrShortWrite
			}
			written += r.n
			bufs = buffer.Advance(bufs, r.n)
		case <-c.done:
			return written, ErrBridgeClosed
		}
	}
	return written, nil
}

func (c *lowerConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *lowerConn) LocalAddr() net.Addr              { return chainAddr{} }
func (c *lowerConn) RemoteAddr() net.Addr             { return chainAddr{} }
func (c *lowerConn) SetDeadline(time.Time) error      { return nil }
func (c *lowerConn) SetReadDeadline(time.Time) error  { return nil }
func (c *lowerConn) SetWriteDeadline(time.Time) error { return nil }

type chainAddr struct{}

func (chainAddr) Network() string { return "rpcwire" }
func (chainAddr) String() string  { return "filter-chain" }
