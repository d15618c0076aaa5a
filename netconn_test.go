// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"io"
	"net"
	"testing"

	"github.com/prep/socketpair"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/rpcwire/buffer"
	"github.com/luxfi/rpcwire/internal/reactor"
)

type readResult struct {
	buf buffer.Buffer
	err error
}

func newConnPair(t *testing.T) (*asyncConn, net.Conn) {
	t.Helper()
	a, b, err := socketpair.New("unix")
	require.NoError(t, err)
	r := reactor.New(2, quietLogger())
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
		require.NoError(t, r.Close())
	})
	return newAsyncConn(a, r, nil), b
}

func (c *asyncConn) readSync(buf buffer.Buffer, n int) readResult {
	done := make(chan readResult, 1)
	c.Read(buf, n, func(b buffer.Buffer, err error) { done <- readResult{b, err} })
	return <-done
}

func TestAsyncConnProbeKeepsByte(t *testing.T) {
	conn, peer := newConnPair(t)

	_, err := peer.Write([]byte("x"))
	require.NoError(t, err)
	r := conn.readSync(buffer.Buffer{}, 0)
	require.NoError(t, r.err)
	require.Zero(t, r.buf.Len())

	// A second probe finds the stashed byte without touching the socket.
	r = conn.readSync(buffer.Buffer{}, 0)
	require.NoError(t, r.err)

	_, err = peer.Write([]byte("yz"))
	require.NoError(t, err)
	r = conn.readSync(buffer.New(8), 3)
	require.NoError(t, r.err)
	require.Equal(t, "x", string(r.buf.Bytes()))

	var got []byte
	for len(got) < 2 {
		r = conn.readSync(buffer.Buffer{}, 2-len(got))
		require.NoError(t, r.err)
		got = append(got, r.buf.Bytes()...)
	}
	require.Equal(t, "yz", string(got))
}

func TestAsyncConnWrite(t *testing.T) {
	conn, peer := newConnPair(t)

	type writeResult struct {
		n   int
		err error
	}
	done := make(chan writeResult, 1)
	conn.Write(bufs("hello ", "world"), func(n int, err error) { done <- writeResult{n, err} })
	w := <-done
	require.NoError(t, w.err)
	require.Equal(t, 11, w.n)

	got := make([]byte, 11)
	_, err := io.ReadFull(peer, got)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))
}

func TestAsyncConnEOF(t *testing.T) {
	conn, peer := newConnPair(t)
	require.NoError(t, peer.Close())

	r := conn.readSync(buffer.New(4), 4)
	require.ErrorIs(t, r.err, ErrPeerDisconnect)

	r = conn.readSync(buffer.Buffer{}, 0)
	require.ErrorIs(t, r.err, ErrPeerDisconnect)
}

func TestAsyncConnCloseWrite(t *testing.T) {
	conn, peer := newConnPair(t)
	require.NoError(t, conn.CloseWrite())

	_, err := peer.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}
