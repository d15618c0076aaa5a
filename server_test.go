// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"context"
	"errors"
	"io"
	"net"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServerSessionsAndClose(t *testing.T) {
	rec := newRecorder()
	_, srv := startServer(t, rec)

	conns := make([]net.Conn, 3)
	for i := range conns {
		conns[i] = dialRaw(t, srv)
		writeFrame(t, conns[i], []byte("hi"))
		readFrame(t, conns[i])
	}

	sessions := srv.Sessions()
	require.Len(t, sessions, 3)
	require.True(t, slices.IsSortedFunc(sessions, func(a, b *Session) int {
		return strings.Compare(a.ID().String(), b.ID().String())
	}))

	require.NoError(t, srv.Close())
	require.Empty(t, srv.Sessions())
	for _, c := range conns {
		_, err := c.Read(make([]byte, 1))
		require.ErrorIs(t, err, io.EOF)
	}
	for range conns {
		<-rec.closed
	}
	for _, s := range sessions {
		require.Equal(t, StateClosed, s.State())
		select {
		case <-s.Done():
		default:
			t.Fatal("session context not cancelled")
		}
	}

	// Closing twice is harmless.
	require.NoError(t, srv.Close())
}

func TestServerServeStopsOnContext(t *testing.T) {
	engine := newClientEngine(t)
	srv, err := engine.Listen(loopback, SessionFactoryFunc(func(*Session) (Dispatcher, error) {
		return echo(), nil
	}), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	_, err = net.Dial("tcp", srv.Addr().String())
	require.Error(t, err)
}

func TestServerRefusedSession(t *testing.T) {
	refused := errors.New("not today")
	engine := newClientEngine(t)
	srv, err := engine.Listen(loopback, SessionFactoryFunc(func(*Session) (Dispatcher, error) {
		return nil, refused
	}), nil)
	require.NoError(t, err)
	go func() { _ = srv.Serve(context.Background()) }()
	t.Cleanup(func() { _ = srv.Close() })

	conn := dialRaw(t, srv)
	_, err = conn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
	require.Empty(t, srv.Sessions())
}
