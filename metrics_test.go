// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	server, err := NewMetrics(reg)
	require.NoError(t, err)
	client, err := NewMetrics(nil)
	require.NoError(t, err)

	_, srv := startServer(t, negotiating(), WithMetrics(server))
	engine := newClientEngine(t, WithMetrics(client))
	ch := engine.NewChannel(srv.Addr())
	t.Cleanup(func() { _ = ch.Close() })

	_, err = ch.Call(testContext(t), bufs("hello"))
	require.NoError(t, err)
	_, err = ch.Call(testContext(t), bufs("bogus"))
	require.NoError(t, err)

	require.Equal(t, 1.0, testutil.ToFloat64(server.sessionsAccepted))
	require.Equal(t, 1.0, testutil.ToFloat64(server.sessionsActive))
	require.Equal(t, 2.0, testutil.ToFloat64(server.frames.WithLabelValues("in")))
	require.Equal(t, 10.0, testutil.ToFloat64(server.bytes.WithLabelValues("in")))
	require.Equal(t, 1.0, testutil.ToFloat64(server.negotiations.WithLabelValues("unknown filter")))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(server.frames.WithLabelValues("out")) == 2
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(client.calls.WithLabelValues("ok")))
	require.Equal(t, 2.0, testutil.ToFloat64(client.frames.WithLabelValues("in")))

	require.NoError(t, ch.Close())
	_, err = ch.Call(testContext(t), bufs("late"))
	require.ErrorIs(t, err, ErrClosed)
	require.Equal(t, 1.0, testutil.ToFloat64(client.calls.WithLabelValues(CodeClosed.String())))

	require.NoError(t, srv.Close())
	require.Equal(t, 0.0, testutil.ToFloat64(server.sessionsActive))
}

func TestMetricsRejected(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	_, srv := startServer(t, echo(), WithMetrics(m), WithMaxMessageLength(4))
	conn := dialRaw(t, srv)
	_, err = conn.Write([]byte{0, 0, 0, 8})
	require.NoError(t, err)
	_, control := readFrame(t, conn)
	require.True(t, control)
	require.Equal(t, 1.0, testutil.ToFloat64(m.rejected.WithLabelValues(CodeMessageTooLong.String())))
}

func TestMetricsRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)
	_, err = NewMetrics(reg)
	require.Error(t, err)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.sessionOpened()
	m.sessionClosed()
	m.frame("in", 1)
	m.reject(CodeProtocolError)
	m.negotiation("ok")
	m.call(nil)
}
