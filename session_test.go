// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/rpcwire/buffer"
	"github.com/luxfi/rpcwire/filter"
)

type sessionSeen struct {
	id    uuid.UUID
	state SessionState
	wire  filter.WireProtocol
}

// recorder echoes and reports what it saw and how sessions ended.
type recorder struct {
	seen   chan sessionSeen
	closed chan error
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan sessionSeen, 16), closed: make(chan error, 16)}
}

func (r *recorder) OnMessageReady(s *Session, payload buffer.Buffer) bool {
	r.seen <- sessionSeen{id: s.ID(), state: s.State(), wire: s.WireProtocol()}
	return s.Reply([]buffer.Buffer{payload}) == nil
}

func (r *recorder) OnSessionClosed(_ *Session, err error) { r.closed <- err }

func TestSessionEcho(t *testing.T) {
	rec := newRecorder()
	_, srv := startServer(t, rec)
	conn := dialRaw(t, srv)

	for _, msg := range []string{"hello", "", "a somewhat longer message"} {
		writeFrame(t, conn, []byte(msg))
		got, control := readFrame(t, conn)
		require.False(t, control)
		require.Equal(t, msg, string(got))
	}

	first := <-rec.seen
	assert.NotEqual(t, uuid.Nil, first.id)
	assert.Equal(t, StateReady, first.state)
	assert.Equal(t, filter.WireTCP, first.wire)

	sessions := srv.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, first.id, sessions[0].ID())
	assert.Equal(t, conn.LocalAddr().String(), sessions[0].RemoteAddr().String())
	_, ok := srv.Session(first.id)
	assert.True(t, ok)
}

func TestSessionPipelinedMessages(t *testing.T) {
	_, srv := startServer(t, echo())
	conn := dialRaw(t, srv)

	// Both frames arrive before the first answer; the second waits for it.
	writeFrame(t, conn, []byte("one"))
	writeFrame(t, conn, []byte("two"))
	got, _ := readFrame(t, conn)
	require.Equal(t, "one", string(got))
	got, _ = readFrame(t, conn)
	require.Equal(t, "two", string(got))
}

func TestSessionRejectsLongMessage(t *testing.T) {
	log, hook := test.NewNullLogger()
	rec := newRecorder()
	_, srv := startServer(t, rec, WithMaxMessageLength(16), WithLogger(log))
	conn := dialRaw(t, srv)

	writeFrame(t, conn, nil)
	got, control := readFrame(t, conn)
	require.False(t, control)
	require.Empty(t, got)

	// Only the header of a 1KiB message is sent; the session must not wait
	// for the body.
	_, err := conn.Write([]byte{0, 0, 4, 0})
	require.NoError(t, err)

	rest, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(rest), 2*LengthSize)
	n, control := decodeLength(rest)
	require.True(t, control)
	require.Len(t, rest, LengthSize+n, "exactly one error frame before close")

	remote := parseControl(rest[LengthSize:])
	require.ErrorIs(t, remote, ErrMessageTooLong)
	assert.Contains(t, remote.Context, "exceeds limit")

	closeErr := <-rec.closed
	require.ErrorIs(t, closeErr, ErrMessageTooLong)
	require.Eventually(t, func() bool { return len(srv.Sessions()) == 0 }, time.Second, 10*time.Millisecond)

	var rejected bool
	for _, e := range hook.AllEntries() {
		if e.Message == "rejecting frame" && e.Level == logrus.InfoLevel {
			rejected = true
		}
	}
	assert.True(t, rejected)
}

func TestSessionClosesOnPeerErrorFrame(t *testing.T) {
	rec := newRecorder()
	_, srv := startServer(t, rec)
	conn := dialRaw(t, srv)

	frame := buffer.Join(errorFrame(CodeProtocolError, "bye"))
	_, err := conn.Write(frame)
	require.NoError(t, err)

	closeErr := <-rec.closed
	require.ErrorIs(t, closeErr, ErrProtocol)
	var e *Error
	require.True(t, errors.As(closeErr, &e))
	assert.Equal(t, "bye", e.Context)

	_, err = conn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestSessionPeerDisconnect(t *testing.T) {
	rec := newRecorder()
	_, srv := startServer(t, rec)
	conn := dialRaw(t, srv)

	writeFrame(t, conn, []byte("x"))
	readFrame(t, conn)
	require.NoError(t, conn.Close())

	closeErr := <-rec.closed
	require.ErrorIs(t, closeErr, ErrPeerDisconnect)
	require.Eventually(t, func() bool { return len(srv.Sessions()) == 0 }, time.Second, 10*time.Millisecond)
}

// negotiating installs the xor filter on "xor" and answers with the status.
func negotiating() DispatcherFunc {
	return func(s *Session, payload buffer.Buffer) bool {
		var status filter.Status
		switch string(payload.Bytes()) {
		case "xor":
			status = s.ProposeTransport([]filter.ID{filter.IDXor})
		case "lock":
			s.LockFilters()
			status = s.ProposeTransport([]filter.ID{filter.IDXor})
		case "bogus":
			status = s.ProposeTransport([]filter.ID{filter.IDKerberos})
		default:
			return s.Reply([]buffer.Buffer{payload}) == nil
		}
		return s.Reply([]buffer.Buffer{buffer.Wrap(filter.EncodeStatus(status))}) == nil
	}
}

func readStatus(t *testing.T, r io.Reader) filter.Status {
	t.Helper()
	payload, control := readFrame(t, r)
	require.False(t, control)
	status, err := filter.DecodeStatus(payload)
	require.NoError(t, err)
	return status
}

func TestSessionNegotiationTakesEffectAfterReply(t *testing.T) {
	_, srv := startServer(t, negotiating())
	conn := dialRaw(t, srv)

	writeFrame(t, conn, []byte("xor"))
	// The answer to the proposal still travels in the clear.
	require.Equal(t, filter.StatusOK, readStatus(t, conn))

	x := xorStream{rw: conn, key: filter.DefaultXorKey}
	writeFrame(t, x, []byte("ping"))
	got, control := readFrame(t, x)
	require.False(t, control)
	require.Equal(t, "ping", string(got))

	sessions := srv.Sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, []filter.ID{filter.IDXor}, sessions[0].TransportFilters())
}

func TestSessionNegotiationRejected(t *testing.T) {
	_, srv := startServer(t, negotiating(), WithAllowedProtocols(filter.ProtocolClear, filter.ProtocolCompression))
	conn := dialRaw(t, srv)

	writeFrame(t, conn, []byte("bogus"))
	require.Equal(t, filter.StatusUnknownFilter, readStatus(t, conn))

	writeFrame(t, conn, []byte("lock"))
	require.Equal(t, filter.StatusFiltersLocked, readStatus(t, conn))

	// Nothing was installed, so the connection is still clear.
	writeFrame(t, conn, []byte("plain"))
	got, _ := readFrame(t, conn)
	require.Equal(t, "plain", string(got))
	require.Empty(t, srv.Sessions()[0].TransportFilters())
}

func TestSessionSendUnsolicited(t *testing.T) {
	_, srv := startServer(t, DispatcherFunc(func(s *Session, payload buffer.Buffer) bool {
		// Notifications ahead of the reply keep their order.
		assert.NoError(t, s.Send(bufs("note-1")))
		assert.NoError(t, s.Send(bufs("note-", "2")))
		return s.Reply([]buffer.Buffer{payload}) == nil
	}))
	conn := dialRaw(t, srv)

	writeFrame(t, conn, []byte("req"))
	for _, want := range []string{"note-1", "note-2", "req"} {
		got, _ := readFrame(t, conn)
		require.Equal(t, want, string(got))
	}
}

func TestSessionReplyTooLong(t *testing.T) {
	errs := make(chan error, 1)
	_, srv := startServer(t, DispatcherFunc(func(s *Session, payload buffer.Buffer) bool {
		errs <- s.Reply([]buffer.Buffer{buffer.New(64)})
		return s.Reply([]buffer.Buffer{payload}) == nil
	}), WithMaxMessageLength(32))
	conn := dialRaw(t, srv)

	writeFrame(t, conn, []byte("small"))
	require.ErrorIs(t, <-errs, ErrMessageTooLong)
	got, _ := readFrame(t, conn)
	require.Equal(t, "small", string(got))
}
