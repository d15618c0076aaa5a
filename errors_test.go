// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("calling: %w", &Error{Code: CodeBusy, Op: "call", Context: "send in progress"})
	require.ErrorIs(t, err, ErrBusy)
	require.NotErrorIs(t, err, ErrClosed)
}

func TestErrorString(t *testing.T) {
	e := &Error{Code: CodeSocketError, Op: "dial", Errno: syscall.ECONNREFUSED, Context: "ctx", Err: io.EOF}
	assert.Equal(t, "rpcwire: dial: socket error (errno 111): ctx: EOF", e.Error())
	assert.Equal(t, "rpcwire: operation in progress", (&Error{Code: CodeBusy}).Error())
	assert.Equal(t, "code(99)", Code(99).String())
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestOSError(t *testing.T) {
	tests := []struct {
		name  string
		op    string
		err   error
		code  Code
		op2   string
		errno syscall.Errno
	}{
		{"eof", "read", io.EOF, CodePeerDisconnect, "read", 0},
		{"unexpected eof", "read", io.ErrUnexpectedEOF, CodePeerDisconnect, "read", 0},
		{"reset", "read", &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, CodePeerDisconnect, "read", syscall.ECONNRESET},
		{"pipe", "write", &net.OpError{Op: "write", Err: os.NewSyscallError("write", syscall.EPIPE)}, CodePeerDisconnect, "write", syscall.EPIPE},
		{"refused", "dial", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, CodeSocketError, "dial", syscall.ECONNREFUSED},
		{"dns", "dial", &net.OpError{Op: "dial", Err: &net.DNSError{Err: "no such host", Name: "nowhere.invalid"}}, CodeResolveError, "resolve", 0},
		{"dial timeout", "dial", timeoutErr{}, CodeConnectTimeout, "dial", 0},
		{"read timeout", "read", os.ErrDeadlineExceeded, CodeClientTimeout, "read", 0},
		{"wrapped refused", "dial", pkgerrors.Wrap(&net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, "netwrap: dial failed"), CodeSocketError, "dial", syscall.ECONNREFUSED},
		{"wrapped dns", "dial", pkgerrors.Wrap(&net.OpError{Op: "dial", Err: &net.DNSError{Err: "no such host", Name: "nowhere.invalid"}}, "netwrap: dial failed"), CodeResolveError, "resolve", 0},
		{"wrapped timeout", "dial", pkgerrors.Wrap(timeoutErr{}, "netwrap: dial failed"), CodeConnectTimeout, "dial", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := osError(tt.op, tt.err)
			var e *Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, tt.code, e.Code)
			assert.Equal(t, tt.op2, e.Op)
			assert.Equal(t, tt.errno, e.Errno)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestOSErrorPassesThrough(t *testing.T) {
	require.NoError(t, osError("read", nil))
	orig := &Error{Code: CodeMessageTooLong}
	require.Same(t, orig, osError("read", orig))
}
