// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	pkgerrors "github.com/pkg/errors"
)

// Code classifies a transport failure. Codes travel on the wire inside error
// frames, so their values are stable.
type Code uint32

const (
	CodeOK Code = iota
	CodeClientCancel
	CodeClientTimeout
	CodeMessageTooLong
	CodeProtocolError
	CodeVersionMismatch
	CodePeerDisconnect
	CodeSocketError
	CodeResolveError
	CodeConnectTimeout
	CodeClosed
	CodeBusy
	CodeRemote
)

var codeNames = map[Code]string{
	CodeOK:              "ok",
	CodeClientCancel:    "client cancel",
	CodeClientTimeout:   "client timeout",
	CodeMessageTooLong:  "message too long",
	CodeProtocolError:   "protocol error",
	CodeVersionMismatch: "version mismatch",
	CodePeerDisconnect:  "peer disconnect",
	CodeSocketError:     "socket error",
	CodeResolveError:    "resolve error",
	CodeConnectTimeout:  "connect timeout",
	CodeClosed:          "closed",
	CodeBusy:            "operation in progress",
	CodeRemote:          "remote error",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", uint32(c))
}

// Error is the error type surfaced by sessions and channels.
type Error struct {
	Code Code
	// Op names the failing primitive ("dial", "read", "write", "resolve",
	// "accept"). Empty for errors raised by the state machines themselves.
	Op      string
	Errno   syscall.Errno
	Context string
	Err     error
}

// Sentinels for errors.Is. A sentinel matches any *Error with the same Code.
var (
	ErrClientCancel    = &Error{Code: CodeClientCancel}
	ErrClientTimeout   = &Error{Code: CodeClientTimeout}
	ErrMessageTooLong  = &Error{Code: CodeMessageTooLong}
	ErrProtocol        = &Error{Code: CodeProtocolError}
	ErrVersionMismatch = &Error{Code: CodeVersionMismatch}
	ErrPeerDisconnect  = &Error{Code: CodePeerDisconnect}
	ErrSocket          = &Error{Code: CodeSocketError}
	ErrResolve         = &Error{Code: CodeResolveError}
	ErrConnectTimeout  = &Error{Code: CodeConnectTimeout}
	ErrClosed          = &Error{Code: CodeClosed}
	ErrBusy            = &Error{Code: CodeBusy}
	ErrRemote          = &Error{Code: CodeRemote}
)

func (e *Error) Error() string {
	msg := "rpcwire: "
	if e.Op != "" {
		msg += e.Op + ": "
	}
	msg += e.Code.String()
	if e.Errno != 0 {
		msg += fmt.Sprintf(" (errno %d)", uintptr(e.Errno))
	}
	if e.Context != "" {
		msg += ": " + e.Context
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(code Code, context string) *Error {
	return &Error{Code: code, Context: context}
}

// osError wraps an I/O failure with the failing primitive and its OS error
// code. Errors that are already classified pass through unchanged.
func osError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	out := &Error{Code: CodeSocketError, Op: op, Err: err}
	// netwrap wraps dial and listen failures with pkg/errors.
	cause := pkgerrors.Cause(err)
	var errno syscall.Errno
	if errors.As(cause, &errno) {
		out.Errno = errno
	}
	var dnsErr *net.DNSError
	switch {
	case errors.As(cause, &dnsErr):
		out.Code = CodeResolveError
		out.Op = "resolve"
	case errors.Is(cause, io.EOF), errors.Is(cause, io.ErrUnexpectedEOF),
		errors.Is(cause, syscall.ECONNRESET), errors.Is(cause, syscall.EPIPE),
		errors.Is(cause, net.ErrClosed):
		out.Code = CodePeerDisconnect
	case isTimeout(cause):
		if op == "dial" {
			out.Code = CodeConnectTimeout
		} else {
			out.Code = CodeClientTimeout
		}
	}
	return out
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isDisconnect reports whether err is an orderly or abrupt peer close.
func isDisconnect(err error) bool {
	return errors.Is(err, ErrPeerDisconnect)
}
