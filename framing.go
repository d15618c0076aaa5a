// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"encoding/binary"
	"fmt"

	"github.com/luxfi/rpcwire/buffer"
)

// Frame layout: a 4-byte big-endian length followed by that many payload
// bytes. The top bit of the length marks a control frame whose payload is
// [code u32][context]. Under custom framing the header travels as the first
// bytes of the body instead.
const (
	LengthSize = 4

	controlBit = 1 << 31

	// MaxMessageLength is the largest length a frame header can carry.
	MaxMessageLength = controlBit - 1

	DefaultMaxMessageLength = 64 << 20

	maxErrorContext = 256
)

func decodeLength(p []byte) (n int, control bool) {
	v := binary.BigEndian.Uint32(p)
	return int(v &^ controlBit), v&controlBit != 0
}

// frameMessage prepends a length header to bufs. The header is written into
// the first buffer's left margin when it has room, otherwise a separate
// 4-byte buffer leads the list.
func frameMessage(bufs []buffer.Buffer) []buffer.Buffer {
	n := uint32(buffer.TotalLen(bufs))
	out := make([]buffer.Buffer, 0, len(bufs)+1)
	if len(bufs) > 0 && bufs[0].LeftMargin() >= LengthSize {
		first := bufs[0]
		first.ExpandIntoLeftMargin(LengthSize)
		binary.BigEndian.PutUint32(first.Bytes(), n)
		out = append(out, first)
		return append(out, bufs[1:]...)
	}
	hdr := buffer.New(LengthSize)
	binary.BigEndian.PutUint32(hdr.Bytes(), n)
	out = append(out, hdr)
	return append(out, bufs...)
}

// errorFrame encodes a control frame for code. The same bytes serve both
// framings: a regular reader sees a flagged header, a custom-framed reader a
// body that starts with one.
func errorFrame(code Code, context string) []buffer.Buffer {
	if len(context) > maxErrorContext {
		context = context[:maxErrorContext]
	}
	p := make([]byte, 2*LengthSize+len(context))
	binary.BigEndian.PutUint32(p, controlBit|uint32(LengthSize+len(context)))
	binary.BigEndian.PutUint32(p[LengthSize:], uint32(code))
	copy(p[2*LengthSize:], context)
	return []buffer.Buffer{buffer.Wrap(p)}
}

// isControlBody reports whether a custom-framed body is a control frame.
func isControlBody(body []byte) bool {
	if len(body) < 2*LengthSize {
		return false
	}
	n, control := decodeLength(body)
	return control && n == len(body)-LengthSize
}

// checkCustomFrame rejects payloads a custom-framed peer could not read
// back: frames shorter than the bootstrap read and bodies that start with a
// control frame header covering the rest of the body.
func checkCustomFrame(op string, bufs []buffer.Buffer) *Error {
	n := buffer.TotalLen(bufs)
	if n < LengthSize {
		return &Error{
			Code:    CodeProtocolError,
			Op:      op,
			Context: fmt.Sprintf("custom frame of %d bytes is shorter than %d", n, LengthSize),
		}
	}
	if n < 2*LengthSize {
		return nil
	}
	var hdr [LengthSize]byte
	k := 0
	for _, b := range bufs {
		if k += copy(hdr[k:], b.Bytes()); k == LengthSize {
			break
		}
	}
	if l, control := decodeLength(hdr[:]); control && l == n-LengthSize {
		return &Error{Code: CodeProtocolError, Op: op, Context: "payload carries a control frame header"}
	}
	return nil
}

// parseControl decodes the payload of a control frame, header excluded.
func parseControl(payload []byte) *Error {
	if len(payload) < LengthSize {
		return newError(CodeProtocolError, "short control frame")
	}
	return &Error{
		Code:    Code(binary.BigEndian.Uint32(payload)),
		Op:      "remote",
		Context: string(payload[LengthSize:]),
	}
}
