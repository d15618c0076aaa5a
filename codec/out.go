// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/luxfi/rpcwire/buffer"
)

// ArchiveVersion is the newest message layout this package writes and reads.
const ArchiveVersion = 1

// DefaultLimit bounds the serialized stream of one message.
const DefaultLimit = 1<<31 - 1

var (
	ErrWriteFailure    = errors.New("codec: write failure")
	ErrReadFailure     = errors.New("codec: read failure")
	ErrVersionMismatch = errors.New("codec: archive version mismatch")
)

type splice struct {
	off int
	buf buffer.Buffer
}

// Out assembles one outgoing message. Values are encoded into a stream
// buffer; buffers passed to Insert are referenced in place instead of being
// copied. Reset binds an Out to a message and Clear unbinds it.
type Out struct {
	limit int

	bound          bool
	proto          Protocol
	runtimeVersion uint32
	archiveVersion uint32
	margin         int
	stream         []byte
	splices        []splice
}

// NewOut returns an Out whose serialized stream may not exceed limit bytes,
// not counting spliced buffers. A limit of zero selects DefaultLimit.
func NewOut(limit int) *Out {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Out{limit: limit}
}

// Reset binds the Out to a new message encoded with protocol id. margin bytes
// are reserved in front of the stream for a transport header, and prefix,
// if not empty, is spliced in as the first bytes of the message. Reset panics
// if the Out is still bound or id is not registered.
func (o *Out) Reset(id ProtocolID, margin int, prefix buffer.Buffer, runtimeVersion, archiveVersion uint32) {
	if o.bound {
		panic("codec: Out reset while bound to a message")
	}
	if o.limit == 0 {
		o.limit = DefaultLimit
	}
	o.proto = mustLookup(id)
	o.bound = true
	o.runtimeVersion = runtimeVersion
	o.archiveVersion = archiveVersion
	o.margin = margin
	o.stream = make([]byte, margin, margin+256)
	o.splices = o.splices[:0]
	if !prefix.IsEmpty() {
		o.splices = append(o.splices, splice{off: margin, buf: prefix})
	}
}

// Clear unbinds the Out. Buffers already extracted stay valid.
func (o *Out) Clear() {
	o.bound = false
	o.proto = nil
	o.stream = nil
	o.splices = nil
}

// Bound reports whether the Out is bound to a message.
func (o *Out) Bound() bool { return o.bound }

// Protocol returns the encoding the Out is bound to.
func (o *Out) Protocol() Protocol { return o.proto }

// Versions returns the runtime and archive versions given to Reset.
func (o *Out) Versions() (runtime, archive uint32) {
	return o.runtimeVersion, o.archiveVersion
}

// Len returns the message length so far, spliced buffers included.
func (o *Out) Len() int {
	n := len(o.stream) - o.margin
	for _, s := range o.splices {
		n += s.buf.Len()
	}
	return n
}

func (o *Out) check() {
	if !o.bound {
		panic("codec: Out used while not bound to a message")
	}
}

func (o *Out) grow(n int) error {
	if len(o.stream)-o.margin+n > o.limit {
		return fmt.Errorf("%w: stream would exceed %d bytes", ErrWriteFailure, o.limit)
	}
	return nil
}

// Encode appends v as a length-delimited value in the bound protocol.
func (o *Out) Encode(v any) error {
	o.check()
	start := len(o.stream)
	stream, err := o.proto.Append(append(o.stream, 0, 0, 0, 0), v)
	if err != nil {
		o.stream = o.stream[:start]
		return fmt.Errorf("%w: encoding %T as %s: %w", ErrWriteFailure, v, o.proto.Name(), err)
	}
	n := len(stream) - start - 4
	if start-o.margin+4+n > o.limit {
		o.stream = stream[:start]
		return fmt.Errorf("%w: stream would exceed %d bytes", ErrWriteFailure, o.limit)
	}
	binary.BigEndian.PutUint32(stream[start:], uint32(n))
	o.stream = stream
	return nil
}

// Write appends raw bytes to the stream.
func (o *Out) Write(p []byte) (int, error) {
	o.check()
	if err := o.grow(len(p)); err != nil {
		return 0, err
	}
	o.stream = append(o.stream, p...)
	return len(p), nil
}

// WriteUvarint appends v as a protobuf varint.
func (o *Out) WriteUvarint(v uint64) error {
	o.check()
	if err := o.grow(protowire.SizeVarint(v)); err != nil {
		return err
	}
	o.stream = protowire.AppendVarint(o.stream, v)
	return nil
}

// WriteString appends s with a varint length.
func (o *Out) WriteString(s string) error {
	if err := o.WriteUvarint(uint64(len(s))); err != nil {
		return err
	}
	_, err := o.Write([]byte(s))
	return err
}

// Insert splices b into the message at the current position. The bytes of b
// are not copied and must not change until the message has been sent.
func (o *Out) Insert(b buffer.Buffer) {
	o.check()
	if b.IsEmpty() {
		return
	}
	o.splices = append(o.splices, splice{off: len(o.stream), buf: b})
}

// WriteBuffer appends b with a varint length, splicing it when splice is
// set and copying it otherwise. In.ReadBuffer reads either form.
func (o *Out) WriteBuffer(b buffer.Buffer, splice bool) error {
	if err := o.WriteUvarint(uint64(b.Len())); err != nil {
		return err
	}
	if splice {
		o.Insert(b)
		return nil
	}
	_, err := o.Write(b.Bytes())
	return err
}

// ExtractByteBuffers returns the message as text segments of the stream
// interleaved with the spliced buffers, empty segments omitted. The first
// segment of the stream carries the reserved margin.
func (o *Out) ExtractByteBuffers() []buffer.Buffer {
	o.check()
	out := make([]buffer.Buffer, 0, 2*len(o.splices)+1)
	start := o.margin
	text := func(end int) {
		if end <= start {
			return
		}
		if start == o.margin {
			out = append(out, buffer.WrapWithMargin(o.stream[:end:end], o.margin))
		} else {
			out = append(out, buffer.Wrap(o.stream[start:end:end]))
		}
	}
	for _, s := range o.splices {
		text(s.off)
		start = max(start, s.off)
		out = append(out, s.buf)
	}
	text(len(o.stream))
	return out
}
