// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package codec

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/luxfi/rpcwire/buffer"
)

// In is a read cursor over one received message.
type In struct {
	bound          bool
	data           buffer.Buffer
	pos            int
	proto          Protocol
	runtimeVersion uint32
	archiveVersion uint32
}

// Reset binds the cursor to data, encoded with protocol id. It panics if
// the cursor is still bound or id is not registered, and fails with
// ErrVersionMismatch for an archive layout this package does not know.
func (in *In) Reset(data buffer.Buffer, id ProtocolID, runtimeVersion, archiveVersion uint32) error {
	if in.bound {
		panic("codec: In reset while bound to a message")
	}
	p := mustLookup(id)
	if archiveVersion == 0 || archiveVersion > ArchiveVersion {
		return fmt.Errorf("%w: got %d, support up to %d", ErrVersionMismatch, archiveVersion, ArchiveVersion)
	}
	*in = In{
		bound:          true,
		data:           data,
		proto:          p,
		runtimeVersion: runtimeVersion,
		archiveVersion: archiveVersion,
	}
	return nil
}

// Clear unbinds the cursor.
func (in *In) Clear() { *in = In{} }

// Bound reports whether the cursor is bound to a message.
func (in *In) Bound() bool { return in.bound }

// Protocol returns the encoding the cursor is bound to.
func (in *In) Protocol() Protocol { return in.proto }

// Versions returns the runtime and archive versions given to Reset.
func (in *In) Versions() (runtime, archive uint32) {
	return in.runtimeVersion, in.archiveVersion
}

// Remaining returns the number of unread bytes.
func (in *In) Remaining() int { return in.data.Len() - in.pos }

func (in *In) check() {
	if !in.bound {
		panic("codec: In used while not bound to a message")
	}
}

// ExtractSlice returns the next n bytes as a view of the received buffer,
// without copying.
func (in *In) ExtractSlice(n int) (buffer.Buffer, error) {
	in.check()
	if n < 0 || n > in.Remaining() {
		return buffer.Buffer{}, fmt.Errorf("%w: want %d bytes, have %d", ErrReadFailure, n, in.Remaining())
	}
	b := in.data.Slice(in.pos, n)
	in.pos += n
	return b, nil
}

// Rest returns every unread byte without copying.
func (in *In) Rest() buffer.Buffer {
	b, _ := in.ExtractSlice(in.Remaining())
	return b
}

// Read copies up to len(p) unread bytes into p.
func (in *In) Read(p []byte) (int, error) {
	in.check()
	n := copy(p, in.data.Bytes()[in.pos:])
	in.pos += n
	if n < len(p) {
		return n, fmt.Errorf("%w: short read of %d bytes", ErrReadFailure, len(p))
	}
	return n, nil
}

// Decode reads a length-delimited value written by Out.Encode.
func (in *In) Decode(v any) error {
	hdr, err := in.ExtractSlice(4)
	if err != nil {
		return err
	}
	body, err := in.ExtractSlice(int(binary.BigEndian.Uint32(hdr.Bytes())))
	if err != nil {
		return err
	}
	if err := in.proto.Decode(body.Bytes(), v); err != nil {
		return fmt.Errorf("%w: decoding %T as %s: %w", ErrReadFailure, v, in.proto.Name(), err)
	}
	return nil
}

// ReadUvarint reads a protobuf varint.
func (in *In) ReadUvarint() (uint64, error) {
	in.check()
	v, n := protowire.ConsumeVarint(in.data.Bytes()[in.pos:])
	if n < 0 {
		return 0, fmt.Errorf("%w: %w", ErrReadFailure, protowire.ParseError(n))
	}
	in.pos += n
	return v, nil
}

// ReadString reads a string written by Out.WriteString.
func (in *In) ReadString() (string, error) {
	b, err := in.ReadBuffer()
	if err != nil {
		return "", err
	}
	return string(b.Bytes()), nil
}

// ReadBuffer reads a buffer written by Out.WriteBuffer as a view of the
// received data.
func (in *In) ReadBuffer() (buffer.Buffer, error) {
	n, err := in.ReadUvarint()
	if err != nil {
		return buffer.Buffer{}, err
	}
	if n > uint64(in.Remaining()) {
		return buffer.Buffer{}, fmt.Errorf("%w: want %d bytes, have %d", ErrReadFailure, n, in.Remaining())
	}
	return in.ExtractSlice(int(n))
}
