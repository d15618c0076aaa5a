// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/luxfi/rpcwire/buffer"
)

type order struct {
	Symbol string `json:"symbol" bencode:"symbol" codec:"symbol"`
	Qty    int64  `json:"qty" bencode:"qty" codec:"qty"`
}

func TestProtocolsRoundTrip(t *testing.T) {
	for _, id := range []ProtocolID{ProtocolJSON, ProtocolMsgpack, ProtocolCBOR, ProtocolBencode} {
		p, ok := Lookup(id)
		require.True(t, ok)
		t.Run(p.Name(), func(t *testing.T) {
			out := NewOut(0)
			out.Reset(id, 4, buffer.Buffer{}, 1, ArchiveVersion)
			require.NoError(t, out.Encode(order{"LUX", 42}))
			require.NoError(t, out.WriteString("tail"))

			var in In
			require.NoError(t, in.Reset(buffer.Wrap(joinFrom(out.ExtractByteBuffers())), id, 1, ArchiveVersion))
			var got order
			require.NoError(t, in.Decode(&got))
			require.Equal(t, order{"LUX", 42}, got)
			s, err := in.ReadString()
			require.NoError(t, err)
			require.Equal(t, "tail", s)
			require.Zero(t, in.Remaining())
		})
	}
}

func TestProtobufProtocol(t *testing.T) {
	out := NewOut(0)
	out.Reset(ProtocolProtobuf, 0, buffer.Buffer{}, 1, ArchiveVersion)
	require.NoError(t, out.Encode(wrapperspb.String("hello")))
	require.ErrorIs(t, out.Encode(order{}), ErrWriteFailure)

	var in In
	require.NoError(t, in.Reset(buffer.Wrap(joinFrom(out.ExtractByteBuffers())), ProtocolProtobuf, 1, ArchiveVersion))
	got := &wrapperspb.StringValue{}
	require.NoError(t, in.Decode(got))
	require.True(t, proto.Equal(wrapperspb.String("hello"), got))
}

func TestSpliceIsTransparent(t *testing.T) {
	big := buffer.Wrap(bytes.Repeat([]byte{0xab}, 4096))
	small := buffer.Wrap([]byte("xyz"))
	prefix := buffer.Wrap([]byte("PFX"))

	write := func(splice bool) *Out {
		out := NewOut(0)
		out.Reset(ProtocolJSON, 4, prefix, 1, ArchiveVersion)
		require.NoError(t, out.Encode(map[string]int{"a": 1}))
		require.NoError(t, out.WriteBuffer(big, splice))
		require.NoError(t, out.WriteBuffer(buffer.Buffer{}, splice))
		require.NoError(t, out.WriteBuffer(small, splice))
		require.NoError(t, out.WriteBuffer(small, splice))
		require.NoError(t, out.WriteString("end"))
		return out
	}

	spliced := write(true)
	copied := write(false)
	sb, cb := spliced.ExtractByteBuffers(), copied.ExtractByteBuffers()
	require.Equal(t, joinFrom(cb), joinFrom(sb))
	require.Equal(t, spliced.Len(), copied.Len())
	require.Equal(t, len(joinFrom(sb)), spliced.Len())

	// Spliced views are the caller's buffers, not copies.
	found := 0
	for _, b := range sb {
		require.False(t, b.IsEmpty(), "empty segments are omitted")
		if buffer.SameData(b, big) || buffer.SameData(b, small) {
			found++
		}
	}
	require.Equal(t, 3, found)
	require.True(t, buffer.SameData(sb[0], prefix), "prefix leads the message")
}

func TestFirstSegmentCarriesMargin(t *testing.T) {
	out := NewOut(0)
	out.Reset(ProtocolJSON, 8, buffer.Buffer{}, 1, ArchiveVersion)
	_, err := out.Write([]byte("body"))
	require.NoError(t, err)
	bufs := out.ExtractByteBuffers()
	require.Len(t, bufs, 1)
	require.Equal(t, 8, bufs[0].LeftMargin())
	require.Equal(t, "body", string(bufs[0].Bytes()))

	bufs[0].ExpandIntoLeftMargin(4)
	require.Equal(t, 8, bufs[0].Len())
}

func TestExtractSliceIsZeroCopy(t *testing.T) {
	out := NewOut(0)
	out.Reset(ProtocolCBOR, 0, buffer.Buffer{}, 1, ArchiveVersion)
	require.NoError(t, out.WriteBuffer(buffer.Wrap([]byte("payload")), true))
	data := buffer.Wrap(joinFrom(out.ExtractByteBuffers()))

	var in In
	require.NoError(t, in.Reset(data, ProtocolCBOR, 1, ArchiveVersion))
	got, err := in.ReadBuffer()
	require.NoError(t, err)
	require.Equal(t, "payload", string(got.Bytes()))
	require.True(t, buffer.SharesOwner(got, data))
}

func TestReadPastEnd(t *testing.T) {
	var in In
	require.NoError(t, in.Reset(buffer.Wrap([]byte{0, 0, 0, 9, 1}), ProtocolJSON, 1, ArchiveVersion))
	var v any
	require.ErrorIs(t, in.Decode(&v), ErrReadFailure)

	in.Clear()
	require.NoError(t, in.Reset(buffer.Wrap([]byte{0x80}), ProtocolJSON, 1, ArchiveVersion))
	_, err := in.ReadUvarint()
	require.ErrorIs(t, err, ErrReadFailure)

	in.Clear()
	require.NoError(t, in.Reset(buffer.Wrap([]byte{5, 'a'}), ProtocolJSON, 1, ArchiveVersion))
	_, err = in.ReadBuffer()
	require.ErrorIs(t, err, ErrReadFailure)
}

func TestWriteLimit(t *testing.T) {
	out := NewOut(8)
	out.Reset(ProtocolJSON, 4, buffer.Buffer{}, 1, ArchiveVersion)
	_, err := out.Write([]byte("12345678"))
	require.NoError(t, err)
	_, err = out.Write([]byte("9"))
	require.ErrorIs(t, err, ErrWriteFailure)
	require.ErrorIs(t, out.Encode("x"), ErrWriteFailure)

	// Spliced buffers do not count against the stream limit.
	out.Insert(buffer.Wrap(make([]byte, 64)))
	require.Equal(t, 72, out.Len())
}

func TestBindingRules(t *testing.T) {
	out := NewOut(0)
	require.Panics(t, func() { out.Insert(buffer.Wrap([]byte("x"))) })
	out.Reset(ProtocolJSON, 0, buffer.Buffer{}, 1, ArchiveVersion)
	require.Panics(t, func() { out.Reset(ProtocolJSON, 0, buffer.Buffer{}, 1, ArchiveVersion) })
	out.Clear()
	require.NotPanics(t, func() { out.Reset(ProtocolJSON, 0, buffer.Buffer{}, 1, ArchiveVersion) })
	out.Clear()
	require.Panics(t, func() { out.Reset(ProtocolID(200), 0, buffer.Buffer{}, 1, ArchiveVersion) })

	var in In
	data := buffer.Wrap([]byte("x"))
	require.ErrorIs(t, in.Reset(data, ProtocolJSON, 1, ArchiveVersion+1), ErrVersionMismatch)
	require.False(t, in.Bound())
	require.NoError(t, in.Reset(data, ProtocolJSON, 1, ArchiveVersion))
	require.Panics(t, func() { _ = in.Reset(data, ProtocolJSON, 1, ArchiveVersion) })
	in.Clear()
	require.Panics(t, func() { _ = in.Reset(data, ProtocolID(200), 1, ArchiveVersion) })
}

func TestRegistry(t *testing.T) {
	require.Equal(t, []ProtocolID{ProtocolJSON, ProtocolMsgpack, ProtocolCBOR, ProtocolBencode, ProtocolProtobuf}, Available())
	p, ok := ByName("msgpack")
	require.True(t, ok)
	require.Equal(t, ProtocolMsgpack, p.ID())
	_, ok = ByName("xml")
	require.False(t, ok)
}

func joinFrom(bufs []buffer.Buffer) []byte {
	return buffer.Join(bufs)
}
