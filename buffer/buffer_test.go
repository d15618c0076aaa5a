// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package buffer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSliceSharesOwner(t *testing.T) {
	b := Wrap([]byte("hello, wire"))

	for o := 0; o <= b.Len(); o++ {
		for _, l := range []int{0, 1, 3, All, 100} {
			s := b.Slice(o, l)
			want := b.Len() - o
			if l != All && l < want {
				want = l
			}
			require.Equal(t, want, s.Len(), "offset=%d len=%d", o, l)
			require.True(t, bytes.Equal(b.Bytes()[o:o+want], s.Bytes()), "offset=%d len=%d", o, l)
			if !s.IsEmpty() {
				require.True(t, SharesOwner(b, s))
			}
		}
	}
}

func TestSliceDropsMarginPastStart(t *testing.T) {
	b := NewWithMargin(8, 4)
	assert.Equal(t, 4, b.Slice(0, 2).LeftMargin())
	assert.Equal(t, 0, b.Slice(1, 2).LeftMargin())
}

func TestMarginRoundTrip(t *testing.T) {
	const margin = 6
	b := NewWithMargin(5, margin)
	copy(b.Bytes(), "world")
	before := b

	for k := 0; k <= margin; k++ {
		v := before
		v.ExpandIntoLeftMargin(k)
		require.Equal(t, 5+k, v.Len())
		require.Equal(t, margin-k, v.LeftMargin())
		require.True(t, SharesOwner(before, v), "expanding must not reallocate")

		head := bytes.Repeat([]byte{'>'}, k)
		copy(v.Bytes(), head)
		require.Equal(t, append(head, "world"...), v.Bytes())
	}
}

func TestExpandPastMarginPanics(t *testing.T) {
	b := NewWithMargin(4, 2)
	require.Panics(t, func() { b.ExpandIntoLeftMargin(3) })
}

func TestSetLeftMargin(t *testing.T) {
	b := New(10)
	b.SetLeftMargin(4)
	assert.Equal(t, 6, b.Len())
	assert.Equal(t, 4, b.LeftMargin())

	b.SetLeftMargin(0)
	assert.Equal(t, 10, b.Len())
	require.Panics(t, func() { b.SetLeftMargin(11) })
}

func TestEqual(t *testing.T) {
	assert.True(t, Buffer{}.Equal(Buffer{}))
	assert.True(t, Buffer{}.Equal(NewWithMargin(0, 4)))
	assert.False(t, Buffer{}.Equal(Wrap([]byte{0})))
	assert.True(t, Wrap([]byte("abc")).Equal(NewWithMargin(3, 8).withBytes("abc")))
	assert.False(t, Wrap([]byte("abc")).Equal(Wrap([]byte("abd"))))
	assert.False(t, Wrap([]byte("abc")).Equal(Wrap([]byte("ab"))))
}

func TestRelease(t *testing.T) {
	b := Wrap([]byte("x"))
	b.Release()
	assert.True(t, b.IsEmpty())
	assert.Nil(t, b.Bytes())
}

func TestAdvance(t *testing.T) {
	bufs := []Buffer{Wrap([]byte("abc")), Wrap([]byte("de")), Wrap([]byte("fghi"))}

	for n := 0; n <= TotalLen(bufs); n++ {
		rest := Advance(bufs, n)
		require.Equal(t, "abcdefghi"[n:], string(Join(rest)))
	}
	assert.Nil(t, Advance(bufs, 9))
}

func TestCopyAtSkipsAliasedData(t *testing.T) {
	dst := New(6)
	n := CopyAt(dst, 2, dst.Slice(2, 3))
	assert.Equal(t, 3, n)

	n = CopyAt(dst, 1, Wrap([]byte("xy")))
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{0, 'x', 'y', 0, 0, 0}, dst.Bytes())
}

func TestPoolRecycles(t *testing.T) {
	p := NewPool()
	b := p.Alloc(100)
	require.Equal(t, 100, b.Len())
	copy(b.Bytes(), "dirty")
	p.Recycle(b)

	c := p.Alloc(90)
	require.Equal(t, 90, c.Len())
	assert.Equal(t, make([]byte, 90), c.Bytes(), "recycled buffers come back zeroed")

	big := p.Alloc(4 << 20)
	assert.Equal(t, 4<<20, big.Len())
	p.Recycle(big)
}

func (b Buffer) withBytes(s string) Buffer {
	copy(b.Bytes(), s)
	return b
}
