// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package buffer provides the zero-copy byte views used for every byte that
// crosses the wire.
//
// A Buffer is a cheap value: a view (offset, length, left margin) over a shared
// backing allocation. Copying a Buffer or slicing it never copies bytes; the
// backing array stays alive for as long as any view references it.
package buffer

import (
	"bytes"
	"errors"
	"fmt"
)

// All selects the remainder of a buffer in Slice.
const All = -1

// ErrMarginExceeded is the panic value raised when a view is grown past the
// margin reserved in front of it.
var ErrMarginExceeded = errors.New("buffer: margin exceeded")

// Buffer is a view over a shared backing allocation.
//
// The margin bytes sit immediately before the view's data inside the same
// allocation. They are reserved so that a header can later be prepended with
// ExpandIntoLeftMargin without copying the payload.
type Buffer struct {
	owner  []byte
	off    int
	n      int
	margin int
}

// New returns a zeroed buffer of n bytes.
func New(n int) Buffer {
	return NewWithMargin(n, 0)
}

// NewWithMargin returns a zeroed buffer of n bytes preceded by margin
// reserved bytes.
func NewWithMargin(n, margin int) Buffer {
	if n < 0 || margin < 0 {
		panic(fmt.Sprintf("buffer: negative size %d/%d", n, margin))
	}
	if n+margin == 0 {
		return Buffer{}
	}
	return Buffer{
		owner:  make([]byte, margin+n),
		off:    margin,
		n:      n,
		margin: margin,
	}
}

// Wrap returns a view sharing b. The caller must not modify b afterwards
// unless it owns every view.
func Wrap(b []byte) Buffer {
	return WrapWithMargin(b, 0)
}

// WrapWithMargin returns a view of b[margin:], with the first margin bytes of
// b reserved as left margin.
func WrapWithMargin(b []byte, margin int) Buffer {
	if margin < 0 || margin > len(b) {
		panic(fmt.Sprintf("buffer: margin %d out of range [0,%d]", margin, len(b)))
	}
	if len(b) == 0 {
		return Buffer{}
	}
	return Buffer{owner: b, off: margin, n: len(b) - margin, margin: margin}
}

// Len returns the number of bytes in the view.
func (b Buffer) Len() int { return b.n }

// LeftMargin returns the number of reserved bytes in front of the view.
func (b Buffer) LeftMargin() int { return b.margin }

// IsEmpty reports whether the view holds no bytes.
func (b Buffer) IsEmpty() bool { return b.n == 0 }

// Bytes returns the view's bytes. The returned slice has its capacity clipped
// to the view, so appending to it never writes into a neighbouring view.
func (b Buffer) Bytes() []byte {
	if b.owner == nil {
		return nil
	}
	return b.owner[b.off : b.off+b.n : b.off+b.n]
}

// Slice returns the sub-view [offset, offset+length). A length of All, or a
// length running past the end, selects the remainder. The margin survives
// only when offset is zero.
func (b Buffer) Slice(offset, length int) Buffer {
	if offset < 0 || offset > b.n {
		panic(fmt.Sprintf("buffer: slice offset %d out of range [0,%d]", offset, b.n))
	}
	rest := b.n - offset
	if length == All || length > rest {
		length = rest
	}
	if length < 0 {
		panic(fmt.Sprintf("buffer: negative slice length %d", length))
	}
	out := Buffer{owner: b.owner, off: b.off + offset, n: length}
	if offset == 0 {
		out.margin = b.margin
	}
	if out.n == 0 && out.margin == 0 {
		return Buffer{}
	}
	return out
}

// ExpandIntoLeftMargin grows the view backwards by n bytes, claiming them from
// the margin. It panics with ErrMarginExceeded if n exceeds the margin.
func (b *Buffer) ExpandIntoLeftMargin(n int) {
	if n < 0 || n > b.margin {
		panic(fmt.Errorf("%w: want %d, have %d", ErrMarginExceeded, n, b.margin))
	}
	b.off -= n
	b.n += n
	b.margin -= n
}

// SetLeftMargin repartitions the margin and the view so that exactly n bytes
// precede the data. Margin plus length is preserved.
func (b *Buffer) SetLeftMargin(n int) {
	total := b.margin + b.n
	if n < 0 || n > total {
		panic(fmt.Errorf("%w: want %d, have %d", ErrMarginExceeded, n, total))
	}
	b.off += n - b.margin
	b.n = total - n
	b.margin = n
}

// Release detaches the view from its backing allocation.
func (b *Buffer) Release() {
	*b = Buffer{}
}

// Clear is an alias of Release.
func (b *Buffer) Clear() {
	b.Release()
}

// Equal reports whether both views are empty, or both hold the same bytes.
// Margins and backing identity are ignored.
func (b Buffer) Equal(o Buffer) bool {
	if b.IsEmpty() || o.IsEmpty() {
		return b.IsEmpty() && o.IsEmpty()
	}
	return bytes.Equal(b.Bytes(), o.Bytes())
}

func (b Buffer) String() string {
	return fmt.Sprintf("buffer{len=%d margin=%d}", b.n, b.margin)
}

// SharesOwner reports whether a and b are views of the same allocation.
func SharesOwner(a, b Buffer) bool {
	if len(a.owner) == 0 || len(b.owner) == 0 {
		return false
	}
	return &a.owner[0] == &b.owner[0]
}

// SameData reports whether a and b start at the same byte in memory.
func SameData(a, b Buffer) bool {
	if a.IsEmpty() || b.IsEmpty() {
		return false
	}
	return SharesOwner(a, b) && a.off == b.off
}
