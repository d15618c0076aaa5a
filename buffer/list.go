// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package buffer

import "net"

// TotalLen returns the summed length of bufs.
func TotalLen(bufs []Buffer) int {
	n := 0
	for _, b := range bufs {
		n += b.Len()
	}
	return n
}

// Join copies bufs into one contiguous slice.
func Join(bufs []Buffer) []byte {
	out := make([]byte, 0, TotalLen(bufs))
	for _, b := range bufs {
		out = append(out, b.Bytes()...)
	}
	return out
}

// Advance drops the first n bytes of bufs, returning the views that remain.
// Neither the list nor the bytes are copied beyond a new slice header.
func Advance(bufs []Buffer, n int) []Buffer {
	for i, b := range bufs {
		if n < b.Len() {
			out := make([]Buffer, 0, len(bufs)-i)
			out = append(out, b.Slice(n, All))
			return append(out, bufs[i+1:]...)
		}
		n -= b.Len()
	}
	return nil
}

// NetBuffers exposes bufs as net.Buffers so a connection can write them
// with a single vectored call where the platform supports it.
func NetBuffers(bufs []Buffer) net.Buffers {
	out := make(net.Buffers, 0, len(bufs))
	for _, b := range bufs {
		if !b.IsEmpty() {
			out = append(out, b.Bytes())
		}
	}
	return out
}

// CopyAt copies src into dst starting at offset and returns the number of
// bytes copied. The copy is skipped when src already aliases that position.
func CopyAt(dst Buffer, offset int, src Buffer) int {
	if src.IsEmpty() {
		return 0
	}
	target := dst.Slice(offset, src.Len())
	if SameData(target, src) {
		return target.Len()
	}
	return copy(target.Bytes(), src.Bytes())
}
