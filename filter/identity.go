// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package filter

import "github.com/luxfi/rpcwire/buffer"

// Identity passes every call through unchanged.
type Identity struct{ Base }

func NewIdentity() *Identity { return &Identity{} }

func (*Identity) ID() ID { return IDIdentity }

// DefaultXorKey is the key used by registry-built xor filters.
const DefaultXorKey byte = 0x5a

// Xor obscures bytes with a single-byte key. It keeps chunk boundaries, so
// it is handy for exercising renegotiation without the cost of a real cipher.
type Xor struct {
	Base
	key byte
}

func NewXor(key byte) *Xor { return &Xor{key: key} }

func (*Xor) ID() ID { return IDXor }

// Write transforms into a fresh buffer; the caller's buffers may be spliced
// application data and are never modified.
func (x *Xor) Write(bufs []buffer.Buffer) {
	out := buffer.New(buffer.TotalLen(bufs))
	dst := out.Bytes()
	i := 0
	for _, b := range bufs {
		for _, c := range b.Bytes() {
			dst[i] = c ^ x.key
			i++
		}
	}
	x.Next().Write([]buffer.Buffer{out})
}

func (x *Xor) OnReadCompleted(buf buffer.Buffer, err error) {
	p := buf.Bytes()
	for i := range p {
		p[i] ^= x.key
	}
	x.Prev().OnReadCompleted(buf, err)
}
