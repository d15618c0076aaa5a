// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package filter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/luxfi/rpcwire/buffer"
)

// DefaultMaxBlock bounds both the encoded and decoded size of one block.
const DefaultMaxBlock = 64 << 20

var ErrBlockTooLarge = errors.New("filter: block exceeds limit")

// BlockCodec transforms whole blocks. Seal and Open append to dst.
type BlockCodec interface {
	Seal(dst, src []byte) ([]byte, error)
	Open(dst, src []byte) ([]byte, error)
}

type blockState int

const (
	blockIdle blockState = iota
	blockProbe
	blockHeader
	blockBody
)

// Block runs a BlockCodec over the stream. Every Write becomes one frame,
// [len u32 BE][sealed block]; reads reassemble a frame, open it and hand the
// plaintext up in pieces as large as the caller asks for.
type Block struct {
	Base
	id    ID
	codec BlockCodec
	max   int

	// write side
	frame   []buffer.Buffer
	written int
	plain   int

	// read side
	state    blockState
	want     int
	hdr      [4]byte
	have     int
	body     []byte
	leftover []byte
}

// NewBlock wraps codec in a filter reporting id.
func NewBlock(id ID, codec BlockCodec, maxBlock int) *Block {
	if maxBlock <= 0 {
		maxBlock = DefaultMaxBlock
	}
	return &Block{id: id, codec: codec, max: maxBlock}
}

func (b *Block) ID() ID { return b.id }

// Close releases the codec if it holds resources.
func (b *Block) Close() error {
	if c, ok := b.codec.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Write seals bufs as one frame, or as several when they exceed the block
// limit.
func (b *Block) Write(bufs []buffer.Buffer) {
	n := buffer.TotalLen(bufs)
	if n == 0 {
		b.Prev().OnWriteCompleted(0, nil)
		return
	}
	data := buffer.Join(bufs)
	b.frame = b.frame[:0]
	for off := 0; off < n; off += b.max {
		chunk := data[off:min(off+b.max, n)]
		sealed, err := b.codec.Seal(make([]byte, 4, 4+len(chunk)+64), chunk)
		if err != nil {
			b.frame = nil
			b.Prev().OnWriteCompleted(0, fmt.Errorf("sealing %s block: %w", b.id, err))
			return
		}
		binary.BigEndian.PutUint32(sealed, uint32(len(sealed)-4))
		b.frame = append(b.frame, buffer.Wrap(sealed))
	}
	b.written = 0
	b.plain = n
	b.Next().Write(b.frame)
}

func (b *Block) OnWriteCompleted(n int, err error) {
	if err != nil {
		b.frame = nil
		b.Prev().OnWriteCompleted(0, err)
		return
	}
	b.written += n
	if rest := buffer.Advance(b.frame, b.written); rest != nil {
		b.Next().Write(rest)
		return
	}
	b.frame = nil
	b.Prev().OnWriteCompleted(b.plain, nil)
}

func (b *Block) Read(buf buffer.Buffer, n int) {
	if len(b.leftover) > 0 {
		if n == 0 {
			b.Prev().OnReadCompleted(buffer.Buffer{}, nil)
			return
		}
		b.deliver(n)
		return
	}
	b.want = n
	if n == 0 {
		b.state = blockProbe
		b.Next().Read(buffer.Buffer{}, 0)
		return
	}
	b.state = blockHeader
	b.have = 0
	b.Next().Read(buffer.Buffer{}, 4)
}

func (b *Block) deliver(n int) {
	k := min(n, len(b.leftover))
	out := buffer.Wrap(b.leftover[:k:k])
	b.leftover = b.leftover[k:]
	b.Prev().OnReadCompleted(out, nil)
}

func (b *Block) OnReadCompleted(buf buffer.Buffer, err error) {
	if b.state == blockProbe {
		b.state = blockIdle
		b.Prev().OnReadCompleted(buffer.Buffer{}, err)
		return
	}
	if err != nil {
		if errors.Is(err, io.EOF) && (b.have > 0 || b.state == blockBody) {
			err = io.ErrUnexpectedEOF
		}
		b.state = blockIdle
		b.Prev().OnReadCompleted(buffer.Buffer{}, err)
		return
	}

	switch b.state {
	case blockHeader:
		b.have += copy(b.hdr[b.have:], buf.Bytes())
		if b.have < 4 {
			b.Next().Read(buffer.Buffer{}, 4-b.have)
			return
		}
		size := int(binary.BigEndian.Uint32(b.hdr[:]))
		if size > b.max+b.max/8+1024 {
			b.state = blockIdle
			b.Prev().OnReadCompleted(buffer.Buffer{}, fmt.Errorf("%w: %d byte %s frame", ErrBlockTooLarge, size, b.id))
			return
		}
		b.state = blockBody
		b.body = make([]byte, size)
		b.have = 0
		if size == 0 {
			b.openBody()
			return
		}
		b.Next().Read(buffer.Buffer{}, size)
	case blockBody:
		b.have += copy(b.body[b.have:], buf.Bytes())
		if b.have < len(b.body) {
			b.Next().Read(buffer.Buffer{}, len(b.body)-b.have)
			return
		}
		b.openBody()
	}
}

func (b *Block) openBody() {
	plain, err := b.codec.Open(nil, b.body)
	b.body = nil
	b.have = 0
	if err != nil {
		b.state = blockIdle
		b.Prev().OnReadCompleted(buffer.Buffer{}, fmt.Errorf("opening %s block: %w", b.id, err))
		return
	}
	if len(plain) == 0 {
		b.state = blockHeader
		b.Next().Read(buffer.Buffer{}, 4)
		return
	}
	b.state = blockIdle
	b.leftover = plain
	b.deliver(b.want)
}
