// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package filter

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// RegisterCompression installs the block compression filters. Every block is
// compressed on its own, so a corrupt block never poisons later ones.
func RegisterCompression(r *Registry) {
	r.Register(IDZlibStateless, func(Role) (Filter, error) {
		return NewBlock(IDZlibStateless, newZlibCodec(), DefaultMaxBlock), nil
	})
	r.Register(IDS2, func(Role) (Filter, error) {
		return NewBlock(IDS2, s2Codec{max: DefaultMaxBlock}, DefaultMaxBlock), nil
	})
	r.Register(IDZstd, func(Role) (Filter, error) {
		c, err := newZstdCodec(DefaultMaxBlock)
		if err != nil {
			return nil, err
		}
		return NewBlock(IDZstd, c, DefaultMaxBlock), nil
	})
}

type zlibCodec struct {
	w   *zlib.Writer
	out bytes.Buffer
	r   io.ReadCloser
	max int
}

func newZlibCodec() *zlibCodec {
	c := &zlibCodec{max: DefaultMaxBlock}
	c.w = zlib.NewWriter(&c.out)
	return c
}

func (c *zlibCodec) Seal(dst, src []byte) ([]byte, error) {
	c.out.Reset()
	c.w.Reset(&c.out)
	if _, err := c.w.Write(src); err != nil {
		return nil, err
	}
	if err := c.w.Close(); err != nil {
		return nil, err
	}
	return append(dst, c.out.Bytes()...), nil
}

func (c *zlibCodec) Open(dst, src []byte) ([]byte, error) {
	if c.r == nil {
		r, err := zlib.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, err
		}
		c.r = r
	} else if err := c.r.(zlib.Resetter).Reset(bytes.NewReader(src), nil); err != nil {
		return nil, err
	}
	return readLimited(dst, c.r, c.max)
}

func (c *zlibCodec) Close() error {
	if c.r != nil {
		return c.r.Close()
	}
	return nil
}

type s2Codec struct{ max int }

func (s2Codec) Seal(dst, src []byte) ([]byte, error) {
	return append(dst, s2.Encode(nil, src)...), nil
}

func (c s2Codec) Open(dst, src []byte) ([]byte, error) {
	n, err := s2.DecodedLen(src)
	if err != nil {
		return nil, err
	}
	if n > c.max {
		return nil, fmt.Errorf("%w: decodes to %d bytes", ErrBlockTooLarge, n)
	}
	plain, err := s2.Decode(nil, src)
	if err != nil {
		return nil, err
	}
	return append(dst, plain...), nil
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec(max int) (*zstdCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(uint64(max)))
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (c *zstdCodec) Seal(dst, src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, dst), nil
}

func (c *zstdCodec) Open(dst, src []byte) ([]byte, error) {
	return c.dec.DecodeAll(src, dst)
}

func (c *zstdCodec) Close() error {
	c.dec.Close()
	return c.enc.Close()
}

func readLimited(dst []byte, r io.Reader, max int) ([]byte, error) {
	buf := bytes.NewBuffer(dst)
	n, err := buf.ReadFrom(io.LimitReader(r, int64(max)+1))
	if err != nil {
		return nil, err
	}
	if n > int64(max) {
		return nil, fmt.Errorf("%w: decodes past %d bytes", ErrBlockTooLarge, max)
	}
	return buf.Bytes(), nil
}
