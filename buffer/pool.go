// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package buffer

import (
	"math/bits"
	"sync"
)

// Allocator hands out buffers for transport reads. Recycle may be called
// once the caller knows it holds the only view of a buffer.
type Allocator interface {
	Alloc(n int) Buffer
	Recycle(b Buffer)
}

// Heap allocates every buffer fresh and lets the garbage collector reclaim it.
var Heap Allocator = heap{}

type heap struct{}

func (heap) Alloc(n int) Buffer { return New(n) }
func (heap) Recycle(Buffer)     {}

const (
	minClass = 6  // 64 bytes
	maxClass = 20 // 1 MiB
)

// Pool recycles backing allocations in power-of-two size classes. Buffers
// larger than the largest class are allocated directly and never pooled.
type Pool struct {
	classes [maxClass - minClass + 1]sync.Pool
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{}
}

func classOf(n int) int {
	if n <= 1<<minClass {
		return minClass
	}
	return bits.Len(uint(n - 1))
}

// Alloc returns a zeroed buffer of n bytes.
func (p *Pool) Alloc(n int) Buffer {
	if n == 0 {
		return Buffer{}
	}
	c := classOf(n)
	if c > maxClass {
		return New(n)
	}
	if v, ok := p.classes[c-minClass].Get().(*[]byte); ok {
		b := (*v)[:n]
		clear(b)
		return Buffer{owner: b, n: n}
	}
	b := make([]byte, n, 1<<c)
	return Buffer{owner: b, n: n}
}

// Recycle returns b's allocation to the pool. The caller must not use any
// view of it afterwards.
func (p *Pool) Recycle(b Buffer) {
	if b.owner == nil {
		return
	}
	c := classOf(cap(b.owner))
	if c > maxClass || cap(b.owner) != 1<<c {
		return
	}
	full := b.owner[:cap(b.owner)]
	p.classes[c-minClass].Put(&full)
}
