// File: core/buffer/bufferpool.go
// Package buffer implements size-classed byte slice pooling.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package buffer

import "sync"

// Predefined (power-of-two) buffer size classes (bytes). The largest class
// holds a full length-prefixed transport frame.
var sizeClasses = [...]int{
	2 * 1024,   // 2K
	4 * 1024,   // 4K
	8 * 1024,   // 8K
	16 * 1024,  // 16K
	32 * 1024,  // 32K
	64 * 1024,  // 64K
	128 * 1024, // 128K
}

// classIndex returns the smallest class >= size, or -1 when size exceeds
// every class.
func classIndex(size int) int {
	for i, c := range sizeClasses {
		if size <= c {
			return i
		}
	}
	return -1
}

// Pool recycles byte slices by size class. Oversized requests are served
// from the heap and never retained.
type Pool struct {
	classes [len(sizeClasses)]sync.Pool
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	p := &Pool{}
	for i := range p.classes {
		size := sizeClasses[i]
		p.classes[i].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
	return p
}

// Get returns a slice of length size.
func (p *Pool) Get(size int) []byte {
	i := classIndex(size)
	if i < 0 {
		return make([]byte, size)
	}
	b := p.classes[i].Get().(*[]byte)
	return (*b)[:size]
}

// Put returns b to its class. Slices whose capacity is not exactly a class
// size are dropped.
func (p *Pool) Put(b []byte) {
	i := classIndex(cap(b))
	if i < 0 || sizeClasses[i] != cap(b) {
		return
	}
	b = b[:cap(b)]
	p.classes[i].Put(&b)
}

var defaultPool = NewPool()

// Get takes a slice from the shared pool.
func Get(size int) []byte { return defaultPool.Get(size) }

// Put hands b back to the shared pool.
func Put(b []byte) { defaultPool.Put(b) }
