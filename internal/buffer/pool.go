package buffer

import (
	"sync"
	"sync/atomic"
)

const (
	// MinClassSize is the smallest pooled allocation
	MinClassSize = 256

	// MaxClassSize is the largest pooled allocation. Larger payloads are
	// allocated directly and left to the garbage collector.
	MaxClassSize = 4 * 1024 * 1024
)

// Pool hands out Buffers backed by size-classed sync.Pools.
// It is safe for concurrent Rent and Release from any goroutine.
type Pool struct {
	classes []sync.Pool

	rented   atomic.Int64
	returned atomic.Int64
}

// PoolStats is a point-in-time snapshot of pool activity
type PoolStats struct {
	Rented      int64 `json:"rented"`
	Returned    int64 `json:"returned"`
	Outstanding int64 `json:"outstanding"`
}

// NewPool creates a pool with power-of-two size classes between
// MinClassSize and MaxClassSize.
func NewPool() *Pool {
	p := &Pool{}
	for size := MinClassSize; size <= MaxClassSize; size <<= 1 {
		size := size
		p.classes = append(p.classes, sync.Pool{
			New: func() interface{} {
				buf := make([]byte, size)
				return &buf
			},
		})
	}
	return p
}

var defaultPool = NewPool()

// Default returns the process-wide pool
func Default() *Pool {
	return defaultPool
}

// classFor returns the size class index for n bytes, or -1 when n is too
// large to pool.
func classFor(n int) int {
	size := MinClassSize
	for i := 0; ; i++ {
		if n <= size {
			return i
		}
		size <<= 1
		if size > MaxClassSize {
			return -1
		}
	}
}

// Rent returns a buffer of length n holding a single claim.
func (p *Pool) Rent(n int) *Buffer {
	if n < 0 {
		n = 0
	}
	b := &Buffer{pool: p, class: classFor(n)}
	if b.class >= 0 {
		storage := p.classes[b.class].Get().(*[]byte)
		b.data = (*storage)[:n]
	} else {
		b.data = make([]byte, n)
	}
	b.claims.Store(1)
	p.rented.Add(1)
	return b
}

// RentCopy rents a buffer and copies data into it
func (p *Pool) RentCopy(data []byte) *Buffer {
	b := p.Rent(len(data))
	copy(b.data, data)
	return b
}

func (p *Pool) put(b *Buffer) {
	p.returned.Add(1)
	if b.class >= 0 {
		storage := b.data[:cap(b.data)]
		p.classes[b.class].Put(&storage)
	}
	b.data = nil
}

// Stats returns rent/return counters. Outstanding is the number of buffers
// that still hold at least one claim.
func (p *Pool) Stats() PoolStats {
	returned := p.returned.Load()
	rented := p.rented.Load()
	return PoolStats{
		Rented:      rented,
		Returned:    returned,
		Outstanding: rented - returned,
	}
}
