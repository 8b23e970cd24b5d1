// Package buffer provides pooled, reference-counted byte buffers.
//
// A Buffer is rented from a Pool with one claim held by the renter. Every
// additional reader takes its own claim with Claim and gives it back with
// Release. The backing storage returns to the pool exactly once, on the
// transition from one claim to zero.
package buffer

import (
	"errors"
	"sync/atomic"
)

// ErrReleased is the panic value used when a buffer is claimed after its
// final release.
var ErrReleased = errors.New("buffer already returned to pool")

// Buffer is a reference-counted view over pooled storage.
// The contents must not be modified once the buffer has been shared.
type Buffer struct {
	data   []byte
	claims atomic.Int32
	pool   *Pool
	class  int
}

// Bytes returns the buffer contents.
// The slice is only valid while the caller holds a claim.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the number of payload bytes
func (b *Buffer) Len() int {
	return len(b.data)
}

// Claims returns the current reference count
func (b *Buffer) Claims() int32 {
	return b.claims.Load()
}

// Claim takes an additional reference on the buffer.
// Claiming a buffer that has already gone back to the pool panics.
func (b *Buffer) Claim() *Buffer {
	for {
		n := b.claims.Load()
		if n <= 0 {
			panic(ErrReleased)
		}
		if b.claims.CompareAndSwap(n, n+1) {
			return b
		}
	}
}

// ClaimN takes n additional references in one step.
func (b *Buffer) ClaimN(n int) {
	if n <= 0 {
		return
	}
	for {
		cur := b.claims.Load()
		if cur <= 0 {
			panic(ErrReleased)
		}
		if b.claims.CompareAndSwap(cur, cur+int32(n)) {
			return
		}
	}
}

// Release drops one reference. The last release returns the storage to the
// pool. Releasing more times than claimed panics.
func (b *Buffer) Release() {
	n := b.claims.Add(-1)
	switch {
	case n == 0:
		if b.pool != nil {
			b.pool.put(b)
		}
	case n < 0:
		panic(ErrReleased)
	}
}
