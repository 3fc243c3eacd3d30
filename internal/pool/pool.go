// Package pool implements a single process-wide LIFO of fixed-size byte
// buffers. All intermediate sector and block payloads used by the
// compression pipeline are owned by buffers from this pool, so there is
// exactly one place that knows how many are outstanding.
package pool

import (
	"sync"

	"golang.org/x/xerrors"
)

// BufferPool is a mutex-guarded LIFO of byte buffers of one current size.
// The zero value is not usable; construct one with New.
type BufferPool struct {
	mu sync.Mutex

	size        int
	free        [][]byte
	allocations int
}

// New returns a BufferPool producing buffers of size bytes.
func New(size int) *BufferPool {
	return &BufferPool{size: size}
}

// Alloc pops a buffer off the free list, or allocates a new one if the
// list is empty. The caller owns the returned slice until it calls
// Release with it.
func (p *BufferPool) Alloc() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.allocations++
	if n := len(p.free); n > 0 {
		buf := p.free[n-1]
		p.free = p.free[:n-1]
		return buf
	}
	return make([]byte, p.size)
}

// Release returns buf to the pool. buf must have been obtained from Alloc
// on this pool, and must not be released more than once.
func (p *BufferPool) Release(buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.allocations--
	if cap(buf) != p.size {
		// Buffer size changed underneath an in-flight trial; drop it
		// rather than corrupt the free list with mixed sizes.
		return
	}
	p.free = append(p.free, buf[:p.size])
}

// Outstanding reports how many buffers are currently held by callers
// (allocated but not yet released).
func (p *BufferPool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocations
}

// SetBufferSize changes the size of buffers handed out by future Alloc
// calls. It fails if any buffer is currently outstanding, since resizing
// then would silently invalidate buffers callers still hold.
func (p *BufferPool) SetBufferSize(size int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.allocations > 0 {
		return xerrors.Errorf("pool: cannot resize buffers: %d allocations outstanding", p.allocations)
	}
	p.size = size
	p.free = nil
	return nil
}

// Size returns the current buffer size.
func (p *BufferPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}
