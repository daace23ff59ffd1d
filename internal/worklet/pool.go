package worklet

import (
	"sync/atomic"

	"pitchtoy/internal/protocol"
)

// BufferPoolStats is a diagnostic snapshot of a Pool.
type BufferPoolStats struct {
	PoolSize        int    `json:"pool_size"`
	Available       int    `json:"available"`
	InFlight        int    `json:"in_flight"`
	AcquireFailures uint64 `json:"acquire_failures"`
	Transfers       uint64 `json:"transfers"`
}

// Pool recycles batch buffers between the processor and the consumer. The
// free list is a buffered channel, so Acquire and Release never lock and
// never allocate.
type Pool struct {
	free     chan *protocol.TransferBuffer
	size     int
	capacity int

	acquireFailures atomic.Uint64
	transfers       atomic.Uint64
}

// NewPool allocates size buffers of capacity samples each. Pooled buffer
// IDs run from 1 to size; 0 is left for unpooled fallbacks.
func NewPool(size, capacity int) *Pool {
	p := &Pool{
		free:     make(chan *protocol.TransferBuffer, size),
		size:     size,
		capacity: capacity,
	}
	for i := range size {
		p.free <- protocol.NewPooledBuffer(uint32(i+1), capacity)
	}
	return p
}

// Capacity is the sample capacity of each pooled buffer.
func (p *Pool) Capacity() int { return p.capacity }

// Acquire returns a free buffer or nil when the pool is exhausted.
func (p *Pool) Acquire() *protocol.TransferBuffer {
	select {
	case b := <-p.free:
		p.transfers.Add(1)
		return b
	default:
		p.acquireFailures.Add(1)
		return nil
	}
}

// Release returns b to the pool. Unpooled buffers, and buffers too small
// for the current batch size, are left to the garbage collector.
func (p *Pool) Release(b *protocol.TransferBuffer) {
	if b == nil || b.ID() == 0 || int(b.ID()) > p.size || b.Cap() < p.capacity {
		return
	}
	select {
	case p.free <- b:
	default:
	}
}

func (p *Pool) Stats() BufferPoolStats {
	avail := len(p.free)
	return BufferPoolStats{
		PoolSize:        p.size,
		Available:       avail,
		InFlight:        p.size - avail,
		AcquireFailures: p.acquireFailures.Load(),
		Transfers:       p.transfers.Load(),
	}
}
