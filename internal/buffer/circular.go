// SPDX-License-Identifier: MIT
//
// Package buffer implements the fixed-capacity sample ring that sits between
// the batched audio intake and the analyzers.
//
// Cursors are monotonically increasing uint64 counters reduced into the
// backing slice with a power-of-two mask, so Available is always
// write-read and the read cursor can never pass the write cursor.
//
// Overflow policy is reject-on-full: a Write that does not fit stores
// nothing and returns ErrBufferFull. The owner decides what to drop (usually
// the oldest unread samples via Discard) and accounts for it.
//
// A CircularBuffer has exactly one owner and is not safe for concurrent use.
package buffer

import (
	"errors"
	"fmt"
	"iter"

	"pitchtoy/pkg/bitint"
)

const (
	// ChunkSize is the number of frames delivered per audio callback.
	ChunkSize = 128

	MinBufferSize     = 256
	MaxBufferSize     = 16384
	DefaultBufferSize = 4096
)

// ErrBufferFull is returned when a write would overrun unread samples.
var ErrBufferFull = errors.New("buffer: full")

// ConfigError reports an invalid buffer size. It is returned before any
// memory is allocated.
type ConfigError struct {
	Field  string
	Value  int
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("buffer: invalid %s %d: %s", e.Field, e.Value, e.Reason)
}

// ValidateBufferSize checks that size is a power of two within
// [MinBufferSize, MaxBufferSize] and a whole number of chunks.
func ValidateBufferSize(size int) error {
	switch {
	case size < MinBufferSize:
		return &ConfigError{"size", size, fmt.Sprintf("below minimum %d", MinBufferSize)}
	case size > MaxBufferSize:
		return &ConfigError{"size", size, fmt.Sprintf("above maximum %d", MaxBufferSize)}
	case !bitint.IsPowerOfTwo(size):
		return &ConfigError{"size", size, "not a power of two"}
	case size%ChunkSize != 0:
		return &ConfigError{"size", size, fmt.Sprintf("not a multiple of chunk size %d", ChunkSize)}
	}
	return nil
}

// BufferState is a coarse fill indicator.
type BufferState uint8

const (
	Empty BufferState = iota
	PartiallyFilled
	Full
)

func (s BufferState) String() string {
	switch s {
	case Empty:
		return "empty"
	case PartiallyFilled:
		return "partially_filled"
	case Full:
		return "full"
	default:
		return "unknown"
	}
}

// CircularBuffer is a power-of-two ring of samples.
type CircularBuffer[T any] struct {
	buf   []T
	mask  uint64
	read  uint64
	write uint64
}

// New validates size and allocates a ring of that capacity.
func New[T any](size int) (*CircularBuffer[T], error) {
	if err := ValidateBufferSize(size); err != nil {
		return nil, err
	}
	return &CircularBuffer[T]{
		buf:  make([]T, size),
		mask: bitint.Mask(size),
	}, nil
}

// Capacity returns the fixed number of slots.
func (c *CircularBuffer[T]) Capacity() int { return len(c.buf) }

// Available returns the number of unread samples.
func (c *CircularBuffer[T]) Available() int { return int(c.write - c.read) }

// Free returns the number of samples that can be written without overrun.
func (c *CircularBuffer[T]) Free() int { return len(c.buf) - c.Available() }

// Written returns the total number of samples ever accepted.
func (c *CircularBuffer[T]) Written() uint64 { return c.write }

// Consumed returns the total number of samples read or discarded.
func (c *CircularBuffer[T]) Consumed() uint64 { return c.read }

// State reports Empty, PartiallyFilled or Full.
func (c *CircularBuffer[T]) State() BufferState {
	switch c.Available() {
	case 0:
		return Empty
	case len(c.buf):
		return Full
	default:
		return PartiallyFilled
	}
}

// Write appends all of samples or none of them. When samples do not fit in
// Free() it returns ErrBufferFull and the ring is unchanged.
func (c *CircularBuffer[T]) Write(samples []T) (int, error) {
	n := len(samples)
	if n == 0 {
		return 0, nil
	}
	if n > c.Free() {
		return 0, fmt.Errorf("%w: %d samples, %d free", ErrBufferFull, n, c.Free())
	}

	start := int(c.write & c.mask)
	copied := copy(c.buf[start:], samples)
	copy(c.buf, samples[copied:])

	c.write += uint64(n)
	return n, nil
}

// Peek copies up to len(dst) unread samples without consuming them.
func (c *CircularBuffer[T]) Peek(dst []T) int {
	n := min(len(dst), c.Available())
	if n == 0 {
		return 0
	}

	start := int(c.read & c.mask)
	copied := copy(dst[:n], c.buf[start:])
	copy(dst[copied:n], c.buf)
	return n
}

// Read copies up to len(dst) samples and consumes them.
func (c *CircularBuffer[T]) Read(dst []T) int {
	n := c.Peek(dst)
	c.read += uint64(n)
	return n
}

// Discard drops up to n of the oldest unread samples and returns how many
// were dropped.
func (c *CircularBuffer[T]) Discard(n int) int {
	n = max(0, min(n, c.Available()))
	c.read += uint64(n)
	return n
}

// Samples returns a lazy, finite sequence over at most limit unread samples.
// Each yielded sample is consumed; stopping early leaves the rest unread.
func (c *CircularBuffer[T]) Samples(limit int) iter.Seq[T] {
	return func(yield func(T) bool) {
		for i := 0; i < limit && c.read != c.write; i++ {
			s := c.buf[c.read&c.mask]
			c.read++
			if !yield(s) {
				return
			}
		}
	}
}

// Reset discards all unread samples. Counters keep increasing.
func (c *CircularBuffer[T]) Reset() {
	c.read = c.write
}
