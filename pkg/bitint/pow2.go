/*
Package bitint provides the power-of-two arithmetic used to size and
index the sample ring and the autocorrelation workspaces.

Design Principles:
- Zero Allocations: All operations use stack memory only
- Predictable Performance: O(1) constant time operations
- Real-Time Safe: No locks, syscalls, or blocking operations

Usage:

	// Size an FFT workspace for a linear (non-circular) autocorrelation
	fftSize := bitint.NextPowerOfTwo(2 * windowSize)

	// Reject ring capacities that cannot be indexed with a mask
	if !bitint.IsPowerOfTwo(capacity) { ... }

	// Reduce a monotonically increasing cursor into a ring slot
	slot := cursor & bitint.Mask(capacity)

----------------------------------------------------------------------

NextPowerOfTwo subtracts one before taking the bit length so that a
value which is already a power of two is returned unchanged:

	size = 8  -> size-1 = 0111 -> Len = 3 -> 1<<3 = 8
	size = 9  -> size-1 = 1000 -> Len = 4 -> 1<<4 = 16
*/
package bitint

import "math/bits"

// NextPowerOfTwo returns the smallest power of 2 >= size.
//
//	Input  Output
//	4      4
//	5      8
//	0      1
//	-1     1
func NextPowerOfTwo(size int) int {
	if size <= 0 {
		return 1
	}
	return 1 << bits.Len(uint(size-1))
}

// IsPowerOfTwo reports whether n is a positive power of 2.
// Powers of 2 have exactly one bit set, so n&(n-1) clears it to zero.
func IsPowerOfTwo(n int) bool {
	return n > 0 && (n&(n-1)) == 0
}

// Mask returns capacity-1 as a uint64 index mask. capacity must be a
// power of two; callers validate that before building a ring.
func Mask(capacity int) uint64 {
	return uint64(capacity) - 1
}

// Log2 returns the exponent of a power of two. For other inputs it
// returns the floor of log2(n), and 0 for n <= 1.
func Log2(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n)) - 1
}
