// Package sizing provides overflow-safe size arithmetic and conversions
// shared by the container parser, TOC decoder, and kernel store.
package sizing

import "math"

// ToInt64 converts a uint64 to int64, returning overflowErr if it doesn't fit.
func ToInt64(n uint64, overflowErr error) (int64, error) {
	if n > uint64(math.MaxInt64) {
		return 0, overflowErr
	}
	return int64(n), nil
}

// ToInt converts a uint64 to int, returning overflowErr if it doesn't fit.
func ToInt(n uint64, overflowErr error) (int, error) {
	if n > uint64(math.MaxInt) {
		return 0, overflowErr
	}
	return int(n), nil
}

// AddUint64 adds two uint64 values, returning (0, false) on overflow.
func AddUint64(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

// FitsUint32 reports whether n fits in a uint32 (used for frame counts).
func FitsUint32(n uint64) bool {
	return n <= uint64(math.MaxUint32)
}
