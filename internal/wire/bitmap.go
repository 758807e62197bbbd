package wire

import "math/bits"

// ToastCount returns the number of columns marked Unchanged in mask.
func ToastCount(mask uint64) int {
	return bits.OnesCount64(mask)
}

// ToastColumns returns the ordinal indexes (0-based) of the columns
// set in mask, in ascending order, by repeatedly isolating and
// clearing the lowest set bit.
func ToastColumns(mask uint64) []int {
	cols := make([]int, 0, bits.OnesCount64(mask))
	for mask != 0 {
		lowest := mask & (-mask)
		cols = append(cols, bits.TrailingZeros64(lowest))
		mask &^= lowest
	}
	return cols
}
