package nand

import (
	"fmt"
	"slices"
)

// Allocator hands out device numbers. Automatic numbers are always the
// smallest non-negative integer not in use. The zero value is empty and
// ready to use. Allocator is not safe for concurrent use.
type Allocator struct {
	used []int // sorted ascending
}

// Take reserves a device number. If n is negative, the smallest free
// number is reserved. Otherwise n itself is reserved, failing with
// ErrExists if it is taken.
func (a *Allocator) Take(n int) (int, error) {
	if n < 0 {
		n = a.firstFree()
	}

	i, found := slices.BinarySearch(a.used, n)
	if found {
		return 0, fmt.Errorf("%w: %d", ErrExists, n)
	}

	a.used = slices.Insert(a.used, i, n)
	return n, nil
}

// Release frees n. Releasing a free number does nothing.
func (a *Allocator) Release(n int) {
	if i, found := slices.BinarySearch(a.used, n); found {
		a.used = slices.Delete(a.used, i, i+1)
	}
}

// InUse returns the reserved numbers in ascending order.
func (a *Allocator) InUse() []int {
	return slices.Clone(a.used)
}

// firstFree scans for the first gap between consecutive numbers.
func (a *Allocator) firstFree() int {
	next := 0
	for _, n := range a.used {
		if n != next {
			break
		}

		next++
	}

	return next
}
