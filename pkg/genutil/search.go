// Package genutil holds small generic helpers shared by the allocators
// (pkg/frame's order search, pkg/heap's tier-1 size-class lookup) that would
// otherwise be copy-pasted per call site. Grounded on the generic-search
// style of joeycumines/go-utilpkg's catrate package.
package genutil

import "golang.org/x/exp/constraints"

// CeilIndex returns the index of the smallest element in an ascending sorted
// slice that is >= want, or len(sorted) if every element is smaller. It is
// the generic binary search backing both "which buddy order has a free
// block" (pkg/frame) and "which tier-1 size class fits this request"
// (pkg/heap).
func CeilIndex[T constraints.Integer](sorted []T, want T) int {
	lo, hi := 0, len(sorted)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if sorted[mid] < want {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
