package heap

import (
	"sync"

	"github.com/exo-os/kernel/pkg/frame"
	"github.com/exo-os/kernel/pkg/units"
)

// cpuSlab is Tier 2 (spec.md §4.4): "per size class, a page list; each page
// is carved into objects that are chained into the slab's free-list the
// first time the page is obtained from Tier 3." One cpuSlab exists per
// configured CPU; its lock is held only across refill/reclaim, never while
// a Tier 1 cache is servicing an Alloc/Free.
type cpuSlab struct {
	mu    sync.Mutex
	tier3 *frame.Allocator
	free  [numClasses][]uintptr
}

func newCPUSlab(tier3 *frame.Allocator) *cpuSlab {
	return &cpuSlab{tier3: tier3}
}

// refill transfers up to n objects of the given size class into the
// caller's Tier 1 bin, obtaining fresh pages from Tier 3 as needed (spec.md
// §4.4: "On refill request, transfer up to N objects into the caller's Tier
// 1 bin").
func (s *cpuSlab) refill(classIdx int, n int) ([]uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for len(s.free[classIdx]) < n {
		if err := s.obtainPage(classIdx); err != nil {
			lastErr = err
			break
		}
	}

	take := n
	if take > len(s.free[classIdx]) {
		take = len(s.free[classIdx])
	}
	if take == 0 {
		return nil, lastErr
	}

	start := len(s.free[classIdx]) - take
	out := append([]uintptr(nil), s.free[classIdx][start:]...)
	s.free[classIdx] = s.free[classIdx][:start]
	return out, nil
}

// obtainPage pulls one 4 KiB page from Tier 3 and carves it into objects of
// the given size class, chaining them onto the slab's free-list.
func (s *cpuSlab) obtainPage(classIdx int) error {
	pa, err := s.tier3.AllocOrder(0)
	if err != nil {
		return err
	}
	objSize := uintptr(classSizes[classIdx])
	count := units.PageSize / uint64(objSize)
	for i := uint64(0); i < count; i++ {
		s.free[classIdx] = append(s.free[classIdx], pa+uintptr(i)*objSize)
	}
	return nil
}

// reclaim returns a flushed Tier 1 bin's objects to the slab's free-list for
// the given size class.
func (s *cpuSlab) reclaim(classIdx int, objs []uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free[classIdx] = append(s.free[classIdx], objs...)
}
