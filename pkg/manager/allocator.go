package manager

import (
	"math"
	"sync/atomic"

	"github.com/marmos91/meshfile/pkg/meshfile"
)

// idAllocator produces process-wide unique, monotonically increasing
// file ids. Zero is never handed out; ids are never reused within a
// manager's lifetime.
type idAllocator struct {
	last atomic.Uint64
}

// seed fast-forwards the allocator past a persisted high-water mark.
// Seeding backwards is ignored so ids stay monotone.
func (a *idAllocator) seed(highWater uint64) {
	for {
		cur := a.last.Load()
		if cur >= highWater {
			return
		}
		if a.last.CompareAndSwap(cur, highWater) {
			return
		}
	}
}

// next allocates the next file id, detecting exhaustion.
func (a *idAllocator) next() (meshfile.FileID, error) {
	id := a.last.Add(1)
	if id == 0 || id == math.MaxUint64 {
		// Wrapped (or about to): the id space is exhausted.
		return meshfile.InvalidFileID, meshfile.NewError(meshfile.KindOverflow, "file id space exhausted")
	}
	return meshfile.FileID(id), nil
}

// highWater returns the last allocated id, for persistence.
func (a *idAllocator) highWater() uint64 {
	return a.last.Load()
}
