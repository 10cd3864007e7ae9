package manager

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/meshfile/pkg/meshfile"
)

func TestAllocatorMonotone(t *testing.T) {
	var a idAllocator

	prev := meshfile.InvalidFileID
	for i := 0; i < 1000; i++ {
		id, err := a.next()
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestAllocatorNeverHandsOutZero(t *testing.T) {
	var a idAllocator
	id, err := a.next()
	require.NoError(t, err)
	assert.NotEqual(t, meshfile.InvalidFileID, id)
}

// Under N concurrent allocation tasks, the multiset of allocated ids has
// size N: no duplicates under adversarial interleaving.
func TestAllocatorConcurrentUniqueness(t *testing.T) {
	for _, workers := range []int{1, 4, 16, 50} {
		var a idAllocator
		const perWorker = 200

		ids := make(chan meshfile.FileID, workers*perWorker)
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					id, err := a.next()
					if err != nil {
						t.Error(err)
						return
					}
					ids <- id
				}
			}()
		}
		wg.Wait()
		close(ids)

		seen := make(map[meshfile.FileID]struct{}, workers*perWorker)
		for id := range ids {
			_, dup := seen[id]
			require.False(t, dup, "duplicate id %d with %d workers", id, workers)
			seen[id] = struct{}{}
		}
		require.Len(t, seen, workers*perWorker)
	}
}

func TestAllocatorSeed(t *testing.T) {
	var a idAllocator
	a.seed(100)

	id, err := a.next()
	require.NoError(t, err)
	assert.Equal(t, meshfile.FileID(101), id)

	// Seeding backwards is ignored.
	a.seed(50)
	id, err = a.next()
	require.NoError(t, err)
	assert.Equal(t, meshfile.FileID(102), id)
}

func TestAllocatorExhaustion(t *testing.T) {
	var a idAllocator
	a.seed(math.MaxUint64 - 1)

	_, err := a.next()
	require.Error(t, err)
	assert.Equal(t, meshfile.KindOverflow, meshfile.KindOf(err))
}
