package callback

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/meshfile/pkg/meshfile"
)

func TestRegisterAndNotify(t *testing.T) {
	r := NewRegistry()

	var got Change
	require.NoError(t, r.Register(1, "status", func(c Change) { got = c }))

	ran := r.Notify(Change{WriterID: 1, Field: "status", New: []byte("ready")})
	assert.True(t, ran)
	assert.Equal(t, []byte("ready"), got.New)
}

func TestSingleWriterPerKey(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(1, "status", func(Change) {}))

	err := r.Register(1, "status", func(Change) {})
	require.Error(t, err)
	assert.Equal(t, meshfile.KindAlreadyExists, meshfile.KindOf(err))

	// A different writer may own the same field name.
	require.NoError(t, r.Register(2, "status", func(Change) {}))
}

func TestReplace(t *testing.T) {
	r := NewRegistry()

	first, second := 0, 0
	require.NoError(t, r.Register(1, "v", func(Change) { first++ }))
	require.NoError(t, r.Replace(1, "v", func(Change) { second++ }))

	r.Notify(Change{WriterID: 1, Field: "v"})
	assert.Zero(t, first)
	assert.Equal(t, 1, second)
}

func TestNotifyUnregisteredKey(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Notify(Change{WriterID: 9, Field: "none"}))
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register(1, "", func(Change) {}))
	require.Error(t, r.Register(1, "f", nil))
}

func TestRemoveWriter(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(1, "a", func(Change) {}))
	require.NoError(t, r.Register(1, "b", func(Change) {}))
	require.NoError(t, r.Register(2, "a", func(Change) {}))

	assert.Equal(t, 2, r.RemoveWriter(1))
	assert.Equal(t, 1, r.Len())
	assert.False(t, r.Notify(Change{WriterID: 1, Field: "a"}))
	assert.True(t, r.Notify(Change{WriterID: 2, Field: "a"}))
}

func TestConcurrentNotifyAndRemove(t *testing.T) {
	r := NewRegistry()

	var mu sync.Mutex
	count := 0
	for w := uint64(0); w < 8; w++ {
		require.NoError(t, r.Register(w, "field", func(Change) {
			mu.Lock()
			count++
			mu.Unlock()
		}))
	}

	var wg sync.WaitGroup
	for w := uint64(0); w < 8; w++ {
		wg.Add(2)
		go func(id uint64) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Notify(Change{WriterID: id, Field: "field"})
			}
		}(w)
		go func(id uint64) {
			defer wg.Done()
			if id%2 == 0 {
				r.RemoveWriter(id)
			}
		}(w)
	}
	wg.Wait()

	// Odd writers survive; even writers are gone.
	assert.Equal(t, 4, r.Len())
}
