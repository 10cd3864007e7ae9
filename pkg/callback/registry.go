// Package callback provides the field-change notification registry used
// when a region is structured as typed fields.
//
// Each (writer, field) key holds at most one callback: single-writer
// semantics per key. Callbacks run synchronously on the mutating
// caller's goroutine and must not re-enter the manager.
package callback

import (
	"sync"

	"github.com/marmos91/meshfile/pkg/meshfile"
)

// Change describes one field mutation delivered to a callback.
type Change struct {
	// WriterID identifies the writer that owns the field.
	WriterID uint64

	// Field is the mutated field's name.
	Field string

	// Old and New are the serialized field values. Old is nil on the
	// first write.
	Old []byte
	New []byte
}

// Func is the callback signature.
type Func func(Change)

type key struct {
	writerID uint64
	field    string
}

// Registry maps (writer, field) to its callback.
type Registry struct {
	mu        sync.RWMutex
	callbacks map[key]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{callbacks: make(map[key]Func)}
}

// Register installs fn for (writerID, field). A key that already holds a
// callback is rejected, even when the same writer registers it again;
// Replace overwrites instead. Different writers may each register the
// same field name.
func (r *Registry) Register(writerID uint64, field string, fn Func) error {
	if field == "" {
		return meshfile.NewError(meshfile.KindInvalidRequest, "field name must not be empty")
	}
	if fn == nil {
		return meshfile.NewError(meshfile.KindInvalidRequest, "callback must not be nil")
	}

	k := key{writerID: writerID, field: field}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.callbacks[k]; exists {
		return meshfile.Errorf(meshfile.KindAlreadyExists,
			"field %q already has a callback for writer %d", field, writerID)
	}
	r.callbacks[k] = fn
	return nil
}

// Replace installs fn for (writerID, field), overwriting any previous
// registration by the same writer.
func (r *Registry) Replace(writerID uint64, field string, fn Func) error {
	if field == "" {
		return meshfile.NewError(meshfile.KindInvalidRequest, "field name must not be empty")
	}
	if fn == nil {
		return meshfile.NewError(meshfile.KindInvalidRequest, "callback must not be nil")
	}

	r.mu.Lock()
	r.callbacks[key{writerID: writerID, field: field}] = fn
	r.mu.Unlock()
	return nil
}

// Notify invokes the callback for (writerID, field), if any, on the
// calling goroutine. Returns whether a callback ran.
func (r *Registry) Notify(change Change) bool {
	r.mu.RLock()
	fn := r.callbacks[key{writerID: change.WriterID, field: change.Field}]
	r.mu.RUnlock()

	if fn == nil {
		return false
	}
	fn(change)
	return true
}

// Remove drops the callback for (writerID, field). Removing an absent
// key is not an error.
func (r *Registry) Remove(writerID uint64, field string) {
	r.mu.Lock()
	delete(r.callbacks, key{writerID: writerID, field: field})
	r.mu.Unlock()
}

// RemoveWriter drops every callback owned by writerID, for writer
// teardown. Returns the number removed.
func (r *Registry) RemoveWriter(writerID uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for k := range r.callbacks {
		if k.writerID == writerID {
			delete(r.callbacks, k)
			n++
		}
	}
	return n
}

// Len returns the number of registered callbacks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.callbacks)
}
