package manager

import (
	"sync"
	"time"

	"github.com/marmos91/meshfile/pkg/meshfile"
)

// RegionEntry is the registry value for one active region.
//
// The registry lock orders entry lookup; per-entry mutations take the
// entry's own lock. Lock acquisition order is always registry → entry.
type RegionEntry struct {
	mu sync.Mutex

	// FileID and Identifier never change after insertion.
	FileID     meshfile.FileID
	Identifier string

	// Path is the backing file location.
	Path string

	CreatedAt  time.Time
	LastAccess time.Time

	// ConnectionCount transitions only via RequestFile (+1) and
	// DisconnectFile (−1) and never goes negative.
	ConnectionCount uint32

	// TTLDeadline is zero when the region has no TTL.
	TTLDeadline time.Time

	AutoCleanup            bool
	PersistAfterDisconnect bool

	// MaxConnections caps concurrent connections. 0 means uncapped.
	MaxConnections uint32

	// Request is the snapshot of the request that created the region.
	Request meshfile.SharedFileRequest

	// Callers is the set of authenticated identities connected now.
	Callers map[string]struct{}
}

// connect bumps the connection count, enforcing the per-region cap.
func (e *RegionEntry) connect(callerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.MaxConnections > 0 && e.ConnectionCount >= e.MaxConnections {
		return meshfile.Errorf(meshfile.KindPolicyViolation,
			"region connection limit (%d) reached", e.MaxConnections)
	}
	e.ConnectionCount++
	e.LastAccess = time.Now()
	if e.Callers == nil {
		e.Callers = make(map[string]struct{})
	}
	e.Callers[callerID] = struct{}{}
	return nil
}

// disconnect decrements the connection count and reports the new value.
func (e *RegionEntry) disconnect() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ConnectionCount > 0 {
		e.ConnectionCount--
	}
	e.LastAccess = time.Now()
	return e.ConnectionCount
}

// rollbackConnect reverts a connect whose request later failed.
func (e *RegionEntry) rollbackConnect(callerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ConnectionCount > 0 {
		e.ConnectionCount--
	}
	delete(e.Callers, callerID)
}

// touch refreshes the last-access time.
func (e *RegionEntry) touch() {
	e.mu.Lock()
	e.LastAccess = time.Now()
	e.mu.Unlock()
}

// snapshot copies the mutable fields for response assembly.
func (e *RegionEntry) snapshot(size uint64) meshfile.FileMetadata {
	e.mu.Lock()
	defer e.mu.Unlock()

	return meshfile.FileMetadata{
		SizeBytes:       size,
		CreatedAt:       e.CreatedAt,
		LastAccess:      e.LastAccess,
		ConnectionCount: e.ConnectionCount,
		TTLDeadline:     e.TTLDeadline,
	}
}

// expired reports whether the entry is past its TTL at now.
func (e *RegionEntry) expired(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.TTLDeadline.IsZero() && now.After(e.TTLDeadline)
}

// idle reports whether the entry is auto-cleanup eligible: no observed
// access within the heartbeat window.
func (e *RegionEntry) idle(now time.Time, heartbeat time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.AutoCleanup && now.Sub(e.LastAccess) > heartbeat
}

// connections returns the current connection count.
func (e *RegionEntry) connections() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ConnectionCount
}
