// Package ffi holds the process-wide state behind the stable C ABI: the
// handle-to-instance table, the closed error-code enum, and the
// operations the C shim forwards to.
//
// Everything here is pure Go so the ABI semantics are testable without
// cgo; cmd/libmeshfile is a thin translation layer over this package.
package ffi

import (
	"sync"

	"github.com/marmos91/meshfile/pkg/mesh"
)

// Version is the ABI version string reported to foreign callers.
const Version = "1.0.0"

// Error codes across the ABI. The enum is closed: additions get new
// values, existing values never change meaning.
const (
	Success             int32 = 0
	InitializationError int32 = 1
	InvalidParameter    int32 = 2
	InstanceNotFound    int32 = 3
	AllocError          int32 = 4
)

// Handle identifies a mesh instance across the ABI. InstanceID zero
// denotes failure; ErrorCode carries the reason.
type Handle struct {
	InstanceID uint64
	ErrorCode  int32
}

var (
	mu          sync.Mutex
	initialized bool
	instances   map[uint64]*mesh.Mesh

	// nextID is monotone for the process lifetime, so a stale handle
	// can never alias a newer instance.
	nextID uint64
)

// Init sets up the global instance registry. Idempotent: the second and
// later calls succeed without touching existing state.
func Init() int32 {
	mu.Lock()
	defer mu.Unlock()

	if initialized {
		return Success
	}
	instances = make(map[uint64]*mesh.Mesh)
	initialized = true
	return Success
}

// Cleanup stops and discards every instance. Safe after Init, and a
// no-op without a prior Init. Calling it twice is benign.
func Cleanup() int32 {
	mu.Lock()
	defer mu.Unlock()

	for id, m := range instances {
		_ = m.Stop()
		delete(instances, id)
	}
	instances = nil
	initialized = false
	return Success
}

// Reset clears all global state including the id counter. Test-only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	instances = nil
	initialized = false
	nextID = 0
}

// InstanceCount returns the number of live instances. Test-only.
func InstanceCount() int {
	mu.Lock()
	defer mu.Unlock()
	return len(instances)
}

// CreateMesh instantiates a mesh node and registers it in the handle
// table.
func CreateMesh(nodeID string, port uint16) Handle {
	if nodeID == "" || port == 0 {
		return Handle{ErrorCode: InvalidParameter}
	}

	mu.Lock()
	defer mu.Unlock()

	if !initialized {
		return Handle{ErrorCode: InitializationError}
	}

	m, err := mesh.New(nodeID, port)
	if err != nil {
		return Handle{ErrorCode: InvalidParameter}
	}

	nextID++
	instances[nextID] = m
	return Handle{InstanceID: nextID, ErrorCode: Success}
}

// lookup resolves an instance id under the lock.
func lookup(instanceID uint64) (*mesh.Mesh, int32) {
	mu.Lock()
	defer mu.Unlock()

	if !initialized {
		return nil, InitializationError
	}
	m, ok := instances[instanceID]
	if !ok {
		return nil, InstanceNotFound
	}
	return m, Success
}

// DestroyMesh stops an instance and removes it from the table.
func DestroyMesh(instanceID uint64) int32 {
	mu.Lock()
	defer mu.Unlock()

	if !initialized {
		return InitializationError
	}
	m, ok := instances[instanceID]
	if !ok {
		return InstanceNotFound
	}
	_ = m.Stop()
	delete(instances, instanceID)
	return Success
}

// StartMesh starts the instance.
func StartMesh(instanceID uint64) int32 {
	m, code := lookup(instanceID)
	if code != Success {
		return code
	}
	if err := m.Start(); err != nil {
		return InitializationError
	}
	return Success
}

// StopMesh stops the instance.
func StopMesh(instanceID uint64) int32 {
	m, code := lookup(instanceID)
	if code != Success {
		return code
	}
	if err := m.Stop(); err != nil {
		return InitializationError
	}
	return Success
}

// IsMeshRunning returns 1 when running, 0 when stopped, -1 on a bad
// handle.
func IsMeshRunning(instanceID uint64) int32 {
	m, code := lookup(instanceID)
	if code != Success {
		return -1
	}
	if m.IsRunning() {
		return 1
	}
	return 0
}

// GetNodeID returns the instance's node id.
func GetNodeID(instanceID uint64) (string, int32) {
	m, code := lookup(instanceID)
	if code != Success {
		return "", code
	}
	return m.NodeID(), Success
}

// ConfigureMesh updates health and load-balancer settings. Nil
// sub-configs mean "unchanged".
func ConfigureMesh(instanceID uint64, health *mesh.HealthConfig, lb *mesh.LoadBalancerConfig) int32 {
	m, code := lookup(instanceID)
	if code != Success {
		return code
	}
	if err := m.Configure(health, lb); err != nil {
		return InvalidParameter
	}
	return Success
}

// RegisterService registers a service instance.
func RegisterService(instanceID uint64, cfg mesh.ServiceConfig) int32 {
	m, code := lookup(instanceID)
	if code != Success {
		return code
	}
	if _, err := m.RegisterService(cfg); err != nil {
		return InvalidParameter
	}
	return Success
}

// DiscoverServices lists instances of a named service.
func DiscoverServices(instanceID uint64, name string) ([]mesh.ServiceInfo, int32) {
	if name == "" {
		return nil, InvalidParameter
	}
	m, code := lookup(instanceID)
	if code != Success {
		return nil, code
	}
	return m.DiscoverServices(name), Success
}

// SelectService picks one instance of a named service.
func SelectService(instanceID uint64, name, clientID string) (*mesh.ServiceInfo, int32) {
	if name == "" {
		return nil, InvalidParameter
	}
	m, code := lookup(instanceID)
	if code != Success {
		return nil, code
	}
	info, err := m.SelectService(name, clientID)
	if err != nil {
		return nil, InstanceNotFound
	}
	return info, Success
}

// GetMeshStats summarizes the instance.
func GetMeshStats(instanceID uint64) (mesh.Stats, int32) {
	m, code := lookup(instanceID)
	if code != Success {
		return mesh.Stats{}, code
	}
	return m.StatsNow(), Success
}
