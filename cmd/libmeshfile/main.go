// Package main builds the c-shared library exposing the stable C ABI.
//
// Build with:
//
//	go build -buildmode=c-shared -o libmeshfile.so ./cmd/libmeshfile
//
// Ownership rules across the boundary:
//   - Borrowed const char* arguments stay owned by the caller for the
//     duration of the call.
//   - Every char* or array returned by this library is heap-allocated
//     by the callee and must be freed with the paired deallocator
//     (meshfile_free_string, meshfile_free_service_info_array). The one
//     exception is meshfile_version, whose string is static and must
//     not be freed.
//   - Freeing through any other allocator, or freeing twice, is
//     undefined behavior.
package main

/*
#include <stdlib.h>
#include <string.h>

typedef struct {
	unsigned long long instance_id;
	int error_code;
} meshfile_handle_t;

typedef struct {
	unsigned long long check_interval_ms;
	unsigned long long timeout_ms;
	unsigned int failure_threshold;
	unsigned int success_threshold;
} meshfile_health_config_t;

typedef struct {
	int strategy;
} meshfile_lb_config_t;

typedef struct {
	const char* name;
	const char* endpoint;
	unsigned int weight;
} meshfile_service_config_t;

typedef struct {
	char* id;
	char* name;
	char* endpoint;
	unsigned int weight;
	int health;
} meshfile_service_info_t;

typedef struct {
	int running;
	int service_names;
	int instances;
	unsigned long long selections_total;
} meshfile_mesh_stats_t;
*/
import "C"

import (
	"time"
	"unsafe"

	"github.com/marmos91/meshfile/pkg/ffi"
	"github.com/marmos91/meshfile/pkg/mesh"
)

func main() {}

//export meshfile_ffi_init
func meshfile_ffi_init() C.int {
	return C.int(ffi.Init())
}

//export meshfile_ffi_cleanup
func meshfile_ffi_cleanup() C.int {
	return C.int(ffi.Cleanup())
}

// meshfile_version returns a static string; the caller must NOT free it.
//
//export meshfile_version
func meshfile_version() *C.char {
	return versionString
}

var versionString = C.CString(ffi.Version)

//export meshfile_create_mesh
func meshfile_create_mesh(nodeID *C.char, port C.ushort) C.meshfile_handle_t {
	if nodeID == nil || port == 0 {
		return C.meshfile_handle_t{error_code: C.int(ffi.InvalidParameter)}
	}
	h := ffi.CreateMesh(C.GoString(nodeID), uint16(port))
	return C.meshfile_handle_t{
		instance_id: C.ulonglong(h.InstanceID),
		error_code:  C.int(h.ErrorCode),
	}
}

//export meshfile_start_mesh
func meshfile_start_mesh(h C.meshfile_handle_t) C.int {
	return C.int(ffi.StartMesh(uint64(h.instance_id)))
}

//export meshfile_stop_mesh
func meshfile_stop_mesh(h C.meshfile_handle_t) C.int {
	return C.int(ffi.StopMesh(uint64(h.instance_id)))
}

//export meshfile_destroy_mesh
func meshfile_destroy_mesh(h C.meshfile_handle_t) C.int {
	return C.int(ffi.DestroyMesh(uint64(h.instance_id)))
}

//export meshfile_is_mesh_running
func meshfile_is_mesh_running(h C.meshfile_handle_t) C.int {
	return C.int(ffi.IsMeshRunning(uint64(h.instance_id)))
}

// meshfile_get_node_id returns a heap string; ownership passes to the
// caller, who frees it with meshfile_free_string.
//
//export meshfile_get_node_id
func meshfile_get_node_id(h C.meshfile_handle_t) *C.char {
	nodeID, code := ffi.GetNodeID(uint64(h.instance_id))
	if code != ffi.Success {
		return nil
	}
	return C.CString(nodeID)
}

//export meshfile_configure_mesh
func meshfile_configure_mesh(h C.meshfile_handle_t, health *C.meshfile_health_config_t, lb *C.meshfile_lb_config_t) C.int {
	var hc *mesh.HealthConfig
	if health != nil {
		if health.check_interval_ms == 0 || health.timeout_ms == 0 ||
			health.failure_threshold == 0 || health.success_threshold == 0 {
			return C.int(ffi.InvalidParameter)
		}
		hc = &mesh.HealthConfig{
			CheckInterval:    time.Duration(health.check_interval_ms) * time.Millisecond,
			Timeout:          time.Duration(health.timeout_ms) * time.Millisecond,
			FailureThreshold: uint32(health.failure_threshold),
			SuccessThreshold: uint32(health.success_threshold),
		}
	}

	var lc *mesh.LoadBalancerConfig
	if lb != nil {
		lc = &mesh.LoadBalancerConfig{Strategy: mesh.Strategy(lb.strategy)}
	}

	return C.int(ffi.ConfigureMesh(uint64(h.instance_id), hc, lc))
}

//export meshfile_register_service
func meshfile_register_service(h C.meshfile_handle_t, cfg *C.meshfile_service_config_t) C.int {
	if cfg == nil || cfg.name == nil || cfg.endpoint == nil {
		return C.int(ffi.InvalidParameter)
	}
	return C.int(ffi.RegisterService(uint64(h.instance_id), mesh.ServiceConfig{
		Name:     C.GoString(cfg.name),
		Endpoint: C.GoString(cfg.endpoint),
		Weight:   uint32(cfg.weight),
	}))
}

// fillServiceInfo populates one C service-info struct; the strings are
// callee-allocated for the caller to free through the array deallocator.
func fillServiceInfo(dst *C.meshfile_service_info_t, src *mesh.ServiceInfo) {
	dst.id = C.CString(src.ID)
	dst.name = C.CString(src.Name)
	dst.endpoint = C.CString(src.Endpoint)
	dst.weight = C.uint(src.Weight)
	dst.health = C.int(src.Health)
}

// meshfile_discover_services writes a callee-allocated array of service
// infos to *out and its length to *count. Ownership of the array and
// its strings passes to the caller; free with
// meshfile_free_service_info_array.
//
//export meshfile_discover_services
func meshfile_discover_services(h C.meshfile_handle_t, name *C.char, out **C.meshfile_service_info_t, count *C.size_t) C.int {
	if name == nil || out == nil || count == nil {
		return C.int(ffi.InvalidParameter)
	}

	infos, code := ffi.DiscoverServices(uint64(h.instance_id), C.GoString(name))
	if code != ffi.Success {
		return C.int(code)
	}

	*count = C.size_t(len(infos))
	if len(infos) == 0 {
		*out = nil
		return C.int(ffi.Success)
	}

	arr := meshfile_alloc_service_info_array(C.size_t(len(infos)))
	if arr == nil {
		return C.int(ffi.AllocError)
	}

	slice := unsafe.Slice(arr, len(infos))
	for i := range infos {
		fillServiceInfo(&slice[i], &infos[i])
	}
	*out = arr
	return C.int(ffi.Success)
}

// meshfile_select_service fills the caller-provided out struct with the
// selected instance. The struct's strings are callee-allocated; free
// each with meshfile_free_string. clientID may be null.
//
//export meshfile_select_service
func meshfile_select_service(h C.meshfile_handle_t, name *C.char, clientID *C.char, out *C.meshfile_service_info_t) C.int {
	if name == nil || out == nil {
		return C.int(ffi.InvalidParameter)
	}

	client := ""
	if clientID != nil {
		client = C.GoString(clientID)
	}

	info, code := ffi.SelectService(uint64(h.instance_id), C.GoString(name), client)
	if code != ffi.Success {
		return C.int(code)
	}
	fillServiceInfo(out, info)
	return C.int(ffi.Success)
}

//export meshfile_get_mesh_stats
func meshfile_get_mesh_stats(h C.meshfile_handle_t, out *C.meshfile_mesh_stats_t) C.int {
	if out == nil {
		return C.int(ffi.InvalidParameter)
	}

	stats, code := ffi.GetMeshStats(uint64(h.instance_id))
	if code != ffi.Success {
		return C.int(code)
	}

	running := C.int(0)
	if stats.Running {
		running = 1
	}
	out.running = running
	out.service_names = C.int(stats.ServiceNames)
	out.instances = C.int(stats.Instances)
	out.selections_total = C.ulonglong(stats.SelectionsTotal)
	return C.int(ffi.Success)
}

// Memory helpers. Foreign callers must pair every allocation with the
// matching deallocator from this library, never their own runtime's.

//export meshfile_malloc
func meshfile_malloc(size C.size_t) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	return C.malloc(size)
}

//export meshfile_free
func meshfile_free(ptr unsafe.Pointer) {
	if ptr != nil {
		C.free(ptr)
	}
}

//export meshfile_strdup
func meshfile_strdup(s *C.char) *C.char {
	if s == nil {
		return nil
	}
	return C.strdup(s)
}

//export meshfile_free_string
func meshfile_free_string(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

//export meshfile_alloc_service_info_array
func meshfile_alloc_service_info_array(n C.size_t) *C.meshfile_service_info_t {
	if n == 0 {
		return nil
	}
	size := C.size_t(unsafe.Sizeof(C.meshfile_service_info_t{})) * n
	ptr := C.malloc(size)
	if ptr == nil {
		return nil
	}
	C.memset(ptr, 0, size)
	return (*C.meshfile_service_info_t)(ptr)
}

// meshfile_free_service_info_array frees an array returned by
// meshfile_discover_services, including its strings.
//
//export meshfile_free_service_info_array
func meshfile_free_service_info_array(arr *C.meshfile_service_info_t, n C.size_t) {
	if arr == nil {
		return
	}
	slice := unsafe.Slice(arr, int(n))
	for i := range slice {
		meshfile_free_string(slice[i].id)
		meshfile_free_string(slice[i].name)
		meshfile_free_string(slice[i].endpoint)
	}
	C.free(unsafe.Pointer(arr))
}
