// Package sharedmem is the execution backend for local requests: it
// resolves backing file paths, keeps the map of open regions, and runs
// create/read/write/resize/delete/get-info against the region store.
package sharedmem

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/marmos91/meshfile/internal/logger"
	"github.com/marmos91/meshfile/pkg/meshfile"
	"github.com/marmos91/meshfile/pkg/region"
	"github.com/marmos91/meshfile/pkg/transport"
)

// Transport executes operations on memory-mapped regions.
//
// Regions are keyed by backing file path. The active map is consistent
// with the files on disk: Create inserts, Delete removes and destroys.
type Transport struct {
	baseDir string
	suffix  string

	mu      sync.RWMutex
	regions map[string]*region.Region
}

// New creates the shared-memory transport rooted at baseDir. The
// directory is created if missing.
func New(baseDir, suffix string) (*Transport, error) {
	if baseDir == "" {
		return nil, meshfile.NewError(meshfile.KindInvalidRequest, "files directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, meshfile.WrapIO("create files directory", baseDir, err)
	}
	if suffix == "" {
		suffix = "mshm"
	}
	return &Transport{
		baseDir: baseDir,
		suffix:  suffix,
		regions: make(map[string]*region.Region),
	}, nil
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return "shared_memory" }

// Kind implements transport.Transport.
func (t *Transport) Kind() meshfile.TransportKind { return meshfile.TransportSharedMemory }

// HealthSnapshot implements transport.Transport. The local transport is
// available as long as the process can reach its files directory.
func (t *Transport) HealthSnapshot() transport.Health {
	if _, err := os.Stat(t.baseDir); err != nil {
		return transport.Health{Available: false, Detail: err.Error()}
	}
	return transport.Health{Available: true}
}

// ResolvePath maps a request to its backing file path: the caller's
// explicit file_path when given, else {base_dir}/{identifier}.{suffix}.
func (t *Transport) ResolvePath(req *meshfile.SharedFileRequest) string {
	if req.FilePath != "" {
		return req.FilePath
	}
	return filepath.Join(t.baseDir, fmt.Sprintf("%s.%s", req.Identifier, t.suffix))
}

// lookup returns the open region for path, or nil.
func (t *Transport) lookup(path string) *region.Region {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.regions[path]
}

// open returns the region for path, opening the backing file lazily when
// another process (or a previous run) created it.
func (t *Transport) open(path string) (*region.Region, error) {
	if r := t.lookup(path); r != nil {
		return r, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if r := t.regions[path]; r != nil {
		return r, nil
	}
	r, err := region.Open(path)
	if err != nil {
		return nil, err
	}
	t.regions[path] = r
	return r, nil
}

// ExecuteRequest implements transport.Transport.
func (t *Transport) ExecuteRequest(ctx context.Context, req *meshfile.SharedFileRequest) (*meshfile.OperationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &meshfile.Error{Kind: meshfile.KindTimeout, Message: "operation cancelled", Err: err}
	}

	switch req.Operation.Kind {
	case meshfile.OpCreate:
		return t.create(req)
	case meshfile.OpRead:
		return t.read(req)
	case meshfile.OpWrite:
		return t.write(req)
	case meshfile.OpResize:
		return t.resize(req)
	case meshfile.OpDelete:
		return t.delete(req)
	case meshfile.OpGetInfo:
		return t.getInfo(req)
	default:
		return nil, meshfile.Errorf(meshfile.KindInvalidRequest, "unsupported operation %d", req.Operation.Kind)
	}
}

func (t *Transport) create(req *meshfile.SharedFileRequest) (*meshfile.OperationResult, error) {
	path := t.ResolvePath(req)

	r, err := region.Create(path, req.Operation.Size, req.Operation.InitialData)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.regions[path] = r
	t.mu.Unlock()

	logger.Debug("region created",
		logger.KeyIdentifier, req.Identifier,
		logger.KeyPath, path,
		logger.KeySize, req.Operation.Size)

	return &meshfile.OperationResult{
		Kind:      meshfile.OpCreate,
		SizeBytes: req.Operation.Size,
		Timestamp: time.Now(),
	}, nil
}

func (t *Transport) read(req *meshfile.SharedFileRequest) (*meshfile.OperationResult, error) {
	r, err := t.open(t.ResolvePath(req))
	if err != nil {
		return nil, err
	}

	data, err := r.ReadAt(req.Operation.Offset, req.Operation.Length)
	if err != nil {
		return nil, err
	}
	return &meshfile.OperationResult{
		Kind:      meshfile.OpRead,
		Data:      data,
		Timestamp: time.Now(),
	}, nil
}

func (t *Transport) write(req *meshfile.SharedFileRequest) (*meshfile.OperationResult, error) {
	path := t.ResolvePath(req)

	r, err := t.open(path)
	if err != nil {
		// Lazy create on write when the request's policy permits it.
		if meshfile.IsKind(err, meshfile.KindNotFound) && req.CreationPolicy != meshfile.NeverCreate {
			size := req.Operation.Offset + uint64(len(req.Operation.Data))
			r, err = region.Create(path, size, nil)
			if err != nil {
				return nil, err
			}
			t.mu.Lock()
			t.regions[path] = r
			t.mu.Unlock()
		} else {
			return nil, err
		}
	}

	if err := r.WriteAt(req.Operation.Offset, req.Operation.Data); err != nil {
		return nil, err
	}
	if req.Performance.Durability {
		if err := r.Sync(); err != nil {
			return nil, err
		}
	}
	return &meshfile.OperationResult{
		Kind:         meshfile.OpWrite,
		BytesWritten: uint64(len(req.Operation.Data)),
		Timestamp:    time.Now(),
	}, nil
}

func (t *Transport) resize(req *meshfile.SharedFileRequest) (*meshfile.OperationResult, error) {
	r, err := t.open(t.ResolvePath(req))
	if err != nil {
		return nil, err
	}
	if err := r.Resize(req.Operation.NewSize); err != nil {
		return nil, err
	}
	return &meshfile.OperationResult{
		Kind:      meshfile.OpResize,
		SizeBytes: req.Operation.NewSize,
		Timestamp: time.Now(),
	}, nil
}

func (t *Transport) delete(req *meshfile.SharedFileRequest) (*meshfile.OperationResult, error) {
	path := t.ResolvePath(req)

	t.mu.Lock()
	r := t.regions[path]
	delete(t.regions, path)
	t.mu.Unlock()

	if r == nil {
		// Not mapped here; remove the backing file if present.
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				return nil, &meshfile.Error{Kind: meshfile.KindNotFound, Message: "no region to delete", Path: path}
			}
			return nil, meshfile.WrapIO("unlink", path, err)
		}
	} else if err := r.Destroy(); err != nil {
		return nil, err
	}

	return &meshfile.OperationResult{
		Kind:      meshfile.OpDelete,
		Timestamp: time.Now(),
	}, nil
}

func (t *Transport) getInfo(req *meshfile.SharedFileRequest) (*meshfile.OperationResult, error) {
	r, err := t.open(t.ResolvePath(req))
	if err != nil {
		return nil, err
	}
	size, modified, err := r.Info()
	if err != nil {
		return nil, err
	}
	return &meshfile.OperationResult{
		Kind:       meshfile.OpGetInfo,
		SizeBytes:  size,
		ModifiedAt: time.Unix(modified, 0),
		Timestamp:  time.Now(),
	}, nil
}

// DestroyRegion unmaps and deletes the region at path, if open here.
// Used by the manager's disconnect and cleanup paths.
func (t *Transport) DestroyRegion(path string) error {
	t.mu.Lock()
	r := t.regions[path]
	delete(t.regions, path)
	t.mu.Unlock()

	if r == nil {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return meshfile.WrapIO("unlink", path, err)
		}
		return nil
	}
	return r.Destroy()
}

// ReleaseRegion unmaps the region at path but keeps the backing file,
// for regions that persist after their last disconnect.
func (t *Transport) ReleaseRegion(path string) error {
	t.mu.Lock()
	r := t.regions[path]
	delete(t.regions, path)
	t.mu.Unlock()

	if r == nil {
		return nil
	}
	return r.Close()
}

// RegionSize returns the current size of the region at path.
func (t *Transport) RegionSize(path string) (uint64, error) {
	r, err := t.open(path)
	if err != nil {
		return 0, err
	}
	return r.Len(), nil
}

// Close unmaps every open region without deleting backing files.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for path, r := range t.regions {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.regions, path)
	}
	return firstErr
}
