// Package region owns the memory-mapped byte ranges backing shared files.
//
// A Region is a byte range mapped read/write from a backing file on disk.
// All ranged I/O is bounds checked: offset + len must not exceed the region
// length, and violations fail without partial effect.
//
// Concurrency follows a per-region reader/writer discipline. Concurrent
// reads are permitted; writes and resizes are exclusive. A resize swaps
// the mapping under the write lock, so readers never observe a stale map.
package region

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/marmos91/meshfile/pkg/meshfile"
)

// DefaultFileMode is the permission bits for newly created backing files.
const DefaultFileMode = 0o644

// Region is a memory-mapped byte range backed by a file on disk.
//
// Exactly one Region exists per active file id. The backing file is
// exclusively owned by the Region; no out-of-band writers are expected.
type Region struct {
	mu sync.RWMutex

	path   string
	file   *os.File
	data   []byte
	length uint64

	// destroyed makes Destroy idempotent and poisons further I/O.
	destroyed bool
}

// Create reserves a backing file of exactly size bytes at path, maps it
// read/write, and optionally copies initial bytes into the head.
//
// The file is zero-initialized beyond the initial data. Fails with
// KindAlreadyExists if the path is already occupied.
func Create(path string, size uint64, initial []byte) (*Region, error) {
	if size == 0 {
		return nil, meshfile.NewError(meshfile.KindInvalidRequest, "region size must be positive")
	}
	if uint64(len(initial)) > size {
		return nil, meshfile.Errorf(meshfile.KindInvalidRequest,
			"initial data (%d bytes) exceeds region size (%d bytes)", len(initial), size)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, DefaultFileMode)
	if err != nil {
		if os.IsExist(err) {
			return nil, &meshfile.Error{Kind: meshfile.KindAlreadyExists, Message: "backing file already exists", Path: path}
		}
		return nil, meshfile.WrapIO("create backing file", path, err)
	}

	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, meshfile.WrapIO("truncate backing file", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, meshfile.WrapIO("mmap backing file", path, err)
	}

	copy(data, initial)

	return &Region{
		path:   path,
		file:   f,
		data:   data,
		length: size,
	}, nil
}

// Open maps an existing backing file read/write.
//
// Fails with KindNotFound if the file is absent.
func Open(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, DefaultFileMode)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &meshfile.Error{Kind: meshfile.KindNotFound, Message: "backing file not found", Path: path}
		}
		return nil, meshfile.WrapIO("open backing file", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, meshfile.WrapIO("stat backing file", path, err)
	}
	size := uint64(info.Size())
	if size == 0 {
		f.Close()
		return nil, &meshfile.Error{Kind: meshfile.KindIoFailure, Message: "backing file is empty", Path: path}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, meshfile.WrapIO("mmap backing file", path, err)
	}

	return &Region{
		path:   path,
		file:   f,
		data:   data,
		length: size,
	}, nil
}

// Path returns the backing file path.
func (r *Region) Path() string {
	return r.path
}

// Len returns the current region length in bytes.
func (r *Region) Len() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.length
}

// checkRange validates offset+length against the region length.
// Callers must hold at least the read lock.
func (r *Region) checkRange(offset, length uint64) error {
	if r.destroyed {
		return &meshfile.Error{Kind: meshfile.KindNotFound, Message: "region destroyed", Path: r.path}
	}
	// Guard the sum against wrap-around before comparing.
	if offset > r.length || length > r.length-offset {
		return meshfile.Errorf(meshfile.KindOutOfBounds,
			"range [%d, %d) exceeds region length %d", offset, offset+length, r.length)
	}
	return nil
}

// ReadAt copies length bytes starting at offset out of the region.
func (r *Region) ReadAt(offset, length uint64) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.checkRange(offset, length); err != nil {
		return nil, err
	}

	out := make([]byte, length)
	copy(out, r.data[offset:offset+length])
	return out, nil
}

// WriteAt copies buf into the region starting at offset.
func (r *Region) WriteAt(offset uint64, buf []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRange(offset, uint64(len(buf))); err != nil {
		return err
	}

	copy(r.data[offset:], buf)
	return nil
}

// Sync flushes dirty pages to the backing file.
func (r *Region) Sync() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.destroyed {
		return &meshfile.Error{Kind: meshfile.KindNotFound, Message: "region destroyed", Path: r.path}
	}
	if err := unix.Msync(r.data, unix.MS_SYNC); err != nil {
		return meshfile.WrapIO("msync", r.path, err)
	}
	return nil
}

// Resize truncates or extends the backing file to newSize and re-maps it.
// The prefix common to the old and new sizes is preserved.
//
// Resize invalidates any mapping handed out before it; in-flight readers
// are excluded by the write lock and re-acquire afterwards.
func (r *Region) Resize(newSize uint64) error {
	if newSize == 0 {
		return meshfile.NewError(meshfile.KindInvalidRequest, "resize to zero is not permitted")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return &meshfile.Error{Kind: meshfile.KindNotFound, Message: "region destroyed", Path: r.path}
	}
	if newSize == r.length {
		return nil
	}

	if err := unix.Munmap(r.data); err != nil {
		return meshfile.WrapIO("munmap", r.path, err)
	}
	r.data = nil

	if err := r.file.Truncate(int64(newSize)); err != nil {
		// Try to restore the previous mapping so the region stays usable.
		if data, merr := unix.Mmap(int(r.file.Fd()), 0, int(r.length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED); merr == nil {
			r.data = data
		}
		return meshfile.WrapIO("truncate", r.path, err)
	}

	data, err := unix.Mmap(int(r.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		// The old mapping is gone and the new one failed; poison the
		// region so later I/O fails cleanly instead of touching nil.
		r.destroyed = true
		return meshfile.WrapIO("mmap after resize", r.path, err)
	}

	r.data = data
	r.length = newSize
	return nil
}

// Close unmaps the region and closes the backing file without deleting it.
// Used when the region must persist after the manager lets go of it.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.teardownLocked(false)
}

// Destroy unmaps the region and deletes the backing file. Idempotent.
func (r *Region) Destroy() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.teardownLocked(true)
}

func (r *Region) teardownLocked(remove bool) error {
	if r.destroyed {
		return nil
	}
	r.destroyed = true

	var firstErr error
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			firstErr = meshfile.WrapIO("munmap", r.path, err)
		}
		r.data = nil
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil && firstErr == nil {
			firstErr = meshfile.WrapIO("close", r.path, err)
		}
		r.file = nil
	}
	if remove {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = meshfile.WrapIO("unlink", r.path, err)
		}
	}
	return firstErr
}

// Info returns the backing file metadata (size plus modification time).
func (r *Region) Info() (size uint64, modified int64, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.destroyed {
		return 0, 0, &meshfile.Error{Kind: meshfile.KindNotFound, Message: "region destroyed", Path: r.path}
	}
	info, err := r.file.Stat()
	if err != nil {
		return 0, 0, meshfile.WrapIO("stat", r.path, err)
	}
	return r.length, info.ModTime().Unix(), nil
}

// String implements fmt.Stringer for log output.
func (r *Region) String() string {
	return fmt.Sprintf("region(%s, %d bytes)", r.path, r.Len())
}
