//go:build !windows

package mmap

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// shmDir is where POSIX shared-memory objects appear on Linux.
const shmDir = "/dev/shm"

// SharedSegment is a read-write mapping of a named POSIX shared-memory
// object. The segment is created if it does not exist and grown to at least
// the requested size. The kernel zero-fills new pages, so readers may only be
// granted access after OpenShared returns; they will never observe garbage.
type SharedSegment struct {
	name   string
	data   []byte
	size   int
	closed atomic.Bool
}

// OpenShared opens (creating if necessary) the shared-memory object with the
// given name and maps size bytes of it read-write.
func OpenShared(name string, size int) (*SharedSegment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mmap: shared segment size must be positive, got %d", size)
	}

	path := filepath.Join(shmDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("mmap: open shared segment %q: %w", name, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("mmap: stat shared segment %q: %w", name, err)
	}
	// Never shrink an existing segment; another process may hold a larger
	// mapping of it.
	if fi.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			return nil, fmt.Errorf("mmap: grow shared segment %q to %d bytes: %w", name, size, err)
		}
	}

	data, err := osMapShared(f, size)
	if err != nil {
		return nil, fmt.Errorf("mmap: map shared segment %q: %w", name, err)
	}

	return &SharedSegment{
		name: name,
		data: data,
		size: size,
	}, nil
}

// Name returns the shared-memory object name.
func (s *SharedSegment) Name() string {
	return s.name
}

// Bytes returns the mapped region. The slice is valid until Close.
func (s *SharedSegment) Bytes() []byte {
	if s.closed.Load() {
		return nil
	}
	return s.data
}

// Size returns the mapped size in bytes.
func (s *SharedSegment) Size() int {
	return s.size
}

// Close unmaps the segment. The shared-memory object itself survives until
// Unlink is called. Idempotent.
func (s *SharedSegment) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.data != nil {
		return osUnmap(s.data)
	}
	return nil
}

// Unlink removes the named shared-memory object. Existing mappings remain
// valid until they are closed. Unlinking an already removed segment is not an
// error.
func (s *SharedSegment) Unlink() error {
	err := os.Remove(filepath.Join(shmDir, s.name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("mmap: unlink shared segment %q: %w", s.name, err)
	}
	return nil
}
