package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// BlobStore is an abstraction for accessing persisted table files.
type BlobStore interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)
	// Create creates a blob for streaming writes, replacing any existing
	// blob of the same name once the writer is closed.
	Create(ctx context.Context, name string) (WritableBlob, error)
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the blob names with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a stored blob.
type Blob interface {
	io.Closer
	// Size returns the size of the blob in bytes.
	Size() int64
	// ReadAt reads len(p) bytes starting at offset off.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
}

// WritableBlob is a streaming write handle. The blob becomes visible on
// Close.
type WritableBlob interface {
	io.WriteCloser
	// Sync flushes buffered data to durable storage where supported.
	Sync() error
}

// Mappable is an optional interface for Blobs backed by a memory mapping.
// Bytes is zero-copy; the slice is valid until the Blob is closed.
type Mappable interface {
	Bytes() ([]byte, error)
}

// ReadAll reads the entire blob into memory.
func ReadAll(ctx context.Context, b Blob) ([]byte, error) {
	size := b.Size()
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	n, err := b.ReadAt(ctx, buf, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}
