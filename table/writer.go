package table

import (
	"context"
	"fmt"
	"path"
	"unsafe"

	"github.com/hupe1980/hps/blobstore"
)

// Writer persists embedding tables in the flat key/emb_vector layout the
// Loader consumes. Used by export tooling and test fixtures.
type Writer struct {
	store       blobstore.BlobStore
	compression Compression
}

// NewWriter creates a Writer. A nil store defaults to the local filesystem.
func NewWriter(store blobstore.BlobStore, compression Compression) *Writer {
	if store == nil {
		store = blobstore.NewLocalStore("")
	}
	return &Writer{store: store, compression: compression}
}

// WriteTable writes keys and their row-major vectors to dir.
func (w *Writer) WriteTable(ctx context.Context, dir string, keys []int64, vectors []float32, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("%w: dimension %d", ErrWrongInput, dim)
	}
	if len(vectors) != len(keys)*dim {
		return fmt.Errorf("%w: %d vector floats for %d keys with dim %d",
			ErrWrongInput, len(vectors), len(keys), dim)
	}

	var keyBytes, vecBytes []byte
	if len(keys) > 0 {
		keyBytes = unsafe.Slice((*byte)(unsafe.Pointer(&keys[0])), len(keys)*8)
		vecBytes = unsafe.Slice((*byte)(unsafe.Pointer(&vectors[0])), len(vectors)*4)
	}

	if err := writeTableFile(ctx, w.store, path.Join(dir, keyFileName), keyBytes, w.compression); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	if err := writeTableFile(ctx, w.store, path.Join(dir, vectorFileName), vecBytes, w.compression); err != nil {
		return fmt.Errorf("write emb_vector file: %w", err)
	}
	return nil
}

// WriteMeta writes the optional per-key auxiliary metadata file.
func (w *Writer) WriteMeta(ctx context.Context, dir string, meta []float32) error {
	var b []byte
	if len(meta) > 0 {
		b = unsafe.Slice((*byte)(unsafe.Pointer(&meta[0])), len(meta)*4)
	}
	return writeTableFile(ctx, w.store, path.Join(dir, metaFileName), b, w.compression)
}
