package table

import (
	"errors"
	"unsafe"

	"github.com/hupe1980/hps/internal/mmap"
)

var (
	// ErrWrongInput indicates a missing or malformed model file, or a key
	// outside the configured key representation.
	ErrWrongInput = errors.New("wrong input")

	// ErrResource indicates a shared-memory allocation or mapping failure.
	// This is an unrecoverable environment misconfiguration; callers should
	// abort rather than fall back.
	ErrResource = errors.New("resource allocation failed")
)

// Key is the set of supported key representations. Tables persist keys as
// 8-byte integers; narrow deployments store them as uint32 after a checked
// conversion at load.
type Key interface {
	~int64 | ~uint32
}

// Table is an immutable snapshot of one embedding table.
//
// Lookup returns a read-only view into the table's backing storage; callers
// must copy before the table is closed and must not mutate the slice.
type Table interface {
	// Name returns the configured table name.
	Name() string
	// Dim returns the embedding vector dimension.
	Dim() int
	// KeyCount returns the number of keys in the table.
	KeyCount() int
	// Lookup resolves a key to its embedding vector.
	Lookup(key int64) ([]float32, bool)
	// Close releases the table's backing storage.
	Close() error
}

// EmbeddingTable is the in-memory representation of a loaded table,
// parameterized over the key width.
type EmbeddingTable[K Key] struct {
	name    string
	dim     int
	keys    []K
	vectors []float32
	meta    []float32
	index   map[int64]int
}

// Name returns the table name.
func (t *EmbeddingTable[K]) Name() string { return t.name }

// Dim returns the embedding vector dimension.
func (t *EmbeddingTable[K]) Dim() int { return t.dim }

// KeyCount returns the number of keys.
func (t *EmbeddingTable[K]) KeyCount() int { return len(t.keys) }

// Meta returns the optional per-key auxiliary metadata, or nil.
func (t *EmbeddingTable[K]) Meta() []float32 { return t.meta }

// Lookup resolves a key to its embedding vector.
func (t *EmbeddingTable[K]) Lookup(key int64) ([]float32, bool) {
	row, ok := t.index[key]
	if !ok {
		return nil, false
	}
	return t.vectors[row*t.dim : (row+1)*t.dim], true
}

// Close releases the key and vector sequences.
func (t *EmbeddingTable[K]) Close() error {
	t.keys = nil
	t.vectors = nil
	t.meta = nil
	t.index = nil
	return nil
}

// mockTable emulates a table over a fixed-size shared-memory mapping. The
// logical key count may exceed the mapped footprint; rows wrap around the
// clipped region, so every in-range key resolves to a (zero-filled)
// placeholder vector.
type mockTable struct {
	name     string
	dim      int
	keyCount int
	rows     int // rows that fit in the mapped footprint
	seg      *mmap.SharedSegment
	floats   []float32 // view over seg; valid until Close
}

func (t *mockTable) Name() string { return t.name }

func (t *mockTable) Dim() int { return t.dim }

func (t *mockTable) KeyCount() int { return t.keyCount }

// Lookup treats the key itself as the row index; mock tables synthesize
// sequential keys 0..keyCount-1.
func (t *mockTable) Lookup(key int64) ([]float32, bool) {
	if key < 0 || key >= int64(t.keyCount) || t.floats == nil {
		return nil, false
	}
	row := int(key % int64(t.rows))
	return t.floats[row*t.dim : (row+1)*t.dim], true
}

// Close unmaps the segment. The shared-memory object itself is released by
// Loader.DeleteTable, which also unlinks it.
func (t *mockTable) Close() error {
	t.floats = nil
	return t.seg.Close()
}

// floatView reinterprets a byte slice as float32s without copying. Table
// files are produced and consumed on little-endian hosts; the on-disk layout
// is the host representation.
func floatView(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// int64View reinterprets a byte slice as int64s without copying.
func int64View(b []byte) []int64 {
	if len(b) < 8 {
		return nil
	}
	return unsafe.Slice((*int64)(unsafe.Pointer(&b[0])), len(b)/8)
}
