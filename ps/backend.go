package ps

import (
	"context"

	"github.com/hupe1980/hps/table"
)

// Backend is the slow backing tier for one table. Fetch blocks until the
// vector is available; timeouts and retries, if any, belong to the backing
// store's own I/O layer.
type Backend interface {
	// Dim returns the embedding vector dimension.
	Dim() int
	// Fetch writes the vector for key into dst and reports whether the key
	// exists in the table.
	Fetch(ctx context.Context, key int64, dst []float32) (bool, error)
	// Close releases the backing resources.
	Close() error
}

// TableBackend serves lookups from a host-resident table snapshot.
type TableBackend struct {
	t table.Table
}

// NewTableBackend wraps a loaded table as a backing tier.
func NewTableBackend(t table.Table) *TableBackend {
	return &TableBackend{t: t}
}

// Table returns the underlying snapshot.
func (b *TableBackend) Table() table.Table { return b.t }

// Dim returns the vector dimension.
func (b *TableBackend) Dim() int { return b.t.Dim() }

// Fetch copies the vector for key into dst.
func (b *TableBackend) Fetch(_ context.Context, key int64, dst []float32) (bool, error) {
	v, ok := b.t.Lookup(key)
	if !ok {
		return false, nil
	}
	copy(dst, v)
	return true, nil
}

// Close releases the table snapshot.
func (b *TableBackend) Close() error { return b.t.Close() }
