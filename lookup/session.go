package lookup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/hps/ps"
)

// Session is the per (model, table, replica) lookup handle. It stages keys
// into a reusable host buffer before issuing the tiered lookup, so the hot
// path does not allocate per call.
//
// A session is created lazily on the first forward call for its key triple
// and lives until process shutdown.
type Session struct {
	model     string
	tableID   int
	replicaID int
	dim       int
	maxKeys   int

	server *ps.Server
	logger *slog.Logger

	mu      sync.Mutex
	hValues []int64
	hitSet  *roaring64.Bitmap
}

func newSession(server *ps.Server, logger *slog.Logger, model string, tableID, replicaID, dim, maxKeys int) *Session {
	return &Session{
		model:     model,
		tableID:   tableID,
		replicaID: replicaID,
		dim:       dim,
		maxKeys:   maxKeys,
		server:    server,
		logger:    logger,
		hValues:   make([]int64, maxKeys),
		hitSet:    roaring64.New(),
	}
}

// Dim returns the session's embedding vector dimension.
func (s *Session) Dim() int { return s.dim }

// Lookup resolves keys in order into out, which must be pre-sized to
// len(keys)*dim. The batch may not exceed the session's configured maximum.
//
// A key repeated within the batch receives the identical vector in every
// output slot under a single consistent cache view at its resolution; see
// ps.Server.Lookup for the one accepted read-skew window.
func (s *Session) Lookup(ctx context.Context, keys []int64, out []float32) (ps.LookupStats, error) {
	var stats ps.LookupStats

	if len(keys) == 0 {
		return stats, nil
	}
	if len(out) != len(keys)*s.dim {
		return stats, fmt.Errorf("%w: output holds %d floats for %d keys with dim %d",
			ErrBadBatch, len(out), len(keys), s.dim)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(keys) > s.maxKeys {
		// The declared batch size bounds the staging buffer. Growth is
		// explicit and logged, never silent truncation.
		s.logger.Warn("growing session staging buffer",
			"model", s.model,
			"table", s.tableID,
			"replica", s.replicaID,
			"from", s.maxKeys,
			"to", len(keys),
		)
		s.hValues = make([]int64, len(keys))
		s.maxKeys = len(keys)
	}
	staged := s.hValues[:len(keys)]
	copy(staged, keys)

	stats, err := s.server.Lookup(ctx, s.model, s.tableID, staged, out, s.hitSet)
	if err != nil {
		return stats, err
	}
	return stats, nil
}

// HitSet returns a copy of the fast-tier keys this session has hit so far.
func (s *Session) HitSet() *roaring64.Bitmap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hitSet.Clone()
}
