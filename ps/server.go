package ps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/hps/internal/resource"
)

// ErrUnknownTable is returned for lookups against an undeployed
// (model, table) pair.
var ErrUnknownTable = errors.New("unknown model or table")

// TableConfig describes one deployed table partition.
type TableConfig struct {
	// Dim is the embedding vector dimension.
	Dim int
	// DefaultValue fills output slots for keys absent from the table.
	DefaultValue float32
	// CacheEnabled turns on the fast tier.
	CacheEnabled bool
	// CacheCapacity is the fast tier's bound in vectors.
	CacheCapacity int
	// RefreshFraction and HitRateThreshold tune eviction (see CacheConfig).
	RefreshFraction  float64
	HitRateThreshold float64
}

// LookupStats summarizes one batch lookup.
type LookupStats struct {
	Hits     int
	Misses   int
	Defaults int
}

// Server is the tiered parameter server. State is partitioned by
// (model, table); partitions share nothing but the resource controller.
type Server struct {
	logger *slog.Logger
	rc     *resource.Controller

	mu     sync.RWMutex
	models map[string]map[int]*tableShard
}

type tableShard struct {
	model        string
	tableID      int
	dim          int
	defaultValue float32
	cache        *Cache // nil when the fast tier is disabled
	backend      Backend

	refreshing atomic.Bool
}

// NewServer creates an empty parameter server. A nil controller gets
// default limits; a nil logger discards output.
func NewServer(logger *slog.Logger, rc *resource.Controller) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if rc == nil {
		rc = resource.NewController(resource.Config{})
	}
	return &Server{
		logger: logger,
		rc:     rc,
		models: make(map[string]map[int]*tableShard),
	}
}

// Deploy registers a table partition. The backend's dimension must match the
// configured one; fast-tier memory is charged against the resource budget.
func (s *Server) Deploy(model string, tableID int, backend Backend, cfg TableConfig) error {
	if backend == nil {
		return fmt.Errorf("deploy %s/%d: backend is nil", model, tableID)
	}
	if cfg.Dim <= 0 {
		cfg.Dim = backend.Dim()
	}
	if backend.Dim() != cfg.Dim {
		return fmt.Errorf("deploy %s/%d: backend dim %d != configured dim %d",
			model, tableID, backend.Dim(), cfg.Dim)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tables, ok := s.models[model]
	if !ok {
		tables = make(map[int]*tableShard)
		s.models[model] = tables
	}
	if _, dup := tables[tableID]; dup {
		return fmt.Errorf("deploy %s/%d: already deployed", model, tableID)
	}

	sh := &tableShard{
		model:        model,
		tableID:      tableID,
		dim:          cfg.Dim,
		defaultValue: cfg.DefaultValue,
		backend:      backend,
	}

	if cfg.CacheEnabled {
		cacheBytes := int64(cfg.CacheCapacity) * int64(cfg.Dim) * 4
		if !s.rc.TryAcquireMemory(cacheBytes) {
			return fmt.Errorf("deploy %s/%d: fast tier of %d bytes: %w",
				model, tableID, cacheBytes, resource.ErrMemoryLimitExceeded)
		}
		cache, err := NewCache(CacheConfig{
			Capacity:         cfg.CacheCapacity,
			Dim:              cfg.Dim,
			RefreshFraction:  cfg.RefreshFraction,
			HitRateThreshold: cfg.HitRateThreshold,
		})
		if err != nil {
			s.rc.ReleaseMemory(cacheBytes)
			return fmt.Errorf("deploy %s/%d: %w", model, tableID, err)
		}
		sh.cache = cache
	}

	tables[tableID] = sh

	s.logger.Info("deployed embedding table",
		"model", model,
		"table", tableID,
		"dim", cfg.Dim,
		"cache", cfg.CacheEnabled,
		"cache_capacity", cfg.CacheCapacity,
	)
	return nil
}

func (s *Server) shard(model string, tableID int) (*tableShard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tables, ok := s.models[model]; ok {
		if sh, ok := tables[tableID]; ok {
			return sh, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%d", ErrUnknownTable, model, tableID)
}

// Lookup resolves keys in order into out, which must be pre-sized to
// len(keys)*dim. Keys missing from the table receive the default fill value.
// If hitSet is non-nil, keys served from the fast tier are added to it.
//
// Each key sees an internally consistent cache view at its own resolution; a
// refresh racing mid-batch may serve a repeated key once from the fast tier
// and once from the backing tier. Both copies carry the same values because
// the table snapshot is immutable.
func (s *Server) Lookup(ctx context.Context, model string, tableID int, keys []int64, out []float32, hitSet *roaring64.Bitmap) (LookupStats, error) {
	var stats LookupStats

	sh, err := s.shard(model, tableID)
	if err != nil {
		return stats, err
	}
	if len(out) != len(keys)*sh.dim {
		return stats, fmt.Errorf("lookup %s/%d: output holds %d floats, want %d",
			model, tableID, len(out), len(keys)*sh.dim)
	}

	for i, key := range keys {
		dst := out[i*sh.dim : (i+1)*sh.dim]

		if sh.cache != nil && sh.cache.Get(key, dst) {
			stats.Hits++
			if hitSet != nil {
				hitSet.Add(uint64(key))
			}
			continue
		}

		found, ferr := sh.backend.Fetch(ctx, key, dst)
		if ferr != nil {
			return stats, fmt.Errorf("lookup %s/%d key %d: %w", model, tableID, key, ferr)
		}
		if !found {
			for j := range dst {
				dst[j] = sh.defaultValue
			}
			stats.Defaults++
			continue
		}
		stats.Misses++
		if sh.cache != nil {
			sh.cache.TryAdmit(key, dst)
		}
	}

	s.maybeRefresh(sh)
	return stats, nil
}

// maybeRefresh kicks an asynchronous eviction iteration for the shard, paced
// by the resource controller and limited to one in flight per shard.
func (s *Server) maybeRefresh(sh *tableShard) {
	if sh.cache == nil {
		return
	}
	if !s.rc.AllowRefresh() {
		return
	}
	if !sh.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer sh.refreshing.Store(false)
		if evicted := sh.cache.Refresh(); evicted > 0 {
			window, total := sh.cache.HitRate()
			s.logger.Debug("fast tier refreshed",
				"model", sh.model,
				"table", sh.tableID,
				"evicted", evicted,
				"window_hit_rate", window,
				"total_hit_rate", total,
			)
		}
	}()
}

// CacheStats returns the fast tier's lifetime hit/miss counts. Both are zero
// when the fast tier is disabled.
func (s *Server) CacheStats(model string, tableID int) (hits, misses int64, err error) {
	sh, err := s.shard(model, tableID)
	if err != nil {
		return 0, 0, err
	}
	if sh.cache == nil {
		return 0, 0, nil
	}
	hits, misses = sh.cache.Stats()
	return hits, misses, nil
}

// Resident returns the fast tier's currently cached key set, or an empty set
// when the fast tier is disabled.
func (s *Server) Resident(model string, tableID int) (*roaring64.Bitmap, error) {
	sh, err := s.shard(model, tableID)
	if err != nil {
		return nil, err
	}
	if sh.cache == nil {
		return roaring64.New(), nil
	}
	return sh.cache.Resident(), nil
}

// Tables returns the deployed table ids for a model, in unspecified order.
func (s *Server) Tables(model string) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.models[model]))
	for id := range s.models[model] {
		ids = append(ids, id)
	}
	return ids
}

// Models returns the deployed model names, in unspecified order.
func (s *Server) Models() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.models))
	for name := range s.models {
		names = append(names, name)
	}
	return names
}

// Close releases all partitions and their backends.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, tables := range s.models {
		for _, sh := range tables {
			if sh.cache != nil {
				s.rc.ReleaseMemory(int64(sh.cache.Capacity()) * int64(sh.dim) * 4)
			}
			if err := sh.backend.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	s.models = make(map[string]map[int]*tableShard)
	return errors.Join(errs...)
}
