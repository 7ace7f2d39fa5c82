package lookup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/hps/blobstore"
	"github.com/hupe1980/hps/config"
	"github.com/hupe1980/hps/internal/profiler"
	"github.com/hupe1980/hps/internal/resource"
	"github.com/hupe1980/hps/ps"
	"github.com/hupe1980/hps/table"
)

var (
	// ErrNotReady indicates a forward or report call before Init completed.
	ErrNotReady = errors.New("lookup manager not initialized")

	// ErrBadBatch indicates a key or output buffer inconsistent with the
	// session's declared geometry.
	ErrBadBatch = errors.New("bad lookup batch")

	// ErrUnknownModel indicates a forward call naming an undeployed model,
	// table, or replica.
	ErrUnknownModel = errors.New("unknown model, table, or replica")
)

// Initialization states. There is no transition back to uninitialized short
// of a process restart; a failed Init is terminal and replays its error.
const (
	stateUninitialized = iota
	stateInitializing
	stateReady
	stateFailed
	stateClosed
)

type sessionKey struct {
	model     string
	tableID   int
	replicaID int
}

// Manager is the process coordinator behind the facade. It parses the
// hierarchy configuration exactly once, loads every declared table, deploys
// them on the parameter server, and demultiplexes forward calls to lazily
// created sessions.
type Manager struct {
	logger *slog.Logger
	store  blobstore.BlobStore
	rc     *resource.Controller

	mu      sync.Mutex
	state   int
	readyCh chan struct{}
	initErr error

	cfg         *config.Config
	server      *ps.Server
	loader      *table.Loader
	tables      []table.Table
	prof        *profiler.Profiler
	steps       []atomic.Uint64
	numReplicas int
	batchSize   int

	sessMu   sync.RWMutex
	sessions map[sessionKey]*Session
}

// NewManager creates an uninitialized Manager. A nil logger discards output;
// a nil store reads tables from the local filesystem; a nil controller gets
// default limits.
func NewManager(logger *slog.Logger, store blobstore.BlobStore, rc *resource.Controller) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if rc == nil {
		rc = resource.NewController(resource.Config{})
	}
	return &Manager{
		logger:   logger,
		store:    store,
		rc:       rc,
		sessions: make(map[sessionKey]*Session),
	}
}

// Init performs the one-time hierarchy initialization. The first caller does
// the work; concurrent callers block until it completes and observe the same
// outcome. A failed initialization is not retried.
func (m *Manager) Init(ctx context.Context, replicaID int, configPath string, globalBatchSize, numReplicas int) error {
	m.mu.Lock()
	switch m.state {
	case stateReady:
		m.mu.Unlock()
		return nil
	case stateFailed:
		err := m.initErr
		m.mu.Unlock()
		return err
	case stateInitializing:
		ch := m.readyCh
		m.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
		err := m.initErr
		m.mu.Unlock()
		return err
	}
	m.state = stateInitializing
	m.readyCh = make(chan struct{})
	m.mu.Unlock()

	err := m.initialize(ctx, replicaID, configPath, globalBatchSize, numReplicas)

	m.mu.Lock()
	m.initErr = err
	if err != nil {
		m.state = stateFailed
	} else {
		m.state = stateReady
	}
	close(m.readyCh)
	m.mu.Unlock()
	return err
}

func (m *Manager) initialize(ctx context.Context, replicaID int, configPath string, globalBatchSize, numReplicas int) error {
	if numReplicas <= 0 {
		numReplicas = 1
	}
	if replicaID < 0 || replicaID >= numReplicas {
		return fmt.Errorf("%w: replica %d outside [0, %d)", config.ErrInvalid, replicaID, numReplicas)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.FixMultiWorker(replicaID)

	server := ps.NewServer(m.logger, m.rc)
	loader := table.NewLoader(m.store, m.logger)

	var total int
	for i := range cfg.Models {
		total += cfg.Models[i].NumTables()
	}
	tables := make([]table.Table, total)

	g, gctx := errgroup.WithContext(ctx)
	slot := 0
	for mi := range cfg.Models {
		model := &cfg.Models[mi]
		for ti := 0; ti < model.NumTables(); ti++ {
			idx := slot
			slot++
			g.Go(func() error {
				t, lerr := loader.Load(gctx, model.EmbeddingTableNames[ti], model.SparseFiles[ti],
					model.EmbeddingVecSizes[ti], cfg.SupportLongLong)
				if lerr != nil {
					return lerr
				}
				tables[idx] = t

				capacity := 0
				if model.GPUCache {
					capacity = int(math.Ceil(model.GPUCachePercentage * float64(t.KeyCount())))
					if capacity == 0 {
						capacity = 1
					}
				}
				return server.Deploy(model.Name, ti, ps.NewTableBackend(t), ps.TableConfig{
					Dim:              t.Dim(),
					DefaultValue:     model.DefaultValue(ti),
					CacheEnabled:     model.GPUCache,
					CacheCapacity:    capacity,
					RefreshFraction:  model.CacheRefreshPercentagePerIteration,
					HitRateThreshold: model.HitRateThreshold,
				})
			})
		}
	}
	if err := g.Wait(); err != nil {
		for _, t := range tables {
			if t != nil {
				_ = loader.DeleteTable(t)
			}
		}
		_ = server.Close()
		return err
	}

	m.cfg = cfg
	m.server = server
	m.loader = loader
	m.tables = tables
	m.prof = profiler.New(numReplicas)
	m.steps = make([]atomic.Uint64, numReplicas)
	m.numReplicas = numReplicas
	m.batchSize = globalBatchSize

	m.logger.Info("lookup manager initialized",
		"replica", replicaID,
		"replicas", numReplicas,
		"models", len(cfg.Models),
		"tables", total,
		"global_batch_size", globalBatchSize,
	)
	return nil
}

// Ready reports whether initialization has completed successfully.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateReady
}

// Forward resolves a batch of keys for one (model, table, replica) triple,
// writing the vectors into out in key order. The elapsed copy time is
// recorded on the replica's profiler.
func (m *Manager) Forward(ctx context.Context, modelName string, tableID, replicaID int, keys []int64, out []float32) error {
	if !m.Ready() {
		return ErrNotReady
	}

	sess, err := m.session(modelName, tableID, replicaID)
	if err != nil {
		return err
	}

	step := m.steps[replicaID].Add(1)

	start := time.Now()
	stats, err := sess.Lookup(ctx, keys, out)
	m.prof.AddSample(replicaID, profiler.CacheCopyTime, time.Since(start))
	if err != nil {
		return err
	}

	m.logger.Debug("forward",
		"model", modelName,
		"table", tableID,
		"replica", replicaID,
		"step", step,
		"keys", len(keys),
		"hits", stats.Hits,
		"misses", stats.Misses,
		"defaults", stats.Defaults,
	)
	return nil
}

// session resolves or lazily creates the session for a key triple.
func (m *Manager) session(modelName string, tableID, replicaID int) (*Session, error) {
	key := sessionKey{model: modelName, tableID: tableID, replicaID: replicaID}

	m.sessMu.RLock()
	sess, ok := m.sessions[key]
	m.sessMu.RUnlock()
	if ok {
		return sess, nil
	}

	model := m.cfg.Model(modelName)
	if model == nil {
		return nil, fmt.Errorf("%w: model %q", ErrUnknownModel, modelName)
	}
	if tableID < 0 || tableID >= model.NumTables() {
		return nil, fmt.Errorf("%w: model %q table %d", ErrUnknownModel, modelName, tableID)
	}
	if replicaID < 0 || replicaID >= m.numReplicas {
		return nil, fmt.Errorf("%w: replica %d outside [0, %d)", ErrUnknownModel, replicaID, m.numReplicas)
	}

	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	if sess, ok := m.sessions[key]; ok {
		return sess, nil
	}

	maxKeys := model.MaxKeysPerTable(tableID)
	if m.batchSize > model.MaxBatchSize {
		maxKeys = maxKeys / model.MaxBatchSize * m.batchSize
	}
	sess = newSession(m.server, m.logger, modelName, tableID, replicaID,
		model.EmbeddingVecSizes[tableID], maxKeys)
	m.sessions[key] = sess

	m.logger.Info("created lookup session",
		"model", modelName,
		"table", tableID,
		"replica", replicaID,
		"max_keys", maxKeys,
	)
	return sess, nil
}

// Steps returns the forward count for a replica.
func (m *Manager) Steps(replicaID int) uint64 {
	if replicaID < 0 || replicaID >= len(m.steps) {
		return 0
	}
	return m.steps[replicaID].Load()
}

// ReportAvg renders the per-counter step averages over the run. Meant to be
// called after all replicas have quiesced.
func (m *Manager) ReportAvg() (string, error) {
	if !m.Ready() {
		return "", ErrNotReady
	}
	report := m.prof.ReportStepAverage()
	if report != "" {
		m.logger.Info("step averages", "report", report)
	}
	return report, nil
}

// ReportCacheIntersect reports, per deployed (model, table), how the fast
// tier's hit sets overlap across replicas and with the currently resident
// keys.
func (m *Manager) ReportCacheIntersect() (string, error) {
	if !m.Ready() {
		return "", ErrNotReady
	}

	var b strings.Builder
	for mi := range m.cfg.Models {
		model := &m.cfg.Models[mi]
		for ti := 0; ti < model.NumTables(); ti++ {
			resident, err := m.server.Resident(model.Name, ti)
			if err != nil {
				return "", err
			}

			hitSets := make([]*roaring64.Bitmap, 0, m.numReplicas)
			m.sessMu.RLock()
			for r := 0; r < m.numReplicas; r++ {
				if sess, ok := m.sessions[sessionKey{model: model.Name, tableID: ti, replicaID: r}]; ok {
					hitSets = append(hitSets, sess.HitSet())
				}
			}
			m.sessMu.RUnlock()

			var shared uint64
			union := roaring64.New()
			for _, hs := range hitSets {
				union.Or(hs)
			}
			if len(hitSets) > 1 {
				shared = roaring64.FastAnd(hitSets...).GetCardinality()
			} else if len(hitSets) == 1 {
				shared = hitSets[0].GetCardinality()
			}
			stillResident := roaring64.And(union, resident).GetCardinality()

			fmt.Fprintf(&b, "%s/%d: replicas=%d hit_union=%d hit_intersect=%d resident=%d hit_and_resident=%d\n",
				model.Name, ti, len(hitSets), union.GetCardinality(), shared,
				resident.GetCardinality(), stillResident)
		}
	}

	report := b.String()
	if report != "" {
		m.logger.Info("cache intersect", "report", report)
	}
	return report, nil
}

// Shutdown releases every loaded table and the parameter server. Mock tables
// have their shared-memory object unlinked. Safe to call on an uninitialized
// manager, and idempotent. After shutdown the manager is terminally closed;
// later forward and report calls fail with ErrNotReady.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateReady {
		return nil
	}
	m.state = stateClosed

	var errs []error
	for _, t := range m.tables {
		if t != nil {
			errs = append(errs, m.loader.DeleteTable(t))
		}
	}
	errs = append(errs, m.server.Close())
	m.tables = nil

	m.sessMu.Lock()
	m.sessions = make(map[sessionKey]*Session)
	m.sessMu.Unlock()

	return errors.Join(errs...)
}
