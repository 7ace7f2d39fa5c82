package hps

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hupe1980/hps/internal/resource"
	"github.com/hupe1980/hps/lookup"
)

// EnvWorkerID identifies which replica is primary for purposes of emitting
// aggregate reports exactly once in a multi-worker deployment. Unset or "0"
// means primary.
const EnvWorkerID = "HPS_WORKER_ID"

// HPS is the hierarchical parameter server facade. It is a boundary between
// the host serving runtime and the lookup core: internal panics are caught
// here and converted into an ErrInternalAbort for the single failing call,
// never propagated into foreign call stacks.
type HPS struct {
	logger  *Logger
	metrics MetricsCollector
	manager *lookup.Manager
}

// New creates a facade. Most deployments want the process-wide Instance
// instead; New exists for tests and embedders that manage their own
// lifecycle.
func New(optFns ...Option) *HPS {
	o := applyOptions(optFns)
	rc := resource.NewController(o.resourceConfig)
	return &HPS{
		logger:  o.logger,
		metrics: o.metricsCollector,
		manager: lookup.NewManager(o.logger.Logger, o.store, rc),
	}
}

var (
	instanceOnce sync.Once
	instance     *HPS
)

// Instance returns the process-wide facade, constructing it on first call.
// Options are honored only by the constructing call; the instance is never
// destructed short of process exit.
func Instance(optFns ...Option) *HPS {
	instanceOnce.Do(func() {
		instance = New(optFns...)
	})
	return instance
}

// Init performs the one-time hierarchy initialization: parses the
// configuration file, loads every declared embedding table, and constructs
// the parameter server. Safe to call redundantly from every replica; only
// the first call does work, concurrent callers block until it completes, and
// all observe the same outcome. A failed initialization is fatal and not
// retried.
func (h *HPS) Init(ctx context.Context, replicaID int, configFile string, globalBatchSize, numReplicas int) (err error) {
	defer h.recoverAbort(&err)

	start := time.Now()
	err = translateError(h.manager.Init(ctx, replicaID, configFile, globalBatchSize, numReplicas))
	h.metrics.RecordInit(time.Since(start), err)
	h.logger.LogInit(ctx, replicaID, numReplicas, err)
	return err
}

// Forward resolves a batch of keys for one (model, table, replica) triple.
// out must be pre-sized to len(keys) times the table's vector dimension;
// vectors are written in key order. An error fails only this call.
func (h *HPS) Forward(ctx context.Context, modelName string, tableID, replicaID int, keys []int64, out []float32) (err error) {
	defer h.recoverAbort(&err)

	start := time.Now()
	err = translateError(h.manager.Forward(ctx, modelName, tableID, replicaID, keys, out))
	d := time.Since(start)
	h.metrics.RecordForward(len(keys), d, err)
	h.logger.LogForward(ctx, modelName, tableID, replicaID, len(keys), d, err)
	return err
}

// ReportAvg emits the average per-step latencies over the run. Only the
// primary worker (EnvWorkerID unset or "0") reports; other workers return an
// empty report so a multi-worker deployment emits it exactly once.
func (h *HPS) ReportAvg() (report string, err error) {
	defer h.recoverAbort(&err)

	if !primaryWorker() {
		h.logger.Debug("skipping report on non-primary worker", "worker", os.Getenv(EnvWorkerID))
		return "", nil
	}

	start := time.Now()
	report, err = h.manager.ReportAvg()
	err = translateError(err)
	h.metrics.RecordReport("avg", time.Since(start), err)
	return report, err
}

// ReportCacheIntersect reports, per deployed table, how the fast-tier hit
// sets overlap across replicas and with the currently resident keys.
func (h *HPS) ReportCacheIntersect() (report string, err error) {
	defer h.recoverAbort(&err)

	start := time.Now()
	report, err = h.manager.ReportCacheIntersect()
	err = translateError(err)
	h.metrics.RecordReport("cache_intersect", time.Since(start), err)
	return report, err
}

// Shutdown releases every loaded table, unlinks mock shared-memory segments,
// and closes the parameter server. Returns "OK" on success; a failure is
// converted into an aborted status rather than a panic, so the host process
// can report cleanly.
func (h *HPS) Shutdown(ctx context.Context) (status string, err error) {
	defer h.recoverAbort(&err)

	err = h.manager.Shutdown()
	h.logger.LogShutdown(ctx, err)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInternalAbort, err)
	}
	return "OK", nil
}

// recoverAbort converts a panic into an ErrInternalAbort on *errp.
func (h *HPS) recoverAbort(errp *error) {
	if r := recover(); r != nil {
		h.logger.Error("caught internal panic", "panic", r)
		*errp = fmt.Errorf("%w: %v", ErrInternalAbort, r)
	}
}

func primaryWorker() bool {
	id := os.Getenv(EnvWorkerID)
	return id == "" || id == "0"
}
