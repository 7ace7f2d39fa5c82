package hps

import (
	"log/slog"

	"github.com/hupe1980/hps/blobstore"
	"github.com/hupe1980/hps/internal/resource"
)

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	store            blobstore.BlobStore
	resourceConfig   resource.Config
}

// Option configures facade construction.
type Option func(*options)

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := hps.NewJSONLogger(slog.LevelInfo)
//	h := hps.New(hps.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &hps.BasicMetricsCollector{}
//	h := hps.New(hps.WithMetricsCollector(metrics))
//	// ... use h ...
//	stats := metrics.GetStats()
//	fmt.Printf("Forwards: %d, Avg latency: %dns\n", stats.ForwardCount, stats.ForwardAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithBlobStore configures the store embedding tables are read from.
// The default reads from the local filesystem; pass a blobstore/s3 or
// blobstore/minio store to load tables from an object store.
func WithBlobStore(store blobstore.BlobStore) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithMemoryLimit bounds the total fast-tier cache memory in bytes.
// Zero means tracking only, no hard limit.
func WithMemoryLimit(n int64) Option {
	return func(o *options) {
		o.resourceConfig.MemoryLimitBytes = n
	}
}

// WithRefreshRate caps how many fast-tier eviction refreshes may run per
// second across all tables. Zero selects a conservative default.
func WithRefreshRate(perSec float64) Option {
	return func(o *options) {
		o.resourceConfig.RefreshPerSec = perSec
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	return o
}
