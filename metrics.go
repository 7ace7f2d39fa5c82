package hps

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    forwardCounter   prometheus.Counter
//	    forwardHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordForward(keys int, duration time.Duration, err error) {
//	    p.forwardCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordInit is called once after hierarchy initialization.
	// duration is the total time taken, err is nil if successful.
	RecordInit(duration time.Duration, err error)

	// RecordForward is called after each forward lookup.
	// keys is the batch size, duration is the time taken,
	// err is nil if successful.
	RecordForward(keys int, duration time.Duration, err error)

	// RecordReport is called after each report operation
	// ("avg" or "cache_intersect").
	RecordReport(name string, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordInit(time.Duration, error)           {}
func (NoopMetricsCollector) RecordForward(int, time.Duration, error)   {}
func (NoopMetricsCollector) RecordReport(string, time.Duration, error) {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	InitCount         atomic.Int64
	InitErrors        atomic.Int64
	ForwardCount      atomic.Int64
	ForwardErrors     atomic.Int64
	ForwardKeys       atomic.Int64
	ForwardTotalNanos atomic.Int64
	ReportCount       atomic.Int64
	ReportErrors      atomic.Int64
}

// RecordInit implements MetricsCollector.
func (b *BasicMetricsCollector) RecordInit(duration time.Duration, err error) {
	b.InitCount.Add(1)
	if err != nil {
		b.InitErrors.Add(1)
	}
}

// RecordForward implements MetricsCollector.
func (b *BasicMetricsCollector) RecordForward(keys int, duration time.Duration, err error) {
	b.ForwardCount.Add(1)
	b.ForwardKeys.Add(int64(keys))
	b.ForwardTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ForwardErrors.Add(1)
	}
}

// RecordReport implements MetricsCollector.
func (b *BasicMetricsCollector) RecordReport(name string, duration time.Duration, err error) {
	b.ReportCount.Add(1)
	if err != nil {
		b.ReportErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		InitCount:       b.InitCount.Load(),
		InitErrors:      b.InitErrors.Load(),
		ForwardCount:    b.ForwardCount.Load(),
		ForwardErrors:   b.ForwardErrors.Load(),
		ForwardKeys:     b.ForwardKeys.Load(),
		ForwardAvgNanos: b.getAvgForwardNanos(),
		ReportCount:     b.ReportCount.Load(),
		ReportErrors:    b.ReportErrors.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgForwardNanos() int64 {
	count := b.ForwardCount.Load()
	if count == 0 {
		return 0
	}
	return b.ForwardTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	InitCount       int64
	InitErrors      int64
	ForwardCount    int64
	ForwardErrors   int64
	ForwardKeys     int64
	ForwardAvgNanos int64
	ReportCount     int64
	ReportErrors    int64
}
