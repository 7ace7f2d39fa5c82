// Package profiler accumulates per-replica, per-counter step timings.
//
// Each replica owns its accumulators, so recording never contends across
// replicas. Aggregation is meant to run after all replicas have quiesced
// (end of run), not concurrently with recording.
package profiler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// CacheCopyTime is the counter name for the embedding copy latency of a
// single forward step.
const CacheCopyTime = "cache-copy time"

// Profiler collects named duration samples per replica.
type Profiler struct {
	replicas []*replicaProfile
}

type replicaProfile struct {
	mu     sync.Mutex
	series map[string]*series
}

type series struct {
	count      int64
	totalNanos int64
	maxNanos   int64
}

// New creates a Profiler for the given replica count.
func New(numReplicas int) *Profiler {
	if numReplicas <= 0 {
		numReplicas = 1
	}
	replicas := make([]*replicaProfile, numReplicas)
	for i := range replicas {
		replicas[i] = &replicaProfile{series: make(map[string]*series)}
	}
	return &Profiler{replicas: replicas}
}

// NumReplicas returns the number of replica slots.
func (p *Profiler) NumReplicas() int {
	return len(p.replicas)
}

// AddSample records one duration sample for a named counter on a replica.
// Out-of-range replica ids are dropped rather than panicking; the profiler
// sits on the hot path and must never take the process down.
func (p *Profiler) AddSample(replica int, name string, d time.Duration) {
	if replica < 0 || replica >= len(p.replicas) {
		return
	}
	rp := p.replicas[replica]
	rp.mu.Lock()
	s, ok := rp.series[name]
	if !ok {
		s = &series{}
		rp.series[name] = s
	}
	s.count++
	s.totalNanos += d.Nanoseconds()
	if n := d.Nanoseconds(); n > s.maxNanos {
		s.maxNanos = n
	}
	rp.mu.Unlock()
}

// CounterStats is an aggregated view of one named counter across replicas.
type CounterStats struct {
	Name  string
	Count int64
	Avg   time.Duration
	Max   time.Duration
}

// StepAverage aggregates a named counter across all replicas.
func (p *Profiler) StepAverage(name string) CounterStats {
	var total, count, maxNanos int64
	for _, rp := range p.replicas {
		rp.mu.Lock()
		if s, ok := rp.series[name]; ok {
			total += s.totalNanos
			count += s.count
			if s.maxNanos > maxNanos {
				maxNanos = s.maxNanos
			}
		}
		rp.mu.Unlock()
	}
	st := CounterStats{Name: name, Count: count, Max: time.Duration(maxNanos)}
	if count > 0 {
		st.Avg = time.Duration(total / count)
	}
	return st
}

// Counters returns the sorted set of counter names seen on any replica.
func (p *Profiler) Counters() []string {
	seen := make(map[string]struct{})
	for _, rp := range p.replicas {
		rp.mu.Lock()
		for name := range rp.series {
			seen[name] = struct{}{}
		}
		rp.mu.Unlock()
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReportStepAverage renders the per-counter averages as a multi-line string.
func (p *Profiler) ReportStepAverage() string {
	var b strings.Builder
	for _, name := range p.Counters() {
		st := p.StepAverage(name)
		fmt.Fprintf(&b, "%s: avg=%v max=%v samples=%d\n", st.Name, st.Avg, st.Max, st.Count)
	}
	return b.String()
}
