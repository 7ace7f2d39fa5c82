package resource

import (
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryLimitExceeded is returned when the memory limit would be exceeded.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

// Config holds resource limits for the parameter server.
type Config struct {
	// MemoryLimitBytes is the hard limit for fast-tier cache memory.
	// If 0, no hard limit is enforced (only tracking).
	MemoryLimitBytes int64

	// RefreshPerSec caps how often a table's fast tier may run an eviction
	// refresh. If 0, a conservative default of one refresh per second per
	// process is applied.
	RefreshPerSec float64
}

// Controller manages global resources shared by all cache tiers: a memory
// budget for cached vectors and a pacing limiter for eviction refreshes.
type Controller struct {
	cfg Config

	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	refreshLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	c := &Controller{cfg: cfg}

	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}

	perSec := cfg.RefreshPerSec
	if perSec <= 0 {
		perSec = 1
	}
	c.refreshLimiter = rate.NewLimiter(rate.Limit(perSec), 1)

	return c
}

// TryAcquireMemory attempts to reserve n bytes without blocking.
// Returns false if the reservation would exceed the limit.
func (c *Controller) TryAcquireMemory(n int64) bool {
	if n <= 0 {
		return true
	}
	if c.memSem != nil && !c.memSem.TryAcquire(n) {
		return false
	}
	c.memUsed.Add(n)
	return true
}

// ReleaseMemory returns n bytes to the budget.
func (c *Controller) ReleaseMemory(n int64) {
	if n <= 0 {
		return
	}
	if c.memSem != nil {
		c.memSem.Release(n)
	}
	c.memUsed.Add(-n)
}

// MemoryUsed returns the currently reserved bytes.
func (c *Controller) MemoryUsed() int64 {
	return c.memUsed.Load()
}

// AllowRefresh reports whether an eviction refresh may run now.
// Refreshes that are denied are simply skipped; the next step retries.
func (c *Controller) AllowRefresh() bool {
	return c.refreshLimiter.Allow()
}
