package ps

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// CacheConfig tunes one table's fast tier.
type CacheConfig struct {
	// Capacity is the maximum number of cached vectors.
	Capacity int
	// Dim is the embedding vector dimension.
	Dim int
	// RefreshFraction is the fraction of the population evicted per
	// refresh iteration, in [0, 1].
	RefreshFraction float64
	// HitRateThreshold relaxes eviction once the window hit rate clears
	// it, in [0, 1].
	HitRateThreshold float64
}

type slotMeta struct {
	key int64
	// hits counts accesses since the last refresh decay. Written under the
	// cache's read lock, so it must be atomic.
	hits atomic.Uint32
	// seq is the insertion sequence, used to break eviction ties:
	// most-recently-inserted wins, so freshly warmed entries don't thrash.
	seq uint64
}

// Cache is a capacity-bounded fast tier for one (model, table) partition.
//
// Vector slots are written only under the exclusive lock (admission,
// eviction) and copied out under the shared lock, so concurrent readers
// never observe a torn vector. Admission never evicts inline; reclaiming
// capacity is the refresher's job.
type Cache struct {
	mu       sync.RWMutex
	dim      int
	capacity int
	slots    []float32
	meta     []slotMeta
	index    map[int64]int
	free     []int
	seq      uint64

	refreshFraction  float64
	hitRateThreshold float64

	windowLookups atomic.Int64
	windowHits    atomic.Int64
	totalLookups  atomic.Int64
	totalHits     atomic.Int64
}

// NewCache creates a fast-tier cache.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("cache dimension must be positive, got %d", cfg.Dim)
	}
	if cfg.RefreshFraction < 0 || cfg.RefreshFraction > 1 {
		return nil, fmt.Errorf("refresh fraction %v outside [0, 1]", cfg.RefreshFraction)
	}
	if cfg.HitRateThreshold < 0 || cfg.HitRateThreshold > 1 {
		return nil, fmt.Errorf("hit rate threshold %v outside [0, 1]", cfg.HitRateThreshold)
	}

	c := &Cache{
		dim:              cfg.Dim,
		capacity:         cfg.Capacity,
		slots:            make([]float32, cfg.Capacity*cfg.Dim),
		meta:             make([]slotMeta, cfg.Capacity),
		index:            make(map[int64]int, cfg.Capacity),
		free:             make([]int, 0, cfg.Capacity),
		refreshFraction:  cfg.RefreshFraction,
		hitRateThreshold: cfg.HitRateThreshold,
	}
	for slot := cfg.Capacity - 1; slot >= 0; slot-- {
		c.free = append(c.free, slot)
	}
	return c, nil
}

// Get copies the cached vector for key into dst and reports whether it was
// present.
func (c *Cache) Get(key int64, dst []float32) bool {
	c.windowLookups.Add(1)
	c.totalLookups.Add(1)

	c.mu.RLock()
	slot, ok := c.index[key]
	if ok {
		copy(dst, c.slots[slot*c.dim:(slot+1)*c.dim])
		c.meta[slot].hits.Add(1)
	}
	c.mu.RUnlock()

	if ok {
		c.windowHits.Add(1)
		c.totalHits.Add(1)
	}
	return ok
}

// TryAdmit caches the vector for key if a free slot is available. Returns
// false when the key is already cached or the tier is full.
func (c *Cache) TryAdmit(key int64, vec []float32) bool {
	if len(vec) != c.dim {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.index[key]; exists {
		return false
	}
	if len(c.free) == 0 {
		return false
	}

	slot := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]

	copy(c.slots[slot*c.dim:(slot+1)*c.dim], vec)
	c.seq++
	m := &c.meta[slot]
	m.key = key
	m.seq = c.seq
	m.hits.Store(1)
	c.index[key] = slot
	return true
}

// Refresh runs one eviction iteration and resets the sliding window.
//
// When the window hit rate has cleared the threshold the population is left
// in place and only the frequency counters decay; otherwise the configured
// fraction of entries, ranked lowest access count first, is demoted.
// Demotion never loses data: evicted keys remain resolvable via the backing
// tier. Returns the number of evicted entries.
func (c *Cache) Refresh() int {
	lookups := c.windowLookups.Swap(0)
	hits := c.windowHits.Swap(0)
	if lookups == 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if float64(hits)/float64(lookups) >= c.hitRateThreshold {
		c.decayLocked()
		return 0
	}

	n := int(math.Ceil(c.refreshFraction * float64(len(c.index))))
	if n > len(c.index) {
		n = len(c.index)
	}
	if n == 0 {
		c.decayLocked()
		return 0
	}

	// Rank occupied slots by access count; on equal counts the older
	// insertion (lower seq) is demoted first.
	occupied := make([]int, 0, len(c.index))
	for _, slot := range c.index {
		occupied = append(occupied, slot)
	}
	sort.Slice(occupied, func(i, j int) bool {
		hi := c.meta[occupied[i]].hits.Load()
		hj := c.meta[occupied[j]].hits.Load()
		if hi != hj {
			return hi < hj
		}
		return c.meta[occupied[i]].seq < c.meta[occupied[j]].seq
	})

	for _, slot := range occupied[:n] {
		delete(c.index, c.meta[slot].key)
		c.free = append(c.free, slot)
	}
	c.decayLocked()
	return n
}

// decayLocked halves the per-slot access counters so stale popularity fades
// across refresh windows.
func (c *Cache) decayLocked() {
	for _, slot := range c.index {
		m := &c.meta[slot]
		m.hits.Store(m.hits.Load() / 2)
	}
}

// Len returns the number of cached vectors.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index)
}

// Capacity returns the maximum number of cached vectors.
func (c *Cache) Capacity() int {
	return c.capacity
}

// HitRate returns the sliding-window and lifetime hit rates.
func (c *Cache) HitRate() (window, total float64) {
	if wl := c.windowLookups.Load(); wl > 0 {
		window = float64(c.windowHits.Load()) / float64(wl)
	}
	if tl := c.totalLookups.Load(); tl > 0 {
		total = float64(c.totalHits.Load()) / float64(tl)
	}
	return window, total
}

// Stats returns the lifetime hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	h := c.totalHits.Load()
	return h, c.totalLookups.Load() - h
}

// Resident returns the set of currently cached keys.
func (c *Cache) Resident() *roaring64.Bitmap {
	bm := roaring64.New()
	c.mu.RLock()
	for key := range c.index {
		bm.Add(uint64(key))
	}
	c.mu.RUnlock()
	return bm
}
