// Package cache keeps finished normal-map resources keyed by content hash,
// in memory and optionally on disk.
package cache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.trai.ch/zerr"
	"go.uber.org/zap"

	"github.com/Faultbox/normalsynth/internal/engine/texture"
	"github.com/Faultbox/normalsynth/internal/logger"
)

var (
	// ErrNotFound is returned when the disk store has no entry for a hash.
	ErrNotFound = zerr.New("cache entry not found")
	// ErrCorrupt is returned for entries that failed to read, decode or write.
	ErrCorrupt = zerr.New("cache entry corrupt")
)

type entry struct {
	res    *texture.Resource
	access time.Time
}

// Stats tracks cache statistics.
type Stats struct {
	Entries   int
	Hits      int64
	Misses    int64
	DiskHits  int64
	DiskBytes int64
	Evicted   int64
}

// HitRate returns the fraction of lookups served.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// String formats the statistics for logs and the CLI.
func (s Stats) String() string {
	return fmt.Sprintf("entries=%d hits=%d misses=%d disk_hits=%d disk_bytes=%d evicted=%d hit_rate=%.2f",
		s.Entries, s.Hits, s.Misses, s.DiskHits, s.DiskBytes, s.Evicted, s.HitRate())
}

// Cache maps hashes to resources. The cache owns one reference to every
// resource it holds.
type Cache struct {
	log  *zap.Logger
	disk *DiskStore

	mu  sync.RWMutex
	mem map[uint64]*entry

	pairMu sync.RWMutex
	pairs  []map[uint64]struct{}

	hits, misses, diskHits, evicted atomic.Int64
}

// New returns a cache. disk may be nil for a memory-only cache.
func New(log *zap.Logger, disk *DiskStore) *Cache {
	return &Cache{
		log:  logger.OrNop(log),
		disk: disk,
		mem:  make(map[uint64]*entry),
	}
}

// Disk returns the disk store, or nil.
func (c *Cache) Disk() *DiskStore { return c.disk }

// Get returns the resource for hash with a reference added for the caller,
// looking in memory first and then on disk. Disk hits are kept in memory.
func (c *Cache) Get(hash uint64) (*texture.Resource, bool) {
	c.mu.Lock()
	if e, ok := c.mem[hash]; ok {
		e.access = time.Now()
		res := e.res.Acquire()
		c.mu.Unlock()
		if c.disk != nil {
			c.disk.Touch(hash)
		}
		c.hits.Add(1)
		return res, true
	}
	c.mu.Unlock()

	if c.disk == nil {
		c.misses.Add(1)
		return nil, false
	}
	tex, view, err := c.disk.Read(hash)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.log.Warn("disk cache read treated as a miss",
				zap.String("hash", fmt.Sprintf("%016x", hash)),
				zap.Error(err))
		}
		c.misses.Add(1)
		return nil, false
	}

	res := texture.NewResource(tex)
	res.View = view

	c.mu.Lock()
	if e, ok := c.mem[hash]; ok {
		// Another lookup promoted it first.
		e.access = time.Now()
		out := e.res.Acquire()
		c.mu.Unlock()
		c.hits.Add(1)
		return out, true
	}
	c.mem[hash] = &entry{res: res, access: time.Now()}
	out := res.Acquire()
	c.mu.Unlock()

	c.hits.Add(1)
	c.diskHits.Add(1)
	return out, true
}

// Put stores res under hash, taking a reference of its own; the caller keeps
// its reference. With a disk store the resource is also written to disk. A
// disk failure is returned but the memory entry stays.
func (c *Cache) Put(hash uint64, res *texture.Resource) error {
	c.mu.Lock()
	if old, ok := c.mem[hash]; ok {
		if old.res == res {
			old.access = time.Now()
			c.mu.Unlock()
			return nil
		}
		old.res.Release()
	}
	c.mem[hash] = &entry{res: res.Acquire(), access: time.Now()}
	c.mu.Unlock()

	if c.disk == nil {
		return nil
	}
	if err := c.disk.Write(hash, res.Texture, res.View); err != nil {
		return zerr.Wrap(err, "failed to persist cache entry")
	}
	return nil
}

// contains reports whether hash is in memory or on disk, without loading it.
func (c *Cache) contains(hash uint64) bool {
	c.mu.RLock()
	_, ok := c.mem[hash]
	c.mu.RUnlock()
	if ok {
		return true
	}
	return c.disk != nil && c.disk.Has(hash) && !c.disk.IsCorrupt(hash)
}

// EvictUnused drops memory entries nobody but the cache references and
// returns how many were dropped.
func (c *Cache) EvictUnused() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for hash, e := range c.mem {
		if e.res.RefCount() <= 1 {
			e.res.Release()
			delete(c.mem, hash)
			n++
			// A hash the disk does not hold is gone; its pairs can never hit.
			if c.disk == nil || !c.disk.Has(hash) {
				c.forgetHash(hash)
			}
		}
	}
	if n > 0 {
		c.evicted.Add(int64(n))
		c.log.Debug("evicted unused resources", zap.Int("count", n), zap.Int("remaining", len(c.mem)))
	}
	return n
}

// Clear drops every memory entry. The disk store is left alone.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.mem {
		e.res.Release()
	}
	clear(c.mem)
}

// Len returns the number of memory entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.mem)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	s := Stats{
		Entries:  c.Len(),
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		DiskHits: c.diskHits.Load(),
		Evicted:  c.evicted.Load(),
	}
	if c.disk != nil {
		s.DiskBytes = c.disk.Size()
	}
	return s
}

// AddHashPair records that a and b produced the same texture. Pairs are
// grouped: adding a pair that shares a hash with an existing group extends
// that group.
func (c *Cache) AddHashPair(a, b uint64) {
	c.pairMu.Lock()
	defer c.pairMu.Unlock()
	for _, group := range c.pairs {
		_, hasA := group[a]
		_, hasB := group[b]
		if hasA || hasB {
			group[a] = struct{}{}
			group[b] = struct{}{}
			return
		}
	}
	c.pairs = append(c.pairs, map[uint64]struct{}{a: {}, b: {}})
	c.log.Debug("added hash pair",
		zap.String("a", fmt.Sprintf("%016x", a)),
		zap.String("b", fmt.Sprintf("%016x", b)))
}

// IsPair reports whether a and b were recorded as producing the same texture.
func (c *Cache) IsPair(a, b uint64) bool {
	if a == b {
		return true
	}
	c.pairMu.RLock()
	defer c.pairMu.RUnlock()
	for _, group := range c.pairs {
		_, hasA := group[a]
		_, hasB := group[b]
		if hasA && hasB {
			return true
		}
	}
	return false
}

// forgetHash removes hash from any pair group.
func (c *Cache) forgetHash(hash uint64) {
	c.pairMu.Lock()
	defer c.pairMu.Unlock()
	for _, group := range c.pairs {
		delete(group, hash)
	}
}
