package reconcile

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// RecentCache remembers the checksum last written at each block address,
// so Reconcile's address-reuse rule (spec.md §4.3 step 5) can skip a
// round trip through the block manager's own Checksum lookup for
// addresses it rewrote recently. It is a cache, not a source of truth:
// a miss falls back to BlockWriter.Checksum.
type RecentCache struct {
	cache *lru.Cache[uint64, uint64]
}

// NewRecentCache builds a RecentCache holding up to size recently
// written (address -> checksum) pairs.
func NewRecentCache(size int) *RecentCache {
	c, _ := lru.New[uint64, uint64](size)
	return &RecentCache{cache: c}
}

// Note records addr's checksum after a write.
func (r *RecentCache) Note(addr, checksum uint64) {
	if r == nil || r.cache == nil {
		return
	}
	r.cache.Add(addr, checksum)
}

// Checksum returns the cached checksum for addr, if present.
func (r *RecentCache) Checksum(addr uint64) (uint64, bool) {
	if r == nil || r.cache == nil {
		return 0, false
	}
	return r.cache.Get(addr)
}
