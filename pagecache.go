package btreeindex

// PageCache is a bounded set of resident Pages keyed by file offset, with
// clock-like write-back eviction and header-consistency checks on flush
// (spec §4.3).
//
// Grounded on original_source/BTreePagesCache.h's public contract
// (CachePage/TryOffset/RemovePage/Clear/ClearWithoutSaving/GetHitRate)
// and the teacher's bufmgr.go clock-victim scan / write-back-on-eviction
// pattern, adapted from a concurrent latch-pinned buffer pool down to a
// single-writer, lock-free slot array.
type PageCache struct {
	slots    []*Page // fixed-size array of cache slots; nil = empty
	victim   int     // rotating clock cursor
	attempts uint64
	hits     uint64

	writeBack func(p *Page) error
}

const minCacheSize = 2

// NewPageCache creates a cache with the given capacity (floored at 2 per
// spec §4.3), writing back dirty evicted pages via writeBack.
func NewPageCache(size int, writeBack func(p *Page) error) *PageCache {
	if size < minCacheSize {
		size = minCacheSize
	}
	return &PageCache{slots: make([]*Page, size), writeBack: writeBack}
}

// Size is the cache's current slot capacity.
func (c *PageCache) Size() int { return len(c.slots) }

// SetSize resizes the cache, flooring at 2. Existing pages beyond the
// new capacity are evicted (written back if dirty) before shrinking.
func (c *PageCache) SetSize(n int) error {
	if n < minCacheSize {
		n = minCacheSize
	}
	if n >= len(c.slots) {
		grown := make([]*Page, n)
		copy(grown, c.slots)
		c.slots = grown
		return nil
	}
	for i := n; i < len(c.slots); i++ {
		if c.slots[i] == nil {
			continue
		}
		if c.slots[i].Dirty() {
			if err := c.writeBack(c.slots[i]); err != nil {
				return err
			}
		}
		c.slots[i] = nil
	}
	c.slots = c.slots[:n]
	if c.victim >= n {
		c.victim = 0
	}
	return nil
}

// HasPages reports whether any slot is occupied.
func (c *PageCache) HasPages() bool {
	for _, p := range c.slots {
		if p != nil {
			return true
		}
	}
	return false
}

// GetHitRate returns hits/attempts, or 0 if there have been no attempts.
func (c *PageCache) GetHitRate() float64 {
	if c.attempts == 0 {
		return 0
	}
	return float64(c.hits) / float64(c.attempts)
}

// TryOffset returns the cached page for offset, if resident.
func (c *PageCache) TryOffset(offset int64) (*Page, bool) {
	c.attempts++
	for _, p := range c.slots {
		if p != nil && p.Offset() == offset {
			c.hits++
			return p, true
		}
	}
	return nil, false
}

// Cache inserts page into the cache. If an occupied slot is chosen for
// eviction, the evicted page is written back (if dirty) and returned so
// the Tree can reuse its allocation for the next newly-allocated page
// (spec §4.3's page-reuse discipline). Returns (nil, false) if an empty
// slot was used instead.
func (c *PageCache) Cache(page *Page) (evicted *Page, didEvict bool, err error) {
	for i, p := range c.slots {
		if p == nil {
			c.slots[i] = page
			return nil, false, nil
		}
	}
	victim := c.slots[c.victim]
	if victim.Dirty() {
		if err := c.writeBack(victim); err != nil {
			return nil, false, err
		}
	}
	c.slots[c.victim] = page
	c.victim = (c.victim + 1) % len(c.slots)
	return victim, true, nil
}

// RemovePage evicts the page at offset without writing it back, used
// when the Tree has deleted an empty page and its stale bytes no longer
// matter because the offset is now on the free-offset list.
func (c *PageCache) RemovePage(offset int64) {
	for i, p := range c.slots {
		if p != nil && p.Offset() == offset {
			c.slots[i] = nil
			return
		}
	}
}

// Clear writes back every dirty page, then confirms that for each cached
// page the directory has an entry for its file offset whose key equals
// the page's current minimum. Returns false (a corruption signal, spec
// §4.3/§7) on any mismatch.
func (c *PageCache) Clear(dir *HeaderDirectory) (bool, error) {
	consistent := true
	for i, p := range c.slots {
		if p == nil {
			continue
		}
		if p.Dirty() {
			if err := c.writeBack(p); err != nil {
				return false, err
			}
		}
		min, hasMin := p.Min()
		it := dir.GetPage(min)
		switch {
		case !hasMin:
			// an empty cached page has no directory entry to check
			// against; the Tree is expected to have already removed
			// it via RemovePage when it became empty.
		case it.Exhausted():
			consistent = false
		default:
			entryKey := it.CurrentKey()
			entryOffset := it.CurrentOffset()
			if entryOffset != p.Offset() || dir.desc.compareKeyRecord(entryKey, min) != 0 {
				consistent = false
			}
		}
		c.slots[i] = nil
	}
	return consistent, nil
}

// ClearWithoutSaving discards all cached pages without writing them back.
func (c *PageCache) ClearWithoutSaving() {
	for i := range c.slots {
		c.slots[i] = nil
	}
}
