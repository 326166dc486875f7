package storage

import (
	"sync"

	"github.com/rthomasv3/galdrdb/errs"
)

// cacheEntry holds one cached page plus a per-entry lock. The lock is held
// exclusively during the first load of a miss (so concurrent misses for the
// same page perform a single underlying read) and during a write; reads of
// an already-cached entry take the shared (read) side, so concurrent
// readers of the same page proceed in parallel and readers of distinct
// pages never serialize on each other.
type cacheEntry struct {
	mu      sync.RWMutex
	pageID  uint32
	data    []byte
	loaded  bool
	prev    *cacheEntry
	next    *cacheEntry
}

// PageCache is a bounded, thread-safe, write-through LRU cache layered over
// PageIO. It is never more stale than disk: writes update the cache entry
// and the inner I/O together.
type PageCache struct {
	mu       sync.Mutex // protects the map and the LRU list, not entry contents
	io       *PageIO
	capacity int
	pageSize int
	entries  map[uint32]*cacheEntry
	head     *cacheEntry // MRU
	tail     *cacheEntry // LRU

	hits   uint64
	misses uint64
}

// NewPageCache wraps io with an LRU cache holding up to capacity pages.
func NewPageCache(io *PageIO, capacity int) *PageCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &PageCache{
		io:       io,
		capacity: capacity,
		pageSize: io.PageSize(),
		entries:  make(map[uint32]*cacheEntry, capacity),
	}
}

// getOrCreateEntry returns the entry for pageID, creating (but not loading)
// it if absent, and records the LRU touch. Eviction of a different entry
// may happen here; it never evicts the entry being returned.
func (c *PageCache) getOrCreateEntry(pageID uint32) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[pageID]; ok {
		c.touch(e)
		c.hits++
		return e
	}
	c.misses++
	e := &cacheEntry{pageID: pageID}
	c.entries[pageID] = e
	c.pushFront(e)
	if len(c.entries) > c.capacity {
		c.evictLocked(e)
	}
	return e
}

// ReadPage copies pageID's bytes into buf (len(buf) must equal PageSize).
// On a cache miss, only this page's load lock is held while the underlying
// read happens; unrelated pages are never blocked.
func (c *PageCache) ReadPage(pageID uint32, buf []byte) error {
	if len(buf) != c.pageSize {
		return invalidBufferLen(len(buf), c.pageSize)
	}
	e := c.getOrCreateEntry(pageID)

	e.mu.RLock()
	if e.loaded {
		copy(buf, e.data)
		e.mu.RUnlock()
		return nil
	}
	e.mu.RUnlock()

	// Miss: acquire exclusive load lock. A second goroutine racing here
	// will also block on Lock(), then observe e.loaded == true and skip
	// the read — only one underlying read happens per miss.
	e.mu.Lock()
	if !e.loaded {
		data := make([]byte, c.pageSize)
		if err := c.io.ReadPage(pageID, data); err != nil {
			e.mu.Unlock()
			return err
		}
		e.data = data
		e.loaded = true
	}
	copy(buf, e.data)
	e.mu.Unlock()
	return nil
}

// WritePage updates the cache entry and writes through to the inner I/O
// atomically for that entry: the cache is never more stale than disk.
func (c *PageCache) WritePage(pageID uint32, buf []byte) error {
	if len(buf) != c.pageSize {
		return invalidBufferLen(len(buf), c.pageSize)
	}
	e := c.getOrCreateEntry(pageID)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := c.io.WritePage(pageID, buf); err != nil {
		return err
	}
	if e.data == nil {
		e.data = make([]byte, c.pageSize)
	}
	copy(e.data, buf)
	e.loaded = true
	return nil
}

// Invalidate drops a single page from the cache, forcing the next read to
// go to disk.
func (c *PageCache) Invalidate(pageID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[pageID]
	if !ok {
		return
	}
	c.removeLocked(e)
	delete(c.entries, pageID)
}

// Clear empties the cache entirely.
func (c *PageCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint32]*cacheEntry, c.capacity)
	c.head, c.tail = nil, nil
}

// Flush passes through to the inner PageIO's flush.
func (c *PageCache) Flush() error { return c.io.Flush() }

// SetLength passes through to the inner PageIO.
func (c *PageCache) SetLength(bytes int64) error { return c.io.SetLength(bytes) }

// Stats returns cumulative hit/miss counters and current occupancy.
func (c *PageCache) Stats() (hits, misses uint64, size, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.entries), c.capacity
}

// HitRate is hits / (hits+misses), or 0 if nothing has been requested yet.
func (c *PageCache) HitRate() float64 {
	hits, misses, _, _ := c.Stats()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// ---------- LRU list (caller must hold c.mu) ----------

func (c *PageCache) pushFront(e *cacheEntry) {
	e.prev, e.next = nil, c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *PageCache) removeLocked(e *cacheEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (c *PageCache) touch(e *cacheEntry) {
	if e == c.head {
		return
	}
	c.removeLocked(e)
	c.pushFront(e)
}

// evictLocked evicts the LRU tail, unless it is keep (the entry that just
// triggered the capacity check), which can only happen transiently when
// capacity is 1 or less and is never evicted itself.
func (c *PageCache) evictLocked(keep *cacheEntry) {
	victim := c.tail
	if victim == nil || victim == keep {
		return
	}
	c.removeLocked(victim)
	delete(c.entries, victim.pageID)
}

func invalidBufferLen(got, want int) error {
	return errs.New(errs.InvalidOperation, "cache: buffer length %d != page size %d", got, want)
}
