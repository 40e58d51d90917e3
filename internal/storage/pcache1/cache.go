package pcache1

import (
	"github.com/lakedb/pagestore/internal/storage/pagealloc"
)

const minHashBuckets = 16

// Cache is a single pluggable-cache instance. It
// indexes its entries by Pgno in a chained hash table with a power-of-two
// bucket count (16 at first) that doubles whenever occupancy would exceed
// twice the bucket count, and shares an LRU list
// with every other cache in the same Group.
type Cache struct {
	group *Group
	alloc *pagealloc.Allocator
	szPage int
	szExtra int
	purgeable bool

	buckets []*PgHdr
	nHash int
	nPage int
	nMax int // soft cachesize; 0 means "unbounded"

	// stress is wired by the page-cache manager at creation time and
	// invoked when this cache must allocate under group pressure but every
	// LRU candidate it can see is ineligible for silent recycling.
	stress func(e *PgHdr) error
}

// New creates a pluggable cache. nSlab follows pagealloc's N encoding; pass 0 for the
// default slab sizing.
func New(group *Group, szPage, szExtra int, purgeable bool, nSlab int) *Cache {
	if purgeable {
		pagealloc.ArenaAcquire()
	}
	c := &Cache{
		group: group,
		alloc: pagealloc.NewAllocator(szPage, szExtra, nSlab),
		szPage: szPage,
		szExtra: szExtra,
		purgeable: purgeable,
		buckets: make([]*PgHdr, minHashBuckets),
		nHash: minHashBuckets,
	}
	return c
}

// SetStress registers the manager's eviction callback.
func (c *Cache) SetStress(fn func(e *PgHdr) error) { c.stress = fn }

func (c *Cache) bucketOf(pgno Pgno) int { return int(pgno) & (c.nHash - 1) }

func (c *Cache) lookup(pgno Pgno) *PgHdr {
	for e := c.buckets[c.bucketOf(pgno)]; e != nil; e = e.hashNext {
		if e.Pgno == pgno {
			return e
		}
	}
	return nil
}

func (c *Cache) hashInsert(e *PgHdr) {
	if c.nPage+1 > c.nHash*2 {
		c.rehash(c.nHash * 2)
	}
	b := c.bucketOf(e.Pgno)
	e.hashNext = c.buckets[b]
	c.buckets[b] = e
}

func (c *Cache) hashRemove(e *PgHdr) {
	b := c.bucketOf(e.Pgno)
	cur := c.buckets[b]
	if cur == e {
		c.buckets[b] = e.hashNext
		e.hashNext = nil
		return
	}
	for cur != nil {
		if cur.hashNext == e {
			cur.hashNext = e.hashNext
			e.hashNext = nil
			return
		}
		cur = cur.hashNext
	}
}

func (c *Cache) rehash(newN int) {
	newBuckets := make([]*PgHdr, newN)
	oldN := c.nHash
	for i := 0; i < oldN; i++ {
		e := c.buckets[i]
		for e != nil {
			next := e.hashNext
			b := int(e.Pgno) & (newN - 1)
			e.hashNext = newBuckets[b]
			newBuckets[b] = e
			e = next
		}
	}
	c.buckets = newBuckets
	c.nHash = newN
}

// CacheSize sets the soft per-cache maximum.
func (c *Cache) CacheSize(n int) { c.nMax = n }

// PageCount returns the number of entries currently held by this cache.
func (c *Cache) PageCount() int { return c.nPage }

// Fetch implements the pluggable-cache lookup/allocate contract. On a hit the entry is pinned (removed from the LRU if present)
// and its reference count incremented.
func (c *Cache) Fetch(pgno Pgno, flag CreateFlag) *PgHdr {
	c.group.mu.Lock()
	defer c.group.mu.Unlock()

	if e := c.lookup(pgno); e != nil {
		if e.onLRU {
			c.group.unlink(e)
		}
		e.nRef++
		return e
	}
	if flag == CreateNever {
		return nil
	}
	if flag == CreateIfRoom && !c.hasRoomLocked() {
		return nil
	}
	return c.allocateLocked(pgno)
}

func (c *Cache) hasRoomLocked() bool {
	if c.nMax > 0 && c.nPage >= c.nMax {
		return c.group.lruTail != nil
	}
	if c.group.nMaxPage > 0 && c.group.nPurgeable >= c.group.nMaxPage {
		return c.group.lruTail != nil
	}
	return true
}

// overBudgetLocked reports whether this cache or its group is at its soft
// page limit. Caller holds c.group.mu.
func (c *Cache) overBudgetLocked() bool {
	if c.nMax > 0 && c.nPage >= c.nMax {
		return true
	}
	return c.group.nMaxPage > 0 && c.group.nPurgeable >= c.group.nMaxPage
}

// allocateLocked creates a new entry for pgno, evicting under the group
// lock if the group is over budget. Caller holds c.group.mu.
func (c *Cache) allocateLocked(pgno Pgno) *PgHdr {
	for c.overBudgetLocked() {
		victim := c.group.evictOne()
		if victim == nil {
			break
		}
		if victim.Flags&FlagDirty != 0 && victim.cache.stress != nil {
			// Clean candidates are handled entirely within this loop;
			// dirty eviction is the page-cache manager's job.
			// We ask it to clean the page so it becomes a valid recycle
			// target; if it refuses (doNotSpill), we give up on reuse and
			// fall through to a fresh allocation instead of blocking.
			if err := victim.cache.stress(victim); err != nil || victim.Flags&FlagDirty != 0 {
				victim.cache.group.pushFront(victim)
				break
			}
		}
		victim.cache.removeLocked(victim)
	}

	block, _ := c.alloc.Alloc()
	e := &PgHdr{Pgno: pgno, Data: block.Page, Extra: block.Extra, cache: c, block: block, nRef: 1}
	c.hashInsert(e)
	c.nPage++
	if c.purgeable {
		c.group.nPurgeable++
	}
	return e
}

// removeLocked deletes e from its cache entirely (used by eviction and by
// Destroy/Truncate). Caller holds c.group.mu.
func (c *Cache) removeLocked(e *PgHdr) {
	c.hashRemove(e)
	c.nPage--
	if c.purgeable && c.group.nPurgeable > 0 {
		c.group.nPurgeable--
	}
	c.alloc.Free(e.block)
}

// Unpin implements unpin(entry, reuseUnlikely). When the
// reference count reaches zero the entry joins the group LRU (MRU end)
// unless reuseUnlikely requests it be placed for prompt recycling
// instead (we approximate "prompt recycling" by linking it at the LRU
// tail so it is the next eviction candidate).
func (c *Cache) Unpin(e *PgHdr, reuseUnlikely bool) {
	c.group.mu.Lock()
	defer c.group.mu.Unlock()
	if e.nRef > 0 {
		e.nRef--
	}
	if e.nRef != 0 {
		return
	}
	if reuseUnlikely {
		e.Flags |= FlagReuseUnlikely
		e.lruNext = nil
		e.lruPrev = c.group.lruTail
		if c.group.lruTail != nil {
			c.group.lruTail.lruNext = e
		}
		c.group.lruTail = e
		if c.group.lruHead == nil {
			c.group.lruHead = e
		}
		e.onLRU = true
		return
	}
	c.group.pushFront(e)
}

// Rekey implements rekey(entry, oldKey, newKey).
func (c *Cache) Rekey(e *PgHdr, oldKey, newKey Pgno) {
	c.group.mu.Lock()
	defer c.group.mu.Unlock()
	if existing := c.lookup(newKey); existing != nil && existing != e {
		c.removeLocked(existing)
	}
	c.hashRemove(e)
	e.Pgno = newKey
	c.hashInsert(e)
}

// Truncate implements truncate(limit): drops pages with pgno >
// limit.
func (c *Cache) Truncate(limit Pgno) {
	c.group.mu.Lock()
	defer c.group.mu.Unlock()
	for i := 0; i < c.nHash; i++ {
		e := c.buckets[i]
		for e != nil {
			next := e.hashNext
			if e.Pgno > limit {
				if e.onLRU {
					c.group.unlink(e)
				}
				c.removeLocked(e)
			}
			e = next
		}
	}
}

// Shrink releases every currently unpinned entry back to its allocator,
// shrink().
func (c *Cache) Shrink() {
	c.group.mu.Lock()
	defer c.group.mu.Unlock()
	for e := c.group.lruHead; e != nil; {
		next := e.lruNext
		if e.cache == c {
			c.group.unlink(e)
			c.removeLocked(e)
		}
		e = next
	}
}

// Destroy releases every entry owned by this cache, pinned or not, and
// detaches it from its group.
func (c *Cache) Destroy() {
	c.group.mu.Lock()
	for i := 0; i < c.nHash; i++ {
		e := c.buckets[i]
		for e != nil {
			next := e.hashNext
			if e.onLRU {
				c.group.unlink(e)
			}
			c.alloc.Free(e.block)
			e = next
		}
		c.buckets[i] = nil
	}
	c.nPage = 0
	c.group.mu.Unlock()
	if c.purgeable {
		pagealloc.ArenaRelease()
	}
}

// RefCountSum returns the sum of nRef across every entry in this cache;
// used by the close-time invariant that it must be zero once every
// reference has been released.
func (c *Cache) RefCountSum() int {
	c.group.mu.Lock()
	defer c.group.mu.Unlock()
	sum := 0
	for i := 0; i < c.nHash; i++ {
		for e := c.buckets[i]; e != nil; e = e.hashNext {
			sum += int(e.nRef)
		}
	}
	return sum
}

// ForEachUnpinned walks the group LRU list from tail (oldest) to head,
// visiting only entries owned by this cache. Used by the manager's
// dirty-scan fallback paths and by tests.
func (c *Cache) ForEachUnpinned(visit func(e *PgHdr) bool) {
	c.group.mu.Lock()
	defer c.group.mu.Unlock()
	for e := c.group.lruTail; e != nil; e = e.lruPrev {
		if e.cache == c {
			if !visit(e) {
				return
			}
		}
	}
}
