// Package pcache1 implements the pluggable cache: a keyed
// store of page buffers with LRU eviction over unpinned entries, built
// from a chained hash table on Pgno plus a per-group intrusive LRU list.
// It is called only by the page-cache manager (package pagecache).
//
// The hash+LRU shape is grounded on
// _examples/ryogrid-bltree-go-for-embedding/bufmgr.go's HashEntry/latch
// chain design, translated from that file's slot-index arrays to
// pointer-based Go nodes (Go's GC removes the need for the donor's manual
// slot arithmetic), and on the donor engine's
// internal/storage/pager/pager.go PageBufferPool for the intrusive
// push-front/unlink/move-to-front naming.
//
// PgHdr is defined here, not duplicated in pagecache, even though its
// fields split across the allocation layer (this package) and the
// dirty-list/sync layer (pagecache) — see DESIGN.md "merged PgHdr
// struct" for the rationale. Fields below are commented with their
// owning layer.
package pcache1

import (
	"sync"

	"github.com/lakedb/pagestore/internal/storage/pagealloc"
)

// Pgno is a 1-based page number; 0 is never a valid key.
type Pgno = uint32

// Flags is the disjunctive PgHdr flag set.
type Flags uint16

const (
	FlagDirty Flags = 1 << iota // owned by pagecache
	FlagNeedSync // owned by pagecache
	FlagDontWrite // owned by pager (freelist leaves, etc.)
	FlagReuseUnlikely // owned by pcache1 (Unpin hint)
	FlagWriteable // owned by pager
	FlagMMap // owned by pager
)

// PgHdr is one cached page entry, shared by the pluggable-cache layer
// (hash/LRU bookkeeping) and the page-cache manager layer (Flags and the
// dirty-list linkage).
type PgHdr struct {
	Pgno Pgno
	Data []byte // aligned page-size buffer
	Extra []byte // opaque scratch for upper layers (owned by pager/B-tree)

	// Flags and the dirty-list linkage are owned by package pagecache; they
	// live here because the shared type presents PgHdr as one record. pcache1
	// reads FlagDirty when choosing an eviction victim and sets
	// FlagReuseUnlikely in Unpin; it never touches the dirty-list linkage.
	Flags Flags
	DirtyPrev *PgHdr
	DirtyNext *PgHdr

	// nRef, lru*, hashNext, cache, block are owned by pcache1.
	nRef int32
	lruPrev *PgHdr
	lruNext *PgHdr
	onLRU bool
	hashNext *PgHdr
	cache *Cache
	block *pagealloc.Block
}

// RefCount returns the current pin count.
func (e *PgHdr) RefCount() int32 { return e.nRef }

// CreateFlag selects fetch's allocate-on-miss behavior.
type CreateFlag int

const (
	CreateNever CreateFlag = 0
	CreateIfRoom CreateFlag = 1
	CreateAlways CreateFlag = 2
)

// Group is PGroup: a set of caches that may recycle each other's
// unpinned entries. A per-cache group (mode 1) serves one cache; a
// shared group serialises every cache that joins it (mode 2). Every
// group, per-cache ones included, carries its own sync.Mutex so the
// code path is uniform; per-cache groups simply never see contention.
type Group struct {
	mu sync.Mutex

	nMaxPage int
	nMinPage int
	nPurgeable int

	lruHead *PgHdr
	lruTail *PgHdr
}

// NewGroup returns a fresh, empty cache group.
func NewGroup() *Group { return &Group{} }

// NewPrivateGroup returns a group intended for exactly one cache (mode 1
// in spec terms); it is mechanically identical to NewGroup, only the
// intent differs.
func NewPrivateGroup() *Group { return &Group{} }

// SetLimits sets the aggregate soft maximum and the minimum pages the
// group guarantees a purgeable cache can hold before others' entries are
// recycled. minPage is stored but not consulted by eviction.
func (g *Group) SetLimits(maxPage, minPage int) {
	g.mu.Lock()
	g.nMaxPage = maxPage
	g.nMinPage = minPage
	g.mu.Unlock()
}

func (g *Group) pushFront(e *PgHdr) {
	e.lruPrev = nil
	e.lruNext = g.lruHead
	if g.lruHead != nil {
		g.lruHead.lruPrev = e
	}
	g.lruHead = e
	if g.lruTail == nil {
		g.lruTail = e
	}
	e.onLRU = true
}

func (g *Group) unlink(e *PgHdr) {
	if !e.onLRU {
		return
	}
	if e.lruPrev != nil {
		e.lruPrev.lruNext = e.lruNext
	} else {
		g.lruHead = e.lruNext
	}
	if e.lruNext != nil {
		e.lruNext.lruPrev = e.lruPrev
	} else {
		g.lruTail = e.lruPrev
	}
	e.lruPrev, e.lruNext = nil, nil
	e.onLRU = false
}

func (g *Group) moveToFront(e *PgHdr) {
	g.unlink(e)
	g.pushFront(e)
}

// evictOne detaches the LRU-tail of the group and returns it for reuse,
// walking toward the head until a victim whose owning cache permits
// recycling is found. Caller holds g.mu.
func (g *Group) evictOne() *PgHdr {
	for e := g.lruTail; e != nil; e = e.lruPrev {
		if e.cache != nil && e.cache.purgeable {
			g.unlink(e)
			return e
		}
	}
	return nil
}
