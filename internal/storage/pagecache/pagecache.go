// Package pagecache implements the page-cache manager: it
// wraps a pluggable cache (package pcache1) and owns the dirty list, the
// pSynced sync-barrier bookmark, and the stress-callback wiring that lets
// eviction spill dirty pages through the pager.
//
// Grounded on the donor engine's internal/storage/pager/pager.go dirty
// page handling (WritePage marks the buffer-pool entry dirty; Checkpoint
// walks dirty pages in order) and internal/storage/bufferpool.go's
// CacheStats/eviction accounting, adapted from per-table stats to
// per-cache refCountSum/pageCount bookkeeping.
package pagecache

import (
	"sync"

	"github.com/lakedb/pagestore/internal/storage/pcache1"
)

// PgHdr is the shared cache-entry type; re-exported so callers
// of this package never need to import pcache1 directly.
type PgHdr = pcache1.PgHdr

// CreateFlag re-exports pcache1's fetch semantics.
type CreateFlag = pcache1.CreateFlag

const (
	CreateNever = pcache1.CreateNever
	CreateIfRoom = pcache1.CreateIfRoom
	CreateAlways = pcache1.CreateAlways
)

// StressFunc is invoked with a dirty victim page chosen by the manager;
// on success the page must be clean.
type StressFunc func(arg any, page *PgHdr) error

// PCache is the page-cache manager for one pager.
type PCache struct {
	mu sync.Mutex

	low *pcache1.Cache
	group *pcache1.Group

	dirtyHead *PgHdr // MRU end
	dirtyTail *PgHdr // oldest end
	nDirty int

	// pSynced caches the position of an entry such that no entry strictly
	// older (closer to dirtyTail) has NEED_SYNC clear. It may lag; Synced() re-derives a guaranteed witness by
	// walking from dirtyTail toward the head.
	pSynced *PgHdr

	stressFn StressFunc
	stressArg any
}

// Open implements open(szPage, szExtra, purgeable, stressFn,
// stressArg). group may be shared across multiple PCache instances (mode
// 2) or private to this one (mode 1); nSlab follows pagealloc's N
// encoding, pass 0 for the default.
func Open(group *pcache1.Group, szPage, szExtra int, purgeable bool, nSlab int, stressFn StressFunc, stressArg any) *PCache {
	pc := &PCache{
		group: group,
		stressFn: stressFn,
		stressArg: stressArg,
	}
	pc.low = pcache1.New(group, szPage, szExtra, purgeable, nSlab)
	pc.low.SetStress(pc.onStress)
	return pc
}

// onStress adapts pcache1's victim callback (which only knows about
// PgHdr.Flags) to the manager's registered StressFunc.
func (pc *PCache) onStress(e *PgHdr) error {
	if pc.stressFn == nil {
		return nil
	}
	return pc.stressFn(pc.stressArg, e)
}

// Fetch implements fetch(pgno, createFlag): increments nRef on
// hit (delegated to the low-level cache) and is otherwise a pass-through.
func (pc *PCache) Fetch(pgno pcache1.Pgno, flag CreateFlag) *PgHdr {
	return pc.low.Fetch(pgno, flag)
}

// Release implements release(PgHdr): decrements nRef; if zero
// and clean, offers the entry for reuse via the low-level cache's unpin.
func (pc *PCache) Release(e *PgHdr) {
	reuseUnlikely := e.Flags&pcache1.FlagDirty == 0 && e.Flags&pcache1.FlagReuseUnlikely != 0
	pc.low.Unpin(e, reuseUnlikely)
}

// MakeDirty implements makeDirty(PgHdr): idempotent — a second
// call on an already-dirty entry is a no-op.
func (pc *PCache) MakeDirty(e *PgHdr) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if e.Flags&pcache1.FlagDirty != 0 {
		return
	}
	e.Flags |= pcache1.FlagDirty
	pc.dirtyPushFront(e)
}

func (pc *PCache) dirtyPushFront(e *PgHdr) {
	e.DirtyPrev = nil
	e.DirtyNext = pc.dirtyHead
	if pc.dirtyHead != nil {
		pc.dirtyHead.DirtyPrev = e
	}
	pc.dirtyHead = e
	if pc.dirtyTail == nil {
		pc.dirtyTail = e
	}
	pc.nDirty++
	if pc.pSynced == nil && e.Flags&pcache1.FlagNeedSync == 0 {
		pc.pSynced = e
	}
}

func (pc *PCache) dirtyUnlink(e *PgHdr) {
	if e.DirtyPrev != nil {
		e.DirtyPrev.DirtyNext = e.DirtyNext
	} else if pc.dirtyHead == e {
		pc.dirtyHead = e.DirtyNext
	}
	if e.DirtyNext != nil {
		e.DirtyNext.DirtyPrev = e.DirtyPrev
	} else if pc.dirtyTail == e {
		pc.dirtyTail = e.DirtyPrev
	}
	e.DirtyPrev, e.DirtyNext = nil, nil
	pc.nDirty--
}

// MakeClean implements makeClean(PgHdr): clears DIRTY and
// NEED_SYNC, removes from the dirty list, and repairs pSynced if it
// pointed at this entry.
func (pc *PCache) MakeClean(e *PgHdr) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if e.Flags&pcache1.FlagDirty == 0 {
		return
	}
	wasSynced := pc.pSynced == e
	nextTowardTail := e.DirtyNext
	pc.dirtyUnlink(e)
	e.Flags &^= pcache1.FlagDirty | pcache1.FlagNeedSync
	if wasSynced {
		pc.pSynced = pc.nextSyncedFrom(nextTowardTail)
	}
}

// nextSyncedFrom walks toward the head (newer entries) looking for the
// first entry whose NEED_SYNC is clear, restoring the pSynced invariant.
func (pc *PCache) nextSyncedFrom(start *PgHdr) *PgHdr {
	for e := start; e != nil; e = e.DirtyPrev {
		if e.Flags&pcache1.FlagNeedSync == 0 {
			return e
		}
	}
	return nil
}

// DirtyList returns the MRU head of the dirty list; callers walk via
// DirtyNext/DirtyPrev.
func (pc *PCache) DirtyList() *PgHdr {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.dirtyHead
}

// Synced returns a verified pSynced witness, the oldest dirty entry whose
// NEED_SYNC is clear, by walking from dirtyTail toward the head, and
// re-establishes the bookmark in case it had lagged.
func (pc *PCache) Synced() *PgHdr {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	w := pc.nextSyncedFrom(pc.dirtyTail)
	pc.pSynced = w
	return w
}

// Truncate implements truncate(limit): drops cache entries
// with pgno > limit (delegated) and removes any such entries from the
// dirty list too.
func (pc *PCache) Truncate(limit pcache1.Pgno) {
	pc.mu.Lock()
	for e := pc.dirtyHead; e != nil; {
		next := e.DirtyNext
		if e.Pgno > limit {
			pc.dirtyUnlink(e)
		}
		e = next
	}
	if pc.pSynced != nil && pc.pSynced.Pgno > limit {
		pc.pSynced = pc.nextSyncedFrom(pc.dirtyTail)
	}
	pc.mu.Unlock()
	pc.low.Truncate(limit)
}

// CleanAll clears DIRTY/NEED_SYNC from every entry and empties the dirty
// list, without releasing the underlying buffers.
func (pc *PCache) CleanAll() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for e := pc.dirtyHead; e != nil; {
		next := e.DirtyNext
		e.Flags &^= pcache1.FlagDirty | pcache1.FlagNeedSync
		e.DirtyPrev, e.DirtyNext = nil, nil
		e = next
	}
	pc.dirtyHead, pc.dirtyTail, pc.pSynced = nil, nil, nil
	pc.nDirty = 0
}

// ClearWritable clears the WRITEABLE flag on every entry, used when a write transaction ends.
func (pc *PCache) ClearWritable() {
	pc.low.ForEachUnpinned(func(e *PgHdr) bool {
		e.Flags &^= pcache1.FlagWriteable
		return true
	})
	pc.mu.Lock()
	for e := pc.dirtyHead; e != nil; e = e.DirtyNext {
		e.Flags &^= pcache1.FlagWriteable
	}
	pc.mu.Unlock()
}

// Close releases the low-level cache entirely.
func (pc *PCache) Close() {
	pc.low.Destroy()
	pc.mu.Lock()
	pc.dirtyHead, pc.dirtyTail, pc.pSynced = nil, nil, nil
	pc.nDirty = 0
	pc.mu.Unlock()
}

// PageCount returns the number of entries in the underlying cache.
func (pc *PCache) PageCount() int { return pc.low.PageCount() }

// RefCountSum implements refCountSum() → int.
func (pc *PCache) RefCountSum() int { return pc.low.RefCountSum() }

// DirtyCount returns the length of the dirty list.
func (pc *PCache) DirtyCount() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.nDirty
}

// CacheSize forwards to the low-level cache's soft limit.
func (pc *PCache) CacheSize(n int) { pc.low.CacheSize(n) }

// Shrink forwards to the low-level cache.
func (pc *PCache) Shrink() { pc.low.Shrink() }

// IsDirty reports whether e currently carries the DIRTY flag — the
// quantified invariant ("e.flags has DIRTY ⇔ e ∈
// dirtyList(e.cache)") is therefore true by construction: membership and
// the flag are only ever changed together in MakeDirty/MakeClean.
func IsDirty(e *PgHdr) bool { return e.Flags&pcache1.FlagDirty != 0 }

// NeedsSync reports whether e is dirty and its journal record is not yet
// synced.
func NeedsSync(e *PgHdr) bool { return e.Flags&pcache1.FlagNeedSync != 0 }

// SetNeedsSync/ClearNeedsSync are used by the pager's write path to
// toggle NEED_SYNC as journal syncs complete; both may invalidate the
// pSynced bookmark, so they go through the manager rather than touching
// e.Flags directly.
func (pc *PCache) SetNeedsSync(e *PgHdr) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if e.Flags&pcache1.FlagNeedSync != 0 {
		return
	}
	e.Flags |= pcache1.FlagNeedSync
	if pc.pSynced == e {
		pc.pSynced = pc.nextSyncedFrom(e.DirtyNext)
	}
}

func (pc *PCache) ClearNeedsSync(e *PgHdr) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if e.Flags&pcache1.FlagNeedSync == 0 {
		return
	}
	e.Flags &^= pcache1.FlagNeedSync
	if pc.pSynced == nil {
		pc.pSynced = e
	}
}
