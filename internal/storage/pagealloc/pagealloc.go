// Package pagealloc supplies fixed-size page buffers under a slab →
// arena → heap allocation policy. Each pluggable cache (pcache1.Cache)
// owns one Allocator; the arena, if configured, is process-global and
// shared by every allocator.
//
// Grounded on the donor engine's internal/storage/bufferpool.go, whose
// MemoryPolicy/eviction-threshold framing is repurposed here from a
// table-cache memory budget to a raw page-buffer budget — the donor
// never implements a slab/arena allocator itself (it simply calls make()
// per table), so this component's actual allocation strategy is new code
// written in the donor's plain, no-third-party-library style rather than
// a direct line-for-line adaptation.
package pagealloc

import (
	"fmt"
	"sync"

	"github.com/lakedb/pagestore/internal/storage/pagerr"
)

// DefaultSlabPages is N when no explicit slab size is requested.
const DefaultSlabPages = 100

// SlabSize resolves the N encoding into a page count: a negative N
// means -1024*N bytes total, divided by page size.
func SlabSize(n int, pageSize int) int {
	if n == 0 {
		n = DefaultSlabPages
	}
	if n < 0 {
		totalBytes := -1024 * n
		if pageSize <= 0 {
			return 0
		}
		return totalBytes / pageSize
	}
	return n
}

// Block is a single allocated, page-sized buffer plus its optional
// separately-allocated header extension.
type Block struct {
	Page []byte
	Extra []byte
	// source identifies which tier produced this block, so Free() can
	// return it to the right free list.
	source allocSource
	slabIx int
}

type allocSource int

const (
	sourceHeap allocSource = iota
	sourceSlab
	sourceArena
)

// Allocator hands out Block values for one pluggable cache, trying its
// own slab first, then the shared global arena, then the heap.
type Allocator struct {
	mu sync.Mutex
	pageSize int
	extraSize int

	slab []byte
	slabFree []bool
	slabN int

	splitExtra bool // allocate Extra separately from Page
}

// NewAllocator creates an allocator for a cache with the given page and
// per-page extension size. nSlab follows the same N encoding as
// SlabSize (0 = default, negative = byte-budget form); nSlab == -1
// disables the per-cache slab entirely (arena/heap only).
func NewAllocator(pageSize, extraSize int, nSlab int) *Allocator {
	a := &Allocator{pageSize: pageSize, extraSize: extraSize}
	// Splitting pays off once combined size is not itself a convenient
	// power of two and the remainder is small relative to pageSize.
	combined := pageSize + extraSize
	a.splitExtra = extraSize > 0 && nextPow2(combined)-combined < pageSize/4

	if nSlab != -1 {
		slots := SlabSize(nSlab, pageSize)
		if slots > 0 {
			slotSize := pageSize
			if !a.splitExtra {
				slotSize += extraSize
			}
			a.slab = make([]byte, slots*slotSize)
			a.slabFree = make([]bool, slots)
			for i := range a.slabFree {
				a.slabFree[i] = true
			}
			a.slabN = slots
		}
	}
	return a
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Alloc returns a page-sized buffer (and, if not split, its extension
// inline). It tries the per-cache slab, then the global arena, then the
// heap, in that order.
func (a *Allocator) Alloc() (*Block, error) {
	a.mu.Lock()
	slotSize := a.pageSize
	if !a.splitExtra {
		slotSize += a.extraSize
	}
	for i, free := range a.slabFree {
		if free {
			a.slabFree[i] = false
			buf := a.slab[i*slotSize : (i+1)*slotSize]
			a.mu.Unlock()
			return a.finish(buf, sourceSlab, i)
		}
	}
	a.mu.Unlock()

	if buf, ok := globalArena.take(slotSize); ok {
		return a.finish(buf, sourceArena, -1)
	}

	buf := make([]byte, slotSize)
	return a.finish(buf, sourceHeap, -1)
}

func (a *Allocator) finish(buf []byte, src allocSource, slabIx int) (*Block, error) {
	b := &Block{source: src, slabIx: slabIx}
	if a.splitExtra {
		b.Page = buf[:a.pageSize]
		if a.extraSize > 0 {
			b.Extra = make([]byte, a.extraSize)
		}
	} else {
		b.Page = buf[:a.pageSize]
		if a.extraSize > 0 {
			b.Extra = buf[a.pageSize : a.pageSize+a.extraSize]
		}
	}
	return b, nil
}

// Free returns a block to the tier it came from.
func (a *Allocator) Free(b *Block) {
	if b == nil {
		return
	}
	switch b.source {
	case sourceSlab:
		a.mu.Lock()
		if b.slabIx >= 0 && b.slabIx < len(a.slabFree) {
			a.slabFree[b.slabIx] = true
		}
		a.mu.Unlock()
	case sourceArena:
		globalArena.put(fullSlabBuf(b, a))
	case sourceHeap:
		// GC reclaims it; nothing to do.
	}
}

func fullSlabBuf(b *Block, a *Allocator) []byte {
	if a.splitExtra || a.extraSize == 0 {
		return b.Page
	}
	// Page and Extra were carved from one contiguous buffer.
	return b.Page[:a.pageSize+a.extraSize]
}

// --- process-wide arena ---

type arena struct {
	mu sync.Mutex
	buf []byte
	slotSize int
	free []bool
	configured bool
	openCaches int
}

var globalArena = &arena{}

// ConfigureArena installs the process-wide arena. It is an error to
// reconfigure while any cache is open: the global arena is mutated only
// via explicit configuration entry points while no caches exist.
func ConfigureArena(buf []byte, slotSize, nSlot int) error {
	globalArena.mu.Lock()
	defer globalArena.mu.Unlock()
	if globalArena.openCaches > 0 {
		return fmt.Errorf("%w: cannot reconfigure arena while caches are open", pagerr.ErrProtocol)
	}
	if slotSize <= 0 || nSlot <= 0 || len(buf) < slotSize*nSlot {
		return fmt.Errorf("%w: arena buffer too small for %d slots of %d bytes", pagerr.ErrNoMem, nSlot, slotSize)
	}
	globalArena.buf = buf
	globalArena.slotSize = slotSize
	globalArena.free = make([]bool, nSlot)
	for i := range globalArena.free {
		globalArena.free[i] = true
	}
	globalArena.configured = true
	return nil
}

// ResetArena tears down the arena configuration (test/shutdown use).
func ResetArena() {
	globalArena.mu.Lock()
	defer globalArena.mu.Unlock()
	// Clear every field but mu: overwriting the whole struct would also
	// zero the mutex held here and make the deferred Unlock fail.
	globalArena.buf = nil
	globalArena.slotSize = 0
	globalArena.free = nil
	globalArena.configured = false
	globalArena.openCaches = 0
}

func (g *arena) take(slotSize int) ([]byte, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.configured || slotSize > g.slotSize {
		return nil, false
	}
	for i, free := range g.free {
		if free {
			g.free[i] = false
			return g.buf[i*g.slotSize : (i+1)*g.slotSize], true
		}
	}
	return nil, false
}

func (g *arena) put(buf []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.configured || len(g.buf) == 0 {
		return
	}
	off := 0
	for i := 0; i < len(g.buf); i += g.slotSize {
		if &g.buf[i] == &buf[0] {
			off = i / g.slotSize
			g.free[off] = true
			return
		}
	}
}

// HeaderSize reports the per-page extension footprint an embedder should
// reserve (the PCACHE_HDRSZ configuration query).
func HeaderSize(extraSize int) int { return extraSize }

// ArenaAcquire/ArenaRelease bracket a cache's lifetime so ConfigureArena
// can refuse to run while caches exist.
func ArenaAcquire() {
	globalArena.mu.Lock()
	globalArena.openCaches++
	globalArena.mu.Unlock()
}

func ArenaRelease() {
	globalArena.mu.Lock()
	if globalArena.openCaches > 0 {
		globalArena.openCaches--
	}
	globalArena.mu.Unlock()
}
