package pagealloc

import "testing"

func TestSlabSizeDefaultAndNegativeEncoding(t *testing.T) {
	if n := SlabSize(0, 4096); n != DefaultSlabPages {
		t.Errorf("SlabSize(0, 4096) = %d, want %d", n, DefaultSlabPages)
	}
	if n := SlabSize(25, 4096); n != 25 {
		t.Errorf("SlabSize(25, 4096) = %d, want 25", n)
	}
	// N = -50 means 50KiB total budget.
	if n := SlabSize(-50, 1024); n != 50 {
		t.Errorf("SlabSize(-50, 1024) = %d, want 50", n)
	}
}

func TestAllocatorServesFromSlabFirst(t *testing.T) {
	a := NewAllocator(4096, 0, 4)
	blocks := make([]*Block, 4)
	for i := range blocks {
		b, err := a.Alloc()
		if err != nil {
			t.Fatalf("Alloc #%d: %v", i, err)
		}
		if len(b.Page) != 4096 {
			t.Fatalf("Page length = %d, want 4096", len(b.Page))
		}
		blocks[i] = b
	}
	// Slab of 4 is now exhausted; next alloc must fall through to the heap
	// (no arena configured) rather than error.
	overflow, err := a.Alloc()
	if err != nil {
		t.Fatalf("overflow Alloc: %v", err)
	}
	if overflow.source != sourceHeap {
		t.Errorf("expected overflow allocation to come from the heap, got source=%v", overflow.source)
	}

	a.Free(blocks[0])
	reused, err := a.Alloc()
	if err != nil {
		t.Fatalf("reuse Alloc: %v", err)
	}
	if reused.source != sourceSlab {
		t.Errorf("expected freed slab slot to be reused, got source=%v", reused.source)
	}
}

func TestAllocatorExtraSizeInline(t *testing.T) {
	a := NewAllocator(512, 16, 2)
	b, err := a.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if len(b.Page) != 512 {
		t.Fatalf("Page length = %d, want 512", len(b.Page))
	}
	if len(b.Extra) != 16 {
		t.Fatalf("Extra length = %d, want 16", len(b.Extra))
	}
}

func TestArenaConfigureAndUse(t *testing.T) {
	ResetArena()
	defer ResetArena()

	buf := make([]byte, 4096*2)
	if err := ConfigureArena(buf, 4096, 2); err != nil {
		t.Fatalf("ConfigureArena: %v", err)
	}

	ArenaAcquire()
	defer ArenaRelease()

	a := NewAllocator(4096, 0, -1) // no per-cache slab: arena only
	b1, err := a.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if b1.source != sourceArena {
		t.Fatalf("expected arena-backed allocation, got source=%v", b1.source)
	}
	b2, err := a.Alloc()
	if err != nil {
		t.Fatalf("Alloc #2: %v", err)
	}
	if b2.source != sourceArena {
		t.Fatalf("expected second arena-backed allocation, got source=%v", b2.source)
	}
	// Arena exhausted (2 slots taken): a third allocation overflows to heap.
	b3, err := a.Alloc()
	if err != nil {
		t.Fatalf("Alloc #3: %v", err)
	}
	if b3.source != sourceHeap {
		t.Fatalf("expected overflow to the heap once arena is exhausted, got source=%v", b3.source)
	}

	a.Free(b1)
	b4, err := a.Alloc()
	if err != nil {
		t.Fatalf("Alloc after free: %v", err)
	}
	if b4.source != sourceArena {
		t.Fatalf("expected freed arena slot to be reused, got source=%v", b4.source)
	}
}

func TestConfigureArenaRefusesWhileCachesOpen(t *testing.T) {
	ResetArena()
	defer ResetArena()

	buf := make([]byte, 4096)
	if err := ConfigureArena(buf, 4096, 1); err != nil {
		t.Fatalf("initial ConfigureArena: %v", err)
	}
	ArenaAcquire()
	defer ArenaRelease()

	if err := ConfigureArena(buf, 4096, 1); err == nil {
		t.Fatalf("expected reconfiguration to fail while a cache is open")
	}
}

func TestConfigureArenaRejectsUndersizedBuffer(t *testing.T) {
	ResetArena()
	defer ResetArena()
	if err := ConfigureArena(make([]byte, 10), 4096, 2); err == nil {
		t.Fatalf("expected undersized arena buffer to be rejected")
	}
}
