package pcache1

import "testing"

func newTestCache(t *testing.T, nMax int) (*Group, *Cache) {
	t.Helper()
	g := NewPrivateGroup()
	c := New(g, 512, 0, true, 0)
	c.CacheSize(nMax)
	return g, c
}

func TestFetchCreateNeverMissesWithoutAllocating(t *testing.T) {
	_, c := newTestCache(t, 0)
	if e := c.Fetch(1, CreateNever); e != nil {
		t.Fatalf("Fetch(CreateNever) on empty cache = %v, want nil", e)
	}
	if c.PageCount() != 0 {
		t.Errorf("PageCount = %d, want 0", c.PageCount())
	}
}

func TestFetchCreateAlwaysPinsAndIncrementsRefCount(t *testing.T) {
	_, c := newTestCache(t, 0)
	e := c.Fetch(1, CreateAlways)
	if e == nil {
		t.Fatalf("Fetch(CreateAlways) returned nil")
	}
	if e.RefCount() != 1 {
		t.Errorf("RefCount = %d, want 1", e.RefCount())
	}
	if c.RefCountSum() != 1 {
		t.Errorf("RefCountSum = %d, want 1", c.RefCountSum())
	}

	again := c.Fetch(1, CreateNever)
	if again != e {
		t.Fatalf("second Fetch should return the same entry (single entry per pgno)")
	}
	if again.RefCount() != 2 {
		t.Errorf("RefCount after second Fetch = %d, want 2", again.RefCount())
	}
}

func TestUnpinJoinsLRUOnlyAtZeroRefCount(t *testing.T) {
	g, c := newTestCache(t, 0)
	e := c.Fetch(1, CreateAlways)
	c.Fetch(1, CreateNever) // second pin, RefCount == 2

	c.Unpin(e, false)
	if g.lruHead != nil {
		t.Fatalf("entry joined LRU while still pinned (RefCount should be 1)")
	}
	c.Unpin(e, false)
	if g.lruHead != e {
		t.Fatalf("entry should join the LRU once RefCount reaches 0")
	}
}

func TestEvictionRecyclesLRUTailWhenOverBudget(t *testing.T) {
	_, c := newTestCache(t, 2)
	e1 := c.Fetch(1, CreateAlways)
	c.Unpin(e1, false)
	e2 := c.Fetch(2, CreateAlways)
	c.Unpin(e2, false)
	if c.PageCount() != 2 {
		t.Fatalf("PageCount = %d, want 2", c.PageCount())
	}

	// A third fetch while both prior entries are unpinned and clean should
	// recycle page 1 (the LRU tail), not grow past the soft maximum.
	e3 := c.Fetch(3, CreateAlways)
	if e3 == nil {
		t.Fatalf("Fetch(3, CreateAlways) returned nil")
	}
	if c.PageCount() != 2 {
		t.Errorf("PageCount after eviction = %d, want 2 (tail recycled)", c.PageCount())
	}
	if got := c.Fetch(1, CreateNever); got != nil {
		t.Errorf("page 1 should have been evicted, but Fetch found it")
	}
}

func TestTruncateDropsPagesAbovePgno(t *testing.T) {
	_, c := newTestCache(t, 0)
	for _, pgno := range []Pgno{1, 2, 3, 4} {
		e := c.Fetch(pgno, CreateAlways)
		c.Unpin(e, false)
	}
	c.Truncate(2)
	if c.PageCount() != 2 {
		t.Fatalf("PageCount after Truncate(2) = %d, want 2", c.PageCount())
	}
	if e := c.Fetch(3, CreateNever); e != nil {
		t.Errorf("page 3 should have been dropped by Truncate(2)")
	}
}

func TestRekeyMovesEntryToNewPgno(t *testing.T) {
	_, c := newTestCache(t, 0)
	e := c.Fetch(1, CreateAlways)
	c.Rekey(e, 1, 5)
	if e.Pgno != 5 {
		t.Errorf("Pgno after Rekey = %d, want 5", e.Pgno)
	}
	if got := c.Fetch(1, CreateNever); got != nil {
		t.Errorf("old key 1 should no longer resolve")
	}
	if got := c.Fetch(5, CreateNever); got != e {
		t.Errorf("new key 5 should resolve to the rekeyed entry")
	}
}

func TestDestroyReleasesEveryEntry(t *testing.T) {
	_, c := newTestCache(t, 0)
	c.Fetch(1, CreateAlways)
	e2 := c.Fetch(2, CreateAlways)
	c.Unpin(e2, false)
	c.Destroy()
	if c.PageCount() != 0 {
		t.Errorf("PageCount after Destroy = %d, want 0", c.PageCount())
	}
}
