package pager

import (
	"bytes"
	"testing"

	"github.com/lakedb/pagestore/internal/storage/dbheader"
	"github.com/lakedb/pagestore/internal/storage/vfs"
)

// writePageContent copies content into pgno under a Write. On page 1 the
// content goes after the database header, which Commit parses.
func writePageContent(t *testing.T, p *Pager, pgno Pgno, content string) {
	t.Helper()
	pg, err := p.Get(pgno)
	if err != nil {
		t.Fatalf("Get(%d): %v", pgno, err)
	}
	if err := p.Write(pg, WriteOpts{}); err != nil {
		t.Fatalf("Write(%d): %v", pgno, err)
	}
	off := 0
	if pgno == 1 {
		off = dbheader.HeaderSize
	}
	copy(pg.Data[off:], content)
	p.Unref(pg)
}

func readPageContent(t *testing.T, p *Pager, pgno Pgno, n int) []byte {
	t.Helper()
	pg, err := p.Get(pgno)
	if err != nil {
		t.Fatalf("Get(%d): %v", pgno, err)
	}
	got := append([]byte(nil), pg.Data[:n]...)
	p.Unref(pg)
	return got
}

func openRollback(t *testing.T, v vfs.VFS, path string) *Pager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PageSize = 512
	p, err := Open(v, path, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return p
}

// Scenario 1: clean commit in rollback mode.
func TestCleanCommitRollbackMode(t *testing.T) {
	v := vfs.NewMem()
	p := openRollback(t, v, "test.db")

	if err := p.BeginRead(); err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	pg2, err := p.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := p.Write(pg2, WriteOpts{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	copy(pg2.Data, "BB")
	p.Unref(pg2)

	pg3, err := p.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := p.Write(pg3, WriteOpts{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	copy(pg3.Data, "CCC")
	p.Unref(pg3)

	writePageContent(t, p, 1, "A")

	if err := p.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if p.DBSize() != 3 {
		t.Fatalf("DBSize = %d, want 3", p.DBSize())
	}
	if got := readPageContent(t, p, 2, 2); string(got) != "BB" {
		t.Errorf("page 2 = %q, want %q", got, "BB")
	}
	if got := readPageContent(t, p, 3, 3); string(got) != "CCC" {
		t.Errorf("page 3 = %q, want %q", got, "CCC")
	}
	if err := p.EndRead(); err != nil {
		t.Fatalf("EndRead: %v", err)
	}
	if exists, _ := v.Access("test.db-journal", vfs.AccessExists); exists {
		t.Errorf("journal file should be absent after clean commit")
	}
	if p.pc.RefCountSum() != 0 {
		t.Errorf("refCountSum = %d, want 0", p.pc.RefCountSum())
	}
}

// Scenario 2/3: a hot journal left by a crashed writer is replayed on the
// next BeginRead, restoring the pre-transaction database.
func TestHotJournalRollbackOnReopen(t *testing.T) {
	v := vfs.NewMem()
	p := openRollback(t, v, "test.db")
	if err := p.BeginRead(); err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	if err := p.EndRead(); err != nil {
		t.Fatalf("EndRead: %v", err)
	}

	// Simulate a crash mid-transaction: let the pager journal page 1's
	// original content, then leave the main file unmodified (as if the
	// writer died before any db write happened), and stop using the live
	// pager without ever calling Commit/Rollback.
	if err := p.BeginRead(); err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	writePageContent(t, p, 1, "CRASHED")
	// Do not Commit or Rollback: the journal record is written but not
	// synced, and the transaction never finalizes, simulating a crash right
	// after BeginWrite's first Write call.
	if p.journalFile == nil {
		t.Fatalf("expected an open journal after the first Write")
	}
	// A real crash drops every advisory lock the dying process held; memVFS
	// has no process boundary to do that for us, so force it here — without
	// this the hot-journal probe would see the (still "held") RESERVED lock
	// and correctly treat the journal as belonging to a live writer instead
	// of a crashed one.
	if err := p.file.Unlock(vfs.LockNone); err != nil {
		t.Fatalf("simulating crash unlock: %v", err)
	}

	// Reopen a fresh pager against the same VFS and path, simulating a new
	// process starting up after the crash.
	p2 := openRollback(t, v, "test.db")
	if err := p2.BeginRead(); err != nil {
		t.Fatalf("BeginRead on reopen: %v", err)
	}
	got := readPageContent(t, p2, 1, dbheader.HeaderSize+7)[dbheader.HeaderSize:]
	if bytes.Contains(got, []byte("CRASHED")) {
		t.Fatalf("hot-journal rollback should have restored original content, got %q", got)
	}
	if exists, _ := v.Access("test.db-journal", vfs.AccessExists); exists {
		t.Errorf("hot journal should be deleted once replayed")
	}
}

// Scenario 4: dirty eviction under memory pressure must still leave
// refCountSum at zero once every page is released, and the pressured pages
// must have been written through to the database.
func TestDirtyEvictionUnderPressure(t *testing.T) {
	v := vfs.NewMem()
	cfg := DefaultConfig()
	cfg.PageSize = 512
	cfg.CacheSize = 2
	p, err := Open(v, "test.db", cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := p.BeginRead(); err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}

	for i := 0; i < 3; i++ {
		pg, err := p.Allocate()
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if err := p.Write(pg, WriteOpts{}); err != nil {
			t.Fatalf("Write: %v", err)
		}
		pg.Data[0] = byte('A' + i)
		p.Unref(pg)
	}

	if err := p.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := p.EndRead(); err != nil {
		t.Fatalf("EndRead: %v", err)
	}
	if p.pc.RefCountSum() != 0 {
		t.Errorf("refCountSum = %d, want 0", p.pc.RefCountSum())
	}
}

// Scenario 5: a nested savepoint rollback retains changes made before it
// and reverts only what happened after.
func TestNestedSavepointRollback(t *testing.T) {
	v := vfs.NewMem()
	p := openRollback(t, v, "test.db")
	if err := p.BeginRead(); err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}

	// A fresh database holds only page 1; allocate pages 2 and 3 first so
	// the pages written below are pages 4 and 5.
	for i := 0; i < 2; i++ {
		pg, err := p.Allocate()
		if err != nil {
			t.Fatalf("Allocate filler page: %v", err)
		}
		p.Unref(pg)
	}

	pg4, err := p.Allocate()
	if err != nil {
		t.Fatalf("Allocate page 4: %v", err)
	}
	if err := p.Write(pg4, WriteOpts{}); err != nil {
		t.Fatalf("Write page 4: %v", err)
	}
	copy(pg4.Data, "page4")
	p.Unref(pg4)

	sp, err := p.OpenSavepoint()
	if err != nil {
		t.Fatalf("OpenSavepoint: %v", err)
	}

	pg5, err := p.Allocate()
	if err != nil {
		t.Fatalf("Allocate page 5: %v", err)
	}
	if err := p.Write(pg5, WriteOpts{}); err != nil {
		t.Fatalf("Write page 5: %v", err)
	}
	copy(pg5.Data, "page5")
	p.Unref(pg5)

	if err := p.RollbackToSavepoint(sp); err != nil {
		t.Fatalf("RollbackToSavepoint: %v", err)
	}

	if p.DBSize() != 4 {
		t.Fatalf("DBSize after savepoint rollback = %d, want 4", p.DBSize())
	}
	got := readPageContent(t, p, 4, 5)
	if string(got) != "page4" {
		t.Errorf("page 4 = %q, want %q (should survive the savepoint rollback)", got, "page4")
	}

	if err := p.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if p.DBSize() != 4 {
		t.Errorf("DBSize after commit = %d, want 4", p.DBSize())
	}
}

// Scenario 6: WAL commit and checkpoint.
func TestWALCommitAndCheckpoint(t *testing.T) {
	v := vfs.NewMem()
	cfg := DefaultConfig()
	cfg.PageSize = 512
	cfg.JournalMode = JournalWAL
	p, err := Open(v, "test.db", cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := p.BeginRead(); err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	writePageContent(t, p, 1, "WALDATA")
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// A reader opened (continuing on the same pager, as this module has no
	// shared WAL index across pager instances) after commit sees the new
	// data.
	got := readPageContent(t, p, 1, dbheader.HeaderSize+7)[dbheader.HeaderSize:]
	if string(got) != "WALDATA" {
		t.Fatalf("page 1 after WAL commit = %q, want %q", got, "WALDATA")
	}

	if err := p.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	got = readPageContent(t, p, 1, dbheader.HeaderSize+7)[dbheader.HeaderSize:]
	if string(got) != "WALDATA" {
		t.Fatalf("page 1 after checkpoint = %q, want %q (checkpoint must not alter visible data)", got, "WALDATA")
	}
	if p.wal.FrameCount() != 0 {
		t.Errorf("WAL frame count after checkpoint = %d, want 0", p.wal.FrameCount())
	}

	// Confirm the checkpoint actually landed the frame in the main file,
	// independent of whatever the in-process cache still remembers.
	onDisk := make([]byte, 7)
	if _, err := p.file.ReadAt(onDisk, dbheader.HeaderSize); err != nil {
		t.Fatalf("reading main file directly: %v", err)
	}
	if string(onDisk) != "WALDATA" {
		t.Errorf("main file content after checkpoint = %q, want %q", onDisk, "WALDATA")
	}
}

// A single-write-then-rollback transaction must restore the database to its
// pre-begin byte content and truncate back to the
// original page count (property 8).
func TestRollbackRestoresOriginalContent(t *testing.T) {
	v := vfs.NewMem()
	p := openRollback(t, v, "test.db")
	if err := p.BeginRead(); err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	writePageContent(t, p, 1, "original")
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite 2: %v", err)
	}
	writePageContent(t, p, 1, "mutated!")
	pgNew, err := p.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := p.Write(pgNew, WriteOpts{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	copy(pgNew.Data, "new page")
	p.Unref(pgNew)

	if err := p.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if p.DBSize() != 1 {
		t.Fatalf("DBSize after rollback = %d, want 1 (property 8: truncate to pre-transaction size)", p.DBSize())
	}
	got := readPageContent(t, p, 1, dbheader.HeaderSize+8)[dbheader.HeaderSize:]
	if string(got) != "original" {
		t.Errorf("page 1 after rollback = %q, want %q", got, "original")
	}
}

// Calling MakeDirty (via a second Write on an already-dirty page) must stay
// idempotent, and refCountSum must return to zero
// once every reference is released.
func TestWriteTwiceSamePageIdempotent(t *testing.T) {
	v := vfs.NewMem()
	p := openRollback(t, v, "test.db")
	if err := p.BeginRead(); err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	pg, err := p.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := p.Write(pg, WriteOpts{}); err != nil {
		t.Fatalf("Write 1: %v", err)
	}
	if err := p.Write(pg, WriteOpts{}); err != nil {
		t.Fatalf("Write 2: %v", err)
	}
	if p.pc.DirtyCount() != 1 {
		t.Errorf("DirtyCount = %d, want 1 (idempotent MakeDirty)", p.pc.DirtyCount())
	}
	p.Unref(pg)
	if err := p.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if p.pc.RefCountSum() != 0 {
		t.Errorf("refCountSum = %d, want 0", p.pc.RefCountSum())
	}
}

// The change-counter region must mutate on every committed transaction
// that modifies content.
func TestChangeCounterMutatesOnCommit(t *testing.T) {
	v := vfs.NewMem()
	p := openRollback(t, v, "test.db")
	if err := p.BeginRead(); err != nil {
		t.Fatalf("BeginRead: %v", err)
	}

	before := readPageContent(t, p, 1, 512)

	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	pg, err := p.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := p.Write(pg, WriteOpts{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	pg.Data[50] = 0xAB
	p.Unref(pg)
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	after := readPageContent(t, p, 1, 512)
	changed := false
	for i := 24; i < 28; i++ {
		if before[i] != after[i] {
			changed = true
		}
	}
	if !changed {
		t.Errorf("change counter bytes 24-27 did not mutate across a committed transaction")
	}
}

// Truncating the logical database discards every cache entry with pgno >
// limit.
func TestTruncateDiscardsHigherPages(t *testing.T) {
	v := vfs.NewMem()
	p := openRollback(t, v, "test.db")
	if err := p.BeginRead(); err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	for i := 0; i < 3; i++ {
		pg, err := p.Allocate()
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if err := p.Write(pg, WriteOpts{}); err != nil {
			t.Fatalf("Write: %v", err)
		}
		p.Unref(pg)
	}
	if p.DBSize() != 4 {
		t.Fatalf("DBSize = %d, want 4", p.DBSize())
	}
	if err := p.Truncate(2); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if p.DBSize() != 2 {
		t.Fatalf("DBSize after Truncate(2) = %d, want 2", p.DBSize())
	}
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}
