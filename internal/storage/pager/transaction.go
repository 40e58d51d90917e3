package pager

import (
	"encoding/binary"
	"fmt"

	"github.com/lakedb/pagestore/internal/storage/dbheader"
	"github.com/lakedb/pagestore/internal/storage/journal"
	"github.com/lakedb/pagestore/internal/storage/pagecache"
	"github.com/lakedb/pagestore/internal/storage/pagerr"
	"github.com/lakedb/pagestore/internal/storage/pcache1"
	"github.com/lakedb/pagestore/internal/storage/vfs"
)

// BeginWrite implements READER -> WRITER_LOCKED: acquire
// RESERVED (rollback mode) or the WAL write lock, and snapshot the
// transaction-start page count that every later journalling decision is
// measured against.
//
// This implementation serialises WAL writers through the same RESERVED
// lock rather than a separate WAL-index write lock, since there is no
// shared-memory WAL index here — recorded in DESIGN.md.
func (p *Pager) BeginWrite() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errCode != nil {
		return p.errCode
	}
	if p.state != StateReader {
		return fmt.Errorf("pager: BeginWrite requires READER, have %s", p.state)
	}
	if err := p.lockWithRetry(vfs.LockReserved); err != nil {
		return err
	}
	p.origDBSize = p.dbSize
	p.origImages = make(map[Pgno][]byte)
	p.savepoints = nil
	p.walTxFrames = nil
	return p.transition(StateWriterLocked)
}

// Get fetches and pins pgno, reading it from the WAL (if present) or the
// main file on first touch.
func (p *Pager) Get(pgno Pgno) (*PgHdr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errCode != nil {
		return nil, p.errCode
	}
	if pg := p.pc.Fetch(pgno, pagecache.CreateNever); pg != nil {
		return pg, nil
	}
	pg := p.pc.Fetch(pgno, pagecache.CreateAlways)
	if err := p.fillPageLocked(pg); err != nil {
		p.pc.Release(pg)
		p.enterError(err)
		return nil, err
	}
	return pg, nil
}

func (p *Pager) fillPageLocked(pg *PgHdr) error {
	if p.wal != nil {
		if content, ok := p.wal.ReadPage(uint32(pg.Pgno)); ok {
			copy(pg.Data, content)
			return nil
		}
	}
	if uint32(pg.Pgno) > p.onDiskDBSize {
		for i := range pg.Data {
			pg.Data[i] = 0
		}
		return nil
	}
	off := int64(pg.Pgno-1) * int64(p.cfg.PageSize)
	if _, err := p.file.ReadAt(pg.Data, off); err != nil {
		return pagerr.NewIOError(pagerr.IOKindRead, err)
	}
	if p.codecDecode != nil {
		dec, err := p.codecDecode(uint32(pg.Pgno), pg.Data)
		if err != nil {
			return err
		}
		copy(pg.Data, dec)
	}
	return nil
}

// Unref releases a pin taken by Get or Allocate.
func (p *Pager) Unref(pg *PgHdr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pc.Release(pg)
}

// Allocate grows the logical database by one page and returns it pinned
// and zero-filled. The new page's number exceeds origDBSize, so Write
// will exempt it from journalling.
func (p *Pager) Allocate() (*PgHdr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errCode != nil {
		return nil, p.errCode
	}
	if !p.state.isWriter() {
		return nil, fmt.Errorf("pager: Allocate requires a writer state, have %s", p.state)
	}
	p.dbSize++
	pg := p.pc.Fetch(Pgno(p.dbSize), pagecache.CreateAlways)
	for i := range pg.Data {
		pg.Data[i] = 0
	}
	return pg, nil
}

// Truncate shrinks the logical page count, dropping every cache entry
// beyond the new limit.
// The on-disk file itself is only truncated at commit time.
func (p *Pager) Truncate(newSize Pgno) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.isWriter() {
		return fmt.Errorf("pager: Truncate requires a writer state, have %s", p.state)
	}
	p.pc.Truncate(newSize)
	p.dbSize = uint32(newSize)
	return nil
}

// WriteOpts names the per-page exemptions from the journal-before-
// overwrite rule.
type WriteOpts struct {
	// FreelistLeaf marks a page as a freelist leaf at transaction start
	// (property 1(b)): its content is unconstrained, so it need not be
	// journalled before reuse.
	FreelistLeaf bool
}

// Write implements the mutation half of the first call in
// a transaction opens the journal (or, in WAL mode, simply marks the
// pager as having cache modifications) and transitions WRITER_LOCKED ->
// WRITER_CACHEMOD; every call journals pg's pre-mutation content unless
// the page was already journalled in this transaction, lies beyond the
// transaction's starting page count, or is marked FreelistLeaf, then
// marks pg dirty.
//
// Callers must invoke Write before mutating pg.Data, since the original
// content is captured here.
func (p *Pager) Write(pg *PgHdr, opts WriteOpts) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errCode != nil {
		return p.errCode
	}
	if !p.state.isWriter() {
		return fmt.Errorf("pager: Write requires a writer state, have %s", p.state)
	}
	if p.state == StateWriterLocked {
		if err := p.beginCacheModLocked(); err != nil {
			p.enterError(err)
			return err
		}
	}

	pgno := pg.Pgno
	for _, sp := range p.savepoints {
		if _, seen := sp.subJournal[pgno]; !seen {
			sp.subJournal[pgno] = append([]byte(nil), pg.Data...)
		}
	}

	_, alreadyProtected := p.origImages[pgno]
	isNewPage := uint32(pgno) > p.origDBSize
	needsJournal := !alreadyProtected && !isNewPage && !opts.FreelistLeaf
	if needsJournal {
		p.origImages[pgno] = append([]byte(nil), pg.Data...)
		if p.cfg.JournalMode != JournalWAL {
			if err := p.journalPageLocked(pg); err != nil {
				p.enterError(err)
				return err
			}
			p.pc.SetNeedsSync(pg)
		}
	}
	pg.Flags |= pcache1.FlagWriteable
	p.pc.MakeDirty(pg)
	return nil
}

func (p *Pager) beginCacheModLocked() error {
	if p.cfg.JournalMode != JournalWAL {
		if err := p.openJournalLocked(); err != nil {
			return err
		}
	}
	return p.transition(StateWriterCacheMod)
}

func (p *Pager) openJournalLocked() error {
	f, err := p.v.Open(p.journalPath, vfs.OpenReadWrite|vfs.OpenCreate|vfs.OpenMainJournal)
	if err != nil {
		return err
	}
	nonceBuf := make([]byte, 4)
	p.v.Randomness(nonceBuf)
	nonce := binary.BigEndian.Uint32(nonceBuf)
	p.journalFile = f
	p.journalNonce = nonce
	p.jw = journal.NewWriter(f, p.cfg.PageSize, p.sectorSize, nonce, p.origDBSize)
	if _, err := p.jw.WriteHeader(); err != nil {
		return err
	}
	return nil
}

// journalPageLocked appends pg's current (pre-mutation) content as a
// journal record. When the VFS reports a sector larger than the page
// size, the pager treats the whole transaction as one journalling group
// and suppresses intermediate syncs via SpillNoSync.
func (p *Pager) journalPageLocked(pg *PgHdr) error {
	if p.jw == nil {
		if err := p.openJournalLocked(); err != nil {
			return err
		}
	}
	if p.sectorSize > p.cfg.PageSize {
		p.spill |= SpillNoSync
		p.journallingSector = true
	}
	if _, err := p.jw.AppendRecord(uint32(pg.Pgno), pg.Data); err != nil {
		return pagerr.NewIOError(pagerr.IOKindWrite, err)
	}
	return nil
}

func (p *Pager) syncJournalLocked() error {
	if p.jw == nil {
		return nil
	}
	if err := p.jw.PatchNRec(); err != nil {
		return pagerr.NewIOError(pagerr.IOKindWrite, err)
	}
	if err := p.journalFile.Sync(vfs.SyncFull); err != nil {
		return pagerr.NewIOError(pagerr.IOKindFsync, err)
	}
	p.spill &^= SpillNoSync
	p.journallingSector = false
	for e := p.pc.DirtyList(); e != nil; e = e.DirtyNext {
		p.pc.ClearNeedsSync(e)
	}
	return nil
}

func (p *Pager) finalizeJournalLocked() error {
	if p.journalFile == nil {
		return nil
	}
	switch p.cfg.JournalMode {
	case JournalTruncate:
		if err := p.journalFile.Truncate(0); err != nil {
			return pagerr.NewIOError(pagerr.IOKindTruncate, err)
		}
		if err := p.journalFile.Close(); err != nil {
			return pagerr.NewIOError(pagerr.IOKindDelete, err)
		}
	case JournalPersist:
		zero := make([]byte, journal.HeaderSize)
		if _, err := p.journalFile.WriteAt(zero, 0); err != nil {
			return pagerr.NewIOError(pagerr.IOKindWrite, err)
		}
		if err := p.journalFile.Close(); err != nil {
			return pagerr.NewIOError(pagerr.IOKindDelete, err)
		}
	default: // JournalDelete, JournalMemory
		if err := p.journalFile.Close(); err != nil {
			return pagerr.NewIOError(pagerr.IOKindDelete, err)
		}
		if err := p.v.Delete(p.journalPath, true); err != nil {
			return pagerr.NewIOError(pagerr.IOKindDelete, err)
		}
	}
	p.journalFile = nil
	p.jw = nil
	p.journalNonce = 0
	return nil
}

// writePageToFileLocked writes pg to the main database file, bumping the
// change counter first if pg is page 1.
func (p *Pager) writePageToFileLocked(pg *PgHdr) error {
	if uint32(pg.Pgno) == uint32(dbheader.FirstPgno) {
		if err := p.maybeBumpChangeCounterLocked(pg.Data); err != nil {
			return err
		}
	}
	data := pg.Data
	if p.codecEncode != nil {
		enc, err := p.codecEncode(uint32(pg.Pgno), data)
		if err != nil {
			return err
		}
		data = enc
	}
	off := int64(pg.Pgno-1) * int64(p.cfg.PageSize)
	if _, err := p.file.WriteAt(data, off); err != nil {
		return pagerr.NewIOError(pagerr.IOKindWrite, err)
	}
	if uint32(pg.Pgno) > p.onDiskDBSize {
		p.onDiskDBSize = uint32(pg.Pgno)
	}
	return nil
}

func (p *Pager) maybeBumpChangeCounterLocked(buf []byte) error {
	if p.cfg.LockingMode == LockingExclusive && p.changeCountDone {
		return nil
	}
	h, err := dbheader.Unmarshal(buf)
	if err != nil {
		return err
	}
	h.DBSizePages = p.dbSize
	h.BumpChangeCounter()
	if err := dbheader.Marshal(h, buf); err != nil {
		return err
	}
	p.changeCountDone = true
	return nil
}

// onStress implements the pager's half of the stress protocol: invoked by the page-cache manager with a dirty victim it
// wants to recycle. It is called synchronously from inside a pagecache
// call the pager itself made while already holding p.mu — it must not
// re-acquire that lock.
func (p *Pager) onStress(_ any, pg *PgHdr) error {
	if p.spill.has(SpillOff) || p.spill.has(SpillRollback) {
		return nil
	}
	needSync := pagecache.NeedsSync(pg)
	if p.spill.has(SpillNoSync) && needSync {
		return nil
	}
	if uint32(pg.Pgno) > p.dbSize || pg.Flags&pcache1.FlagDontWrite != 0 {
		p.pc.MakeClean(pg)
		return nil
	}
	if p.cfg.JournalMode == JournalWAL {
		if err := p.wal.AppendFrame(uint32(pg.Pgno), pg.Data, 0); err != nil {
			ioErr := pagerr.NewIOError(pagerr.IOKindWrite, err)
			p.enterError(ioErr)
			return ioErr
		}
		p.pc.MakeClean(pg)
		return nil
	}
	if needSync {
		if err := p.syncJournalLocked(); err != nil {
			p.enterError(err)
			return err
		}
	}
	if err := p.writePageToFileLocked(pg); err != nil {
		p.enterError(err)
		return err
	}
	if p.state == StateWriterCacheMod {
		_ = p.transition(StateWriterDBMod)
	}
	p.pc.MakeClean(pg)
	return nil
}

// Commit implements the WRITER_* -> READER commit path.
func (p *Pager) Commit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errCode != nil {
		return p.errCode
	}
	if !p.state.isWriter() {
		return fmt.Errorf("pager: Commit requires a writer state, have %s", p.state)
	}
	var err error
	if p.cfg.JournalMode == JournalWAL {
		err = p.commitWALLocked()
	} else {
		err = p.commitRollbackLocked()
	}
	if err != nil {
		_ = p.rollbackLocked()
		return err
	}
	return nil
}

func (p *Pager) commitRollbackLocked() error {
	if p.state == StateWriterLocked {
		return p.endWriteLocked()
	}

	single := p.pc.DirtyCount() == 1
	atomic := p.cfg.AtomicWrite && single && p.file.DeviceCharacteristics()&vfs.IOCapAtomic != 0
	if !atomic {
		if err := p.syncJournalLocked(); err != nil {
			return err
		}
	}
	if err := p.lockWithRetry(vfs.LockExclusive); err != nil {
		return err
	}
	if p.state == StateWriterCacheMod {
		if err := p.transition(StateWriterDBMod); err != nil {
			return err
		}
	}
	for e := p.pc.DirtyList(); e != nil; e = e.DirtyNext {
		if err := p.writePageToFileLocked(e); err != nil {
			return err
		}
	}
	if p.onDiskDBSize > p.dbSize {
		if err := p.file.Truncate(int64(p.dbSize) * int64(p.cfg.PageSize)); err != nil {
			return pagerr.NewIOError(pagerr.IOKindTruncate, err)
		}
		p.onDiskDBSize = p.dbSize
	}
	if err := p.file.Sync(vfs.SyncFull); err != nil {
		return pagerr.NewIOError(pagerr.IOKindFsync, err)
	}
	if err := p.transition(StateWriterFinished); err != nil {
		return err
	}
	p.pc.CleanAll()
	if err := p.finalizeJournalLocked(); err != nil {
		return err
	}
	return p.endWriteLocked()
}

func (p *Pager) commitWALLocked() error {
	if p.state == StateWriterLocked {
		return p.endWriteLocked()
	}
	var pages []*PgHdr
	for e := p.pc.DirtyList(); e != nil; e = e.DirtyNext {
		pages = append(pages, e)
	}
	for i, e := range pages {
		if uint32(e.Pgno) == uint32(dbheader.FirstPgno) {
			if err := p.maybeBumpChangeCounterLocked(e.Data); err != nil {
				return err
			}
		}
		data := e.Data
		if p.codecEncode != nil {
			enc, err := p.codecEncode(uint32(e.Pgno), data)
			if err != nil {
				return err
			}
			data = enc
		}
		dbSizeAfter := uint32(0)
		if i == len(pages)-1 {
			dbSizeAfter = p.dbSize
		}
		if err := p.wal.AppendFrame(uint32(e.Pgno), data, dbSizeAfter); err != nil {
			return pagerr.NewIOError(pagerr.IOKindWrite, err)
		}
	}
	if len(pages) > 0 {
		if err := p.wal.Sync(); err != nil {
			return pagerr.NewIOError(pagerr.IOKindFsync, err)
		}
	}
	p.pc.CleanAll()
	p.onDiskDBSize = p.dbSize
	return p.endWriteLocked()
}

// Rollback implements the WRITER_* -> READER abort path.
func (p *Pager) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.isWriter() {
		return fmt.Errorf("pager: Rollback requires a writer state, have %s", p.state)
	}
	return p.rollbackLocked()
}

func (p *Pager) rollbackLocked() error {
	p.spill |= SpillRollback
	defer func() { p.spill &^= SpillRollback }()

	if p.state == StateWriterLocked {
		return p.endWriteLocked()
	}
	for e := p.pc.DirtyList(); e != nil; e = e.DirtyNext {
		if orig, ok := p.origImages[e.Pgno]; ok {
			copy(e.Data, orig)
		}
	}
	p.pc.CleanAll()
	if p.cfg.JournalMode != JournalWAL {
		if err := p.file.Truncate(int64(p.origDBSize) * int64(p.cfg.PageSize)); err != nil {
			return pagerr.NewIOError(pagerr.IOKindTruncate, err)
		}
		p.onDiskDBSize = p.origDBSize
		if err := p.finalizeJournalLocked(); err != nil {
			return err
		}
	}
	p.dbSize = p.origDBSize
	p.pc.Truncate(Pgno(p.origDBSize))
	return p.endWriteLocked()
}

func (p *Pager) endWriteLocked() error {
	if err := p.transition(StateReader); err != nil {
		return err
	}
	if p.cfg.LockingMode == LockingNormal {
		if err := p.file.Unlock(vfs.LockShared); err != nil {
			return err
		}
		p.lockLevel = vfs.LockShared
	}
	p.origImages = make(map[Pgno][]byte)
	p.savepoints = nil
	p.walTxFrames = nil
	return nil
}

// checkHotJournal implements hot-journal detection, run once
// per BeginRead after SHARED is acquired.
func (p *Pager) checkHotJournal() error {
	if p.cfg.JournalMode == JournalWAL {
		return nil
	}
	exists, err := p.v.Access(p.journalPath, vfs.AccessExists)
	if err != nil || !exists {
		return nil
	}
	jf, err := p.v.Open(p.journalPath, vfs.OpenReadWrite|vfs.OpenMainJournal)
	if err != nil {
		return nil
	}
	size, err := jf.Size()
	if err != nil {
		_ = jf.Close()
		return err
	}
	if size < int64(journal.HeaderSize) {
		_ = jf.Close()
		return p.v.Delete(p.journalPath, true)
	}
	reserved, err := p.file.CheckReservedLock()
	if err != nil {
		_ = jf.Close()
		return err
	}
	if reserved {
		// A live writer holds RESERVED; the journal belongs to it, not a
		// crashed process.
		_ = jf.Close()
		return nil
	}
	hbuf := make([]byte, journal.HeaderSize)
	if _, err := jf.ReadAt(hbuf, 0); err != nil {
		_ = jf.Close()
		return err
	}
	hdr, err := journal.UnmarshalHeader(hbuf)
	if err != nil {
		_ = jf.Close()
		return p.v.Delete(p.journalPath, true)
	}
	if err := p.lockWithRetry(vfs.LockExclusive); err != nil {
		_ = jf.Close()
		return err
	}
	reader, err := journal.NewReader(jf, p.cfg.PageSize)
	if err != nil {
		_ = jf.Close()
		return err
	}
	records, err := reader.ReadAll()
	_ = jf.Close()
	if err != nil {
		return err
	}
	if err := p.playbackLocked(records, hdr.OrigDBPages); err != nil {
		return err
	}
	if err := p.v.Delete(p.journalPath, true); err != nil {
		return err
	}
	if p.cfg.LockingMode == LockingNormal {
		if err := p.file.Lock(vfs.LockShared); err != nil {
			return err
		}
		p.lockLevel = vfs.LockShared
	}
	return nil
}

// playbackLocked replays a rollback journal's records into the main
// file, newest-per-page first, then truncates back to the journal's
// recorded original page count.
func (p *Pager) playbackLocked(records []journal.Record, origPages uint32) error {
	seen := make(map[uint32]bool)
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if seen[r.Pgno] {
			continue
		}
		seen[r.Pgno] = true
		off := int64(r.Pgno-1) * int64(p.cfg.PageSize)
		if _, err := p.file.WriteAt(r.Content, off); err != nil {
			return pagerr.NewIOError(pagerr.IOKindWrite, err)
		}
	}
	if origPages > 0 {
		if err := p.file.Truncate(int64(origPages) * int64(p.cfg.PageSize)); err != nil {
			return pagerr.NewIOError(pagerr.IOKindTruncate, err)
		}
	}
	if err := p.file.Sync(vfs.SyncFull); err != nil {
		return pagerr.NewIOError(pagerr.IOKindFsync, err)
	}
	if origPages > 0 {
		p.dbSize = origPages
		p.onDiskDBSize = origPages
	}
	return nil
}

// Checkpoint implements move every WAL frame into the main
// file and reset the log, without altering visible data (scenario 6).
func (p *Pager) Checkpoint() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.JournalMode != JournalWAL {
		return fmt.Errorf("pager: Checkpoint requires WAL journal mode")
	}
	if p.state != StateOpen && p.state != StateReader {
		return fmt.Errorf("pager: Checkpoint requires OPEN or READER, have %s", p.state)
	}
	for _, fr := range p.wal.Frames() {
		off := int64(fr.Pgno-1) * int64(p.cfg.PageSize)
		if _, err := p.file.WriteAt(fr.Content, off); err != nil {
			return pagerr.NewIOError(pagerr.IOKindWrite, err)
		}
		if fr.DBSizeAfter > 0 {
			p.onDiskDBSize = fr.DBSizeAfter
		}
	}
	if err := p.file.Sync(vfs.SyncFull); err != nil {
		return pagerr.NewIOError(pagerr.IOKindFsync, err)
	}
	return p.wal.Reset()
}
