package pager

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lakedb/pagestore/internal/storage/dbheader"
	"github.com/lakedb/pagestore/internal/storage/journal"
	"github.com/lakedb/pagestore/internal/storage/pagecache"
	"github.com/lakedb/pagestore/internal/storage/pagerr"
	"github.com/lakedb/pagestore/internal/storage/pcache1"
	"github.com/lakedb/pagestore/internal/storage/vfs"
	"github.com/lakedb/pagestore/internal/storage/wal"
)

// Pgno re-exports the shared page-number type so callers of this package
// never need to reach into pcache1 themselves.
type Pgno = pcache1.Pgno

// PgHdr re-exports the shared cache-entry type.
type PgHdr = pagecache.PgHdr

// Pager owns the VFS handle, file and journal handles, the
// page-cache manager, and the full transaction state machine.
type Pager struct {
	mu sync.Mutex

	v vfs.VFS
	path string

	file vfs.File
	pc *pagecache.PCache

	cfg Config

	state State
	lockLevel vfs.LockLevel
	errCode error

	origDBSize uint32 // page count at transaction start
	dbSize uint32 // current logical page count
	onDiskDBSize uint32 // page count as of the last db-file write

	changeCountDone bool
	spill SpillControl
	sectorSize int

	codecEncode CodecFunc
	codecDecode CodecFunc
	busy BusyHandler

	// Rollback-journal state, valid only while a journal is open.
	journalPath string
	journalFile vfs.File
	jw *journal.Writer
	journalNonce uint32
	journallingSector bool

	// origImages holds each page's pre-transaction content, captured the
	// first time it is dirtied in the current transaction. It backs both
	// the in-memory fast path for Rollback/RollbackToSavepoint and the
	// content written to the on-disk journal record.
	origImages map[Pgno][]byte

	savepoints []*Savepoint

	// WAL-mode state, valid only when cfg.JournalMode == JournalWAL.
	walPath string
	wal *wal.File
	walTxFrames []Pgno // pages appended as frames in the open transaction
}

// Open opens (creating if necessary) the database file at path and
// returns a Pager in state OPEN. When cfg.JournalMode == JournalWAL the
// WAL file is opened (or created) here as well.
func Open(v vfs.VFS, path string, cfg Config) (*Pager, error) {
	if cfg.PageSize == 0 {
		cfg = DefaultConfig()
	}
	if !dbheader.ValidPageSize(cfg.PageSize) {
		return nil, fmt.Errorf("%w: invalid page size %d", pagerr.ErrCorrupt, cfg.PageSize)
	}
	f, err := v.Open(path, vfs.OpenReadWrite|vfs.OpenCreate|vfs.OpenMainDB)
	if err != nil {
		return nil, err
	}
	size, err := f.Size()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	p := &Pager{
		v: v,
		path: path,
		file: f,
		cfg: cfg,
		state: StateOpen,
		sectorSize: f.SectorSize(),
		origImages: make(map[Pgno][]byte),
	}

	var group *pcache1.Group
	if cfg.SharedGroup {
		group = sharedGroup()
	} else {
		group = pcache1.NewPrivateGroup()
	}
	p.pc = pagecache.Open(group, cfg.PageSize, 0, true, cfg.SlabPages, p.onStress, nil)
	p.pc.CacheSize(cfg.CacheSize)

	if size == 0 {
		if err := p.initEmpty(); err != nil {
			_ = f.Close()
			return nil, err
		}
	} else {
		pages := uint32(size) / uint32(cfg.PageSize)
		p.dbSize = pages
		p.onDiskDBSize = pages
	}

	if cfg.JournalMode == JournalWAL {
		p.walPath = path + "-wal"
		w, err := wal.Open(v, p.walPath, cfg.PageSize)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		p.wal = w
	} else {
		p.journalPath = path + "-journal"
	}

	return p, nil
}

var (
	sharedGroupOnce sync.Once
	sharedGroupVal *pcache1.Group
)

func sharedGroup() *pcache1.Group {
	sharedGroupOnce.Do(func() { sharedGroupVal = pcache1.NewGroup() })
	return sharedGroupVal
}

func (p *Pager) initEmpty() error {
	h, err := dbheader.NewHeader(p.cfg.PageSize)
	if err != nil {
		return err
	}
	buf := make([]byte, p.cfg.PageSize)
	if err := dbheader.Marshal(h, buf); err != nil {
		return err
	}
	if _, err := p.file.WriteAt(buf, 0); err != nil {
		return err
	}
	if err := p.file.Sync(vfs.SyncFull); err != nil {
		return err
	}
	p.dbSize = 1
	p.onDiskDBSize = 1
	return nil
}

// State returns the pager's current state.
func (p *Pager) State() State { return p.state }

// DBSize returns the current logical page count.
func (p *Pager) DBSize() uint32 { return p.dbSize }

// SetCodec installs the pluggable page transformation.
func (p *Pager) SetCodec(encode, decode CodecFunc) {
	p.codecEncode, p.codecDecode = encode, decode
}

// SetBusyHandler installs the busy-retry callback.
func (p *Pager) SetBusyHandler(h BusyHandler) { p.busy = h }

// lockWithRetry escalates the file lock to level, invoking the busy
// handler on BUSY until it gives up.
func (p *Pager) lockWithRetry(level vfs.LockLevel) error {
	attempt := 0
	for {
		err := p.file.Lock(level)
		if err == nil {
			p.lockLevel = level
			return nil
		}
		if !pagerrIsBusy(err) || p.busy == nil || !p.busy(attempt) {
			return err
		}
		attempt++
	}
}

func pagerrIsBusy(err error) bool {
	return err != nil && (errors.Is(err, pagerr.ErrBusy) || errors.Is(err, pagerr.ErrLocked))
}

// BeginRead implements OPEN -> READER: acquire a shared lock and roll
// back any hot journal left by a crashed writer.
func (p *Pager) BeginRead() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errCode != nil {
		return p.errCode
	}
	if p.state != StateOpen {
		return fmt.Errorf("pager: BeginRead requires OPEN, have %s", p.state)
	}
	if err := p.lockWithRetry(vfs.LockShared); err != nil {
		return err
	}
	if err := p.checkHotJournal(); err != nil {
		p.enterError(err)
		return err
	}
	if err := p.reloadHeaderLocked(); err != nil {
		p.enterError(err)
		return err
	}
	return p.transition(StateReader)
}

// reloadHeaderLocked re-reads page 1's header to refresh dbSize, used
// after BeginRead and after a hot-journal rollback.
func (p *Pager) reloadHeaderLocked() error {
	size, err := p.file.Size()
	if err != nil {
		return err
	}
	if size == 0 {
		p.dbSize = 0
		return nil
	}
	buf := make([]byte, p.cfg.PageSize)
	if _, err := p.file.ReadAt(buf, 0); err != nil {
		return err
	}
	h, err := dbheader.Unmarshal(buf)
	if err != nil {
		return err
	}
	if h.DBSizePages != 0 {
		p.dbSize = h.DBSizePages
	} else {
		p.dbSize = uint32(size) / uint32(p.cfg.PageSize)
	}
	p.onDiskDBSize = p.dbSize
	return nil
}

// EndRead implements READER -> OPEN: end the transaction and drop the
// lock.
func (p *Pager) EndRead() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateReader {
		return fmt.Errorf("pager: EndRead requires READER, have %s", p.state)
	}
	if err := p.file.Unlock(vfs.LockNone); err != nil {
		return err
	}
	p.lockLevel = vfs.LockNone
	return p.transition(StateOpen)
}

// enterError transitions unconditionally to ERROR and latches the cause
func (p *Pager) enterError(err error) {
	p.errCode = err
	p.state = StateError
}

// ErrCode returns the latched error, if the pager is in ERROR.
func (p *Pager) ErrCode() error { return p.errCode }

// Recover brings an ERROR pager back to OPEN once every outstanding page
// reference has been released, reloading from disk on next access.
func (p *Pager) Recover() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateError {
		return nil
	}
	if p.pc.RefCountSum() != 0 {
		return fmt.Errorf("pager: cannot recover from ERROR with outstanding page references")
	}
	p.errCode = nil
	return p.transition(StateOpen)
}

// Close releases every handle; it writes nothing. All dirty entries must
// already be resolved; Close refuses otherwise rather than
// silently discarding uncommitted work.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.isWriter() {
		return fmt.Errorf("pager: cannot close mid-transaction, call Rollback or Commit first")
	}
	if p.pc.DirtyCount() != 0 {
		return fmt.Errorf("pager: cannot close with unresolved dirty pages")
	}
	p.pc.Close()
	if p.journalFile != nil {
		_ = p.journalFile.Close()
	}
	if p.wal != nil {
		_ = p.wal.Close()
	}
	if p.state != StateOpen {
		_ = p.file.Unlock(vfs.LockNone)
	}
	return p.file.Close()
}

// Path returns the main database file path.
func (p *Pager) Path() string { return p.path }
