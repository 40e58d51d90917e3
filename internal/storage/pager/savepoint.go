package pager

import "fmt"

// Savepoint is a nested-transaction marker: it records the
// page count at the moment it was opened and a sub-journal of
// pre-mutation page images captured on each page's first write after the
// savepoint, so a partial rollback can restore exactly the content that
// existed when the savepoint was taken without disturbing changes made
// before it.
type Savepoint struct {
	origDBSize uint32
	subJournal map[Pgno][]byte
}

// OpenSavepoint implements pager savepoint creation, returning an
// index usable with RollbackToSavepoint/ReleaseSavepoint.
func (p *Pager) OpenSavepoint() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.isWriter() {
		return 0, fmt.Errorf("pager: OpenSavepoint requires a writer state, have %s", p.state)
	}
	sp := &Savepoint{origDBSize: p.dbSize, subJournal: make(map[Pgno][]byte)}
	p.savepoints = append(p.savepoints, sp)
	return len(p.savepoints) - 1, nil
}

// RollbackToSavepoint reverts every page touched since the savepoint was
// opened to its content at that time, and discards pages allocated after
// it. Savepoints opened after idx are discarded along with it.
func (p *Pager) RollbackToSavepoint(idx int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.savepoints) {
		return fmt.Errorf("pager: invalid savepoint index %d", idx)
	}
	sp := p.savepoints[idx]
	for e := p.pc.DirtyList(); e != nil; e = e.DirtyNext {
		if uint32(e.Pgno) > sp.origDBSize {
			continue // discarded below by Truncate
		}
		if orig, ok := sp.subJournal[e.Pgno]; ok {
			copy(e.Data, orig)
		}
	}
	p.pc.Truncate(Pgno(sp.origDBSize))
	p.dbSize = sp.origDBSize
	p.savepoints = p.savepoints[:idx+1]
	return nil
}

// ReleaseSavepoint commits a savepoint and every savepoint nested inside
// it into their parent transaction; its sub-journal content is no longer
// needed since rollback beyond it now falls through to the main
// transaction's origImages.
func (p *Pager) ReleaseSavepoint(idx int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.savepoints) {
		return fmt.Errorf("pager: invalid savepoint index %d", idx)
	}
	p.savepoints = p.savepoints[:idx]
	return nil
}

// SavepointCount returns the number of currently open savepoints.
func (p *Pager) SavepointCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.savepoints)
}
