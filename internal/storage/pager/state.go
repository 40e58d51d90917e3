// Package pager implements the pager state machine: it owns
// the file and journal handles, drives the seven-state transaction
// lifecycle, performs journal writes/sync/playback or WAL appends, and
// mediates between the page-cache manager and the VFS.
//
// Grounded on the donor engine's internal/storage/pager/pager.go (Pager
// struct shape: mu sync.RWMutex-guarded file/wal/pool/superblock fields,
// OpenPager's create-or-open-then-recover flow, Checkpoint's
// flush-dirty-then-fsync-then-truncate-journal sequence) and
// internal/storage/pager/recovery.go (Recover's classify-by-tx,
// replay-only-committed approach, generalized here into the rollback
// journal's per-transaction hot-journal playback).
package pager

import "fmt"

// State is one of the seven pager states.
type State int

const (
	StateOpen State = iota
	StateReader
	StateWriterLocked
	StateWriterCacheMod
	StateWriterDBMod
	StateWriterFinished
	StateError
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateReader:
		return "READER"
	case StateWriterLocked:
		return "WRITER_LOCKED"
	case StateWriterCacheMod:
		return "WRITER_CACHEMOD"
	case StateWriterDBMod:
		return "WRITER_DBMOD"
	case StateWriterFinished:
		return "WRITER_FINISHED"
	case StateError:
		return "ERROR"
	default:
		return "INVALID"
	}
}

func (s State) isWriter() bool {
	switch s {
	case StateWriterLocked, StateWriterCacheMod, StateWriterDBMod, StateWriterFinished:
		return true
	default:
		return false
	}
}

// JournalMode selects the durability backend.
type JournalMode int

const (
	JournalDelete JournalMode = iota
	JournalTruncate
	JournalPersist
	JournalMemory
	JournalWAL
	JournalOff
)

func (m JournalMode) String() string {
	switch m {
	case JournalDelete:
		return "DELETE"
	case JournalTruncate:
		return "TRUNCATE"
	case JournalPersist:
		return "PERSIST"
	case JournalMemory:
		return "MEMORY"
	case JournalWAL:
		return "WAL"
	case JournalOff:
		return "OFF"
	default:
		return "INVALID"
	}
}

// SyncMode selects fsync aggressiveness.
type SyncMode int

const (
	SyncOff SyncMode = iota
	SyncNormal
	SyncFull
	SyncExtra
)

// LockingMode selects the end-of-transaction lock handling and the change
// counter discipline. NORMAL drops back to SHARED when a write transaction
// ends; EXCLUSIVE keeps the write transaction's lock until EndRead and
// bumps the change counter only on the pager's first commit. EndRead
// releases every lock in both modes; no lock is held until Close.
type LockingMode int

const (
	LockingNormal LockingMode = iota
	LockingExclusive
)

// SpillControl is the doNotSpill bit field: three orthogonal
// conditions gating whether the stress callback may write a dirty page.
type SpillControl uint8

const (
	SpillOff SpillControl = 1 << iota // spilling forbidden entirely
	SpillRollback // inside sqlite3PagerRollback-equivalent; never spill
	SpillNoSync // sector-grouping in progress; refuse sync-requiring spills
)

func (s SpillControl) has(bit SpillControl) bool { return s&bit != 0 }

// transition validates and applies a state change, returning an error if
// the edge is not one of the table
func (p *Pager) transition(to State) error {
	from := p.state
	if !validEdge(from, to) {
		return fmt.Errorf("pager: invalid transition %s -> %s", from, to)
	}
	p.state = to
	return nil
}

func validEdge(from, to State) bool {
	if to == StateError {
		return true // "any -> ERROR" 
	}
	switch from {
	case StateOpen:
		return to == StateReader
	case StateReader:
		return to == StateOpen || to == StateWriterLocked
	case StateWriterLocked:
		return to == StateWriterCacheMod || to == StateReader
	case StateWriterCacheMod:
		return to == StateWriterDBMod || to == StateReader
	case StateWriterDBMod:
		return to == StateWriterFinished || to == StateReader
	case StateWriterFinished:
		return to == StateReader
	case StateError:
		return to == StateOpen
	default:
		return false
	}
}
