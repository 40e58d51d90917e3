// Package pagerr defines the error vocabulary shared by every layer of the
// page cache and pager core. Error kinds are sentinel values wrapped with
// fmt.Errorf("...: %w", err) at each layer boundary, the same discipline the
// rest of this module's ancestry uses instead of a third-party errors
// package.
package pagerr

import "errors"

// Broad error kinds. Each is a distinct sentinel so callers can
// branch with errors.Is.
var (
	ErrBusy = errors.New("pagestore: busy")
	ErrLocked = errors.New("pagestore: locked")
	ErrNoMem = errors.New("pagestore: out of memory")
	ErrReadOnly = errors.New("pagestore: read only")
	ErrIOErr = errors.New("pagestore: i/o error")
	ErrCorrupt = errors.New("pagestore: database disk image is malformed")
	ErrFull = errors.New("pagestore: database or disk is full")
	ErrCantOpen = errors.New("pagestore: unable to open database file")
	ErrProtocol = errors.New("pagestore: locking protocol violation")

	// ErrClosed names use of a pager or cache after Close. No method in
	// this module returns it; calls after Close are not checked.
	ErrClosed = errors.New("pagestore: use of closed pager")

	// ErrNotFound names a pure cache-lookup miss (createFlag == CreateNever).
	// Fetch reports such a miss by returning nil; no method in this module
	// returns ErrNotFound.
	ErrNotFound = errors.New("pagestore: page not found")
)

// IOKind refines ErrIOErr with the specific failing operation, mirroring
// SQLite's SQLITE_IOERR_* sub-codes.
type IOKind int

const (
	IOKindRead IOKind = iota + 1
	IOKindShortRead
	IOKindWrite
	IOKindFsync
	IOKindDirFsync
	IOKindTruncate
	IOKindLock
	IOKindUnlock
	IOKindDelete
	IOKindNoMem
	IOKindSeek
)

func (k IOKind) String() string {
	switch k {
	case IOKindRead:
		return "read"
	case IOKindShortRead:
		return "short-read"
	case IOKindWrite:
		return "write"
	case IOKindFsync:
		return "fsync"
	case IOKindDirFsync:
		return "dir-fsync"
	case IOKindTruncate:
		return "truncate"
	case IOKindLock:
		return "lock"
	case IOKindUnlock:
		return "unlock"
	case IOKindDelete:
		return "delete"
	case IOKindNoMem:
		return "nomem"
	case IOKindSeek:
		return "seek"
	default:
		return "unknown"
	}
}

// IOError wraps ErrIOErr with the sub-kind and the underlying cause so
// errors.Is(err, pagerr.ErrIOErr) still succeeds while errors.As recovers
// the specific kind.
type IOError struct {
	Kind IOKind
	Err error
}

func NewIOError(kind IOKind, err error) *IOError {
	return &IOError{Kind: kind, Err: err}
}

func (e *IOError) Error() string {
	if e.Err == nil {
		return "pagestore: i/o error (" + e.Kind.String() + ")"
	}
	return "pagestore: i/o error (" + e.Kind.String() + "): " + e.Err.Error()
}

func (e *IOError) Unwrap() []error { return []error{ErrIOErr, e.Err} }

// Recoverable reports whether err should be surfaced to the caller without
// moving the pager to the ERROR state.
func Recoverable(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrLocked) || errors.Is(err, ErrNoMem)
}
