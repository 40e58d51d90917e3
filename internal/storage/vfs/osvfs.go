//go:build unix

package vfs

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lakedb/pagestore/internal/storage/pagerr"
)

// osVFS backs File/VFS with real files. Locking uses POSIX advisory
// byte-range locks (golang.org/x/sys/unix.FcntlFlock) over well-known
// byte ranges, the same scheme SQLite's unix VFS uses, so that multiple
// OS processes opening the same database file observe each other's
// locks.
type osVFS struct{}

// NewOS returns the default, real-filesystem VFS.
func NewOS() VFS { return osVFS{} }

func (osVFS) Open(path string, flags OpenFlag) (File, error) {
	var osFlags int
	switch {
	case flags&OpenReadWrite != 0:
		osFlags = os.O_RDWR
	default:
		osFlags = os.O_RDONLY
	}
	if flags&OpenCreate != 0 {
		osFlags |= os.O_CREATE
	}
	if flags&OpenExclusive != 0 {
		osFlags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, osFlags, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", pagerr.ErrCantOpen, path, err)
	}
	of := &osFile{f: f, path: path, deleteOnClose: flags&OpenDeleteOnClose != 0}
	if flags&OpenWAL != 0 || flags&OpenMainJournal != 0 {
		of.sectorSize = 512
	} else {
		of.sectorSize = 4096
	}
	return of, nil
}

func (osVFS) Delete(path string, syncDir bool) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return pagerr.NewIOError(pagerr.IOKindDelete, err)
	}
	if syncDir {
		dir, err := os.Open(filepath.Dir(path))
		if err == nil {
			_ = dir.Sync()
			_ = dir.Close()
		}
	}
	return nil
}

func (osVFS) Access(path string, flag AccessFlag) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	switch flag {
	case AccessExists:
		return true, nil
	case AccessRead:
		return info.Mode().Perm()&0400 != 0, nil
	case AccessReadWrite:
		return info.Mode().Perm()&0600 != 0, nil
	default:
		return true, nil
	}
}

func (osVFS) FullPathname(path string) (string, error) {
	return filepath.Abs(path)
}

func (osVFS) CurrentTimeMillis() int64 {
	return time.Now().UnixMilli()
}

func (osVFS) Randomness(buf []byte) int {
	n, _ := rand.Read(buf)
	return n
}

func (osVFS) Sleep(d time.Duration) {
	time.Sleep(d)
}

// osFile implements File over an *os.File plus an advisory lock level
// tracked locally (a single *os.File only ever holds one level of lock
// against the OS at a time; escalation acquires the additional lock bytes
// on top of those already held).
type osFile struct {
	mu sync.Mutex
	f *os.File
	path string
	level LockLevel
	sectorSize int
	deleteOnClose bool
	syncCount atomic.Int64
}

func (f *osFile) ReadAt(buf []byte, off int64) (int, error) {
	n, err := f.f.ReadAt(buf, off)
	if err != nil && err.Error() != "EOF" {
		return n, err
	}
	return n, nil
}

func (f *osFile) WriteAt(buf []byte, off int64) (int, error) {
	n, err := f.f.WriteAt(buf, off)
	if err != nil {
		return n, pagerr.NewIOError(pagerr.IOKindWrite, err)
	}
	return n, nil
}

func (f *osFile) Truncate(size int64) error {
	if err := f.f.Truncate(size); err != nil {
		return pagerr.NewIOError(pagerr.IOKindTruncate, err)
	}
	return nil
}

func (f *osFile) Sync(flags SyncFlag) error {
	f.syncCount.Add(1)
	if err := f.f.Sync(); err != nil {
		return pagerr.NewIOError(pagerr.IOKindFsync, err)
	}
	return nil
}

func (f *osFile) Size() (int64, error) {
	info, err := f.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Byte ranges used for advisory locking, mirroring SQLite's unix VFS
// scheme (locks live in a region far past any realistic database size so
// they never collide with actual page data).
const (
	lockByteShared = 0x40000000
	lockBytePending = lockByteShared + 1
	lockByteReserved = lockByteShared + 2
	lockByteRangeLen = 510
	lockByteRangeBase = lockByteShared + 3
)

func (f *osFile) Lock(level LockLevel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if level <= f.level {
		return nil
	}
	fd := int(f.f.Fd())
	switch level {
	case LockShared:
		if err := unixFlock(fd, unix.F_RDLCK, lockByteShared, 1); err != nil {
			return fmt.Errorf("%w: shared lock: %v", pagerr.ErrBusy, err)
		}
	case LockReserved:
		if err := unixFlock(fd, unix.F_WRLCK, lockByteReserved, 1); err != nil {
			return fmt.Errorf("%w: reserved lock: %v", pagerr.ErrBusy, err)
		}
	case LockPending:
		if err := unixFlock(fd, unix.F_WRLCK, lockBytePending, 1); err != nil {
			return fmt.Errorf("%w: pending lock: %v", pagerr.ErrBusy, err)
		}
	case LockExclusive:
		if f.level < LockPending {
			if err := unixFlock(fd, unix.F_WRLCK, lockBytePending, 1); err != nil {
				return fmt.Errorf("%w: pending lock: %v", pagerr.ErrBusy, err)
			}
		}
		if err := unixFlock(fd, unix.F_WRLCK, lockByteRangeBase, lockByteRangeLen); err != nil {
			return fmt.Errorf("%w: exclusive lock: %v", pagerr.ErrBusy, err)
		}
	}
	f.level = level
	return nil
}

func (f *osFile) Unlock(level LockLevel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if level >= f.level {
		return nil
	}
	fd := int(f.f.Fd())
	if f.level >= LockExclusive && level < LockExclusive {
		if err := unixFlock(fd, unix.F_UNLCK, lockByteRangeBase, lockByteRangeLen); err != nil {
			f.level = LockUnknown
			return fmt.Errorf("%w: unlock exclusive range: %v", pagerr.ErrIOErr, err)
		}
	}
	if level < LockPending {
		_ = unixFlock(fd, unix.F_UNLCK, lockBytePending, 1)
	}
	if level < LockReserved {
		_ = unixFlock(fd, unix.F_UNLCK, lockByteReserved, 1)
	}
	if level == LockNone {
		_ = unixFlock(fd, unix.F_UNLCK, lockByteShared, 1)
	}
	f.level = level
	return nil
}

func (f *osFile) CheckReservedLock() (bool, error) {
	fd := int(f.f.Fd())
	lk := unix.Flock_t{Type: unix.F_WRLCK, Start: lockByteReserved, Len: 1, Whence: 0}
	if err := unix.FcntlFlock(uintptr(fd), unix.F_GETLK, &lk); err != nil {
		return false, err
	}
	return lk.Type != unix.F_UNLCK, nil
}

func (f *osFile) SectorSize() int { return f.sectorSize }

func (f *osFile) DeviceCharacteristics() DeviceCharacteristic {
	return IOCapSafeAppend
}

func (f *osFile) FileControl(op string, arg any) (any, error) {
	switch op {
	case FileControlSizeHint:
		if n, ok := arg.(int64); ok {
			_ = unix.Fallocate(int(f.f.Fd()), 0, 0, n)
		}
		return nil, nil
	case FileControlAtomicWrite:
		return false, nil
	case FileControlSyncCount:
		return f.syncCount.Load(), nil
	default:
		return nil, nil
	}
}

func (f *osFile) Close() error {
	err := f.f.Close()
	if f.deleteOnClose {
		_ = os.Remove(f.path)
	}
	return err
}

func unixFlock(fd int, lockType int16, start int64, length int64) error {
	lk := unix.Flock_t{Type: lockType, Start: start, Len: length, Whence: 0}
	return unix.FcntlFlock(uintptr(fd), unix.F_SETLK, &lk)
}
