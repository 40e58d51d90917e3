package vfs

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/lakedb/pagestore/internal/storage/pagerr"
)

// memVFS keeps every "file" as a byte slice in process memory, shared by
// path name across all files opened from the same memVFS instance. It
// exists for fast, deterministic tests and for disposable scratch
// databases; it has no concept of cross-process locking, so CheckReservedLock
// only ever reflects in-process contention.
type memVFS struct {
	mu sync.Mutex
	files map[string]*memFileData
}

type memFileData struct {
	mu sync.Mutex
	buf []byte
	lock LockLevel
}

// NewMem returns a fresh in-memory VFS. Files created through it persist
// only for the lifetime of the returned value.
func NewMem() VFS {
	return &memVFS{files: make(map[string]*memFileData)}
}

func (v *memVFS) get(path string, create bool) (*memFileData, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	d, ok := v.files[path]
	if !ok {
		if !create {
			return nil, false
		}
		d = &memFileData{}
		v.files[path] = d
	}
	return d, true
}

func (v *memVFS) Open(path string, flags OpenFlag) (File, error) {
	_, existed := v.get(path, false)
	if !existed && flags&OpenCreate == 0 {
		return nil, fmt.Errorf("%w: %s does not exist", pagerr.ErrCantOpen, path)
	}
	d, _ := v.get(path, true)
	return &memFile{v: v, path: path, data: d, deleteOnClose: flags&OpenDeleteOnClose != 0}, nil
}

func (v *memVFS) Delete(path string, syncDir bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.files, path)
	return nil
}

func (v *memVFS) Access(path string, flag AccessFlag) (bool, error) {
	_, ok := v.get(path, false)
	return ok, nil
}

func (v *memVFS) FullPathname(path string) (string, error) { return path, nil }

func (v *memVFS) CurrentTimeMillis() int64 { return time.Now().UnixMilli() }

func (v *memVFS) Randomness(buf []byte) int {
	n, _ := rand.Read(buf)
	return n
}

func (v *memVFS) Sleep(d time.Duration) { time.Sleep(d) }

type memFile struct {
	v *memVFS
	path string
	data *memFileData
	deleteOnClose bool
}

func (f *memFile) ReadAt(buf []byte, off int64) (int, error) {
	f.data.mu.Lock()
	defer f.data.mu.Unlock()
	if off >= int64(len(f.data.buf)) {
		for i := range buf {
			buf[i] = 0
		}
		return 0, nil
	}
	n := copy(buf, f.data.buf[off:])
	return n, nil
}

func (f *memFile) WriteAt(buf []byte, off int64) (int, error) {
	f.data.mu.Lock()
	defer f.data.mu.Unlock()
	end := off + int64(len(buf))
	if end > int64(len(f.data.buf)) {
		grown := make([]byte, end)
		copy(grown, f.data.buf)
		f.data.buf = grown
	}
	copy(f.data.buf[off:end], buf)
	return len(buf), nil
}

func (f *memFile) Truncate(size int64) error {
	f.data.mu.Lock()
	defer f.data.mu.Unlock()
	if size <= int64(len(f.data.buf)) {
		f.data.buf = f.data.buf[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, f.data.buf)
	f.data.buf = grown
	return nil
}

func (f *memFile) Sync(flags SyncFlag) error { return nil }

func (f *memFile) Size() (int64, error) {
	f.data.mu.Lock()
	defer f.data.mu.Unlock()
	return int64(len(f.data.buf)), nil
}

func (f *memFile) Lock(level LockLevel) error {
	f.data.mu.Lock()
	defer f.data.mu.Unlock()
	if level > f.data.lock {
		f.data.lock = level
	}
	return nil
}

func (f *memFile) Unlock(level LockLevel) error {
	f.data.mu.Lock()
	defer f.data.mu.Unlock()
	if level < f.data.lock {
		f.data.lock = level
	}
	return nil
}

func (f *memFile) CheckReservedLock() (bool, error) {
	f.data.mu.Lock()
	defer f.data.mu.Unlock()
	return f.data.lock >= LockReserved, nil
}

func (f *memFile) SectorSize() int { return 512 }

func (f *memFile) DeviceCharacteristics() DeviceCharacteristic { return IOCapAtomic }

func (f *memFile) FileControl(op string, arg any) (any, error) { return nil, nil }

func (f *memFile) Close() error {
	if f.deleteOnClose {
		return f.v.Delete(f.path, false)
	}
	return nil
}
