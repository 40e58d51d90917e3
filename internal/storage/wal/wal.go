// Package wal implements the write-ahead-log durability backend:
// modified pages are appended as checksum-chained frames to a log file;
// a reader snapshots the frame index at transaction start and a
// checkpoint moves frames back into the main file.
//
// Grounded directly on the donor engine's
// internal/storage/pager/wal.go (WALFile, OpenWALFile header
// validate-or-write, AppendRecord's WriteAt-at-writePos append
// discipline, ReadAllRecords' crash-truncation tolerance), extended with
// a salt-chained per-frame checksum and a github.com/google/uuid-seeded
// instance salt in place of the donor's simpler per-record CRC32.
package wal

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/lakedb/pagestore/internal/storage/pagerr"
	"github.com/lakedb/pagestore/internal/storage/vfs"
)

const (
	walMagic uint32 = 0x377f0682
	walVersion uint32 = 1
	WALHeaderSize = 32
	FrameHeaderSize = 24
)

// Header is the WAL file's own 32-byte header.
type Header struct {
	PageSize uint32
	Salt1 uint32
	Salt2 uint32
}

func marshalHeader(h *Header, buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], walMagic)
	binary.BigEndian.PutUint32(buf[4:8], walVersion)
	binary.BigEndian.PutUint32(buf[8:12], h.PageSize)
	binary.BigEndian.PutUint32(buf[12:16], 0) // checkpoint sequence, unused
	binary.BigEndian.PutUint32(buf[16:20], h.Salt1)
	binary.BigEndian.PutUint32(buf[20:24], h.Salt2)
	c1, c2 := checksum(0, 0, buf[0:24])
	binary.BigEndian.PutUint32(buf[24:28], c1)
	binary.BigEndian.PutUint32(buf[28:32], c2)
}

func unmarshalHeader(buf []byte) (*Header, error) {
	if len(buf) < WALHeaderSize {
		return nil, fmt.Errorf("%w: short WAL header", pagerr.ErrCorrupt)
	}
	if binary.BigEndian.Uint32(buf[0:4]) != walMagic {
		return nil, fmt.Errorf("%w: bad WAL magic", pagerr.ErrCorrupt)
	}
	wantC1 := binary.BigEndian.Uint32(buf[24:28])
	wantC2 := binary.BigEndian.Uint32(buf[28:32])
	gotC1, gotC2 := checksum(0, 0, buf[0:24])
	if gotC1 != wantC1 || gotC2 != wantC2 {
		return nil, fmt.Errorf("%w: WAL header checksum mismatch", pagerr.ErrCorrupt)
	}
	return &Header{
		PageSize: binary.BigEndian.Uint32(buf[8:12]),
		Salt1: binary.BigEndian.Uint32(buf[16:20]),
		Salt2: binary.BigEndian.Uint32(buf[20:24]),
	}, nil
}

// checksum extends the running two-word checksum chain over buf, which
// must be a multiple of 8 bytes, folding pairs of big-endian uint32s the
// way SQLite's wal.c walChecksumBytes does (a simple, fast, order- and
// length-sensitive mix, not a cryptographic checksum).
func checksum(s1, s2 uint32, buf []byte) (uint32, uint32) {
	for i := 0; i+8 <= len(buf); i += 8 {
		s1 += binary.BigEndian.Uint32(buf[i:i+4]) + s2
		s2 += binary.BigEndian.Uint32(buf[i+4:i+8]) + s1
	}
	return s1, s2
}

// Frame is one decoded WAL frame.
type Frame struct {
	Pgno uint32
	DBSizeAfter uint32 // nonzero iff this frame commits a transaction
	Content []byte
	Offset int64
}

// File is an open WAL, grounded on the donor's WALFile.
type File struct {
	mu sync.Mutex
	f vfs.File
	pageSize int
	salt1 uint32
	salt2 uint32
	// running checksum chain over all committed frames written so far,
	// reset whenever the WAL is restarted (new salts) at checkpoint.
	ck1, ck2 uint32
	writePos int64

	// index maps pgno -> offset of its most recent frame, mirroring the
	// in-memory wal-index a reader consults instead of rescanning the file.
	index map[uint32]int64
	order []uint32 // frame write order, for checkpoint replay
}

// Open opens or creates a WAL file at path. If the file is empty, a
// fresh header is written with a uuid-derived random salt pair so two
// independently created WAL files (even for the same database, reopened
// after a checkpoint) never collide on salt.
func Open(v vfs.VFS, path string, pageSize int) (*File, error) {
	f, err := v.Open(path, vfs.OpenReadWrite|vfs.OpenCreate|vfs.OpenWAL)
	if err != nil {
		return nil, err
	}
	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	w := &File{f: f, pageSize: pageSize, index: make(map[uint32]int64)}
	if size == 0 {
		s1, s2 := freshSalts()
		w.salt1, w.salt2 = s1, s2
		buf := make([]byte, WALHeaderSize)
		marshalHeader(&Header{PageSize: uint32(pageSize), Salt1: s1, Salt2: s2}, buf)
		if _, err := f.WriteAt(buf, 0); err != nil {
			return nil, err
		}
		w.writePos = WALHeaderSize
		return w, nil
	}
	hbuf := make([]byte, WALHeaderSize)
	if _, err := f.ReadAt(hbuf, 0); err != nil {
		return nil, err
	}
	h, err := unmarshalHeader(hbuf)
	if err != nil {
		return nil, err
	}
	w.pageSize = int(h.PageSize)
	w.salt1, w.salt2 = h.Salt1, h.Salt2
	w.writePos = WALHeaderSize
	if err := w.rebuildIndex(size); err != nil {
		return nil, err
	}
	return w, nil
}

func freshSalts() (uint32, uint32) {
	id := uuid.New()
	b := id[:]
	return binary.BigEndian.Uint32(b[0:4]), binary.BigEndian.Uint32(b[4:8])
}

func (w *File) frameSize() int64 { return int64(FrameHeaderSize + w.pageSize) }

// rebuildIndex replays every well-formed, checksum-valid frame from the
// file to reconstruct the pgno -> latest-offset index, stopping at the
// first short or corrupt frame (crash-truncation tolerant, same
// convention as the donor's ReadAllRecords).
func (w *File) rebuildIndex(size int64) error {
	off := int64(WALHeaderSize)
	ck1, ck2 := uint32(0), uint32(0)
	for off+w.frameSize() <= size {
		buf := make([]byte, w.frameSize())
		if _, err := w.f.ReadAt(buf, off); err != nil {
			break
		}
		fr, nck1, nck2, ok := decodeFrame(buf, w.pageSize, w.salt1, w.salt2, ck1, ck2)
		if !ok {
			break
		}
		fr.Offset = off
		w.index[fr.Pgno] = off
		w.order = append(w.order, fr.Pgno)
		ck1, ck2 = nck1, nck2
		if fr.DBSizeAfter != 0 {
			w.ck1, w.ck2 = ck1, ck2
			w.writePos = off + w.frameSize()
		}
		off += w.frameSize()
	}
	return nil
}

func decodeFrame(buf []byte, pageSize int, salt1, salt2, ck1, ck2 uint32) (Frame, uint32, uint32, bool) {
	if len(buf) < FrameHeaderSize+pageSize {
		return Frame{}, 0, 0, false
	}
	pgno := binary.BigEndian.Uint32(buf[0:4])
	dbSize := binary.BigEndian.Uint32(buf[4:8])
	fSalt1 := binary.BigEndian.Uint32(buf[8:12])
	fSalt2 := binary.BigEndian.Uint32(buf[12:16])
	wantC1 := binary.BigEndian.Uint32(buf[16:20])
	wantC2 := binary.BigEndian.Uint32(buf[20:24])
	if fSalt1 != salt1 || fSalt2 != salt2 {
		return Frame{}, 0, 0, false
	}
	nck1, nck2 := checksum(ck1, ck2, buf[0:16])
	nck1, nck2 = checksum(nck1, nck2, buf[FrameHeaderSize:FrameHeaderSize+pageSize])
	if nck1 != wantC1 || nck2 != wantC2 {
		return Frame{}, 0, 0, false
	}
	content := append([]byte(nil), buf[FrameHeaderSize:FrameHeaderSize+pageSize]...)
	return Frame{Pgno: pgno, DBSizeAfter: dbSize, Content: content}, nck1, nck2, true
}

// AppendFrame writes one frame. dbSizeAfterCommit must be nonzero exactly
// for the final frame of a transaction.
func (w *File) AppendFrame(pgno uint32, content []byte, dbSizeAfterCommit uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := make([]byte, w.frameSize())
	binary.BigEndian.PutUint32(buf[0:4], pgno)
	binary.BigEndian.PutUint32(buf[4:8], dbSizeAfterCommit)
	binary.BigEndian.PutUint32(buf[8:12], w.salt1)
	binary.BigEndian.PutUint32(buf[12:16], w.salt2)
	copy(buf[FrameHeaderSize:], content)
	ck1, ck2 := checksum(w.ck1, w.ck2, buf[0:16])
	ck1, ck2 = checksum(ck1, ck2, content)
	binary.BigEndian.PutUint32(buf[16:20], ck1)
	binary.BigEndian.PutUint32(buf[20:24], ck2)

	if _, err := w.f.WriteAt(buf, w.writePos); err != nil {
		return err
	}
	w.index[pgno] = w.writePos
	w.order = append(w.order, pgno)
	if dbSizeAfterCommit != 0 {
		// Only a committed frame's checksum becomes the durable chain
		// position; an uncommitted tail frame's checksum is provisional
		// and recomputed on the next open if the process crashes before
		// commit.
		w.ck1, w.ck2 = ck1, ck2
	}
	w.writePos += w.frameSize()
	return nil
}

// Sync fsyncs the WAL file.
func (w *File) Sync() error { return w.f.Sync(vfs.SyncNormal) }

// ReadPage returns the most recent frame content for pgno, or ok==false
// if the WAL has no frame for it (caller falls back to the main file).
func (w *File) ReadPage(pgno uint32) (content []byte, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	off, present := w.index[pgno]
	if !present {
		return nil, false
	}
	buf := make([]byte, w.frameSize())
	if _, err := w.f.ReadAt(buf, off); err != nil {
		return nil, false
	}
	return append([]byte(nil), buf[FrameHeaderSize:FrameHeaderSize+w.pageSize]...), true
}

// Frames returns every frame currently indexed, in write order, for
// checkpoint replay.
func (w *File) Frames() []Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	seen := make(map[int64]bool)
	out := make([]Frame, 0, len(w.order))
	// Walk in reverse so each pgno's *latest* frame is kept, then reverse
	// back to ascending write order for a deterministic checkpoint pass.
	for i := len(w.order) - 1; i >= 0; i-- {
		pgno := w.order[i]
		off := w.index[pgno]
		if seen[off] {
			continue
		}
		seen[off] = true
		buf := make([]byte, w.frameSize())
		if _, err := w.f.ReadAt(buf, off); err != nil {
			continue
		}
		content := append([]byte(nil), buf[FrameHeaderSize:FrameHeaderSize+w.pageSize]...)
		dbSize := binary.BigEndian.Uint32(buf[4:8])
		out = append(out, Frame{Pgno: pgno, Content: content, DBSizeAfter: dbSize, Offset: off})
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// FrameCount reports how many live (latest-per-page) frames the WAL
// currently holds.
func (w *File) FrameCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.index)
}

// Reset truncates the WAL back to an empty log with a fresh salt pair,
// as a checkpoint does once every frame has been moved into the main
// file.
func (w *File) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Truncate(0); err != nil {
		return err
	}
	s1, s2 := freshSalts()
	w.salt1, w.salt2 = s1, s2
	w.ck1, w.ck2 = 0, 0
	buf := make([]byte, WALHeaderSize)
	marshalHeader(&Header{PageSize: uint32(w.pageSize), Salt1: s1, Salt2: s2}, buf)
	if _, err := w.f.WriteAt(buf, 0); err != nil {
		return err
	}
	w.writePos = WALHeaderSize
	w.index = make(map[uint32]int64)
	w.order = nil
	return nil
}

func (w *File) Close() error { return w.f.Close() }
