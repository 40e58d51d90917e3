// Package journal implements the rollback-journal wire format and
// playback logic: a sequence of journal headers interleaved with page
// records, used by the pager to make a transaction's original page
// images recoverable after a crash.
//
// Grounded on the donor engine's internal/storage/pager/wal.go, whose
// fixed-header-plus-records-with-CRC marshalling discipline
// (marshalWALRecord/unmarshalWALRecord, OpenWALFile's header
// validate-or-write) is repurposed here for the rollback journal's very
// different wire layout, rather than the donor's own WAL frame format,
// which is adapted separately in package wal.
package journal

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lakedb/pagestore/internal/storage/pagerr"
	"github.com/lakedb/pagestore/internal/storage/vfs"
)

// Magic identifies a valid journal header. The value is arbitrary — it
// only has to be unlikely to occur by chance in a page of data, the
// same guarantee SQLite's own journal magic provides.
var Magic = [8]byte{0xd9, 0xd5, 0x05, 0xf9, 0x20, 0xa1, 0x63, 0xd7}

const HeaderSize = 8 + 4 + 4 + 4 + 4 + 4 // 28 bytes

// Header is one journal header record.
type Header struct {
	NRec uint32 // 0 means "all records to end of file" 
	Nonce uint32
	OrigDBPages uint32
	SectorSize uint32
	PageSize uint32
}

func MarshalHeader(h *Header, buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("%w: journal header buffer too small", pagerr.ErrCorrupt)
	}
	copy(buf[0:8], Magic[:])
	binary.BigEndian.PutUint32(buf[8:12], h.NRec)
	binary.BigEndian.PutUint32(buf[12:16], h.Nonce)
	binary.BigEndian.PutUint32(buf[16:20], h.OrigDBPages)
	binary.BigEndian.PutUint32(buf[20:24], h.SectorSize)
	binary.BigEndian.PutUint32(buf[24:28], h.PageSize)
	return nil
}

func UnmarshalHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: journal header buffer too small", pagerr.ErrCorrupt)
	}
	if string(buf[0:8]) != string(Magic[:]) {
		return nil, fmt.Errorf("%w: bad journal magic", pagerr.ErrCorrupt)
	}
	return &Header{
		NRec: binary.BigEndian.Uint32(buf[8:12]),
		Nonce: binary.BigEndian.Uint32(buf[12:16]),
		OrigDBPages: binary.BigEndian.Uint32(buf[16:20]),
		SectorSize: binary.BigEndian.Uint32(buf[20:24]),
		PageSize: binary.BigEndian.Uint32(buf[24:28]),
	}, nil
}

// RecordSize returns the on-disk size of one page record for the given
// page size.
func RecordSize(pageSize int) int { return 4 + pageSize + 4 }

// Checksum computes the page-record checksum. The algorithm is an
// opaque integrity check, not a contract — it only has to make an accidental match
// implausible and a real corruption detectable, which a nonce-seeded
// sparse byte sum achieves cheaply.
func Checksum(nonce uint32, pageSize int, content []byte) uint32 {
	cksum := nonce
	for i := pageSize - 200; i > 0; i -= 200 {
		cksum += uint32(content[i])
	}
	return cksum
}

// Writer appends journal headers and page records to a VFS file.
type Writer struct {
	f vfs.File
	offset int64
	pageSize int
	nonce uint32
	origPgs uint32
	sector int

	headerOff int64 // offset of the most recently written header
	nRecAtHdr uint32
}

// NewWriter wraps an already-open, empty (or truncated) journal file.
func NewWriter(f vfs.File, pageSize, sectorSize int, nonce, origDBPages uint32) *Writer {
	return &Writer{f: f, pageSize: pageSize, nonce: nonce, origPgs: origDBPages, sector: sectorSize}
}

// WriteHeader writes a new journal header at the writer's current
// offset and remembers its position so NRec can be patched in once the
// record count for this header is known.
func (w *Writer) WriteHeader() (offset int64, err error) {
	buf := make([]byte, HeaderSize)
	h := &Header{NRec: 0, Nonce: w.nonce, OrigDBPages: w.origPgs, SectorSize: uint32(w.sector), PageSize: uint32(w.pageSize)}
	if err := MarshalHeader(h, buf); err != nil {
		return 0, err
	}
	if _, err := w.f.WriteAt(buf, w.offset); err != nil {
		return 0, err
	}
	w.headerOff = w.offset
	w.nRecAtHdr = 0
	w.offset += int64(w.sectorPad())
	return w.headerOff, nil
}

// sectorPad returns the header's on-disk footprint, padded up to the
// sector size so a subsequent page record starts sector-aligned when the
// VFS reports a sector larger than HeaderSize.
func (w *Writer) sectorPad() int {
	if w.sector <= HeaderSize {
		return HeaderSize
	}
	return w.sector
}

// AppendRecord writes one page record and returns its offset.
func (w *Writer) AppendRecord(pgno uint32, content []byte) (int64, error) {
	off := w.offset
	buf := make([]byte, RecordSize(w.pageSize))
	binary.BigEndian.PutUint32(buf[0:4], pgno)
	copy(buf[4:4+w.pageSize], content)
	ck := Checksum(w.nonce, w.pageSize, content)
	binary.BigEndian.PutUint32(buf[4+w.pageSize:], ck)
	if _, err := w.f.WriteAt(buf, off); err != nil {
		return 0, err
	}
	w.offset += int64(len(buf))
	w.nRecAtHdr++
	return off, nil
}

// PatchNRec rewrites the NRec field of the most recent header now that
// the count for it is known; this lets a reader trust partial files that
// stop mid-transaction instead of only ever relying on "0 means to EOF".
func (w *Writer) PatchNRec() error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, w.nRecAtHdr)
	_, err := w.f.WriteAt(buf, w.headerOff+8)
	return err
}

// Offset returns the writer's current append position.
func (w *Writer) Offset() int64 { return w.offset }

// Seek repositions the writer (used by savepoints rewinding the
// sub-journal index, sub-journal record index).
func (w *Writer) Seek(off int64) { w.offset = off }

// Record is one decoded page record.
type Record struct {
	Pgno uint32
	Content []byte
}

// Reader replays a rollback journal front to back.
type Reader struct {
	f vfs.File
	pageSize int
	size int64
}

func NewReader(f vfs.File, pageSize int) (*Reader, error) {
	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	return &Reader{f: f, pageSize: pageSize, size: size}, nil
}

// ReadAll replays every header/record-run in the journal, stopping
// cleanly at the first point the file becomes too short or a checksum
// fails to verify — exactly the crash-truncation tolerance a hot-journal
// rollback needs, not an error condition.
func (r *Reader) ReadAll() ([]Record, error) {
	var out []Record
	var off int64
	for off+HeaderSize <= r.size {
		hbuf := make([]byte, HeaderSize)
		if _, err := r.f.ReadAt(hbuf, off); err != nil {
			break
		}
		h, err := UnmarshalHeader(hbuf)
		if err != nil {
			break
		}
		pageSize := r.pageSize
		if h.PageSize != 0 {
			pageSize = int(h.PageSize)
		}
		sector := int(h.SectorSize)
		headerFootprint := HeaderSize
		if sector > HeaderSize {
			headerFootprint = sector
		}
		off += int64(headerFootprint)

		recSize := int64(RecordSize(pageSize))
		maxRecords := h.NRec
		if maxRecords == 0 {
			// "all records to end of file" — bounded by remaining bytes.
			remaining := r.size - off
			if remaining < 0 {
				break
			}
			maxRecords = uint32(remaining / recSize)
		}
		for i := uint32(0); i < maxRecords; i++ {
			if off+recSize > r.size {
				return out, nil
			}
			rbuf := make([]byte, recSize)
			if _, err := r.f.ReadAt(rbuf, off); err != nil {
				return out, nil
			}
			pgno := binary.BigEndian.Uint32(rbuf[0:4])
			content := append([]byte(nil), rbuf[4:4+pageSize]...)
			wantCk := binary.BigEndian.Uint32(rbuf[4+pageSize:])
			if Checksum(h.Nonce, pageSize, content) != wantCk {
				return out, nil
			}
			out = append(out, Record{Pgno: pgno, Content: content})
			off += recSize
		}
	}
	return out, nil
}

// ErrShortJournal names a journal that ends partway through a record.
// ReadAll does not return it (it stops cleanly after the last complete
// record), and no other function in this module returns it either.
var ErrShortJournal = io.ErrUnexpectedEOF
