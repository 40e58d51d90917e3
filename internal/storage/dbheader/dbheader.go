// Package dbheader implements the on-disk page-1 database header: magic,
// page size, change counter, schema cookie, text encoding and the rest
// of the 100-byte fixed layout, plus the page-size and change-counter
// discipline invariants the pager enforces on every transaction
// boundary.
//
// The layout and marshalling discipline (fixed offsets, big-endian
// integers, a magic-string sanity check before trusting the rest of the
// struct) is grounded on the donor engine's
// internal/storage/pager/superblock.go, adapted from that file's
// little-endian custom superblock to a literal SQLite page-1 header
// (big-endian, fixed byte offsets).
package dbheader

import (
	"encoding/binary"
	"fmt"

	"github.com/lakedb/pagestore/internal/storage/pagerr"
)

// Pgno is a 1-based page number; 0 means "no page".
type Pgno uint32

const (
	InvalidPgno Pgno = 0
	FirstPgno Pgno = 1
)

const (
	MinPageSize = 512
	MaxPageSize = 65536
	HeaderSize = 100
	Magic = "SQLite format 3\x00"
	ChangeCounterOff = 24
	ChangeCounterLen = 4
	VersionValidForOff = 92
	// ChangeCounterRegionEnd is the exclusive end of the "at least one bit
	// must mutate" region named (bytes 24-39).
	ChangeCounterRegionOff = 24
	ChangeCounterRegionEnd = 40
)

// TextEncoding enumerates the header's text-encoding field (offset 56).
type TextEncoding uint32

const (
	EncodingUTF8 TextEncoding = 1
	EncodingUTF16LE TextEncoding = 2
	EncodingUTF16BE TextEncoding = 3
)

func (e TextEncoding) Valid() bool {
	switch e {
	case EncodingUTF8, EncodingUTF16LE, EncodingUTF16BE:
		return true
	default:
		return false
	}
}

// Validate confirms the encoding value names one of the three encodings
// the header format defines. This is a plain enum check; the header
// field is never run through an x/text codec since nothing in this
// package decodes text under that encoding.
func (e TextEncoding) Validate() error {
	switch e {
	case EncodingUTF8, EncodingUTF16LE, EncodingUTF16BE:
		return nil
	default:
		return fmt.Errorf("%w: unknown text encoding %d", pagerr.ErrCorrupt, e)
	}
}

// Header is the parsed form of page 1's first 100 bytes.
type Header struct {
	PageSize int // decoded; a stored value of 1 means 65536
	WriteVersion uint8
	ReadVersion uint8
	ReservedSpace uint8
	MaxPayloadFraction uint8 // = 64
	MinPayloadFraction uint8 // = 32
	MinLeafFraction uint8 // = 32
	ChangeCounter uint32
	DBSizePages uint32
	FreelistTrunk Pgno
	FreelistCount uint32
	SchemaCookie uint32
	SchemaFormat uint32
	DefaultCacheSize uint32
	LargestRootBTree Pgno
	TextEncoding TextEncoding
	UserVersion uint32
	IncrementalVacuum uint32
	ApplicationID uint32
	VersionValidFor uint32
	LibraryVersion uint32
}

// ValidPageSize reports whether n is a power of two in [MinPageSize,
// MaxPageSize].
func ValidPageSize(n int) bool {
	if n < MinPageSize || n > MaxPageSize {
		return false
	}
	return n&(n-1) == 0
}

// NewHeader returns a fresh header for a newly created database.
func NewHeader(pageSize int) (*Header, error) {
	if !ValidPageSize(pageSize) {
		return nil, fmt.Errorf("%w: invalid page size %d", pagerr.ErrCorrupt, pageSize)
	}
	return &Header{
		PageSize: pageSize,
		WriteVersion: 1,
		ReadVersion: 1,
		MaxPayloadFraction: 64,
		MinPayloadFraction: 32,
		MinLeafFraction: 32,
		DBSizePages: 1,
		TextEncoding: EncodingUTF8,
	}, nil
}

// encodedPageSize maps the in-memory page size to the on-disk 16-bit
// field, where 65536 is represented as 1.
func encodedPageSize(n int) uint16 {
	if n == 65536 {
		return 1
	}
	return uint16(n)
}

func decodedPageSize(v uint16) int {
	if v == 1 {
		return 65536
	}
	return int(v)
}

// Marshal writes h into the first HeaderSize bytes of buf, big-endian.
// buf must be at least HeaderSize bytes.
func Marshal(h *Header, buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("%w: header buffer too small (%d)", pagerr.ErrCorrupt, len(buf))
	}
	if !ValidPageSize(h.PageSize) {
		return fmt.Errorf("%w: invalid page size %d", pagerr.ErrCorrupt, h.PageSize)
	}
	copy(buf[0:16], []byte(Magic))
	binary.BigEndian.PutUint16(buf[16:18], encodedPageSize(h.PageSize))
	buf[18] = h.WriteVersion
	buf[19] = h.ReadVersion
	buf[20] = h.ReservedSpace
	buf[21] = h.MaxPayloadFraction
	buf[22] = h.MinPayloadFraction
	buf[23] = h.MinLeafFraction
	binary.BigEndian.PutUint32(buf[24:28], h.ChangeCounter)
	binary.BigEndian.PutUint32(buf[28:32], h.DBSizePages)
	binary.BigEndian.PutUint32(buf[32:36], uint32(h.FreelistTrunk))
	binary.BigEndian.PutUint32(buf[36:40], h.FreelistCount)
	binary.BigEndian.PutUint32(buf[40:44], h.SchemaCookie)
	binary.BigEndian.PutUint32(buf[44:48], h.SchemaFormat)
	binary.BigEndian.PutUint32(buf[48:52], h.DefaultCacheSize)
	binary.BigEndian.PutUint32(buf[52:56], uint32(h.LargestRootBTree))
	binary.BigEndian.PutUint32(buf[56:60], uint32(h.TextEncoding))
	binary.BigEndian.PutUint32(buf[60:64], h.UserVersion)
	binary.BigEndian.PutUint32(buf[64:68], h.IncrementalVacuum)
	binary.BigEndian.PutUint32(buf[68:72], h.ApplicationID)
	for i := 72; i < 92; i++ {
		buf[i] = 0
	}
	binary.BigEndian.PutUint32(buf[92:96], h.VersionValidFor)
	binary.BigEndian.PutUint32(buf[96:100], h.LibraryVersion)
	return nil
}

// Unmarshal parses the first HeaderSize bytes of buf.
func Unmarshal(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: header buffer too small (%d)", pagerr.ErrCorrupt, len(buf))
	}
	if string(buf[0:16]) != Magic {
		return nil, fmt.Errorf("%w: bad magic", pagerr.ErrCorrupt)
	}
	pageSize := decodedPageSize(binary.BigEndian.Uint16(buf[16:18]))
	if !ValidPageSize(pageSize) {
		return nil, fmt.Errorf("%w: invalid page size %d in header", pagerr.ErrCorrupt, pageSize)
	}
	h := &Header{
		PageSize: pageSize,
		WriteVersion: buf[18],
		ReadVersion: buf[19],
		ReservedSpace: buf[20],
		MaxPayloadFraction: buf[21],
		MinPayloadFraction: buf[22],
		MinLeafFraction: buf[23],
		ChangeCounter: binary.BigEndian.Uint32(buf[24:28]),
		DBSizePages: binary.BigEndian.Uint32(buf[28:32]),
		FreelistTrunk: Pgno(binary.BigEndian.Uint32(buf[32:36])),
		FreelistCount: binary.BigEndian.Uint32(buf[36:40]),
		SchemaCookie: binary.BigEndian.Uint32(buf[40:44]),
		SchemaFormat: binary.BigEndian.Uint32(buf[44:48]),
		DefaultCacheSize: binary.BigEndian.Uint32(buf[48:52]),
		LargestRootBTree: Pgno(binary.BigEndian.Uint32(buf[52:56])),
		TextEncoding: TextEncoding(binary.BigEndian.Uint32(buf[56:60])),
		UserVersion: binary.BigEndian.Uint32(buf[60:64]),
		IncrementalVacuum: binary.BigEndian.Uint32(buf[64:68]),
		ApplicationID: binary.BigEndian.Uint32(buf[68:72]),
		VersionValidFor: binary.BigEndian.Uint32(buf[92:96]),
		LibraryVersion: binary.BigEndian.Uint32(buf[96:100]),
	}
	if err := h.TextEncoding.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// BumpChangeCounter advances the change counter and mirrors it into the
// version-valid-for field, satisfying spec rule 9 ("the change-counter
// region must mutate on every content change"). It never returns the
// counter to its previous value, including across the uint32 wraparound.
func (h *Header) BumpChangeCounter() {
	h.ChangeCounter++
	h.VersionValidFor = h.ChangeCounter
}

// ChangeCounterRegionMutated reports whether bytes 24-39 differ between
// two header snapshots, the quantified invariant
func ChangeCounterRegionMutated(before, after []byte) bool {
	if len(before) < ChangeCounterRegionEnd || len(after) < ChangeCounterRegionEnd {
		return false
	}
	for i := ChangeCounterRegionOff; i < ChangeCounterRegionEnd; i++ {
		if before[i] != after[i] {
			return true
		}
	}
	return false
}
