package journal

import (
	"bytes"
	"testing"

	"github.com/lakedb/pagestore/internal/storage/vfs"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{NRec: 3, Nonce: 0xCAFEBABE, OrigDBPages: 7, SectorSize: 512, PageSize: 4096}
	buf := make([]byte, HeaderSize)
	if err := MarshalHeader(h, buf); err != nil {
		t.Fatalf("MarshalHeader: %v", err)
	}
	got, err := UnmarshalHeader(buf)
	if err != nil {
		t.Fatalf("UnmarshalHeader: %v", err)
	}
	if *got != *h {
		t.Errorf("UnmarshalHeader = %+v, want %+v", *got, *h)
	}
}

func TestUnmarshalHeaderRejectsBadMagic(t *testing.T) {
	buf := make([]byte, HeaderSize)
	if _, err := UnmarshalHeader(buf); err == nil {
		t.Fatalf("expected an error for a zeroed (bad-magic) header")
	}
}

func TestWriterAndReaderRoundTrip(t *testing.T) {
	v := vfs.NewMem()
	f, err := v.Open("j", vfs.OpenReadWrite|vfs.OpenCreate)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w := NewWriter(f, 512, 512, 0x1234, 1)
	if _, err := w.WriteHeader(); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	page1 := bytes.Repeat([]byte{0xAA}, 512)
	page2 := bytes.Repeat([]byte{0xBB}, 512)
	if _, err := w.AppendRecord(1, page1); err != nil {
		t.Fatalf("AppendRecord(1): %v", err)
	}
	if _, err := w.AppendRecord(2, page2); err != nil {
		t.Fatalf("AppendRecord(2): %v", err)
	}
	if err := w.PatchNRec(); err != nil {
		t.Fatalf("PatchNRec: %v", err)
	}

	r, err := NewReader(f, 512)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	records, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	if records[0].Pgno != 1 || !bytes.Equal(records[0].Content, page1) {
		t.Errorf("records[0] = %+v, want pgno 1 with page1 content", records[0])
	}
	if records[1].Pgno != 2 || !bytes.Equal(records[1].Content, page2) {
		t.Errorf("records[1] = %+v, want pgno 2 with page2 content", records[1])
	}
}

// A journal truncated mid-record (simulating a crash during the write of
// the second record) must still yield every complete record that preceded
// it, without error.
func TestReaderTruncatesCleanlyOnShortFinalRecord(t *testing.T) {
	v := vfs.NewMem()
	f, err := v.Open("j", vfs.OpenReadWrite|vfs.OpenCreate)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w := NewWriter(f, 512, 512, 0x1234, 1)
	if _, err := w.WriteHeader(); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if _, err := w.AppendRecord(1, bytes.Repeat([]byte{0xAA}, 512)); err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}
	if err := w.PatchNRec(); err != nil {
		t.Fatalf("PatchNRec: %v", err)
	}
	// Simulate a crash partway through writing a second record: truncate
	// the file a few bytes into what would have been record 2, and bump
	// NRec to claim two records even though only one is actually present.
	size, _ := f.Size()
	if err := f.Truncate(size + int64(RecordSize(512)/2)); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if _, err := f.WriteAt([]byte{0, 0, 0, 2}, 8); err != nil { // header NRec field
		t.Fatalf("bumping NRec: %v", err)
	}

	r, err := NewReader(f, 512)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	records, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll should tolerate a truncated tail, got error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1 (only the complete record)", len(records))
	}
}

func TestReaderRejectsChecksumMismatch(t *testing.T) {
	v := vfs.NewMem()
	f, err := v.Open("j", vfs.OpenReadWrite|vfs.OpenCreate)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w := NewWriter(f, 512, 512, 0x1234, 1)
	if _, err := w.WriteHeader(); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if _, err := w.AppendRecord(1, bytes.Repeat([]byte{0xAA}, 512)); err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}
	if err := w.PatchNRec(); err != nil {
		t.Fatalf("PatchNRec: %v", err)
	}
	// Corrupt a content byte the checksum actually samples (Checksum only
	// touches content[112] and content[312] for a 512-byte page) without
	// touching the stored checksum itself. The header occupies a full
	// sector (512 bytes here, since sectorSize > HeaderSize), so the first
	// record's content begins at 512+4.
	corrupt := []byte{0xFF}
	if _, err := f.WriteAt(corrupt, 512+4+112); err != nil {
		t.Fatalf("corrupting record: %v", err)
	}

	r, err := NewReader(f, 512)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	records, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("len(records) = %d, want 0 (checksum mismatch stops replay)", len(records))
	}
}
