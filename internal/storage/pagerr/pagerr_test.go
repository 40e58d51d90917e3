package pagerr

import (
	"errors"
	"testing"
)

func TestIOErrorWrapsBothSentinelAndCause(t *testing.T) {
	cause := errors.New("disk yanked")
	err := NewIOError(IOKindWrite, cause)
	if !errors.Is(err, ErrIOErr) {
		t.Fatalf("expected errors.Is(err, ErrIOErr) to hold")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is(err, cause) to hold")
	}
	var io *IOError
	if !errors.As(err, &io) {
		t.Fatalf("expected errors.As to recover *IOError")
	}
	if io.Kind != IOKindWrite {
		t.Fatalf("kind = %v, want IOKindWrite", io.Kind)
	}
}

func TestIOErrorMessageWithoutCause(t *testing.T) {
	err := NewIOError(IOKindFsync, nil)
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty message")
	}
}

func TestIOKindString(t *testing.T) {
	cases := map[IOKind]string{
		IOKindRead: "read",
		IOKindWrite: "write",
		IOKindFsync: "fsync",
		IOKindTruncate: "truncate",
		IOKind(99): "unknown",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("IOKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}

func TestRecoverable(t *testing.T) {
	if !Recoverable(ErrBusy) {
		t.Errorf("ErrBusy should be recoverable")
	}
	if !Recoverable(ErrLocked) {
		t.Errorf("ErrLocked should be recoverable")
	}
	if !Recoverable(ErrNoMem) {
		t.Errorf("ErrNoMem should be recoverable")
	}
	if Recoverable(ErrCorrupt) {
		t.Errorf("ErrCorrupt should not be recoverable")
	}
	if Recoverable(nil) {
		t.Errorf("nil should not be recoverable")
	}
}
