package fuse

import (
	"os"
	"syscall"
	"testing"
)

func TestToErrnoMapsNil(t *testing.T) {
	if e := ToErrno(nil); e != OK {
		t.Fatalf("expected OK for nil error, got %v", e)
	}
}

func TestToErrnoMapsSyscallErrno(t *testing.T) {
	e := ToErrno(syscall.ENOENT)
	if e.Sys() != syscall.ENOENT {
		t.Fatalf("expected ENOENT, got %v", e)
	}
}

func TestToErrnoUnwrapsPathError(t *testing.T) {
	pe := &os.PathError{Op: "open", Path: "/x", Err: syscall.EACCES}
	e := ToErrno(pe)
	if e.Sys() != syscall.EACCES {
		t.Fatalf("expected EACCES, got %v", e)
	}
}

func TestToErrnoFallsBackToEIO(t *testing.T) {
	e := ToErrno(os.ErrClosed)
	if e.Sys() != syscall.EIO {
		t.Fatalf("expected EIO fallback, got %v", e)
	}
}

func TestErrnoOk(t *testing.T) {
	if !OK.Ok() {
		t.Fatal("OK should report Ok()")
	}
	if Errno(-int32(syscall.EIO)).Ok() {
		t.Fatal("a nonzero errno should not report Ok()")
	}
}
