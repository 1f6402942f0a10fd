package fuse

import "testing"

func TestDirStreamModernIncrementalFill(t *testing.T) {
	ds := newDirStream(1, protoModern)
	names := []string{"a", "b", "c"}
	i := 0
	fill := func() (DirEntry, bool) {
		if i >= len(names) {
			return DirEntry{}, false
		}
		e := DirEntry{Name: names[i], Off: uint64(i + 1), Mode: 0100644}
		i++
		return e, true
	}

	ds.fillUntil(1<<20, fill)
	if len(ds.buf) == 0 {
		t.Fatal("expected a non-empty buffer after fill")
	}
	if i != len(names) {
		t.Fatalf("expected fill to be called for all %d entries, called %d times", len(names), i)
	}
}

// Major 6 is a real, spec-named generation distinct from both compat-5 and
// the FORGET-opcode boundary at protoModern(7); it must take the modern,
// incremental fill path rather than being mistaken for compat-5.
func TestDirStreamMajor6UsesModernFillMode(t *testing.T) {
	ds := newDirStream(1, wireModernMajor)
	calls := 0
	fill := func() (DirEntry, bool) {
		calls++
		if calls > 1 {
			return DirEntry{}, false
		}
		return DirEntry{Name: "only", Off: 1}, true
	}

	ds.fillUntil(4096, fill)
	if ds.filled {
		t.Fatal("major 6 must not take the compat-5 fill-once path")
	}
	if len(ds.buf) == 0 {
		t.Fatal("expected the single entry to have been filled")
	}
}

func TestDirStreamCompat5FillsOnce(t *testing.T) {
	ds := newDirStream(1, protoCompat5)
	calls := 0
	fill := func() (DirEntry, bool) {
		calls++
		if calls > 2 {
			return DirEntry{}, false
		}
		return DirEntry{Name: "e", Off: 0}, true
	}

	ds.fillUntil(4096, fill)
	firstLen := len(ds.buf)
	ds.fillUntil(4096, fill)
	if len(ds.buf) != firstLen {
		t.Fatal("expected a second fillUntil to be a no-op under compat-5 once filled")
	}
}

func TestDirStreamSliceBounds(t *testing.T) {
	ds := newDirStream(1, protoCompat5)
	served := false
	ds.fillUntil(4096, func() (DirEntry, bool) {
		if served {
			return DirEntry{}, false
		}
		served = true
		return DirEntry{Name: "only"}, true
	})
	if s := ds.slice(0, 4); len(s) != 4 {
		t.Fatalf("expected a 4-byte slice, got %d", len(s))
	}
	if s := ds.slice(len(ds.buf)+10, 4); s != nil {
		t.Fatal("expected nil slice past the end of the buffer")
	}
}
