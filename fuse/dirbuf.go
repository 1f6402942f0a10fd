package fuse

import "sync"

// DirEntry is one name the user's Readdir callback contributes to a
// directory listing.
type DirEntry struct {
	Name string
	Mode uint32
	Ino  uint64
	Off  uint64
}

// dirStream owns the growing byte buffer backing one opendir handle's
// successive READDIR replies. Protocol major 5 has no per-entry offset:
// the buffer is filled exactly once and subsequent reads slice into it by
// request offset (this is the wireModernMajor boundary, not protoModern's
// FORGET-opcode boundary). Protocol major >=6 fills incrementally, stopping
// once the accumulated length would exceed the requested read size, and
// resumes filling from the last delivered offset on the next call.
type dirStream struct {
	mu sync.Mutex

	fh      uint64
	major   uint32
	buf     []byte
	filled  bool // compat-5: true once the one-shot fill has happened
	started bool // true once the backing Readdir callback has been drained
	lastOff uint64
	err     Errno
}

func newDirStream(fh uint64, major uint32) *dirStream {
	return &dirStream{fh: fh, major: major}
}

// addDirEntry appends one dirent record, aligned to an 8-byte boundary with
// zero-padding, mirroring the source library's DirEntryList layout.
func (d *dirStream) addDirEntry(e DirEntry) bool {
	name := e.Name
	if len(name) == 0 {
		d.err = Errno(-5) // EIO
		return false
	}

	rec := SizeOfDirEnt + len(name)
	padded := (rec + 7) &^ 7

	head := DirEnt{
		Ino:     e.Ino,
		Off:     e.Off,
		NameLen: uint32(len(name)),
		Typ:     FileMode(e.Mode).DirentType(),
	}

	start := len(d.buf)
	d.buf = append(d.buf, make([]byte, padded)...)
	putDirEnt(d.buf[start:], head, name)
	return true
}

// fillUntil invokes fill repeatedly (each call contributing one DirEntry)
// until it returns false, or, for major>=6, until the buffer would exceed
// size bytes. fill returns false to signal end-of-directory, matching the
// source's "non-zero return stops the fill" callback contract.
func (d *dirStream) fillUntil(size int, fill func() (DirEntry, bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.major < wireModernMajor {
		if d.filled {
			return
		}
		for {
			e, ok := fill()
			if !ok {
				break
			}
			if !d.addDirEntry(e) {
				break
			}
		}
		d.filled = true
		return
	}

	for len(d.buf) < size {
		e, ok := fill()
		if !ok {
			break
		}
		if !d.addDirEntry(e) {
			break
		}
	}
}

// slice returns up to maxLen bytes of the buffer starting at byte offset
// off, for the compat-5 (no per-entry offset) reply path.
func (d *dirStream) slice(off int, maxLen int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off >= len(d.buf) {
		return nil
	}
	end := off + maxLen
	if end > len(d.buf) {
		end = len(d.buf)
	}
	return d.buf[off:end]
}
