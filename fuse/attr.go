package fuse

import (
	"log"
	"syscall"
	"time"
)

type FileMode uint32

func (me FileMode) String() string {
	switch uint32(me) & syscall.S_IFMT {
	case syscall.S_IFIFO:
		return "p"
	case syscall.S_IFCHR:
		return "c"
	case syscall.S_IFDIR:
		return "d"
	case syscall.S_IFBLK:
		return "b"
	case syscall.S_IFREG:
		return "f"
	case syscall.S_IFLNK:
		return "l"
	case syscall.S_IFSOCK:
		return "s"
	default:
		log.Panicf("Unknown mode: %o", me)
	}
	return "0"
}

// DirentType extracts the dirent d_type nibble (DT_DIR, DT_REG, ...) from
// the S_IFMT bits, matching the kernel's own mode>>12 convention for the
// type field in a struct dirent.
func (me FileMode) DirentType() uint32 {
	return (uint32(me) >> 12) & 0xf
}

func (a *Attr) AccessTime() time.Time {
	return time.Unix(int64(a.Atime), int64(a.Atimensec))
}

func (a *Attr) ModTime() time.Time {
	return time.Unix(int64(a.Mtime), int64(a.Mtimensec))
}
