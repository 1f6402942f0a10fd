package fuse

import "time"

// FileInfo carries the opaque per-open state threaded between Open/Create
// and the read/write/release family. Fh is the user's own handle: the core
// never interprets it, only stores and returns it.
type FileInfo struct {
	Fh        uint64
	Flags     uint32
	WriteFlags uint32
	DirectIO  bool
	KeepCache bool
}

// Operations is the user-facing extensibility point: a table of optional
// callbacks keyed by name, mirroring libfuse's struct fuse_operations more
// closely than a Go interface, since a filesystem author typically
// implements only a handful of these and the core must synthesize
// not-implemented replies for the rest without forcing stub methods on
// every embedder. Without a callback, Open, Opendir, Release and Releasedir
// still succeed, Statfs replies with default values, and Init and Destroy
// are skipped; every other operation replies ENOSYS.
//
// Every callback receives an absolute path starting with "/". Context
// (uid, gid, pid, the Init return value) is available via GetContext from
// inside the callback, since the dispatcher runs it synchronously on the
// goroutine that owns the request.
type Operations struct {
	Getattr func(path string) (*Attr, Errno)
	Readlink func(path string) (string, Errno)
	Mknod    func(path string, mode uint32, rdev uint32) Errno
	Mkdir    func(path string, mode uint32) Errno
	Unlink   func(path string) Errno
	Rmdir    func(path string) Errno
	Symlink  func(target string, linkpath string) Errno
	Rename   func(oldpath string, newpath string) Errno
	Link     func(oldpath string, newpath string) Errno
	Chmod    func(path string, mode uint32) Errno
	Chown    func(path string, uid uint32, gid uint32) Errno
	Truncate func(path string, size uint64) Errno
	Utime    func(path string, atime, mtime time.Time) Errno

	Open  func(path string, fi *FileInfo) Errno
	Read  func(path string, buf []byte, off int64, fi *FileInfo) (int, Errno)
	Write func(path string, data []byte, off int64, fi *FileInfo) (int, Errno)

	Statfs func(path string) (*StatfsOut, Errno)
	Flush  func(path string, fi *FileInfo) Errno
	Release func(path string, fi *FileInfo) Errno
	Fsync   func(path string, datasync bool, fi *FileInfo) Errno

	Setxattr    func(path string, name string, value []byte, flags int) Errno
	Getxattr    func(path string, name string) ([]byte, Errno)
	Listxattr   func(path string) ([]string, Errno)
	Removexattr func(path string, name string) Errno

	Opendir    func(path string, fi *FileInfo) Errno
	Readdir    func(path string, fi *FileInfo, fill func(DirEntry) bool) Errno
	Releasedir func(path string, fi *FileInfo) Errno
	Fsyncdir   func(path string, datasync bool, fi *FileInfo) Errno

	Access func(path string, mask uint32) Errno
	Create func(path string, mode uint32, fi *FileInfo) Errno

	Init    func(conn *ConnInfo) interface{}
	Destroy func(ctx interface{})
}

// ConnInfo is passed to Init and reports the negotiated protocol
// generation, the one piece of connection state a filesystem author
// plausibly needs to adapt its own behavior to (e.g. whether readdir
// offsets are meaningful).
type ConnInfo struct {
	ProtoMajor uint32
	ProtoMinor uint32
}
