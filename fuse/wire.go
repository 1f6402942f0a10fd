package fuse

import "unsafe"

// Opcode identifies a request type on the wire.
type Opcode int32

const (
	_OP_LOOKUP      = Opcode(1)
	_OP_FORGET      = Opcode(2)
	_OP_GETATTR     = Opcode(3)
	_OP_SETATTR     = Opcode(4)
	_OP_READLINK    = Opcode(5)
	_OP_SYMLINK     = Opcode(6)
	_OP_MKNOD       = Opcode(8)
	_OP_MKDIR       = Opcode(9)
	_OP_UNLINK      = Opcode(10)
	_OP_RMDIR       = Opcode(11)
	_OP_RENAME      = Opcode(12)
	_OP_LINK        = Opcode(13)
	_OP_OPEN        = Opcode(14)
	_OP_READ        = Opcode(15)
	_OP_WRITE       = Opcode(16)
	_OP_STATFS      = Opcode(17)
	_OP_RELEASE     = Opcode(18)
	_OP_FSYNC       = Opcode(20)
	_OP_SETXATTR    = Opcode(21)
	_OP_GETXATTR    = Opcode(22)
	_OP_LISTXATTR   = Opcode(23)
	_OP_REMOVEXATTR = Opcode(24)
	_OP_FLUSH       = Opcode(25)
	_OP_INIT        = Opcode(26)
	_OP_OPENDIR     = Opcode(27)
	_OP_READDIR     = Opcode(28)
	_OP_RELEASEDIR  = Opcode(29)
	_OP_FSYNCDIR    = Opcode(30)
	_OP_ACCESS      = Opcode(34)
	_OP_CREATE      = Opcode(35)
	_OP_DESTROY     = Opcode(38)
)

var opcodeNames = map[Opcode]string{
	_OP_LOOKUP:      "LOOKUP",
	_OP_FORGET:      "FORGET",
	_OP_GETATTR:     "GETATTR",
	_OP_SETATTR:     "SETATTR",
	_OP_READLINK:    "READLINK",
	_OP_SYMLINK:     "SYMLINK",
	_OP_MKNOD:       "MKNOD",
	_OP_MKDIR:       "MKDIR",
	_OP_UNLINK:      "UNLINK",
	_OP_RMDIR:       "RMDIR",
	_OP_RENAME:      "RENAME",
	_OP_LINK:        "LINK",
	_OP_OPEN:        "OPEN",
	_OP_READ:        "READ",
	_OP_WRITE:       "WRITE",
	_OP_STATFS:      "STATFS",
	_OP_RELEASE:     "RELEASE",
	_OP_FSYNC:       "FSYNC",
	_OP_SETXATTR:    "SETXATTR",
	_OP_GETXATTR:    "GETXATTR",
	_OP_LISTXATTR:   "LISTXATTR",
	_OP_REMOVEXATTR: "REMOVEXATTR",
	_OP_FLUSH:       "FLUSH",
	_OP_INIT:        "INIT",
	_OP_OPENDIR:     "OPENDIR",
	_OP_READDIR:     "READDIR",
	_OP_RELEASEDIR:  "RELEASEDIR",
	_OP_FSYNCDIR:    "FSYNCDIR",
	_OP_ACCESS:      "ACCESS",
	_OP_CREATE:      "CREATE",
	_OP_DESTROY:     "DESTROY",
}

func (o Opcode) String() string {
	if n, ok := opcodeNames[o]; ok {
		return n
	}
	return "UNKNOWN"
}

// Protocol major generations understood by this implementation. Anything
// below protoCompat5 is rejected at INIT; anything above protoModern is
// clamped down to it. protoModern is the boundary the FORGET opcode's
// legacy-vs-current encoding keys off (fuse.c:425 treats major<=6 as using
// forget_old, only major>=7 gets the current single-nlookup FORGET), not
// the wire-struct/dirent boundary — see wireModernMajor.
const (
	protoCompat5 = 5
	protoModern  = 7
	protoMinor   = 1

	// wireModernMajor is the boundary between the compat-5 and modern wire
	// formats for EntryOut/AttrOut/MknodIn/WriteIn/OpenOut/GetxattrOut/
	// StatfsOut and the dirbuf fill mode: only major==5 gets the compat
	// layout, major>=6 already gets the modern one. Per
	// _examples/original_source/fuse-2.3.0/lib/fuse.c, every
	// PARAM_COMPAT/SIZEOF_COMPAT decision and the dirent/readdir offset
	// checks key off `f->major == 5` specifically, not off the same
	// boundary as the FORGET opcode's legacy path.
	wireModernMajor = 6
)

// InHeader is the fixed prefix of every request, independent of protocol
// generation.
type InHeader struct {
	Length  uint32
	Opcode  Opcode
	Unique  uint64
	NodeId  uint64
	Uid     uint32
	Gid     uint32
	Pid     uint32
	Padding uint32
}

// OutHeader is the fixed prefix of every reply.
type OutHeader struct {
	Length uint32
	Error  int32
	Unique uint64
}

const SizeOfOutHeader = int(unsafe.Sizeof(OutHeader{}))

// Attr mirrors the kernel's fuse_attr: the stat-like payload carried in
// entry, attr, and create replies.
type Attr struct {
	Ino       uint64
	Size      uint64
	Blocks    uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	Atimensec uint32
	Mtimensec uint32
	Ctimensec uint32
	Mode      uint32
	Nlink     uint32
	Uid       uint32
	Gid       uint32
	Rdev      uint32
	Blksize   uint32
	_         uint32
}

// EntryOut is the reply payload for LOOKUP, MKNOD, MKDIR, SYMLINK, LINK.
type EntryOut struct {
	NodeId         uint64
	Generation     uint64
	EntryValid     uint64
	AttrValid      uint64
	EntryValidNsec uint32
	AttrValidNsec  uint32
	Attr           Attr
}

// CompatEntryOutSize is the wire size of EntryOut under protocol major 5,
// which lacks the nanosecond valid-timeout fields the modern struct carries.
const CompatEntryOutSize = 120

// AttrOut is the reply payload for GETATTR and the tail of SETATTR.
type AttrOut struct {
	AttrValid     uint64
	AttrValidNsec uint32
	Dummy         uint32
	Attr          Attr
}

// CompatAttrOutSize is the wire size of AttrOut under protocol major 5.
const CompatAttrOutSize = 96

// MknodIn is the request payload for MKNOD.
type MknodIn struct {
	Mode  uint32
	Rdev  uint32
	Umask uint32
	_     uint32
}

// CompatMknodInSize is the wire size of MknodIn under protocol major 5,
// which has no trailing umask/padding words.
const CompatMknodInSize = 8

// MkdirIn is the request payload for MKDIR.
type MkdirIn struct {
	Mode  uint32
	Umask uint32
}

// RenameIn is the request payload for RENAME; the old and new names follow
// inline as NUL-terminated strings.
type RenameIn struct {
	Newdir uint64
}

// LinkIn is the request payload for LINK.
type LinkIn struct {
	Oldnodeid uint64
}

const (
	FATTR_MODE      = 1 << 0
	FATTR_UID       = 1 << 1
	FATTR_GID       = 1 << 2
	FATTR_SIZE      = 1 << 3
	FATTR_ATIME     = 1 << 4
	FATTR_MTIME     = 1 << 5
	FATTR_FH        = 1 << 6
	FATTR_ATIME_NOW = 1 << 7
	FATTR_MTIME_NOW = 1 << 8
)

// SetattrIn is the request payload for SETATTR.
type SetattrIn struct {
	Valid     uint32
	_         uint32
	Fh        uint64
	Size      uint64
	LockOwner uint64
	Atime     uint64
	Mtime     uint64
	Unused2   uint64
	Atimensec uint32
	Mtimensec uint32
	Unused3   uint32
	Mode      uint32
	Unused4   uint32
	Uid       uint32
	Gid       uint32
	Unused5   uint32
}

// OpenIn is the request payload for OPEN and OPENDIR.
type OpenIn struct {
	Flags  uint32
	Unused uint32
}

// OpenOut is the reply payload for OPEN and OPENDIR.
type OpenOut struct {
	Fh        uint64
	OpenFlags uint32
	_         uint32
}

// CompatOpenOutSize is the wire size of OpenOut under protocol major 5,
// which lacks the trailing padding word.
const CompatOpenOutSize = 12

// ReleaseIn is the request payload for RELEASE and RELEASEDIR.
type ReleaseIn struct {
	Fh           uint64
	Flags        uint32
	ReleaseFlags uint32
	LockOwner    uint64
}

// FlushIn is the request payload for FLUSH.
type FlushIn struct {
	Fh        uint64
	Unused    uint32
	_         uint32
	LockOwner uint64
}

// ReadIn is the request payload for READ and READDIR.
type ReadIn struct {
	Fh        uint64
	Offset    uint64
	Size      uint32
	ReadFlags uint32
	LockOwner uint64
	Flags     uint32
	_         uint32
}

// WriteIn is the request payload prefix for WRITE; the data to write
// follows inline.
type WriteIn struct {
	Fh         uint64
	Offset     uint64
	Size       uint32
	WriteFlags uint32
	LockOwner  uint64
	Flags      uint32
	_          uint32
}

// WriteOut is the reply payload for WRITE.
type WriteOut struct {
	Size uint32
	_    uint32
}

// CompatWriteInSize is the wire size of WriteIn's fixed prefix under
// protocol major 5, which lacks the LockOwner/Flags/padding tail.
const CompatWriteInSize = 24

// FsyncIn is the request payload for FSYNC and FSYNCDIR.
type FsyncIn struct {
	Fh         uint64
	FsyncFlags uint32
	_          uint32
}

// SetxattrIn is the request payload prefix for SETXATTR; name and value
// follow inline.
type SetxattrIn struct {
	Size  uint32
	Flags uint32
}

// GetxattrIn is the request payload for GETXATTR and LISTXATTR; the xattr
// name (for GETXATTR) follows inline.
type GetxattrIn struct {
	Size uint32
	_    uint32
}

// GetxattrOut is the reply payload for GETXATTR/LISTXATTR when the
// requested size is zero: it reports the size that would be needed.
type GetxattrOut struct {
	Size uint32
	_    uint32
}

// CompatGetxattrOutSize is the wire size of GetxattrOut under protocol
// major 5, which lacks the trailing padding word.
const CompatGetxattrOutSize = 4

// AccessIn is the request payload for ACCESS.
type AccessIn struct {
	Mask uint32
	_    uint32
}

// InitIn is the request payload for INIT.
type InitIn struct {
	Major        uint32
	Minor        uint32
	MaxReadahead uint32
	Flags        uint32
}

// InitOut is the reply payload for INIT.
type InitOut struct {
	Major        uint32
	Minor        uint32
	MaxReadahead uint32
	Flags        uint32
	Unused       uint32
	MaxWrite     uint32
}

// StatfsOut is the reply payload for STATFS.
type StatfsOut struct {
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Bsize   uint32
	Namelen uint32
	Frsize  uint32
	_       uint32
}

// CompatStatfsSize is the wire size of StatfsOut under protocol major 5,
// which lacks the frsize/padding tail.
const CompatStatfsSize = 48

// DirEnt is the fixed-size header of one directory entry record; the name
// bytes and 8-byte alignment padding follow inline.
type DirEnt struct {
	Ino     uint64
	Off     uint64
	NameLen uint32
	Typ     uint32
}

const SizeOfDirEnt = int(unsafe.Sizeof(DirEnt{}))

// init sanity-checks the compat-5 size constants against their modern
// counterparts, the same boot-time assertion the teacher's opcode table
// ran before registering handlers: a compat payload can never be larger
// than the struct it's a prefix-or-subset of.
func init() {
	checks := []struct {
		name         string
		compat, full int
	}{
		{"EntryOut", CompatEntryOutSize, len(marshal(EntryOut{}))},
		{"AttrOut", CompatAttrOutSize, len(marshal(AttrOut{}))},
		{"MknodIn", CompatMknodInSize, int(unsafeSizeof(MknodIn{}))},
		{"OpenOut", CompatOpenOutSize, len(marshal(OpenOut{}))},
		{"WriteIn", CompatWriteInSize, int(unsafeSizeof(WriteIn{}))},
		{"GetxattrOut", CompatGetxattrOutSize, len(marshal(GetxattrOut{}))},
		{"StatfsOut", CompatStatfsSize, len(marshal(StatfsOut{}))},
	}
	for _, c := range checks {
		if c.compat > c.full {
			panic("fuse: compat size constant exceeds modern struct size for " + c.name)
		}
	}
}
