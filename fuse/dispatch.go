package fuse

import (
	"encoding/binary"
	"strings"
	"syscall"
)

// accessGateExempt lists the opcodes that legitimately occur on an already-
// validated handle and so bypass the allow_root owner-or-root check.
var accessGateExempt = map[Opcode]bool{
	_OP_READ:       true,
	_OP_WRITE:      true,
	_OP_FSYNC:      true,
	_OP_RELEASE:    true,
	_OP_READDIR:    true,
	_OP_FSYNCDIR:   true,
	_OP_RELEASEDIR: true,
	_OP_INIT:       true,
}

func (s *Server) accessGate(hdr *InHeader) Errno {
	if !s.opts.AllowRoot || accessGateExempt[hdr.Opcode] {
		return OK
	}
	if hdr.Uid == s.ownerUid || hdr.Uid == 0 {
		return OK
	}
	return Errno(-int32(syscall.EACCES))
}

// reply builds the fixed OutHeader + optional payload wire reply. A nonzero
// errno forces an empty payload, per the reply-format contract.
func reply(unique uint64, errno Errno, payload []byte) []byte {
	if !errno.Ok() {
		payload = nil
	}
	if errno < -1000 || errno > 0 {
		Log.Printf("fuse: errno %d out of range, forcing ERANGE", errno)
		errno = Errno(-int32(syscall.ERANGE))
	}
	out := OutHeader{
		Length: uint32(SizeOfOutHeader + len(payload)),
		Error:  int32(errno),
		Unique: unique,
	}
	buf := marshal(out)
	return append(buf, payload...)
}

func cString(b []byte) string {
	if i := indexZero(b); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// dispatch routes one already-framed request (header parsed, body is
// everything after the fixed InHeader) to its handler and returns the
// complete wire reply, ready to write to the device. FORGET never reaches
// here: the message loop intercepts it inline.
func (s *Server) dispatch(hdr InHeader, body []byte) ([]byte, *Context) {
	if s.opts.Debug {
		Log.Printf("fuse: -> %v unique=%d nodeid=%d len=%d", hdr.Opcode, hdr.Unique, hdr.NodeId, len(body))
	}
	if errno := s.accessGate(&hdr); !errno.Ok() {
		return reply(hdr.Unique, errno, nil), nil
	}

	ctx := &Context{InHeader: hdr, FsInit: s.fsInit}

	var payload []byte
	var errno Errno

	withContext(ctx, func() {
		switch hdr.Opcode {
		case _OP_INIT:
			payload, errno = s.handleInit(ctx, body)
		case _OP_LOOKUP:
			payload, errno = s.handleLookup(ctx, body)
		case _OP_GETATTR:
			payload, errno = s.handleGetattr(ctx)
		case _OP_SETATTR:
			payload, errno = s.handleSetattr(ctx, body)
		case _OP_READLINK:
			payload, errno = s.handleReadlink(ctx)
		case _OP_MKNOD:
			payload, errno = s.handleMknod(ctx, body)
		case _OP_MKDIR:
			payload, errno = s.handleMkdir(ctx, body)
		case _OP_UNLINK:
			errno = s.handleUnlink(ctx, body)
		case _OP_RMDIR:
			errno = s.handleRmdir(ctx, body)
		case _OP_SYMLINK:
			payload, errno = s.handleSymlink(ctx, body)
		case _OP_RENAME:
			errno = s.handleRename(ctx, body)
		case _OP_LINK:
			payload, errno = s.handleLink(ctx, body)
		case _OP_OPEN:
			payload, errno = s.handleOpen(ctx, body)
		case _OP_READ:
			payload, errno = s.handleRead(ctx, body)
		case _OP_WRITE:
			payload, errno = s.handleWrite(ctx, body)
		case _OP_STATFS:
			payload, errno = s.handleStatfs(ctx)
		case _OP_RELEASE:
			errno = s.handleRelease(ctx, body)
		case _OP_FSYNC:
			errno = s.handleFsync(ctx, body)
		case _OP_FLUSH:
			errno = s.handleFlush(ctx, body)
		case _OP_SETXATTR:
			errno = s.handleSetxattr(ctx, body)
		case _OP_GETXATTR:
			payload, errno = s.handleGetxattr(ctx, body)
		case _OP_LISTXATTR:
			payload, errno = s.handleListxattr(ctx, body)
		case _OP_REMOVEXATTR:
			errno = s.handleRemovexattr(ctx, body)
		case _OP_OPENDIR:
			payload, errno = s.handleOpendir(ctx, body)
		case _OP_READDIR:
			payload, errno = s.handleReaddir(ctx, body)
		case _OP_RELEASEDIR:
			errno = s.handleReleasedir(ctx, body)
		case _OP_FSYNCDIR:
			errno = s.handleFsyncdir(ctx, body)
		case _OP_ACCESS:
			errno = s.handleAccess(ctx, body)
		case _OP_CREATE:
			payload, errno = s.handleCreate(ctx, body)
		case _OP_DESTROY:
			if s.ops.Destroy != nil {
				s.ops.Destroy(s.fsInit)
			}
		default:
			errno = Errno(-int32(syscall.ENOSYS))
		}
	})

	if s.opts.Debug {
		Log.Printf("fuse: <- %v unique=%d errno=%v", hdr.Opcode, hdr.Unique, errno)
	}
	return reply(hdr.Unique, errno, payload), ctx
}

// resolvePath reconstructs the path for hdr.NodeId under the tree read
// lock, releasing it before returning. Per the dispatcher skeleton, the
// lock brackets path reconstruction plus the user callback, not the
// node-directory update that may follow.
func (s *Server) resolvePath(nodeid uint64) (string, bool) {
	s.treeLock.RLock()
	defer s.treeLock.RUnlock()
	return s.nodes.pathOf(nodeid, "")
}

func (s *Server) getattrEntry(nodeid uint64, path string) (Attr, Errno) {
	if s.ops.Getattr == nil {
		return Attr{}, Errno(-int32(syscall.ENOSYS))
	}
	a, errno := s.ops.Getattr(path)
	if !errno.Ok() {
		return Attr{}, errno
	}
	attr := *a
	if !s.opts.UseIno {
		attr.Ino = nodeid
	}
	if s.opts.Debug {
		Log.Printf("fuse: attr %s mode=%s size=%d", path, FileMode(attr.Mode).String(), attr.Size)
	}
	return attr, OK
}

// commitLookup implements the "LOOKUP, MKNOD, MKDIR, SYMLINK, LINK"
// post-callback sequence: find_or_create + getattr, building an EntryOut.
// It records the node in ctx.rollbackNodeId so the message loop can undo
// the nlookup bump if the reply write later fails with ENOENT.
func (s *Server) commitLookup(ctx *Context, parent uint64, name string, unique uint64) (EntryOut, *Node, Errno) {
	path, ok := s.nodes.pathOf(parent, name)
	if !ok {
		return EntryOut{}, nil, Errno(-int32(syscall.ENAMETOOLONG))
	}
	attr, errno := s.getattrEntry(0, path)
	if !errno.Ok() {
		return EntryOut{}, nil, errno
	}
	n, _ := s.nodes.findOrCreate(parent, name, unique)
	if !s.opts.UseIno {
		attr.Ino = n.NodeId
	}
	ctx.rollbackNodeId = n.NodeId
	return EntryOut{
		NodeId:     n.NodeId,
		Generation: n.Generation,
		EntryValid: 1,
		AttrValid:  1,
		Attr:       attr,
	}, n, OK
}

func (s *Server) handleInit(ctx *Context, body []byte) ([]byte, Errno) {
	var in InitIn
	if err := unmarshal(body, &in); err != nil {
		return nil, Errno(-int32(syscall.EIO))
	}
	major := in.Major
	minor := in.Minor
	if major < protoCompat5 {
		return nil, Errno(-int32(syscall.EPROTO))
	}
	if major > protoModern {
		major = protoModern
		minor = 0
	}
	if major <= wireModernMajor {
		// The legacy majors (5 and 6) always negotiate minor=1; the core
		// dictates this regardless of what the kernel requested.
		minor = protoMinor
	}
	s.protoMajor = major
	s.protoMinor = minor

	if s.ops.Init != nil {
		s.fsInit = s.ops.Init(&ConnInfo{ProtoMajor: major, ProtoMinor: minor})
	}

	out := InitOut{
		Major:        major,
		Minor:        minor,
		MaxReadahead: in.MaxReadahead,
		MaxWrite:     1 << 20,
	}
	return marshal(out), OK
}

// entryReply encodes an EntryOut reply in the layout the negotiated
// protocol generation expects; every LOOKUP/MKNOD/MKDIR/SYMLINK/LINK/CREATE
// handler funnels its successful reply through this one place so the
// compat-5 layout can never be forgotten on one code path and applied on
// another.
func (s *Server) entryReply(entry EntryOut) []byte {
	if s.protoMajor < wireModernMajor {
		return compatEntryOut(entry)
	}
	return marshal(entry)
}

func (s *Server) handleLookup(ctx *Context, body []byte) ([]byte, Errno) {
	name := cString(body)
	s.treeLock.RLock()
	entry, _, errno := s.commitLookup(ctx, ctx.NodeId, name, ctx.Unique)
	s.treeLock.RUnlock()
	if !errno.Ok() {
		return nil, errno
	}
	return s.entryReply(entry), OK
}

func (s *Server) handleGetattr(ctx *Context) ([]byte, Errno) {
	path, ok := s.resolvePath(ctx.NodeId)
	if !ok {
		return nil, Errno(-int32(syscall.ENOENT))
	}
	attr, errno := s.getattrEntry(ctx.NodeId, path)
	if !errno.Ok() {
		return nil, errno
	}
	out := AttrOut{AttrValid: 1, Attr: attr}
	if s.protoMajor < wireModernMajor {
		return compatAttrOut(out), OK
	}
	return marshal(out), OK
}

func (s *Server) handleSetattr(ctx *Context, body []byte) ([]byte, Errno) {
	var in SetattrIn
	if err := unmarshal(body, &in); err != nil {
		return nil, Errno(-int32(syscall.EIO))
	}
	path, ok := s.resolvePath(ctx.NodeId)
	if !ok {
		return nil, Errno(-int32(syscall.ENOENT))
	}

	if in.Valid&FATTR_MODE != 0 && s.ops.Chmod != nil {
		if errno := s.ops.Chmod(path, in.Mode); !errno.Ok() {
			return nil, errno
		}
	}
	if in.Valid&(FATTR_UID|FATTR_GID) != 0 && s.ops.Chown != nil {
		if errno := s.ops.Chown(path, in.Uid, in.Gid); !errno.Ok() {
			return nil, errno
		}
	}
	if in.Valid&FATTR_SIZE != 0 && s.ops.Truncate != nil {
		if errno := s.ops.Truncate(path, in.Size); !errno.Ok() {
			return nil, errno
		}
	}
	if in.Valid&(FATTR_ATIME|FATTR_MTIME) != 0 && s.ops.Utime != nil {
		reqTimes := Attr{Atime: in.Atime, Atimensec: in.Atimensec, Mtime: in.Mtime, Mtimensec: in.Mtimensec}
		if errno := s.ops.Utime(path, reqTimes.AccessTime(), reqTimes.ModTime()); !errno.Ok() {
			return nil, errno
		}
	}

	attr, errno := s.getattrEntry(ctx.NodeId, path)
	if !errno.Ok() {
		return nil, errno
	}
	out := AttrOut{AttrValid: 1, Attr: attr}
	if s.protoMajor < wireModernMajor {
		return compatAttrOut(out), OK
	}
	return marshal(out), OK
}

func (s *Server) handleReadlink(ctx *Context) ([]byte, Errno) {
	path, ok := s.resolvePath(ctx.NodeId)
	if !ok {
		return nil, Errno(-int32(syscall.ENOENT))
	}
	if s.ops.Readlink == nil {
		return nil, Errno(-int32(syscall.ENOSYS))
	}
	target, errno := s.ops.Readlink(path)
	if !errno.Ok() {
		return nil, errno
	}
	return []byte(target), OK
}

func (s *Server) handleMknod(ctx *Context, body []byte) ([]byte, Errno) {
	var in MknodIn
	var hdrSize int
	if s.protoMajor >= wireModernMajor {
		hdrSize = int(unsafeSizeof(in))
		if len(body) < hdrSize {
			return nil, Errno(-int32(syscall.EIO))
		}
		if err := unmarshal(body[:hdrSize], &in); err != nil {
			return nil, Errno(-int32(syscall.EIO))
		}
	} else {
		hdrSize = CompatMknodInSize
		if len(body) < hdrSize {
			return nil, Errno(-int32(syscall.EIO))
		}
		in.Mode = binary.LittleEndian.Uint32(body[0:4])
		in.Rdev = binary.LittleEndian.Uint32(body[4:8])
	}
	name := cString(body[hdrSize:])

	if s.ops.Mknod == nil {
		return nil, Errno(-int32(syscall.ENOSYS))
	}
	s.treeLock.RLock()
	defer s.treeLock.RUnlock()
	path, ok := s.nodes.pathOf(ctx.NodeId, name)
	if !ok {
		return nil, Errno(-int32(syscall.ENAMETOOLONG))
	}
	if errno := s.ops.Mknod(path, in.Mode, in.Rdev); !errno.Ok() {
		return nil, errno
	}
	entry, _, errno := s.commitLookup(ctx, ctx.NodeId, name, ctx.Unique)
	if !errno.Ok() {
		return nil, errno
	}
	return s.entryReply(entry), OK
}

func (s *Server) handleMkdir(ctx *Context, body []byte) ([]byte, Errno) {
	var in MkdirIn
	sz := int(unsafeSizeof(in))
	if len(body) < sz {
		return nil, Errno(-int32(syscall.EIO))
	}
	if err := unmarshal(body[:sz], &in); err != nil {
		return nil, Errno(-int32(syscall.EIO))
	}
	name := cString(body[sz:])

	if s.ops.Mkdir == nil {
		return nil, Errno(-int32(syscall.ENOSYS))
	}
	s.treeLock.RLock()
	defer s.treeLock.RUnlock()
	path, ok := s.nodes.pathOf(ctx.NodeId, name)
	if !ok {
		return nil, Errno(-int32(syscall.ENAMETOOLONG))
	}
	if errno := s.ops.Mkdir(path, in.Mode); !errno.Ok() {
		return nil, errno
	}
	entry, _, errno := s.commitLookup(ctx, ctx.NodeId, name, ctx.Unique)
	if !errno.Ok() {
		return nil, errno
	}
	return s.entryReply(entry), OK
}

// isOpen reports whether any live node at (parent,name) currently has
// open_count > 0.
func (s *Server) isOpen(parent uint64, name string) (*Node, bool) {
	n := s.nodes.lookup(parent, name)
	if n == nil {
		return nil, false
	}
	return n, n.OpenCount > 0
}

func (s *Server) handleUnlink(ctx *Context, body []byte) Errno {
	name := cString(body)
	s.treeLock.Lock()
	defer s.treeLock.Unlock()

	path, ok := s.nodes.pathOf(ctx.NodeId, name)
	if !ok {
		return Errno(-int32(syscall.ENAMETOOLONG))
	}

	if _, open := s.isOpen(ctx.NodeId, name); open && !s.opts.HardRemove {
		hidden, err := s.nodes.hiddenName(ctx.NodeId, s.probeExists)
		if err != nil {
			return Errno(-int32(syscall.EBUSY))
		}
		hiddenPath, ok := s.nodes.pathOf(ctx.NodeId, hidden)
		if !ok {
			return Errno(-int32(syscall.ENAMETOOLONG))
		}
		if s.ops.Rename == nil {
			return Errno(-int32(syscall.ENOSYS))
		}
		if errno := s.ops.Rename(path, hiddenPath); !errno.Ok() {
			return errno
		}
		if err := s.nodes.rename(ctx.NodeId, name, ctx.NodeId, hidden, true); err != nil {
			return Errno(-int32(syscall.EBUSY))
		}
		return OK
	}

	if s.ops.Unlink == nil {
		return Errno(-int32(syscall.ENOSYS))
	}
	if errno := s.ops.Unlink(path); !errno.Ok() {
		return errno
	}
	s.nodes.remove(ctx.NodeId, name)
	return OK
}

func (s *Server) handleRmdir(ctx *Context, body []byte) Errno {
	name := cString(body)
	s.treeLock.Lock()
	defer s.treeLock.Unlock()
	path, ok := s.nodes.pathOf(ctx.NodeId, name)
	if !ok {
		return Errno(-int32(syscall.ENAMETOOLONG))
	}
	if s.ops.Rmdir == nil {
		return Errno(-int32(syscall.ENOSYS))
	}
	if errno := s.ops.Rmdir(path); !errno.Ok() {
		return errno
	}
	s.nodes.remove(ctx.NodeId, name)
	return OK
}

func (s *Server) handleSymlink(ctx *Context, body []byte) ([]byte, Errno) {
	parts := splitTwoCStrings(body)
	if len(parts) != 2 {
		return nil, Errno(-int32(syscall.EIO))
	}
	name, target := parts[0], parts[1]

	if s.ops.Symlink == nil {
		return nil, Errno(-int32(syscall.ENOSYS))
	}
	s.treeLock.RLock()
	defer s.treeLock.RUnlock()
	linkpath, ok := s.nodes.pathOf(ctx.NodeId, name)
	if !ok {
		return nil, Errno(-int32(syscall.ENAMETOOLONG))
	}
	if errno := s.ops.Symlink(target, linkpath); !errno.Ok() {
		return nil, errno
	}
	entry, _, errno := s.commitLookup(ctx, ctx.NodeId, name, ctx.Unique)
	if !errno.Ok() {
		return nil, errno
	}
	return s.entryReply(entry), OK
}

func (s *Server) handleRename(ctx *Context, body []byte) Errno {
	var in RenameIn
	sz := int(unsafeSizeof(in))
	if len(body) < sz {
		return Errno(-int32(syscall.EIO))
	}
	if err := unmarshal(body[:sz], &in); err != nil {
		return Errno(-int32(syscall.EIO))
	}
	rest := body[sz:]
	parts := splitTwoCStrings(rest)
	if len(parts) != 2 {
		return Errno(-int32(syscall.EIO))
	}
	oldName, newName := parts[0], parts[1]

	s.treeLock.Lock()
	defer s.treeLock.Unlock()

	oldPath, ok := s.nodes.pathOf(ctx.NodeId, oldName)
	if !ok {
		return Errno(-int32(syscall.ENAMETOOLONG))
	}
	newPath, ok := s.nodes.pathOf(in.Newdir, newName)
	if !ok {
		return Errno(-int32(syscall.ENAMETOOLONG))
	}

	if _, open := s.isOpen(in.Newdir, newName); open && !s.opts.HardRemove {
		hidden, err := s.nodes.hiddenName(in.Newdir, s.probeExists)
		if err != nil {
			return Errno(-int32(syscall.EBUSY))
		}
		hiddenPath, ok := s.nodes.pathOf(in.Newdir, hidden)
		if !ok {
			return Errno(-int32(syscall.ENAMETOOLONG))
		}
		if s.ops.Rename == nil {
			return Errno(-int32(syscall.ENOSYS))
		}
		if errno := s.ops.Rename(newPath, hiddenPath); !errno.Ok() {
			return errno
		}
		if err := s.nodes.rename(in.Newdir, newName, in.Newdir, hidden, true); err != nil {
			return Errno(-int32(syscall.EBUSY))
		}
	}

	if s.ops.Rename == nil {
		return Errno(-int32(syscall.ENOSYS))
	}
	if errno := s.ops.Rename(oldPath, newPath); !errno.Ok() {
		return errno
	}
	if err := s.nodes.rename(ctx.NodeId, oldName, in.Newdir, newName, false); err != nil {
		return Errno(-int32(syscall.EBUSY))
	}
	return OK
}

func (s *Server) handleLink(ctx *Context, body []byte) ([]byte, Errno) {
	var in LinkIn
	sz := int(unsafeSizeof(in))
	if len(body) < sz {
		return nil, Errno(-int32(syscall.EIO))
	}
	if err := unmarshal(body[:sz], &in); err != nil {
		return nil, Errno(-int32(syscall.EIO))
	}
	name := cString(body[sz:])

	if s.ops.Link == nil {
		return nil, Errno(-int32(syscall.ENOSYS))
	}
	s.treeLock.RLock()
	defer s.treeLock.RUnlock()
	oldPath, ok := s.resolvePathLocked(in.Oldnodeid)
	if !ok {
		return nil, Errno(-int32(syscall.ENOENT))
	}
	newPath, ok := s.nodes.pathOf(ctx.NodeId, name)
	if !ok {
		return nil, Errno(-int32(syscall.ENAMETOOLONG))
	}
	if errno := s.ops.Link(oldPath, newPath); !errno.Ok() {
		return nil, errno
	}
	entry, _, errno := s.commitLookup(ctx, ctx.NodeId, name, ctx.Unique)
	if !errno.Ok() {
		return nil, errno
	}
	return s.entryReply(entry), OK
}

// resolvePathLocked reconstructs a path assuming the caller already holds
// the tree lock (read or write), avoiding a nested RLock.
func (s *Server) resolvePathLocked(nodeid uint64) (string, bool) {
	return s.nodes.pathOf(nodeid, "")
}

func (s *Server) handleOpen(ctx *Context, body []byte) ([]byte, Errno) {
	var in OpenIn
	if err := unmarshal(body, &in); err != nil {
		return nil, Errno(-int32(syscall.EIO))
	}
	path, ok := s.resolvePath(ctx.NodeId)
	if !ok {
		return nil, Errno(-int32(syscall.ENOENT))
	}
	fi := &FileInfo{Flags: in.Flags}
	if s.ops.Open != nil {
		if errno := s.ops.Open(path, fi); !errno.Ok() {
			return nil, errno
		}
	}
	n := s.nodes.get(ctx.NodeId)
	s.nodes.mu.Lock()
	n.OpenCount++
	s.nodes.mu.Unlock()

	out := OpenOut{Fh: fi.Fh}
	if s.protoMajor < wireModernMajor {
		return marshal(out)[:CompatOpenOutSize], OK
	}
	return marshal(out), OK
}

func (s *Server) handleRead(ctx *Context, body []byte) ([]byte, Errno) {
	var in ReadIn
	if err := unmarshal(body, &in); err != nil {
		return nil, Errno(-int32(syscall.EIO))
	}
	path, ok := s.resolvePath(ctx.NodeId)
	if !ok {
		return nil, Errno(-int32(syscall.ENOENT))
	}
	if s.ops.Read == nil {
		return nil, Errno(-int32(syscall.ENOSYS))
	}
	buf := s.bufPool.AllocBuffer(in.Size)
	defer s.bufPool.FreeBuffer(buf)
	fi := &FileInfo{Fh: in.Fh}
	n, errno := s.ops.Read(path, buf, int64(in.Offset), fi)
	if !errno.Ok() {
		return nil, errno
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, OK
}

func (s *Server) handleWrite(ctx *Context, body []byte) ([]byte, Errno) {
	var in WriteIn
	var hdrSize int
	if s.protoMajor >= wireModernMajor {
		hdrSize = int(unsafeSizeof(in))
		if len(body) < hdrSize {
			return nil, Errno(-int32(syscall.EIO))
		}
		if err := unmarshal(body[:hdrSize], &in); err != nil {
			return nil, Errno(-int32(syscall.EIO))
		}
	} else {
		hdrSize = CompatWriteInSize
		if len(body) < hdrSize {
			return nil, Errno(-int32(syscall.EIO))
		}
		in.Fh = binary.LittleEndian.Uint64(body[0:8])
		in.Offset = binary.LittleEndian.Uint64(body[8:16])
		in.Size = binary.LittleEndian.Uint32(body[16:20])
		in.WriteFlags = binary.LittleEndian.Uint32(body[20:24])
	}
	data := body[hdrSize:]

	path, ok := s.resolvePath(ctx.NodeId)
	if !ok {
		return nil, Errno(-int32(syscall.ENOENT))
	}
	if s.ops.Write == nil {
		return nil, Errno(-int32(syscall.ENOSYS))
	}
	fi := &FileInfo{Fh: in.Fh, WriteFlags: in.WriteFlags}
	n, errno := s.ops.Write(path, data, int64(in.Offset), fi)
	if !errno.Ok() {
		return nil, errno
	}
	return marshal(WriteOut{Size: uint32(n)}), OK
}

func (s *Server) handleStatfs(ctx *Context) ([]byte, Errno) {
	var out StatfsOut
	if s.ops.Statfs != nil {
		path, ok := s.resolvePath(ctx.NodeId)
		if !ok {
			return nil, Errno(-int32(syscall.ENOENT))
		}
		got, errno := s.ops.Statfs(path)
		if !errno.Ok() {
			return nil, errno
		}
		out = *got
	} else {
		out = StatfsOut{Namelen: 255, Bsize: 512}
	}
	if s.protoMajor < wireModernMajor {
		return marshal(out)[:CompatStatfsSize], OK
	}
	return marshal(out), OK
}

func (s *Server) handleRelease(ctx *Context, body []byte) Errno {
	var in ReleaseIn
	if err := unmarshal(body, &in); err != nil {
		return Errno(-int32(syscall.EIO))
	}

	s.treeLock.Lock()
	defer s.treeLock.Unlock()

	n := s.nodes.get(ctx.NodeId)
	path, ok := s.nodes.pathOf(ctx.NodeId, "")
	if !ok {
		return Errno(-int32(syscall.ENAMETOOLONG))
	}

	fi := &FileInfo{Fh: in.Fh, Flags: in.Flags}
	var errno Errno = OK
	if s.ops.Release != nil {
		errno = s.ops.Release(path, fi)
	}

	s.nodes.mu.Lock()
	n.OpenCount--
	hidden := n.IsHidden && n.OpenCount == 0
	s.nodes.mu.Unlock()

	if hidden && s.ops.Unlink != nil {
		s.ops.Unlink(path)
	}
	return errno
}

func (s *Server) handleFsync(ctx *Context, body []byte) Errno {
	var in FsyncIn
	if err := unmarshal(body, &in); err != nil {
		return Errno(-int32(syscall.EIO))
	}
	path, ok := s.resolvePath(ctx.NodeId)
	if !ok {
		return Errno(-int32(syscall.ENOENT))
	}
	if s.ops.Fsync == nil {
		return Errno(-int32(syscall.ENOSYS))
	}
	return s.ops.Fsync(path, in.FsyncFlags&1 != 0, &FileInfo{Fh: in.Fh})
}

func (s *Server) handleFlush(ctx *Context, body []byte) Errno {
	var in FlushIn
	if err := unmarshal(body, &in); err != nil {
		return Errno(-int32(syscall.EIO))
	}
	path, ok := s.resolvePath(ctx.NodeId)
	if !ok {
		return Errno(-int32(syscall.ENOENT))
	}
	if s.ops.Flush == nil {
		return Errno(-int32(syscall.ENOSYS))
	}
	return s.ops.Flush(path, &FileInfo{Fh: in.Fh})
}

func (s *Server) handleSetxattr(ctx *Context, body []byte) Errno {
	var in SetxattrIn
	sz := int(unsafeSizeof(in))
	if len(body) < sz {
		return Errno(-int32(syscall.EIO))
	}
	if err := unmarshal(body[:sz], &in); err != nil {
		return Errno(-int32(syscall.EIO))
	}
	rest := body[sz:]
	i := indexZero(rest)
	if i < 0 {
		return Errno(-int32(syscall.EIO))
	}
	name := string(rest[:i])
	value := rest[i+1:]
	if uint32(len(value)) > in.Size {
		value = value[:in.Size]
	}

	path, ok := s.resolvePath(ctx.NodeId)
	if !ok {
		return Errno(-int32(syscall.ENOENT))
	}
	if s.ops.Setxattr == nil {
		return Errno(-int32(syscall.ENOSYS))
	}
	return s.ops.Setxattr(path, name, value, int(in.Flags))
}

func (s *Server) handleGetxattr(ctx *Context, body []byte) ([]byte, Errno) {
	var in GetxattrIn
	sz := int(unsafeSizeof(in))
	if len(body) < sz {
		return nil, Errno(-int32(syscall.EIO))
	}
	if err := unmarshal(body[:sz], &in); err != nil {
		return nil, Errno(-int32(syscall.EIO))
	}
	name := cString(body[sz:])

	path, ok := s.resolvePath(ctx.NodeId)
	if !ok {
		return nil, Errno(-int32(syscall.ENOENT))
	}
	if s.ops.Getxattr == nil {
		return nil, Errno(-int32(syscall.ENOSYS))
	}
	data, errno := s.ops.Getxattr(path, name)
	if !errno.Ok() {
		return nil, errno
	}
	if in.Size == 0 {
		out := GetxattrOut{Size: uint32(len(data))}
		if s.protoMajor < wireModernMajor {
			return marshal(out)[:CompatGetxattrOutSize], OK
		}
		return marshal(out), OK
	}
	if uint32(len(data)) > in.Size {
		return nil, Errno(-int32(syscall.ERANGE))
	}
	return data, OK
}

func (s *Server) handleListxattr(ctx *Context, body []byte) ([]byte, Errno) {
	var in GetxattrIn
	sz := int(unsafeSizeof(in))
	if len(body) < sz {
		return nil, Errno(-int32(syscall.EIO))
	}
	if err := unmarshal(body[:sz], &in); err != nil {
		return nil, Errno(-int32(syscall.EIO))
	}

	path, ok := s.resolvePath(ctx.NodeId)
	if !ok {
		return nil, Errno(-int32(syscall.ENOENT))
	}
	if s.ops.Listxattr == nil {
		return nil, Errno(-int32(syscall.ENOSYS))
	}
	names, errno := s.ops.Listxattr(path)
	if !errno.Ok() {
		return nil, errno
	}
	data := []byte(strings.Join(names, "\x00"))
	if len(names) > 0 {
		data = append(data, 0)
	}
	if in.Size == 0 {
		out := GetxattrOut{Size: uint32(len(data))}
		if s.protoMajor < wireModernMajor {
			return marshal(out)[:CompatGetxattrOutSize], OK
		}
		return marshal(out), OK
	}
	if uint32(len(data)) > in.Size {
		return nil, Errno(-int32(syscall.ERANGE))
	}
	return data, OK
}

func (s *Server) handleRemovexattr(ctx *Context, body []byte) Errno {
	name := cString(body)
	path, ok := s.resolvePath(ctx.NodeId)
	if !ok {
		return Errno(-int32(syscall.ENOENT))
	}
	if s.ops.Removexattr == nil {
		return Errno(-int32(syscall.ENOSYS))
	}
	return s.ops.Removexattr(path, name)
}

func (s *Server) handleAccess(ctx *Context, body []byte) Errno {
	var in AccessIn
	if err := unmarshal(body, &in); err != nil {
		return Errno(-int32(syscall.EIO))
	}
	path, ok := s.resolvePath(ctx.NodeId)
	if !ok {
		return Errno(-int32(syscall.ENOENT))
	}
	if s.ops.Access == nil {
		return Errno(-int32(syscall.ENOSYS))
	}
	return s.ops.Access(path, in.Mask)
}

func (s *Server) handleCreate(ctx *Context, body []byte) ([]byte, Errno) {
	sz := int(unsafeSizeof(MknodIn{}))
	if len(body) < sz {
		return nil, Errno(-int32(syscall.EIO))
	}
	var mknodIn MknodIn
	if err := unmarshal(body[:sz], &mknodIn); err != nil {
		return nil, Errno(-int32(syscall.EIO))
	}
	name := cString(body[sz:])

	if s.ops.Create == nil {
		return nil, Errno(-int32(syscall.ENOSYS))
	}
	s.treeLock.RLock()
	defer s.treeLock.RUnlock()
	path, ok := s.nodes.pathOf(ctx.NodeId, name)
	if !ok {
		return nil, Errno(-int32(syscall.ENAMETOOLONG))
	}
	fi := &FileInfo{}
	if errno := s.ops.Create(path, mknodIn.Mode, fi); !errno.Ok() {
		return nil, errno
	}
	entry, n, errno := s.commitLookup(ctx, ctx.NodeId, name, ctx.Unique)
	if !errno.Ok() {
		return nil, errno
	}
	s.nodes.mu.Lock()
	n.OpenCount++
	s.nodes.mu.Unlock()

	openOut := marshal(OpenOut{Fh: fi.Fh})
	if s.protoMajor < wireModernMajor {
		openOut = openOut[:CompatOpenOutSize]
	}
	return append(s.entryReply(entry), openOut...), OK
}

func (s *Server) handleOpendir(ctx *Context, body []byte) ([]byte, Errno) {
	var in OpenIn
	if err := unmarshal(body, &in); err != nil {
		return nil, Errno(-int32(syscall.EIO))
	}
	path, ok := s.resolvePath(ctx.NodeId)
	if !ok {
		return nil, Errno(-int32(syscall.ENOENT))
	}
	fi := &FileInfo{Flags: in.Flags}
	if s.ops.Opendir != nil {
		if errno := s.ops.Opendir(path, fi); !errno.Ok() {
			return nil, errno
		}
	}

	fh := s.allocFh()
	s.dirMu.Lock()
	s.dirs[fh] = newDirStream(fh, s.protoMajor)
	s.dirMu.Unlock()

	out := OpenOut{Fh: fh}
	if s.protoMajor < wireModernMajor {
		return marshal(out)[:CompatOpenOutSize], OK
	}
	return marshal(out), OK
}

func (s *Server) handleReaddir(ctx *Context, body []byte) ([]byte, Errno) {
	var in ReadIn
	if err := unmarshal(body, &in); err != nil {
		return nil, Errno(-int32(syscall.EIO))
	}
	path, ok := s.resolvePath(ctx.NodeId)
	if !ok {
		return nil, Errno(-int32(syscall.ENOENT))
	}

	s.dirMu.Lock()
	ds := s.dirs[in.Fh]
	s.dirMu.Unlock()
	if ds == nil {
		return nil, Errno(-int32(syscall.EBADF))
	}

	if s.ops.Readdir != nil {
		if errno := s.fillDirOnce(ds, path, in.Fh, ctx.NodeId); !errno.Ok() {
			return nil, errno
		}
	}

	data := ds.slice(int(in.Offset), int(in.Size))
	return data, OK
}

// fillDirOnce drains the user's push-style Readdir callback exactly once per
// opendir handle, buffering every entry it reports and then feeding them
// through dirStream.fillUntil one at a time. Readdir is a single full scan
// (the callback returns true to keep receiving entries and the call returns
// once exhausted), so re-running it on every paginated READDIR request would
// both re-scan the backing directory and duplicate entries; started guards
// against that.
func (s *Server) fillDirOnce(ds *dirStream, path string, fh uint64, parent uint64) Errno {
	ds.mu.Lock()
	if ds.started {
		ds.mu.Unlock()
		return OK
	}
	ds.started = true
	ds.mu.Unlock()

	var entries []DirEntry
	nextOff := uint64(0)
	errno := s.ops.Readdir(path, &FileInfo{Fh: fh}, func(e DirEntry) bool {
		if e.Off == 0 {
			nextOff++
			e.Off = nextOff
		}
		if s.opts.ReaddirIno && e.Ino == 0 {
			if n := s.nodes.lookup(parent, e.Name); n != nil {
				e.Ino = n.NodeId
			}
		}
		entries = append(entries, e)
		return true
	})
	if !errno.Ok() {
		return errno
	}

	i := 0
	ds.fillUntil(1<<30, func() (DirEntry, bool) {
		if i >= len(entries) {
			return DirEntry{}, false
		}
		e := entries[i]
		i++
		return e, true
	})
	return OK
}

func (s *Server) handleReleasedir(ctx *Context, body []byte) Errno {
	var in ReleaseIn
	if err := unmarshal(body, &in); err != nil {
		return Errno(-int32(syscall.EIO))
	}
	path, ok := s.resolvePath(ctx.NodeId)
	if !ok {
		return Errno(-int32(syscall.ENOENT))
	}

	s.dirMu.Lock()
	delete(s.dirs, in.Fh)
	s.dirMu.Unlock()

	if s.ops.Releasedir == nil {
		return OK
	}
	return s.ops.Releasedir(path, &FileInfo{Fh: in.Fh})
}

func (s *Server) handleFsyncdir(ctx *Context, body []byte) Errno {
	var in FsyncIn
	if err := unmarshal(body, &in); err != nil {
		return Errno(-int32(syscall.EIO))
	}
	path, ok := s.resolvePath(ctx.NodeId)
	if !ok {
		return Errno(-int32(syscall.ENOENT))
	}
	if s.ops.Fsyncdir == nil {
		return Errno(-int32(syscall.ENOSYS))
	}
	return s.ops.Fsyncdir(path, in.FsyncFlags&1 != 0, &FileInfo{Fh: in.Fh})
}

// probeExists is the backing-filesystem probe hiddenName uses to avoid
// colliding with an on-disk name the node directory doesn't know about.
func (s *Server) probeExists(parent uint64, name string) bool {
	if s.ops.Getattr == nil {
		return false
	}
	path, ok := s.nodes.pathOf(parent, name)
	if !ok {
		return false
	}
	_, errno := s.ops.Getattr(path)
	return errno.Ok()
}

func splitTwoCStrings(b []byte) []string {
	i := indexZero(b)
	if i < 0 {
		return nil
	}
	first := string(b[:i])
	rest := b[i+1:]
	j := indexZero(rest)
	if j < 0 {
		j = len(rest)
	}
	return []string{first, string(rest[:j])}
}
