package fuse

import (
	"syscall"
	"testing"
)

func testServer(ops *Operations, opts *Options) *Server {
	if opts == nil {
		opts = &Options{}
	}
	s := NewServer(ServerConfig{Operations: ops, Options: opts})
	s.protoMajor = protoModern
	return s
}

func TestDispatchLookupFreshName(t *testing.T) {
	ops := &Operations{
		Getattr: func(path string) (*Attr, Errno) {
			if path != "/hello" {
				t.Fatalf("unexpected getattr path %q", path)
			}
			return &Attr{Mode: 0100644, Size: 5}, OK
		},
	}
	s := testServer(ops, nil)

	hdr := InHeader{Opcode: _OP_LOOKUP, NodeId: RootNodeId, Unique: 42}
	body := append([]byte("hello"), 0)

	out, ctx := s.dispatch(hdr, body)
	if len(out) < SizeOfOutHeader {
		t.Fatalf("reply too short: %d bytes", len(out))
	}

	var oh OutHeader
	if err := unmarshal(out[:SizeOfOutHeader], &oh); err != nil {
		t.Fatalf("unmarshal OutHeader: %v", err)
	}
	if oh.Error != 0 {
		t.Fatalf("expected success, got errno %d", oh.Error)
	}

	var entry EntryOut
	if err := unmarshal(out[SizeOfOutHeader:], &entry); err != nil {
		t.Fatalf("unmarshal EntryOut: %v", err)
	}
	if entry.NodeId != 2 {
		t.Fatalf("expected nodeid 2 for the first created node, got %d", entry.NodeId)
	}
	if entry.Attr.Ino != entry.NodeId {
		t.Fatalf("expected default policy to substitute nodeid for ino, got %d", entry.Attr.Ino)
	}

	got := s.nodes.get(2)
	if got.Nlookup != 1 || got.Refctr != 1 || got.Parent != RootNodeId || got.Name != "hello" {
		t.Fatalf("unexpected node state after lookup: %+v", got)
	}
	if ctx == nil || ctx.rollbackNodeId != 2 {
		t.Fatalf("expected rollback tracking to point at the new node")
	}
}

func TestDispatchUnlinkWhileOpenHidesByDefault(t *testing.T) {
	var renamedFrom, renamedTo string
	ops := &Operations{
		// Only /hello exists on the backing filesystem, so the hidden-name
		// probe finds its first candidate free.
		Getattr: func(path string) (*Attr, Errno) {
			if path != "/hello" {
				return nil, Errno(-int32(syscall.ENOENT))
			}
			return &Attr{Mode: 0100644}, OK
		},
		Open: func(path string, fi *FileInfo) Errno { return OK },
		Rename: func(oldpath, newpath string) Errno {
			renamedFrom, renamedTo = oldpath, newpath
			return OK
		},
		Unlink: func(path string) Errno {
			t.Fatalf("unlink should not be called while the file is still open")
			return OK
		},
	}
	s := testServer(ops, nil)

	// Create the node and open it.
	_, ctx := s.dispatch(InHeader{Opcode: _OP_LOOKUP, NodeId: RootNodeId, Unique: 1}, append([]byte("hello"), 0))
	nodeid := ctx.rollbackNodeId

	_, _ = s.dispatch(InHeader{Opcode: _OP_OPEN, NodeId: nodeid}, marshal(OpenIn{}))

	_, _ = s.dispatch(InHeader{Opcode: _OP_UNLINK, NodeId: RootNodeId}, append([]byte("hello"), 0))

	if renamedFrom != "/hello" {
		t.Fatalf("expected rename from /hello, got %q", renamedFrom)
	}
	if s.nodes.lookup(RootNodeId, "hello") != nil {
		t.Fatal("expected the original name to no longer resolve")
	}
	n := s.nodes.get(nodeid)
	if !n.IsHidden {
		t.Fatal("expected the node to be marked hidden")
	}
	if n.Name != renamedTo[len("/"):] {
		t.Fatalf("expected node name to match the hidden path, got %q vs %q", n.Name, renamedTo)
	}
}

func TestDispatchUnlinkWhileOpenHardRemove(t *testing.T) {
	unlinked := ""
	ops := &Operations{
		Getattr: func(path string) (*Attr, Errno) { return &Attr{Mode: 0100644}, OK },
		Open:    func(path string, fi *FileInfo) Errno { return OK },
		Unlink: func(path string) Errno {
			unlinked = path
			return OK
		},
	}
	s := testServer(ops, &Options{HardRemove: true})

	_, ctx := s.dispatch(InHeader{Opcode: _OP_LOOKUP, NodeId: RootNodeId, Unique: 1}, append([]byte("hello"), 0))
	nodeid := ctx.rollbackNodeId
	s.dispatch(InHeader{Opcode: _OP_OPEN, NodeId: nodeid}, marshal(OpenIn{}))

	_, _ = s.dispatch(InHeader{Opcode: _OP_UNLINK, NodeId: RootNodeId}, append([]byte("hello"), 0))

	if unlinked != "/hello" {
		t.Fatalf("expected immediate unlink of /hello, got %q", unlinked)
	}
	n := s.nodes.get(nodeid)
	if n.Refctr == 0 {
		t.Fatal("expected the node to persist in the ID index until FORGET")
	}
}

func TestDispatchReaddirServesEachEntryOnce(t *testing.T) {
	readdirCalls := 0
	ops := &Operations{
		Opendir: func(path string, fi *FileInfo) Errno { return OK },
		Readdir: func(path string, fi *FileInfo, fill func(DirEntry) bool) Errno {
			readdirCalls++
			for _, name := range []string{"a", "b", "c"} {
				if !fill(DirEntry{Name: name, Mode: 0040000}) {
					break
				}
			}
			return OK
		},
	}
	s := testServer(ops, nil)

	out, _ := s.dispatch(InHeader{Opcode: _OP_OPENDIR, NodeId: RootNodeId}, marshal(OpenIn{}))
	var oo OpenOut
	unmarshal(out[SizeOfOutHeader:], &oo)

	first, _ := s.dispatch(InHeader{Opcode: _OP_READDIR, NodeId: RootNodeId}, marshal(ReadIn{Fh: oo.Fh, Size: 4096}))
	firstBody := first[SizeOfOutHeader:]
	if len(firstBody) == 0 {
		t.Fatal("expected a non-empty directory listing")
	}

	// A second READDIR at a later offset must not re-invoke Readdir nor
	// duplicate entries into the buffer.
	second, _ := s.dispatch(InHeader{Opcode: _OP_READDIR, NodeId: RootNodeId}, marshal(ReadIn{Fh: oo.Fh, Offset: uint64(len(firstBody)), Size: 4096}))
	if len(second[SizeOfOutHeader:]) != 0 {
		t.Fatalf("expected no remaining entries past the end of the buffer, got %d bytes", len(second[SizeOfOutHeader:]))
	}
	if readdirCalls != 1 {
		t.Fatalf("expected Readdir to be invoked exactly once per handle, got %d", readdirCalls)
	}
}

func TestDispatchInitNegotiatesLesserMajor(t *testing.T) {
	s := testServer(&Operations{}, nil)
	s.protoMajor = 0

	// Minor is deliberately NOT 1 here: a kernel requesting major=5 with
	// some other minor must still be answered with minor=1, since the core
	// dictates it for the legacy majors rather than echoing the request.
	out, _ := s.dispatch(InHeader{Opcode: _OP_INIT}, marshal(InitIn{Major: protoCompat5, Minor: 31}))

	var oh OutHeader
	unmarshal(out[:SizeOfOutHeader], &oh)
	var io InitOut
	unmarshal(out[SizeOfOutHeader:], &io)
	if io.Major != protoCompat5 || io.Minor != 1 {
		t.Fatalf("expected major=5 minor=1 (dictated, not echoed), got %d.%d", io.Major, io.Minor)
	}
	if s.protoMajor != protoCompat5 {
		t.Fatalf("expected negotiated major to be stored as 5, got %d", s.protoMajor)
	}
}

func TestDispatchInitHardcodesMinorForMajor6(t *testing.T) {
	s := testServer(&Operations{}, nil)
	s.protoMajor = 0

	out, _ := s.dispatch(InHeader{Opcode: _OP_INIT}, marshal(InitIn{Major: wireModernMajor, Minor: 31}))
	var io InitOut
	unmarshal(out[SizeOfOutHeader:], &io)
	if io.Major != wireModernMajor || io.Minor != 1 {
		t.Fatalf("expected major=6 minor=1 (dictated, not echoed), got %d.%d", io.Major, io.Minor)
	}
}

func TestDispatchInitEchoesMinorForModernMajor(t *testing.T) {
	s := testServer(&Operations{}, nil)
	s.protoMajor = 0

	out, _ := s.dispatch(InHeader{Opcode: _OP_INIT}, marshal(InitIn{Major: protoModern, Minor: 31}))
	var io InitOut
	unmarshal(out[SizeOfOutHeader:], &io)
	if io.Major != protoModern || io.Minor != 31 {
		t.Fatalf("expected major=7 minor=31 echoed through for the modern major, got %d.%d", io.Major, io.Minor)
	}
}
