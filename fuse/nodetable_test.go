package fuse

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

func TestNewNodeTableHasRoot(t *testing.T) {
	nt := newNodeTable()
	root := nt.get(RootNodeId)
	if root.Name != "/" || root.Refctr < 1 || root.Nlookup < 1 {
		t.Fatalf("unexpected root node: %s", pretty.Sprint(root))
	}
}

func TestFindOrCreateFreshName(t *testing.T) {
	nt := newNodeTable()
	n, created := nt.findOrCreate(RootNodeId, "hello", 1)
	if !created {
		t.Fatal("expected a fresh node to be created")
	}
	if n.NodeId == 0 || n.NodeId == RootNodeId {
		t.Fatalf("unexpected nodeid %d", n.NodeId)
	}
	if n.Nlookup != 1 || n.Refctr != 1 || n.Parent != RootNodeId {
		t.Fatalf("unexpected fresh node state: %s", pretty.Sprint(n))
	}

	root := nt.get(RootNodeId)
	if root.Refctr != 2 {
		t.Fatalf("expected root refctr bumped to 2, got %d", root.Refctr)
	}

	again, created2 := nt.findOrCreate(RootNodeId, "hello", 2)
	if created2 {
		t.Fatal("expected the second find_or_create to hit the existing node")
	}
	if again.NodeId != n.NodeId || again.Nlookup != 2 {
		t.Fatalf("unexpected refreshed node: %s", pretty.Sprint(again))
	}
}

func TestForgetUnhashesOnZero(t *testing.T) {
	nt := newNodeTable()
	n, _ := nt.findOrCreate(RootNodeId, "x", 1)
	if l := nt.lookup(RootNodeId, "x"); l == nil {
		t.Fatal("expected name-index hit before forget")
	}

	nt.forget(n.NodeId, 1)

	if l := nt.lookup(RootNodeId, "x"); l != nil {
		t.Fatal("node should be unreachable through the name index after nlookup hits zero")
	}
}

func TestRenameHideFailsBusyOnExistingTarget(t *testing.T) {
	nt := newNodeTable()
	nt.findOrCreate(RootNodeId, "src", 1)
	nt.findOrCreate(RootNodeId, "dst", 1)

	err := nt.rename(RootNodeId, "src", RootNodeId, "dst", true)
	if err == nil {
		t.Fatal("expected rename-with-hide to fail when the destination already exists")
	}
}

func TestRenamePlainReplacesTarget(t *testing.T) {
	nt := newNodeTable()
	src, _ := nt.findOrCreate(RootNodeId, "src", 1)
	nt.findOrCreate(RootNodeId, "dst", 1)

	if err := nt.rename(RootNodeId, "src", RootNodeId, "dst", false); err != nil {
		t.Fatalf("unexpected rename error: %v", err)
	}

	got := nt.lookup(RootNodeId, "dst")
	if got == nil || got.NodeId != src.NodeId {
		t.Fatalf("expected dst to now resolve to the renamed source node")
	}
	if nt.lookup(RootNodeId, "src") != nil {
		t.Fatal("expected src to no longer resolve")
	}
}

func TestPathOfWalksToRoot(t *testing.T) {
	nt := newNodeTable()
	dir, _ := nt.findOrCreate(RootNodeId, "a", 1)
	nt.findOrCreate(dir.NodeId, "b", 1)

	path, ok := nt.pathOf(dir.NodeId, "b")
	if !ok || path != "/a/b" {
		t.Fatalf("expected /a/b, got %q ok=%v", path, ok)
	}

	rootPath, ok := nt.pathOf(RootNodeId, "")
	if !ok || rootPath != "/" {
		t.Fatalf("expected / for detached leaf-less root, got %q", rootPath)
	}
}

func TestNextIdSkipsExistingAndWrapsGeneration(t *testing.T) {
	nt := newNodeTable()
	nt.ctr = ^uint64(0) - 1 // force ctr to 2^64-2

	n1, _ := nt.findOrCreate(RootNodeId, "first", 1)
	if n1.NodeId != ^uint64(0) {
		t.Fatalf("expected first nodeid to be 2^64-1, got %d", n1.NodeId)
	}
	genAfterFirst := nt.generation

	n2, _ := nt.findOrCreate(RootNodeId, "second", 1)
	if nt.generation != genAfterFirst+1 {
		t.Fatalf("expected generation to increment once on wrap, got %d -> %d", genAfterFirst, nt.generation)
	}
	if n2.NodeId == 0 || n2.NodeId == RootNodeId {
		t.Fatalf("expected second nodeid to skip 0 and the root id, got %d", n2.NodeId)
	}
}

func TestHiddenNameAvoidsCollisionAndProbe(t *testing.T) {
	nt := newNodeTable()
	probeCalls := 0
	probe := func(parent uint64, name string) bool {
		probeCalls++
		return probeCalls == 1 // first candidate collides on the backing fs
	}

	name, err := nt.hiddenName(RootNodeId, probe)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(name) == 0 {
		t.Fatal("expected a non-empty hidden name")
	}
	if probeCalls < 2 {
		t.Fatalf("expected at least 2 probe calls after a collision, got %d", probeCalls)
	}
}
