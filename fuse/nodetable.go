package fuse

import (
	"fmt"

	"github.com/jacobsa/syncutil"
)

// nameIndexSize is the fixed prime size of the name-index hash table.
const nameIndexSize = 14057

// maxPathLen bounds path_of's scratch buffer, matching the source
// library's fixed-size path reconstruction.
const maxPathLen = 4096

// nodeTable is the arena+ID node directory: two hash maps owning every live
// Node by value, indexed by nodeid and by hash(parent, name). A Node never
// owns its parent; everything is reached back through these maps, which is
// what makes the cyclic parent/child graph of the source representable
// without manual memory management.
type nodeTable struct {
	mu syncutil.InvariantMutex

	byId   map[uint64]*Node // GUARDED_BY(mu)
	byName map[uint64][]*Node // GUARDED_BY(mu); bucketed by hash(parent,name)

	ctr        uint64 // GUARDED_BY(mu); next candidate nodeid
	generation uint64 // GUARDED_BY(mu)
	hideCtr    uint32 // GUARDED_BY(mu); monotonic counter for hidden_name
}

// newNodeTable constructs an empty directory pre-seeded with the root node,
// per invariant 1: exactly one node with nodeid=RootNodeId exists for the
// process lifetime.
func newNodeTable() *nodeTable {
	t := &nodeTable{
		byId:   make(map[uint64]*Node),
		byName: make(map[uint64][]*Node),
		ctr:    RootNodeId,
	}
	root := &Node{
		NodeId:  RootNodeId,
		Parent:  0,
		Name:    "/",
		Refctr:  1,
		Nlookup: 1,
	}
	t.byId[RootNodeId] = root
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return t
}

func nameHash(parent uint64, name string) uint64 {
	h := parent * 1099511628211
	for i := 0; i < len(name); i++ {
		h = (h ^ uint64(name[i])) * 1099511628211
	}
	return h % nameIndexSize
}

func (t *nodeTable) checkInvariants() {
	for id, n := range t.byId {
		if n.attached() && n.NodeId != RootNodeId {
			if _, ok := t.byId[n.Parent]; !ok {
				panic(fmt.Sprintf("node %d attached under missing parent %d", n.NodeId, n.Parent))
			}
		}
		if n.Refctr < 0 {
			panic(fmt.Sprintf("node %d has negative refctr", id))
		}
	}
}

// lookupLocked probes the name index for (parent, name). Caller holds mu.
func (t *nodeTable) lookupLocked(parent uint64, name string) *Node {
	bucket := t.byName[nameHash(parent, name)]
	for _, n := range bucket {
		if n.Parent == parent && n.Name == name {
			return n
		}
	}
	return nil
}

func (t *nodeTable) hashName(n *Node) {
	h := nameHash(n.Parent, n.Name)
	t.byName[h] = append(t.byName[h], n)
}

func (t *nodeTable) unhashName(n *Node) {
	h := nameHash(n.Parent, n.Name)
	bucket := t.byName[h]
	for i, e := range bucket {
		if e == n {
			t.byName[h] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
}

// lookup implements the node directory's lookup(parent, name) operation.
func (t *nodeTable) lookup(parent uint64, name string) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookupLocked(parent, name)
}

// get implements get(nodeid): absence is an internal protocol-state error,
// the kernel guaranteed this id's liveness, so this aborts the process
// rather than returning an error. Do not convert this to a recoverable
// path.
func (t *nodeTable) get(nodeid uint64) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.byId[nodeid]
	if !ok {
		panic(fmt.Sprintf("fuse: nodeid %d referenced by kernel but absent from node directory", nodeid))
	}
	return n
}

// nextIdLocked implements next_id(): skip values already in the ID index,
// bump generation on wrap. Caller holds mu.
func (t *nodeTable) nextIdLocked() uint64 {
	for {
		t.ctr++
		if t.ctr == 0 {
			t.generation++
			continue
		}
		if _, exists := t.byId[t.ctr]; !exists {
			return t.ctr
		}
	}
}

// findOrCreate implements find_or_create(parent, name, attr, version).
func (t *nodeTable) findOrCreate(parent uint64, name string, version uint64) (n *Node, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing := t.lookupLocked(parent, name); existing != nil {
		existing.Nlookup++
		existing.Version = version
		return existing, false
	}

	id := t.nextIdLocked()
	n = &Node{
		NodeId:  id,
		Generation: t.generation,
		Parent:  parent,
		Name:    name,
		Refctr:  1,
		Nlookup: 1,
		Version: version,
	}
	t.byId[id] = n
	t.hashName(n)
	if p, ok := t.byId[parent]; ok {
		p.Refctr++
	}
	return n, true
}

// forget implements forget(nodeid, n): decrement nlookup, unhash from the
// name index on reaching zero, and destroy the node synchronously if that
// also drops refctr to zero.
func (t *nodeTable) forget(nodeid uint64, n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forgetLocked(nodeid, n)
}

func (t *nodeTable) forgetLocked(nodeid uint64, n uint64) {
	node, ok := t.byId[nodeid]
	if !ok {
		// A forget racing a prior forget_old that already destroyed the
		// node is not a protocol violation; the kernel may still have a
		// forget queued for an id it already saw released.
		return
	}
	if n > node.Nlookup {
		panic(fmt.Sprintf("fuse: forget(%d, %d) exceeds outstanding nlookup %d", nodeid, n, node.Nlookup))
	}
	node.Nlookup -= n
	if n > 0 && node.Nlookup == 0 && node.NodeId != RootNodeId {
		if node.attached() {
			t.detachLocked(node)
		}
		node.Refctr--
		if node.Refctr == 0 {
			t.destroyLocked(node)
		}
	}
}

// forgetOld implements the legacy forget_old(nodeid, version) path: only
// forget if the incarnation matches, protecting against an out-of-order
// forget that refers to a prior incarnation of a reused nodeid.
func (t *nodeTable) forgetOld(nodeid uint64, version uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, ok := t.byId[nodeid]
	if !ok || node.Version != version {
		return
	}
	t.forgetLocked(nodeid, 1)
}

// detachLocked unhashes n from the name index and decrements its former
// parent's refctr, destroying the parent if that was its last reference.
// n itself stays in the ID index until forgetLocked drops its own
// reference. Caller holds mu.
func (t *nodeTable) detachLocked(n *Node) {
	if n.NodeId == RootNodeId {
		return
	}
	t.unhashName(n)
	if p, ok := t.byId[n.Parent]; ok {
		p.Refctr--
		if p.Refctr == 0 && !p.attached() {
			t.destroyLocked(p)
		}
	}
	n.Parent = 0
	n.Name = ""
}

func (t *nodeTable) destroyLocked(n *Node) {
	delete(t.byId, n.NodeId)
}

// remove implements remove(parent, name): unhash the named child, used
// after a successful UNLINK or RMDIR reply from the backing filesystem.
func (t *nodeTable) remove(parent uint64, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.lookupLocked(parent, name)
	if n == nil {
		return
	}
	t.detachLocked(n)
}

// errBusy is returned by rename when a hide was requested but the target
// name already exists, and by hiddenName when every candidate collided.
type errBusy struct{}

func (errBusy) Error() string { return "busy" }

// rename implements rename(old_parent, old_name, new_parent, new_name,
// hide): atomic re-index under the mutex. If hide is requested but a
// target already exists at the destination, the rename fails with EBUSY
// rather than silently clobbering it.
func (t *nodeTable) rename(oldParent uint64, oldName string, newParent uint64, newName string, hide bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	src := t.lookupLocked(oldParent, oldName)
	if src == nil {
		return fmt.Errorf("fuse: rename source (%d,%q) not found", oldParent, oldName)
	}

	if target := t.lookupLocked(newParent, newName); target != nil {
		if hide {
			return errBusy{}
		}
		t.detachLocked(target)
	}

	t.unhashName(src)
	if p, ok := t.byId[src.Parent]; ok {
		p.Refctr--
	}
	src.Parent = newParent
	src.Name = newName
	if p, ok := t.byId[newParent]; ok {
		p.Refctr++
	}
	t.hashName(src)
	if hide {
		src.IsHidden = true
	}
	return nil
}

// pathOf implements path_of(nodeid, leaf?): reconstruct an absolute path by
// walking parent links to the root, assembling the scratch buffer from the
// rightmost byte leftwards. A detached ancestor or an overflow of the
// fixed-size scratch buffer both fail the reconstruction.
func (t *nodeTable) pathOf(nodeid uint64, leaf string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var buf [maxPathLen]byte
	pos := maxPathLen

	prepend := func(s string) bool {
		need := len(s) + 1
		if pos-need < 0 {
			return false
		}
		pos -= len(s)
		copy(buf[pos:], s)
		pos--
		buf[pos] = '/'
		return true
	}

	if leaf != "" {
		if !prepend(leaf) {
			return "", false
		}
	}

	n, ok := t.byId[nodeid]
	if !ok {
		return "", false
	}

	for n.NodeId != RootNodeId {
		if !n.attached() {
			return "", false
		}
		if !prepend(n.Name) {
			return "", false
		}
		parent, ok := t.byId[n.Parent]
		if !ok {
			return "", false
		}
		n = parent
	}

	if pos == maxPathLen {
		return "/", true
	}
	return string(buf[pos:]), true
}

// hiddenName implements hidden_name(dir, oldname): generate a
// ".fuse_hidden%08x%08x" candidate that is absent from both the name index
// and the backing filesystem, retrying up to 10 times before giving up.
func (t *nodeTable) hiddenName(dir uint64, probe func(parent uint64, name string) bool) (string, error) {
	for i := 0; i < 10; i++ {
		t.mu.Lock()
		t.hideCtr++
		candidate := fmt.Sprintf(".fuse_hidden%08x%08x", dir, t.hideCtr)
		collision := t.lookupLocked(dir, candidate) != nil
		t.mu.Unlock()

		if collision {
			continue
		}
		if probe != nil && probe(dir, candidate) {
			continue
		}
		return candidate, nil
	}
	return "", errBusy{}
}
