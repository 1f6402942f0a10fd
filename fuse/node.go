package fuse

// RootNodeId is the nodeid reserved for the filesystem root; it is never
// reused and never destroyed for the lifetime of the process.
const RootNodeId = 1

// Node is a kernel-visible filesystem object: the arena+ID representation
// of the source library's parent-pointer inode. A Node never owns its
// parent; it names it by nodeid only, so the node directory's two hash maps
// are the sole owners of every Node value.
type Node struct {
	NodeId uint64

	// Generation distinguishes this incarnation of NodeId from any prior
	// one that wrapped back to the same value.
	Generation uint64

	// Parent is the nodeid of the directory containing this node, or 0
	// when the node has been unhashed from the name index.
	Parent uint64

	// Name is the leaf name under Parent, or "" when detached.
	Name string

	// Refctr counts child nodes whose Parent is this node, plus one
	// held from creation until Nlookup drops to zero (the root keeps
	// its own reference permanently).
	Refctr int

	// Nlookup counts outstanding kernel references to this node.
	Nlookup uint64

	// Version is the request-unique value of the lookup that last
	// created or refreshed this node; consulted only by the legacy
	// forget_old path.
	Version uint64

	// OpenCount counts currently-open file handles referring to this
	// node.
	OpenCount int

	// IsHidden marks a node that has been renamed to a synthetic hidden
	// name because it was unlinked while still open.
	IsHidden bool
}

func (n *Node) attached() bool {
	return n.Name != "" || n.NodeId == RootNodeId
}
