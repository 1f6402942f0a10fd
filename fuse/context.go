package fuse

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// Context carries the per-request identity the kernel attaches to every
// message, plus the opaque value the user's Init callback returned. The
// dispatcher installs it for the default accessor before invoking any user
// callback (see withContext), so GetContext is callable from inside a
// callback with no explicit parameter plumbing.
type Context struct {
	InHeader
	FsInit interface{}

	// rollbackNodeId, when nonzero, names a node whose nlookup bump must
	// be undone if the reply carrying it fails to reach the kernel (the
	// reply-write-ENOENT compensating transaction described for
	// LOOKUP-class operations). Set by commitLookup, read by the message
	// loop after a failed device write.
	rollbackNodeId uint64
}

// Owner is the uid/gid pair a newly created node should be attributed to.
type Owner struct {
	Uid uint32
	Gid uint32
}

func (c *Context) Owner() Owner {
	return Owner{Uid: c.Uid, Gid: c.Gid}
}

// ContextGetter retrieves the Context active for the calling goroutine.
// The package's default accessor returns nil outside a callback that the
// dispatcher invoked; embedders that need a thread-local-like model (e.g. worker pools pinning one goroutine per OS
// thread) install their own getter with SetContextGetter.
type ContextGetter func() *Context

var (
	contextMu     sync.RWMutex
	contextGetter ContextGetter = defaultContextGetter
	contextStore  sync.Map // goroutine-scoped only via withContext below
)

// SetContextGetter installs a replacement accessor, matching the source
// library's "thread-scoped accessor whose retrieval function is swappable".
func SetContextGetter(g ContextGetter) {
	contextMu.Lock()
	defer contextMu.Unlock()
	contextGetter = g
}

// GetContext returns the Context for whatever scope the installed
// ContextGetter implements. The built-in default requires the caller to
// have bracketed its work with withContext; it is intended for use from
// inside a user callback invoked synchronously by the dispatcher.
func GetContext() *Context {
	contextMu.RLock()
	g := contextGetter
	contextMu.RUnlock()
	return g()
}

// goroutineID extracts the numeric id Go's runtime prints at the head of a
// stack trace. It is the closest analogue available to a native thread id
// for keying a goroutine-local map; the default context accessor uses it
// to emulate the source library's thread-scoped storage.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	field := bytes.Fields(buf[:n])[1]
	id, _ := strconv.ParseUint(string(field), 10, 64)
	return id
}

func defaultContextGetter() *Context {
	v, ok := contextStore.Load(goroutineID())
	if !ok {
		return nil
	}
	return v.(*Context)
}

// withContext runs fn with ctx installed for the default accessor. The
// dispatcher wraps every user-callback invocation in this so callbacks
// calling GetContext observe the request that invoked them, regardless of
// how many goroutines are dispatching concurrently.
func withContext(ctx *Context, fn func()) {
	id := goroutineID()
	contextStore.Store(id, ctx)
	defer contextStore.Delete(id)
	fn()
}
