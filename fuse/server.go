package fuse

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// Device abstracts the character-device file descriptor the message loop
// reads requests from and writes replies to. The real mount handshake that
// produces this descriptor is outside this package's scope; callers supply
// one already connected to a mounted filesystem.
type Device interface {
	Read(p []byte) (int, error)
	Write(iovecs ...[]byte) (int, error)
	Fd() uintptr
}

// Server ties the node directory, the operation dispatcher, and the
// message loop together around one mounted filesystem. Construct one with
// NewServer and run it with Serve.
type Server struct {
	dev  Device
	ops  *Operations
	opts *Options
	nodes *nodeTable

	treeLock sync.RWMutex

	dirMu   sync.Mutex
	dirs    map[uint64]*dirStream
	nextFh  uint64

	// workerAvail tracks the worker-pool contract described for the
	// scheduling model: a caller-supplied worker pool acquires a slot
	// before dequeuing work and releases it (via IncAvail) just before
	// writing a reply, so capacity is visible to the scheduler before
	// the (possibly blocking) write completes. The core itself runs
	// single-threaded unless the embedder spawns additional readers.
	workerAvail *semaphore.Weighted

	ownerUid uint32
	ownerGid uint32

	protoMajor uint32
	protoMinor uint32

	fsInit interface{}

	bufPool BufferPool

	// mountpoint, if set, is consulted via mountinfo purely to annotate
	// the log line on an ENODEV exit with whether the unmount looks clean.
	mountpoint string
}

// ServerConfig groups the construction-time dependencies of a Server.
type ServerConfig struct {
	Device     Device
	Operations *Operations
	Options    *Options

	// Mountpoint, if set, is used only for a diagnostic mountinfo lookup
	// when the device read reports ENODEV.
	Mountpoint string

	// MaxWorkers bounds the worker-availability semaphore; a caller-
	// supplied worker pool outside this package is expected to respect
	// it via IncAvail/DecAvail. Zero means "no limit enforced here".
	MaxWorkers int64
}

// NewServer builds a Server around the modern (current) legacy ABI: the
// full Operations table.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Options == nil {
		cfg.Options = &Options{}
	}
	max := cfg.MaxWorkers
	if max <= 0 {
		max = 1 << 20
	}
	return &Server{
		dev:         cfg.Device,
		ops:         cfg.Operations,
		opts:        cfg.Options,
		nodes:       newNodeTable(),
		dirs:        make(map[uint64]*dirStream),
		workerAvail: semaphore.NewWeighted(max),
		ownerUid:    currentUid(),
		ownerGid:    currentGid(),
		bufPool:     NewBufferPool(),
		mountpoint:  cfg.Mountpoint,
	}
}

// NewServerCompat1 funnels the oldest recognized callback-table shape (no
// statfs, no release) into the same builder as NewServer: the core has a
// single internal representation of Operations, and compat entry points
// only differ in what the caller is allowed to leave nil.
func NewServerCompat1(dev Device, ops *Operations, opts *Options) *Server {
	return NewServer(ServerConfig{Device: dev, Operations: ops, Options: opts})
}

// NewServerCompat2 funnels the second legacy callback-table shape (statfs
// present, release absent) into the same builder as NewServer.
func NewServerCompat2(dev Device, ops *Operations, opts *Options) *Server {
	return NewServer(ServerConfig{Device: dev, Operations: ops, Options: opts})
}

// IncAvail signals that a worker has become available to accept new work.
// A caller-supplied worker pool calls this just before writing a reply, not
// after, so the scheduler can observe restored capacity even if the write
// itself briefly blocks.
func (s *Server) IncAvail() {
	s.workerAvail.Release(1)
}

// DecAvail signals that a worker has been claimed by dequeued work.
func (s *Server) DecAvail() {
	s.workerAvail.TryAcquire(1)
}

func (s *Server) allocFh() uint64 {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	s.nextFh++
	return s.nextFh
}
