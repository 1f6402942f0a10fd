package fuse

import (
	"errors"
	"syscall"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// maxWrite bounds the fixed read buffer the message loop reads each framed
// command into; it must be at least as large as any WRITE payload the peer
// may send given the MaxWrite negotiated at INIT.
const maxWrite = 1 << 20

const sizeOfInHeader = 40 // uint32+int32+uint64+uint64+uint32*4, packed

// Serve runs the message loop: read one framed command, dispatch it
// (FORGET inline, everything else through dispatch), write the reply. It
// returns nil when the device reports ENODEV (filesystem unmounted), and a
// non-nil error for anything else that is fatal to the loop.
//
// A caller-supplied worker pool may additionally call ReadCmd/ProcessCmd
// itself from other goroutines; Serve is simply the single-threaded default
// driver.
func (s *Server) Serve() error {
	buf := make([]byte, maxWrite+sizeOfInHeader)
	for {
		n, err := s.dev.Read(buf)
		if err != nil {
			switch classifyReadErr(err) {
			case readRetry:
				continue
			case readUnmounted:
				if s.mountpoint != "" {
					Log.Printf("fuse: device reports ENODEV, exiting: %s", diagnoseUnmount(s.mountpoint))
				}
				return nil
			default:
				Log.Printf("fuse: fatal device read error: %v", err)
				return err
			}
		}
		if n < sizeOfInHeader {
			Log.Printf("fuse: short read (%d bytes)", n)
			continue
		}

		var hdr InHeader
		if err := unmarshal(buf[:sizeOfInHeader], &hdr); err != nil {
			Log.Printf("fuse: malformed header: %v", err)
			continue
		}
		body := append([]byte(nil), buf[sizeOfInHeader:n]...)

		if hdr.Opcode == _OP_FORGET {
			s.handleForgetInline(hdr, body)
			continue
		}

		s.DecAvail()
		out, ctx := s.dispatch(hdr, body)
		s.IncAvail()

		if _, err := s.dev.Write(out); err != nil {
			if errors.Is(err, syscall.ENOENT) {
				// The originating syscall was interrupted; the kernel is
				// no longer interested in this reply. Roll back any
				// lookup-induced nlookup bump the dispatch performed.
				if ctx != nil && ctx.rollbackNodeId != 0 {
					s.nodes.forget(ctx.rollbackNodeId, 1)
				}
				continue
			}
			Log.Printf("fuse: device write error: %v", err)
		}
	}
}

type readErrClass int

const (
	readFatal readErrClass = iota
	readRetry
	readUnmounted
)

// classifyReadErr maps a device read error to loop behavior, per the
// error-handling taxonomy: EINTR and ENOENT mean retry, ENODEV means the
// filesystem was unmounted and the loop should exit silently.
func classifyReadErr(err error) readErrClass {
	errno, ok := err.(syscall.Errno)
	if !ok {
		if en, ok2 := errors.Unwrap(err).(syscall.Errno); ok2 {
			errno = en
		} else {
			return readFatal
		}
	}
	switch errno {
	case unix.EINTR, unix.ENOENT:
		return readRetry
	case unix.ENODEV:
		return readUnmounted
	}
	return readFatal
}

// diagnoseUnmount best-effort annotates an ENODEV exit by checking whether
// the mountpoint is still listed in the kernel mount table, purely for a
// clearer log line; it never changes control flow.
func diagnoseUnmount(mountpoint string) string {
	mounted, err := mountinfo.Mounted(mountpoint)
	if err != nil {
		return "mount status unknown: " + err.Error()
	}
	if mounted {
		return "mountpoint still listed; ENODEV may indicate a driver crash rather than a clean unmount"
	}
	return "mountpoint no longer listed; clean unmount"
}

// handleForgetInline implements the FORGET fast path: handled synchronously
// inside the read loop, never dispatched to a worker, because forgets must
// not race with lookups on the same request stream.
func (s *Server) handleForgetInline(hdr InHeader, body []byte) {
	var n uint64
	if len(body) >= 8 {
		n = leUint64(body)
	}
	if s.protoMajor >= protoModern {
		s.nodes.forget(hdr.NodeId, n)
	} else {
		s.nodes.forgetOld(hdr.NodeId, hdr.Unique)
	}
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
