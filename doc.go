// This repository implements the core runtime of a userspace filesystem
// library: reading framed requests from a kernel driver, translating kernel
// nodeids to paths and back, and dispatching to a path-based callback table.
//
// See package fuse (in the fuse/ subdirectory) for the implementation.
package lib
