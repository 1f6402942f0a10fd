package fuse

import "syscall"

// currentUid and currentGid report the process's effective identity, used
// as the filesystem owner for the allow_root access gate.
func currentUid() uint32 { return uint32(syscall.Geteuid()) }
func currentGid() uint32 { return uint32(syscall.Getegid()) }
