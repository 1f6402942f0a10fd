package fuse

// PAGESIZE is the allocation granularity BufferPoolImpl rounds up to; it
// matches the common Linux page size rather than querying it at runtime,
// since over-rounding only costs a little spare capacity.
const PAGESIZE = 4096

// paranoia enables extra runtime consistency checks that are too costly to
// leave on unconditionally; flip to true when chasing a specific bug.
const paranoia = false
