// Package mmap provides memory-mapped file access and POSIX shared-memory
// segments.
//
// Mapping is a read-only view of a regular file, used for zero-copy access to
// persisted embedding tables. SharedSegment is a read-write mapping of a
// named shared-memory object, used by the synthetic table mode to emulate
// multi-gigabyte vector files without an on-disk fixture.
package mmap
