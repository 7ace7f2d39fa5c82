// Package blobstore abstracts byte-stream access to persisted embedding
// tables.
//
// The parameter server treats table storage as a uniform read/write/delete
// surface: local filesystems (memory-mapped), in-memory stores for tests, and
// object stores (S3, MinIO) behind the same interface. Stores do not
// implement retries or timeouts; that is the transport's job.
package blobstore
