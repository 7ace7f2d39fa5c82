// Package table provides the in-memory embedding table representation and
// the binary model loader.
//
// A persisted table is a directory with two flat files: "key" (8-byte
// integer keys) and "emb_vector" (4-byte floats, row-major, key_count x dim).
// Tables are immutable snapshots once loaded; a reload produces a new table.
//
// A synthetic mode backed by a POSIX shared-memory segment stands in for
// multi-gigabyte fixtures in benchmarks: paths of the form
// "mock_<numkey>_<dim>" synthesize sequential keys over a zero-filled
// mapping.
package table
