// Package lookup coordinates embedding lookups for the serving process.
//
// The Manager owns one-time initialization, the per-replica step counters,
// and the lazily created per (model, table, replica) sessions that issue
// batch lookups against the parameter server.
package lookup
