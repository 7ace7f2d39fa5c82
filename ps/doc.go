// Package ps implements the tiered parameter server.
//
// Keys resolve against a capacity-bounded fast tier first and fall back to a
// slow backing tier on miss. The fast tier evicts by observed access
// frequency: a configurable fraction of its population is refreshed per
// iteration, and the cadence relaxes once the sliding-window hit rate clears
// the configured threshold. State is partitioned by (model, table); there is
// no cross-table sharing of cache capacity.
package ps
