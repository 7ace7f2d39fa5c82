// Package hps serves embedding-table lookups for recommendation models at
// inference time.
//
// Sparse parameters live in a tiered storage hierarchy: a capacity-bounded
// fast tier in front of host-resident table snapshots, with optional remote
// backing stores. The facade exposes the init/forward/report/shutdown
// contract a serving framework drives; each forward call resolves a batch of
// integer keys to their embedding vectors in key order.
//
// Basic usage:
//
//	h := hps.Instance(hps.WithLogLevel(slog.LevelInfo))
//	if err := h.Init(ctx, 0, "hierarchy.json", 64, 1); err != nil {
//	    log.Fatal(err)
//	}
//	out := make([]float32, len(keys)*dim)
//	if err := h.Forward(ctx, "dlrm", 0, 0, keys, out); err != nil {
//	    log.Fatal(err)
//	}
package hps
