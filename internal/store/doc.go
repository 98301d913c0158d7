// Package store provides the on-device durable store for the offline sync core.
//
// # Architecture
//
// The store is a key-value store partitioned into independent collections:
//
//   - outbox: queued mutation events awaiting delivery
//   - artifacts, concepts, trails: read-side cache rows sharded from bootstrap snapshots
//   - bootstrap: whole bootstrap snapshots per (graph_id, branch_id)
//   - manifests: cache-freshness manifests per (graph_id, branch_id)
//
// Every operation works on a single collection and is atomic on its own.
// There are no cross-record transactions; callers layer their own semantics
// on top of single get/put.
//
// # Secondary Indexes
//
// Secondary lookups are realized as derived string keys the writer computes
// at write time and stores in Record.Indexes:
//
//	rec.Indexes = map[string]string{
//	    "status": "queued:0001700000000123",
//	    "scope":  "graph-1:main:0001700000000123",
//	}
//
// Query walks one index in key order, optionally restricted to a prefix, so
// zero-padded timestamps give oldest-first results without a full scan.
//
// # Implementations
//
//   - SQLiteStore: modernc.org/sqlite with WAL. Index keys live in their own
//     table under a composite (collection, index_name, index_key) key.
//   - MemoryStore: google/btree ordered trees. One per test keeps state isolated.
//
// Store handles are constructed once at startup and passed to each component.
//
// # Error Handling
//
//   - ErrNotFound: requested record does not exist
//
// Storage failures are returned as-is; nothing is retried at this layer.
package store
