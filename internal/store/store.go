// ABOUTME: Store interface and record types for the on-device durable store
// ABOUTME: Defines collections, secondary index queries, and the ErrNotFound sentinel

package store

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// Collection names an independent partition of the store
type Collection string

const (
	CollectionOutbox    Collection = "outbox"    // queued mutation events
	CollectionArtifacts Collection = "artifacts" // cached artifacts keyed by url
	CollectionConcepts  Collection = "concepts"  // cached concepts keyed by node id
	CollectionTrails    Collection = "trails"    // cached trails keyed by trail id
	CollectionBootstrap Collection = "bootstrap" // whole bootstrap snapshots per scope
	CollectionManifests Collection = "manifests" // cache-freshness manifests per scope
)

// Collections lists every collection known to the store.
var Collections = []Collection{
	CollectionOutbox,
	CollectionArtifacts,
	CollectionConcepts,
	CollectionTrails,
	CollectionBootstrap,
	CollectionManifests,
}

// Record is a single row within a collection.
//
// Indexes holds derived secondary keys computed by the writer, keyed by index
// name (e.g. "status" -> "queued:0001700000000000"). Query returns records in
// index-key order, so writers encode sort order into the key itself.
type Record struct {
	Collection Collection
	Key        string
	Value      []byte
	Indexes    map[string]string
	UpdatedAt  time.Time
}

// IndexQuery selects records whose index key starts with Prefix.
// A zero Limit means no limit.
type IndexQuery struct {
	Prefix string
	Limit  int
}

// Store defines the interface for collection-scoped record persistence.
//
// Every operation works within a single collection and is atomic on its own;
// there are no cross-record transactions. Errors are returned to the caller
// without retry.
type Store interface {
	// Get returns the record stored under key, or ErrNotFound.
	Get(ctx context.Context, collection Collection, key string) (*Record, error)

	// Put inserts or replaces a record together with its index keys.
	Put(ctx context.Context, rec *Record) error

	// Delete removes a record. Deleting a missing key is not an error.
	Delete(ctx context.Context, collection Collection, key string) error

	// GetAll returns every record in the collection ordered by key.
	GetAll(ctx context.Context, collection Collection) ([]*Record, error)

	// Query returns records ordered by their key in the named index.
	Query(ctx context.Context, collection Collection, index string, q IndexQuery) ([]*Record, error)

	// DeleteByIndex removes every record whose key in the named index has the
	// given prefix and returns how many were removed.
	DeleteByIndex(ctx context.Context, collection Collection, index, prefix string) (int, error)

	// Close releases any resources held by the store
	Close() error
}

// ScopePrefix encodes a (graph_id, branch_id) pair as a key prefix. Each id
// is length-prefixed, so ids may contain any character and no scope's prefix
// is a prefix of another scope's.
func ScopePrefix(graphID, branchID string) string {
	return strconv.Itoa(len(graphID)) + ":" + graphID + "|" +
		strconv.Itoa(len(branchID)) + ":" + branchID + "|"
}

// copyRecord returns a deep copy so callers never share buffers with the store.
func copyRecord(r *Record) *Record {
	out := &Record{
		Collection: r.Collection,
		Key:        r.Key,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.Value != nil {
		out.Value = append([]byte(nil), r.Value...)
	}
	if r.Indexes != nil {
		out.Indexes = make(map[string]string, len(r.Indexes))
		for k, v := range r.Indexes {
			out.Indexes[k] = v
		}
	}
	return out
}

// validateRecord checks the fields every implementation requires.
func validateRecord(r *Record) error {
	if r == nil {
		return errors.New("record is nil")
	}
	if r.Collection == "" {
		return errors.New("record collection is required")
	}
	if r.Key == "" {
		return errors.New("record key is required")
	}
	return nil
}
