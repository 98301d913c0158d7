// ABOUTME: In-memory Store implementation backed by ordered B-trees
// ABOUTME: Gives each test an isolated store with the same ordering semantics as SQLite

package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
)

// recordItem orders records by (collection, key).
type recordItem struct {
	collection Collection
	key        string
	rec        *Record
}

func recordLess(a, b recordItem) bool {
	if a.collection != b.collection {
		return a.collection < b.collection
	}
	return a.key < b.key
}

// indexItem orders index entries by (collection, index, index key, record key).
type indexItem struct {
	collection Collection
	index      string
	indexKey   string
	key        string
}

func indexLess(a, b indexItem) bool {
	if a.collection != b.collection {
		return a.collection < b.collection
	}
	if a.index != b.index {
		return a.index < b.index
	}
	if a.indexKey != b.indexKey {
		return a.indexKey < b.indexKey
	}
	return a.key < b.key
}

// MemoryStore is an in-memory Store implementation for tests and ephemeral use.
type MemoryStore struct {
	mu      sync.RWMutex
	records *btree.BTreeG[recordItem]
	indexes *btree.BTreeG[indexItem]

	// FailWith, when set, is returned by every operation. Tests use it to
	// simulate unavailable storage.
	FailWith error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: btree.NewG(16, recordLess),
		indexes: btree.NewG(16, indexLess),
	}
}

// Get retrieves a record by key.
func (m *MemoryStore) Get(ctx context.Context, collection Collection, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.FailWith != nil {
		return nil, m.FailWith
	}

	item, ok := m.records.Get(recordItem{collection: collection, key: key})
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(item.rec), nil
}

// Put stores a copy of rec and replaces its index entries.
func (m *MemoryStore) Put(ctx context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWith != nil {
		return m.FailWith
	}

	r := copyRecord(rec)
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	r.UpdatedAt = time.UnixMilli(r.UpdatedAt.UnixMilli()).UTC()

	m.removeLocked(r.Collection, r.Key)
	m.records.ReplaceOrInsert(recordItem{collection: r.Collection, key: r.Key, rec: r})
	for name, idxKey := range r.Indexes {
		m.indexes.ReplaceOrInsert(indexItem{
			collection: r.Collection,
			index:      name,
			indexKey:   idxKey,
			key:        r.Key,
		})
	}
	return nil
}

// removeLocked drops a record and its index entries. Must be called with mu held.
func (m *MemoryStore) removeLocked(collection Collection, key string) {
	old, ok := m.records.Delete(recordItem{collection: collection, key: key})
	if !ok {
		return
	}
	for name, idxKey := range old.rec.Indexes {
		m.indexes.Delete(indexItem{collection: collection, index: name, indexKey: idxKey, key: key})
	}
}

// Delete removes a record.
func (m *MemoryStore) Delete(ctx context.Context, collection Collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWith != nil {
		return m.FailWith
	}
	m.removeLocked(collection, key)
	return nil
}

// GetAll returns every record of a collection ordered by key.
func (m *MemoryStore) GetAll(ctx context.Context, collection Collection) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.FailWith != nil {
		return nil, m.FailWith
	}

	var out []*Record
	m.records.AscendGreaterOrEqual(recordItem{collection: collection}, func(item recordItem) bool {
		if item.collection != collection {
			return false
		}
		out = append(out, listingCopy(item.rec))
		return true
	})
	return out, nil
}

// Query returns records ordered by their key in the named index.
func (m *MemoryStore) Query(ctx context.Context, collection Collection, index string, q IndexQuery) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.FailWith != nil {
		return nil, m.FailWith
	}

	var out []*Record
	m.ascendIndexLocked(collection, index, q.Prefix, func(item indexItem) bool {
		if r, ok := m.records.Get(recordItem{collection: collection, key: item.key}); ok {
			out = append(out, listingCopy(r.rec))
		}
		return q.Limit <= 0 || len(out) < q.Limit
	})
	return out, nil
}

// DeleteByIndex removes every record whose index key has the given prefix.
func (m *MemoryStore) DeleteByIndex(ctx context.Context, collection Collection, index, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWith != nil {
		return 0, m.FailWith
	}

	var keys []string
	m.ascendIndexLocked(collection, index, prefix, func(item indexItem) bool {
		keys = append(keys, item.key)
		return true
	})

	removed := 0
	for _, k := range keys {
		if _, ok := m.records.Get(recordItem{collection: collection, key: k}); ok {
			m.removeLocked(collection, k)
			removed++
		}
	}
	return removed, nil
}

// ascendIndexLocked walks index entries with the given prefix in order.
func (m *MemoryStore) ascendIndexLocked(collection Collection, index, prefix string, fn func(indexItem) bool) {
	pivot := indexItem{collection: collection, index: index, indexKey: prefix}
	m.indexes.AscendGreaterOrEqual(pivot, func(item indexItem) bool {
		if item.collection != collection || item.index != index {
			return false
		}
		if !strings.HasPrefix(item.indexKey, prefix) {
			return false
		}
		return fn(item)
	})
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

// listingCopy mirrors SQLiteStore listings, which do not load index keys.
func listingCopy(r *Record) *Record {
	c := copyRecord(r)
	c.Indexes = nil
	return c
}
