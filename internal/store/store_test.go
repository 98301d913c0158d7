// ABOUTME: Behavioural tests shared by the SQLite and in-memory stores
// ABOUTME: Covers get/put/delete, ordered index queries, and prefix deletion

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) {
		fn(t, setupTestStore(t))
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
}

func TestStore_PutGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		err := s.Put(ctx, &Record{
			Collection: CollectionOutbox,
			Key:        "evt-1",
			Value:      []byte(`{"event_id":"evt-1"}`),
			Indexes:    map[string]string{"status": "queued:0000000000000001"},
			UpdatedAt:  now,
		})
		require.NoError(t, err)

		got, err := s.Get(ctx, CollectionOutbox, "evt-1")
		require.NoError(t, err)
		assert.Equal(t, "evt-1", got.Key)
		assert.Equal(t, CollectionOutbox, got.Collection)
		assert.JSONEq(t, `{"event_id":"evt-1"}`, string(got.Value))
		assert.Equal(t, "queued:0000000000000001", got.Indexes["status"])
		assert.True(t, now.Equal(got.UpdatedAt), "updated_at %v != %v", got.UpdatedAt, now)
	})
}

func TestStore_Get_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.Get(context.Background(), CollectionOutbox, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_CollectionsAreIndependent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, &Record{Collection: CollectionArtifacts, Key: "k", Value: []byte(`"a"`)}))
		require.NoError(t, s.Put(ctx, &Record{Collection: CollectionConcepts, Key: "k", Value: []byte(`"c"`)}))

		a, err := s.Get(ctx, CollectionArtifacts, "k")
		require.NoError(t, err)
		c, err := s.Get(ctx, CollectionConcepts, "k")
		require.NoError(t, err)
		assert.Equal(t, `"a"`, string(a.Value))
		assert.Equal(t, `"c"`, string(c.Value))

		all, err := s.GetAll(ctx, CollectionTrails)
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

func TestStore_PutReplacesIndexes(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		put := func(status string) {
			require.NoError(t, s.Put(ctx, &Record{
				Collection: CollectionOutbox,
				Key:        "evt-1",
				Value:      []byte(`{}`),
				Indexes:    map[string]string{"status": status + ":0000000000000001"},
			}))
		}

		put("queued")
		put("sending")

		queued, err := s.Query(ctx, CollectionOutbox, "status", IndexQuery{Prefix: "queued:"})
		require.NoError(t, err)
		assert.Empty(t, queued)

		sending, err := s.Query(ctx, CollectionOutbox, "status", IndexQuery{Prefix: "sending:"})
		require.NoError(t, err)
		require.Len(t, sending, 1)
		assert.Equal(t, "evt-1", sending[0].Key)
	})
}

func TestStore_QueryOrderAndLimit(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		// Keys deliberately sort opposite to the index order.
		rows := []struct {
			key string
			idx string
		}{
			{"c", "queued:0000000000000001"},
			{"b", "queued:0000000000000002"},
			{"a", "queued:0000000000000003"},
			{"z", "failed:0000000000000000"},
		}
		for _, r := range rows {
			require.NoError(t, s.Put(ctx, &Record{
				Collection: CollectionOutbox,
				Key:        r.key,
				Value:      []byte(`{}`),
				Indexes:    map[string]string{"status": r.idx},
			}))
		}

		got, err := s.Query(ctx, CollectionOutbox, "status", IndexQuery{Prefix: "queued:"})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, []string{"c", "b", "a"}, keysOf(got))

		limited, err := s.Query(ctx, CollectionOutbox, "status", IndexQuery{Prefix: "queued:", Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b"}, keysOf(limited))

		everything, err := s.Query(ctx, CollectionOutbox, "status", IndexQuery{})
		require.NoError(t, err)
		assert.Equal(t, []string{"z", "c", "b", "a"}, keysOf(everything))
	})
}

func TestStore_GetAllOrderedByKey(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, k := range []string{"b", "c", "a"} {
			require.NoError(t, s.Put(ctx, &Record{Collection: CollectionTrails, Key: k, Value: []byte(`{}`)}))
		}

		all, err := s.GetAll(ctx, CollectionTrails)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, keysOf(all))
	})
}

func TestStore_Delete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, &Record{
			Collection: CollectionArtifacts,
			Key:        "g:b:https://example.com",
			Value:      []byte(`{}`),
			Indexes:    map[string]string{"scope": "g:b"},
		}))

		require.NoError(t, s.Delete(ctx, CollectionArtifacts, "g:b:https://example.com"))
		_, err := s.Get(ctx, CollectionArtifacts, "g:b:https://example.com")
		assert.ErrorIs(t, err, ErrNotFound)

		byScope, err := s.Query(ctx, CollectionArtifacts, "scope", IndexQuery{Prefix: "g:b"})
		require.NoError(t, err)
		assert.Empty(t, byScope)

		// Deleting again is not an error
		assert.NoError(t, s.Delete(ctx, CollectionArtifacts, "g:b:https://example.com"))
	})
}

func TestStore_DeleteByIndex(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, k := range []string{"one", "two"} {
			require.NoError(t, s.Put(ctx, &Record{
				Collection: CollectionConcepts,
				Key:        "g1:main:" + k,
				Value:      []byte(`{}`),
				Indexes:    map[string]string{"scope": "g1:main:"},
			}))
		}
		require.NoError(t, s.Put(ctx, &Record{
			Collection: CollectionConcepts,
			Key:        "g1:dev:one",
			Value:      []byte(`{}`),
			Indexes:    map[string]string{"scope": "g1:dev:"},
		}))

		n, err := s.DeleteByIndex(ctx, CollectionConcepts, "scope", "g1:main:")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		all, err := s.GetAll(ctx, CollectionConcepts)
		require.NoError(t, err)
		assert.Equal(t, []string{"g1:dev:one"}, keysOf(all))
	})
}

func TestStore_PutValidation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		assert.Error(t, s.Put(ctx, &Record{Key: "k"}))
		assert.Error(t, s.Put(ctx, &Record{Collection: CollectionOutbox}))
	})
}

func TestMemoryStore_FailWith(t *testing.T) {
	s := NewMemoryStore()
	boom := errors.New("quota exceeded")
	s.FailWith = boom

	_, err := s.Get(context.Background(), CollectionOutbox, "k")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, s.Put(context.Background(), &Record{Collection: CollectionOutbox, Key: "k"}), boom)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := &Record{Collection: CollectionOutbox, Key: "k", Value: []byte("abc")}
	require.NoError(t, s.Put(ctx, rec))

	rec.Value[0] = 'x'
	got, err := s.Get(ctx, CollectionOutbox, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got.Value))
}

func TestSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "sync.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, &Record{Collection: CollectionManifests, Key: "g:b", Value: []byte(`{}`)}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, CollectionManifests, "g:b")
	require.NoError(t, err)
	assert.Equal(t, "g:b", got.Key)
}

func keysOf(recs []*Record) []string {
	keys := make([]string, len(recs))
	for i, r := range recs {
		keys[i] = r.Key
	}
	return keys
}
