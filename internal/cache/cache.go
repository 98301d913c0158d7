// ABOUTME: Read-side cache of server state: bootstrap snapshots, sharded entities and manifests
// ABOUTME: Detects staleness via the manifest and re-bootstraps the whole scope when stale

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/sanjayanasuri/brain-web-sub011/internal/store"
	"github.com/sanjayanasuri/brain-web-sub011/internal/syncapi"
)

const (
	indexScope = "scope"
	indexName  = "name"
)

// Freshness is the outcome of EnsureFresh.
type Freshness string

const (
	Fresh Freshness = "fresh"
	Stale Freshness = "stale"
)

// Fetcher reads server-owned state.
type Fetcher interface {
	GetManifest(ctx context.Context, graphID, branchID string) (*syncapi.Manifest, error)
	GetBootstrap(ctx context.Context, graphID, branchID string) (*syncapi.Bootstrap, error)
}

// Connectivity reports whether the server is believed reachable.
type Connectivity interface {
	Online() bool
}

// Kind identifies one of the sharded entity collections.
type Kind struct {
	Collection store.Collection
	KeyField   string
}

var (
	KindArtifact = Kind{Collection: store.CollectionArtifacts, KeyField: "url"}
	KindConcept  = Kind{Collection: store.CollectionConcepts, KeyField: "node_id"}
	KindTrail    = Kind{Collection: store.CollectionTrails, KeyField: "trail_id"}
)

// Kinds lists every sharded entity kind.
var Kinds = []Kind{KindArtifact, KindConcept, KindTrail}

// Snapshot is a cached bootstrap response.
type Snapshot struct {
	GraphID         string           `json:"graph_id"`
	BranchID        string           `json:"branch_id"`
	RecentArtifacts []map[string]any `json:"recent_artifacts"`
	PinnedConcepts  []map[string]any `json:"pinned_concepts"`
	RecentTrails    []map[string]any `json:"recent_trails"`
	ServerTime      string           `json:"server_time,omitempty"`
	FetchedAt       int64            `json:"fetched_at"` // ms since epoch
}

// Manifest is a cached server manifest.
type Manifest struct {
	GraphUpdatedAt  string         `json:"graph_updated_at"`
	BranchUpdatedAt string         `json:"branch_updated_at"`
	Counts          map[string]int `json:"counts"`
	FetchedAt       int64          `json:"fetched_at"` // ms since epoch
}

// Entry is one cached artifact, concept or trail.
type Entry struct {
	GraphID   string         `json:"graph_id"`
	BranchID  string         `json:"branch_id"`
	Key       string         `json:"key"`
	UpdatedAt int64          `json:"updated_at"` // ms since epoch
	Data      map[string]any `json:"data"`
}

// Scope identifies a (graph, branch) pair.
type Scope struct {
	GraphID  string `json:"graph_id" yaml:"graph_id" toml:"graph_id"`
	BranchID string `json:"branch_id" yaml:"branch_id" toml:"branch_id"`
}

// Cache bootstraps and validates cached read state.
type Cache struct {
	store   store.Store
	fetcher Fetcher
	conn    Connectivity
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Cache. A nil conn is treated as always online.
func New(s store.Store, fetcher Fetcher, conn Connectivity, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:   s,
		fetcher: fetcher,
		conn:    conn,
		logger:  logger.With("component", "cache"),
		now:     time.Now,
	}
}

func (c *Cache) online() bool {
	return c.conn == nil || c.conn.Online()
}

// GetBootstrap returns the scope's snapshot.
//
// Offline, it returns the cached snapshot, or nil if there is none. Online, it
// always fetches; a failed fetch or a 404 falls back to the cached snapshot.
// A fetched snapshot replaces the cached one and its sharded entities.
func (c *Cache) GetBootstrap(ctx context.Context, graphID, branchID string) (*Snapshot, error) {
	if !c.online() {
		return c.Snapshot(ctx, graphID, branchID)
	}

	b, err := c.fetcher.GetBootstrap(ctx, graphID, branchID)
	if err != nil {
		if errors.Is(err, syncapi.ErrNotFound) {
			c.logger.Debug("no server data for scope", "graph_id", graphID, "branch_id", branchID)
		} else {
			c.logger.Warn("bootstrap fetch failed, using cache",
				"graph_id", graphID,
				"branch_id", branchID,
				"error", err,
			)
		}
		return c.Snapshot(ctx, graphID, branchID)
	}

	snap := &Snapshot{
		GraphID:         graphID,
		BranchID:        branchID,
		RecentArtifacts: b.RecentArtifacts,
		PinnedConcepts:  b.PinnedConcepts,
		RecentTrails:    b.RecentTrails,
		ServerTime:      b.ServerTime,
		FetchedAt:       c.now().UnixMilli(),
	}
	if err := c.persistSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// EnsureFresh checks the scope's manifest against the cached one.
//
// Offline or when the manifest cannot be fetched, the cache is assumed fresh.
// The fetched manifest is always persisted. If graph_updated_at,
// branch_updated_at or counts differ from the cached manifest (or none was
// cached), the scope is fully re-bootstrapped and Stale is returned.
func (c *Cache) EnsureFresh(ctx context.Context, graphID, branchID string) (Freshness, error) {
	if !c.online() {
		return Fresh, nil
	}

	m, err := c.fetcher.GetManifest(ctx, graphID, branchID)
	if err != nil {
		c.logger.Warn("manifest fetch failed, assuming fresh",
			"graph_id", graphID,
			"branch_id", branchID,
			"error", err,
		)
		return Fresh, nil
	}

	prev, err := c.Manifest(ctx, graphID, branchID)
	if err != nil {
		return "", err
	}

	next := &Manifest{
		GraphUpdatedAt:  m.GraphUpdatedAt,
		BranchUpdatedAt: m.BranchUpdatedAt,
		Counts:          m.Counts,
		FetchedAt:       c.now().UnixMilli(),
	}
	if err := c.putJSON(ctx, store.CollectionManifests, scopeKey(graphID, branchID), next, nil); err != nil {
		return "", fmt.Errorf("saving manifest: %w", err)
	}

	if prev != nil && sameManifest(prev, next) {
		return Fresh, nil
	}

	c.logger.Info("cache stale, re-bootstrapping",
		"graph_id", graphID,
		"branch_id", branchID,
		"first_manifest", prev == nil,
	)
	if _, err := c.GetBootstrap(ctx, graphID, branchID); err != nil {
		return Stale, err
	}
	return Stale, nil
}

// ClearScope drops every cached row for a scope: snapshot, manifest and
// sharded entities.
func (c *Cache) ClearScope(ctx context.Context, graphID, branchID string) error {
	key := scopeKey(graphID, branchID)
	for _, coll := range []store.Collection{store.CollectionBootstrap, store.CollectionManifests} {
		if err := c.store.Delete(ctx, coll, key); err != nil {
			return fmt.Errorf("clearing %s: %w", coll, err)
		}
	}

	removed := 0
	for _, k := range Kinds {
		n, err := c.store.DeleteByIndex(ctx, k.Collection, indexScope, scopePrefix(graphID, branchID))
		if err != nil {
			return fmt.Errorf("clearing %s: %w", k.Collection, err)
		}
		removed += n
	}

	c.logger.Info("cleared scope",
		"graph_id", graphID,
		"branch_id", branchID,
		"entities", removed,
	)
	return nil
}

// Snapshot returns the cached snapshot for a scope, or nil if none exists.
func (c *Cache) Snapshot(ctx context.Context, graphID, branchID string) (*Snapshot, error) {
	var snap Snapshot
	ok, err := c.getJSON(ctx, store.CollectionBootstrap, scopeKey(graphID, branchID), &snap)
	if err != nil || !ok {
		return nil, err
	}
	return &snap, nil
}

// Manifest returns the cached manifest for a scope, or nil if none exists.
func (c *Cache) Manifest(ctx context.Context, graphID, branchID string) (*Manifest, error) {
	var m Manifest
	ok, err := c.getJSON(ctx, store.CollectionManifests, scopeKey(graphID, branchID), &m)
	if err != nil || !ok {
		return nil, err
	}
	return &m, nil
}

// Artifact looks up a cached artifact by url.
func (c *Cache) Artifact(ctx context.Context, graphID, branchID, url string) (*Entry, error) {
	return c.Lookup(ctx, KindArtifact, graphID, branchID, url)
}

// Concept looks up a cached concept by node id.
func (c *Cache) Concept(ctx context.Context, graphID, branchID, nodeID string) (*Entry, error) {
	return c.Lookup(ctx, KindConcept, graphID, branchID, nodeID)
}

// Trail looks up a cached trail by trail id.
func (c *Cache) Trail(ctx context.Context, graphID, branchID, trailID string) (*Entry, error) {
	return c.Lookup(ctx, KindTrail, graphID, branchID, trailID)
}

// Lookup returns one cached entity, or nil if it is not cached.
func (c *Cache) Lookup(ctx context.Context, kind Kind, graphID, branchID, key string) (*Entry, error) {
	var e Entry
	ok, err := c.getJSON(ctx, kind.Collection, scopePrefix(graphID, branchID)+key, &e)
	if err != nil || !ok {
		return nil, err
	}
	return &e, nil
}

// ConceptByName finds a cached concept by its name, case-insensitively.
func (c *Cache) ConceptByName(ctx context.Context, graphID, branchID, name string) (*Entry, error) {
	recs, err := c.store.Query(ctx, store.CollectionConcepts, indexName, store.IndexQuery{
		Prefix: scopePrefix(graphID, branchID) + normalizeName(name) + "\x00",
		Limit:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("looking up concept %q: %w", name, err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	var e Entry
	if err := json.Unmarshal(recs[0].Value, &e); err != nil {
		return nil, fmt.Errorf("decoding concept: %w", err)
	}
	return &e, nil
}

// List returns every cached entity of a kind in a scope, ordered by key.
func (c *Cache) List(ctx context.Context, kind Kind, graphID, branchID string) ([]*Entry, error) {
	recs, err := c.store.Query(ctx, kind.Collection, indexScope, store.IndexQuery{
		Prefix: scopePrefix(graphID, branchID),
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", kind.Collection, err)
	}
	entries := make([]*Entry, 0, len(recs))
	for _, rec := range recs {
		var e Entry
		if err := json.Unmarshal(rec.Value, &e); err != nil {
			return nil, fmt.Errorf("decoding %s/%s: %w", kind.Collection, rec.Key, err)
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// Scopes returns every scope with a cached snapshot.
func (c *Cache) Scopes(ctx context.Context) ([]Scope, error) {
	recs, err := c.store.GetAll(ctx, store.CollectionBootstrap)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	scopes := make([]Scope, 0, len(recs))
	for _, rec := range recs {
		var snap Snapshot
		if err := json.Unmarshal(rec.Value, &snap); err != nil {
			return nil, fmt.Errorf("decoding snapshot %s: %w", rec.Key, err)
		}
		scopes = append(scopes, Scope{GraphID: snap.GraphID, BranchID: snap.BranchID})
	}
	return scopes, nil
}

// persistSnapshot stores the snapshot and replaces the scope's shards.
func (c *Cache) persistSnapshot(ctx context.Context, snap *Snapshot) error {
	if err := c.putJSON(ctx, store.CollectionBootstrap, scopeKey(snap.GraphID, snap.BranchID), snap, nil); err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}

	shards := []struct {
		kind  Kind
		items []map[string]any
	}{
		{KindArtifact, snap.RecentArtifacts},
		{KindConcept, snap.PinnedConcepts},
		{KindTrail, snap.RecentTrails},
	}
	prefix := scopePrefix(snap.GraphID, snap.BranchID)

	for _, sh := range shards {
		if _, err := c.store.DeleteByIndex(ctx, sh.kind.Collection, indexScope, prefix); err != nil {
			return fmt.Errorf("clearing %s: %w", sh.kind.Collection, err)
		}
		for _, item := range sh.items {
			key, ok := naturalKey(item, sh.kind.KeyField)
			if !ok {
				c.logger.Warn("skipping entity without key",
					"collection", sh.kind.Collection,
					"key_field", sh.kind.KeyField,
				)
				continue
			}
			entry := &Entry{
				GraphID:   snap.GraphID,
				BranchID:  snap.BranchID,
				Key:       key,
				UpdatedAt: snap.FetchedAt,
				Data:      item,
			}
			indexes := map[string]string{indexScope: prefix + key}
			if sh.kind == KindConcept {
				if name, ok := item["name"].(string); ok && name != "" {
					indexes[indexName] = prefix + normalizeName(name) + "\x00" + key
				}
			}
			if err := c.putJSON(ctx, sh.kind.Collection, prefix+key, entry, indexes); err != nil {
				return fmt.Errorf("saving %s/%s: %w", sh.kind.Collection, key, err)
			}
		}
	}

	c.logger.Debug("snapshot cached",
		"graph_id", snap.GraphID,
		"branch_id", snap.BranchID,
		"artifacts", len(snap.RecentArtifacts),
		"concepts", len(snap.PinnedConcepts),
		"trails", len(snap.RecentTrails),
	)
	return nil
}

func (c *Cache) putJSON(ctx context.Context, coll store.Collection, key string, v any, indexes map[string]string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.store.Put(ctx, &store.Record{
		Collection: coll,
		Key:        key,
		Value:      data,
		Indexes:    indexes,
		UpdatedAt:  c.now(),
	})
}

func (c *Cache) getJSON(ctx context.Context, coll store.Collection, key string, v any) (bool, error) {
	rec, err := c.store.Get(ctx, coll, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading %s/%s: %w", coll, key, err)
	}
	if err := json.Unmarshal(rec.Value, v); err != nil {
		return false, fmt.Errorf("decoding %s/%s: %w", coll, key, err)
	}
	return true, nil
}

// sameManifest compares the staleness fields; counts are compared by their
// canonical JSON encoding.
func sameManifest(a, b *Manifest) bool {
	return a.GraphUpdatedAt == b.GraphUpdatedAt &&
		a.BranchUpdatedAt == b.BranchUpdatedAt &&
		canonicalCounts(a.Counts) == canonicalCounts(b.Counts)
}

func canonicalCounts(counts map[string]int) string {
	if counts == nil {
		counts = map[string]int{}
	}
	// encoding/json sorts map keys.
	data, _ := json.Marshal(counts)
	return string(data)
}

func naturalKey(item map[string]any, field string) (string, bool) {
	switch v := item[field].(type) {
	case string:
		return v, v != ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case json.Number:
		return v.String(), true
	}
	return "", false
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func scopeKey(graphID, branchID string) string {
	return store.ScopePrefix(graphID, branchID)
}

func scopePrefix(graphID, branchID string) string {
	return store.ScopePrefix(graphID, branchID)
}
