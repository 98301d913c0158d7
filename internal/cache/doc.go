// Package cache keeps a local copy of server-owned read state per
// (graph_id, branch_id) scope.
//
// GetBootstrap fetches the scope's snapshot, stores it whole, and shards its
// artifacts (by url), concepts (by node_id) and trails (by trail_id) into
// their own collections for point lookups. Every fetch replaces the previous
// shards of the scope. When offline or when the fetch fails, the cached
// snapshot is returned instead.
//
// EnsureFresh compares the server manifest against the cached one and
// re-bootstraps on any difference. It fails open: if the manifest cannot be
// fetched the cache is reported fresh.
//
// Everything in this package is derived state; ClearScope may drop a scope
// at any time without losing data.
package cache
