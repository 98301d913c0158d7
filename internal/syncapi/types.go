// ABOUTME: Wire types for the sync, manifest and bootstrap endpoints
// ABOUTME: Mirrors the JSON bodies exchanged with the server

package syncapi

// Result statuses reported per event by the sync endpoint.
const (
	ResultAcked  = "acked"
	ResultFailed = "failed"
)

// SyncEvent is one event in a POST /sync/events batch.
type SyncEvent struct {
	EventID   string         `json:"event_id"`
	GraphID   string         `json:"graph_id"`
	BranchID  string         `json:"branch_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt int64          `json:"created_at"`
}

// SyncRequest is the POST /sync/events body.
type SyncRequest struct {
	Events []SyncEvent `json:"events"`
}

// EventResult is the server's verdict for one submitted event.
type EventResult struct {
	EventID   string         `json:"event_id"`
	Status    string         `json:"status"`
	Error     string         `json:"error,omitempty"`
	ServerIDs map[string]any `json:"server_ids,omitempty"`
}

// SyncResponse is the POST /sync/events response body.
type SyncResponse struct {
	Results []EventResult `json:"results"`
}

// ResultsByID indexes results by event id. Later duplicates win.
func (r *SyncResponse) ResultsByID() map[string]EventResult {
	out := make(map[string]EventResult)
	if r == nil {
		return out
	}
	for _, res := range r.Results {
		out[res.EventID] = res
	}
	return out
}

// Manifest is the lightweight fingerprint of a scope's server state.
type Manifest struct {
	GraphUpdatedAt  string         `json:"graph_updated_at"`
	BranchUpdatedAt string         `json:"branch_updated_at"`
	Counts          map[string]int `json:"counts"`
}

// Bootstrap is a point-in-time snapshot of a scope's server-owned read state.
// Entities are kept as loose objects; the cache only relies on their natural
// keys (url, node_id, trail_id).
type Bootstrap struct {
	GraphID         string           `json:"graph_id"`
	BranchID        string           `json:"branch_id"`
	RecentArtifacts []map[string]any `json:"recent_artifacts"`
	PinnedConcepts  []map[string]any `json:"pinned_concepts"`
	RecentTrails    []map[string]any `json:"recent_trails"`
	ServerTime      string           `json:"server_time,omitempty"`
}
