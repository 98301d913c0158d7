// ABOUTME: Aggregates queue counts, connectivity and the last drain into one status view
// ABOUTME: Backs the status HTTP endpoint and the CLI status command

package status

import (
	"context"
	"fmt"
	"time"

	"github.com/sanjayanasuri/brain-web-sub011/internal/connectivity"
	"github.com/sanjayanasuri/brain-web-sub011/internal/drain"
	"github.com/sanjayanasuri/brain-web-sub011/internal/outbox"
)

// Queue is the read side of the outbox. outbox.Manager satisfies it.
type Queue interface {
	Counts(ctx context.Context) (map[outbox.Status]int, error)
	Select(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Event, error)
	List(ctx context.Context, f outbox.ListFilter) ([]*outbox.Event, error)
}

// ConnectivityReader exposes the connectivity view. connectivity.Monitor
// satisfies it.
type ConnectivityReader interface {
	Status() connectivity.Status
}

// DrainHistory exposes the last drain outcome. drain.Coordinator satisfies it.
type DrainHistory interface {
	Last() (drain.Result, bool)
	Running() bool
}

// Snapshot is a point-in-time view of sync health.
type Snapshot struct {
	Online       bool                `json:"online"`
	Connectivity connectivity.Status `json:"connectivity"`
	Counts       map[string]int      `json:"counts"`
	Pending      int                 `json:"pending"`
	// OldestPendingAt is the created_at of the oldest unacknowledged event.
	OldestPendingAt *time.Time    `json:"oldest_pending_at,omitempty"`
	DrainRunning    bool          `json:"drain_running"`
	LastDrain       *drain.Result `json:"last_drain,omitempty"`
}

// Reporter builds snapshots. conn and history may be nil.
type Reporter struct {
	queue   Queue
	conn    ConnectivityReader
	history DrainHistory
}

// NewReporter creates a reporter.
func NewReporter(q Queue, conn ConnectivityReader, history DrainHistory) *Reporter {
	return &Reporter{queue: q, conn: conn, history: history}
}

// Snapshot collects the current status.
func (r *Reporter) Snapshot(ctx context.Context) (*Snapshot, error) {
	counts, err := r.queue.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}

	s := &Snapshot{Counts: make(map[string]int, len(outbox.Statuses))}
	for _, st := range outbox.Statuses {
		s.Counts[string(st)] = counts[st]
		if !st.Terminal() {
			s.Pending += counts[st]
		}
	}

	oldest, err := r.oldestPending(ctx)
	if err != nil {
		return nil, err
	}
	if oldest > 0 {
		t := time.UnixMilli(oldest).UTC()
		s.OldestPendingAt = &t
	}

	if r.conn != nil {
		s.Connectivity = r.conn.Status()
		s.Online = s.Connectivity.Online
	}
	if r.history != nil {
		s.DrainRunning = r.history.Running()
		if last, ok := r.history.Last(); ok {
			s.LastDrain = &last
		}
	}
	return s, nil
}

// Failed returns failed events, oldest first.
func (r *Reporter) Failed(ctx context.Context, graphID, branchID string, limit int) ([]*outbox.Event, error) {
	events, err := r.queue.List(ctx, outbox.ListFilter{
		Status:   outbox.StatusFailed,
		GraphID:  graphID,
		BranchID: branchID,
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("listing failed events: %w", err)
	}
	return events, nil
}

// oldestPending returns the smallest created_at over every non-terminal
// status, or 0 when nothing is pending.
func (r *Reporter) oldestPending(ctx context.Context) (int64, error) {
	var oldest int64
	for _, st := range outbox.Statuses {
		if st.Terminal() {
			continue
		}
		events, err := r.queue.Select(ctx, st, 1)
		if err != nil {
			return 0, fmt.Errorf("selecting %s events: %w", st, err)
		}
		if len(events) > 0 && (oldest == 0 || events[0].CreatedAt < oldest) {
			oldest = events[0].CreatedAt
		}
	}
	return oldest, nil
}
