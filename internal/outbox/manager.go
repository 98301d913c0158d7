// ABOUTME: Outbox queue manager: enqueue, status transitions and ordered selection
// ABOUTME: Persists events as JSON records with status and scope index keys

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sanjayanasuri/brain-web-sub011/internal/store"
)

const (
	indexStatus = "status"
	indexScope  = "scope"
)

// EnqueueRequest describes a mutation to queue.
// EventID is optional; when empty a new one is generated.
type EnqueueRequest struct {
	GraphID   string
	BranchID  string
	Type      EventType
	Payload   map[string]any
	EventID   string
	DependsOn []string
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status   Status
	GraphID  string
	BranchID string
	Limit    int
}

// Manager owns the lifecycle of queued mutation events.
type Manager struct {
	store  store.Store
	logger *slog.Logger

	now   func() time.Time
	newID func() string

	// mu serializes load-merge-save sequences issued through this manager.
	mu          sync.Mutex
	lastCreated int64
}

// NewManager creates a Manager over the given store. Pass nil logger for default.
func NewManager(s store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  s,
		logger: logger.With("component", "outbox"),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// SetClock replaces the time source used for created_at/updated_at stamps.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Enqueue persists a new queued event and returns its id.
//
// If req.EventID names an event that already exists, the stored row is left
// untouched and the id is returned, so repeated calls with a pre-generated id
// never create duplicates.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := req.EventID
	if id != "" {
		existing, err := m.loadLocked(ctx, id)
		if err != nil {
			return "", err
		}
		if existing != nil {
			m.logger.Debug("enqueue skipped, event exists",
				"event_id", id,
				"status", existing.Status,
			)
			return id, nil
		}
	} else {
		id = m.newID()
	}

	created := m.nextCreatedLocked()
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	event := &Event{
		EventID:   id,
		GraphID:   req.GraphID,
		BranchID:  req.BranchID,
		Type:      req.Type,
		Payload:   payload,
		Status:    StatusQueued,
		Attempts:  0,
		CreatedAt: created,
		UpdatedAt: created,
		DependsOn: req.DependsOn,
	}

	if err := m.saveLocked(ctx, event); err != nil {
		return "", err
	}

	m.logger.Debug("enqueued event",
		"event_id", id,
		"type", req.Type,
		"graph_id", req.GraphID,
		"branch_id", req.BranchID,
	)
	return id, nil
}

// MarkStatus loads an event, merges fields, stamps updated_at and persists it.
//
// A missing event is a no-op. Acked events are terminal: requests to move them
// to any other status are ignored.
func (m *Manager) MarkStatus(ctx context.Context, id string, status Status, fields Fields) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	event, err := m.loadLocked(ctx, id)
	if err != nil {
		return err
	}
	if event == nil {
		m.logger.Debug("mark status skipped, event missing", "event_id", id, "status", status)
		return nil
	}
	if event.Status.Terminal() && status != event.Status {
		m.logger.Warn("ignoring transition out of terminal status",
			"event_id", id,
			"from", event.Status,
			"to", status,
		)
		return nil
	}

	event.Status = status
	fields.apply(event)
	event.UpdatedAt = m.now().UnixMilli()

	return m.saveLocked(ctx, event)
}

// Get returns an event by id, or store.ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*Event, error) {
	rec, err := m.store.Get(ctx, store.CollectionOutbox, id)
	if err != nil {
		return nil, err
	}
	return decodeEvent(rec)
}

// Select returns up to limit events with the given status, oldest-created first.
func (m *Manager) Select(ctx context.Context, status Status, limit int) ([]*Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	recs, err := m.store.Query(ctx, store.CollectionOutbox, indexStatus, store.IndexQuery{
		Prefix: string(status) + ":",
		Limit:  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("selecting %s events: %w", status, err)
	}
	return decodeEvents(recs)
}

// List returns events matching the filter, oldest-created first.
func (m *Manager) List(ctx context.Context, f ListFilter) ([]*Event, error) {
	var (
		recs []*store.Record
		err  error
	)
	switch {
	case f.GraphID != "" && f.BranchID != "":
		recs, err = m.store.Query(ctx, store.CollectionOutbox, indexScope, store.IndexQuery{
			Prefix: scopePrefix(f.GraphID, f.BranchID),
		})
	case f.Status != "":
		recs, err = m.store.Query(ctx, store.CollectionOutbox, indexStatus, store.IndexQuery{
			Prefix: string(f.Status) + ":",
			Limit:  f.Limit,
		})
	default:
		recs, err = m.store.Query(ctx, store.CollectionOutbox, indexScope, store.IndexQuery{})
	}
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}

	events, err := decodeEvents(recs)
	if err != nil {
		return nil, err
	}

	out := events[:0]
	for _, e := range events {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.GraphID != "" && e.GraphID != f.GraphID {
			continue
		}
		if f.BranchID != "" && e.BranchID != f.BranchID {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Counts returns the number of events in each status.
func (m *Manager) Counts(ctx context.Context) (map[Status]int, error) {
	counts := make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		recs, err := m.store.Query(ctx, store.CollectionOutbox, indexStatus, store.IndexQuery{
			Prefix: string(s) + ":",
		})
		if err != nil {
			return nil, fmt.Errorf("counting %s events: %w", s, err)
		}
		counts[s] = len(recs)
	}
	return counts, nil
}

// Prune deletes acked events last updated before the cutoff and returns how
// many were removed. Nothing in the sync path calls it; it is an operator action.
func (m *Manager) Prune(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs, err := m.store.Query(ctx, store.CollectionOutbox, indexStatus, store.IndexQuery{
		Prefix: string(StatusAcked) + ":",
	})
	if err != nil {
		return 0, fmt.Errorf("selecting acked events: %w", err)
	}

	cutoff := before.UnixMilli()
	removed := 0
	for _, rec := range recs {
		e, err := decodeEvent(rec)
		if err != nil {
			return removed, err
		}
		if e.UpdatedAt >= cutoff {
			continue
		}
		if err := m.store.Delete(ctx, store.CollectionOutbox, e.EventID); err != nil {
			return removed, fmt.Errorf("deleting event %s: %w", e.EventID, err)
		}
		removed++
	}

	if removed > 0 {
		m.logger.Info("pruned acked events", "count", removed, "before", before)
	}
	return removed, nil
}

// RequeueSending moves every event left in sending back to queued and
// returns how many were moved. Sending only lasts for one request, so rows
// found in it at startup belong to a drain that never finished. Attempts are
// kept; the event was never confirmed delivered.
func (m *Manager) RequeueSending(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs, err := m.store.Query(ctx, store.CollectionOutbox, indexStatus, store.IndexQuery{
		Prefix: string(StatusSending) + ":",
	})
	if err != nil {
		return 0, fmt.Errorf("selecting sending events: %w", err)
	}

	moved := 0
	for _, rec := range recs {
		e, err := decodeEvent(rec)
		if err != nil {
			return moved, err
		}
		e.Status = StatusQueued
		e.UpdatedAt = m.now().UnixMilli()
		if err := m.saveLocked(ctx, e); err != nil {
			return moved, err
		}
		moved++
	}

	if moved > 0 {
		m.logger.Warn("requeued events stranded in sending", "count", moved)
	}
	return moved, nil
}

// nextCreatedLocked returns a created_at strictly greater than the last one
// issued, so creation order is total even within a millisecond.
func (m *Manager) nextCreatedLocked() int64 {
	ts := m.now().UnixMilli()
	if ts <= m.lastCreated {
		ts = m.lastCreated + 1
	}
	m.lastCreated = ts
	return ts
}

func (m *Manager) loadLocked(ctx context.Context, id string) (*Event, error) {
	rec, err := m.store.Get(ctx, store.CollectionOutbox, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading event %s: %w", id, err)
	}
	return decodeEvent(rec)
}

func (m *Manager) saveLocked(ctx context.Context, e *Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", e.EventID, err)
	}
	rec := &store.Record{
		Collection: store.CollectionOutbox,
		Key:        e.EventID,
		Value:      data,
		UpdatedAt:  time.UnixMilli(e.UpdatedAt),
		Indexes: map[string]string{
			indexStatus: statusKey(e.Status, e.CreatedAt),
			indexScope:  scopePrefix(e.GraphID, e.BranchID) + sortableMillis(e.CreatedAt),
		},
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("saving event %s: %w", e.EventID, err)
	}
	return nil
}

func validateRequest(req EnqueueRequest) error {
	if strings.TrimSpace(req.GraphID) == "" {
		return fmt.Errorf("%w: graph_id is required", ErrInvalidEvent)
	}
	if strings.TrimSpace(req.BranchID) == "" {
		return fmt.Errorf("%w: branch_id is required", ErrInvalidEvent)
	}
	if !req.Type.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, req.Type)
	}
	return nil
}

func decodeEvent(rec *store.Record) (*Event, error) {
	var e Event
	if err := json.Unmarshal(rec.Value, &e); err != nil {
		return nil, fmt.Errorf("decoding event %s: %w", rec.Key, err)
	}
	return &e, nil
}

func decodeEvents(recs []*store.Record) ([]*Event, error) {
	events := make([]*Event, 0, len(recs))
	for _, rec := range recs {
		e, err := decodeEvent(rec)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// statusKey builds the "status" index key: status plus zero-padded created_at.
func statusKey(s Status, createdAt int64) string {
	return string(s) + ":" + sortableMillis(createdAt)
}

func scopePrefix(graphID, branchID string) string {
	return store.ScopePrefix(graphID, branchID)
}

func sortableMillis(ms int64) string {
	return fmt.Sprintf("%016d", ms)
}
