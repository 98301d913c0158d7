// ABOUTME: In-memory stand-in for the server's sync, manifest and bootstrap endpoints
// ABOUTME: Programmable per-event outcomes and failure injection for tests and local development

// Package synctest provides an in-memory implementation of the server
// collaborator. It deduplicates deliveries by event_id the way the real server
// does, and lets tests script failures: per-event rejections, omitted results,
// whole-batch status overrides, slow responses and dropped connections.
package synctest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sanjayanasuri/brain-web-sub011/internal/syncapi"
)

// Calls counts requests per endpoint.
type Calls struct {
	Sync      int
	Manifest  int
	Bootstrap int
	Health    int
}

type scope struct {
	graphID  string
	branchID string
}

// Server implements the sync endpoints in memory. The zero value is not
// usable; call NewServer.
type Server struct {
	mu sync.Mutex

	failNext   map[string][]string // event_id -> queued rejection messages
	omit       map[string]int      // event_id -> remaining responses to omit it from
	applied    map[string]syncapi.SyncEvent
	serverIDs  map[string]map[string]any
	deliveries map[string]int
	batches    [][]string
	nextID     int

	syncStatus int
	syncDelay  time.Duration
	dropConn   int // remaining sync requests to drop without a response
	healthy    bool

	manifests     map[scope]*syncapi.Manifest
	manifestFails bool
	bootstraps    map[scope]*syncapi.Bootstrap

	calls  Calls
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer creates an empty, healthy server.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		failNext:   make(map[string][]string),
		omit:       make(map[string]int),
		applied:    make(map[string]syncapi.SyncEvent),
		serverIDs:  make(map[string]map[string]any),
		deliveries: make(map[string]int),
		healthy:    true,
		manifests:  make(map[scope]*syncapi.Manifest),
		bootstraps: make(map[scope]*syncapi.Bootstrap),
		logger:     logger.With("component", "synctest"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sync/events", s.handleSync)
	mux.HandleFunc("GET /offline/manifest", s.handleManifest)
	mux.HandleFunc("GET /offline/bootstrap", s.handleBootstrap)
	mux.HandleFunc("GET /health", s.handleHealth)
	s.mux = mux
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// FailNext makes the next delivery of eventID come back failed with msg.
// Calls stack: each queued message is consumed by one delivery.
func (s *Server) FailNext(eventID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[eventID] = append(s.failNext[eventID], msg)
}

// OmitResult leaves eventID out of the next n sync responses.
func (s *Server) OmitResult(eventID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omit[eventID] = n
}

// SetSyncStatus forces the HTTP status of sync responses. Zero restores 200.
// With a non-2xx status, events are still reported but nothing is applied.
func (s *Server) SetSyncStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncStatus = code
}

// SetSyncDelay delays sync responses, honouring client cancellation.
func (s *Server) SetSyncDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncDelay = d
}

// DropConnections makes the next n sync requests close the connection
// without a response.
func (s *Server) DropConnections(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropConn = n
}

// SetHealthy controls the /health answer.
func (s *Server) SetHealthy(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = ok
}

// SetManifest sets the manifest served for a scope.
func (s *Server) SetManifest(graphID, branchID string, m syncapi.Manifest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[scope{graphID, branchID}] = &m
}

// SetManifestFailing makes manifest requests answer 500.
func (s *Server) SetManifestFailing(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifestFails = fail
}

// SetBootstrap sets the snapshot served for a scope.
func (s *Server) SetBootstrap(graphID, branchID string, b syncapi.Bootstrap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bootstraps[scope{graphID, branchID}] = &b
}

// Calls returns request counters.
func (s *Server) Calls() Calls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Batches returns the event ids of every sync request received, in order.
func (s *Server) Batches() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]string(nil), b...)
	}
	return out
}

// Deliveries returns how many times eventID was submitted.
func (s *Server) Deliveries(eventID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliveries[eventID]
}

// Applied returns the ids of events the server accepted, sorted.
func (s *Server) Applied() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.applied))
	for id := range s.applied {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.calls.Sync++
	if s.dropConn > 0 {
		s.dropConn--
		s.mu.Unlock()
		dropConnection(w)
		return
	}
	delay := s.syncDelay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	var req syncapi.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	status := http.StatusOK
	if s.syncStatus != 0 {
		status = s.syncStatus
	}
	apply := syncapi.IsSuccess(status)

	ids := make([]string, 0, len(req.Events))
	results := make([]syncapi.EventResult, 0, len(req.Events))
	for _, ev := range req.Events {
		ids = append(ids, ev.EventID)
		s.deliveries[ev.EventID]++

		if n := s.omit[ev.EventID]; n > 0 {
			s.omit[ev.EventID] = n - 1
			continue
		}

		if msgs := s.failNext[ev.EventID]; len(msgs) > 0 {
			s.failNext[ev.EventID] = msgs[1:]
			results = append(results, syncapi.EventResult{
				EventID: ev.EventID,
				Status:  syncapi.ResultFailed,
				Error:   msgs[0],
			})
			continue
		}

		if !apply {
			results = append(results, syncapi.EventResult{
				EventID: ev.EventID,
				Status:  syncapi.ResultFailed,
				Error:   http.StatusText(status),
			})
			continue
		}

		// Replays of an applied event are acknowledged with the original ids.
		if _, ok := s.applied[ev.EventID]; !ok {
			s.nextID++
			s.applied[ev.EventID] = ev
			s.serverIDs[ev.EventID] = map[string]any{"id": fmt.Sprintf("srv-%d", s.nextID)}
		}
		results = append(results, syncapi.EventResult{
			EventID:   ev.EventID,
			Status:    syncapi.ResultAcked,
			ServerIDs: s.serverIDs[ev.EventID],
		})
	}
	s.batches = append(s.batches, ids)

	s.logger.Debug("sync batch",
		"events", len(req.Events),
		"status", status,
	)
	writeJSON(w, status, syncapi.SyncResponse{Results: results})
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Manifest++

	if s.manifestFails {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "manifest unavailable"})
		return
	}
	m, ok := s.manifests[scopeOf(r)]
	if !ok {
		writeJSON(w, http.StatusOK, syncapi.Manifest{Counts: map[string]int{}})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Bootstrap++

	b, ok := s.bootstraps[scopeOf(r)]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "no offline data"})
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Health++

	if !s.healthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func scopeOf(r *http.Request) scope {
	q := r.URL.Query()
	return scope{graphID: q.Get("graph_id"), branchID: q.Get("branch_id")}
}

// dropConnection closes the underlying connection so the client sees a
// transport failure instead of a response.
func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic(http.ErrAbortHandler)
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(http.ErrAbortHandler)
	}
	conn.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
