// ABOUTME: Local HTTP surface: status, failed events, manual drain, capture intake and an SSE event stream
// ABOUTME: Runs an http.Server with graceful shutdown on context cancellation

package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sanjayanasuri/brain-web-sub011/internal/capture"
	"github.com/sanjayanasuri/brain-web-sub011/internal/drain"
	"github.com/sanjayanasuri/brain-web-sub011/internal/syncevents"
)

const maxCaptureBody = 4 << 20

// Drainer runs a drain on demand. drain.Coordinator satisfies it.
type Drainer interface {
	Drain(ctx context.Context) drain.Result
}

// Subscriber streams sync events. syncevents.Broadcaster satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, topics ...string) (<-chan syncevents.Event, string)
}

// Options wires the server. Reporter is required; the rest enable their
// endpoints when set.
type Options struct {
	Addr      string
	Reporter  *Reporter
	Drainer   Drainer
	Submitter capture.Submitter
	Events    Subscriber
	Logger    *slog.Logger
}

// DrainResponse is the JSON response for POST /drain.
type DrainResponse struct {
	drain.Result
	Error string `json:"error,omitempty"`
}

// FailedResponse is the JSON response for GET /status/failed.
type FailedResponse struct {
	Events []FailedEvent `json:"events"`
}

// FailedEvent summarizes one failed event.
type FailedEvent struct {
	EventID        string `json:"event_id"`
	GraphID        string `json:"graph_id"`
	BranchID       string `json:"branch_id"`
	Type           string `json:"type"`
	Attempts       int    `json:"attempts"`
	LastError      string `json:"last_error,omitempty"`
	LastHTTPStatus int    `json:"last_http_status,omitempty"`
	UpdatedAt      string `json:"updated_at"`
}

// Server serves the local status API.
type Server struct {
	opts       Options
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer builds the server and its routes.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{opts: opts, logger: logger.With("component", "status")}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/status/failed", s.handleFailed)
	if opts.Drainer != nil {
		mux.HandleFunc("/drain", s.handleDrain)
	}
	if opts.Submitter != nil {
		mux.HandleFunc("/capture", s.handleCapture)
	}
	if opts.Events != nil {
		mux.HandleFunc("/events", s.handleEvents)
	}

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routes, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run listens and serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listening on status address: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run over an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// Streams end when ctx does, so Shutdown is not held open by SSE clients.
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("status server: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down status server")
	case serveErr = <-errCh:
		s.logger.Error("server error", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		return fmt.Errorf("shutting down status server: %w", err)
	}
	return serveErr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snap, err := s.opts.Reporter.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("building status snapshot", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.sendJSON(w, http.StatusOK, snap)
}

// handleFailed handles GET /status/failed?graph_id=&branch_id=&limit=.
func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := s.opts.Reporter.Failed(r.Context(), q.Get("graph_id"), q.Get("branch_id"), limit)
	if err != nil {
		s.logger.Error("listing failed events", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := FailedResponse{Events: make([]FailedEvent, 0, len(events))}
	for _, e := range events {
		resp.Events = append(resp.Events, FailedEvent{
			EventID:        e.EventID,
			GraphID:        e.GraphID,
			BranchID:       e.BranchID,
			Type:           string(e.Type),
			Attempts:       e.Attempts,
			LastError:      e.LastError,
			LastHTTPStatus: e.LastHTTPStatus,
			UpdatedAt:      time.UnixMilli(e.UpdatedAt).UTC().Format(time.RFC3339),
		})
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleDrain runs (or joins) a drain and returns its result.
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	res := s.opts.Drainer.Drain(r.Context())
	resp := DrainResponse{Result: res}
	status := http.StatusOK
	if res.Err != nil {
		resp.Error = res.Err.Error()
		status = http.StatusInternalServerError
	}
	s.sendJSON(w, status, resp)
}

// handleCapture accepts a capture.Request body and queues it.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCaptureBody))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var req capture.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	rec, err := s.opts.Submitter.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, capture.ErrValidation) {
			s.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("capture failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	status := http.StatusCreated
	if rec.Duplicate {
		status = http.StatusOK
	}
	s.sendJSON(w, status, rec)
}

// handleEvents streams sync events as SSE. ?topic= may be repeated or
// comma-separated; no topic means everything.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var topics []string
	for _, v := range r.URL.Query()["topic"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}

	ch, _ := s.opts.Events.Subscribe(r.Context(), topics...)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.writeSSEEvent(w, e.Topic, e)
			flusher.Flush()
		}
	}
}

func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}
