// ABOUTME: Tests for the sync gateway wiring
// ABOUTME: Runs the full stack against the fake sync server

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanjayanasuri/brain-web-sub011/internal/cache"
	"github.com/sanjayanasuri/brain-web-sub011/internal/capture"
	"github.com/sanjayanasuri/brain-web-sub011/internal/config"
	"github.com/sanjayanasuri/brain-web-sub011/internal/outbox"
	"github.com/sanjayanasuri/brain-web-sub011/internal/store"
	"github.com/sanjayanasuri/brain-web-sub011/internal/syncapi"
	"github.com/sanjayanasuri/brain-web-sub011/internal/syncapi/synctest"
	"github.com/sanjayanasuri/brain-web-sub011/internal/syncevents"
)

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.BaseURL = baseURL
	cfg.Database.Path = filepath.Join(t.TempDir(), "sync.db")
	cfg.Status.HTTPAddr = "127.0.0.1:0"
	cfg.Drain.InterBatchDelay = 0
	cfg.Autosync.ProbeInterval = 20 * time.Millisecond
	cfg.Autosync.Interval = time.Hour
	return cfg
}

func setupFake(t *testing.T) (*synctest.Server, string) {
	t.Helper()
	fake := synctest.NewServer(nil)
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return fake, srv.URL
}

func TestNew_DrainPublishesResult(t *testing.T) {
	fake, url := setupFake(t)
	gw := newWithStore(testConfig(t, url), store.NewMemoryStore(), nil)
	defer gw.Close()

	ctx := context.Background()
	completed, _ := gw.Events().Subscribe(t.Context(), syncevents.TopicDrainCompleted)

	rec, err := gw.Capturer().CaptureWebpage(ctx, capture.Webpage{
		GraphID: "g1", BranchID: "main", URL: "https://example.com", Text: "some page text",
	})
	require.NoError(t, err)

	require.True(t, gw.Monitor().Check(ctx))
	res := gw.Coordinator().Drain(ctx)
	require.NoError(t, res.Err)
	assert.True(t, res.Drained)
	assert.Equal(t, 1, res.Acked)
	assert.Equal(t, []string{rec.EventID}, fake.Applied())

	select {
	case e := <-completed:
		assert.InDelta(t, 1, e.Data["acked"], 0)
		assert.Equal(t, true, e.Data["drained"])
	case <-time.After(time.Second):
		t.Fatal("no drain.completed event")
	}

	e, err := gw.Outbox().Get(ctx, rec.EventID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusAcked, e.Status)
}

func TestNew_OfflineDrainPublishesNothing(t *testing.T) {
	_, url := setupFake(t)
	gw := newWithStore(testConfig(t, url), store.NewMemoryStore(), nil)
	defer gw.Close()

	completed, _ := gw.Events().Subscribe(t.Context(), syncevents.TopicDrainCompleted)
	res := gw.Coordinator().Drain(context.Background())
	assert.True(t, res.Offline)

	select {
	case e := <-completed:
		t.Fatalf("unexpected event %v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStatusHandler(t *testing.T) {
	_, url := setupFake(t)
	gw := newWithStore(testConfig(t, url), store.NewMemoryStore(), nil)
	defer gw.Close()

	h := gw.StatusHandler()
	require.NotNil(t, h)

	body := `{"graph_id":"g1","branch_id":"main","type":"trail.step.append","payload":{"trail_id":"t1"}}`
	req := httptest.NewRequest(http.MethodPost, "/capture", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.InDelta(t, 1, snap["pending"], 0)
}

func TestStatusDisabled(t *testing.T) {
	_, url := setupFake(t)
	cfg := testConfig(t, url)
	cfg.Status.HTTPAddr = ""
	gw := newWithStore(cfg, store.NewMemoryStore(), nil)
	defer gw.Close()

	assert.Nil(t, gw.StatusHandler())
}

func TestRun_SyncsAndRefreshesInBackground(t *testing.T) {
	fake, url := setupFake(t)
	fake.SetBootstrap("g1", "main", syncapi.Bootstrap{
		GraphID:         "g1",
		BranchID:        "main",
		RecentArtifacts: []map[string]any{{"url": "https://a.io", "title": "A"}},
	})

	cfg := testConfig(t, url)
	cfg.Autosync.Scopes = []cache.Scope{{GraphID: "g1", BranchID: "main"}}
	cfg.Capture.SpoolDir = filepath.Join(t.TempDir(), "spool")

	gw, err := New(cfg, nil)
	require.NoError(t, err)

	// Queue before start; the first reconnect drains it.
	_, err = gw.Outbox().Enqueue(context.Background(), outbox.EnqueueRequest{
		GraphID: "g1", BranchID: "main", Type: outbox.TypeConceptCreate, EventID: "pre-start",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(fake.Applied()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"pre-start"}, fake.Applied())

	require.Eventually(t, func() bool {
		entry, err := gw.Cache().Artifact(context.Background(), "g1", "main", "https://a.io")
		return err == nil && entry != nil
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("gateway did not shut down")
	}
}

func TestRun_BadStatusAddr(t *testing.T) {
	_, url := setupFake(t)
	cfg := testConfig(t, url)
	cfg.Status.HTTPAddr = "256.0.0.1:bad"

	gw, err := New(cfg, nil)
	require.NoError(t, err)

	err = gw.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on status address")
}

func TestNew_RequeuesEventsLeftSending(t *testing.T) {
	fake, url := setupFake(t)
	cfg := testConfig(t, url)
	ctx := context.Background()

	// A previous process marked e1 sending and died before recording a result.
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	require.NoError(t, err)
	prev := outbox.NewManager(st, nil)
	_, err = prev.Enqueue(ctx, outbox.EnqueueRequest{
		GraphID: "g1", BranchID: "main", Type: outbox.TypeTrailStepAppend, EventID: "e1",
	})
	require.NoError(t, err)
	require.NoError(t, prev.MarkStatus(ctx, "e1", outbox.StatusSending, outbox.Fields{}))
	require.NoError(t, st.Close())

	gw, err := New(cfg, nil)
	require.NoError(t, err)
	defer gw.Close()

	e, err := gw.Outbox().Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusQueued, e.Status)

	require.True(t, gw.Monitor().Check(ctx))
	res := gw.Coordinator().Drain(ctx)
	require.NoError(t, res.Err)
	assert.True(t, res.Drained)
	assert.Equal(t, 1, res.Acked)
	assert.Equal(t, []string{"e1"}, fake.Applied())
}
