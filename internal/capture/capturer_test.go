// ABOUTME: Tests for the capture boundary
// ABOUTME: Covers validation, payload shapes, linking, duplicate suppression and notifications

package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanjayanasuri/brain-web-sub011/internal/outbox"
	"github.com/sanjayanasuri/brain-web-sub011/internal/store"
	"github.com/sanjayanasuri/brain-web-sub011/internal/syncevents"
)

func setupCapturer(t *testing.T, cfg Config, pub syncevents.Publisher) (*Capturer, *outbox.Manager) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	mgr := outbox.NewManager(st, nil)
	c := New(mgr, pub, cfg, nil)
	t.Cleanup(c.Close)
	return c, mgr
}

func queued(t *testing.T, mgr *outbox.Manager) []*outbox.Event {
	t.Helper()
	events, err := mgr.List(context.Background(), outbox.ListFilter{})
	require.NoError(t, err)
	return events
}

func TestCaptureWebpage(t *testing.T) {
	c, mgr := setupCapturer(t, Config{MinContentChars: 5}, nil)
	ctx := context.Background()

	rec, err := c.CaptureWebpage(ctx, Webpage{
		GraphID:  "g1",
		BranchID: "main",
		URL:      "https://example.com/a",
		Title:    "  Example ",
		Text:     "  hello world  ",
	})
	require.NoError(t, err)
	require.NotEmpty(t, rec.EventID)
	assert.False(t, rec.Duplicate)

	e, err := mgr.Get(ctx, rec.EventID)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, outbox.TypeArtifactIngest, e.Type)
	assert.Equal(t, outbox.StatusQueued, e.Status)
	assert.Equal(t, "https://example.com/a", e.Payload["url"])
	assert.Equal(t, "Example", e.Payload["title"])
	assert.Equal(t, "hello world", e.Payload["text"])
	assert.NotContains(t, e.Payload, "selection")
}

func TestCaptureWebpage_Validation(t *testing.T) {
	tests := []struct {
		name string
		page Webpage
	}{
		{"missing graph", Webpage{BranchID: "main", URL: "https://x.io", Text: "long enough"}},
		{"missing branch", Webpage{GraphID: "g1", URL: "https://x.io", Text: "long enough"}},
		{"missing url", Webpage{GraphID: "g1", BranchID: "main", Text: "long enough"}},
		{"non http url", Webpage{GraphID: "g1", BranchID: "main", URL: "file:///etc/passwd", Text: "long enough"}},
		{"relative url", Webpage{GraphID: "g1", BranchID: "main", URL: "/just/a/path", Text: "long enough"}},
		{"short text", Webpage{GraphID: "g1", BranchID: "main", URL: "https://x.io", Text: "  hi  "}},
		{"blank text", Webpage{GraphID: "g1", BranchID: "main", URL: "https://x.io", Text: "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, mgr := setupCapturer(t, Config{MinContentChars: 5}, nil)
			_, err := c.CaptureWebpage(context.Background(), tt.page)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Empty(t, queued(t, mgr), "rejected captures must not be queued")
		})
	}
}

func TestCreateResource_WithLink(t *testing.T) {
	c, mgr := setupCapturer(t, DefaultConfig(), nil)
	ctx := context.Background()

	rec, err := c.CreateResource(ctx, Resource{
		GraphID:  "g1",
		BranchID: "main",
		Kind:     "pdf",
		URL:      "https://example.com/paper.pdf",
		Caption:  "the paper",
		LinkTo:   "concept-7",
	})
	require.NoError(t, err)
	require.NotEmpty(t, rec.LinkEventID)

	create, err := mgr.Get(ctx, rec.EventID)
	require.NoError(t, err)
	assert.Equal(t, outbox.TypeResourceCreate, create.Type)
	assert.Equal(t, "pdf", create.Payload["kind"])
	assert.Equal(t, "the paper", create.Payload["caption"])

	link, err := mgr.Get(ctx, rec.LinkEventID)
	require.NoError(t, err)
	assert.Equal(t, outbox.TypeResourceLink, link.Type)
	assert.Equal(t, []string{rec.EventID}, link.DependsOn)
	assert.Equal(t, rec.EventID, link.Payload["resource_event_id"])
	assert.Equal(t, "concept-7", link.Payload["concept_id"])

	// Link is created after the resource, so it drains after it.
	assert.Greater(t, link.CreatedAt, create.CreatedAt)
}

func TestCreateResource_Validation(t *testing.T) {
	c, mgr := setupCapturer(t, DefaultConfig(), nil)

	_, err := c.CreateResource(context.Background(), Resource{GraphID: "g1", BranchID: "main"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = c.CreateResource(context.Background(), Resource{GraphID: "g1", BranchID: "main", URL: "ftp://x"})
	assert.ErrorIs(t, err, ErrValidation)

	assert.Empty(t, queued(t, mgr))
}

func TestCreateResource_TitleOnly(t *testing.T) {
	c, mgr := setupCapturer(t, DefaultConfig(), nil)

	rec, err := c.CreateResource(context.Background(), Resource{GraphID: "g1", BranchID: "main", Title: "A note"})
	require.NoError(t, err)
	assert.Empty(t, rec.LinkEventID)
	assert.Len(t, queued(t, mgr), 1)
}

func TestAppendTrailStep(t *testing.T) {
	c, mgr := setupCapturer(t, DefaultConfig(), nil)
	ctx := context.Background()

	_, err := c.AppendTrailStep(ctx, TrailStep{GraphID: "g1", BranchID: "main", URL: "https://x.io"})
	assert.ErrorIs(t, err, ErrValidation, "trail id required")

	_, err = c.AppendTrailStep(ctx, TrailStep{GraphID: "g1", BranchID: "main", TrailID: "t1"})
	assert.ErrorIs(t, err, ErrValidation, "url or note required")

	rec, err := c.AppendTrailStep(ctx, TrailStep{GraphID: "g1", BranchID: "main", TrailID: "t1", Note: "read later"})
	require.NoError(t, err)

	e, err := mgr.Get(ctx, rec.EventID)
	require.NoError(t, err)
	assert.Equal(t, outbox.TypeTrailStepAppend, e.Type)
	assert.Equal(t, "t1", e.Payload["trail_id"])
	assert.Equal(t, "read later", e.Payload["note"])
}

func TestCreateFeedback(t *testing.T) {
	c, mgr := setupCapturer(t, DefaultConfig(), nil)
	ctx := context.Background()

	tests := []struct {
		name string
		fb   Feedback
		ok   bool
	}{
		{"thumbs up", Feedback{TargetID: "n1", Rating: 1}, true},
		{"comment only", Feedback{TargetID: "n2", Text: "wrong date"}, true},
		{"no target", Feedback{Rating: 1}, false},
		{"rating out of range", Feedback{TargetID: "n1", Rating: 5}, false},
		{"empty", Feedback{TargetID: "n1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fb.GraphID, tt.fb.BranchID = "g1", "main"
			rec, err := c.CreateFeedback(ctx, tt.fb)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			e, err := mgr.Get(ctx, rec.EventID)
			require.NoError(t, err)
			assert.Equal(t, outbox.TypeFeedbackCreate, e.Type)
			assert.InDelta(t, float64(tt.fb.Rating), e.Payload["rating"], 0)
		})
	}
}

func TestSubmit(t *testing.T) {
	c, mgr := setupCapturer(t, DefaultConfig(), nil)
	ctx := context.Background()

	rec, err := c.Submit(ctx, Request{
		GraphID:  "g1",
		BranchID: "main",
		Type:     "concept.create",
		Payload:  map[string]any{"name": "Entropy"},
		EventID:  "evt-fixed",
	})
	require.NoError(t, err)
	assert.Equal(t, "evt-fixed", rec.EventID)

	// Same id again is a no-op at the outbox.
	rec, err = c.Submit(ctx, Request{GraphID: "g1", BranchID: "main", Type: "concept.create", EventID: "evt-fixed"})
	require.NoError(t, err)
	assert.Equal(t, "evt-fixed", rec.EventID)
	assert.Len(t, queued(t, mgr), 1)

	_, err = c.Submit(ctx, Request{GraphID: "g1", BranchID: "main", Type: "concept.delete"})
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, err, outbox.ErrInvalidEvent)
}

func TestDuplicateSuppression(t *testing.T) {
	c, mgr := setupCapturer(t, Config{MinContentChars: 1, DedupeTTL: time.Minute}, nil)
	ctx := context.Background()
	page := Webpage{GraphID: "g1", BranchID: "main", URL: "https://x.io", Text: "same text"}

	first, err := c.CaptureWebpage(ctx, page)
	require.NoError(t, err)
	second, err := c.CaptureWebpage(ctx, page)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.EventID, second.EventID)
	assert.Len(t, queued(t, mgr), 1)

	// A different scope is a different capture.
	page.BranchID = "draft"
	third, err := c.CaptureWebpage(ctx, page)
	require.NoError(t, err)
	assert.False(t, third.Duplicate)
	assert.Len(t, queued(t, mgr), 2)
}

func TestDuplicateSuppressionDisabled(t *testing.T) {
	c, mgr := setupCapturer(t, Config{MinContentChars: 1}, nil)
	ctx := context.Background()
	page := Webpage{GraphID: "g1", BranchID: "main", URL: "https://x.io", Text: "same text"}

	_, err := c.CaptureWebpage(ctx, page)
	require.NoError(t, err)
	_, err = c.CaptureWebpage(ctx, page)
	require.NoError(t, err)
	assert.Len(t, queued(t, mgr), 2)
}

type failingQueue struct{ err error }

func (q failingQueue) Enqueue(context.Context, outbox.EnqueueRequest) (string, error) {
	return "", q.err
}

func TestStoreFailureIsNotValidation(t *testing.T) {
	c := New(failingQueue{err: errors.New("disk full")}, nil, Config{DedupeTTL: time.Minute}, nil)
	defer c.Close()

	_, err := c.CaptureWebpage(context.Background(), Webpage{GraphID: "g1", BranchID: "main", URL: "https://x.io", Text: "body"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "disk full")
	assert.Zero(t, c.recent.Len(), "failed captures are not remembered")
}

func TestPublishesCaptureEnqueued(t *testing.T) {
	bus := syncevents.NewBroadcaster(nil)
	defer bus.Close()
	ch, _ := bus.Subscribe(t.Context(), syncevents.TopicCaptureEnqueued)

	c, _ := setupCapturer(t, Config{DedupeTTL: time.Minute}, bus)
	rec, err := c.AppendTrailStep(context.Background(), TrailStep{GraphID: "g1", BranchID: "main", TrailID: "t1", URL: "https://x.io"})
	require.NoError(t, err)

	select {
	case e := <-ch:
		assert.Equal(t, rec.EventID, e.Data["event_id"])
		assert.Equal(t, "trail.step.append", e.Data["type"])
		assert.Equal(t, "g1", e.GraphID)
	case <-time.After(time.Second):
		t.Fatal("no capture event published")
	}

	// Duplicates publish nothing.
	_, err = c.AppendTrailStep(context.Background(), TrailStep{GraphID: "g1", BranchID: "main", TrailID: "t1", URL: "https://x.io"})
	require.NoError(t, err)
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %v", e)
	case <-time.After(50 * time.Millisecond):
	}
}
