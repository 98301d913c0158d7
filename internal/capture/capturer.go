// ABOUTME: Capture boundary: validates user captures and enqueues them as outbox mutations
// ABOUTME: Suppresses accidental double submissions within a short window

package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sanjayanasuri/brain-web-sub011/internal/dedupe"
	"github.com/sanjayanasuri/brain-web-sub011/internal/outbox"
	"github.com/sanjayanasuri/brain-web-sub011/internal/syncevents"
)

// ErrValidation is returned when a capture is rejected before it is queued.
var ErrValidation = errors.New("validation_error")

// Enqueuer queues a mutation. outbox.Manager satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, req outbox.EnqueueRequest) (string, error)
}

// Config tunes validation and duplicate suppression.
type Config struct {
	// MinContentChars is the minimum trimmed text length of a webpage capture.
	MinContentChars int
	// DedupeTTL is how long an identical submission maps to the first event.
	// Zero disables duplicate suppression.
	DedupeTTL time.Duration
}

// DefaultConfig returns the defaults used by the binary.
func DefaultConfig() Config {
	return Config{MinContentChars: 1, DedupeTTL: 10 * time.Second}
}

// Request is a generic mutation submission. Its JSON form is also the spool
// file format.
type Request struct {
	GraphID   string         `json:"graph_id"`
	BranchID  string         `json:"branch_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	EventID   string         `json:"event_id,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
}

// Receipt reports what a capture queued.
type Receipt struct {
	EventID string `json:"event_id"`
	// LinkEventID is set when a resource was also linked to a concept.
	LinkEventID string `json:"link_event_id,omitempty"`
	// Duplicate is true when an identical recent submission was found and
	// nothing new was queued.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Webpage is a captured page or selection.
type Webpage struct {
	GraphID   string
	BranchID  string
	URL       string
	Title     string
	Text      string
	Selection string
}

// Resource is a standalone resource, optionally linked to a concept.
type Resource struct {
	GraphID  string
	BranchID string
	Kind     string
	URL      string
	Title    string
	Caption  string
	// LinkTo is a concept node id to attach the resource to.
	LinkTo string
}

// TrailStep appends a visited page or a note to a trail.
type TrailStep struct {
	GraphID  string
	BranchID string
	TrailID  string
	URL      string
	Title    string
	Note     string
}

// Feedback rates or comments on a node, artifact or answer.
type Feedback struct {
	GraphID  string
	BranchID string
	TargetID string
	Rating   int
	Text     string
}

// Capturer turns captures into queued outbox events.
type Capturer struct {
	queue     Enqueuer
	publisher syncevents.Publisher
	cfg       Config
	recent    *dedupe.Cache
	logger    *slog.Logger
}

// New creates a capturer. publisher may be nil. Call Close to release the
// duplicate-suppression cache.
func New(q Enqueuer, publisher syncevents.Publisher, cfg Config, logger *slog.Logger) *Capturer {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = syncevents.Noop{}
	}
	if cfg.MinContentChars < 1 {
		cfg.MinContentChars = 1
	}
	c := &Capturer{
		queue:     q,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With("component", "capture"),
	}
	if cfg.DedupeTTL > 0 {
		c.recent = dedupe.New(cfg.DedupeTTL, 4096)
	}
	return c
}

// Close stops background cleanup.
func (c *Capturer) Close() {
	if c.recent != nil {
		c.recent.Close()
	}
}

// CaptureWebpage queues an artifact.ingest event.
func (c *Capturer) CaptureWebpage(ctx context.Context, w Webpage) (Receipt, error) {
	u, err := validURL(w.URL)
	if err != nil {
		return Receipt{}, err
	}
	text := strings.TrimSpace(w.Text)
	if n := utf8.RuneCountInString(text); n < c.cfg.MinContentChars {
		return Receipt{}, fmt.Errorf("%w: text has %d characters, need at least %d", ErrValidation, n, c.cfg.MinContentChars)
	}

	payload := map[string]any{
		"url":  u,
		"text": text,
	}
	if t := strings.TrimSpace(w.Title); t != "" {
		payload["title"] = t
	}
	if s := strings.TrimSpace(w.Selection); s != "" {
		payload["selection"] = s
	}
	return c.submit(ctx, w.GraphID, w.BranchID, outbox.TypeArtifactIngest, payload, "", nil)
}

// CreateResource queues resource.create, and resource.link when LinkTo is
// set. The link event lists the create event in DependsOn.
func (c *Capturer) CreateResource(ctx context.Context, r Resource) (Receipt, error) {
	u := strings.TrimSpace(r.URL)
	title := strings.TrimSpace(r.Title)
	if u == "" && title == "" {
		return Receipt{}, fmt.Errorf("%w: resource needs a url or a title", ErrValidation)
	}
	if u != "" {
		var err error
		if u, err = validURL(u); err != nil {
			return Receipt{}, err
		}
	}

	payload := map[string]any{}
	if u != "" {
		payload["url"] = u
	}
	if title != "" {
		payload["title"] = title
	}
	if k := strings.TrimSpace(r.Kind); k != "" {
		payload["kind"] = k
	}
	if caption := strings.TrimSpace(r.Caption); caption != "" {
		payload["caption"] = caption
	}

	rec, err := c.submit(ctx, r.GraphID, r.BranchID, outbox.TypeResourceCreate, payload, "", nil)
	if err != nil || strings.TrimSpace(r.LinkTo) == "" {
		return rec, err
	}

	link := map[string]any{
		"resource_event_id": rec.EventID,
		"concept_id":        strings.TrimSpace(r.LinkTo),
	}
	linked, err := c.submit(ctx, r.GraphID, r.BranchID, outbox.TypeResourceLink, link, "", []string{rec.EventID})
	if err != nil {
		return rec, fmt.Errorf("linking resource %s: %w", rec.EventID, err)
	}
	rec.LinkEventID = linked.EventID
	return rec, nil
}

// AppendTrailStep queues trail.step.append.
func (c *Capturer) AppendTrailStep(ctx context.Context, s TrailStep) (Receipt, error) {
	trailID := strings.TrimSpace(s.TrailID)
	if trailID == "" {
		return Receipt{}, fmt.Errorf("%w: trail_id is required", ErrValidation)
	}
	u := strings.TrimSpace(s.URL)
	note := strings.TrimSpace(s.Note)
	if u == "" && note == "" {
		return Receipt{}, fmt.Errorf("%w: trail step needs a url or a note", ErrValidation)
	}

	payload := map[string]any{"trail_id": trailID}
	if u != "" {
		var err error
		if u, err = validURL(u); err != nil {
			return Receipt{}, err
		}
		payload["url"] = u
	}
	if note != "" {
		payload["note"] = note
	}
	if t := strings.TrimSpace(s.Title); t != "" {
		payload["title"] = t
	}
	return c.submit(ctx, s.GraphID, s.BranchID, outbox.TypeTrailStepAppend, payload, "", nil)
}

// CreateFeedback queues feedback.create. Rating is -1, 0 or 1; a zero
// rating needs text.
func (c *Capturer) CreateFeedback(ctx context.Context, f Feedback) (Receipt, error) {
	target := strings.TrimSpace(f.TargetID)
	if target == "" {
		return Receipt{}, fmt.Errorf("%w: target_id is required", ErrValidation)
	}
	if f.Rating < -1 || f.Rating > 1 {
		return Receipt{}, fmt.Errorf("%w: rating must be -1, 0 or 1", ErrValidation)
	}
	text := strings.TrimSpace(f.Text)
	if f.Rating == 0 && text == "" {
		return Receipt{}, fmt.Errorf("%w: feedback needs a rating or text", ErrValidation)
	}

	payload := map[string]any{"target_id": target, "rating": f.Rating}
	if text != "" {
		payload["text"] = text
	}
	return c.submit(ctx, f.GraphID, f.BranchID, outbox.TypeFeedbackCreate, payload, "", nil)
}

// Submit queues any mutation type. Requests with an EventID bypass
// duplicate suppression; the outbox already treats a repeated id as a no-op.
func (c *Capturer) Submit(ctx context.Context, req Request) (Receipt, error) {
	typ, err := outbox.ParseEventType(req.Type)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return c.submit(ctx, req.GraphID, req.BranchID, typ, req.Payload, req.EventID, req.DependsOn)
}

func (c *Capturer) submit(ctx context.Context, graphID, branchID string, typ outbox.EventType, payload map[string]any, eventID string, dependsOn []string) (Receipt, error) {
	graphID = strings.TrimSpace(graphID)
	branchID = strings.TrimSpace(branchID)
	if graphID == "" || branchID == "" {
		return Receipt{}, fmt.Errorf("%w: graph_id and branch_id are required", ErrValidation)
	}

	var fp string
	if eventID == "" && c.recent != nil {
		var err error
		if fp, err = fingerprint(graphID, branchID, typ, payload, dependsOn); err != nil {
			return Receipt{}, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		if id, ok := c.recent.Lookup(fp); ok {
			c.logger.Debug("duplicate capture suppressed", "event_id", id, "type", typ)
			return Receipt{EventID: id, Duplicate: true}, nil
		}
	}

	id, err := c.queue.Enqueue(ctx, outbox.EnqueueRequest{
		GraphID:   graphID,
		BranchID:  branchID,
		Type:      typ,
		Payload:   payload,
		EventID:   eventID,
		DependsOn: dependsOn,
	})
	if err != nil {
		if errors.Is(err, outbox.ErrInvalidEvent) {
			return Receipt{}, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		return Receipt{}, fmt.Errorf("enqueueing %s: %w", typ, err)
	}
	if fp != "" {
		c.recent.Remember(fp, id)
	}

	c.logger.Info("capture queued", "event_id", id, "type", typ, "graph_id", graphID, "branch_id", branchID)
	e := syncevents.New(syncevents.TopicCaptureEnqueued, map[string]any{
		"event_id": id,
		"type":     string(typ),
	}).WithScope(graphID, branchID)
	if err := c.publisher.Publish(ctx, e); err != nil {
		c.logger.Warn("publishing capture event failed", "error", err)
	}
	return Receipt{EventID: id}, nil
}

// fingerprint hashes everything that makes a submission distinct.
// encoding/json sorts map keys, so equal payloads hash equally.
func fingerprint(graphID, branchID string, typ outbox.EventType, payload map[string]any, dependsOn []string) (string, error) {
	body, err := json.Marshal(struct {
		Payload   map[string]any `json:"p"`
		DependsOn []string       `json:"d"`
	}{payload, dependsOn})
	if err != nil {
		return "", fmt.Errorf("payload is not JSON-encodable: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(string(typ) + "\x00" + graphID + "\x00" + branchID + "\x00"))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func validURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: url is required", ErrValidation)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not an http(s) url", ErrValidation, raw)
	}
	return u.String(), nil
}
