// ABOUTME: Drain protocol: batches outstanding outbox events and reconciles server results
// ABOUTME: Queued events go first, failed ones fill the rest; transport failures back off

package drain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sanjayanasuri/brain-web-sub011/internal/outbox"
	"github.com/sanjayanasuri/brain-web-sub011/internal/syncapi"
)

// Sender submits a batch to the server's sync endpoint.
type Sender interface {
	PostEvents(ctx context.Context, events []syncapi.SyncEvent) (*syncapi.SyncResponse, int, error)
}

// Connectivity reports whether the server is believed reachable.
type Connectivity interface {
	Online() bool
}

// Config tunes a Drainer.
type Config struct {
	BatchSize       int
	MaxBatches      int
	InterBatchDelay time.Duration
	RequestTimeout  time.Duration
	BackoffBase     time.Duration
	BackoffCap      time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		BatchSize:       25,
		MaxBatches:      10,
		InterBatchDelay: 250 * time.Millisecond,
		RequestTimeout:  30 * time.Second,
		BackoffBase:     500 * time.Millisecond,
		BackoffCap:      30 * time.Second,
	}
}

// Result is the structured outcome of one drain invocation.
// Delivery failures are recorded on the events themselves; Err is only set
// when the local store failed.
type Result struct {
	Offline      bool          `json:"offline,omitempty"`
	Drained      bool          `json:"drained"`
	NetworkError bool          `json:"network_error,omitempty"`
	Batches      int           `json:"batches"`
	Acked        int           `json:"acked"`
	Failed       int           `json:"failed"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Err          error         `json:"-"`
}

// Drainer flushes the outbox to the server in bounded batches.
type Drainer struct {
	outbox  *outbox.Manager
	sender  Sender
	conn    Connectivity
	cfg     Config
	backoff Backoff
	logger  *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates a Drainer. A nil conn is treated as always online.
func New(mgr *outbox.Manager, sender Sender, conn Connectivity, cfg Config, logger *slog.Logger) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = DefaultConfig().MaxBatches
	}
	return &Drainer{
		outbox:  mgr,
		sender:  sender,
		conn:    conn,
		cfg:     cfg,
		backoff: Backoff{Base: cfg.BackoffBase, Cap: cfg.BackoffCap},
		logger:  logger.With("component", "drain"),
		sleep:   sleepContext,
		now:     time.Now,
	}
}

// SetSleep replaces the function used for inter-batch and backoff waits.
func (d *Drainer) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	d.sleep = sleep
}

// SetJitter replaces the jitter source of the backoff.
func (d *Drainer) SetJitter(r func() float64) {
	d.backoff.Rand = r
}

// Drain runs one bounded drain pass.
func (d *Drainer) Drain(ctx context.Context) (res Result) {
	res = Result{StartedAt: d.now()}
	defer func() { res.Duration = d.now().Sub(res.StartedAt) }()

	if d.conn != nil && !d.conn.Online() {
		res.Offline = true
		d.logger.Debug("drain skipped, offline")
		return res
	}

	for i := 0; i < d.cfg.MaxBatches; i++ {
		if i > 0 && d.cfg.InterBatchDelay > 0 {
			if err := d.sleep(ctx, d.cfg.InterBatchDelay); err != nil {
				res.Err = err
				return d.finish(res)
			}
		}

		batch, err := d.selectBatch(ctx, d.cfg.BatchSize)
		if err != nil {
			res.Err = err
			return d.finish(res)
		}
		if len(batch) == 0 {
			res.Drained = true
			return d.finish(res)
		}
		res.Batches++

		ok, err := d.sendBatch(ctx, batch, &res)
		if err != nil {
			res.Err = err
			return d.finish(res)
		}
		if !ok {
			res.NetworkError = true
			return d.finish(res)
		}
	}

	// The last batch may have emptied the queue.
	remaining, err := d.selectBatch(ctx, 1)
	if err != nil {
		res.Err = err
		return d.finish(res)
	}
	res.Drained = len(remaining) == 0
	return d.finish(res)
}

func (d *Drainer) finish(res Result) Result {
	attrs := []any{
		"drained", res.Drained,
		"batches", res.Batches,
		"acked", res.Acked,
		"failed", res.Failed,
	}
	switch {
	case res.Err != nil:
		d.logger.Error("drain aborted", append(attrs, "error", res.Err)...)
	case res.NetworkError:
		d.logger.Warn("drain stopped on network error", attrs...)
	case res.Batches > 0:
		d.logger.Info("drain finished", attrs...)
	}
	return res
}

// selectBatch picks up to limit events: queued oldest-first, then failed
// oldest-first to fill the remainder.
func (d *Drainer) selectBatch(ctx context.Context, limit int) ([]*outbox.Event, error) {
	batch, err := d.outbox.Select(ctx, outbox.StatusQueued, limit)
	if err != nil {
		return nil, err
	}
	if len(batch) < limit {
		failed, err := d.outbox.Select(ctx, outbox.StatusFailed, limit-len(batch))
		if err != nil {
			return nil, err
		}
		batch = append(batch, failed...)
	}
	return batch, nil
}

// sendBatch delivers one batch and records the outcome of every event.
// It returns false when the request never completed.
func (d *Drainer) sendBatch(ctx context.Context, batch []*outbox.Event, res *Result) (bool, error) {
	// Bookkeeping must land even if the caller's context ends mid-request.
	bctx := context.WithoutCancel(ctx)

	for i, e := range batch {
		if err := d.outbox.MarkStatus(ctx, e.EventID, outbox.StatusSending, outbox.Fields{}); err != nil {
			d.releaseMarked(bctx, batch[:i])
			return false, fmt.Errorf("marking %s sending: %w", e.EventID, err)
		}
	}

	resp, status, err := d.post(ctx, batch)

	if err != nil && status == 0 {
		return false, d.failTransport(ctx, bctx, batch, err, res)
	}
	if err != nil {
		d.logger.Warn("undecodable sync response", "status", status, "error", err)
		resp = nil
	}

	results := resp.ResultsByID()
	success := syncapi.IsSuccess(status)
	for i, e := range batch {
		r, ok := results[e.EventID]
		switch {
		case !ok:
			err = d.outbox.MarkStatus(bctx, e.EventID, outbox.StatusFailed,
				outbox.Failure(outbox.ErrTagMissingResult, status))
			res.Failed++
		case r.Status == syncapi.ResultAcked && success:
			err = d.outbox.MarkStatus(bctx, e.EventID, outbox.StatusAcked, outbox.Fields{
				LastHTTPStatus: &status,
				ServerIDs:      r.ServerIDs,
			})
			res.Acked++
		default:
			err = d.outbox.MarkStatus(bctx, e.EventID, outbox.StatusFailed,
				outbox.Failure(failureMessage(r, status), status))
			res.Failed++
		}
		if err != nil {
			d.releaseMarked(bctx, batch[i:])
			return true, fmt.Errorf("recording result for %s: %w", e.EventID, err)
		}
	}

	d.logger.Debug("batch delivered",
		"events", len(batch),
		"status", status,
		"results", len(results),
	)
	return true, nil
}

// releaseMarked returns events marked sending for an aborted batch to the
// status they were selected in. Failures are logged; RequeueSending recovers
// anything left behind at the next startup.
func (d *Drainer) releaseMarked(ctx context.Context, marked []*outbox.Event) {
	for _, e := range marked {
		if err := d.outbox.MarkStatus(ctx, e.EventID, e.Status, outbox.Fields{}); err != nil {
			d.logger.Error("releasing event from sending failed",
				"event_id", e.EventID,
				"status", e.Status,
				"error", err,
			)
		}
	}
}

// post sends the batch bounded by the request timeout.
func (d *Drainer) post(ctx context.Context, batch []*outbox.Event) (*syncapi.SyncResponse, int, error) {
	if d.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.RequestTimeout)
		defer cancel()
	}

	events := make([]syncapi.SyncEvent, 0, len(batch))
	for _, e := range batch {
		events = append(events, syncapi.SyncEvent{
			EventID:   e.EventID,
			GraphID:   e.GraphID,
			BranchID:  e.BranchID,
			Type:      string(e.Type),
			Payload:   e.Payload,
			CreatedAt: e.CreatedAt,
		})
	}
	return d.sender.PostEvents(ctx, events)
}

// failTransport marks the whole batch failed and waits one backoff per event.
func (d *Drainer) failTransport(ctx, bctx context.Context, batch []*outbox.Event, cause error, res *Result) error {
	msg := outbox.ErrTagNetwork + ": " + cause.Error()
	if errors.Is(cause, context.DeadlineExceeded) {
		msg = outbox.ErrTagNetwork + ": request timed out"
	}

	d.logger.Warn("sync request failed",
		"events", len(batch),
		"error", cause,
	)

	for i, e := range batch {
		if err := d.outbox.MarkStatus(bctx, e.EventID, outbox.StatusFailed, outbox.Failure(msg, 0)); err != nil {
			d.releaseMarked(bctx, batch[i:])
			return fmt.Errorf("marking %s failed: %w", e.EventID, err)
		}
		res.Failed++
	}

	for _, e := range batch {
		if err := d.sleep(ctx, d.backoff.Delay(e.Attempts)); err != nil {
			// Cancelled while backing off; the events are already recorded.
			return nil
		}
	}
	return nil
}

func failureMessage(r syncapi.EventResult, status int) string {
	if !syncapi.IsSuccess(status) {
		detail := r.Error
		if detail == "" {
			detail = http.StatusText(status)
		}
		return fmt.Sprintf("%s: HTTP %d: %s", outbox.ErrTagHTTP, status, detail)
	}
	if r.Error != "" {
		return r.Error
	}
	return "rejected by server"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
