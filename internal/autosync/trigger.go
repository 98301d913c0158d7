// ABOUTME: Background sync trigger: drains on reconnect and on a fixed interval while online
// ABOUTME: Best-effort; failures are logged and never surface to callers

package autosync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sanjayanasuri/brain-web-sub011/internal/cache"
	"github.com/sanjayanasuri/brain-web-sub011/internal/drain"
	"github.com/sanjayanasuri/brain-web-sub011/internal/syncevents"
)

// Drainer runs a drain. drain.Coordinator satisfies it.
type Drainer interface {
	Drain(ctx context.Context) drain.Result
}

// Freshener validates cached scopes. cache.Cache satisfies it.
type Freshener interface {
	EnsureFresh(ctx context.Context, graphID, branchID string) (cache.Freshness, error)
}

// Connectivity is the reachability signal. connectivity.Monitor satisfies it.
type Connectivity interface {
	Online() bool
	Subscribe(ctx context.Context) <-chan bool
}

// Config tunes the trigger.
type Config struct {
	// Interval between periodic drain attempts.
	Interval time.Duration
	// MaxFollowups bounds the extra drains run back to back while a drain
	// reports the queue was not emptied.
	MaxFollowups int
	// Scopes are validated with EnsureFresh whenever connectivity returns.
	Scopes []cache.Scope
}

// Trigger invokes the drain opportunistically.
type Trigger struct {
	drainer   Drainer
	freshener Freshener
	conn      Connectivity
	publisher syncevents.Publisher
	cfg       Config
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a trigger. freshener and publisher may be nil.
func New(d Drainer, freshener Freshener, conn Connectivity, publisher syncevents.Publisher, cfg Config, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxFollowups < 0 {
		cfg.MaxFollowups = 0
	}
	if publisher == nil {
		publisher = syncevents.Noop{}
	}
	return &Trigger{
		drainer:   d,
		freshener: freshener,
		conn:      conn,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With("component", "autosync"),
	}
}

// Start runs the trigger in the background until Stop or ctx cancellation.
func (t *Trigger) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.Run(ctx)
	}()
}

// Stop cancels the trigger and waits for the current cycle to finish.
func (t *Trigger) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

// Run blocks until ctx is cancelled. If already online it syncs once at
// startup.
func (t *Trigger) Run(ctx context.Context) {
	transitions := t.conn.Subscribe(ctx)

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	if t.conn.Online() {
		t.Reconnected(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-transitions:
			if !ok {
				return
			}
			if online {
				t.Reconnected(ctx)
			}
		case <-ticker.C:
			if t.conn.Online() {
				t.DrainUntilSettled(ctx, "interval")
			}
		}
	}
}

// Reconnected runs the reconnect cycle: drain, then validate every
// configured scope.
func (t *Trigger) Reconnected(ctx context.Context) {
	t.DrainUntilSettled(ctx, "reconnect")
	t.refreshScopes(ctx)
}

// DrainUntilSettled drains, and keeps draining while the queue reports
// more work, up to MaxFollowups extra passes.
func (t *Trigger) DrainUntilSettled(ctx context.Context, reason string) drain.Result {
	var res drain.Result
	for pass := 0; pass <= t.cfg.MaxFollowups; pass++ {
		if ctx.Err() != nil {
			return res
		}
		res = t.drainer.Drain(ctx)

		switch {
		case res.Err != nil:
			t.logger.Warn("drain failed", "reason", reason, "error", res.Err)
			return res
		case res.Offline, res.NetworkError, res.Drained:
			t.logger.Debug("drain settled",
				"reason", reason,
				"passes", pass+1,
				"offline", res.Offline,
				"network_error", res.NetworkError,
			)
			return res
		}
	}
	t.logger.Info("queue not emptied, waiting for next trigger",
		"reason", reason,
		"passes", t.cfg.MaxFollowups+1,
	)
	return res
}

func (t *Trigger) refreshScopes(ctx context.Context) {
	if t.freshener == nil {
		return
	}
	for _, s := range t.cfg.Scopes {
		if ctx.Err() != nil {
			return
		}
		fresh, err := t.freshener.EnsureFresh(ctx, s.GraphID, s.BranchID)
		if err != nil {
			t.logger.Warn("cache validation failed",
				"graph_id", s.GraphID,
				"branch_id", s.BranchID,
				"error", err,
			)
			continue
		}
		if fresh == cache.Stale {
			e := syncevents.New(syncevents.TopicCacheRefreshed, nil).WithScope(s.GraphID, s.BranchID)
			if err := t.publisher.Publish(ctx, e); err != nil {
				t.logger.Warn("publishing cache refresh failed", "error", err)
			}
		}
	}
}
