// ABOUTME: Sync daemon orchestrator wiring store, outbox, drain, cache, capture and status API
// ABOUTME: Manages background components and graceful shutdown of the whole lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sanjayanasuri/brain-web-sub011/internal/autosync"
	"github.com/sanjayanasuri/brain-web-sub011/internal/cache"
	"github.com/sanjayanasuri/brain-web-sub011/internal/capture"
	"github.com/sanjayanasuri/brain-web-sub011/internal/config"
	"github.com/sanjayanasuri/brain-web-sub011/internal/connectivity"
	"github.com/sanjayanasuri/brain-web-sub011/internal/drain"
	"github.com/sanjayanasuri/brain-web-sub011/internal/outbox"
	"github.com/sanjayanasuri/brain-web-sub011/internal/status"
	"github.com/sanjayanasuri/brain-web-sub011/internal/store"
	"github.com/sanjayanasuri/brain-web-sub011/internal/syncapi"
	"github.com/sanjayanasuri/brain-web-sub011/internal/syncevents"
)

// Gateway owns every sync component for one local database.
// One-shot commands use its components directly; serve calls Run.
type Gateway struct {
	config *config.Config
	store  store.Store
	logger *slog.Logger

	outbox      *outbox.Manager
	client      *syncapi.Client
	monitor     *connectivity.Monitor
	coordinator *drain.Coordinator
	cache       *cache.Cache
	capturer    *capture.Capturer

	// broadcaster fans sync events out to in-process subscribers and SSE clients
	broadcaster *syncevents.Broadcaster

	// natsPublisher is nil unless events.nats_url is set and reachable
	natsPublisher *syncevents.NATSPublisher

	// publisher is broadcaster plus natsPublisher when present
	publisher syncevents.Publisher

	spool   *capture.Spool
	trigger *autosync.Trigger
	status  *status.Server
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("BRAINWEB_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initNATS connects the optional NATS publisher. Failure is not fatal:
// notifications are best-effort and syncing must work without a broker.
func initNATS(cfg *config.Config, logger *slog.Logger) *syncevents.NATSPublisher {
	if cfg.Events.NATSURL == "" {
		return nil
	}
	pub, err := syncevents.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.Subject,
		nats.Timeout(2*time.Second),
	)
	if err != nil {
		logger.Warn("NATS unavailable, events stay in-process", "url", cfg.Events.NATSURL, "error", err)
		return nil
	}
	return pub
}

// New creates a gateway from cfg. Nothing runs in the background until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	g := newWithStore(cfg, s, logger)

	// Rows a previous process left mid-drain are queued again.
	if _, err := g.outbox.RequeueSending(context.Background()); err != nil {
		g.Close()
		return nil, fmt.Errorf("recovering outbox: %w", err)
	}
	return g, nil
}

func newWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) *Gateway {
	g := &Gateway{
		config:      cfg,
		store:       s,
		logger:      logger,
		broadcaster: syncevents.NewBroadcaster(logger),
	}

	g.natsPublisher = initNATS(cfg, logger)
	g.publisher = g.broadcaster
	if g.natsPublisher != nil {
		g.publisher = syncevents.Multi{g.broadcaster, g.natsPublisher}
	}

	g.outbox = outbox.NewManager(s, logger)
	g.client = syncapi.NewClient(cfg.Server.BaseURL, nil)
	g.monitor = connectivity.NewMonitor(g.client, cfg.Autosync.ProbeInterval, cfg.Autosync.ProbeTimeout, logger)

	drainer := drain.New(g.outbox, g.client, g.monitor, cfg.DrainSettings(), logger)
	g.coordinator = drain.NewCoordinator(drainer, logger)
	g.coordinator.OnResult(g.publishDrainResult)

	g.cache = cache.New(s, g.client, g.monitor, logger)
	g.capturer = capture.New(g.outbox, g.publisher, cfg.CaptureSettings(), logger)

	if cfg.Capture.SpoolDir != "" {
		g.spool = capture.NewSpool(cfg.Capture.SpoolDir, g.capturer, logger)
	}

	g.trigger = autosync.New(g.coordinator, g.cache, g.monitor, g.publisher, autosync.Config{
		Interval:     cfg.Autosync.Interval,
		MaxFollowups: cfg.Autosync.MaxFollowups,
		Scopes:       cfg.Autosync.Scopes,
	}, logger)

	if cfg.Status.HTTPAddr != "" {
		g.status = status.NewServer(status.Options{
			Addr:      cfg.Status.HTTPAddr,
			Reporter:  g.Reporter(),
			Drainer:   g.coordinator,
			Submitter: g.capturer,
			Events:    g.broadcaster,
			Logger:    logger,
		})
	}
	return g
}

// Outbox returns the queue manager.
func (g *Gateway) Outbox() *outbox.Manager { return g.outbox }

// Monitor returns the connectivity monitor.
func (g *Gateway) Monitor() *connectivity.Monitor { return g.monitor }

// Coordinator returns the single-flight drain entry point.
func (g *Gateway) Coordinator() *drain.Coordinator { return g.coordinator }

// Cache returns the offline read cache.
func (g *Gateway) Cache() *cache.Cache { return g.cache }

// Capturer returns the capture boundary.
func (g *Gateway) Capturer() *capture.Capturer { return g.capturer }

// Events returns the in-process event broadcaster.
func (g *Gateway) Events() *syncevents.Broadcaster { return g.broadcaster }

// Reporter returns a status reporter over this gateway's components.
func (g *Gateway) Reporter() *status.Reporter {
	return status.NewReporter(g.outbox, g.monitor, g.coordinator)
}

// StatusHandler returns the local API routes, or nil when disabled.
func (g *Gateway) StatusHandler() http.Handler {
	if g.status == nil {
		return nil
	}
	return g.status.Handler()
}

func (g *Gateway) publishDrainResult(res drain.Result) {
	if res.Offline {
		return
	}
	data := map[string]any{
		"drained":       res.Drained,
		"batches":       res.Batches,
		"acked":         res.Acked,
		"failed":        res.Failed,
		"network_error": res.NetworkError,
		"duration_ms":   res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		data["error"] = res.Err.Error()
	}
	if err := g.publisher.Publish(context.Background(), syncevents.New(syncevents.TopicDrainCompleted, data)); err != nil {
		g.logger.Warn("publishing drain result failed", "error", err)
	}
}

// forwardConnectivity publishes every connectivity transition until ctx ends.
func (g *Gateway) forwardConnectivity(ctx context.Context) {
	for online := range g.monitor.Subscribe(ctx) {
		e := syncevents.New(syncevents.TopicConnectivityChanged, map[string]any{"online": online})
		if err := g.publisher.Publish(ctx, e); err != nil {
			g.logger.Warn("publishing connectivity change failed", "error", err)
		}
	}
}

// startServers starts the status API in a goroutine. The returned channel
// receives exactly one value when the server stops; it is nil when the API
// is disabled.
func (g *Gateway) startServers(ctx context.Context) (chan error, error) {
	if g.status == nil {
		return nil, nil
	}

	ln, err := net.Listen("tcp", g.config.Status.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on status address: %w", err)
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.status.Serve(ctx, ln)
	}()
	return errCh, nil
}

// Run starts the background components and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a component fails to start
// or the status server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh, err := g.startServers(ctx)
	if err != nil {
		return errors.Join(err, g.gracefulShutdown())
	}

	go g.forwardConnectivity(ctx)
	go g.monitor.Run(ctx)

	if g.spool != nil {
		if err := g.spool.Start(ctx); err != nil {
			cancel()
			waitServer(errCh)
			return errors.Join(err, g.gracefulShutdown())
		}
	}
	if g.config.Autosync.Enabled {
		g.trigger.Start(ctx)
	}

	g.logger.Info("sync gateway running",
		"server", g.config.Server.BaseURL,
		"status_addr", g.config.Status.HTTPAddr,
		"autosync", g.config.Autosync.Enabled,
		"spool", g.config.Capture.SpoolDir,
	)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		cancel()
		serverErr = waitServer(errCh)
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
		cancel()
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// waitServer blocks until the status server has stopped.
func waitServer(errCh chan error) error {
	if errCh == nil {
		return nil
	}
	return <-errCh
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends a labeled error if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops background work, waits for in-flight drains and closes
// the store. Call it once; Run calls it on exit.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down sync gateway")

	g.trigger.Stop()
	if g.spool != nil {
		g.spool.Stop()
	}

	waited := make(chan struct{})
	go func() {
		g.coordinator.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		g.logger.Warn("drain still running at shutdown")
	}

	var errs []error
	g.capturer.Close()
	if g.natsPublisher != nil {
		errs = appendCloseError(errs, "NATS close", g.natsPublisher.Close())
	}
	g.broadcaster.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// Close releases resources without running. For one-shot commands.
func (g *Gateway) Close() error {
	return g.gracefulShutdown()
}
