// ABOUTME: Minimal fake sync server for E2E testing: serves /sync/events, /offline/* and /health.
// ABOUTME: Usage: fake-sync-server [-addr localhost:8000] [-fixtures fixtures.yaml] [-delay 200ms]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sanjayanasuri/brain-web-sub011/internal/syncapi"
	"github.com/sanjayanasuri/brain-web-sub011/internal/syncapi/synctest"
)

// fixtureScope seeds offline data for one graph/branch.
type fixtureScope struct {
	GraphID   string           `yaml:"graph_id"`
	BranchID  string           `yaml:"branch_id"`
	Artifacts []map[string]any `yaml:"artifacts"`
	Concepts  []map[string]any `yaml:"concepts"`
	Trails    []map[string]any `yaml:"trails"`
	Counts    map[string]int   `yaml:"counts"`
	UpdatedAt string           `yaml:"updated_at"`
}

type fixtures struct {
	Scopes []fixtureScope `yaml:"scopes"`
	// Reject maps event ids to the error the server returns for them once.
	Reject map[string]string `yaml:"reject"`
}

func main() {
	addr := flag.String("addr", "localhost:8000", "Listen address")
	fixturePath := flag.String("fixtures", "", "YAML file with offline scopes and rejections")
	delay := flag.Duration("delay", 0, "Delay before answering /sync/events")
	statusCode := flag.Int("status", 0, "Force this HTTP status on /sync/events")
	flag.Parse()

	if err := run(*addr, *fixturePath, *delay, *statusCode); err != nil {
		log.Fatal(err)
	}
}

func loadFixtures(srv *synctest.Server, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading fixtures: %w", err)
	}
	var f fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing fixtures: %w", err)
	}

	for _, s := range f.Scopes {
		srv.SetBootstrap(s.GraphID, s.BranchID, syncapi.Bootstrap{
			GraphID:         s.GraphID,
			BranchID:        s.BranchID,
			RecentArtifacts: s.Artifacts,
			PinnedConcepts:  s.Concepts,
			RecentTrails:    s.Trails,
			ServerTime:      time.Now().UTC().Format(time.RFC3339),
		})
		srv.SetManifest(s.GraphID, s.BranchID, syncapi.Manifest{
			GraphUpdatedAt:  s.UpdatedAt,
			BranchUpdatedAt: s.UpdatedAt,
			Counts:          s.Counts,
		})
	}
	for id, msg := range f.Reject {
		srv.FailNext(id, msg)
	}
	return nil
}

func run(addr, fixturePath string, delay time.Duration, statusCode int) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	srv := synctest.NewServer(logger)

	if fixturePath != "" {
		if err := loadFixtures(srv, fixturePath); err != nil {
			return err
		}
	}
	if delay > 0 {
		srv.SetSyncDelay(delay)
	}
	if statusCode != 0 {
		srv.SetSyncStatus(statusCode)
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fake sync server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	calls := srv.Calls()
	logger.Info("fake sync server stopped",
		"sync_calls", calls.Sync,
		"applied", len(srv.Applied()),
	)
	return nil
}
