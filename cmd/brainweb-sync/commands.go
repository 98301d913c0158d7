// ABOUTME: One-shot brainweb-sync commands operating on the local database
// ABOUTME: enqueue, drain, status, failed, bootstrap, fresh, clear-scope and prune

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/sanjayanasuri/brain-web-sub011/internal/cache"
	"github.com/sanjayanasuri/brain-web-sub011/internal/capture"
	"github.com/sanjayanasuri/brain-web-sub011/internal/config"
	"github.com/sanjayanasuri/brain-web-sub011/internal/gateway"
)

// openGateway loads config and builds a gateway without starting it.
func openGateway() (*gateway.Gateway, func(), error) {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger, closeLog := setupLogger(cfg.Logging)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		closeLog()
		return nil, nil, fmt.Errorf("creating gateway: %w", err)
	}
	return gw, func() {
		if err := gw.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
		closeLog()
	}, nil
}

// scopeFlags registers -graph and -branch on fs.
func scopeFlags(fs *flag.FlagSet) (graph, branch *string) {
	graph = fs.String("graph", "", "Graph id")
	branch = fs.String("branch", "main", "Branch id")
	return graph, branch
}

func requireScope(graph, branch string) error {
	if graph == "" || branch == "" {
		return errors.New("-graph and -branch are required")
	}
	return nil
}

func runEnqueue(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	graph, branch := scopeFlags(fs)
	typ := fs.String("type", "", "Event type, e.g. artifact.ingest")
	payload := fs.String("payload", "", "Payload JSON object (default: read stdin)")
	id := fs.String("id", "", "Event id (default: generated)")
	depends := fs.String("depends-on", "", "Comma-separated event ids this event depends on")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireScope(*graph, *branch); err != nil {
		return err
	}

	raw := []byte(*payload)
	if *payload == "" {
		var err error
		if raw, err = io.ReadAll(os.Stdin); err != nil {
			return fmt.Errorf("reading payload: %w", err)
		}
	}
	var body map[string]any
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			return fmt.Errorf("payload must be a JSON object: %w", err)
		}
	}

	var deps []string
	for _, d := range strings.Split(*depends, ",") {
		if d = strings.TrimSpace(d); d != "" {
			deps = append(deps, d)
		}
	}

	gw, closeFn, err := openGateway()
	if err != nil {
		return err
	}
	defer closeFn()

	rec, err := gw.Capturer().Submit(ctx, capture.Request{
		GraphID:   *graph,
		BranchID:  *branch,
		Type:      *typ,
		Payload:   body,
		EventID:   *id,
		DependsOn: deps,
	})
	if err != nil {
		return err
	}
	fmt.Println(rec.EventID)
	return nil
}

func runDrain(ctx context.Context) error {
	gw, closeFn, err := openGateway()
	if err != nil {
		return err
	}
	defer closeFn()

	gw.Monitor().Check(ctx)
	res := gw.Coordinator().Drain(ctx)
	if res.Err != nil {
		return res.Err
	}

	switch {
	case res.Offline:
		color.Yellow("offline: nothing sent")
	case res.NetworkError:
		color.Red("network error after %d batch(es): %d event(s) will retry", res.Batches, res.Failed)
	default:
		color.Green("acked %d, failed %d in %d batch(es) (%s)", res.Acked, res.Failed, res.Batches, res.Duration.Round(time.Millisecond))
		if !res.Drained {
			color.Yellow("queue not empty; run drain again")
		}
	}
	return nil
}

func runStatus(ctx context.Context) error {
	gw, closeFn, err := openGateway()
	if err != nil {
		return err
	}
	defer closeFn()

	gw.Monitor().Check(ctx)
	snap, err := gw.Reporter().Snapshot(ctx)
	if err != nil {
		return err
	}

	if snap.Online {
		color.Green("● online")
	} else {
		msg := "● offline"
		if snap.Connectivity.LastError != "" {
			msg += " (" + snap.Connectivity.LastError + ")"
		}
		color.Red(msg)
	}
	for _, st := range []string{"queued", "sending", "failed", "acked"} {
		fmt.Printf("  %-8s %d\n", st, snap.Counts[st])
	}
	if snap.OldestPendingAt != nil {
		fmt.Printf("  oldest pending: %s (%s ago)\n",
			snap.OldestPendingAt.Local().Format(time.RFC3339),
			time.Since(*snap.OldestPendingAt).Round(time.Second))
	}
	return nil
}

func runFailed(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("failed", flag.ContinueOnError)
	graph := fs.String("graph", "", "Graph id filter")
	branch := fs.String("branch", "", "Branch id filter")
	limit := fs.Int("limit", 50, "Maximum events to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	gw, closeFn, err := openGateway()
	if err != nil {
		return err
	}
	defer closeFn()

	events, err := gw.Reporter().Failed(ctx, *graph, *branch, *limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("no failed events")
		return nil
	}

	gray := color.New(color.FgHiBlack)
	for _, e := range events {
		fmt.Printf("%s  %-22s attempts=%d  ", e.EventID, e.Type, e.Attempts)
		color.New(color.FgRed).Println(e.LastError)
		gray.Printf("    %s/%s updated %s\n", e.GraphID, e.BranchID,
			time.UnixMilli(e.UpdatedAt).Local().Format(time.RFC3339))
	}
	return nil
}

func runBootstrap(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	graph, branch := scopeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireScope(*graph, *branch); err != nil {
		return err
	}

	gw, closeFn, err := openGateway()
	if err != nil {
		return err
	}
	defer closeFn()

	if !gw.Monitor().Check(ctx) {
		color.Yellow("offline: showing cached data")
	}
	snap, err := gw.Cache().GetBootstrap(ctx, *graph, *branch)
	if err != nil {
		return err
	}
	if snap == nil {
		fmt.Println("no offline data for this scope")
		return nil
	}
	fmt.Printf("%s/%s: %d artifacts, %d concepts, %d trails (fetched %s)\n",
		snap.GraphID, snap.BranchID,
		len(snap.RecentArtifacts), len(snap.PinnedConcepts), len(snap.RecentTrails),
		time.UnixMilli(snap.FetchedAt).Local().Format(time.RFC3339))
	return nil
}

func runFresh(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fresh", flag.ContinueOnError)
	graph, branch := scopeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireScope(*graph, *branch); err != nil {
		return err
	}

	gw, closeFn, err := openGateway()
	if err != nil {
		return err
	}
	defer closeFn()

	gw.Monitor().Check(ctx)
	fresh, err := gw.Cache().EnsureFresh(ctx, *graph, *branch)
	if err != nil {
		return err
	}
	if fresh == cache.Stale {
		color.Yellow("stale: re-bootstrapped %s/%s", *graph, *branch)
	} else {
		color.Green("fresh")
	}
	return nil
}

func runClearScope(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("clear-scope", flag.ContinueOnError)
	graph, branch := scopeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireScope(*graph, *branch); err != nil {
		return err
	}

	gw, closeFn, err := openGateway()
	if err != nil {
		return err
	}
	defer closeFn()

	if err := gw.Cache().ClearScope(ctx, *graph, *branch); err != nil {
		return err
	}
	fmt.Printf("cleared %s/%s\n", *graph, *branch)
	return nil
}

func runPrune(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	olderThan := fs.Duration("older-than", 30*24*time.Hour, "Delete acked events last updated before this long ago")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *olderThan <= 0 {
		return errors.New("-older-than must be positive")
	}

	gw, closeFn, err := openGateway()
	if err != nil {
		return err
	}
	defer closeFn()

	n, err := gw.Outbox().Prune(ctx, time.Now().Add(-*olderThan))
	if err != nil {
		return err
	}
	fmt.Printf("pruned %d acked event(s)\n", n)
	return nil
}
