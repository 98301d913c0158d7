// ABOUTME: Entry point for brainweb-sync, the offline-first sync daemon and CLI
// ABOUTME: Dispatches serve and one-shot queue, drain and cache commands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/sanjayanasuri/brain-web-sub011/internal/config"
	"github.com/sanjayanasuri/brain-web-sub011/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
 _               _                        _
| |__  _ __ __ _(_)_ __  __      _____| |__        ___ _   _ _ __   ___
| '_ \| '__/ _' | | '_ \ \ \ /\ / / _ \ '_ \ _____/ __| | | | '_ \ / __|
| |_) | | | (_| | | | | | \ V  V /  __/ |_) |_____\__ \ |_| | | | | (__
|_.__/|_|  \__,_|_|_| |_|  \_/\_/ \___|_.__/      |___/\__, |_| |_|\___|
                                                       |___/
`

func usage() {
	fmt.Println("Usage: brainweb-sync <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                               Run the sync daemon")
	fmt.Println("  enqueue -graph G -branch B -type T  Queue a mutation (payload JSON on stdin or -payload)")
	fmt.Println("  drain                               Flush the outbox once")
	fmt.Println("  status                              Show queue and connectivity status")
	fmt.Println("  failed                              List failed events")
	fmt.Println("  bootstrap -graph G -branch B        Fetch and cache offline data for a scope")
	fmt.Println("  fresh -graph G -branch B            Validate a cached scope against the manifest")
	fmt.Println("  clear-scope -graph G -branch B      Drop cached data for a scope")
	fmt.Println("  prune -older-than 720h              Delete acked events older than a duration")
	fmt.Println()
	fmt.Println("Config: $BRAINWEB_CONFIG or $XDG_CONFIG_HOME/brainweb/sync.yaml")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "enqueue":
		err = runEnqueue(ctx, args)
	case "drain":
		err = runDrain(ctx)
	case "status":
		err = runStatus(ctx)
	case "failed":
		err = runFailed(ctx, args)
	case "bootstrap":
		err = runBootstrap(ctx, args)
	case "fresh":
		err = runFresh(ctx, args)
	case "clear-scope":
		err = runClearScope(ctx, args)
	case "prune":
		err = runPrune(ctx, args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, closeLog := setupLogger(cfg.Logging)
	defer closeLog()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Server:    %s\n", cfg.Server.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Status.HTTPAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("Status:    http://%s/status\n", cfg.Status.HTTPAddr)
	}
	if cfg.Capture.SpoolDir != "" {
		green.Print("    ▶ ")
		fmt.Printf("Spool:     %s\n", cfg.Capture.SpoolDir)
	}
	if cfg.Events.NATSURL != "" {
		green.Print("    ▶ ")
		fmt.Printf("NATS:      %s ", cfg.Events.NATSURL)
		gray.Printf("(%s.*)\n", cfg.Events.Subject)
	}
	if !cfg.Autosync.Enabled {
		yellow.Println("    ! autosync disabled, drain manually")
	}
	fmt.Println()

	logger.Info("starting brainweb-sync",
		"config", configPath,
		"server", cfg.Server.BaseURL,
		"database", cfg.Database.Path,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
