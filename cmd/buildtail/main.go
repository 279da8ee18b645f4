package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mchurichi/buildtail/internal/config"
	"github.com/mchurichi/buildtail/pkg/aggregator"
	"github.com/mchurichi/buildtail/pkg/server"
	"github.com/mchurichi/buildtail/pkg/store"
	"github.com/mchurichi/buildtail/pkg/tail"
)

func main() {
	configPath := flag.String("config", "~/.buildtail/config.toml", "Path to config file")
	logFile := flag.String("file", "", "Build log file to tail (overrides config)")
	port := flag.Int("port", 0, "Ingestion server port (overrides config)")
	maxRecords := flag.Int("max-records", 0, "Max retained records (overrides config)")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help {
		printHelp()
		return
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Override config with CLI flags
	if *logFile != "" {
		cfg.Watch.LogFile = *logFile
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *maxRecords > 0 {
		cfg.Store.MaxRecords = *maxRecords
	}

	if err := run(cfg); err != nil {
		log.Fatalf("buildtail error: %v", err)
	}
}

func printHelp() {
	fmt.Println(`buildtail - Live build & runtime log aggregator

USAGE:
    buildtail [OPTIONS]

Tails a build tool's NDJSON log file and accepts runtime log pushes over
HTTP, keeping a bounded window of recent records queryable in memory.

OPTIONS:
    --config FILE        Path to config file (default: ~/.buildtail/config.toml)
    --file PATH          Build log file to tail (default: build.log)
    --port PORT          Ingestion server port (default: 9090)
    --max-records N      Max retained records (default: 1000)
    --help               Show this help

ENVIRONMENT:
    BUILDTAIL_LOG_FILE, BUILDTAIL_PORT, BUILDTAIL_MAX_RECORDS

The ingestion server accepts POST /log, POST /logs, GET /health, and a
WebSocket live stream at /stream. If the configured port is taken, the next
free port is used.`)
}

func run(cfg *config.Config) error {
	st, err := store.NewStore(cfg.Store.MaxRecords)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	tailer := tail.NewTailer(expandPath(cfg.Watch.LogFile), st)
	if err := tailer.Start(); err != nil {
		return fmt.Errorf("failed to start tailer: %w", err)
	}
	defer tailer.Stop()

	srv := server.NewServer(st)
	if err := srv.Start(cfg.Server.Port); err != nil {
		return fmt.Errorf("failed to start ingestion server: %w", err)
	}
	defer srv.Stop()
	srv.StartBroadcastWorker()

	agg := aggregator.New(st, tailer, srv)

	status, err := agg.Status()
	if err != nil {
		return err
	}
	log.Printf("Tailing %s (exists: %v), ingesting on port %d", status.Path, status.PathExists, status.ServerPort)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	if status, err := agg.Status(); err == nil {
		log.Printf("Final: %d records (%d build, %d runtime, %d errors, %d warnings)",
			status.LogCount, status.BuildCount, status.RuntimeCount, status.ErrorCount, status.WarningCount)
	}
	return nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
