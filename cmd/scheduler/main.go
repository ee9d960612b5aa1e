// Package main — cmd/scheduler/main.go
//
// octoscheduler entrypoint.
//
// Startup sequence:
//  1. Load and validate config.
//  2. Initialise structured logger (zap, JSON format).
//  3. Open BoltDB storage (perf table + execution log).
//  4. Prune stale execution-log entries.
//  5. Start Prometheus metrics server.
//  6. Load the build graph and construct the façade's collaborators.
//  7. Construct the worker-transport client (if remote workers are
//     enabled).
//  8. Construct the scheduler façade, init_for_master, start; then dial
//     the configured peers and attach each as a remote worker.
//  9. Start the operator override socket (if enabled).
// 10. Register a SIGHUP handler that re-reads config.yaml and logs the
//     outcome; the running scheduler keeps its startup configuration.
// 11. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Drain with a bounded timeout.
//  2. Run when_done (service shutdown, remote Finish calls, critical-path
//     flush, retention pruning, incremental-state save).
//  3. Dispose (cancel every background goroutine, wait for exit).
//  4. Close BoltDB.
//  5. Flush logger.
//  6. Exit 0 (1 if drain timed out).
//
// On config validation failure: exit 1 immediately.
//
// Grounded on cmd/octoreflex/main.go's numbered-steps shape (same
// flag -> config -> logger -> storage -> metrics -> subsystem startup ->
// signal-driven graceful shutdown sequence, same buildLogger helper).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/octoscheduler/octoscheduler/internal/collab"
	"github.com/octoscheduler/octoscheduler/internal/config"
	"github.com/octoscheduler/octoscheduler/internal/operatorctl"
	"github.com/octoscheduler/octoscheduler/internal/perf"
	"github.com/octoscheduler/octoscheduler/internal/scheduler"
	"github.com/octoscheduler/octoscheduler/internal/store"
	"github.com/octoscheduler/octoscheduler/internal/transport"
	"github.com/octoscheduler/octoscheduler/internal/worker"
)

func main() {
	configPath := flag.String("config", "/etc/octoscheduler/config.yaml", "Path to config.yaml")
	graphPath := flag.String("graph", "", "Path to a build graph JSON file (required)")
	drainTimeout := flag.Duration("drain-timeout", 0, "Max time to wait for drain on shutdown (0 = unbounded)")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("octoscheduler %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	if *graphPath == "" {
		fmt.Fprintln(os.Stderr, "FATAL: -graph is required")
		os.Exit(1)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config invalid: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Logger ────────────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("octoscheduler starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
		zap.String("graph", *graphPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: BoltDB ────────────────────────────────────────────────────
	db, err := store.Open(cfg.Storage.DBPath, cfg.Storage.RetentionDays)
	if err != nil {
		log.Fatal("BoltDB open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("BoltDB opened", zap.String("path", cfg.Storage.DBPath))

	// ── Step 4: Prune stale execution-log entries ─────────────────────────
	if pruned, err := db.PruneOldExecutionLogEntries(); err != nil {
		log.Warn("execution log pruning failed", zap.Error(err))
	} else if pruned > 0 {
		log.Info("execution log pruned", zap.Int("deleted", pruned))
	}

	// ── Step 5: Metrics ────────────────────────────────────────────────────
	metrics := perf.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 6: Build graph + collaborators ───────────────────────────────
	graph, roots, err := loadGraph(*graphPath)
	if err != nil {
		log.Fatal("graph load failed", zap.Error(err))
	}
	log.Info("graph loaded", zap.Int("nodes", len(graph.Nodes())), zap.Int("roots", len(roots)))

	incremental := collab.NewMemIncrementalState()
	deps := scheduler.Deps{
		Graph:       graph,
		Cache:       collab.NewMemCache(),
		Process:     collab.NopProcessRunner{},
		Incremental: incremental,
	}

	// ── Step 7: Remote worker transport ───────────────────────────────────
	var txClient *transport.Client
	if cfg.Transport.Enabled {
		txClient, err = transport.NewClient(log, cfg.Transport)
		if err != nil {
			log.Fatal("transport client init failed", zap.Error(err))
		}
		deps.Transport = txClient
		log.Info("worker transport client ready", zap.Int("peers", len(cfg.Transport.Peers)))
	}

	// ── Step 8: Façade ─────────────────────────────────────────────────────
	s := scheduler.New(log, *cfg, deps, db, metrics)
	if err := s.InitForMaster(roots); err != nil {
		log.Fatal("init_for_master failed", zap.Error(err))
	}
	s.Start(ctx)
	log.Info("scheduler started")

	if txClient != nil {
		for i, addr := range cfg.Transport.Peers {
			workerID := int32(i + 1)
			if err := txClient.Register(ctx, workerID, addr); err != nil {
				log.Error("remote worker dial failed", zap.Int32("worker_id", workerID), zap.String("addr", addr), zap.Error(err))
				continue
			}
			w := s.AttachRemoteWorker(remoteWorkerConfig(*cfg))
			log.Info("remote worker attached", zap.Int32("worker_id", w.ID), zap.String("addr", addr))
		}
	}

	// ── Step 9: Operator socket ───────────────────────────────────────────
	if cfg.Operator.Enabled {
		opSrv := operatorctl.NewServer(cfg.Operator.SocketPath, s, log)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operatorctl server error", zap.Error(err))
			}
		}()
		log.Info("operatorctl socket listening", zap.String("path", cfg.Operator.SocketPath))
	}

	// ── Step 10: SIGHUP config re-read (not applied to the running scheduler)
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — re-reading config...")
			if _, err := config.Load(*configPath); err != nil {
				log.Error("config re-read failed", zap.Error(err))
				continue
			}
			log.Info("config file re-read; the running scheduler keeps its startup configuration")
		}
	}()

	// ── Step 11: Wait for shutdown signal ─────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	drainCtx := context.Background()
	var drainCancel context.CancelFunc
	if *drainTimeout > 0 {
		drainCtx, drainCancel = context.WithTimeout(drainCtx, *drainTimeout)
		defer drainCancel()
	}

	exitCode := 0
	if err := s.Drain(drainCtx); err != nil {
		log.Warn("drain did not complete before timeout — proceeding to shutdown anyway", zap.Error(err))
		exitCode = 1
	}

	s.WhenDone(context.Background())
	s.Dispose()
	cancel()

	if txClient != nil {
		_ = txClient.Close()
	}

	log.Info("octoscheduler shutdown complete")
	// os.Exit skips deferred calls, so close storage and flush the logger here.
	_ = db.Close()
	_ = log.Sync()
	os.Exit(exitCode)
}

// remoteWorkerConfig derives a remote worker's slot totals from the same
// dispatch concurrency caps the local worker uses — the oversubscription
// factor (applied by AttachRemoteWorker) is what actually differentiates
// a remote worker's effective cache-lookup capacity.
func remoteWorkerConfig(cfg config.Config) worker.Config {
	return worker.Config{
		CacheLookupSlots:      cfg.Dispatch.MaxParallelCacheLookup,
		MaterializeInputSlots: cfg.Dispatch.MaxParallelMaterialize,
		ProcessSlots:          cfg.Dispatch.MaxParallelCPU,
		PostProcessSlots:      cfg.Dispatch.MaxParallelCPU,
		IPCSlots:              cfg.Dispatch.MaxParallelCPU,
	}
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return zcfg.Build()
}
