package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/google/uuid"

	"dnsbl-monitor/pkg/config"
	"dnsbl-monitor/pkg/dnsbl"
	"dnsbl-monitor/pkg/health"
	"dnsbl-monitor/pkg/logging"
	"dnsbl-monitor/pkg/orchestrator"
	"dnsbl-monitor/pkg/probe"
	"dnsbl-monitor/pkg/rerrors"
	"dnsbl-monitor/pkg/resolver"
	"dnsbl-monitor/pkg/telemetry"
	"dnsbl-monitor/pkg/throttle"
	"dnsbl-monitor/pkg/tracker"
)

var (
	configPath     = flag.String("config", "", "Path to YAML configuration overlay (optional; env vars are authoritative)")
	showVersion    = flag.Bool("version", false, "Show version information and exit")
	validateConfig = flag.Bool("validate-config", false, "Validate configuration and exit")
	dryRunFlag     = flag.Bool("dry-run", false, "Suppress all throttle-store and tracker writes for this run")

	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("dnsbl-monitor\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Git Commit: %s\n", gitCommit)
		fmt.Printf("Build Time: %s\n", buildTime)
		fmt.Printf("Go Version: %s\n", runtime.Version())
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		os.Exit(rerrors.ExitCode(err))
	}
	if *dryRunFlag {
		cfg.DryRun = true
	}

	if *validateConfig {
		fmt.Println("configuration valid.")
		return
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	runID := uuid.New().String()
	logger = logger.WithField("run_id", runID)
	logger.Info("dnsbl-monitor starting", "version", version, "dry_run", cfg.DryRun)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.MaxExecutionTime)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Warn("received signal, cancelling run", "signal", sig.String())
		cancel()
	}()

	exitCode := run(ctx, cfg, logger)
	os.Exit(exitCode)
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) int {
	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		return 1
	}
	defer func() {
		if err := telem.Shutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("failed to initialize metrics", "error", err)
		return 1
	}

	store, err := throttle.NewSQLiteStore(cfg.Database)
	if err != nil {
		wrapped := rerrors.Wrapf(rerrors.ErrStoreFatal, "opening throttle store: %v", err)
		logger.Error("store initialization failed", "error", wrapped)
		return rerrors.ExitCode(wrapped)
	}
	defer store.Close()

	// Same public resolvers pkg/probe uses for the outage check: pinning the
	// tracker's HTTP client to them keeps it resolvable even if the host
	// resolver is degraded, which is the whole point of wiring pkg/resolver.
	dnsResolver := resolver.New([]string{"1.1.1.1:53", "8.8.8.8:53"}, logger)
	trackerClient := tracker.NewClient(tracker.ClientConfig{
		BaseURL: cfg.Tracker.URL,
		User:    cfg.Tracker.User,
		Token:   cfg.Tracker.Token,
	}, dnsResolver, logger)

	dedup := tracker.NewDeduplicator(trackerClient, tracker.Config{
		Project:          cfg.Tracker.Project,
		IssueType:        cfg.Tracker.IssueType,
		DNSFailureType:   cfg.Tracker.DNSFailureType,
		ExcludedStatuses: cfg.Tracker.ExcludedStatuses,
		DryRun:           cfg.DryRun,
	}, logger)

	agg := health.New(cfg.DNSBLZones)
	checker := dnsbl.NewChecker(dnsbl.NewSystemExchanger(), cfg.DNS.Concurrency, cfg.DNS.Timeout, agg, logger)
	prober := probe.New(logger, cfg.DNS.Timeout/2)

	orch := orchestrator.New(checker, agg, store, dedup, prober, metrics, logger, orchestrator.Config{
		Zones:             cfg.DNSBLZones,
		ListedPriority:    cfg.Priority.Listed,
		CleanFallback:     cfg.Priority.CleanFallback,
		DryRun:            cfg.DryRun,
		SupplementalProbe: cfg.SupplementalProbeEnabled(),
	}, orchestrator.NewStdoutEncoder(), os.Stderr)

	summary, err := orch.Run(ctx)
	if err != nil {
		logger.Error("run ended fatally", "error", err, "partial_summary", summary)
		return rerrors.ExitCode(err)
	}

	logger.Info("run complete",
		"total_ips", summary.TotalIPs,
		"listed", summary.Listed,
		"cleared", summary.Cleared,
		"unchanged", summary.Unchanged,
		"duration_sec", summary.DurationSec,
	)
	return 0
}
