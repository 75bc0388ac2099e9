// Command ladderworker runs the two-sided ladder market-making worker: it
// loads configuration, wires the venue adapters, and drives the
// replacement/settlement pipeline until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openalpha/ladder-mm/internal/audit"
	"github.com/openalpha/ladder-mm/internal/calc"
	"github.com/openalpha/ladder-mm/internal/concurrency"
	"github.com/openalpha/ladder-mm/internal/config"
	"github.com/openalpha/ladder-mm/internal/executor"
	"github.com/openalpha/ladder-mm/internal/ladder"
	"github.com/openalpha/ladder-mm/internal/logging"
	"github.com/openalpha/ladder-mm/internal/orchestrator"
	"github.com/openalpha/ladder-mm/internal/settlement"
	"github.com/openalpha/ladder-mm/internal/telemetry"
	"github.com/openalpha/ladder-mm/internal/venue/httpapi"
	"github.com/openalpha/ladder-mm/internal/venue/redisprice"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/ladder.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ladderworker version %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLoggerFromString(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info("starting ladderworker", "version", version, "num_levels", cfg.Ladder.NumLevels, "update_behavior", cfg.Execution.UpdateBehavior)

	telem, err := telemetry.Setup("ladderworker")
	if err != nil {
		logger.Warn("failed to initialize telemetry, continuing without it", "error", err.Error())
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = telem.Shutdown(shutdownCtx)
		}()
	}

	auditLog, err := audit.Open(cfg.System.AuditDBPath)
	if err != nil {
		logger.Warn("failed to open settlement audit log, continuing without it", "error", err.Error())
		auditLog = nil
	} else {
		defer func() { _ = auditLog.Close() }()
	}

	signer, err := httpapi.NewHMACSigner(cfg.Account.AccountID, cfg.Account.PrivateKeyHex)
	if err != nil {
		logger.Error("failed to construct request signer", "error", err.Error())
		os.Exit(1)
	}

	venueClient := httpapi.NewClient(cfg.Venue.APIBaseURL, 10*time.Second, logger, httpapi.WithSigner(signer))
	venue := httpapi.NewAdapter(venueClient)

	priceSrc, err := redisprice.NewFromConnectionString(cfg.Venue.RedisConnectionString, logger)
	if err != nil {
		logger.Error("failed to construct redis price source", "error", err.Error())
		os.Exit(1)
	}
	defer func() { _ = priceSrc.Close() }()

	engine := ladder.NewEngine(logger)
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "ladder-replacement"}, logger)

	execMode := executor.Sequential
	if cfg.Execution.UpdateBehavior == "atomic" {
		execMode = executor.Atomic
	}
	exec := executor.New(executor.Config{
		Mode:                      execMode,
		AtomicReplacementDelay:    time.Duration(cfg.Execution.AtomicReplacementDelayMs) * time.Millisecond,
		EnableSelfTradePrevention: cfg.Execution.EnableSelfTradePrevention,
		SequentialPeelDelay:       time.Duration(cfg.Execution.SequentialPeelDelayMs) * time.Millisecond,
		MarginFactorPPM:           calc.FactorToPPM(cfg.Ladder.InitialMarginFactor),
	}, engine, venue, pool, logger)

	planner := settlement.New(venue, logger)
	if auditLog != nil {
		planner.WithAuditLog(auditLog)
	}

	orch := orchestrator.New(cfg, engine, exec, planner, priceSrc, venue, venue, venue, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Run(ctx); err != nil {
		logger.Error("ladderworker stopped with error", "error", err.Error())
		os.Exit(1)
	}

	logger.Info("ladderworker shut down gracefully")
}
