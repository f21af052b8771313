// Command cellforge runs the intent-driven cell orchestrator daemon.
//
// Usage:
//
//	cellforge [serve] [-config path] [-listen addr]   start the daemon (default)
//	cellforge verify [-config path]                   validate the persisted trail and exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quantaleap/cellforge/pkg/api"
	"github.com/quantaleap/cellforge/pkg/assembler"
	"github.com/quantaleap/cellforge/pkg/config"
	"github.com/quantaleap/cellforge/pkg/intent"
	"github.com/quantaleap/cellforge/pkg/observability"
	"github.com/quantaleap/cellforge/pkg/provider"
	cellruntime "github.com/quantaleap/cellforge/pkg/runtime"
	"github.com/quantaleap/cellforge/pkg/security"
	"github.com/quantaleap/cellforge/pkg/trail"
)

func main() {
	os.Exit(run(os.Args, os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	cmd := "serve"
	rest := args[1:]
	if len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		cmd, rest = rest[0], rest[1:]
	}

	fs := flag.NewFlagSet("cellforge", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to YAML config file")
	listen := fs.String("listen", "", "listen address, overrides config")
	if err := fs.Parse(rest); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 1
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	setupLogging(cfg.LogLevel)

	switch cmd {
	case "serve":
		return serve(cfg)
	case "verify":
		return verify(cfg, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		return 2
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func serve(cfg *config.Config) int {
	logger := slog.Default()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "cellforge",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Observability.Environment,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.Observability.Enabled,
		Insecure:       true,
	})
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	gate, err := security.NewGate(security.Options{
		Level:                security.Level(cfg.Security.Level),
		ConnectionPolicyExpr: cfg.Security.ConnectionPolicyExpr,
		Logger:               logger,
	})
	if err != nil {
		logger.Error("security gate init failed", "error", err)
		return 1
	}

	rt := cellruntime.New(cellruntime.Options{
		Total: cellruntime.Resources{
			MemoryMB:   cfg.Resources.MemoryTotalMB,
			CPUPercent: cfg.CPUPercentTotal(),
			StorageMB:  cfg.Resources.StorageTotalMB,
		},
		Logger: logger,
	})

	tr, err := trail.New(trail.Options{
		StoragePath:        cfg.Ledger.StoragePath,
		Difficulty:         cfg.Ledger.Difficulty,
		BlockCapacity:      cfg.Ledger.BlockCapacity,
		BlockTimeTarget:    time.Duration(cfg.Ledger.BlockTimeTargetSeconds) * time.Second,
		MaxTransactionWait: time.Duration(cfg.Ledger.MaxTransactionWaitSeconds) * time.Second,
		Logger:             logger,
	})
	if err != nil {
		logger.Error("trail init failed", "error", err)
		return 1
	}
	trailDone := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(trailDone)
	}()

	client := provider.NewClient(provider.Options{
		Timeout:           time.Duration(cfg.Providers.TimeoutSeconds) * time.Second,
		UnhealthyCooldown: time.Duration(cfg.Providers.UnhealthyCooldownSeconds) * time.Second,
		APIKey:            cfg.Providers.APIKey,
		Logger:            logger,
	})

	asm, err := assembler.New(assembler.Options{
		Providers:        cfg.Providers.URLs,
		SelectionPolicy:  cfg.Providers.SelectionPolicy,
		CoreCapabilities: cfg.Cache.CoreCapabilities,
		CacheMaxEntries:  cfg.Cache.MaxEntries,
		Interpreter:      intent.NewInterpreter(),
		Gate:             gate,
		Runtime:          rt,
		Trail:            tr,
		Client:           client,
		Obs:              obs,
		Logger:           logger,
	})
	if err != nil {
		logger.Error("assembler init failed", "error", err)
		return 1
	}

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.NewServer(asm, tr, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("cellforge listening", "addr", cfg.Listen, "security_level", cfg.Security.Level)
		errCh <- server.ListenAndServe()
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	// The mining loop flushes pending transactions on cancellation; wait
	// for that final block before exiting.
	stop()
	<-trailDone
	return exitCode
}

func verify(cfg *config.Config, stderr io.Writer) int {
	// Read-only: a tampered chain must be reported, not repaired over.
	height, transactions, err := trail.VerifyDir(cfg.Ledger.StoragePath)
	if err != nil {
		fmt.Fprintln(stderr, "trail invalid:", err)
		return 1
	}
	fmt.Printf("trail valid: %d blocks, %d transactions\n", height, transactions)
	return 0
}
