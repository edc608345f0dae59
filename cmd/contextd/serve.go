package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/contextd/contextd/internal/completeness"
	"github.com/contextd/contextd/internal/config"
	"github.com/contextd/contextd/internal/ctxlog"
	"github.com/contextd/contextd/internal/orchestrate"
	"github.com/contextd/contextd/internal/ratelimit"
	"github.com/contextd/contextd/internal/redact"
	"github.com/contextd/contextd/internal/server"
	"github.com/contextd/contextd/internal/tools"
	"github.com/contextd/contextd/internal/upstream"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath  string
		debug       bool
		listen      string
		dataDir     string
		upstreamURL string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the contextd daemon",
		Long: `Run the contextd daemon: the tool execution plane, the orchestrators and
the HTTP/SSE diagnostics surface, backed by the append-only event log.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Run with defaults, bound to loopback
  contextd serve

  # Run with a config file and debug logging
  contextd serve --config /etc/contextd/contextd.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := serveOverrides{
				debug:       debug,
				listen:      listen,
				dataDir:     dataDir,
				upstreamURL: upstreamURL,
			}
			return runServe(cmd.Context(), resolveConfigPath(configPath), overrides)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVar(&listen, "listen", "", "Bind address, overriding the config file")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Event store directory, overriding the config file")
	cmd.Flags().StringVar(&upstreamURL, "upstream", "", "Upstream base URL, overriding the config file")
	return cmd
}

// serveOverrides are the flag values that win over the config file.
type serveOverrides struct {
	debug       bool
	listen      string
	dataDir     string
	upstreamURL string
}

func runServe(ctx context.Context, configPath string, overrides serveOverrides) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if overrides.debug {
		cfg.Log.Level = "debug"
	}
	if overrides.listen != "" {
		cfg.Server.Listen = overrides.listen
	}
	if overrides.dataDir != "" {
		cfg.CtxLog.Dir = overrides.dataDir
	}
	if overrides.upstreamURL != "" {
		cfg.Upstream.BaseURL = overrides.upstreamURL
	}
	logger := cfg.BuildLogger()
	slog.SetDefault(logger)

	store, err := ctxlog.Open(cfg.CtxLog, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	janitor, err := ctxlog.StartJanitor(store, logger)
	if err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	defer janitor.Stop()

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, tools.BuiltinDeps{
		WorkspaceDir: cfg.Workspace,
		Store:        store,
	}); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	if err := registry.Freeze(cfg.Tools.Allow, cfg.Tools.Gates); err != nil {
		return fmt.Errorf("freeze registry: %w", err)
	}

	exec := tools.NewExecutor(
		registry,
		ratelimit.New(cfg.RateLimit),
		redact.New(cfg.Redact),
		store,
		cfg.Tools.Exec,
		logger,
	)

	client := upstream.New(cfg.Upstream, logger)
	detector := completeness.New(cfg.Detect)

	loop := orchestrate.NewToolLoop(client, exec, detector, store, cfg.Orch.Loop, logger)
	chunked := orchestrate.NewChunked(client, store, cfg.Orch.Chunked.ChunkedConfig, logger)
	reviewer := orchestrate.NewReviewer(client, loop, store, cfg.Orch.Review.ReviewConfig, logger)
	combined := orchestrate.NewCombined(chunked, reviewer, cfg.Orch.CombinedStrategy, store, logger)
	heuristic := orchestrate.NewHeuristic(cfg.Orch.Heuristic, store, logger)
	hints := orchestrate.NewHintInjector(store, cfg.Orch.Hints, logger)
	service := orchestrate.NewService(loop, reviewer, chunked, combined, heuristic, hints, orchestrate.ServiceConfig{
		ReviewEnabled:  cfg.Orch.Review.Enabled,
		ChunkedEnabled: cfg.Orch.Chunked.Enabled,
	}, logger)

	srv := server.New(server.Config{
		Listen:          cfg.Server.Listen,
		SSEHeartbeat:    cfg.Server.SSEHeartbeat,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, exec, store, service, logger)
	if err := srv.Start(); err != nil {
		return err
	}

	logger.Info("contextd started",
		"addr", srv.Addr(),
		"tools", len(registry.Names()),
		"allowlisted", len(registry.Allowlist()),
		"events_dir", cfg.CtxLog.Dir,
	)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	return nil
}
