package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oppihq/oppid/internal/config"
	"github.com/oppihq/oppid/internal/engine/subprocess"
	"github.com/oppihq/oppid/internal/gateway"
	"github.com/oppihq/oppid/internal/policy"
	"github.com/oppihq/oppid/internal/store"
	"github.com/oppihq/oppid/internal/supervisor"
	"github.com/oppihq/oppid/internal/telemetry"
	"github.com/oppihq/oppid/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Oppi server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Resolve engine paths up front (must be absolute for the child process).
	workspace := config.ExpandHome(cfg.Engine.Workspace)
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	os.MkdirAll(workspace, 0o755)
	cfg.Engine.Workspace = workspace
	if cfg.Engine.LogDir != "" {
		cfg.Engine.LogDir = config.ExpandHome(cfg.Engine.LogDir)
		os.MkdirAll(cfg.Engine.LogDir, 0o755)
	}
	if cfg.Database.SQLitePath != "" {
		cfg.Database.SQLitePath = config.ExpandHome(cfg.Database.SQLitePath)
		os.MkdirAll(filepath.Dir(cfg.Database.SQLitePath), 0o755)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(context.Background())

	// Learned-rule store: sqlite standalone, postgres managed.
	ruleStore, err := store.Open(cfg)
	if err != nil {
		slog.Error("failed to open rule store", "error", err)
		os.Exit(1)
	}
	defer ruleStore.Close()

	pol := policy.NewEngine(cfg.SnapshotPolicy(), ruleStore)
	if err := pol.LoadPersisted(ctx); err != nil {
		slog.Warn("persisted rules unavailable", "error", err)
	}

	registry := supervisor.NewRegistry(cfg, pol, subprocess.Factory(cfg.Engine))
	server := gateway.NewServer(cfg, registry)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		registry.StopAll("server_shutdown")
		cancel()
	}()

	mode := "standalone"
	if cfg.IsManagedMode() {
		mode = "managed"
	}
	slog.Info("oppid starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"mode", mode,
		"host", cfg.Gateway.Host,
		"port", cfg.Gateway.Port,
		"engine", cfg.Engine.Command,
	)

	g, ctx := errgroup.WithContext(ctx)

	// Hot-reload the policy section on config file changes. A missing
	// watcher degrades to static config, it never takes the server down.
	g.Go(func() error {
		err := config.Watch(ctx, cfgPath, func(pc config.PolicyConfig) {
			cfg.ReplacePolicy(pc)
			pol.SetToolDefaults(pc)
		})
		if err != nil {
			slog.Warn("config watcher unavailable", "error", err)
		}
		return nil
	})

	// Reap stopped sessions past their catch-up TTL.
	g.Go(func() error {
		registry.Sweep(ctx, time.Minute)
		return nil
	})

	g.Go(func() error {
		return server.Start(ctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
	return nil
}
