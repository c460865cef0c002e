// Package main provides the CLI entry point for the gateway-core LLM
// gateway.
//
// gateway-core dispatches tool-calling chat requests against whichever
// upstream LLM provider (OpenAI, Anthropic, Ollama) the caller names
// per request, offering a Docker-backed code sandbox, a File Recall
// tenant/vector-search surface, a per-user Memory Store, and a
// Conversation Shaper ahead of the dispatch loop.
//
// # Basic Usage
//
// Start the server:
//
//	gateway serve --config gateway.yaml
//
// # Environment Variables
//
// Configuration can be provided via environment variables layered on
// top of the config file; see internal/config for the full list
// (HOST, PORT, API_SECRET_KEY, MAX_TOOL_ITERATIONS, and so on).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/owui/gateway-core/internal/agent"
	"github.com/owui/gateway-core/internal/config"
	"github.com/owui/gateway-core/internal/filerecall"
	"github.com/owui/gateway-core/internal/httpapi"
	"github.com/owui/gateway-core/internal/memory"
	"github.com/owui/gateway-core/internal/metrics"
	"github.com/owui/gateway-core/internal/sandbox"
	"github.com/owui/gateway-core/internal/shaper"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "gateway",
		Short:        "gateway-core - multi-provider LLM gateway",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

// buildServeCmd creates the "serve" command that starts the gateway's
// HTTP server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		Long: `Start the gateway HTTP server.

The server will:
1. Load configuration from the specified file (or built-in defaults)
2. Open the Memory Store, File Recall store, and Metrics store
3. Start the sandbox manager if sandboxing is enabled
4. Register the memory, File Recall and (when enabled) sandbox tools
   against the dispatch loop's registry
5. Serve POST /api/v1/chat, the File Recall admin/tenant surface, and
   /healthz and /metrics

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

// runServe loads configuration, wires every manager, and blocks serving
// the gateway until a shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.Default()
	logger.Info("starting gateway-core", "version", version, "commit", commit, "config", configPath)

	memMgr, err := memory.NewManager(memory.Config{
		Path:     cfg.Memory.DatabasePath,
		MaxChars: cfg.Memory.MaxMemoryChars,
	})
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer memMgr.Close()

	frMgr, err := filerecall.NewManager(filerecall.Config{
		DBPath: cfg.FileRecall.DatabasePath,
		Root:   cfg.FileRecall.Root,
	})
	if err != nil {
		return fmt.Errorf("open file recall store: %w", err)
	}
	defer frMgr.Close()

	metricsMgr, err := metrics.NewManager(metrics.Config{
		DatabasePath: cfg.Metrics.DatabasePath,
	})
	if err != nil {
		return fmt.Errorf("open metrics store: %w", err)
	}
	defer metricsMgr.Close()

	registry := agent.NewRegistry()
	for _, t := range memory.Tools(memMgr) {
		registry.Register(t, agent.CategoryNone)
	}
	for _, t := range filerecall.Tools(frMgr) {
		registry.Register(t, agent.CategoryFileRecall)
	}

	var sandboxMgr *sandbox.Manager
	if cfg.Sandbox.Enabled {
		sandboxMgr, err = sandbox.NewManager(sandbox.Config{
			Network:       cfg.Sandbox.NetworkName,
			Image:         cfg.Sandbox.BaseImage,
			WorkspaceRoot: cfg.Sandbox.WorkspaceRoot,
			IdleTTL:       time.Duration(cfg.Sandbox.IdleTTLSeconds) * time.Second,
		}, logger)
		if err != nil {
			return fmt.Errorf("start sandbox manager: %w", err)
		}
		defer sandboxMgr.Close()

		for _, t := range sandbox.Tools(sandboxMgr) {
			registry.Register(t, agent.CategorySandbox)
		}
	}

	server := httpapi.NewServer(httpapi.Deps{
		Registry: registry,
		ShaperConfig: shaper.Config{
			MaxUserMessageTokens:       cfg.Shaper.MaxUserMessageTokens,
			CompactionTokenThreshold:   cfg.Shaper.CompactionTokenThreshold,
			CompactionMaxSummaryTokens: cfg.Shaper.CompactionMaxSummaryTokens,
			CompactionEnabled:          cfg.Shaper.CompactionEnabled,
			KeepTailTurns:              cfg.Shaper.KeepTailTurns,
			SummaryModel:               cfg.Shaper.SummaryModel,
		},
		Sandbox:           sandboxMgr,
		FileRecall:        frMgr,
		Memory:            memMgr,
		Metrics:           metricsMgr,
		Logger:            logger,
		APISecretKey:      cfg.Auth.APISecretKey,
		AllowedInstances:  cfg.Server.AllowedInstances,
		MaxToolIterations: cfg.Loop.MaxToolIterations,
		ToolCallTimeout:   time.Duration(cfg.Loop.ToolCallTimeoutSeconds) * time.Second,
		RequestTimeout:    time.Duration(cfg.Loop.RequestTimeoutSeconds) * time.Second,
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Info("gateway-core listening", "addr", addr)

	if err := server.Serve(ctx, addr); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway-core stopped gracefully")
	return nil
}
