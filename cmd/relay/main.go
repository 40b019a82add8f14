// Command relay runs the central broker daemon: it accepts both agent and
// client TCP connections, routes REQUEST frames to registered instances, and
// exposes a read-only HTTP introspection surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unity-bridge/relay/internal/adminhttp"
	"github.com/unity-bridge/relay/internal/broker"
	"github.com/unity-bridge/relay/internal/config"
	"github.com/unity-bridge/relay/internal/eventstream"
	"github.com/unity-bridge/relay/internal/logging"
	"github.com/unity-bridge/relay/internal/metrics"
	"github.com/unity-bridge/relay/internal/reaper"
	"github.com/unity-bridge/relay/internal/registry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type relayConfig struct {
	relayAddr    string
	adminAddr    string
	statusDir    string
	logLevel     string
	development  bool
	queueEnabled bool
	queueMaxSize int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &relayConfig{}

	root := &cobra.Command{
		Use:   "relay",
		Short: "relay is the central broker between bridge clients and Unity editor agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.relayAddr, "relay-addr", config.EnvOrDefault("RELAY_ADDR", fmt.Sprintf(":%d", config.DefaultRelayPort)), "TCP listen address for agents and clients")
	flags.StringVar(&cfg.adminAddr, "admin-addr", config.EnvOrDefault("RELAY_ADMIN_ADDR", config.DefaultAdminAddr), "HTTP listen address for health, metrics and debug endpoints (empty disables it)")
	flags.StringVar(&cfg.statusDir, "status-dir", config.EnvOrDefault("RELAY_STATUS_DIR", config.DefaultStatusDir()), "Directory agents write their status files to")
	flags.StringVar(&cfg.logLevel, "log-level", config.EnvOrDefault("RELAY_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	flags.BoolVar(&cfg.development, "development", config.EnvOrDefault("RELAY_DEV", "false") == "true", "Use a human-readable console log encoder instead of JSON")
	flags.BoolVar(&cfg.queueEnabled, "queue-enabled", config.EnvOrDefault("RELAY_QUEUE_ENABLED", "false") == "true", "Queue REQUESTs for a BUSY instance instead of rejecting them immediately")
	flags.IntVar(&cfg.queueMaxSize, "queue-max-size", config.QueueMaxSize, "Maximum queued commands per instance when queueing is enabled")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *relayConfig) error {
	logger, err := logging.New(cfg.logLevel, cfg.development)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting relay",
		zap.String("version", version),
		zap.String("relay_addr", cfg.relayAddr),
		zap.String("admin_addr", cfg.adminAddr),
		zap.String("status_dir", cfg.statusDir),
		zap.Bool("queue_enabled", cfg.queueEnabled),
	)

	hub := eventstream.NewHub()
	go hub.Run(ctx)

	reg := registry.New(registry.Config{
		StatusDir:       cfg.statusDir,
		QueueEnabled:    cfg.queueEnabled,
		QueueMaxSize:    cfg.queueMaxSize,
		RequestCacheTTL: config.RequestCacheTTL,
		Events:          hub,
		Logger:          logger,
	})

	r, err := reaper.New(reg, logger)
	if err != nil {
		return fmt.Errorf("failed to create reaper: %w", err)
	}
	if err := r.Start(); err != nil {
		return fmt.Errorf("failed to start reaper: %w", err)
	}
	defer func() {
		if err := r.Stop(); err != nil {
			logger.Warn("reaper shutdown error", zap.Error(err))
		}
	}()

	srv := broker.NewServer(cfg.relayAddr, reg, logger)

	metricsReg, promReg := metrics.New()
	srv.SetMetrics(metricsReg)

	go func() {
		if err := srv.ListenAndServe(ctx); err != nil {
			logger.Error("broker server error", zap.Error(err))
			cancel()
		}
	}()

	var adminSrv *http.Server
	if cfg.adminAddr != "" {
		router := adminhttp.NewRouter(adminhttp.Config{
			Registry:   reg,
			Hub:        hub,
			Prometheus: promReg,
			Logger:     logger,
		})
		adminSrv = &http.Server{
			Addr:         cfg.adminAddr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.Info("admin http listening", zap.String("addr", cfg.adminAddr))
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin http server error", zap.Error(err))
				cancel()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down relay")

	if adminSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin http graceful shutdown error", zap.Error(err))
		}
	}

	logger.Info("relay stopped")
	return nil
}
