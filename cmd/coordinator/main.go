// Command coordinator runs the browser-mining WebSocket coordinator: it
// polls a monerod daemon for block templates, mints per-session jobs, and
// validates submitted shares before forwarding solved blocks back to the
// daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/roundnews/monerowebcoordinator/internal/api"
	"github.com/roundnews/monerowebcoordinator/internal/config"
	"github.com/roundnews/monerowebcoordinator/internal/coordinator"
	"github.com/roundnews/monerowebcoordinator/internal/daemon"
	"github.com/roundnews/monerowebcoordinator/internal/jobs"
	"github.com/roundnews/monerowebcoordinator/internal/metrics"
	"github.com/roundnews/monerowebcoordinator/internal/session"
	"github.com/roundnews/monerowebcoordinator/internal/template"
	"github.com/roundnews/monerowebcoordinator/internal/validator"
)

// Build info, set via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (overrides COORDINATOR_CONFIG)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("monerowebcoordinator %s (%s)\n", Version, Commit)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)
	logger.Info("starting coordinator", "version", Version, "commit", Commit)

	daemonClient := daemon.NewClientWithConfig(daemon.ClientConfig{
		RPCURL:           cfg.Monerod.RPCURL,
		Timeout:          time.Duration(cfg.Monerod.RPCTimeoutMs) * time.Millisecond,
		RetryAttempts:    2,
		RetryDelay:       250 * time.Millisecond,
		CBEnabled:        true,
		CBThreshold:      5,
		CBResetTimeout:   30 * time.Second,
		RPCRatePerSecond: 20,
		RPCBurst:         10,
		Logger:           logger,
	})

	m := metrics.New("coordinator")

	templateMgr := template.New(daemonClient, template.Config{
		WalletAddress:   cfg.Monerod.WalletAddress,
		ReserveSize:     cfg.Monerod.ReserveSize,
		RefreshInterval: time.Duration(cfg.Jobs.TemplateRefreshIntervalMs) * time.Millisecond,
		Logger:          logger,
		Metrics:         m,
	})

	sessionRegistry := session.NewRegistry(
		cfg.Server.MaxConnections,
		cfg.Server.MaxConnectionsPerIP,
		cfg.Limits.MessagesPerSecond,
		cfg.Limits.SubmitsPerMinute,
	)
	jobRegistry := jobs.NewRegistry(cfg.Jobs.StaleJobGraceMs)
	val := validator.New()
	defer val.Close()

	coordCfg := coordinator.DefaultConfig()
	coordCfg.Logger = logger
	coordCfg.JobTTL = time.Duration(cfg.Jobs.JobTTLMs) * time.Millisecond
	coordCfg.SubmitTimeout = time.Duration(cfg.Monerod.RPCTimeoutMs) * time.Millisecond
	coordCfg.MessagesPerSecond = cfg.Limits.MessagesPerSecond
	coordCfg.SubmitsPerMinute = cfg.Limits.SubmitsPerMinute
	coordCfg.MaxMessageSize = cfg.Server.MaxFrameBytes

	coordSrv := coordinator.NewServer(sessionRegistry, jobRegistry, templateMgr, val, daemonClient, m, coordCfg)

	apiCfg := api.DefaultConfig()
	apiCfg.BindAddr = cfg.Metrics.BindAddr
	apiCfg.MetricsPath = cfg.Metrics.Path
	apiSrv := api.NewServer(sessionRegistry, templateMgr, m, apiCfg)
	apiSrv.RegisterCheck("monerod", api.RPCCheck(func(ctx context.Context) error {
		_, err := daemonClient.GetInfo(ctx)
		return err
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go templateMgr.Run(ctx)
	go coordSrv.Run(ctx)
	go apiSrv.Run(ctx)

	if cfg.Metrics.Enable {
		go func() {
			logger.Info("api server listening", "addr", cfg.Metrics.BindAddr)
			if err := http.ListenAndServe(cfg.Metrics.BindAddr, apiSrv.Handler()); err != nil {
				logger.Error("api server stopped", "error", err)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.WSPath, coordSrv.Handler())
	wsServer := &http.Server{Addr: cfg.Server.BindAddr, Handler: mux}

	go func() {
		logger.Info("websocket server listening", "addr", cfg.Server.BindAddr, "path", cfg.Server.WSPath)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("websocket server stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("websocket server shutdown error", "error", err)
	}
	cancel()
	logger.Info("shutdown complete")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
