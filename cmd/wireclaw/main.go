package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/robfig/cron/v3"

	"github.com/wireclaw/wireclaw/internal/agent"
	"github.com/wireclaw/wireclaw/internal/approval"
	"github.com/wireclaw/wireclaw/internal/audit"
	"github.com/wireclaw/wireclaw/internal/bus"
	"github.com/wireclaw/wireclaw/internal/config"
	"github.com/wireclaw/wireclaw/internal/gateway"
	"github.com/wireclaw/wireclaw/internal/identity"
	otelPkg "github.com/wireclaw/wireclaw/internal/otel"
	"github.com/wireclaw/wireclaw/internal/persistence"
	"github.com/wireclaw/wireclaw/internal/scope"
	"github.com/wireclaw/wireclaw/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.4-dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	bindAddr := flag.String("bind", "", "override the configured bind address")
	flag.Parse()

	if *showVersion {
		fmt.Println("wireclaw", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *bindAddr != "" {
		cfg.BindAddr = *bindAddr
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	if err := audit.Init(cfg.HomeDir); err != nil {
		logger.Error("audit sink init failed", "error", err)
		os.Exit(1)
	}
	defer audit.Close()

	provider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		logger.Error("otel init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		logger.Error("metric instruments failed", "error", err)
		os.Exit(1)
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "wireclaw.db"))
	if err != nil {
		logger.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	audit.SetDB(store.DB())

	// Approvals left pending by a previous process can never be resolved now.
	if n, err := store.MarkStalePendingTimedOut(ctx); err != nil {
		logger.Warn("stale approval cleanup failed", "error", err)
	} else if n > 0 {
		logger.Info("stale pending approvals timed out", "count", n)
	}

	tokenScopes, err := scope.ParseList(cfg.Auth.TokenScopes)
	if err != nil {
		logger.Error("invalid token scopes", "error", err)
		os.Exit(1)
	}

	b := bus.New()
	coord := approval.New(approval.Options{
		Bus:            b,
		History:        store,
		Logger:         logger,
		Metrics:        metrics,
		AutoApproveMax: cfg.Approvals.AutoApproveMax,
	})
	runner := agent.NewLoopback(b, logger)
	resolver := &identity.Resolver{
		Mode:        cfg.Auth.Mode,
		Token:       cfg.Auth.Token,
		TokenScopes: tokenScopes,
		JWTSecret:   []byte(cfg.Auth.JWTSecret),
		Devices:     store,
	}

	gw := gateway.New(gateway.Config{
		Logger:       logger,
		Bus:          b,
		Approvals:    coord,
		Runner:       runner,
		Store:        store,
		Identity:     resolver,
		Cfg:          &cfg,
		HomeDir:      cfg.HomeDir,
		AllowOrigins: cfg.AllowOrigins,
		Metrics:      metrics,
		Tracer:       provider.Tracer,
	})

	// Hot reload: config.yaml edits and config.set both land here.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-watcher.Events():
					fresh, err := config.Load()
					if err != nil {
						logger.Warn("config reload rejected", "error", err)
						continue
					}
					gw.ApplyConfig(&fresh)
				}
			}
		}()
	}

	sched := cron.New()
	if cfg.Maintenance.Schedule != "" {
		if _, err := sched.AddFunc(cfg.Maintenance.Schedule, func() {
			jobCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if n, err := store.PurgeResolvedApprovals(jobCtx, cfg.Approvals.Retention()); err != nil {
				logger.Warn("approval purge failed", "error", err)
			} else if n > 0 {
				logger.Info("purged resolved approvals", "count", n)
			}
			if n := coord.PurgeResolved(time.Hour); n > 0 {
				logger.Debug("evicted resolved approvals from memory", "count", n)
			}
			if n := gw.EvictStaleBuckets(30 * time.Minute); n > 0 {
				logger.Debug("evicted idle rate-limit buckets", "count", n)
			}
		}); err != nil {
			logger.Warn("maintenance schedule rejected", "schedule", cfg.Maintenance.Schedule, "error", err)
		}
	}
	sched.Start()
	defer sched.Stop()

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		logger.Error("listen failed", "addr", cfg.BindAddr, "error", err)
		os.Exit(1)
	}
	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("wireclaw gateway listening",
		"addr", ln.Addr().String(),
		"version", Version,
		"auth_mode", cfg.Auth.Mode,
		"fingerprint", cfg.Fingerprint())
	if isatty.IsTerminal(os.Stdout.Fd()) && *quiet {
		fmt.Printf("wireclaw %s listening on %s\n", Version, ln.Addr().String())
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-gw.ShutdownRequested():
		logger.Info("shutdown requested over rpc")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	gw.Shutdown(shutdownCtx)
	_ = server.Shutdown(shutdownCtx)
	logger.Info("wireclaw stopped")
}
