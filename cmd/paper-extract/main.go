package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/paper-extract/internal/app"
	"github.com/joseph-ayodele/paper-extract/internal/common"
	"github.com/joseph-ayodele/paper-extract/internal/ingest"
	repo "github.com/joseph-ayodele/paper-extract/internal/repository"
	"github.com/joseph-ayodele/paper-extract/internal/server"
)

func main() {
	cfg := common.LoadConfig()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repo.Connect(ctx, repo.Config{
		Driver:           cfg.Database.Driver,
		DSN:              cfg.Database.DSN,
		MaxConns:         cfg.Database.MaxConns,
		MinConns:         cfg.Database.MinConns,
		MaxConnLifetime:  cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:  cfg.Database.MaxConnIdleTime,
		DialTimeout:      cfg.Database.DialTimeout,
		StatementTimeout: cfg.Database.StatementTimeout,
	}, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close(logger)

	if err := repo.HealthCheck(ctx, db.Driver, 5*time.Second, logger); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	if err := repo.Migrate(ctx, db.Driver, logger); err != nil {
		logger.Error("failed to migrate schema", "error", err)
		os.Exit(1)
	}

	stack := app.Build(cfg, db.Driver, nil, logger)

	ping := func(ctx context.Context) error { return repo.HealthCheck(ctx, db.Driver, 0, logger) }
	handlers := server.NewHandlers(stack.Service, stack.Exporter, ping, logger)
	router := server.NewRouter(handlers, server.RouterConfig{
		APIPrefix:   cfg.Server.APIPrefix,
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("paper-extract listening", "addr", cfg.Server.HTTPAddr, "workers", stack.Dispatcher.Workers())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return stack.Reclaimer.Run(gctx) })
	g.Go(func() error {
		if _, err := stack.Dispatcher.Recover(gctx); err != nil {
			logger.Warn("pending job recovery incomplete", "error", err)
		}
		return nil
	})
	if addr := cfg.Server.HealthGRPCAddr; addr != "" && addr != "off" {
		hs := server.NewHealthServer(ping, 15*time.Second, logger)
		g.Go(func() error { return hs.Serve(gctx, addr) })
	}
	if dir := cfg.Ingest.WatchDir; dir != "" {
		w := ingest.NewWatcher(ingest.WatchConfig{Roots: []string{dir}, InitialScan: false, Debounce: cfg.Ingest.Debounce}, stack.Service, logger)
		g.Go(func() error { return w.Run(gctx) })
	}

	err = g.Wait()
	logger.Info("shutting down", "error", err)

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatcher.JobTimeout)
	defer cancel()
	stack.Shutdown(drainCtx)

	if err != nil {
		os.Exit(1)
	}
}

func logLevel() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
