package main

import (
	"context"
	"errors"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketchat/internal/auth"
	"marketchat/internal/config"
	"marketchat/internal/filestore"
	"marketchat/internal/http"
	"marketchat/internal/logging"
	"marketchat/internal/metrics"
	"marketchat/internal/relay"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func run(ctx context.Context) error {
	cfg, err := config.Load(false)
	if err != nil {
		return err
	}
	logging.New(cfg.LogFormat, cfg.LogLevel)

	tokens, err := auth.NewTokenService(ctx, auth.Config{TokenExpiry: cfg.TokenExpiry})
	if err != nil {
		return err
	}

	files, err := filestore.NewLocalFileStore(cfg.FilesDir)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewRelay(reg)

	hub := relay.NewHub(m)
	defer func() { _ = hub.Close() }()

	wsServer := relay.NewServer(hub, tokens, cfg.RelayRateLimit, m)
	adminServer := http.NewAdminServer(tokens, hub, reg, cfg.AdminAddr)
	apiServer := http.NewAPIServer(tokens, wsServer, files, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Open websockets end when the hub closes; Shutdown does not wait for
		// hijacked connections.
		if err := hub.Close(); err != nil {
			slog.Error("hub close error", "error", err)
		}
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("admin server shutdown error", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
