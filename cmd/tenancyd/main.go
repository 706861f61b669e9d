package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/V4T54L/tenancy/internal/adapter/api"
	"github.com/V4T54L/tenancy/internal/adapter/api/handler"
	"github.com/V4T54L/tenancy/internal/adapter/profilewatch"
	"github.com/V4T54L/tenancy/internal/adapter/repository/postgres"
	"github.com/V4T54L/tenancy/internal/bootstrap"
	"github.com/V4T54L/tenancy/internal/pkg/config"
	"github.com/V4T54L/tenancy/internal/pkg/logger"
)

const (
	rotationCheckInterval = 24 * time.Hour
	cacheHealthInterval   = 5 * time.Second
	cacheJanitorInterval  = time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("tenancyd stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("servers shut down gracefully")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	svc, err := bootstrap.Build(ctx, cfg, log, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := postgres.MigrateLandlord(ctx, svc.Landlord, log); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	// --- Background Loops ---
	g.Go(func() error {
		svc.Pool.StartEvictor(ctx, cfg.Pool.EvictInterval)
		return nil
	})
	g.Go(func() error {
		svc.Monitor.Start(ctx, cfg.Monitor.CheckInterval)
		return nil
	})
	if svc.Shared != nil {
		g.Go(func() error {
			svc.Shared.StartHealthCheck(ctx, cacheHealthInterval)
			return nil
		})
	}
	if svc.Memory != nil {
		g.Go(func() error {
			svc.Memory.StartJanitor(ctx, cacheJanitorInterval)
			return nil
		})
	}
	if cfg.Database.ProfilesFile != "" {
		watcher := profilewatch.NewWatcher(cfg.Database.ProfilesFile, svc.Catalog, svc.Manager, log)
		g.Go(func() error { return watcher.Run(ctx) })
	}
	g.Go(func() error {
		svc.WarnIfRotationDue(time.Now())
		ticker := time.NewTicker(rotationCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				svc.WarnIfRotationDue(now)
			}
		}
	})

	// --- HTTP Servers ---
	status := handler.NewStatusHandler(svc.Manager, svc.Monitor, cfg.Pool.AcquireTimeout, log)
	events := handler.NewEventBroker(ctx, 0, log)
	svc.Bus.Subscribe("sse", events)

	adminServer := &http.Server{
		Addr: cfg.AdminAddr,
		Handler: api.NewAdminRouter(api.AdminRouterDeps{
			Token:    cfg.AdminToken,
			Tenants:  handler.NewTenantHandler(svc.Admin, log),
			Status:   status,
			Events:   events,
			Gatherer: prometheus.DefaultGatherer,
		}, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if cfg.AdminToken == "" {
		log.Warn("ADMIN_TOKEN is not set, the admin API rejects every request")
	}

	tenantServer := &http.Server{
		Addr:         cfg.TenantAddr,
		Handler:      api.NewTenantRouter(log, svc.Resolver, status, nil),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	for name, srv := range map[string]*http.Server{"admin": adminServer, "tenant": tenantServer} {
		g.Go(func() error {
			log.Info("starting server", "server", name, "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	// --- Wait for shutdown signal ---
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Join(adminServer.Shutdown(shutdownCtx), tenantServer.Shutdown(shutdownCtx))
	})

	return g.Wait()
}
