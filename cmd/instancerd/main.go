package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ctflabs/instancer/internal/app/migrate"
	"github.com/ctflabs/instancer/internal/domain"
	httpx "github.com/ctflabs/instancer/internal/http"
	"github.com/ctflabs/instancer/internal/metrics"
	dockerprov "github.com/ctflabs/instancer/internal/provisioner/docker"
	"github.com/ctflabs/instancer/internal/repository/postgres"
	"github.com/ctflabs/instancer/internal/service/auth"
	"github.com/ctflabs/instancer/internal/service/instance"
	"github.com/ctflabs/instancer/internal/service/reaper"
	"github.com/ctflabs/instancer/internal/ws"
	"github.com/ctflabs/instancer/pkg/config"
	"github.com/ctflabs/instancer/pkg/logger"
)

func main() {
	cfg := config.LoadInstancerConfig()
	log := logger.New("instancerd", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	catalog, err := domain.LoadCatalog(cfg.TemplateCatalog)
	if err != nil {
		log.Error("failed to load template catalog", "path", cfg.TemplateCatalog, "error", err)
		os.Exit(1)
	}
	log.Info("template catalog loaded", "templates", len(catalog))

	gateway, err := dockerprov.New(cfg.DockerHost, cfg.PublicHost)
	if err != nil {
		log.Error("failed to create docker provisioner", "error", err)
		os.Exit(1)
	}
	defer gateway.Close()
	if err := gateway.Ping(ctx); err != nil {
		log.Error("docker daemon unreachable", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	eventHub := ws.NewHub()
	events := metrics.Fanout(metrics.NewLifecycleCounters(), ws.NewEventStream(eventHub))

	authSvc := auth.New(repo, log, cfg.JWTSecret, cfg.SessionTTL)
	if cfg.AdminUsername != "" && cfg.AdminPassword != "" {
		if err := authSvc.EnsureAdmin(ctx, cfg.AdminUsername, cfg.AdminPassword, cfg.AdminEmail); err != nil {
			log.Error("failed to bootstrap admin user", "error", err)
			os.Exit(1)
		}
	}

	instanceSvc := instance.New(repo, gateway, catalog, events, log, instance.Options{
		MaxInstances:     cfg.MaxInstances,
		WarnThreshold:    cfg.WarnThreshold,
		InstanceTTL:      cfg.InstanceTTL,
		ProvisionTimeout: cfg.ProvisionTimeout,
	})

	rpr := reaper.New(repo, gateway, events, log, cfg.ReapInterval)
	if rpr != nil {
		go rpr.Run(ctx)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RedisPassword, cfg.RedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, authSvc, instanceSvc, rpr, eventHub, limiter, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("instancer server starting", "addr", cfg.Addr, "max_instances", cfg.MaxInstances, "instance_ttl", cfg.InstanceTTL.String())
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("instancer server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
