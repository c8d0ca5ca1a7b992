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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jnoller/racer/internal/app/migrate"
	"github.com/jnoller/racer/internal/docker"
	"github.com/jnoller/racer/internal/git"
	httpx "github.com/jnoller/racer/internal/http"
	"github.com/jnoller/racer/internal/logs"
	"github.com/jnoller/racer/internal/manifest"
	"github.com/jnoller/racer/internal/orchestrator"
	"github.com/jnoller/racer/internal/ports"
	"github.com/jnoller/racer/internal/repository/postgres"
	"github.com/jnoller/racer/internal/swarm"
	"github.com/jnoller/racer/internal/workspace"
	"github.com/jnoller/racer/internal/ws"
	"github.com/jnoller/racer/pkg/config"
	"github.com/jnoller/racer/pkg/logger"
)

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("racerd", slog.LevelInfo)

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

	repo := postgres.New(pool)

	dockerCli, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to construct docker client", "error", err)
		os.Exit(1)
	}
	defer dockerCli.Close()

	cluster := swarm.New(dockerCli, log)

	allocator, err := ports.New(cfg.PortRangeStart, cfg.PortRangeEnd)
	if err != nil {
		log.Error("invalid port range", "start", cfg.PortRangeStart, "end", cfg.PortRangeEnd, "error", err)
		os.Exit(1)
	}

	workspaces, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		log.Error("failed to prepare workspace root", "root", cfg.WorkspaceRoot, "error", err)
		os.Exit(1)
	}

	hub := ws.NewHub()
	collector := logs.NewCollector(hub, cfg.LogBufferLines, log)
	defer collector.Close()

	orch := orchestrator.New(ctx, orchestrator.Options{
		Runtime:        dockerCli,
		Cluster:        cluster,
		Projects:       repo,
		Instances:      repo,
		Groups:         repo,
		Ports:          allocator,
		Collector:      collector,
		Validator:      manifest.NewValidator(),
		Fetcher:        git.NewFetcher(workspaces),
		Log:            log,
		DefaultAppPort: cfg.DefaultAppPort,
		StopGrace:      cfg.StopGracePeriod,
		HealthPath:     cfg.HealthProbePath,
		HealthTimeout:  cfg.HealthProbeTimeout,
		AdvertiseAddr:  cfg.SwarmAdvertiseAddr,
		LogTailDefault: cfg.LogTailDefault,
	})

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, orch, hub, limiter, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("racer server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("racer server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
