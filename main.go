package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"nexus/internal/config"
	"nexus/internal/credentials"
	"nexus/internal/linker"
	"nexus/internal/observability"
	"nexus/internal/proxy"
	"nexus/internal/storage"
	"nexus/internal/taskcache"
	"nexus/internal/upstream"
	"nexus/internal/usage"
	"nexus/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.InitOTel(ctx, cfg.OTel)
	if err != nil {
		log.Warn().Err(err).Msg("telemetry init failed, continuing without tracing")
		shutdownOTel = func(context.Context) error { return nil }
	}
	defer func() {
		if err := shutdownOTel(context.Background()); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	pool, err := storage.OpenPool(ctx, cfg.Database.ConnectionString)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database pool")
	}
	defer pool.Close()

	store := storage.New(pool)
	if err := store.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize schema")
	}

	tasks := taskcache.New(cfg.TaskCache.TTL)
	tasks.Start(ctx)

	writer := storage.NewWriter(store, tasks, storage.WriterConfig{
		BatchSize:     cfg.Storage.BatchSize,
		FlushInterval: cfg.Storage.FlushInterval,
		QueueDepth:    cfg.Storage.QueueDepth,
	})
	writer.Start(ctx)

	creds := credentials.NewStore(cfg.Credentials.Dir)
	if cfg.Credentials.Watch {
		if err := creds.Watch(ctx); err != nil {
			log.Warn().Err(err).Msg("credential watcher unavailable")
		}
	}

	var usageCache usage.Cache
	var redisPing func(context.Context) error
	if cfg.Redis.Enabled {
		rc, err := usage.NewRedisCache(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.TokenUsage.CacheTTL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, using in-process usage cache")
			usageCache = usage.NewMemoryCache(cfg.TokenUsage.CacheTTL)
		} else {
			usageCache = rc
			redisPing = rc.Ping
		}
	} else {
		usageCache = usage.NewMemoryCache(cfg.TokenUsage.CacheTTL)
	}

	tracker := usage.New(usage.NewPGStore(pool), cfg.TokenUsage.WindowMinutes, usage.WithCache(usageCache))
	tracker.StartCoalescer(ctx)

	service := proxy.New(proxy.Config{
		Credentials:    creds,
		Linker:         linker.New(storage.NewLinkSource(store, writer), tasks, cfg.TaskCache.MatchWindow),
		Writer:         writer,
		Upstream:       upstream.New(cfg.Upstream.BaseURL, cfg.Upstream.APIVersion, cfg.Upstream.TTFBTimeout, cfg.Upstream.Timeout),
		Tracker:        tracker,
		RequestTimeout: cfg.Server.RequestTimeout,
		ClientAuth:     cfg.Server.ClientAuth,
	})

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())
	registerRoutes(e, &deps{
		service: service,
		tracker: tracker,
		store:   store,
		redis:   redisPing,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		log.Info().Str("addr", addr).Str("version", version.Version).Msg("proxy listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown failed")
	}
	// Flush the remaining write queue before the pool closes.
	if err := writer.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("writer drain incomplete")
	}
}
