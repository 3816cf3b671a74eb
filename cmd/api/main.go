package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nexvision/intake/internal/cache"
	"github.com/nexvision/intake/internal/config"
	"github.com/nexvision/intake/internal/database"
	"github.com/nexvision/intake/internal/handlers"
	"github.com/nexvision/intake/internal/log"
	"github.com/nexvision/intake/internal/middleware"
	"github.com/nexvision/intake/internal/pipeline"
	"github.com/nexvision/intake/internal/queue"
	"github.com/nexvision/intake/internal/reimagine"
	"github.com/nexvision/intake/internal/repository"
	"github.com/nexvision/intake/internal/server"
	"github.com/nexvision/intake/internal/service"
	"github.com/nexvision/intake/internal/storage"
	"github.com/nexvision/intake/internal/vision"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment)

	ctx := context.Background()

	dbPool, err := database.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect postgres")
	}
	if err := database.Migrate(ctx, dbPool); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate schema")
	}

	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}

	objectStore, err := storage.NewObjectStore(cfg.Storage)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init object store")
	}
	if err := objectStore.EnsureBuckets(ctx); err != nil {
		logger.Warn().Err(err).Msg("ensure buckets failed")
	}

	analyzer, closeAnalyzer, err := vision.New(ctx, cfg.Vision)
	if err != nil {
		logger.Fatal().Err(err).Str("provider", cfg.Vision.Provider).Msg("failed to init vision provider")
	}
	defer func() {
		if err := closeAnalyzer(); err != nil {
			logger.Error().Err(err).Msg("vision close error")
		}
	}()

	// The API keeps serving analysis and uploads without a reimagine provider.
	provider, err := reimagine.New(ctx, cfg.Reimagine)
	if err != nil {
		logger.Warn().Err(err).Str("provider", cfg.Reimagine.Provider).Msg("reimagine disabled")
		provider = nil
	}

	uploadRepo := repository.NewUploadRepository(dbPool)
	analysisCache := cache.NewJSONCache(redisClient, "analysis:", cfg.Gate.CacheTTL)
	reimagineCache := cache.NewJSONCache(redisClient, "reimagine:", cfg.Gate.CacheTTL)

	runner := pipeline.New(analyzer, analysisCache, uploadRepo,
		pipeline.OptionsFromConfig(cfg.Orientation, cfg.Gate), logger)
	publisher := queue.NewPublisher(redisClient, cfg.Redis.Stream)

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Requests > 0 {
		limiter = middleware.NewRateLimiter(redisClient, cfg.RateLimit.Requests, cfg.RateLimit.Window)
	}

	handlerSet := handlers.NewHandlerSet(handlers.Deps{
		Log:    logger,
		Config: cfg,
		Checks: map[string]handlers.HealthCheck{
			"postgres": dbPool.Ping,
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
		Analysis: service.NewAnalysisService(runner, cfg.Orientation.MaxUploadBytes),
		Uploads: service.NewUploadService(uploadRepo, objectStore, publisher, provider, reimagineCache,
			service.UploadOptionsFromConfig(cfg), logger),
		Limiter: limiter,
	})
	httpServer := server.NewHTTPServer(cfg, logger, handlerSet)

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdown(logger, httpServer, dbPool, redisClient)
}

func waitForShutdown(logger zerolog.Logger, srv *server.HTTPServer, db *pgxpool.Pool, redisClient *redis.Client) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("forced shutdown failed")
		}
	}

	db.Close()
	if err := redisClient.Close(); err != nil {
		logger.Error().Err(err).Msg("redis close error")
	}

	logger.Info().Msg("server exited cleanly")
}
