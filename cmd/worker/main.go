package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexvision/intake/internal/cache"
	"github.com/nexvision/intake/internal/config"
	"github.com/nexvision/intake/internal/database"
	"github.com/nexvision/intake/internal/jobs"
	"github.com/nexvision/intake/internal/log"
	"github.com/nexvision/intake/internal/pipeline"
	"github.com/nexvision/intake/internal/queue"
	"github.com/nexvision/intake/internal/repository"
	"github.com/nexvision/intake/internal/storage"
	"github.com/nexvision/intake/internal/tasks"
	"github.com/nexvision/intake/internal/vision"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		panic(err)
	}

	logger := log.NewWorker(cfg.Environment, cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := database.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect postgres")
	}
	defer dbPool.Close()
	if err := database.Migrate(ctx, dbPool); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate schema")
	}

	client, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer client.Close()

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
	defer closeAnalyzer()

	uploadRepo := repository.NewUploadRepository(dbPool)
	runner := pipeline.New(analyzer,
		cache.NewJSONCache(client, "analysis:", cfg.Gate.CacheTTL),
		uploadRepo,
		pipeline.OptionsFromConfig(cfg.Orientation, cfg.Gate),
		logger)

	processor := tasks.NewProcessor(uploadRepo, objectStore, runner, tasks.Options{
		Retention: cfg.Jobs.Retention,
		BatchSize: cfg.Jobs.RecheckBatch,
	}, logger)

	consumer := queue.NewConsumer(client, queue.ConsumerOptions{
		Stream:            cfg.Redis.Stream,
		Group:             cfg.Redis.Group,
		Consumer:          cfg.Redis.Consumer,
		ClaimInterval:     cfg.Queues.ClaimInterval,
		VisibilityTimeout: cfg.Queues.VisibilityTimeout,
		BlockTimeout:      cfg.Queues.BlockTimeout,
		MaxDeliveries:     cfg.Queues.MaxDeliveries,
		DeadLetterStream:  cfg.Queues.DeadLetterStream,
	}, logger, processor)

	scheduler := jobs.NewScheduler(queue.NewPublisher(client, cfg.Redis.Stream), cfg.Jobs, logger)
	if err := scheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("scheduler start failed")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatal().Err(err).Msg("consumer stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	<-scheduler.Stop().Done()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("consumer did not stop in time")
	}
}
