package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"photo-processor/internal/bootstrap"
	"photo-processor/internal/config"
	"photo-processor/internal/jobs"
	"photo-processor/internal/logger"
	"photo-processor/internal/worker"
	"photo-processor/pkg/database/postgres"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		l := logger.New("production", "info")
		l.Fatal().Err(err).Msg("failed to load config")
	}
	log := logger.New(cfg.AppEnv, cfg.LogLevel).With().Str("service", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	log.Info().Msg("connecting to postgres")
	pool, err := postgres.NewClient(initCtx, cfg.PostgresURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()
	repos := bootstrap.NewRepositories(pool)

	store, err := bootstrap.OpenStore(initCtx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StorageBackend).Msg("failed to open object storage")
	}

	cache, closeCache := bootstrap.OpenCache(cfg, log)
	defer closeCache()

	executors, err := bootstrap.NewExecutors(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure providers")
	}

	publisher, err := bootstrap.OpenPublisher(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.QueueBackend).Msg("failed to open job queue")
	}
	defer publisher.Close()

	consumer, err := bootstrap.OpenConsumer(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.QueueBackend).Msg("failed to open job queue")
	}
	defer consumer.Close()

	// The reconciler re-publishes jobs whose enqueue was lost.
	svc := jobs.NewService(repos.Images, repos.Jobs, publisher, jobs.Options{
		AllowRerender: cfg.AIAllowRerender,
		Logger:        log,
	})
	go svc.RunReconciler(ctx, cfg.ReconcileInterval, cfg.ReconcileStaleAfter)

	// A PROCESSING job untouched for longer than the job timeout has no live worker.
	processor := worker.NewProcessor(repos.Images, repos.Jobs, store, cache, executors, log,
		worker.WithStaleAfter(cfg.WorkerJobTimeout))
	h := processor.FailExhausted(worker.Throttle(
		worker.WithTimeout(processor.Handle, cfg.WorkerJobTimeout),
		worker.NewLimiter(cfg.WorkerRateLimit, cfg.WorkerRateWindow),
	))

	log.Info().
		Str("queue", cfg.QueueName).
		Str("backend", cfg.QueueBackend).
		Int("concurrency", cfg.WorkerConcurrency).
		Msg("worker running")
	if err := consumer.Consume(ctx, h); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("consumer stopped")
	}

	log.Info().Msg("worker stopped")
}
