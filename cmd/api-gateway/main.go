package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"photo-processor/internal/bootstrap"
	"photo-processor/internal/config"
	"photo-processor/internal/handler"
	"photo-processor/internal/jobs"
	"photo-processor/internal/logger"
	"photo-processor/pkg/database/postgres"
	"photo-processor/pkg/security"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		l := logger.New("production", "info")
		l.Fatal().Err(err).Msg("failed to load config")
	}
	log := logger.New(cfg.AppEnv, cfg.LogLevel).With().Str("service", "api-gateway").Logger()

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

	if err := postgres.RunMigrations(initCtx, pool); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	repos := bootstrap.NewRepositories(pool)

	store, err := bootstrap.OpenStore(initCtx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StorageBackend).Msg("failed to open object storage")
	}

	publisher, err := bootstrap.OpenPublisher(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.QueueBackend).Msg("failed to open job queue")
	}
	defer publisher.Close()

	cache, closeCache := bootstrap.OpenCache(cfg, log)
	defer closeCache()

	resolver, closeResolver, err := bootstrap.NewResolver(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("mode", cfg.AuthMode).Msg("failed to configure auth")
	}
	defer closeResolver()

	svc := jobs.NewService(repos.Images, repos.Jobs, publisher, jobs.Options{
		AllowRerender: cfg.AIAllowRerender,
		Logger:        log,
	})
	h := handler.NewHandler(handler.Deps{
		Projects: repos.Projects,
		Images:   repos.Images,
		Jobs:     svc,
		Store:    store,
		Cache:    cache,
		Logger:   log,
	})

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handler.NewRouter(h,
		security.AuthMiddleware(resolver, repos.Users),
		security.RequireRole(cfg.AuthAdminRole),
		log)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("api gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down gracefully")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown")
	}
}
