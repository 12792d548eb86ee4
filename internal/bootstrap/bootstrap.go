// Package bootstrap builds the service dependencies selected by configuration.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"photo-processor/internal/config"
	"photo-processor/internal/providers"
	"photo-processor/internal/providers/local"
	"photo-processor/internal/providers/noop"
	"photo-processor/internal/providers/openai"
	"photo-processor/internal/queue"
	"photo-processor/internal/queue/asynqueue"
	"photo-processor/internal/queue/rabbitmq"
	pgrepo "photo-processor/internal/repository/postgres"
	"photo-processor/internal/storage"
	minioclient "photo-processor/internal/storage/minio"
	"photo-processor/internal/storage/s3"
	"photo-processor/internal/worker"
	redisclient "photo-processor/pkg/database/redis"
	"photo-processor/pkg/security"
)

type Repositories struct {
	Users    *pgrepo.UserRepository
	Projects *pgrepo.ProjectRepository
	Images   *pgrepo.ImageRepository
	Jobs     *pgrepo.JobRepository
}

func NewRepositories(pool *pgxpool.Pool) Repositories {
	return Repositories{
		Users:    pgrepo.NewUserRepository(pool),
		Projects: pgrepo.NewProjectRepository(pool),
		Images:   pgrepo.NewImageRepository(pool),
		Jobs:     pgrepo.NewJobRepository(pool),
	}
}

func OpenStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (storage.Store, error) {
	switch cfg.StorageBackend {
	case config.StorageS3:
		return s3.NewAdapter(ctx, s3.Options{
			AccessKey:     cfg.StorageAccessKey,
			SecretKey:     cfg.StorageSecretKey,
			Region:        cfg.StorageRegion,
			Bucket:        cfg.StorageBucket,
			Endpoint:      endpointURL(cfg.StorageEndpoint, cfg.StorageUseSSL),
			PublicBaseURL: cfg.StoragePublicBaseURL,
		})
	case config.StorageMinio:
		return minioclient.NewClient(ctx, minioclient.Options{
			Endpoint:      cfg.StorageEndpoint,
			AccessKey:     cfg.StorageAccessKey,
			SecretKey:     cfg.StorageSecretKey,
			UseSSL:        cfg.StorageUseSSL,
			Bucket:        cfg.StorageBucket,
			PublicBaseURL: cfg.StoragePublicBaseURL,
		}, log)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}

// endpointURL adds a scheme to a bare host:port, which the AWS SDK requires.
func endpointURL(endpoint string, useSSL bool) string {
	if endpoint == "" || strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
}

func rabbitOptions(cfg *config.Config) rabbitmq.Options {
	return rabbitmq.Options{
		URL:            cfg.RabbitMQURL,
		Queue:          cfg.QueueName,
		MaxAttempts:    cfg.QueueMaxAttempts,
		RetryBaseDelay: cfg.QueueRetryBaseDelay,
		RetryMaxDelay:  cfg.QueueRetryMaxDelay,
		Prefetch:       cfg.WorkerConcurrency,
	}
}

func OpenPublisher(cfg *config.Config, log zerolog.Logger) (queue.Publisher, error) {
	switch cfg.QueueBackend {
	case config.QueueAsynq:
		return asynqueue.NewPublisher(redisOpt(cfg), asynqueue.PublisherOptions{
			Queue:       cfg.QueueName,
			MaxAttempts: cfg.QueueMaxAttempts,
			Timeout:     cfg.WorkerJobTimeout,
		}, log), nil
	case config.QueueRabbitMQ:
		return rabbitmq.NewClient(rabbitOptions(cfg), log)
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
}

func OpenConsumer(cfg *config.Config, log zerolog.Logger) (queue.Consumer, error) {
	switch cfg.QueueBackend {
	case config.QueueAsynq:
		return asynqueue.NewConsumer(redisOpt(cfg), asynqueue.ConsumerOptions{
			Queue:          cfg.QueueName,
			Concurrency:    cfg.WorkerConcurrency,
			RetryBaseDelay: cfg.QueueRetryBaseDelay,
			RetryMaxDelay:  cfg.QueueRetryMaxDelay,
		}, log), nil
	case config.QueueRabbitMQ:
		return rabbitmq.NewClient(rabbitOptions(cfg), log)
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
}

// OpenCache connects to Redis. The service runs without a cache when Redis
// is unreachable, so failure only logs.
func OpenCache(cfg *config.Config, log zerolog.Logger) (redisclient.Cache, func()) {
	client, err := redisclient.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, caching disabled")
		return redisclient.NopCache{}, func() {}
	}
	return client, func() {
		if err := client.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing redis")
		}
	}
}

// NewResolver returns the token resolver and a function releasing its resources.
func NewResolver(cfg *config.Config, log zerolog.Logger) (security.Resolver, func(), error) {
	switch cfg.AuthMode {
	case config.AuthHMAC:
		return security.NewHMACResolver(cfg.AuthJWTSecret, cfg.AuthIssuer), func() {}, nil
	case config.AuthJWKS:
		r, err := security.NewJWKSResolver(security.JWKSOptions{
			URL:      cfg.AuthJWKSURL,
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
}

// NewExecutors binds the configured providers to the pipeline steps.
func NewExecutors(cfg *config.Config) (worker.Executors, error) {
	ex := worker.Executors{UpscaleFactor: cfg.UpscaleFactor}

	switch cfg.AIProvider {
	case providers.OpenAI:
		client, err := openai.New(openai.Options{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Timeout: cfg.AITimeout,
		})
		if err != nil {
			return ex, fmt.Errorf("openai provider: %w", err)
		}
		ex.Enhancer, ex.Rerenderer = client, client
	case providers.Local:
		p := local.New()
		ex.Enhancer, ex.Rerenderer = p, p
	case providers.Noop:
		p := noop.New()
		ex.Enhancer, ex.Rerenderer = p, p
	default:
		return ex, fmt.Errorf("unknown AI provider %q", cfg.AIProvider)
	}

	switch cfg.UpscaleProvider {
	case providers.Local:
		ex.Upscaler = local.New()
	case providers.Noop:
		ex.Upscaler = noop.New()
	default:
		return ex, fmt.Errorf("unknown upscale provider %q", cfg.UpscaleProvider)
	}
	return ex, nil
}
