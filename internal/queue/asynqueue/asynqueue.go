// Package asynqueue runs the job queue on asynq and Redis.
package asynqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"photo-processor/internal/queue"
)

const TaskTypeProcessJob = "photo:process_job"

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

var _ enqueuer = (*asynq.Client)(nil)

type PublisherOptions struct {
	Queue       string
	MaxAttempts int
	Timeout     time.Duration
}

type Publisher struct {
	client enqueuer
	opts   PublisherOptions
	log    zerolog.Logger
}

func NewPublisher(redisOpt asynq.RedisClientOpt, opts PublisherOptions, log zerolog.Logger) *Publisher {
	return newPublisher(asynq.NewClient(redisOpt), opts, log)
}

func newPublisher(client enqueuer, opts PublisherOptions, log zerolog.Logger) *Publisher {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Publisher{client: client, opts: opts, log: log.With().Str("component", "asynq_publisher").Logger()}
}

// Publish enqueues msg once per retry generation. A task ID conflict means
// the generation is already queued and counts as success.
func (p *Publisher) Publish(ctx context.Context, msg queue.Message) error {
	body, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode job message: %w", err)
	}

	task := asynq.NewTask(TaskTypeProcessJob, body)
	info, err := p.client.EnqueueContext(ctx, task,
		asynq.Queue(p.opts.Queue),
		asynq.TaskID(msg.DedupKey()),
		asynq.MaxRetry(p.opts.MaxAttempts-1),
		asynq.Timeout(p.opts.Timeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		p.log.Debug().Str("job_id", msg.JobID).Str("task_id", msg.DedupKey()).Msg("job already enqueued")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", msg.JobID, err)
	}

	p.log.Info().Str("job_id", msg.JobID).Str("task_id", info.ID).Str("queue", info.Queue).Msg("job enqueued")
	return nil
}

func (p *Publisher) Close() error {
	return p.client.Close()
}

type ConsumerOptions struct {
	Queue          string
	Concurrency    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

type Consumer struct {
	server *asynq.Server
	log    zerolog.Logger
}

func NewConsumer(redisOpt asynq.RedisClientOpt, opts ConsumerOptions, log zerolog.Logger) *Consumer {
	log = log.With().Str("component", "asynq_consumer").Logger()
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: opts.Concurrency,
		Queues:      map[string]int{opts.Queue: 1},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return queue.Backoff(opts.RetryBaseDelay, opts.RetryMaxDelay, n)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			log.Warn().Err(err).
				Str("task_type", task.Type()).
				Int("retried", retried).
				Int("max_retry", maxRetry).
				Msg("job task failed")
		}),
		Logger:   NewLogger(log),
		LogLevel: asynq.InfoLevel,
	})
	return &Consumer{server: srv, log: log}
}

// Consume runs the asynq server until ctx is done.
func (c *Consumer) Consume(ctx context.Context, h queue.Handler) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeProcessJob, TaskHandler(h))

	if err := c.server.Start(mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	c.log.Info().Msg("asynq consumer started")

	<-ctx.Done()
	c.server.Shutdown()
	return nil
}

func (c *Consumer) Close() error {
	return nil
}

// TaskHandler adapts a queue.Handler to asynq, mapping permanent failures to asynq.SkipRetry.
func TaskHandler(h queue.Handler) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		msg, err := queue.Decode(task.Payload())
		if err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		if finalAttempt(ctx) {
			ctx = queue.WithFinalAttempt(ctx)
		}
		if err := h(ctx, msg); err != nil {
			if errors.Is(err, queue.ErrSkipRetry) {
				return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
			}
			return err
		}
		return nil
	}
}

// finalAttempt reports whether asynq will archive the task if this run fails.
func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	return ok && retried >= maxRetry
}

var (
	_ queue.Publisher = (*Publisher)(nil)
	_ queue.Consumer  = (*Consumer)(nil)
)
