package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"photo-processor/internal/models"
	"photo-processor/internal/queue"
	"photo-processor/internal/repository"
	"photo-processor/internal/storage"
	redisclient "photo-processor/pkg/database/redis"
)

type Processor struct {
	images    repository.ImageRepository
	jobs      repository.JobRepository
	store     storage.Store
	cache     redisclient.Cache
	executors Executors
	log       zerolog.Logger
	now       func() time.Time

	staleAfter time.Duration
}

// DefaultStaleAfter is how long a PROCESSING job may go without an update
// before another delivery takes it over.
const DefaultStaleAfter = 10 * time.Minute

type Option func(*Processor)

// WithStaleAfter sets the takeover threshold for PROCESSING jobs. It should
// be no shorter than the per-job timeout.
func WithStaleAfter(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.staleAfter = d
		}
	}
}

func NewProcessor(
	images repository.ImageRepository,
	jobs repository.JobRepository,
	store storage.Store,
	cache redisclient.Cache,
	executors Executors,
	log zerolog.Logger,
	opts ...Option,
) *Processor {
	if cache == nil {
		cache = redisclient.NopCache{}
	}
	p := &Processor{
		images:     images,
		jobs:       jobs,
		store:      store,
		cache:      cache,
		executors:  executors,
		log:        log.With().Str("component", "processor").Logger(),
		now:        time.Now,
		staleAfter: DefaultStaleAfter,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle runs one job message through its step pipeline. A returned error
// leaves redelivery to the queue backend; queue.ErrSkipRetry marks failures
// a redelivery cannot fix.
func (p *Processor) Handle(ctx context.Context, msg queue.Message) error {
	jobID, err := uuid.Parse(msg.JobID)
	if err != nil {
		return queue.SkipRetry(fmt.Errorf("invalid job id %q: %w", msg.JobID, err))
	}
	log := p.log.With().Str("job_id", msg.JobID).Str("image_id", msg.ImageID).Int("retry_count", msg.RetryCount).Logger()

	job, err := p.jobs.Get(ctx, jobID)
	if errors.Is(err, repository.ErrNotFound) {
		return queue.SkipRetry(fmt.Errorf("job %s not found", jobID))
	}
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	switch {
	case job.Status == models.JobStatusCompleted:
		log.Info().Msg("job already completed, acking duplicate delivery")
		return nil
	case msg.RetryCount < job.RetryCount:
		log.Info().Int("current_retry_count", job.RetryCount).Msg("stale retry generation, acking")
		return nil
	}

	image, err := p.images.Get(ctx, job.ImageID)
	if errors.Is(err, repository.ErrNotFound) {
		runErr := fmt.Errorf("image %s no longer exists", job.ImageID)
		p.fail(ctx, job, runErr, log)
		return queue.SkipRetry(runErr)
	}
	if err != nil {
		return fmt.Errorf("failed to load image: %w", err)
	}

	job, err = p.jobs.Claim(ctx, jobID, msg.RetryCount, p.now().Add(-p.staleAfter))
	switch {
	case errors.Is(err, repository.ErrConflict):
		log.Info().Msg("job held by another delivery, acking")
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return queue.SkipRetry(fmt.Errorf("job %s not found", jobID))
	case err != nil:
		return fmt.Errorf("failed to mark job processing: %w", err)
	}
	p.invalidate(ctx, job)
	log.Info().Strs("steps", job.Steps.Strings()).Msg("processing job")

	out, err := p.run(ctx, job, image)
	if err != nil {
		p.fail(ctx, job, err, log)
		return fmt.Errorf("job %s failed: %w", jobID, err)
	}

	if err := p.complete(ctx, job, image, out); err != nil {
		p.fail(ctx, job, err, log)
		return fmt.Errorf("job %s failed: %w", jobID, err)
	}

	log.Info().Int("bytes", len(out)).Msg("job completed")
	return nil
}

// FailExhausted wraps h so that a delivery the queue will not make again
// leaves its job FAILED. Handle records failures itself once a job is
// claimed; this covers errors raised before that, which would otherwise
// strand the job in PENDING or RETRYING.
func (p *Processor) FailExhausted(h queue.Handler) queue.Handler {
	return func(ctx context.Context, msg queue.Message) error {
		err := h(ctx, msg)
		if err == nil || ctx.Err() != nil {
			return err
		}
		if queue.IsFinalAttempt(ctx) || errors.Is(err, queue.ErrSkipRetry) {
			p.failUnclaimed(context.WithoutCancel(ctx), msg, err)
		}
		return err
	}
}

func (p *Processor) failUnclaimed(ctx context.Context, msg queue.Message, cause error) {
	jobID, err := uuid.Parse(msg.JobID)
	if err != nil {
		return
	}
	job, err := p.jobs.Get(ctx, jobID)
	if err != nil || job.RetryCount != msg.RetryCount {
		return
	}
	if job.Status != models.JobStatusPending && job.Status != models.JobStatusRetrying {
		return
	}
	log := p.log.With().Str("job_id", msg.JobID).Int("retry_count", msg.RetryCount).Logger()
	p.fail(ctx, job, fmt.Errorf("delivery exhausted: %w", cause), log)
}

// run executes the steps in order over an in-memory buffer. Nothing is
// persisted to storage until every step has succeeded.
func (p *Processor) run(ctx context.Context, job *models.Job, image *models.Image) ([]byte, error) {
	key, err := p.sourceKey(image)
	if err != nil {
		return nil, err
	}
	buf, err := p.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch source image: %w", err)
	}

	prompt := job.PromptText()
	for _, step := range job.Steps {
		job.CurrentStep = &step
		if err := p.jobs.Update(ctx, job); err != nil {
			return nil, fmt.Errorf("failed to record current step: %w", err)
		}

		out, err := p.executors.Run(ctx, step, buf, prompt)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", step, err)
		}
		buf = out

		job.Result = append(job.Result, models.StepResult{
			Step:        step,
			Status:      models.StepStatusDone,
			CompletedAt: p.now(),
		})
	}
	return buf, nil
}

// sourceKey prefers the recorded storage key and falls back to resolving the
// image URL against the configured store.
func (p *Processor) sourceKey(image *models.Image) (string, error) {
	if image.StorageKey != "" {
		return image.StorageKey, nil
	}
	if key, ok := storage.ResolveKey(p.store, image.URL); ok {
		return key, nil
	}
	return "", queue.SkipRetry(fmt.Errorf("image source %q is not in the configured store", image.URL))
}

func (p *Processor) complete(ctx context.Context, job *models.Job, image *models.Image, out []byte) error {
	contentType := http.DetectContentType(out)
	key := storage.ProcessedKey(image.ID, p.now(), extensionFor(contentType, image.Filename))

	url, err := p.store.Put(ctx, key, out, contentType)
	if err != nil {
		return fmt.Errorf("failed to upload result: %w", err)
	}
	if err := p.images.SetProcessed(ctx, image.ID, key, url); err != nil {
		return fmt.Errorf("failed to set processed url: %w", err)
	}

	now := p.now()
	job.Status = models.JobStatusCompleted
	job.CurrentStep = nil
	job.CompletedAt = &now
	if err := p.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	p.invalidate(ctx, job)
	return nil
}

// fail records the terminal error. It runs detached from ctx so a timed out
// job still gets its FAILED status written.
func (p *Processor) fail(ctx context.Context, job *models.Job, cause error, log zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)
	now := p.now()
	msg := cause.Error()
	job.Status = models.JobStatusFailed
	job.Error = &msg
	job.CompletedAt = &now
	if err := p.jobs.Update(ctx, job); err != nil {
		log.Error().Err(err).Msg("failed to mark job failed")
	}
	p.invalidate(ctx, job)
	log.Error().Err(cause).Int("completed_steps", len(job.Result)).Msg("job failed")
}

func (p *Processor) invalidate(ctx context.Context, job *models.Job) {
	keys := []string{redisclient.JobKey(job.ID.String()), redisclient.ImageKey(job.ImageID.String())}
	if err := p.cache.Delete(ctx, keys...); err != nil {
		p.log.Warn().Err(err).Strs("keys", keys).Msg("failed to invalidate cache")
	}
}

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

func extensionFor(contentType, filename string) string {
	if ext, ok := extensions[contentType]; ok {
		return ext
	}
	if ext := strings.ToLower(path.Ext(filename)); ext != "" {
		return ext
	}
	return ".bin"
}
