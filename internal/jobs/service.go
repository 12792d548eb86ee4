// Package jobs creates processing jobs and re-admits failed ones.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"photo-processor/internal/models"
	"photo-processor/internal/queue"
	"photo-processor/internal/repository"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrNotRetriable     = errors.New("job is not in a retriable state")
	ErrQueueUnavailable = errors.New("job queue unavailable")
)

// Statuses the reconciler re-publishes.
// A PROCESSING job that stopped updating lost its worker; the redelivered
// message takes it over once it is past the worker's stale threshold.
var reconcileStatuses = []models.JobStatus{models.JobStatusPending, models.JobStatusRetrying, models.JobStatusProcessing}

type Options struct {
	AllowRerender bool
	Logger        zerolog.Logger
	Now           func() time.Time
}

type Service struct {
	images    repository.ImageRepository
	jobs      repository.JobRepository
	publisher queue.Publisher
	opts      Options
	log       zerolog.Logger
}

func NewService(images repository.ImageRepository, jobs repository.JobRepository, publisher queue.Publisher, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		images:    images,
		jobs:      jobs,
		publisher: publisher,
		opts:      opts,
		log:       opts.Logger.With().Str("component", "jobs").Logger(),
	}
}

// Create persists a PENDING job for an owned image and publishes it. When
// publishing fails the job is marked FAILED so the retry trigger can pick it up.
func (s *Service) Create(ctx context.Context, userID, imageID uuid.UUID, prompt string) (*models.Job, error) {
	image, err := s.images.GetForUser(ctx, imageID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load image: %w", err)
	}

	prompt = strings.TrimSpace(prompt)
	job := &models.Job{
		ID:      uuid.New(),
		ImageID: image.ID,
		Status:  models.JobStatusPending,
		Steps:   BuildSteps(s.opts.AllowRerender, prompt),
		Result:  models.StepResults{},
	}
	if prompt != "" {
		job.Prompt = &prompt
	}
	if err := job.Steps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid step pipeline: %w", err)
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	log := s.log.With().Str("job_id", job.ID.String()).Str("image_id", image.ID.String()).Logger()
	if err := s.publisher.Publish(ctx, queue.NewMessage(job)); err != nil {
		s.markEnqueueFailed(ctx, job, err)
		log.Error().Err(err).Msg("failed to enqueue job")
		return nil, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}

	log.Info().Strs("steps", job.Steps.Strings()).Msg("job created")
	return job, nil
}

// Retry moves a FAILED job to RETRYING and publishes its next generation.
func (s *Service) Retry(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	job, err := s.jobs.MarkRetrying(ctx, jobID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, repository.ErrConflict):
		return nil, ErrNotRetriable
	case err != nil:
		return nil, fmt.Errorf("failed to mark job retrying: %w", err)
	}

	log := s.log.With().Str("job_id", job.ID.String()).Int("retry_count", job.RetryCount).Logger()
	if err := s.publisher.Publish(ctx, queue.NewMessage(job)); err != nil {
		s.markEnqueueFailed(ctx, job, err)
		log.Error().Err(err).Msg("failed to enqueue retry")
		return nil, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}

	log.Info().Msg("job re-admitted")
	return job, nil
}

func (s *Service) markEnqueueFailed(ctx context.Context, job *models.Job, cause error) {
	now := s.opts.Now()
	msg := "enqueue failed: " + cause.Error()
	job.Status = models.JobStatusFailed
	job.Error = &msg
	job.CompletedAt = &now
	if err := s.jobs.Update(context.WithoutCancel(ctx), job); err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to record enqueue failure")
	}
}

// Reconcile re-publishes PENDING and RETRYING jobs untouched for olderThan.
// Publishing is deduplicated per retry generation, so a job that is already
// queued is not duplicated on the asynq backend.
func (s *Service) Reconcile(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := s.jobs.ListStale(ctx, reconcileStatuses, s.opts.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	published := 0
	for i := range stale {
		job := &stale[i]
		if err := s.publisher.Publish(ctx, queue.NewMessage(job)); err != nil {
			return published, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
		}
		published++
		s.log.Info().Str("job_id", job.ID.String()).Str("status", string(job.Status)).Msg("stale job re-published")
	}
	return published, nil
}

// RunReconciler calls Reconcile every interval until ctx is done.
func (s *Service) RunReconciler(ctx context.Context, interval, olderThan time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Reconcile(ctx, olderThan)
			if err != nil {
				s.log.Error().Err(err).Msg("reconcile sweep failed")
				continue
			}
			if n > 0 {
				s.log.Info().Int("count", n).Msg("reconcile sweep re-published jobs")
			}
		}
	}
}

// Get returns a job whose image is owned by userID.
func (s *Service) Get(ctx context.Context, userID, jobID uuid.UUID) (*models.Job, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if _, err := s.images.GetForUser(ctx, job.ImageID, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load image: %w", err)
	}
	return job, nil
}

func (s *Service) ListForImage(ctx context.Context, userID, imageID uuid.UUID) ([]models.Job, error) {
	if _, err := s.images.GetForUser(ctx, imageID, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load image: %w", err)
	}
	jobs, err := s.jobs.ListByImage(ctx, imageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}
