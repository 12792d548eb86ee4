// Package repository defines persistence for users, projects, images and jobs.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"photo-processor/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a guarded update matched no row.
	ErrConflict = errors.New("record state conflict")
)

type UserRepository interface {
	// EnsureByExternalID returns the user for an auth subject, creating it on first sight.
	EnsureByExternalID(ctx context.Context, externalID string, email *string) (*models.User, error)
}

type ProjectRepository interface {
	Create(ctx context.Context, project *models.Project) error
	GetForUser(ctx context.Context, id, userID uuid.UUID) (*models.Project, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]models.ProjectSummary, error)
	// Delete removes the project and, by cascade, its images.
	Delete(ctx context.Context, id, userID uuid.UUID) error
}

type ImageRepository interface {
	Create(ctx context.Context, image *models.Image) error
	Get(ctx context.Context, id uuid.UUID) (*models.Image, error)
	GetForUser(ctx context.Context, id, userID uuid.UUID) (*models.Image, error)
	// ListForUser lists owned images newest first, optionally within one project.
	ListForUser(ctx context.Context, userID uuid.UUID, projectID *uuid.UUID) ([]models.Image, error)
	SetProcessed(ctx context.Context, id uuid.UUID, key, url string) error
	Delete(ctx context.Context, id, userID uuid.UUID) error
}

type JobRepository interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListByImage(ctx context.Context, imageID uuid.UUID) ([]models.Job, error)
	// Update persists every mutable field of the job.
	Update(ctx context.Context, job *models.Job) error
	// MarkRetrying moves a FAILED job to RETRYING, bumping retry_count and
	// clearing the error. It returns ErrConflict when the job is not FAILED.
	MarkRetrying(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// Claim moves the job of the given retry generation to PROCESSING and
	// resets its run state. A PROCESSING job is only taken over once its
	// updated_at is older than staleBefore. It returns ErrConflict when
	// another delivery holds the job or the generation moved on.
	Claim(ctx context.Context, id uuid.UUID, retryCount int, staleBefore time.Time) (*models.Job, error)
	// ListStale returns jobs in one of the statuses last updated before the cutoff.
	ListStale(ctx context.Context, statuses []models.JobStatus, before time.Time) ([]models.Job, error)
}
