package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"photo-processor/internal/models"
	"photo-processor/internal/repository"
)

const jobColumns = `id, image_id, status, steps, current_step, prompt, retry_count, error, result,
	started_at, completed_at, created_at, updated_at`

type JobRepository struct {
	db querier
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{db: pool}
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job         models.Job
		status      string
		steps       []string
		currentStep *string
		result      []byte
	)
	err := row.Scan(
		&job.ID,
		&job.ImageID,
		&status,
		&steps,
		&currentStep,
		&job.Prompt,
		&job.RetryCount,
		&job.Error,
		&result,
		&job.StartedAt,
		&job.CompletedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = models.JobStatus(status)
	job.Steps = make(models.Steps, len(steps))
	for i, s := range steps {
		job.Steps[i] = models.Step(s)
	}
	if currentStep != nil {
		step := models.Step(*currentStep)
		job.CurrentStep = &step
	}
	job.Result = models.StepResults{}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &job.Result); err != nil {
			return nil, fmt.Errorf("failed to decode job result: %w", err)
		}
	}
	return &job, nil
}

func encodeResult(result models.StepResults) ([]byte, error) {
	if result == nil {
		result = models.StepResults{}
	}
	return json.Marshal(result)
}

func stepArg(step *models.Step) *string {
	if step == nil {
		return nil
	}
	s := string(*step)
	return &s
}

func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	result, err := encodeResult(job.Result)
	if err != nil {
		return fmt.Errorf("failed to encode job result: %w", err)
	}

	query := `
		INSERT INTO jobs (id, image_id, status, steps, current_step, prompt, retry_count, error, result,
			started_at, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err = r.db.QueryRow(ctx, query,
		job.ID,
		job.ImageID,
		string(job.Status),
		job.Steps.Strings(),
		stepArg(job.CurrentStep),
		job.Prompt,
		job.RetryCount,
		job.Error,
		result,
		job.StartedAt,
		job.CompletedAt,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := scanJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return job, nil
}

func (r *JobRepository) ListByImage(ctx context.Context, imageID uuid.UUID) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE image_id = $1 ORDER BY created_at DESC`
	return r.list(ctx, query, imageID)
}

func (r *JobRepository) Update(ctx context.Context, job *models.Job) error {
	result, err := encodeResult(job.Result)
	if err != nil {
		return fmt.Errorf("failed to encode job result: %w", err)
	}

	query := `
		UPDATE jobs
		SET status = $2, current_step = $3, retry_count = $4, error = $5, result = $6,
		    started_at = $7, completed_at = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err = r.db.QueryRow(ctx, query,
		job.ID,
		string(job.Status),
		stepArg(job.CurrentStep),
		job.RetryCount,
		job.Error,
		result,
		job.StartedAt,
		job.CompletedAt,
	).Scan(&job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

func (r *JobRepository) MarkRetrying(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'RETRYING', retry_count = retry_count + 1, error = NULL,
		    current_step = NULL, completed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'FAILED'
		RETURNING ` + jobColumns
	job, err := scanJob(r.db.QueryRow(ctx, query, id))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to mark job retrying: %w", err)
	}

	// No row matched: tell a missing job apart from one in the wrong state.
	if _, getErr := r.Get(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, repository.ErrConflict
}

func (r *JobRepository) Claim(ctx context.Context, id uuid.UUID, retryCount int, staleBefore time.Time) (*models.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'PROCESSING', started_at = COALESCE(started_at, NOW()),
		    current_step = NULL, completed_at = NULL, error = NULL,
		    result = '[]'::jsonb, updated_at = NOW()
		WHERE id = $1 AND retry_count = $2
		  AND (status IN ('PENDING', 'RETRYING', 'FAILED')
		       OR (status = 'PROCESSING' AND updated_at < $3))
		RETURNING ` + jobColumns
	job, err := scanJob(r.db.QueryRow(ctx, query, id, retryCount, staleBefore))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	if _, getErr := r.Get(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, repository.ErrConflict
}

func (r *JobRepository) ListStale(ctx context.Context, statuses []models.JobStatus, before time.Time) ([]models.Job, error) {
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at
		LIMIT 500
	`
	return r.list(ctx, query, values, before)
}

func (r *JobRepository) list(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

var _ repository.JobRepository = (*JobRepository)(nil)
