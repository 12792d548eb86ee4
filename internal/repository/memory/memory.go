// Package memory is an in-process record store used by tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"photo-processor/internal/models"
	"photo-processor/internal/repository"
)

// DB holds every table behind one lock so cascades stay consistent.
type DB struct {
	mu       sync.RWMutex
	now      func() time.Time
	users    map[uuid.UUID]models.User
	projects map[uuid.UUID]models.Project
	images   map[uuid.UUID]models.Image
	jobs     map[uuid.UUID]models.Job
	last     time.Time
}

func NewDB() *DB {
	return &DB{
		now:      time.Now,
		users:    make(map[uuid.UUID]models.User),
		projects: make(map[uuid.UUID]models.Project),
		images:   make(map[uuid.UUID]models.Image),
		jobs:     make(map[uuid.UUID]models.Job),
	}
}

// stamp returns a strictly increasing time so newest-first ordering is stable.
func (db *DB) stamp() time.Time {
	t := db.now()
	if !t.After(db.last) {
		t = db.last.Add(time.Microsecond)
	}
	db.last = t
	return t
}

func (db *DB) Users() *Users       { return &Users{db: db} }
func (db *DB) Projects() *Projects { return &Projects{db: db} }
func (db *DB) Images() *Images     { return &Images{db: db} }
func (db *DB) Jobs() *Jobs         { return &Jobs{db: db} }

type Users struct{ db *DB }

func (r *Users) EnsureByExternalID(_ context.Context, externalID string, email *string) (*models.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	for id, u := range r.db.users {
		if u.ExternalID != externalID {
			continue
		}
		if u.Email == nil && email != nil {
			u.Email = email
			r.db.users[id] = u
		}
		return &u, nil
	}
	u := models.User{ID: uuid.New(), ExternalID: externalID, Email: email, CreatedAt: r.db.stamp()}
	r.db.users[u.ID] = u
	return &u, nil
}

type Projects struct{ db *DB }

func (r *Projects) Create(_ context.Context, project *models.Project) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	project.CreatedAt = r.db.stamp()
	project.UpdatedAt = project.CreatedAt
	r.db.projects[project.ID] = *project
	return nil
}

func (r *Projects) GetForUser(_ context.Context, id, userID uuid.UUID) (*models.Project, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	p, ok := r.db.projects[id]
	if !ok || p.UserID != userID {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (r *Projects) ListForUser(_ context.Context, userID uuid.UUID) ([]models.ProjectSummary, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	out := make([]models.ProjectSummary, 0)
	for _, p := range r.db.projects {
		if p.UserID != userID {
			continue
		}
		summary := models.ProjectSummary{Project: p}
		for _, img := range r.db.images {
			if img.ProjectID != nil && *img.ProjectID == p.ID {
				summary.ImageCount++
			}
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *Projects) Delete(_ context.Context, id, userID uuid.UUID) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	p, ok := r.db.projects[id]
	if !ok || p.UserID != userID {
		return repository.ErrNotFound
	}
	delete(r.db.projects, id)
	for imgID, img := range r.db.images {
		if img.ProjectID != nil && *img.ProjectID == id {
			delete(r.db.images, imgID)
		}
	}
	return nil
}

type Images struct{ db *DB }

func (r *Images) Create(_ context.Context, image *models.Image) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if image.ID == uuid.Nil {
		image.ID = uuid.New()
	}
	image.CreatedAt = r.db.stamp()
	image.UpdatedAt = image.CreatedAt
	r.db.images[image.ID] = *image
	return nil
}

func (r *Images) Get(_ context.Context, id uuid.UUID) (*models.Image, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	img, ok := r.db.images[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &img, nil
}

func (r *Images) GetForUser(ctx context.Context, id, userID uuid.UUID) (*models.Image, error) {
	img, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if img.UserID != userID {
		return nil, repository.ErrNotFound
	}
	return img, nil
}

func (r *Images) ListForUser(_ context.Context, userID uuid.UUID, projectID *uuid.UUID) ([]models.Image, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	out := make([]models.Image, 0)
	for _, img := range r.db.images {
		if img.UserID != userID {
			continue
		}
		if projectID != nil && (img.ProjectID == nil || *img.ProjectID != *projectID) {
			continue
		}
		out = append(out, img)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *Images) SetProcessed(_ context.Context, id uuid.UUID, key, url string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	img, ok := r.db.images[id]
	if !ok {
		return repository.ErrNotFound
	}
	img.ProcessedKey = &key
	img.ProcessedURL = &url
	img.UpdatedAt = r.db.stamp()
	r.db.images[id] = img
	return nil
}

func (r *Images) Delete(_ context.Context, id, userID uuid.UUID) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	img, ok := r.db.images[id]
	if !ok || img.UserID != userID {
		return repository.ErrNotFound
	}
	delete(r.db.images, id)
	return nil
}

type Jobs struct{ db *DB }

func cloneJob(j models.Job) models.Job {
	j.Steps = append(models.Steps(nil), j.Steps...)
	j.Result = append(models.StepResults{}, j.Result...)
	return j
}

func (r *Jobs) Create(_ context.Context, job *models.Job) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Result == nil {
		job.Result = models.StepResults{}
	}
	job.CreatedAt = r.db.stamp()
	job.UpdatedAt = job.CreatedAt
	r.db.jobs[job.ID] = cloneJob(*job)
	return nil
}

func (r *Jobs) Get(_ context.Context, id uuid.UUID) (*models.Job, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	j, ok := r.db.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	j = cloneJob(j)
	return &j, nil
}

func (r *Jobs) ListByImage(_ context.Context, imageID uuid.UUID) ([]models.Job, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	out := make([]models.Job, 0)
	for _, j := range r.db.jobs {
		if j.ImageID == imageID {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Update writes the mutable fields; steps and prompt are fixed at creation.
func (r *Jobs) Update(_ context.Context, job *models.Job) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	stored, ok := r.db.jobs[job.ID]
	if !ok {
		return repository.ErrNotFound
	}
	updated := cloneJob(*job)
	updated.Steps = stored.Steps
	updated.Prompt = stored.Prompt
	updated.ImageID = stored.ImageID
	updated.CreatedAt = stored.CreatedAt
	updated.UpdatedAt = r.db.stamp()
	r.db.jobs[job.ID] = updated
	job.UpdatedAt = updated.UpdatedAt
	return nil
}

func (r *Jobs) MarkRetrying(_ context.Context, id uuid.UUID) (*models.Job, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	j, ok := r.db.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if j.Status != models.JobStatusFailed {
		return nil, repository.ErrConflict
	}
	j.Status = models.JobStatusRetrying
	j.RetryCount++
	j.Error = nil
	j.CurrentStep = nil
	j.CompletedAt = nil
	j.UpdatedAt = r.db.stamp()
	r.db.jobs[id] = j

	out := cloneJob(j)
	return &out, nil
}

func (r *Jobs) Claim(_ context.Context, id uuid.UUID, retryCount int, staleBefore time.Time) (*models.Job, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	j, ok := r.db.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if j.RetryCount != retryCount {
		return nil, repository.ErrConflict
	}
	if !models.CanTransition(j.Status, models.JobStatusProcessing) {
		return nil, repository.ErrConflict
	}
	if j.Status == models.JobStatusProcessing && !j.UpdatedAt.Before(staleBefore) {
		return nil, repository.ErrConflict
	}

	now := r.db.stamp()
	j.Status = models.JobStatusProcessing
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.CurrentStep = nil
	j.CompletedAt = nil
	j.Error = nil
	j.Result = models.StepResults{}
	j.UpdatedAt = now
	r.db.jobs[id] = j

	out := cloneJob(j)
	return &out, nil
}

func (r *Jobs) ListStale(_ context.Context, statuses []models.JobStatus, before time.Time) ([]models.Job, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	out := make([]models.Job, 0)
	for _, j := range r.db.jobs {
		if !j.UpdatedAt.Before(before) {
			continue
		}
		for _, s := range statuses {
			if j.Status == s {
				out = append(out, cloneJob(j))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

var (
	_ repository.UserRepository    = (*Users)(nil)
	_ repository.ProjectRepository = (*Projects)(nil)
	_ repository.ImageRepository   = (*Images)(nil)
	_ repository.JobRepository     = (*Jobs)(nil)
)
