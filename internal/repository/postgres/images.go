package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"photo-processor/internal/models"
	"photo-processor/internal/repository"
)

const imageColumns = `id, user_id, project_id, storage_key, url, filename, mime_type, size,
	processed_key, processed_url, created_at, updated_at`

type ImageRepository struct {
	db querier
}

func NewImageRepository(pool *pgxpool.Pool) *ImageRepository {
	return &ImageRepository{db: pool}
}

func scanImage(row rowScanner) (*models.Image, error) {
	var img models.Image
	err := row.Scan(
		&img.ID,
		&img.UserID,
		&img.ProjectID,
		&img.StorageKey,
		&img.URL,
		&img.Filename,
		&img.MimeType,
		&img.Size,
		&img.ProcessedKey,
		&img.ProcessedURL,
		&img.CreatedAt,
		&img.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &img, nil
}

func (r *ImageRepository) Create(ctx context.Context, image *models.Image) error {
	if image.ID == uuid.Nil {
		image.ID = uuid.New()
	}
	query := `
		INSERT INTO images (id, user_id, project_id, storage_key, url, filename, mime_type, size, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		image.ID,
		image.UserID,
		image.ProjectID,
		image.StorageKey,
		image.URL,
		image.Filename,
		image.MimeType,
		image.Size,
	).Scan(&image.CreatedAt, &image.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create image: %w", err)
	}
	return nil
}

func (r *ImageRepository) Get(ctx context.Context, id uuid.UUID) (*models.Image, error) {
	img, err := scanImage(r.db.QueryRow(ctx, `SELECT `+imageColumns+` FROM images WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return img, nil
}

func (r *ImageRepository) GetForUser(ctx context.Context, id, userID uuid.UUID) (*models.Image, error) {
	query := `SELECT ` + imageColumns + ` FROM images WHERE id = $1 AND user_id = $2`
	img, err := scanImage(r.db.QueryRow(ctx, query, id, userID))
	if err != nil {
		return nil, notFound(err)
	}
	return img, nil
}

func (r *ImageRepository) ListForUser(ctx context.Context, userID uuid.UUID, projectID *uuid.UUID) ([]models.Image, error) {
	query := `
		SELECT ` + imageColumns + `
		FROM images
		WHERE user_id = $1 AND ($2::uuid IS NULL OR project_id = $2::uuid)
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, userID, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()

	images := make([]models.Image, 0)
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		images = append(images, *img)
	}
	return images, rows.Err()
}

func (r *ImageRepository) SetProcessed(ctx context.Context, id uuid.UUID, key, url string) error {
	query := `UPDATE images SET processed_key = $2, processed_url = $3, updated_at = NOW() WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, key, url)
	if err != nil {
		return fmt.Errorf("failed to set processed url: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *ImageRepository) Delete(ctx context.Context, id, userID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM images WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

var _ repository.ImageRepository = (*ImageRepository)(nil)
