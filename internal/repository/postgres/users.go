package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"photo-processor/internal/models"
	"photo-processor/internal/repository"
)

type UserRepository struct {
	db querier
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: pool}
}

// EnsureByExternalID upserts on external_id and keeps the first known email.
func (r *UserRepository) EnsureByExternalID(ctx context.Context, externalID string, email *string) (*models.User, error) {
	query := `
		INSERT INTO users (id, external_id, email, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (external_id) DO UPDATE
		SET email = COALESCE(users.email, EXCLUDED.email)
		RETURNING id, external_id, email, created_at
	`
	var user models.User
	err := r.db.QueryRow(ctx, query, uuid.New(), externalID, email).Scan(
		&user.ID,
		&user.ExternalID,
		&user.Email,
		&user.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure user: %w", err)
	}
	return &user, nil
}

var _ repository.UserRepository = (*UserRepository)(nil)
