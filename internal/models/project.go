package models

import (
	"time"

	"github.com/google/uuid"
)

type Project struct {
	ID          uuid.UUID `json:"id" db:"id"`
	UserID      uuid.UUID `json:"user_id" db:"user_id"`
	Name        string    `json:"name" db:"name"`
	Description *string   `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// ProjectSummary is a project listing row with its image count.
type ProjectSummary struct {
	Project
	ImageCount int `json:"image_count"`
}

// User mirrors an identity from the auth provider.
type User struct {
	ID         uuid.UUID `json:"id" db:"id"`
	ExternalID string    `json:"external_id" db:"external_id"`
	Email      *string   `json:"email,omitempty" db:"email"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
