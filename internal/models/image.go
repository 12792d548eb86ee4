package models

import (
	"time"

	"github.com/google/uuid"
)

// Image is an uploaded photo owned by exactly one user.
type Image struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	UserID       uuid.UUID  `json:"user_id" db:"user_id"`
	ProjectID    *uuid.UUID `json:"project_id,omitempty" db:"project_id"`
	StorageKey   string     `json:"storage_key" db:"storage_key"`
	URL          string     `json:"url" db:"url"`
	Filename     string     `json:"filename" db:"filename"`
	MimeType     string     `json:"mime_type" db:"mime_type"`
	Size         int64      `json:"size" db:"size"`
	ProcessedKey *string    `json:"processed_key,omitempty" db:"processed_key"`
	ProcessedURL *string    `json:"processed_url,omitempty" db:"processed_url"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}
