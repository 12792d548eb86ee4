package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"photo-processor/internal/models"
	"photo-processor/internal/storage"
	redisclient "photo-processor/pkg/database/redis"
)

type createImageRequest struct {
	ProjectID  string `json:"project_id"`
	URL        string `json:"url"`
	StorageKey string `json:"storage_key"`
	Filename   string `json:"filename"`
	MimeType   string `json:"mime_type"`
	Size       int64  `json:"size"`
}

type imageResponse struct {
	models.Image
	Jobs []models.Job `json:"jobs"`
}

func (h *Handler) ListImages(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	var projectID *uuid.UUID
	if raw := c.Query("projectId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			badRequest(c, "Invalid project ID format")
			return
		}
		projectID = &id
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	images, err := h.images.ListForUser(ctx, user.ID, projectID)
	if err != nil {
		h.respondError(c, err, "Images not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"images": images})
}

// CreateImage registers a blob that was uploaded directly to storage.
func (h *Handler) CreateImage(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	var req createImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		badRequest(c, "Project ID is required")
		return
	}
	url := strings.TrimSpace(req.URL)
	if url == "" {
		badRequest(c, "Image URL is required")
		return
	}
	// The worker reads originals by key, so a URL alone must point into our store.
	key := strings.TrimSpace(req.StorageKey)
	if key == "" {
		var resolved bool
		if key, resolved = storage.ResolveKey(h.store, url); !resolved {
			badRequest(c, "Image URL is not in the configured storage")
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	if _, err := h.projects.GetForUser(ctx, projectID, user.ID); err != nil {
		h.respondError(c, err, "Project not found")
		return
	}

	image := &models.Image{
		UserID:     user.ID,
		ProjectID:  &projectID,
		StorageKey: key,
		URL:        url,
		Filename:   req.Filename,
		MimeType:   req.MimeType,
		Size:       req.Size,
	}
	if err := h.images.Create(ctx, image); err != nil {
		h.respondError(c, err, "Image not found")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"image": image})
}

func (h *Handler) GetImage(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	imageID, ok := parseID(c, "id", "image")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	cacheKey := redisclient.ImageKey(imageID.String())
	if cached, err := h.cache.Get(ctx, cacheKey); err == nil {
		var response imageResponse
		if err := json.Unmarshal([]byte(cached), &response); err == nil && response.UserID == user.ID {
			c.JSON(http.StatusOK, gin.H{"image": response})
			return
		}
	}

	image, err := h.images.GetForUser(ctx, imageID, user.ID)
	if err != nil {
		h.respondError(c, err, "Image not found")
		return
	}
	jobs, err := h.jobs.ListForImage(ctx, user.ID, imageID)
	if err != nil {
		h.respondError(c, err, "Image not found")
		return
	}

	response := imageResponse{Image: *image, Jobs: jobs}
	if data, err := json.Marshal(response); err == nil {
		if err := h.cache.Set(ctx, cacheKey, string(data), imageCacheTTL); err != nil {
			h.log.Warn().Err(err).Str("key", cacheKey).Msg("failed to cache image")
		}
	}
	c.JSON(http.StatusOK, gin.H{"image": response})
}

func (h *Handler) DeleteImage(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	imageID, ok := parseID(c, "id", "image")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	image, err := h.images.GetForUser(ctx, imageID, user.ID)
	if err != nil {
		h.respondError(c, err, "Image not found")
		return
	}
	if err := h.images.Delete(ctx, imageID, user.ID); err != nil {
		h.respondError(c, err, "Image not found")
		return
	}
	h.deleteBlobs(ctx, image)
	if err := h.cache.Delete(ctx, redisclient.ImageKey(imageID.String())); err != nil {
		h.log.Warn().Err(err).Msg("failed to invalidate image cache")
	}
	c.Status(http.StatusNoContent)
}

// deleteBlobs is best effort; a leftover blob is only wasted space.
func (h *Handler) deleteBlobs(ctx context.Context, image *models.Image) {
	keys := make([]string, 0, 2)
	if image.StorageKey != "" {
		keys = append(keys, image.StorageKey)
	}
	if image.ProcessedKey != nil {
		keys = append(keys, *image.ProcessedKey)
	}
	for _, key := range keys {
		if err := h.store.Delete(ctx, key); err != nil {
			h.log.Warn().Err(err).Str("key", key).Str("image_id", image.ID.String()).Msg("failed to delete blob")
		}
	}
}
