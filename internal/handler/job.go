package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"photo-processor/internal/models"
	redisclient "photo-processor/pkg/database/redis"
)

type processRequest struct {
	Prompt string `json:"prompt"`
}

type retryRequest struct {
	JobID string `json:"job_id"`
}

// cachedJob keeps the owner next to the job so a cache hit can be authorized.
type cachedJob struct {
	UserID uuid.UUID  `json:"user_id"`
	Job    models.Job `json:"job"`
}

// ProcessImage is the producer endpoint: it creates and enqueues a job.
func (h *Handler) ProcessImage(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	imageID, ok := parseID(c, "imageId", "image")
	if !ok {
		return
	}

	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "Invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	job, err := h.jobs.Create(ctx, user.ID, imageID, req.Prompt)
	if err != nil {
		h.respondError(c, err, "Image not found")
		return
	}
	h.invalidateImage(ctx, imageID)
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (h *Handler) GetJob(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	jobID, ok := parseID(c, "id", "job")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	cacheKey := redisclient.JobKey(jobID.String())
	if cached, err := h.cache.Get(ctx, cacheKey); err == nil {
		var entry cachedJob
		if err := json.Unmarshal([]byte(cached), &entry); err == nil && entry.UserID == user.ID {
			c.JSON(http.StatusOK, gin.H{"job": entry.Job})
			return
		}
	}

	job, err := h.jobs.Get(ctx, user.ID, jobID)
	if err != nil {
		h.respondError(c, err, "Job not found")
		return
	}

	if data, err := json.Marshal(cachedJob{UserID: user.ID, Job: *job}); err == nil {
		if err := h.cache.Set(ctx, cacheKey, string(data), jobCacheTTL); err != nil {
			h.log.Warn().Err(err).Str("key", cacheKey).Msg("failed to cache job")
		}
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// RetryJob re-admits a FAILED job.
func (h *Handler) RetryJob(c *gin.Context) {
	if _, ok := currentUser(c); !ok {
		return
	}

	var req retryRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.JobID) == "" {
		badRequest(c, "Job ID required")
		return
	}
	jobID, err := uuid.Parse(strings.TrimSpace(req.JobID))
	if err != nil {
		badRequest(c, "Invalid job ID format")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	job, err := h.jobs.Retry(ctx, jobID)
	if err != nil {
		h.respondError(c, err, "Job not found")
		return
	}
	h.invalidateJob(ctx, job)
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (h *Handler) invalidateJob(ctx context.Context, job *models.Job) {
	if err := h.cache.Delete(ctx, redisclient.JobKey(job.ID.String())); err != nil {
		h.log.Warn().Err(err).Msg("failed to invalidate job cache")
	}
	h.invalidateImage(ctx, job.ImageID)
}

func (h *Handler) invalidateImage(ctx context.Context, imageID uuid.UUID) {
	if err := h.cache.Delete(ctx, redisclient.ImageKey(imageID.String())); err != nil {
		h.log.Warn().Err(err).Msg("failed to invalidate image cache")
	}
}
