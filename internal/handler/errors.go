package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"photo-processor/internal/jobs"
	"photo-processor/internal/models"
	"photo-processor/internal/repository"
	"photo-processor/pkg/security"
)

// respondError maps domain errors onto status codes. Foreign resources are
// reported as missing.
func (h *Handler) respondError(c *gin.Context, err error, notFoundMsg string) {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": notFoundMsg})
	case errors.Is(err, jobs.ErrNotRetriable):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Can only retry failed jobs"})
	case errors.Is(err, jobs.ErrQueueUnavailable):
		h.log.Error().Err(err).Msg("queue unavailable")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue job"})
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func currentUser(c *gin.Context) (*models.User, bool) {
	user, ok := security.CurrentUser(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return nil, false
	}
	return user, true
}

func parseID(c *gin.Context, param, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		badRequest(c, "Invalid "+what+" ID format")
		return uuid.Nil, false
	}
	return id, true
}
