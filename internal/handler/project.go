package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"photo-processor/internal/models"
	redisclient "photo-processor/pkg/database/redis"
)

type createProjectRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
}

type projectResponse struct {
	models.Project
	Images []models.Image `json:"images"`
}

func (h *Handler) ListProjects(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	projects, err := h.projects.ListForUser(ctx, user.ID)
	if err != nil {
		h.respondError(c, err, "Projects not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (h *Handler) CreateProject(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		badRequest(c, "Project name is required")
		return
	}
	if req.Description != nil {
		d := strings.TrimSpace(*req.Description)
		req.Description = &d
		if d == "" {
			req.Description = nil
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	project := &models.Project{UserID: user.ID, Name: name, Description: req.Description}
	if err := h.projects.Create(ctx, project); err != nil {
		h.respondError(c, err, "Project not found")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project": project})
}

func (h *Handler) GetProject(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	projectID, ok := parseID(c, "id", "project")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	project, err := h.projects.GetForUser(ctx, projectID, user.ID)
	if err != nil {
		h.respondError(c, err, "Project not found")
		return
	}
	images, err := h.images.ListForUser(ctx, user.ID, &project.ID)
	if err != nil {
		h.respondError(c, err, "Project not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": projectResponse{Project: *project, Images: images}})
}

// DeleteProject removes the project, its images by cascade, and then their blobs.
func (h *Handler) DeleteProject(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	projectID, ok := parseID(c, "id", "project")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), uploadTimeout)
	defer cancel()

	if _, err := h.projects.GetForUser(ctx, projectID, user.ID); err != nil {
		h.respondError(c, err, "Project not found")
		return
	}
	images, err := h.images.ListForUser(ctx, user.ID, &projectID)
	if err != nil {
		h.respondError(c, err, "Project not found")
		return
	}
	if err := h.projects.Delete(ctx, projectID, user.ID); err != nil {
		h.respondError(c, err, "Project not found")
		return
	}
	keys := make([]string, 0, len(images))
	for i := range images {
		h.deleteBlobs(ctx, &images[i])
		keys = append(keys, redisclient.ImageKey(images[i].ID.String()))
	}
	if len(keys) > 0 {
		if err := h.cache.Delete(ctx, keys...); err != nil {
			h.log.Warn().Err(err).Msg("failed to invalidate image cache")
		}
	}
	c.Status(http.StatusNoContent)
}
