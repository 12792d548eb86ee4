package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"photo-processor/internal/models"
	"photo-processor/internal/storage"
)

const (
	MaxFileSize      = 16 << 20 // 16MB
	MaxFilesPerBatch = 10
	maxUploadBody    = MaxFilesPerBatch*MaxFileSize + 1<<20
	multipartMemory  = 32 << 20
)

type uploadedImage struct {
	ID       uuid.UUID `json:"id"`
	URL      string    `json:"url"`
	Filename string    `json:"filename"`
}

type UploadResponse struct {
	ProjectID uuid.UUID       `json:"project_id"`
	Images    []uploadedImage `json:"images"`
}

// UploadImages stores 1 to 10 images. Without a projectId a project named
// after today's date is created.
func (h *Handler) UploadImages(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBody)
	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		badRequest(c, "Failed to parse multipart form")
		return
	}
	files := c.Request.MultipartForm.File["files"]
	if len(files) == 0 {
		badRequest(c, "No files provided")
		return
	}
	if len(files) > MaxFilesPerBatch {
		badRequest(c, fmt.Sprintf("Maximum %d files per upload", MaxFilesPerBatch))
		return
	}
	for _, fh := range files {
		if fh.Size > MaxFileSize {
			badRequest(c, fmt.Sprintf("File %s exceeds 16MB limit", fh.Filename))
			return
		}
		if !strings.HasPrefix(fh.Header.Get("Content-Type"), "image/") {
			badRequest(c, fmt.Sprintf("File %s is not an image", fh.Filename))
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), uploadTimeout)
	defer cancel()

	project, err := h.uploadProject(ctx, user.ID, c.Request.FormValue("projectId"))
	if err != nil {
		if errors.Is(err, errInvalidProjectID) {
			badRequest(c, "Invalid project ID format")
			return
		}
		h.respondError(c, err, "Project not found or access denied")
		return
	}

	uploaded := make([]uploadedImage, 0, len(files))
	for _, fh := range files {
		image, err := h.storeUpload(ctx, user.ID, project.ID, fh)
		if err != nil {
			h.respondError(c, err, "Project not found")
			return
		}
		uploaded = append(uploaded, uploadedImage{ID: image.ID, URL: image.URL, Filename: image.Filename})
	}

	h.log.Info().Str("project_id", project.ID.String()).Int("count", len(uploaded)).Msg("images uploaded")
	c.JSON(http.StatusCreated, UploadResponse{ProjectID: project.ID, Images: uploaded})
}

var errInvalidProjectID = errors.New("invalid project id")

func (h *Handler) uploadProject(ctx context.Context, userID uuid.UUID, raw string) (*models.Project, error) {
	if raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, errInvalidProjectID
		}
		return h.projects.GetForUser(ctx, id, userID)
	}
	project := &models.Project{
		UserID: userID,
		Name:   "Property " + h.now().Format("2006-01-02"),
	}
	if err := h.projects.Create(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

func (h *Handler) storeUpload(ctx context.Context, userID, projectID uuid.UUID, fh *multipart.FileHeader) (*models.Image, error) {
	file, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}

	contentType := fh.Header.Get("Content-Type")
	key := storage.OriginalKey(userID, fh.Filename)
	url, err := h.store.Put(ctx, key, data, contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	image := &models.Image{
		UserID:     userID,
		ProjectID:  &projectID,
		StorageKey: key,
		URL:        url,
		Filename:   fh.Filename,
		MimeType:   contentType,
		Size:       int64(len(data)),
	}
	if err := h.images.Create(ctx, image); err != nil {
		return nil, fmt.Errorf("failed to save image: %w", err)
	}
	return image, nil
}
