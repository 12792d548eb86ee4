package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// NewRouter wires every route. auth guards the /api group and admin
// additionally guards the operator routes under it.
func NewRouter(h *Handler, auth, admin gin.HandlerFunc, log zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(log))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(auth)
	{
		api.GET("/projects", h.ListProjects)
		api.POST("/projects", h.CreateProject)
		api.GET("/projects/:id", h.GetProject)
		api.DELETE("/projects/:id", h.DeleteProject)

		api.GET("/images", h.ListImages)
		api.POST("/images", h.CreateImage)
		api.GET("/images/:id", h.GetImage)
		api.DELETE("/images/:id", h.DeleteImage)

		api.POST("/upload", h.UploadImages)
		api.POST("/process/:imageId", h.ProcessImage)

		api.GET("/jobs/:id", h.GetJob)
		api.POST("/admin/retry", admin, h.RetryJob)
	}

	return router
}

// RequestLogger logs one line per request.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := log.Info()
		if status >= http.StatusInternalServerError {
			event = log.Error()
		} else if status >= http.StatusBadRequest {
			event = log.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}
