package handler

import (
	"time"

	"github.com/rs/zerolog"

	"photo-processor/internal/jobs"
	"photo-processor/internal/repository"
	"photo-processor/internal/storage"
	redisclient "photo-processor/pkg/database/redis"
)

const (
	requestTimeout = 10 * time.Second
	uploadTimeout  = 60 * time.Second
	jobCacheTTL    = 30 * time.Second
	imageCacheTTL  = 10 * time.Minute
)

type Deps struct {
	Projects repository.ProjectRepository
	Images   repository.ImageRepository
	Jobs     *jobs.Service
	Store    storage.Store
	Cache    redisclient.Cache
	Logger   zerolog.Logger
}

type Handler struct {
	projects repository.ProjectRepository
	images   repository.ImageRepository
	jobs     *jobs.Service
	store    storage.Store
	cache    redisclient.Cache
	log      zerolog.Logger
	now      func() time.Time
}

func NewHandler(d Deps) *Handler {
	cache := d.Cache
	if cache == nil {
		cache = redisclient.NopCache{}
	}
	return &Handler{
		projects: d.Projects,
		images:   d.Images,
		jobs:     d.Jobs,
		store:    d.Store,
		cache:    cache,
		log:      d.Logger.With().Str("component", "http").Logger(),
		now:      time.Now,
	}
}
