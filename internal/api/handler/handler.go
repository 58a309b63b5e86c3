package handler

import (
	"log/slog"

	"github.com/tailorcv/pipeline/internal/cache"
	"github.com/tailorcv/pipeline/internal/config"
	"github.com/tailorcv/pipeline/internal/credentials"
	"github.com/tailorcv/pipeline/internal/queue"
	"github.com/tailorcv/pipeline/internal/store"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger   *slog.Logger
	Store    store.Store
	Queue    queue.Publisher
	Cache    cache.StatusCache // optional; nil disables the status cache
	Resolver *credentials.Resolver
	Jobs     config.JobsConfig
}

// JobHandler handles job submission and status requests
type JobHandler struct {
	logger   *slog.Logger
	store    store.Store
	queue    queue.Publisher
	cache    cache.StatusCache
	resolver *credentials.Resolver
	jobs     config.JobsConfig
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:   deps.Logger,
		store:    deps.Store,
		queue:    deps.Queue,
		cache:    deps.Cache,
		resolver: deps.Resolver,
		jobs:     deps.Jobs,
	}
}
