package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wize-works/splits-network-sub004/internal/health"
	"github.com/wize-works/splits-network-sub004/internal/queue"
	"github.com/wize-works/splits-network-sub004/internal/syncqueue/domain"
)

// SyncItemStore is the part of the sync queue storage the API needs
type SyncItemStore interface {
	List(ctx context.Context, filter domain.Filter) ([]domain.Item, error)
	GetByID(ctx context.Context, id string) (*domain.Item, error)
	Stats(ctx context.Context) (domain.Stats, error)
	Replay(ctx context.Context, id string) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Queue     queue.Queue
	SyncItems SyncItemStore
	Health    *health.Reporter
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	queue  queue.Queue
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		queue:  deps.Queue,
	}
}

// SyncHandler handles sync queue HTTP requests
type SyncHandler struct {
	logger *slog.Logger
	items  SyncItemStore
}

// NewSyncHandler creates a new SyncHandler instance
func NewSyncHandler(deps *Dependencies) *SyncHandler {
	return &SyncHandler{
		logger: deps.Logger,
		items:  deps.SyncItems,
	}
}

// HealthHandler serves the health endpoint
type HealthHandler struct {
	reporter *health.Reporter
}

// NewHealthHandler creates a new HealthHandler instance
func NewHealthHandler(reporter *health.Reporter) *HealthHandler {
	return &HealthHandler{reporter: reporter}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	status := h.reporter.Report(c.Request.Context())

	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// respondError maps err to a status code: not found is 404, a closed backend
// is 503, everything else is 500 with msg as the body
func respondError(c *gin.Context, logger *slog.Logger, err error, msg string) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": err.Error(),
		})
	case errors.Is(err, queue.ErrNotConnected):
		logger.Error(msg, slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Queue backend unavailable",
		})
	default:
		logger.Error(msg, slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": msg,
		})
	}
}
