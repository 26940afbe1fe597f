package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wize-works/splits-network-sub004/internal/api/handler"
	"github.com/wize-works/splits-network-sub004/internal/health"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, registry *prometheus.Registry) *gin.Engine {
	r := newEngine(deps, registry)

	// Initialize handlers
	jobHandler := handler.NewJobHandler(deps)
	syncHandler := handler.NewSyncHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Enqueue a job
			jobs.POST("", jobHandler.EnqueueJob)

			// GET /api/v1/jobs/failed - List dead-lettered jobs
			jobs.GET("/failed", jobHandler.ListFailedJobs)

			// POST /api/v1/jobs/failed/:job_id/retry - Replay a dead-lettered job
			jobs.POST("/failed/:job_id/retry", jobHandler.RetryFailedJob)
		}

		sync := v1.Group("/sync")
		{
			// GET /api/v1/sync/items - List sync items with filtering and pagination
			sync.GET("/items", syncHandler.ListSyncItems)

			// GET /api/v1/sync/items/:item_id - Get a single sync item
			sync.GET("/items/:item_id", syncHandler.GetSyncItem)

			// GET /api/v1/sync/stats - Count sync items per status
			sync.GET("/stats", syncHandler.GetSyncStats)

			// POST /api/v1/sync/items/:item_id/replay - Replay a failed sync item
			sync.POST("/items/:item_id/replay", syncHandler.ReplaySyncItem)
		}
	}

	return r
}

// SetupHealthRouter serves only /health and /metrics
func SetupHealthRouter(deps *handler.Dependencies, registry *prometheus.Registry) *gin.Engine {
	return newEngine(deps, registry)
}

func newEngine(deps *handler.Dependencies, registry *prometheus.Registry) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	healthHandler := handler.NewHealthHandler(deps.Health)
	r.GET("/health", healthHandler.Health)

	if registry != nil {
		r.GET("/metrics", gin.WrapH(health.Handler(registry)))
	}

	return r
}
