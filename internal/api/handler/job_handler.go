package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wize-works/splits-network-sub004/internal/api/dto"
	"github.com/wize-works/splits-network-sub004/internal/queue"
)

// EnqueueJob handles POST /api/v1/jobs
// Publishes a new job, optionally delayed
func (h *JobHandler) EnqueueJob(c *gin.Context) {
	h.logger.Info("EnqueueJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	var req dto.EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	var data any
	if len(req.Payload) > 0 {
		data = req.Payload
	}

	jobID, err := h.queue.Enqueue(c.Request.Context(), req.JobName, data, queue.EnqueueOptions{
		Delay:    time.Duration(req.DelayMs) * time.Millisecond,
		Priority: req.Priority,
	})
	if err != nil {
		respondError(c, h.logger, err, "Failed to enqueue job")
		return
	}

	c.JSON(http.StatusAccepted, dto.EnqueueJobResponse{JobID: jobID})
}

// ListFailedJobs handles GET /api/v1/jobs/failed
// Lists dead-lettered jobs, most recent first
func (h *JobHandler) ListFailedJobs(c *gin.Context) {
	h.logger.Info("ListFailedJobs called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("query", c.Request.URL.RawQuery),
	)

	var req dto.ListFailedJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Limit == 0 {
		req.Limit = 50
	}
	if req.Limit > 1000 {
		req.Limit = 1000
	}

	jobs, err := h.queue.FailedJobs(c.Request.Context(), req.Limit)
	if err != nil {
		respondError(c, h.logger, err, "Failed to list failed jobs")
		return
	}

	response := make([]dto.JobDTO, len(jobs))
	for i, job := range jobs {
		response[i] = dto.JobDTO{
			JobID:     job.ID,
			JobName:   job.JobName,
			Payload:   job.Payload,
			Attempts:  job.Attempts,
			Priority:  job.Priority,
			LastError: job.LastError,
			CreatedAt: job.CreatedAt.Format(time.RFC3339),
		}
	}

	c.JSON(http.StatusOK, dto.ListFailedJobsResponse{Jobs: response})
}

// RetryFailedJob handles POST /api/v1/jobs/failed/:job_id/retry
// Moves a dead-lettered job back onto the queue with zero attempts
func (h *JobHandler) RetryFailedJob(c *gin.Context) {
	jobID := c.Param("job_id")

	h.logger.Info("RetryFailedJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("job_id", jobID),
	)

	newID, err := h.queue.RetryFailedJob(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to retry job")
		return
	}

	c.JSON(http.StatusAccepted, dto.RetryJobResponse{
		JobID:    jobID,
		NewJobID: newID,
	})
}
