package dto

import "encoding/json"

type EnqueueJobRequest struct {
	JobName  string          `json:"job_name" binding:"required"`
	Payload  json.RawMessage `json:"payload"`
	DelayMs  int64           `json:"delay_ms" binding:"gte=0"`
	Priority uint8           `json:"priority" binding:"lte=9"`
}

type EnqueueJobResponse struct {
	JobID string `json:"job_id"`
}

type ListFailedJobsRequest struct {
	Limit int `form:"limit" binding:"gte=0"`
}

type ListFailedJobsResponse struct {
	Jobs []JobDTO `json:"jobs"`
}

type RetryJobResponse struct {
	JobID    string `json:"job_id"`
	NewJobID string `json:"new_job_id"`
}

type JobDTO struct {
	JobID     string          `json:"job_id"`
	JobName   string          `json:"job_name"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	Priority  uint8           `json:"priority"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt string          `json:"created_at"`
}
