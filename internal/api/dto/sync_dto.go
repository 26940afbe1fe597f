package dto

import "encoding/json"

type ListSyncItemsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListSyncItemsResponse struct {
	Items      []SyncItemDTO `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type SyncItemDTO struct {
	ID            string          `json:"id"`
	IntegrationID string          `json:"integration_id"`
	EntityType    string          `json:"entity_type"`
	Direction     string          `json:"direction"`
	Action        string          `json:"action"`
	Priority      int             `json:"priority"`
	Status        string          `json:"status"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	ScheduledAt   string          `json:"scheduled_at"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
}

type SyncStatsResponse struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}
