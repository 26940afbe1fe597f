package domain

import (
	"encoding/json"
	"time"
)

// Item is a row of the sync_queue table
type Item struct {
	ID            string          `db:"id" json:"id"`
	IntegrationID string          `db:"integration_id" json:"integration_id"`
	EntityType    string          `db:"entity_type" json:"entity_type"`
	Direction     string          `db:"direction" json:"direction"`
	Action        string          `db:"action" json:"action"`
	Priority      int             `db:"priority" json:"priority"`
	Status        string          `db:"status" json:"status"`
	ScheduledAt   time.Time       `db:"scheduled_at" json:"scheduled_at"`
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	MaxRetries    int             `db:"max_retries" json:"max_retries"`
	ErrorMessage  *string         `db:"error_message" json:"error_message,omitempty"`
	StartedAt     *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt   *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// Payload is the routing part of an item payload understood by the executor registry
type Payload struct {
	Provider string `json:"provider"`
}

// NewItem describes an item to enqueue
type NewItem struct {
	IntegrationID string
	EntityType    string
	Direction     string
	Action        string
	Priority      int
	MaxRetries    int
	ScheduledAt   time.Time
	Payload       json.RawMessage
}

// Integration is a sync-enabled external system connection
type Integration struct {
	ID         string `db:"id"`
	Provider   string `db:"provider"`
	Direction  string `db:"direction"`
	EntityType string `db:"entity_type"`
}

// Directions expands a bidirectional integration into its two item directions
func (i Integration) Directions() []string {
	if i.Direction == DirectionBidirectional {
		return []string{DirectionInbound, DirectionOutbound}
	}
	return []string{i.Direction}
}

// Stats counts items per status
type Stats struct {
	Pending    int `db:"pending" json:"pending"`
	Processing int `db:"processing" json:"processing"`
	Completed  int `db:"completed" json:"completed"`
	Failed     int `db:"failed" json:"failed"`
}

// Cursor is a keyset position in a created_at DESC, id DESC listing
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Filter narrows an item listing
type Filter struct {
	Status   string
	PageSize int
	Cursor   *Cursor
}
