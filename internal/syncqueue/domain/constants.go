package domain

// Item status constants
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Direction constants
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
	// DirectionBidirectional is only valid on an integration, never on an item
	DirectionBidirectional = "bidirectional"
)

const (
	// PriorityHigh is used for syncs requested on demand
	PriorityHigh = 1
	// PriorityNormal is used for scheduler-generated items. Lower sorts first.
	PriorityNormal = 5
	// DefaultMaxRetries applies when an item is enqueued without one
	DefaultMaxRetries = 3
	// ActionSync is the action of scheduler-generated items
	ActionSync = "sync"
	// EntityAll is the entity type of a full sync
	EntityAll = "all"
)

// ValidStatus reports whether s is one of the four item states
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}
