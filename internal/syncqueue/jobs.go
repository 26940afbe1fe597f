package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/wize-works/splits-network-sub004/internal/queue"
	"github.com/wize-works/splits-network-sub004/internal/syncqueue/domain"
)

// JobSyncRequested is the job name of an on-demand sync request
const JobSyncRequested = "integration.sync"

// SyncRequest is the payload of a JobSyncRequested job
type SyncRequest struct {
	IntegrationID string `json:"integration_id"`
	Provider      string `json:"provider"`
	EntityType    string `json:"entity_type,omitempty"`
	// Direction defaults to bidirectional, which enqueues both directions
	Direction  string `json:"direction,omitempty"`
	Priority   *int   `json:"priority,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// SyncJobHandler turns JobSyncRequested jobs into sync queue items. Pairs that
// already have an active item are skipped.
func SyncJobHandler(enqueuer Enqueuer, logger *slog.Logger) queue.Handler {
	logger = logger.With(slog.String("component", "sync-job-handler"))

	return func(ctx context.Context, job *queue.Job) error {
		var req SyncRequest
		if err := job.Decode(&req); err != nil {
			return err
		}

		if req.IntegrationID == "" || req.Provider == "" {
			return fmt.Errorf("%w: integration_id and provider are required", domain.ErrInvalidPayload)
		}

		integration := domain.Integration{
			ID:         req.IntegrationID,
			Provider:   req.Provider,
			Direction:  req.Direction,
			EntityType: req.EntityType,
		}
		switch integration.Direction {
		case "":
			integration.Direction = domain.DirectionBidirectional
		case domain.DirectionInbound, domain.DirectionOutbound, domain.DirectionBidirectional:
		default:
			return fmt.Errorf("%w: unknown direction %q", domain.ErrInvalidPayload, req.Direction)
		}

		priority := domain.PriorityHigh
		if req.Priority != nil {
			priority = *req.Priority
		}

		payload, err := json.Marshal(syncPayload{Provider: req.Provider, IntegrationID: req.IntegrationID})
		if err != nil {
			return fmt.Errorf("failed to marshal sync payload: %w", err)
		}

		for _, direction := range integration.Directions() {
			inserted, err := enqueuer.EnqueueUnlessActive(ctx, domain.NewItem{
				IntegrationID: integration.ID,
				EntityType:    integration.EntityType,
				Direction:     direction,
				Action:        domain.ActionSync,
				Priority:      priority,
				MaxRetries:    req.MaxRetries,
				ScheduledAt:   time.Now().UTC(),
				Payload:       payload,
			})
			if err != nil {
				return fmt.Errorf("failed to enqueue %s sync: %w", direction, err)
			}

			logger.Info("Sync requested",
				slog.String("job_id", job.ID),
				slog.String("integration_id", integration.ID),
				slog.String("direction", direction),
				slog.Bool("skipped", !inserted),
			)
		}

		return nil
	}
}
