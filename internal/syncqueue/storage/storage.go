package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/wize-works/splits-network-sub004/internal/syncqueue/domain"
	"github.com/wize-works/splits-network-sub004/shared/postgresql"
)

const itemColumns = `id, integration_id, entity_type, direction, action, priority, status,
	scheduled_at, retry_count, max_retries, error_message, started_at, completed_at,
	payload, created_at, updated_at`

// Storage handles all sync_queue database operations
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger.With(slog.String("component", "sync-storage")),
	}
}

// ClaimPending atomically moves up to limit due pending rows to processing and
// returns them highest priority first, then earliest scheduled. Rows locked by
// another worker are skipped so no row is claimed twice.
func (s *Storage) ClaimPending(ctx context.Context, limit int) ([]domain.Item, error) {
	query := `
		WITH claimed AS (
			SELECT id
			FROM sync_queue
			WHERE status = $1
			  AND scheduled_at <= NOW()
			ORDER BY priority ASC, scheduled_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE sync_queue
		SET status = $3,
		    started_at = NOW(),
		    updated_at = NOW()
		FROM claimed
		WHERE sync_queue.id = claimed.id
		RETURNING sync_queue.id, sync_queue.integration_id, sync_queue.entity_type,
		          sync_queue.direction, sync_queue.action, sync_queue.priority, sync_queue.status,
		          sync_queue.scheduled_at, sync_queue.retry_count, sync_queue.max_retries,
		          sync_queue.error_message, sync_queue.started_at, sync_queue.completed_at,
		          sync_queue.payload, sync_queue.created_at, sync_queue.updated_at
	`

	var items []domain.Item
	if err := s.db.SelectContext(ctx, &items, query, domain.StatusPending, limit, domain.StatusProcessing); err != nil {
		return nil, fmt.Errorf("failed to claim pending items: %w", err)
	}

	// RETURNING order is unspecified
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority < items[j].Priority
		}
		return items[i].ScheduledAt.Before(items[j].ScheduledAt)
	})

	if len(items) > 0 {
		s.logger.Debug("Sync items claimed",
			slog.Int("count", len(items)),
		)
	}
	return items, nil
}

// MarkCompleted finishes a processing row
func (s *Storage) MarkCompleted(ctx context.Context, id string) error {
	query := `
		UPDATE sync_queue
		SET status = $1,
		    completed_at = NOW(),
		    error_message = NULL,
		    updated_at = NOW()
		WHERE id = $2 AND status = $3
	`

	return s.transition(ctx, "completed", query, domain.StatusCompleted, id, domain.StatusProcessing)
}

// MarkRetry puts a processing row back to pending at runAt with the new retry count
func (s *Storage) MarkRetry(ctx context.Context, id string, retryCount int, runAt time.Time, errorMessage string) error {
	query := `
		UPDATE sync_queue
		SET status = $1,
		    retry_count = $2,
		    scheduled_at = $3,
		    error_message = $4,
		    started_at = NULL,
		    updated_at = NOW()
		WHERE id = $5 AND status = $6
	`

	return s.transition(ctx, "retry", query, domain.StatusPending, retryCount, runAt, errorMessage, id, domain.StatusProcessing)
}

// MarkFailed terminally fails a processing row
func (s *Storage) MarkFailed(ctx context.Context, id string, retryCount int, errorMessage string) error {
	query := `
		UPDATE sync_queue
		SET status = $1,
		    retry_count = $2,
		    error_message = $3,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $4 AND status = $5
	`

	return s.transition(ctx, "failed", query, domain.StatusFailed, retryCount, errorMessage, id, domain.StatusProcessing)
}

func (s *Storage) transition(ctx context.Context, name, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to mark item %s: %w", name, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrItemNotFound
	}
	return nil
}

// EnqueueUnlessActive inserts a pending item only when no pending or processing
// row exists for the same integration and direction. It reports whether a row
// was inserted. Callers racing on the same pair are serialized by a
// transaction-scoped advisory lock.
func (s *Storage) EnqueueUnlessActive(ctx context.Context, item domain.NewItem) (bool, error) {
	applyItemDefaults(&item)

	query := `
		INSERT INTO sync_queue (
			integration_id, entity_type, direction, action,
			priority, status, scheduled_at, max_retries, payload
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9
		WHERE NOT EXISTS (
			SELECT 1
			FROM sync_queue
			WHERE integration_id = $1
			  AND direction = $3
			  AND status IN ($6, $10)
		)
	`

	var inserted bool
	err := postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text || ':' || $2::text))`,
			item.IntegrationID, item.Direction,
		); err != nil {
			return fmt.Errorf("failed to lock integration %s: %w", item.IntegrationID, err)
		}

		result, err := tx.ExecContext(ctx, query,
			item.IntegrationID, item.EntityType, item.Direction, item.Action,
			item.Priority, domain.StatusPending, item.ScheduledAt, item.MaxRetries, []byte(item.Payload),
			domain.StatusProcessing,
		)
		if err != nil {
			return fmt.Errorf("failed to schedule sync item: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		inserted = rows > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func applyItemDefaults(item *domain.NewItem) {
	if item.Action == "" {
		item.Action = domain.ActionSync
	}
	if item.EntityType == "" {
		item.EntityType = domain.EntityAll
	}
	if item.MaxRetries <= 0 {
		item.MaxRetries = domain.DefaultMaxRetries
	}
	if item.ScheduledAt.IsZero() {
		item.ScheduledAt = time.Now().UTC()
	}
	if len(item.Payload) == 0 {
		item.Payload = []byte("{}")
	}
}

// Replay resets a failed row so it is picked up immediately
func (s *Storage) Replay(ctx context.Context, id string) error {
	query := `
		UPDATE sync_queue
		SET status = $1,
		    retry_count = 0,
		    scheduled_at = NOW(),
		    error_message = NULL,
		    started_at = NULL,
		    completed_at = NULL,
		    updated_at = NOW()
		WHERE id = $2 AND status = $3
	`

	if err := s.transition(ctx, "replayed", query, domain.StatusPending, id, domain.StatusFailed); err != nil {
		return err
	}

	s.logger.Info("Sync item replayed",
		slog.String("item_id", id),
	)
	return nil
}

// GetByID loads a single item
func (s *Storage) GetByID(ctx context.Context, id string) (*domain.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM sync_queue WHERE id = $1`

	var item domain.Item
	if err := s.db.GetContext(ctx, &item, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to get sync item: %w", err)
	}
	return &item, nil
}

// List returns up to PageSize+1 items, newest first, so callers can tell whether another page exists
func (s *Storage) List(ctx context.Context, filter domain.Filter) ([]domain.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM sync_queue WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var items []domain.Item
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list sync items: %w", err)
	}
	return items, nil
}

// Stats counts rows per status
func (s *Storage) Stats(ctx context.Context) (domain.Stats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'processing') AS processing,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed
		FROM sync_queue
	`

	var stats domain.Stats
	if err := s.db.GetContext(ctx, &stats, query); err != nil {
		return domain.Stats{}, fmt.Errorf("failed to get sync queue stats: %w", err)
	}
	return stats, nil
}

// Depth returns the number of pending rows
func (s *Storage) Depth(ctx context.Context) (int, error) {
	var depth int
	if err := s.db.GetContext(ctx, &depth, `SELECT COUNT(*) FROM sync_queue WHERE status = $1`, domain.StatusPending); err != nil {
		return 0, fmt.Errorf("failed to count pending sync items: %w", err)
	}
	return depth, nil
}

// RecoverStale resets rows stuck in processing for longer than staleAfter,
// left behind by a worker that died mid-item
func (s *Storage) RecoverStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	query := `
		UPDATE sync_queue
		SET status = $1,
		    started_at = NULL,
		    updated_at = NOW()
		WHERE status = $2
		  AND started_at < $3
	`

	result, err := s.db.ExecContext(ctx, query, domain.StatusPending, domain.StatusProcessing, time.Now().UTC().Add(-staleAfter))
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale sync items: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows > 0 {
		s.logger.Warn("Recovered stale sync items",
			slog.Int64("count", rows),
			slog.Duration("stale_after", staleAfter),
		)
	}
	return int(rows), nil
}

// ListSyncEnabled returns every integration with syncing turned on
func (s *Storage) ListSyncEnabled(ctx context.Context) ([]domain.Integration, error) {
	query := `
		SELECT id, provider, direction, entity_type
		FROM integrations
		WHERE sync_enabled = true
		ORDER BY created_at ASC
	`

	var integrations []domain.Integration
	if err := s.db.SelectContext(ctx, &integrations, query); err != nil {
		return nil, fmt.Errorf("failed to list sync-enabled integrations: %w", err)
	}
	return integrations, nil
}
