// Package deadletter persists jobs that exhausted their retries in the
// job_dead_letters table.
package deadletter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/wize-works/splits-network-sub004/internal/queue"
	"github.com/wize-works/splits-network-sub004/shared/postgresql"
)

const (
	// DefaultListLimit applies when List is called with a non-positive limit
	DefaultListLimit = 50
	// MaxListLimit bounds a single List call
	MaxListLimit = 1000
)

// Store is a Postgres-backed queue.DeadLetterStore
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

var _ queue.DeadLetterStore = (*Store)(nil)

// NewStore creates a dead letter store
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With(slog.String("component", "dead-letter-store")),
	}
}

type row struct {
	ID          string    `db:"id"`
	SourceQueue string    `db:"source_queue"`
	JobName     string    `db:"job_name"`
	Payload     []byte    `db:"payload"`
	Attempts    int       `db:"attempts"`
	Priority    int       `db:"priority"`
	Reason      string    `db:"reason"`
	CreatedAt   time.Time `db:"created_at"`
	FailedAt    time.Time `db:"failed_at"`
}

func (r row) toDeadLetter() queue.DeadLetter {
	return queue.DeadLetter{
		Job: queue.Job{
			ID:        r.ID,
			JobName:   r.JobName,
			Payload:   r.Payload,
			Attempts:  r.Attempts,
			Priority:  uint8(r.Priority),
			LastError: r.Reason,
			CreatedAt: r.CreatedAt,
		},
		Reason:      r.Reason,
		SourceQueue: r.SourceQueue,
		FailedAt:    r.FailedAt,
	}
}

const columns = `id, source_queue, job_name, payload, attempts, priority, reason, created_at, failed_at`

// Save stores a dead letter. Saving the same job twice keeps the latest failure.
func (s *Store) Save(ctx context.Context, dl *queue.DeadLetter) error {
	failedAt := dl.FailedAt
	if failedAt.IsZero() {
		failedAt = time.Now().UTC()
	}
	createdAt := dl.CreatedAt
	if createdAt.IsZero() {
		createdAt = failedAt
	}
	payload := []byte(dl.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	query := `
		INSERT INTO job_dead_letters (` + columns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (source_queue, id) DO UPDATE
		SET attempts = EXCLUDED.attempts,
		    reason = EXCLUDED.reason,
		    failed_at = EXCLUDED.failed_at
	`

	_, err := s.db.ExecContext(ctx, query,
		dl.ID, dl.SourceQueue, dl.JobName, payload, dl.Attempts, int(dl.Priority),
		queue.TruncateReason(dl.Reason), createdAt, failedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}

	s.logger.Debug("Dead letter saved",
		slog.String("job_id", dl.ID),
		slog.String("source_queue", dl.SourceQueue),
	)
	return nil
}

// List returns the most recent dead letters for sourceQueue
func (s *Store) List(ctx context.Context, sourceQueue string, limit int) ([]queue.DeadLetter, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)

	query := `
		SELECT ` + columns + `
		FROM job_dead_letters
		WHERE source_queue = $1
		ORDER BY failed_at DESC, id DESC
		LIMIT $2
	`

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, sourceQueue, limit); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	letters := make([]queue.DeadLetter, 0, len(rows))
	for _, r := range rows {
		letters = append(letters, r.toDeadLetter())
	}
	return letters, nil
}

// Take locks the dead letter, runs fn and deletes the row only if fn succeeds
func (s *Store) Take(ctx context.Context, sourceQueue, id string, fn func(*queue.DeadLetter) error) error {
	return postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		query := `
			SELECT ` + columns + `
			FROM job_dead_letters
			WHERE source_queue = $1 AND id = $2
			FOR UPDATE
		`

		var r row
		if err := tx.GetContext(ctx, &r, query, sourceQueue, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return queue.ErrNotFound
			}
			return fmt.Errorf("failed to load dead letter: %w", err)
		}

		dl := r.toDeadLetter()
		if err := fn(&dl); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM job_dead_letters WHERE source_queue = $1 AND id = $2`,
			sourceQueue, id,
		); err != nil {
			return fmt.Errorf("failed to delete dead letter: %w", err)
		}
		return nil
	})
}
