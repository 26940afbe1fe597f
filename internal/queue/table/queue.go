// Package table implements queue.Queue on the job_queue Postgres table.
//
// Consumers claim due rows with FOR UPDATE SKIP LOCKED, so several processes
// may consume the same queue. A processed row is deleted; a failed row goes back
// to pending with a later scheduled_for, or to dead once its retries are
// exhausted. Dead rows stay in the table until replayed.
package table

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/wize-works/splits-network-sub004/internal/backoff"
	"github.com/wize-works/splits-network-sub004/internal/queue"
	"github.com/wize-works/splits-network-sub004/internal/worker"
)

const (
	// DefaultMaxRetries is the number of retries after the first attempt
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the backoff base
	DefaultRetryDelay = 5 * time.Second
	// DefaultMaxRetryDelay caps the backoff
	DefaultMaxRetryDelay = time.Hour
	// DefaultStaleAfter is how long a row may stay processing before it is recovered
	DefaultStaleAfter = 30 * time.Minute

	defaultFailedLimit = 50
	maxFailedLimit     = 1000
)

// Config holds table queue configuration
type Config struct {
	QueueName     string
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	PollInterval  time.Duration
	BatchSize     int
	StaleAfter    time.Duration
	Observer      queue.Observer
}

// Queue is the Postgres realization of queue.Queue
type Queue struct {
	db      *sqlx.DB
	config  Config
	backoff backoff.Policy
	logger  *slog.Logger

	closed    atomic.Bool
	consuming atomic.Bool

	mu     sync.Mutex
	loop   *worker.Loop[queue.Job]
	cancel context.CancelFunc
}

var _ queue.Queue = (*Queue)(nil)

// New creates a table-backed queue
func New(db *sqlx.DB, config Config, logger *slog.Logger) *Queue {
	if config.QueueName == "" {
		config.QueueName = "jobs"
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	if config.MaxRetryDelay <= 0 {
		config.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultStaleAfter
	}
	if config.Observer == nil {
		config.Observer = queue.NopObserver{}
	}

	return &Queue{
		db:      db,
		config:  config,
		backoff: backoff.Policy{Base: config.RetryDelay, Max: config.MaxRetryDelay},
		logger: logger.With(
			slog.String("component", "table-queue"),
			slog.String("queue", config.QueueName),
		),
	}
}

type jobRow struct {
	ID           string         `db:"id"`
	JobName      string         `db:"job_name"`
	Payload      []byte         `db:"payload"`
	Attempts     int            `db:"attempts"`
	Priority     int            `db:"priority"`
	LastError    sql.NullString `db:"last_error"`
	ScheduledFor time.Time      `db:"scheduled_for"`
	CreatedAt    time.Time      `db:"created_at"`
}

func (r jobRow) toJob() queue.Job {
	scheduled := r.ScheduledFor
	return queue.Job{
		ID:           r.ID,
		JobName:      r.JobName,
		Payload:      r.Payload,
		Attempts:     r.Attempts,
		Priority:     uint8(r.Priority),
		LastError:    r.LastError.String,
		CreatedAt:    r.CreatedAt,
		ScheduledFor: &scheduled,
	}
}

// Enqueue inserts a new pending row, due after opts.Delay
func (q *Queue) Enqueue(ctx context.Context, jobName string, data any, opts queue.EnqueueOptions) (string, error) {
	if q.closed.Load() {
		return "", queue.ErrNotConnected
	}

	job, err := queue.NewJob(jobName, data, opts)
	if err != nil {
		return "", fmt.Errorf("failed to build job: %w", err)
	}

	scheduledFor := job.CreatedAt
	if job.ScheduledFor != nil {
		scheduledFor = *job.ScheduledFor
	}

	query := `
		INSERT INTO job_queue (id, queue_name, job_name, payload, attempts, priority, status, scheduled_for, created_at)
		VALUES ($1, $2, $3, $4, 0, $5, 'pending', $6, $7)
	`

	if _, err := q.db.ExecContext(ctx, query,
		job.ID, q.config.QueueName, job.JobName, []byte(job.Payload), int(job.Priority), scheduledFor, job.CreatedAt,
	); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.logger.Info("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("job_name", job.JobName),
		slog.Duration("delay", opts.Delay),
	)
	return job.ID, nil
}

// Consume polls for due jobs and runs up to opts.Concurrency of them at once.
// It blocks until ctx is cancelled or the queue is closed, and returns after
// in-flight jobs have finished.
func (q *Queue) Consume(ctx context.Context, processor queue.Processor, opts queue.ConsumeOptions) error {
	if q.closed.Load() {
		return queue.ErrNotConnected
	}

	if !q.consuming.CompareAndSwap(false, true) {
		return queue.ErrAlreadyRunning
	}
	defer q.consuming.Store(false)

	q.mu.Lock()
	consumeCtx, cancel := context.WithCancel(ctx)
	loop := worker.New(worker.Config{
		Name:          q.config.QueueName,
		PollInterval:  q.config.PollInterval,
		BatchSize:     q.config.BatchSize,
		MaxConcurrent: max(opts.Concurrency, 1),
	}, q.claim, func(ctx context.Context, job queue.Job) {
		q.handle(ctx, processor, job)
	}, q.logger)
	q.loop = loop
	q.cancel = cancel
	q.mu.Unlock()
	defer cancel()

	if recovered, err := q.recoverStale(consumeCtx); err != nil {
		q.logger.Error("Failed to recover stale jobs",
			slog.Any("error", err),
		)
	} else if recovered > 0 {
		q.logger.Warn("Recovered stale jobs",
			slog.Int64("count", recovered),
		)
	}

	return loop.Run(consumeCtx)
}

// claim moves up to limit due rows to processing, highest priority first
func (q *Queue) claim(ctx context.Context, limit int) ([]queue.Job, error) {
	query := `
		WITH claimed AS (
			SELECT id
			FROM job_queue
			WHERE queue_name = $1
			  AND status = 'pending'
			  AND scheduled_for <= NOW()
			ORDER BY priority DESC, scheduled_for ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE job_queue
		SET status = 'processing',
		    started_at = NOW()
		FROM claimed
		WHERE job_queue.id = claimed.id
		RETURNING job_queue.id, job_queue.job_name, job_queue.payload, job_queue.attempts,
		          job_queue.priority, job_queue.last_error, job_queue.scheduled_for, job_queue.created_at
	`

	var rows []jobRow
	if err := q.db.SelectContext(ctx, &rows, query, q.config.QueueName, limit); err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}

	jobs := make([]queue.Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toJob())
	}
	return jobs, nil
}

func (q *Queue) handle(ctx context.Context, processor queue.Processor, job queue.Job) {
	logger := q.logger.With(
		slog.String("job_id", job.ID),
		slog.String("job_name", job.JobName),
	)

	start := time.Now()
	if _, err := queue.Execute(ctx, processor, &job); err != nil {
		q.handleFailure(ctx, logger, job, err)
		return
	}

	if _, err := q.db.ExecContext(ctx, `DELETE FROM job_queue WHERE id = $1`, job.ID); err != nil {
		logger.Error("Failed to delete processed job",
			slog.Any("error", err),
		)
		return
	}

	q.config.Observer.JobSucceeded(q.config.QueueName, job.JobName)
	logger.Info("Job processed",
		slog.Int("attempts", job.Attempts),
		slog.Duration("duration", time.Since(start)),
	)
}

func (q *Queue) handleFailure(ctx context.Context, logger *slog.Logger, job queue.Job, cause error) {
	attempts := job.Attempts + 1
	reason := queue.TruncateReason(queue.FailureReason(cause))

	if queue.Exhausted(attempts, q.config.MaxRetries) {
		query := `
			UPDATE job_queue
			SET status = 'dead',
			    attempts = $1,
			    last_error = $2,
			    failed_at = NOW()
			WHERE id = $3
		`
		if _, err := q.db.ExecContext(ctx, query, attempts, reason, job.ID); err != nil {
			logger.Error("Failed to dead-letter job",
				slog.Any("error", err),
			)
			return
		}

		q.config.Observer.JobDeadLettered(q.config.QueueName, job.JobName)
		logger.Error("Job moved to dead letters",
			slog.Int("attempts", attempts),
			slog.String("reason", reason),
		)
		return
	}

	delay := q.backoff.Delay(attempts)
	query := `
		UPDATE job_queue
		SET status = 'pending',
		    attempts = $1,
		    last_error = $2,
		    scheduled_for = $3,
		    started_at = NULL
		WHERE id = $4
	`
	if _, err := q.db.ExecContext(ctx, query, attempts, reason, time.Now().UTC().Add(delay), job.ID); err != nil {
		logger.Error("Failed to schedule job retry",
			slog.Any("error", err),
		)
		return
	}

	q.config.Observer.JobRetried(q.config.QueueName, job.JobName)
	logger.Warn("Job failed, retry scheduled",
		slog.Int("attempts", attempts),
		slog.Duration("delay", delay),
		slog.String("reason", reason),
	)
}

func (q *Queue) recoverStale(ctx context.Context) (int64, error) {
	query := `
		UPDATE job_queue
		SET status = 'pending',
		    started_at = NULL
		WHERE queue_name = $1
		  AND status = 'processing'
		  AND started_at < $2
	`

	result, err := q.db.ExecContext(ctx, query, q.config.QueueName, time.Now().UTC().Add(-q.config.StaleAfter))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// FailedJobs lists dead rows, most recently failed first
func (q *Queue) FailedJobs(ctx context.Context, limit int) ([]queue.Job, error) {
	if limit <= 0 {
		limit = defaultFailedLimit
	}
	limit = min(limit, maxFailedLimit)

	query := `
		SELECT id, job_name, payload, attempts, priority, last_error, scheduled_for, created_at
		FROM job_queue
		WHERE queue_name = $1 AND status = 'dead'
		ORDER BY failed_at DESC, id DESC
		LIMIT $2
	`

	var rows []jobRow
	if err := q.db.SelectContext(ctx, &rows, query, q.config.QueueName, limit); err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}

	jobs := make([]queue.Job, 0, len(rows))
	for _, r := range rows {
		job := r.toJob()
		job.ScheduledFor = nil
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RetryFailedJob resets a dead row to pending with zero attempts. The job keeps its id.
func (q *Queue) RetryFailedJob(ctx context.Context, id string) (string, error) {
	if q.closed.Load() {
		return "", queue.ErrNotConnected
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", queue.ErrNotFound
	}

	query := `
		UPDATE job_queue
		SET status = 'pending',
		    attempts = 0,
		    last_error = NULL,
		    scheduled_for = NOW(),
		    started_at = NULL,
		    failed_at = NULL
		WHERE queue_name = $1 AND id = $2 AND status = 'dead'
	`

	result, err := q.db.ExecContext(ctx, query, q.config.QueueName, id)
	if err != nil {
		return "", fmt.Errorf("failed to retry job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return "", queue.ErrNotFound
	}

	q.logger.Info("Failed job replayed",
		slog.String("job_id", id),
	)
	return id, nil
}

// Running reports whether Consume is polling
func (q *Queue) Running() bool {
	return q.consuming.Load()
}

// InFlight returns the number of jobs being processed
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.loop == nil {
		return 0
	}
	return q.loop.InFlight()
}

// Depth returns the number of pending rows
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var depth int
	query := `SELECT COUNT(*) FROM job_queue WHERE queue_name = $1 AND status = 'pending'`
	if err := q.db.GetContext(ctx, &depth, query, q.config.QueueName); err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return depth, nil
}

// Close stops a running consumer. The database handle is owned by the caller.
func (q *Queue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}

	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.logger.Info("Table queue closed")
	return nil
}
