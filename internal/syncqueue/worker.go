// Package syncqueue runs the table-backed synchronization queue: a polling
// worker that executes pending sync items with per-item retry, and a periodic
// scheduler that enqueues recurring syncs for every sync-enabled integration.
package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wize-works/splits-network-sub004/internal/backoff"
	"github.com/wize-works/splits-network-sub004/internal/queue"
	"github.com/wize-works/splits-network-sub004/internal/syncqueue/domain"
	"github.com/wize-works/splits-network-sub004/internal/worker"
)

// Source labels sync outcomes reported to the observer
const Source = "sync_queue"

const (
	// DefaultRetryBase is the delay before the first retry of a failed item
	DefaultRetryBase = time.Minute
	// DefaultMaxBackoff caps the retry delay
	DefaultMaxBackoff = 24 * time.Hour
	// DefaultStaleAfter is how long an item may stay processing before it is recovered
	DefaultStaleAfter = 30 * time.Minute
)

// Store is the persistence the worker needs
type Store interface {
	ClaimPending(ctx context.Context, limit int) ([]domain.Item, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, retryCount int, runAt time.Time, errorMessage string) error
	MarkFailed(ctx context.Context, id string, retryCount int, errorMessage string) error
	RecoverStale(ctx context.Context, staleAfter time.Duration) (int, error)
	Depth(ctx context.Context) (int, error)
}

// WorkerConfig holds sync worker configuration
type WorkerConfig struct {
	PollInterval  time.Duration
	BatchSize     int
	MaxConcurrent int
	RetryBase     time.Duration
	MaxBackoff    time.Duration
	StaleAfter    time.Duration
	Observer      queue.Observer
}

// Worker claims due sync items and runs them through the executor
type Worker struct {
	store    Store
	executor Executor
	loop     *worker.Loop[domain.Item]
	backoff  backoff.Policy
	config   WorkerConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewWorker creates a sync worker
func NewWorker(store Store, executor Executor, config WorkerConfig, logger *slog.Logger) *Worker {
	if config.RetryBase <= 0 {
		config.RetryBase = DefaultRetryBase
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultMaxBackoff
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultStaleAfter
	}
	if config.Observer == nil {
		config.Observer = queue.NopObserver{}
	}

	w := &Worker{
		store:    store,
		executor: executor,
		backoff:  backoff.Policy{Base: config.RetryBase, Max: config.MaxBackoff},
		config:   config,
		logger:   logger.With(slog.String("component", "sync-worker")),
		now:      func() time.Time { return time.Now().UTC() },
	}

	w.loop = worker.New(worker.Config{
		Name:          "sync-queue",
		PollInterval:  config.PollInterval,
		BatchSize:     config.BatchSize,
		MaxConcurrent: config.MaxConcurrent,
	}, store.ClaimPending, w.processItem, logger)

	return w
}

// Start recovers stale items and then polls until Stop is called or ctx is cancelled
func (w *Worker) Start(ctx context.Context) error {
	if w.loop.Running() {
		return queue.ErrAlreadyRunning
	}

	recovered, err := w.store.RecoverStale(ctx, w.config.StaleAfter)
	if err != nil {
		w.logger.Error("Failed to recover stale items",
			slog.Any("error", err),
		)
	} else if recovered > 0 {
		w.logger.Info("Stale items returned to pending",
			slog.Int("count", recovered),
		)
	}

	return w.loop.Run(ctx)
}

// Stop stops polling and waits for in-flight items to finish
func (w *Worker) Stop(ctx context.Context) error {
	return w.loop.Stop(ctx)
}

// Running reports whether the worker is polling
func (w *Worker) Running() bool {
	return w.loop.Running()
}

// InFlight returns the number of items being executed
func (w *Worker) InFlight() int {
	return w.loop.InFlight()
}

// Depth returns the number of pending items
func (w *Worker) Depth(ctx context.Context) (int, error) {
	return w.store.Depth(ctx)
}

// processItem runs a claimed item. The claim already moved it to processing.
func (w *Worker) processItem(ctx context.Context, item domain.Item) {
	logger := w.logger.With(
		slog.String("item_id", item.ID),
		slog.String("integration_id", item.IntegrationID),
		slog.String("direction", item.Direction),
	)

	start := time.Now()
	if err := w.execute(ctx, item); err != nil {
		w.handleFailure(ctx, logger, item, err.Error())
		return
	}

	if err := w.store.MarkCompleted(ctx, item.ID); err != nil {
		logger.Error("Failed to mark item completed",
			slog.Any("error", err),
		)
		return
	}

	w.config.Observer.JobSucceeded(Source, item.Action)
	logger.Info("Sync item completed",
		slog.Duration("duration", time.Since(start)),
	)
}

func (w *Worker) execute(ctx context.Context, item domain.Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return w.executor.Execute(ctx, item)
}

// handleFailure schedules a retry while retries remain, otherwise fails the item for good
func (w *Worker) handleFailure(ctx context.Context, logger *slog.Logger, item domain.Item, errorMessage string) {
	retryCount := item.RetryCount + 1
	errorMessage = queue.TruncateReason(errorMessage)

	if retryCount < item.MaxRetries {
		delay := w.backoff.Delay(retryCount)
		runAt := w.now().Add(delay)

		if err := w.store.MarkRetry(ctx, item.ID, retryCount, runAt, errorMessage); err != nil {
			logger.Error("Failed to schedule item retry",
				slog.Any("error", err),
			)
			return
		}

		w.config.Observer.JobRetried(Source, item.Action)
		logger.Warn("Sync item failed, retry scheduled",
			slog.Int("retry_count", retryCount),
			slog.Int("max_retries", item.MaxRetries),
			slog.Duration("delay", delay),
			slog.String("error", errorMessage),
		)
		return
	}

	if err := w.store.MarkFailed(ctx, item.ID, retryCount, errorMessage); err != nil {
		if errors.Is(err, domain.ErrItemNotFound) {
			logger.Warn("Item left processing before it could be failed")
			return
		}
		logger.Error("Failed to mark item failed",
			slog.Any("error", err),
		)
		return
	}

	w.config.Observer.JobDeadLettered(Source, item.Action)
	logger.Error("Sync item failed permanently",
		slog.Int("retry_count", retryCount),
		slog.Int("max_retries", item.MaxRetries),
		slog.String("error", errorMessage),
	)
}
