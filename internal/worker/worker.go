package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wize-works/splits-network-sub004/internal/queue"
)

const (
	// DefaultPollInterval is the sleep between polls that found no work
	DefaultPollInterval = 5 * time.Second
	// DefaultBatchSize is the maximum number of items claimed per poll
	DefaultBatchSize = 10
	// DefaultMaxConcurrent bounds the number of items processed at once
	DefaultMaxConcurrent = 5
	// DefaultBusyWait is the sleep while every slot is taken
	DefaultBusyWait = time.Second
	// DefaultDrainInterval is how often Stop re-checks the in-flight counter
	DefaultDrainInterval = time.Second
)

// Config holds polling loop configuration. It is read once when the loop is created.
type Config struct {
	Name          string
	PollInterval  time.Duration
	BatchSize     int
	MaxConcurrent int
	BusyWait      time.Duration
	DrainInterval time.Duration
}

// FetchFunc claims up to limit items that are due for processing
type FetchFunc[T any] func(ctx context.Context, limit int) ([]T, error)

// HandleFunc processes one claimed item. It owns all error handling for the item.
type HandleFunc[T any] func(ctx context.Context, item T)

// Loop polls a table-like source and dispatches claimed items concurrently
type Loop[T any] struct {
	config Config
	fetch  FetchFunc[T]
	handle HandleFunc[T]
	logger *slog.Logger

	running  atomic.Bool
	inFlight atomic.Int64
	// claiming is non-zero while a fetch may be taking rows that Stop has to wait for
	claiming atomic.Int64

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped bool
}

// New creates a polling loop, filling zero config values with defaults
func New[T any](config Config, fetch FetchFunc[T], handle HandleFunc[T], logger *slog.Logger) *Loop[T] {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultMaxConcurrent
	}
	if config.BusyWait <= 0 {
		config.BusyWait = DefaultBusyWait
	}
	if config.DrainInterval <= 0 {
		config.DrainInterval = DefaultDrainInterval
	}

	return &Loop[T]{
		config: config,
		fetch:  fetch,
		handle: handle,
		logger: logger.With(slog.String("worker", config.Name)),
		stopCh: make(chan struct{}),
	}
}

// Run polls until Stop is called or ctx is cancelled. Items already dispatched
// keep running on a context that is not cancelled with ctx.
func (l *Loop[T]) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return queue.ErrAlreadyRunning
	}

	l.mu.Lock()
	if l.stopped {
		l.stopCh = make(chan struct{})
		l.stopped = false
	}
	stopCh := l.stopCh
	l.mu.Unlock()

	l.logger.Info("Worker loop started",
		slog.Duration("poll_interval", l.config.PollInterval),
		slog.Int("batch_size", l.config.BatchSize),
		slog.Int("max_concurrent", l.config.MaxConcurrent),
	)

	handleCtx := context.WithoutCancel(ctx)

	for l.running.Load() {
		if ctx.Err() != nil {
			l.running.Store(false)
			break
		}

		free := l.config.MaxConcurrent - int(l.inFlight.Load())
		if free <= 0 {
			l.sleep(ctx, stopCh, l.config.BusyWait)
			continue
		}

		l.claiming.Add(1)
		if !l.running.Load() {
			l.claiming.Add(-1)
			break
		}

		items, err := l.fetch(ctx, min(l.config.BatchSize, free))
		if err != nil {
			l.claiming.Add(-1)
			if ctx.Err() == nil {
				l.logger.Error("Failed to fetch pending items",
					slog.Any("error", err),
				)
			}
			l.sleep(ctx, stopCh, l.config.PollInterval)
			continue
		}

		if len(items) == 0 {
			l.claiming.Add(-1)
			l.sleep(ctx, stopCh, l.config.PollInterval)
			continue
		}

		l.logger.Debug("Dispatching batch",
			slog.Int("batch_size", len(items)),
		)
		l.inFlight.Add(int64(len(items)))
		l.claiming.Add(-1)
		l.dispatch(handleCtx, items)
	}

	l.logger.Info("Worker loop stopped")
	return nil
}

// dispatch runs every item concurrently and waits for all of them. The caller
// has already counted items as in flight. A failing or panicking item never
// affects its siblings.
func (l *Loop[T]) dispatch(ctx context.Context, items []T) {
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		go func(item T) {
			defer wg.Done()
			defer l.inFlight.Add(-1)
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("Item handler panicked",
						slog.String("panic", fmt.Sprint(r)),
					)
				}
			}()
			l.handle(ctx, item)
		}(item)
	}
	wg.Wait()
}

// Stop flips the running flag and waits until every in-flight item has
// finished, including items from a fetch that was still running. ctx bounds
// the wait.
func (l *Loop[T]) Stop(ctx context.Context) error {
	l.logger.Info("Stopping worker loop",
		slog.Int64("in_flight", l.inFlight.Load()),
	)

	l.running.Store(false)
	l.mu.Lock()
	if !l.stopped {
		close(l.stopCh)
		l.stopped = true
	}
	l.mu.Unlock()

	ticker := time.NewTicker(l.config.DrainInterval)
	defer ticker.Stop()

	for l.inFlight.Load()+l.claiming.Load() > 0 {
		select {
		case <-ctx.Done():
			l.logger.Warn("Worker loop drain timed out",
				slog.Int64("in_flight", l.inFlight.Load()),
			)
			return fmt.Errorf("failed to drain worker loop: %w", ctx.Err())
		case <-ticker.C:
		}
	}

	l.logger.Info("Worker loop drained")
	return nil
}

// Running reports whether the loop is polling
func (l *Loop[T]) Running() bool {
	return l.running.Load()
}

// InFlight returns the number of items being processed right now
func (l *Loop[T]) InFlight() int {
	return int(l.inFlight.Load())
}

func (l *Loop[T]) sleep(ctx context.Context, stopCh <-chan struct{}, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-stopCh:
	case <-timer.C:
	}
}
