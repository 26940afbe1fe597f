package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wize-works/splits-network-sub004/internal/syncqueue/domain"
)

// Executor performs the external synchronization for one item
type Executor interface {
	Execute(ctx context.Context, item domain.Item) error
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, item domain.Item) error

func (f ExecutorFunc) Execute(ctx context.Context, item domain.Item) error {
	return f(ctx, item)
}

// Registry routes items to executors by the provider named in their payload
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	fallback  Executor
	logger    *slog.Logger
}

var _ Executor = (*Registry)(nil)

// NewRegistry creates an empty executor registry
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		executors: make(map[string]Executor),
		logger:    logger.With(slog.String("component", "sync-executors")),
	}
}

// Register binds an executor to a provider
func (r *Registry) Register(provider string, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.executors[provider] = executor
	r.logger.Info("Sync executor registered",
		slog.String("provider", provider),
	)
}

// SetFallback sets the executor used for providers without a dedicated one
func (r *Registry) SetFallback(executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.fallback = executor
}

// Execute decodes the provider from the item payload and runs its executor
func (r *Registry) Execute(ctx context.Context, item domain.Item) error {
	var payload domain.Payload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if payload.Provider == "" {
		return fmt.Errorf("%w: missing provider", domain.ErrInvalidPayload)
	}

	r.mu.RLock()
	executor, ok := r.executors[payload.Provider]
	if !ok {
		executor = r.fallback
	}
	r.mu.RUnlock()

	if executor == nil {
		return fmt.Errorf("%w: %s", domain.ErrUnknownProvider, payload.Provider)
	}

	if err := executor.Execute(ctx, item); err != nil {
		return &domain.ExecutionError{Provider: payload.Provider, Err: err}
	}
	return nil
}
