package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Handler executes the business logic for one job name
type Handler func(ctx context.Context, job *Job) error

// Registry dispatches jobs to handlers by job name
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewRegistry creates an empty handler registry
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register binds a handler to a job name, replacing any previous one
func (r *Registry) Register(jobName string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[jobName] = handler
	r.logger.Info("Job handler registered",
		slog.String("job_name", jobName),
	)
}

// Names returns the registered job names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Process satisfies Processor
func (r *Registry) Process(ctx context.Context, job *Job) (Result, error) {
	r.mu.RLock()
	handler, ok := r.handlers[job.JobName]
	r.mu.RUnlock()

	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("no handler registered for job %q", job.JobName)}, nil
	}

	if err := handler(ctx, job); err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}

	return Result{Success: true}, nil
}
