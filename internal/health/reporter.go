// Package health reports queue liveness and depth for the /health endpoint
// and the Prometheus collector.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultTimeout bounds a depth lookup
const DefaultTimeout = 3 * time.Second

// Source is anything with a consumer loop to report on
type Source interface {
	Running() bool
	InFlight() int
	Depth(ctx context.Context) (int, error)
}

// DepthFunc adapts a depth lookup to a Source that is always running.
// It is used where a process only produces into a queue.
type DepthFunc func(ctx context.Context) (int, error)

func (f DepthFunc) Running() bool                          { return true }
func (f DepthFunc) InFlight() int                          { return 0 }
func (f DepthFunc) Depth(ctx context.Context) (int, error) { return f(ctx) }

// Status is the /health response body
type Status struct {
	Healthy         bool                       `json:"healthy"`
	Running         bool                       `json:"running"`
	ProcessingCount int                        `json:"processingCount"`
	QueueDepth      *int                       `json:"queueDepth,omitempty"`
	Components      map[string]ComponentStatus `json:"components,omitempty"`
}

// ComponentStatus is the state of one source
type ComponentStatus struct {
	Running         bool   `json:"running"`
	ProcessingCount int    `json:"processingCount"`
	QueueDepth      *int   `json:"queueDepth,omitempty"`
	Error           string `json:"error,omitempty"`
}

// CheckFunc checks a dependency that has no queue of its own, such as the
// database connection
type CheckFunc func(ctx context.Context) error

type namedSource struct {
	name   string
	source Source
}

type namedCheck struct {
	name  string
	check CheckFunc
}

// Reporter aggregates the status of every registered source
type Reporter struct {
	mu      sync.RWMutex
	sources []namedSource
	checks  []namedCheck
	timeout time.Duration
	logger  *slog.Logger
}

// NewReporter creates an empty reporter
func NewReporter(timeout time.Duration, logger *slog.Logger) *Reporter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Reporter{
		timeout: timeout,
		logger:  logger.With(slog.String("component", "health")),
	}
}

// Add registers a source under name
func (r *Reporter) Add(name string, source Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, namedSource{name: name, source: source})
}

// AddCheck registers a dependency check under name. A failing check marks the
// process unhealthy without affecting the running flag.
func (r *Reporter) AddCheck(name string, check CheckFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, namedCheck{name: name, check: check})
}

// Report snapshots every source and check. The process is healthy when every
// source is running, every depth lookup succeeded and every check passed.
func (r *Reporter) Report(ctx context.Context) Status {
	r.mu.RLock()
	sources := append([]namedSource(nil), r.sources...)
	checks := append([]namedCheck(nil), r.checks...)
	r.mu.RUnlock()

	status := Status{
		Healthy:    true,
		Running:    len(sources) > 0,
		Components: make(map[string]ComponentStatus, len(sources)),
	}

	totalDepth, depthKnown := 0, false
	for _, ns := range sources {
		component := r.snapshot(ctx, ns)

		status.Running = status.Running && component.Running
		status.Healthy = status.Healthy && component.Running && component.Error == ""
		status.ProcessingCount += component.ProcessingCount
		if component.QueueDepth != nil {
			totalDepth += *component.QueueDepth
			depthKnown = true
		}
		status.Components[ns.name] = component
	}

	for _, nc := range checks {
		component := r.runCheck(ctx, nc)
		status.Healthy = status.Healthy && component.Error == ""
		status.Components[nc.name] = component
	}

	status.Healthy = status.Healthy && status.Running
	if depthKnown {
		status.QueueDepth = &totalDepth
	}
	return status
}

func (r *Reporter) snapshot(ctx context.Context, ns namedSource) ComponentStatus {
	component := ComponentStatus{
		Running:         ns.source.Running(),
		ProcessingCount: ns.source.InFlight(),
	}

	depthCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	depth, err := ns.source.Depth(depthCtx)
	if err != nil {
		r.logger.Warn("Failed to read queue depth",
			slog.String("source", ns.name),
			slog.Any("error", err),
		)
		component.Error = err.Error()
		return component
	}
	component.QueueDepth = &depth
	return component
}

func (r *Reporter) runCheck(ctx context.Context, nc namedCheck) ComponentStatus {
	checkCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := nc.check(checkCtx); err != nil {
		r.logger.Warn("Dependency check failed",
			slog.String("check", nc.name),
			slog.Any("error", err),
		)
		return ComponentStatus{Error: err.Error()}
	}
	return ComponentStatus{Running: true}
}
