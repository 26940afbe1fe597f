package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wize-works/splits-network-sub004/internal/syncqueue/domain"
)

// DefaultScheduleInterval is how often recurring syncs are enqueued
const DefaultScheduleInterval = 5 * time.Minute

// IntegrationSource lists the integrations that should be synced periodically
type IntegrationSource interface {
	ListSyncEnabled(ctx context.Context) ([]domain.Integration, error)
}

// Enqueuer inserts an item unless one is already pending or processing for the same pair
type Enqueuer interface {
	EnqueueUnlessActive(ctx context.Context, item domain.NewItem) (bool, error)
}

// SchedulerConfig holds periodic scheduler configuration
type SchedulerConfig struct {
	Interval time.Duration
	// RunTimeout bounds a single scheduling pass
	RunTimeout time.Duration
}

// Scheduler enqueues one sync per integration and direction on a fixed interval.
// A single active instance is assumed.
type Scheduler struct {
	source   IntegrationSource
	enqueuer Enqueuer
	config   SchedulerConfig
	cron     *cron.Cron
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	ctx     context.Context
	entry   cron.EntryID
}

// NewScheduler creates a periodic sync scheduler
func NewScheduler(source IntegrationSource, enqueuer Enqueuer, config SchedulerConfig, logger *slog.Logger) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultScheduleInterval
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = config.Interval
	}

	logger = logger.With(slog.String("component", "sync-scheduler"))
	return &Scheduler{
		source:   source,
		enqueuer: enqueuer,
		config:   config,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger}))),
		logger:   logger,
	}
}

// Start registers the periodic pass and starts the cron runner. Passes stop
// being scheduled once ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.ctx = ctx
	if s.entry != 0 {
		s.cron.Remove(s.entry)
	}
	schedule := "@every " + s.config.Interval.String()
	entry, err := s.cron.AddFunc(schedule, s.tick)
	if err != nil {
		return fmt.Errorf("failed to schedule periodic syncs: %w", err)
	}
	s.entry = entry

	s.cron.Start()
	s.running = true
	s.logger.Info("Sync scheduler started",
		slog.Duration("interval", s.config.Interval),
	)
	return nil
}

// Stop stops the cron runner and waits for a running pass, bounded by ctx
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Sync scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Sync scheduler stop timed out")
		return fmt.Errorf("failed to stop sync scheduler: %w", ctx.Err())
	}
}

// Running reports whether the cron runner is active
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()

	if parent == nil || parent.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(parent, s.config.RunTimeout)
	defer cancel()

	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("Periodic sync scheduling failed",
			slog.Any("error", err),
		)
	}
}

// RunOnce enqueues a sync for every sync-enabled integration and direction that
// has no pending or processing item, and returns how many items it inserted.
// Failures on a single pair are logged and do not stop the pass.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()

	integrations, err := s.source.ListSyncEnabled(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list integrations: %w", err)
	}

	scheduled, skipped := 0, 0
	for _, integration := range integrations {
		payload, err := json.Marshal(syncPayload{Provider: integration.Provider, IntegrationID: integration.ID})
		if err != nil {
			return scheduled, fmt.Errorf("failed to marshal sync payload: %w", err)
		}

		for _, direction := range integration.Directions() {
			inserted, err := s.enqueuer.EnqueueUnlessActive(ctx, domain.NewItem{
				IntegrationID: integration.ID,
				EntityType:    integration.EntityType,
				Direction:     direction,
				Action:        domain.ActionSync,
				Priority:      domain.PriorityNormal,
				ScheduledAt:   time.Now().UTC(),
				Payload:       payload,
			})
			if err != nil {
				s.logger.Error("Failed to schedule sync",
					slog.String("integration_id", integration.ID),
					slog.String("direction", direction),
					slog.Any("error", err),
				)
				continue
			}
			if !inserted {
				skipped++
				continue
			}
			scheduled++
		}
	}

	s.logger.Info("Periodic syncs scheduled",
		slog.Int("integrations", len(integrations)),
		slog.Int("scheduled", scheduled),
		slog.Int("skipped", skipped),
		slog.Duration("duration", time.Since(start)),
	)
	return scheduled, nil
}

type syncPayload struct {
	Provider      string `json:"provider"`
	IntegrationID string `json:"integration_id"`
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{slog.Any("error", err)}, keysAndValues...)...)
}
