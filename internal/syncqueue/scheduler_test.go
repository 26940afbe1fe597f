package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wize-works/splits-network-sub004/internal/syncqueue/domain"
)

type staticSource struct {
	integrations []domain.Integration
	err          error
	calls        atomic.Int32
}

func (s *staticSource) ListSyncEnabled(context.Context) ([]domain.Integration, error) {
	s.calls.Add(1)
	return s.integrations, s.err
}

// activeEnqueuer suppresses items for pairs that already have an active row
type activeEnqueuer struct {
	mu       sync.Mutex
	active   map[string]bool
	inserted []domain.NewItem
	failFor  string
}

func newActiveEnqueuer() *activeEnqueuer {
	return &activeEnqueuer{active: make(map[string]bool)}
}

func (e *activeEnqueuer) EnqueueUnlessActive(_ context.Context, item domain.NewItem) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if item.IntegrationID == e.failFor {
		return false, errors.New("insert failed")
	}
	key := item.IntegrationID + "/" + item.Direction
	if e.active[key] {
		return false, nil
	}
	e.active[key] = true
	e.inserted = append(e.inserted, item)
	return true, nil
}

func TestScheduler_RunOnce(t *testing.T) {
	source := &staticSource{integrations: []domain.Integration{
		{ID: "int-1", Provider: "greenhouse", Direction: domain.DirectionBidirectional, EntityType: "all"},
		{ID: "int-2", Provider: "lever", Direction: domain.DirectionInbound, EntityType: "candidates"},
	}}
	enqueuer := newActiveEnqueuer()
	s := NewScheduler(source, enqueuer, SchedulerConfig{}, discardLogger())

	scheduled, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, scheduled)

	require.Len(t, enqueuer.inserted, 3)
	first := enqueuer.inserted[0]
	assert.Equal(t, "int-1", first.IntegrationID)
	assert.Equal(t, domain.DirectionInbound, first.Direction)
	assert.Equal(t, domain.PriorityNormal, first.Priority)
	assert.Equal(t, domain.ActionSync, first.Action)
	assert.False(t, first.ScheduledAt.IsZero())
	assert.Equal(t, domain.DirectionOutbound, enqueuer.inserted[1].Direction)
	assert.Equal(t, "candidates", enqueuer.inserted[2].EntityType)

	var payload domain.Payload
	require.NoError(t, json.Unmarshal(first.Payload, &payload))
	assert.Equal(t, "greenhouse", payload.Provider)
}

func TestScheduler_SkipsActivePairs(t *testing.T) {
	source := &staticSource{integrations: []domain.Integration{
		{ID: "int-1", Provider: "greenhouse", Direction: domain.DirectionOutbound},
	}}
	enqueuer := newActiveEnqueuer()
	s := NewScheduler(source, enqueuer, SchedulerConfig{}, discardLogger())

	first, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	second, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, first)
	assert.Equal(t, 0, second)
	assert.Len(t, enqueuer.inserted, 1)
}

func TestScheduler_PairFailureDoesNotStopPass(t *testing.T) {
	source := &staticSource{integrations: []domain.Integration{
		{ID: "broken", Provider: "greenhouse", Direction: domain.DirectionInbound},
		{ID: "int-2", Provider: "lever", Direction: domain.DirectionInbound},
	}}
	enqueuer := newActiveEnqueuer()
	enqueuer.failFor = "broken"
	s := NewScheduler(source, enqueuer, SchedulerConfig{}, discardLogger())

	scheduled, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, scheduled)
}

func TestScheduler_SourceError(t *testing.T) {
	source := &staticSource{err: errors.New("integrations table missing")}
	s := NewScheduler(source, newActiveEnqueuer(), SchedulerConfig{}, discardLogger())

	_, err := s.RunOnce(context.Background())
	assert.ErrorContains(t, err, "failed to list integrations")
}

func TestScheduler_StartStop(t *testing.T) {
	source := &staticSource{integrations: []domain.Integration{
		{ID: "int-1", Provider: "greenhouse", Direction: domain.DirectionInbound},
	}}
	s := NewScheduler(source, newActiveEnqueuer(), SchedulerConfig{Interval: time.Second}, discardLogger())
	assert.Equal(t, DefaultScheduleInterval, NewScheduler(source, nil, SchedulerConfig{}, discardLogger()).config.Interval)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Running())

	require.Eventually(t, func() bool {
		return source.calls.Load() >= 1
	}, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.Running())
	require.NoError(t, s.Stop(ctx))
}

func TestScheduler_CancelledContextSkipsPass(t *testing.T) {
	source := &staticSource{}
	s := NewScheduler(source, newActiveEnqueuer(), SchedulerConfig{}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.ctx = ctx
	s.tick()

	assert.Equal(t, int32(0), source.calls.Load())
}
