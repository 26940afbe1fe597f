package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wize-works/splits-network-sub004/internal/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() Config {
	return Config{
		Name:          "test",
		PollInterval:  5 * time.Millisecond,
		BatchSize:     10,
		MaxConcurrent: 5,
		BusyWait:      5 * time.Millisecond,
		DrainInterval: 5 * time.Millisecond,
	}
}

// sliceSource hands out items from a fixed backlog, like a pending table
type sliceSource struct {
	mu      sync.Mutex
	pending []int
	limits  []int
}

func (s *sliceSource) fetch(ctx context.Context, limit int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.limits = append(s.limits, limit)
	n := min(limit, len(s.pending))
	batch := append([]int(nil), s.pending[:n]...)
	s.pending = s.pending[n:]
	return batch, nil
}

func TestNew_Defaults(t *testing.T) {
	loop := New(Config{Name: "defaults"}, (&sliceSource{}).fetch, func(ctx context.Context, item int) {}, discardLogger())

	assert.Equal(t, DefaultPollInterval, loop.config.PollInterval)
	assert.Equal(t, DefaultBatchSize, loop.config.BatchSize)
	assert.Equal(t, DefaultMaxConcurrent, loop.config.MaxConcurrent)
	assert.Equal(t, DefaultBusyWait, loop.config.BusyWait)
	assert.Equal(t, DefaultDrainInterval, loop.config.DrainInterval)
	assert.False(t, loop.Running())
	assert.Zero(t, loop.InFlight())
}

func TestLoop_ProcessesEveryItem(t *testing.T) {
	source := &sliceSource{}
	for i := 0; i < 23; i++ {
		source.pending = append(source.pending, i)
	}

	var mu sync.Mutex
	seen := make(map[int]int)
	loop := New(fastConfig(), source.fetch, func(ctx context.Context, item int) {
		mu.Lock()
		seen[item]++
		mu.Unlock()
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 23
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, loop.Stop(context.Background()))
	require.NoError(t, <-done)

	for item, count := range seen {
		assert.Equal(t, 1, count, "item %d processed more than once", item)
	}
}

func TestLoop_FetchLimitRespectsConcurrency(t *testing.T) {
	source := &sliceSource{pending: []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}}

	config := fastConfig()
	config.BatchSize = 10
	config.MaxConcurrent = 3

	var current, peak atomic.Int64
	loop := New(config, source.fetch, func(ctx context.Context, item int) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		current.Add(-1)
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	require.Eventually(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return len(source.pending) == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, loop.Stop(context.Background()))

	assert.LessOrEqual(t, peak.Load(), int64(3))
	source.mu.Lock()
	defer source.mu.Unlock()
	for _, limit := range source.limits {
		assert.LessOrEqual(t, limit, 3)
	}
}

func TestLoop_FailingItemDoesNotAbortSiblings(t *testing.T) {
	source := &sliceSource{pending: []int{1, 2, 3, 4}}

	var processed atomic.Int64
	loop := New(fastConfig(), source.fetch, func(ctx context.Context, item int) {
		if item == 2 {
			panic("item 2 exploded")
		}
		processed.Add(1)
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	require.Eventually(t, func() bool { return processed.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, loop.Stop(context.Background()))
	assert.Zero(t, loop.InFlight())
}

func TestLoop_StopDrainsInFlight(t *testing.T) {
	source := &sliceSource{pending: []int{1, 2, 3}}

	release := make(chan struct{})
	var started, finished atomic.Int64
	loop := New(fastConfig(), source.fetch, func(ctx context.Context, item int) {
		started.Add(1)
		<-release
		finished.Add(1)
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	require.Eventually(t, func() bool { return started.Load() == 3 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 3, loop.InFlight())

	stopped := make(chan error, 1)
	go func() { stopped <- loop.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while items were in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)
	assert.Equal(t, int64(3), finished.Load())
	assert.Zero(t, loop.InFlight())
	assert.False(t, loop.Running())
}

func TestLoop_StopTimeout(t *testing.T) {
	source := &sliceSource{pending: []int{1}}

	release := make(chan struct{})
	defer close(release)
	loop := New(fastConfig(), source.fetch, func(ctx context.Context, item int) {
		<-release
	}, discardLogger())

	go func() { _ = loop.Run(context.Background()) }()
	require.Eventually(t, func() bool { return loop.InFlight() == 1 }, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := loop.Stop(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoop_HandlersSurviveContextCancel(t *testing.T) {
	source := &sliceSource{pending: []int{1}}

	release := make(chan struct{})
	handlerErr := make(chan error, 1)
	loop := New(fastConfig(), source.fetch, func(ctx context.Context, item int) {
		<-release
		handlerErr <- ctx.Err()
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool { return loop.InFlight() == 1 }, 2*time.Second, time.Millisecond)
	cancel()
	close(release)

	assert.NoError(t, <-handlerErr)
	assert.NoError(t, <-done)
}

func TestLoop_RunTwice(t *testing.T) {
	loop := New(fastConfig(), (&sliceSource{}).fetch, func(ctx context.Context, item int) {}, discardLogger())

	go func() { _ = loop.Run(context.Background()) }()
	require.Eventually(t, loop.Running, time.Second, time.Millisecond)

	err := loop.Run(context.Background())
	assert.ErrorIs(t, err, queue.ErrAlreadyRunning)

	require.NoError(t, loop.Stop(context.Background()))
}

func TestLoop_StopWaitsForClaimInProgress(t *testing.T) {
	fetching := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64
	fetch := func(ctx context.Context, limit int) ([]int, error) {
		if calls.Add(1) > 1 {
			return nil, nil
		}
		close(fetching)
		<-release
		return []int{1}, nil
	}

	var processed atomic.Int64
	loop := New(fastConfig(), fetch, func(ctx context.Context, item int) {
		time.Sleep(10 * time.Millisecond)
		processed.Add(1)
	}, discardLogger())

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()
	<-fetching

	stopped := make(chan error, 1)
	go func() { stopped <- loop.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a claim was in progress")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)
	assert.Equal(t, int64(1), processed.Load())
	assert.Zero(t, loop.InFlight())
	require.NoError(t, <-done)
}
