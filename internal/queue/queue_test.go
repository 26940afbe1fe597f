package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewJob(t *testing.T) {
	tests := []struct {
		name        string
		jobName     string
		data        any
		opts        EnqueueOptions
		wantErr     bool
		wantPayload string
		wantDelayed bool
	}{
		{
			name:        "struct payload",
			jobName:     "sync",
			data:        map[string]int{"x": 1},
			wantPayload: `{"x":1}`,
		},
		{
			name:        "raw payload",
			jobName:     "sync",
			data:        json.RawMessage(`{"a":"b"}`),
			wantPayload: `{"a":"b"}`,
		},
		{
			name:        "nil payload becomes empty object",
			jobName:     "sync",
			data:        nil,
			wantPayload: `{}`,
		},
		{
			name:        "delayed job has scheduled_for",
			jobName:     "sync",
			data:        map[string]int{"x": 1},
			opts:        EnqueueOptions{Delay: time.Minute},
			wantPayload: `{"x":1}`,
			wantDelayed: true,
		},
		{
			name:    "missing job name",
			jobName: "",
			data:    map[string]int{"x": 1},
			wantErr: true,
		},
		{
			name:    "invalid raw json",
			jobName: "sync",
			data:    []byte(`{not json`),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := NewJob(tt.jobName, tt.data, tt.opts)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, job)
				return
			}

			require.NoError(t, err)
			assert.NotEmpty(t, job.ID)
			assert.Equal(t, tt.jobName, job.JobName)
			assert.Equal(t, 0, job.Attempts)
			assert.JSONEq(t, tt.wantPayload, string(job.Payload))
			assert.False(t, job.CreatedAt.IsZero())
			if tt.wantDelayed {
				require.NotNil(t, job.ScheduledFor)
				assert.True(t, job.ScheduledFor.After(job.CreatedAt))
			} else {
				assert.Nil(t, job.ScheduledFor)
			}
		})
	}
}

func TestNewJob_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		job, err := NewJob("sync", nil, EnqueueOptions{})
		require.NoError(t, err)
		assert.False(t, seen[job.ID])
		seen[job.ID] = true
	}
}

func TestUnmarshalJob(t *testing.T) {
	job, err := NewJob("sync", map[string]int{"x": 1}, EnqueueOptions{})
	require.NoError(t, err)
	job.Attempts = 2

	body, err := job.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalJob(body)
	require.NoError(t, err)
	assert.Equal(t, job.ID, decoded.ID)
	assert.Equal(t, 2, decoded.Attempts)

	var payload struct {
		X int `json:"x"`
	}
	require.NoError(t, decoded.Decode(&payload))
	assert.Equal(t, 1, payload.X)

	_, err = UnmarshalJob([]byte(`garbage`))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = UnmarshalJob([]byte(`{"id":"abc"}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestExecute(t *testing.T) {
	job := &Job{ID: "job-1", JobName: "sync", Attempts: 1}

	tests := []struct {
		name       string
		processor  Processor
		wantErr    bool
		wantReason string
	}{
		{
			name: "success",
			processor: func(ctx context.Context, job *Job) (Result, error) {
				return Result{Success: true}, nil
			},
		},
		{
			name: "explicit failure",
			processor: func(ctx context.Context, job *Job) (Result, error) {
				return Result{Success: false, Error: "remote said no"}, nil
			},
			wantErr:    true,
			wantReason: "remote said no",
		},
		{
			name: "failure without message",
			processor: func(ctx context.Context, job *Job) (Result, error) {
				return Result{}, nil
			},
			wantErr:    true,
			wantReason: "processor reported failure",
		},
		{
			name: "returned error",
			processor: func(ctx context.Context, job *Job) (Result, error) {
				return Result{Success: true}, errors.New("boom")
			},
			wantErr:    true,
			wantReason: "boom",
		},
		{
			name: "panic",
			processor: func(ctx context.Context, job *Job) (Result, error) {
				panic("kaboom")
			},
			wantErr:    true,
			wantReason: "processor panic: kaboom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Execute(context.Background(), tt.processor, job)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}

			require.Error(t, err)
			var perr *ProcessingError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, "job-1", perr.JobID)
			assert.Equal(t, 2, perr.Attempt)
			assert.Equal(t, tt.wantReason, FailureReason(err))
		})
	}
}

func TestConnectionError(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := error(&ConnectionError{Backend: "rabbitmq", Err: cause})

	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "rabbitmq")
}

func TestTruncateReason(t *testing.T) {
	assert.Equal(t, "short", TruncateReason("short"))
	assert.Len(t, TruncateReason(strings.Repeat("x", 900)), 500)
}

func TestRegistry_Process(t *testing.T) {
	registry := NewRegistry(discardLogger())

	var called int
	registry.Register("sync", func(ctx context.Context, job *Job) error {
		called++
		return nil
	})
	registry.Register("broken", func(ctx context.Context, job *Job) error {
		return errors.New("handler failed")
	})

	res, err := registry.Process(context.Background(), &Job{ID: "1", JobName: "sync"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, called)

	res, err = registry.Process(context.Background(), &Job{ID: "2", JobName: "broken"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "handler failed", res.Error)

	res, err = registry.Process(context.Background(), &Job{ID: "3", JobName: "unknown"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no handler registered")

	assert.ElementsMatch(t, []string{"sync", "broken"}, registry.Names())
}

func TestExhausted(t *testing.T) {
	tests := []struct {
		attempts   int
		maxRetries int
		want       bool
	}{
		{attempts: 1, maxRetries: 2, want: false},
		{attempts: 2, maxRetries: 2, want: false},
		{attempts: 3, maxRetries: 2, want: true},
		{attempts: 1, maxRetries: 0, want: true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Exhausted(tt.attempts, tt.maxRetries), "attempts=%d max_retries=%d", tt.attempts, tt.maxRetries)
	}
}
