package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job is the message travelling through a queue backend.
// Attempts travels with the message body, not with broker delivery metadata.
type Job struct {
	ID           string          `json:"id"`
	JobName      string          `json:"job_name"`
	Payload      json.RawMessage `json:"payload"`
	Attempts     int             `json:"attempts"`
	Priority     uint8           `json:"priority,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
}

// Result is what a Processor reports for a single job
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// EnqueueOptions tune a single enqueue call
type EnqueueOptions struct {
	Delay    time.Duration
	Priority uint8
}

// ConsumeOptions tune a consumer
type ConsumeOptions struct {
	Concurrency int
}

// NewJob builds a fresh job with a new id and zero attempts.
// data may be a json.RawMessage, []byte holding JSON, or any value json.Marshal accepts.
func NewJob(jobName string, data any, opts EnqueueOptions) (*Job, error) {
	if jobName == "" {
		return nil, fmt.Errorf("job name is required")
	}

	payload, err := encodePayload(data)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.New().String(),
		JobName:   jobName,
		Payload:   payload,
		Priority:  opts.Priority,
		CreatedAt: now,
	}
	if opts.Delay > 0 {
		at := now.Add(opts.Delay)
		job.ScheduledFor = &at
	}

	return job, nil
}

// Decode unmarshals the payload into v
func (j *Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s has an empty payload", j.ID)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("failed to decode payload of job %s: %w", j.ID, err)
	}
	return nil
}

// Marshal encodes the job as a message body
func (j *Job) Marshal() ([]byte, error) {
	body, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return body, nil
}

// UnmarshalJob decodes a message body into a job and checks the required fields
func UnmarshalJob(body []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if job.ID == "" || job.JobName == "" {
		return nil, fmt.Errorf("%w: missing id or job_name", ErrInvalidMessage)
	}
	return &job, nil
}

func encodePayload(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return json.RawMessage(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		return raw, nil
	}
}
