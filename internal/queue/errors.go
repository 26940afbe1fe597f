package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection marks a backend that could not be reached at startup
	ErrConnection = errors.New("queue backend unreachable")

	// ErrNotConnected is returned when a backend is used before connecting or after closing
	ErrNotConnected = errors.New("queue backend not connected")

	// ErrAlreadyRunning is returned when Consume is called on a queue that is already consuming
	ErrAlreadyRunning = errors.New("consumer already running")

	// ErrExhaustedRetries marks a job that was moved to the dead letter store
	ErrExhaustedRetries = errors.New("retries exhausted")

	// ErrNotFound is returned when a replay targets an id absent from the dead letter store
	ErrNotFound = errors.New("not found")

	// ErrInvalidMessage is returned when a message body cannot be decoded into a job
	ErrInvalidMessage = errors.New("invalid job message")
)

// ConnectionError wraps the cause of a failed backend connection
type ConnectionError struct {
	Backend string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Backend, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is reports ConnectionError as ErrConnection
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

// ProcessingError describes a single failed processing attempt
type ProcessingError struct {
	JobID   string
	Attempt int
	Err     error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("job %s failed on attempt %d: %v", e.JobID, e.Attempt, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}
