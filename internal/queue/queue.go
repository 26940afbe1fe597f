// Package queue defines the at-least-once job queue contract shared by the
// broker-backed and table-backed backends.
//
// Producers call Enqueue. A single consumer per Queue instance calls Consume,
// which blocks until its context is cancelled. Jobs whose processor fails are
// retried with exponential backoff until their retries are exhausted, then
// moved to a dead letter store from which operators list and replay them.
// Consumers must tolerate duplicate deliveries.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Processor handles one job. A returned error is treated exactly like
// Result{Success: false} with the error text as the failure reason.
type Processor func(ctx context.Context, job *Job) (Result, error)

// Queue is implemented by every queue backend.
type Queue interface {
	Enqueue(ctx context.Context, jobName string, data any, opts EnqueueOptions) (string, error)
	Consume(ctx context.Context, processor Processor, opts ConsumeOptions) error
	FailedJobs(ctx context.Context, limit int) ([]Job, error)
	RetryFailedJob(ctx context.Context, id string) (string, error)

	Running() bool
	InFlight() int
	Depth(ctx context.Context) (int, error)
	Close() error
}

// DeadLetter is a job that exhausted its retries
type DeadLetter struct {
	Job
	Reason      string    `json:"reason"`
	SourceQueue string    `json:"source_queue"`
	FailedAt    time.Time `json:"failed_at"`
}

// DeadLetterStore keeps terminally failed jobs for inspection and replay.
type DeadLetterStore interface {
	Save(ctx context.Context, dl *DeadLetter) error
	List(ctx context.Context, sourceQueue string, limit int) ([]DeadLetter, error)
	// Take removes the dead letter with the given job id if fn succeeds.
	// It returns ErrNotFound when no such dead letter exists.
	Take(ctx context.Context, sourceQueue, id string, fn func(*DeadLetter) error) error
}

// Execute runs the processor for job and folds every failure mode (error,
// unsuccessful result, panic) into a *ProcessingError.
func Execute(ctx context.Context, processor Processor, job *Job) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{}
			err = &ProcessingError{JobID: job.ID, Attempt: job.Attempts + 1, Err: fmt.Errorf("processor panic: %v", r)}
		}
	}()

	res, err = processor(ctx, job)
	if err != nil {
		return res, &ProcessingError{JobID: job.ID, Attempt: job.Attempts + 1, Err: err}
	}

	if !res.Success {
		reason := res.Error
		if reason == "" {
			reason = "processor reported failure"
		}
		return res, &ProcessingError{JobID: job.ID, Attempt: job.Attempts + 1, Err: errors.New(reason)}
	}

	return res, nil
}

// FailureReason extracts the message an operator should see for a failed attempt
func FailureReason(err error) string {
	var perr *ProcessingError
	if errors.As(err, &perr) {
		return perr.Err.Error()
	}
	return err.Error()
}

// TruncateReason bounds failure messages before they are persisted
func TruncateReason(msg string) string {
	if len(msg) > 500 {
		return msg[:500]
	}
	return msg
}

// Exhausted reports whether a job that has failed attempts times must be
// dead-lettered. maxRetries counts the retries allowed after the first attempt.
func Exhausted(attempts, maxRetries int) bool {
	return attempts > maxRetries
}

// Observer is notified of job outcomes, typically to feed metrics
type Observer interface {
	JobSucceeded(source, jobName string)
	JobRetried(source, jobName string)
	JobDeadLettered(source, jobName string)
}

// NopObserver discards every notification
type NopObserver struct{}

func (NopObserver) JobSucceeded(string, string)    {}
func (NopObserver) JobRetried(string, string)      {}
func (NopObserver) JobDeadLettered(string, string) {}
