// Package broker implements queue.Queue on top of RabbitMQ.
//
// Delayed delivery uses per-delay TTL queues that expire into the live
// exchange. Retries are published as new messages carrying the attempt count
// in the body. Terminal failures are routed to the dead letter exchange and
// archived into a queue.DeadLetterStore by Archive, which is what
// FailedJobs and RetryFailedJob read from.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wize-works/splits-network-sub004/internal/backoff"
	"github.com/wize-works/splits-network-sub004/internal/queue"
	"github.com/wize-works/splits-network-sub004/shared/rabbitmq"
)

const (
	// DefaultMaxRetries is the number of retries after the first attempt
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the backoff base
	DefaultRetryDelay = 5 * time.Second
	// DefaultMaxRetryDelay caps the backoff
	DefaultMaxRetryDelay = time.Hour

	headerFailureReason = "x-failure-reason"
	headerAttempts      = "x-attempts"
)

// Config tunes retry behaviour of a broker queue
type Config struct {
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	ConsumerTag   string
	Observer      queue.Observer
}

// Queue is the RabbitMQ realization of queue.Queue
type Queue struct {
	client  *rabbitmq.Client
	store   queue.DeadLetterStore
	config  Config
	backoff backoff.Policy
	logger  *slog.Logger

	running  atomic.Bool
	inFlight atomic.Int64
	closed   atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

var _ queue.Queue = (*Queue)(nil)

// Connect dials RabbitMQ, declares the topology and returns a ready queue.
// Failures are reported as *queue.ConnectionError.
func Connect(rabbitConfig *rabbitmq.Config, store queue.DeadLetterStore, config Config, logger *slog.Logger) (*Queue, error) {
	client, err := rabbitmq.NewClient(rabbitConfig, logger)
	if err != nil {
		return nil, &queue.ConnectionError{Backend: "rabbitmq", Err: err}
	}
	return New(client, store, config, logger), nil
}

// New wraps an already connected client
func New(client *rabbitmq.Client, store queue.DeadLetterStore, config Config, logger *slog.Logger) *Queue {
	if config.MaxRetries < 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	if config.MaxRetryDelay <= 0 {
		config.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if config.ConsumerTag == "" {
		config.ConsumerTag = client.QueueName() + "-consumer"
	}
	if config.Observer == nil {
		config.Observer = queue.NopObserver{}
	}

	return &Queue{
		client:  client,
		store:   store,
		config:  config,
		backoff: backoff.Policy{Base: config.RetryDelay, Max: config.MaxRetryDelay},
		logger: logger.With(
			slog.String("component", "broker-queue"),
			slog.String("queue", client.QueueName()),
		),
	}
}

// Enqueue publishes a new job. With a delay the job waits in a TTL queue first.
func (q *Queue) Enqueue(ctx context.Context, jobName string, data any, opts queue.EnqueueOptions) (string, error) {
	if q.closed.Load() {
		return "", queue.ErrNotConnected
	}

	job, err := queue.NewJob(jobName, data, opts)
	if err != nil {
		return "", fmt.Errorf("failed to build job: %w", err)
	}

	if err := q.publish(ctx, job, opts.Delay); err != nil {
		return "", err
	}

	q.logger.Info("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("job_name", job.JobName),
		slog.Duration("delay", opts.Delay),
	)
	return job.ID, nil
}

func (q *Queue) publish(ctx context.Context, job *queue.Job, delay time.Duration) error {
	msg, err := publishing(job)
	if err != nil {
		return err
	}

	if err := q.client.PublishDelayed(ctx, delay, msg); err != nil {
		return mapClientErr(err)
	}
	return nil
}

func publishing(job *queue.Job) (amqp.Publishing, error) {
	body, err := job.Marshal()
	if err != nil {
		return amqp.Publishing{}, err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Type:         job.JobName,
		Priority:     job.Priority,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{headerAttempts: int32(job.Attempts)},
		Body:         body,
	}
	if job.LastError != "" {
		msg.Headers[headerFailureReason] = job.LastError
	}
	return msg, nil
}

func mapClientErr(err error) error {
	if errors.Is(err, rabbitmq.ErrNotConnected) {
		return queue.ErrNotConnected
	}
	return err
}

// FailedJobs lists archived dead letters, newest first. It never touches the broker.
func (q *Queue) FailedJobs(ctx context.Context, limit int) ([]queue.Job, error) {
	letters, err := q.store.List(ctx, q.client.QueueName(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	jobs := make([]queue.Job, 0, len(letters))
	for _, dl := range letters {
		job := dl.Job
		job.LastError = dl.Reason
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RetryFailedJob re-enqueues a dead letter with zero attempts and no delay,
// removing it from the store once the broker accepted the new message.
func (q *Queue) RetryFailedJob(ctx context.Context, id string) (string, error) {
	if q.closed.Load() {
		return "", queue.ErrNotConnected
	}

	var newID string
	err := q.store.Take(ctx, q.client.QueueName(), id, func(dl *queue.DeadLetter) error {
		job, err := queue.NewJob(dl.JobName, dl.Payload, queue.EnqueueOptions{Priority: dl.Priority})
		if err != nil {
			return err
		}
		if err := q.publish(ctx, job, 0); err != nil {
			return err
		}
		newID = job.ID
		return nil
	})
	if err != nil {
		return "", err
	}

	q.logger.Info("Dead letter replayed",
		slog.String("job_id", id),
		slog.String("new_job_id", newID),
	)
	return newID, nil
}

// Running reports whether Consume is active
func (q *Queue) Running() bool {
	return q.running.Load()
}

// InFlight returns the number of deliveries being processed
func (q *Queue) InFlight() int {
	return int(q.inFlight.Load())
}

// Depth returns the number of ready messages in the work queue
func (q *Queue) Depth(ctx context.Context) (int, error) {
	depth, err := q.client.QueueDepth(ctx)
	if err != nil {
		return 0, mapClientErr(err)
	}
	return depth, nil
}

// Ping reports ErrNotConnected once the broker channel has gone away
func (q *Queue) Ping(_ context.Context) error {
	if !q.client.IsConnected() {
		return queue.ErrNotConnected
	}
	return nil
}

// Close stops consumption and releases the broker connection. It is safe to call twice.
func (q *Queue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}

	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Unlock()

	return q.client.Close()
}
