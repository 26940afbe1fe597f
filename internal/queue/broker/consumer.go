package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wize-works/splits-network-sub004/internal/queue"
)

type delivery struct {
	raw amqp.Delivery
	job *queue.Job
}

// Consume processes deliveries with opts.Concurrency workers until ctx is
// cancelled or Close is called, then waits for in-flight jobs to settle.
func (q *Queue) Consume(ctx context.Context, processor queue.Processor, opts queue.ConsumeOptions) error {
	if q.closed.Load() {
		return queue.ErrNotConnected
	}
	if !q.running.CompareAndSwap(false, true) {
		return queue.ErrAlreadyRunning
	}
	defer q.running.Store(false)

	concurrency := max(opts.Concurrency, 1)

	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	q.mu.Lock()
	q.cancel = cancel
	q.mu.Unlock()

	tag := fmt.Sprintf("%s-%s", q.config.ConsumerTag, uuid.NewString()[:8])
	deliveries, err := q.client.Consume(consumeCtx, q.client.QueueName(), tag, concurrency)
	if err != nil {
		return mapClientErr(err)
	}

	q.logger.Info("Consumer started",
		slog.String("consumer_tag", tag),
		slog.Int("concurrency", concurrency),
		slog.Int("max_retries", q.config.MaxRetries),
	)

	// handlers finish even after ctx is cancelled so their deliveries get settled
	handleCtx := context.WithoutCancel(ctx)
	jobs := make(chan delivery)

	var wg sync.WaitGroup
	q.spawnWorkerPool(handleCtx, &wg, concurrency, jobs, processor)

	brokerClosed := q.dispatch(consumeCtx, deliveries, jobs)
	close(jobs)

	if !brokerClosed {
		// consumer may already be gone if the channel was closed
		_ = q.client.Cancel(tag)
	}

	q.logger.Info("Waiting for in-flight jobs",
		slog.Int("in_flight", q.InFlight()),
	)
	wg.Wait()

	q.logger.Info("Consumer stopped",
		slog.String("consumer_tag", tag),
	)

	if brokerClosed && consumeCtx.Err() == nil {
		return fmt.Errorf("delivery channel closed by broker: %w", queue.ErrNotConnected)
	}
	return nil
}

// dispatch decodes deliveries and hands them to the worker pool. It reports
// whether it stopped because the broker closed the delivery channel.
func (q *Queue) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery, jobs chan<- delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return false

		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() == nil {
					q.logger.Warn("RabbitMQ delivery channel closed")
				}
				return true
			}

			job, err := queue.UnmarshalJob(d.Body)
			if err != nil {
				q.logger.Error("Failed to decode job message",
					slog.String("message_id", d.MessageId),
					slog.Any("error", err),
				)
				// broker dead-letters it via the queue's DLX arguments
				if nackErr := d.Nack(false, false); nackErr != nil {
					q.logger.Error("Failed to NACK malformed message",
						slog.Any("error", nackErr),
					)
				}
				continue
			}

			select {
			case jobs <- delivery{raw: d, job: job}:
			case <-ctx.Done():
				if nackErr := d.Nack(false, true); nackErr != nil {
					q.logger.Error("Failed to NACK message on shutdown",
						slog.String("job_id", job.ID),
						slog.Any("error", nackErr),
					)
				}
				return false
			}
		}
	}
}
