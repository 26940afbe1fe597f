package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wize-works/splits-network-sub004/internal/queue"
)

// spawnWorkerPool starts n goroutines draining jobs until it is closed
func (q *Queue) spawnWorkerPool(ctx context.Context, wg *sync.WaitGroup, n int, jobs <-chan delivery, processor queue.Processor) {
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(workerNum int) {
			defer wg.Done()

			logger := q.logger.With(slog.Int("worker_num", workerNum))
			for d := range jobs {
				q.handle(ctx, logger, d, processor)
			}
		}(i)
	}

	q.logger.Debug("Worker pool spawned",
		slog.Int("worker_count", n),
	)
}

func (q *Queue) handle(ctx context.Context, logger *slog.Logger, d delivery, processor queue.Processor) {
	q.inFlight.Add(1)
	defer q.inFlight.Add(-1)

	logger = logger.With(
		slog.String("job_id", d.job.ID),
		slog.String("job_name", d.job.JobName),
		slog.Int("attempts", d.job.Attempts),
	)
	logger.Debug("Processing job")

	if _, err := queue.Execute(ctx, processor, d.job); err != nil {
		q.handleFailure(ctx, logger, d, err)
		return
	}

	if err := d.raw.Ack(false); err != nil {
		logger.Error("Failed to ACK message",
			slog.Any("error", err),
		)
		return
	}

	q.config.Observer.JobSucceeded(q.client.QueueName(), d.job.JobName)
	logger.Info("Job completed successfully")
}

// handleFailure either schedules a retry as a new delayed message or routes the
// job to the dead letter exchange. The original delivery is acked only after
// its replacement was published, so a publish failure requeues it instead.
func (q *Queue) handleFailure(ctx context.Context, logger *slog.Logger, d delivery, cause error) {
	job := *d.job
	job.Attempts++
	job.LastError = queue.TruncateReason(queue.FailureReason(cause))

	if !queue.Exhausted(job.Attempts, q.config.MaxRetries) {
		delay := q.backoff.Delay(job.Attempts)
		at := time.Now().UTC().Add(delay)
		job.ID = uuid.NewString()
		job.ScheduledFor = &at

		if err := q.publish(ctx, &job, delay); err != nil {
			logger.Error("Failed to publish retry, requeueing original",
				slog.Any("error", err),
			)
			q.nack(logger, d, true)
			return
		}

		q.ack(logger, d)
		q.config.Observer.JobRetried(q.client.QueueName(), job.JobName)
		logger.Warn("Job failed, retry scheduled",
			slog.String("retry_job_id", job.ID),
			slog.Int("attempt", job.Attempts),
			slog.Duration("delay", delay),
			slog.String("error", job.LastError),
		)
		return
	}

	msg, err := publishing(&job)
	if err == nil {
		err = q.client.PublishDead(ctx, msg)
	}
	if err != nil {
		// the broker's own DLX routing still moves it, with the previous attempt count
		logger.Error("Failed to publish dead letter, rejecting original",
			slog.Any("error", err),
		)
		q.nack(logger, d, false)
	} else {
		q.ack(logger, d)
	}

	q.config.Observer.JobDeadLettered(q.client.QueueName(), job.JobName)
	logger.Error("Job exhausted retries, moved to dead letter queue",
		slog.Int("attempt", job.Attempts),
		slog.Int("max_retries", q.config.MaxRetries),
		slog.Any("error", fmt.Errorf("%w: %s", queue.ErrExhaustedRetries, job.LastError)),
	)
}

func (q *Queue) ack(logger *slog.Logger, d delivery) {
	if err := d.raw.Ack(false); err != nil {
		logger.Error("Failed to ACK message",
			slog.Any("error", err),
		)
	}
}

func (q *Queue) nack(logger *slog.Logger, d delivery, requeue bool) {
	if err := d.raw.Nack(false, requeue); err != nil {
		logger.Error("Failed to NACK message",
			slog.Bool("requeue", requeue),
			slog.Any("error", err),
		)
	}
}
