package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wize-works/splits-network-sub004/internal/queue"
)

const archiveRetryWait = time.Second

// Archive moves messages from the dead letter queue into the dead letter
// store until ctx is cancelled. A message is acked only once it is stored.
func (q *Queue) Archive(ctx context.Context) error {
	tag := fmt.Sprintf("%s-archiver-%s", q.config.ConsumerTag, uuid.NewString()[:8])
	deliveries, err := q.client.Consume(ctx, q.client.DeadQueueName(), tag, 10)
	if err != nil {
		return mapClientErr(err)
	}

	logger := q.logger.With(slog.String("dead_queue", q.client.DeadQueueName()))
	logger.Info("Dead letter archiver started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Dead letter archiver stopped")
			return nil

		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					logger.Info("Dead letter archiver stopped")
					return nil
				}
				return fmt.Errorf("dead letter channel closed by broker: %w", queue.ErrNotConnected)
			}

			dl := toDeadLetter(d, q.client.QueueName())
			if err := q.store.Save(ctx, dl); err != nil {
				logger.Error("Failed to archive dead letter",
					slog.String("job_id", dl.ID),
					slog.Any("error", err),
				)
				// back off before putting it back so a failing store does not spin
				select {
				case <-ctx.Done():
				case <-time.After(archiveRetryWait):
				}
				if nackErr := d.Nack(false, true); nackErr != nil {
					logger.Error("Failed to NACK dead letter",
						slog.Any("error", nackErr),
					)
				}
				continue
			}

			if err := d.Ack(false); err != nil {
				logger.Error("Failed to ACK dead letter",
					slog.String("job_id", dl.ID),
					slog.Any("error", err),
				)
				continue
			}

			logger.Info("Dead letter archived",
				slog.String("job_id", dl.ID),
				slog.String("job_name", dl.JobName),
				slog.String("reason", dl.Reason),
			)
		}
	}
}

// toDeadLetter decodes a dead-lettered message, keeping undecodable bodies
// so operators can still see them.
func toDeadLetter(d amqp.Delivery, sourceQueue string) *queue.DeadLetter {
	now := time.Now().UTC()

	job, err := queue.UnmarshalJob(d.Body)
	if err != nil {
		id := d.MessageId
		if id == "" {
			id = uuid.NewString()
		}
		jobName := d.Type
		if jobName == "" {
			jobName = "unknown"
		}
		payload := json.RawMessage(d.Body)
		if !json.Valid(d.Body) {
			payload, _ = json.Marshal(string(d.Body))
		}
		created := d.Timestamp
		if created.IsZero() {
			created = now
		}

		return &queue.DeadLetter{
			Job:         queue.Job{ID: id, JobName: jobName, Payload: payload, CreatedAt: created},
			Reason:      queue.TruncateReason(fmt.Sprintf("malformed message: %v", err)),
			SourceQueue: sourceQueue,
			FailedAt:    now,
		}
	}

	reason := job.LastError
	if r, ok := d.Headers[headerFailureReason].(string); ok && r != "" {
		reason = r
	}
	if reason == "" {
		if r, ok := d.Headers["x-first-death-reason"].(string); ok {
			reason = "dead-lettered by broker: " + r
		} else {
			reason = "dead-lettered by broker"
		}
	}

	return &queue.DeadLetter{
		Job:         *job,
		Reason:      queue.TruncateReason(reason),
		SourceQueue: sourceQueue,
		FailedAt:    now,
	}
}
