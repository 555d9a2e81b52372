package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/dealer-jobs/internal/worker/domain"
)

// Source hands out broker deliveries for a queue. Canceling ctx stops the
// consumer and eventually closes the returned channel.
type Source interface {
	Consume(ctx context.Context, queueName, consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
}

// setupConsumer registers a manual-ack consumer with prefetch equal to the
// pool size
func (w *Worker) setupConsumer(ctx context.Context) (<-chan amqp.Delivery, error) {
	deliveries, err := w.source.Consume(ctx, w.queueName, w.workerID, w.concurrency)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming %s: %w", w.queueName, err)
	}

	w.logger.Info("Consumer started",
		slog.String("consumer_tag", w.workerID),
		slog.Int("prefetch_count", w.concurrency),
	)
	return deliveries, nil
}

// startMessageDispatcher forwards deliveries to the worker pool until the
// delivery channel closes. A recovered panic restarts the loop.
func (w *Worker) startMessageDispatcher(deliveries <-chan amqp.Delivery) {
	defer close(w.dispatcherDone)
	defer close(w.jobsChan)

	w.logger.Info("Message dispatcher started")
	for !w.dispatch(deliveries) {
	}
	w.logger.Info("Message dispatcher stopped")
}

func (w *Worker) dispatch(deliveries <-chan amqp.Delivery) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Recovered panic in message dispatcher",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			done = false
		}
	}()

	for {
		select {
		case <-w.stopChan:
			w.requeueRemaining(deliveries)
			return true

		case delivery, ok := <-deliveries:
			if !ok {
				select {
				case <-w.stopChan:
				default:
					w.logger.Warn("Delivery channel closed")
				}
				return true
			}

			msg, err := parseMessage(delivery)
			if err != nil {
				w.logger.Error("Discarding malformed message",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				// malformed messages go to the dead letter queue if one is bound
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			select {
			case w.jobsChan <- msg:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", msg.JobID),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-w.stopChan:
				w.nackRequeue(delivery)
				w.requeueRemaining(deliveries)
				return true
			}
		}
	}
}

// requeueRemaining returns prefetched messages to the queue until the broker
// closes the delivery channel
func (w *Worker) requeueRemaining(deliveries <-chan amqp.Delivery) {
	requeued := 0
	for delivery := range deliveries {
		w.nackRequeue(delivery)
		requeued++
	}
	if requeued > 0 {
		w.logger.Info("Requeued undispatched messages", slog.Int("count", requeued))
	}
}

func (w *Worker) nackRequeue(delivery amqp.Delivery) {
	if err := delivery.Nack(false, true); err != nil {
		w.logger.Error("Failed to NACK message on shutdown",
			slog.Uint64("delivery_tag", delivery.DeliveryTag),
			slog.String("error", err.Error()),
		)
	}
}

func parseMessage(delivery amqp.Delivery) (*domain.JobMessage, error) {
	var msg domain.JobMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message JSON: %w", err)
	}
	if _, err := uuid.Parse(msg.JobID); err != nil {
		return nil, fmt.Errorf("invalid job_id %q: %w", msg.JobID, err)
	}
	msg.Delivery = delivery
	return &msg, nil
}
