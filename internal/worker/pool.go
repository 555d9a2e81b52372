package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/cuongbtq/dealer-jobs/internal/worker/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop processes dispatched jobs until jobsChan is closed
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started", slog.String("worker_name", workerName))

	for msg := range w.jobsChan {
		err := w.safeProcessJob(ctx, msg)

		if err != nil {
			w.logger.Error("Job processing failed",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.JobID),
				slog.String("error", err.Error()),
			)

			requeue := w.shouldRequeueJob(err)
			if nackErr := msg.Delivery.Nack(false, requeue); nackErr != nil {
				w.logger.Error("Failed to NACK message",
					slog.String("worker_name", workerName),
					slog.String("job_id", msg.JobID),
					slog.String("error", nackErr.Error()),
				)
			} else {
				w.logger.Info("Message NACKed",
					slog.String("worker_name", workerName),
					slog.String("job_id", msg.JobID),
					slog.Bool("requeue", requeue),
				)
			}
			continue
		}

		if ackErr := msg.Delivery.Ack(false); ackErr != nil {
			w.logger.Error("Failed to ACK message",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.JobID),
				slog.String("error", ackErr.Error()),
			)
		}
	}

	w.logger.Debug("Worker goroutine stopping - jobsChan closed", slog.String("worker_name", workerName))
}

// safeProcessJob keeps a panic outside the handler from killing the goroutine
func (w *Worker) safeProcessJob(ctx context.Context, msg *domain.JobMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Recovered panic while processing job",
				slog.String("job_id", msg.JobID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic while processing job: %v", r)
		}
	}()
	return w.processJob(ctx, msg)
}

// shouldRequeueJob reports whether the message should go back to the queue.
// Only transient broker or database failures qualify; everything else has
// its outcome recorded on the job already or can never succeed.
func (w *Worker) shouldRequeueJob(err error) bool {
	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}
