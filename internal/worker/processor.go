package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cuongbtq/dealer-jobs/internal/queue"
	"github.com/cuongbtq/dealer-jobs/internal/worker/domain"
)

// processJob runs one delivery: claim, handler under a heartbeat lease, then
// record the outcome. A nil return acks the message.
func (w *Worker) processJob(ctx context.Context, msg *domain.JobMessage) error {
	job, err := w.client.Claim(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) || errors.Is(err, queue.ErrJobNotClaimable) {
			// duplicate delivery or a record removed in the meantime
			w.logger.Warn("Job not claimable, skipping",
				slog.String("job_id", msg.JobID),
				slog.String("reason", err.Error()),
			)
			return nil
		}
		return domain.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
	}

	logger := w.logger.With(
		slog.String("job_id", job.ID),
		slog.String("job_name", job.Name),
		slog.Int("attempt", job.AttemptsMade),
	)
	logger.Info("Processing job")
	started := time.Now()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		w.sendJobHeartbeat(hbCtx, job)
	}()

	result, runErr := w.runHandler(ctx, job)

	stopHeartbeat()
	<-heartbeatDone

	if runErr != nil {
		return w.failures.record(ctx, job, runErr)
	}

	if err := w.client.Complete(ctx, job, result); err != nil {
		if errors.Is(err, queue.ErrAttemptSuperseded) {
			logger.Warn("Job attempt was superseded, result dropped")
			return nil
		}
		// the record stays active; the reaper picks it up once the lease expires
		logger.Error("Failed to record job completion", slog.String("error", err.Error()))
		return nil
	}

	logger.Info("Job completed successfully", slog.Duration("duration", time.Since(started)))
	return nil
}

// runHandler turns a handler panic into the attempt's error
func (w *Worker) runHandler(ctx context.Context, job *queue.Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Recovered panic in job handler",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			result = nil
			err = fmt.Errorf("%w: %v", domain.ErrHandlerPanic, r)
		}
	}()
	return w.handler.Process(ctx, job)
}

// sendJobHeartbeat periodically renews the lease of the running attempt
func (w *Worker) sendJobHeartbeat(ctx context.Context, job *queue.Job) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.client.Heartbeat(ctx, job); err != nil {
				if errors.Is(err, queue.ErrAttemptSuperseded) {
					w.logger.Warn("Job lease lost, stopping heartbeat",
						slog.String("job_id", job.ID),
					)
					return
				}
				if ctx.Err() != nil {
					return
				}
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// failureRecorder turns a failed attempt into a retry or a terminal failure
type failureRecorder struct {
	client   *queue.Client
	logger   *slog.Logger
	onFailed FailedFunc
}

func (r *failureRecorder) record(ctx context.Context, job *queue.Job, cause error) error {
	logger := r.logger.With(
		slog.String("job_id", job.ID),
		slog.String("queue", job.Queue),
		slog.Int("attempt", job.AttemptsMade),
		slog.Int("max_attempts", job.Opts.Attempts),
	)

	if r.client.HasAttemptsLeft(job) && !errors.Is(cause, domain.ErrInvalidPayload) {
		delay, err := r.client.Retry(ctx, job, cause)
		if err != nil {
			if errors.Is(err, queue.ErrAttemptSuperseded) {
				logger.Warn("Job attempt was superseded, retry skipped")
				return nil
			}
			if errors.Is(err, queue.ErrRetryNotPublished) {
				// redelivering now would skip the backoff; the reaper republishes it
				logger.Warn("Retry recorded but not published, left to the reaper",
					slog.Duration("retry_in", delay),
					slog.String("error", err.Error()),
				)
				r.notify(Failure{Job: job, Err: cause, RetryIn: delay})
				return nil
			}
			return domain.NewRetryableError(fmt.Errorf("failed to schedule retry: %w", err))
		}

		logger.Warn("Job attempt failed, retry scheduled",
			slog.Duration("retry_in", delay),
			slog.String("error", cause.Error()),
		)
		r.notify(Failure{Job: job, Err: cause, RetryIn: delay})
		return nil
	}

	if err := r.client.Fail(ctx, job, cause); err != nil {
		if errors.Is(err, queue.ErrAttemptSuperseded) {
			logger.Warn("Job attempt was superseded, failure dropped")
			return nil
		}
		logger.Error("Failed to record job failure", slog.String("error", err.Error()))
		return nil
	}

	logger.Error("Job failed", slog.String("error", cause.Error()))
	r.notify(Failure{Job: job, Err: cause, Final: true})
	return nil
}

func (r *failureRecorder) notify(f Failure) {
	if r.onFailed == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Recovered panic in failure hook", slog.Any("panic", p))
		}
	}()
	r.onFailed(f)
}
