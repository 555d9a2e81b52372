package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Publisher delivers job messages to the broker
type Publisher interface {
	Publish(ctx context.Context, queueName string, body []byte) error
	PublishDelayed(ctx context.Context, queueName string, body []byte, delay time.Duration) error
}

// Client is the job queue client shared by producers and the worker runtime.
// Job records live in the database; the broker only carries job IDs.
type Client struct {
	store     *Store
	publisher Publisher
	logger    *slog.Logger
}

// NewClient creates a new queue client
func NewClient(db *sqlx.DB, publisher Publisher, logger *slog.Logger) *Client {
	return &Client{
		store:     NewStore(db, logger),
		publisher: publisher,
		logger:    logger,
	}
}

// Enqueue stores a new waiting job and publishes it to its queue. A nil opts
// uses the queue's default policy.
func (c *Client) Enqueue(ctx context.Context, queueName, name string, payload any, opts *Options) (*Job, error) {
	options, err := DefaultOptions(queueName)
	if err != nil {
		return nil, err
	}

	if opts != nil {
		options = *opts
	}
	if options.Attempts < 1 {
		options.Attempts = 1
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	now := c.store.now()
	job := &Job{
		ID:        uuid.NewString(),
		Queue:     queueName,
		Name:      name,
		Payload:   body,
		Opts:      options,
		CreatedAt: now,
		UpdatedAt: now,
		state:     StateWaiting,
		client:    c,
	}

	if err := c.store.Insert(ctx, job); err != nil {
		return nil, err
	}

	if err := c.publish(ctx, job, 0); err != nil {
		if delErr := c.store.Delete(context.WithoutCancel(ctx), job.ID); delErr != nil {
			c.logger.Error("Failed to delete unpublished job",
				slog.String("job_id", job.ID),
				slog.Any("error", delErr),
			)
		}
		return nil, fmt.Errorf("failed to publish job: %w", err)
	}

	c.logger.Info("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("queue", queueName),
		slog.String("name", name),
	)

	return job, nil
}

// GetJob loads a job by ID
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, ErrJobNotFound
	}

	job, err := c.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.client = c
	return job, nil
}

// ListJobs returns one page of jobs, newest first, and whether more exist.
// A PageSize outside 1..MaxPageSize is clamped.
func (c *Client) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, bool, error) {
	if filter.Queue != "" && !IsKnownQueue(filter.Queue) {
		return nil, false, ErrUnknownQueue
	}
	if filter.PageSize < 1 {
		filter.PageSize = DefaultPageSize
	}
	if filter.PageSize > MaxPageSize {
		filter.PageSize = MaxPageSize
	}

	jobs, err := c.attach(c.store.List(ctx, filter))
	if err != nil {
		return nil, false, err
	}

	hasMore := len(jobs) > filter.PageSize
	if hasMore {
		jobs = jobs[:filter.PageSize]
	}
	return jobs, hasMore, nil
}

// RemoveJob deletes a finished job. Waiting, active and delayed jobs are
// left alone and ErrJobNotFinished is returned.
func (c *Client) RemoveJob(ctx context.Context, jobID string) error {
	if _, err := uuid.Parse(jobID); err != nil {
		return ErrJobNotFound
	}

	if err := c.store.RemoveFinished(ctx, jobID); err != nil {
		return err
	}

	c.logger.Info("Job removed", slog.String("job_id", jobID))
	return nil
}

// Claim starts a new attempt of the job for the calling worker
func (c *Client) Claim(ctx context.Context, jobID string) (*Job, error) {
	job, err := c.store.Claim(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.client = c
	return job, nil
}

// Heartbeat renews the lease of the job's current attempt
func (c *Client) Heartbeat(ctx context.Context, job *Job) error {
	return c.store.Heartbeat(ctx, job.ID, job.AttemptsMade)
}

// Complete records the result of a successful attempt, removing the record
// when the job asked for it
func (c *Client) Complete(ctx context.Context, job *Job, result any) error {
	if job.Opts.RemoveOnComplete {
		if err := c.store.RemoveAttempt(ctx, job.ID, job.AttemptsMade); err != nil {
			return err
		}
		job.state = StateCompleted
		return nil
	}

	var returnValue sql.NullString
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal job result: %w", err)
		}
		returnValue = sql.NullString{String: string(raw), Valid: true}
	}

	if err := c.store.Complete(ctx, job.ID, job.AttemptsMade, returnValue); err != nil {
		return err
	}

	job.state = StateCompleted
	job.ReturnValue = []byte(returnValue.String)
	return nil
}

// Retry parks the job as delayed and schedules its next delivery after the
// backoff delay. It returns the delay used. When only the publish fails the
// error wraps ErrRetryNotPublished and the job is left delayed.
func (c *Client) Retry(ctx context.Context, job *Job, cause error) (time.Duration, error) {
	delay := job.Opts.Backoff.DelayFor(job.AttemptsMade)

	if err := c.store.MarkDelayed(ctx, job.ID, job.AttemptsMade, cause.Error()); err != nil {
		return 0, err
	}
	job.state = StateDelayed
	job.FailedReason = cause.Error()

	if err := c.publish(ctx, job, delay); err != nil {
		return delay, fmt.Errorf("%w: %w", ErrRetryNotPublished, err)
	}

	return delay, nil
}

// Fail records a terminal failure, removing the record when the job asked for it
func (c *Client) Fail(ctx context.Context, job *Job, cause error) error {
	if job.Opts.RemoveOnFail {
		if err := c.store.RemoveAttempt(ctx, job.ID, job.AttemptsMade); err != nil {
			return err
		}
		job.state = StateFailed
		return nil
	}

	if err := c.store.MarkFailed(ctx, job.ID, job.AttemptsMade, cause.Error()); err != nil {
		return err
	}

	job.state = StateFailed
	job.FailedReason = cause.Error()
	return nil
}

// HasAttemptsLeft reports whether a failed attempt should be retried
func (c *Client) HasAttemptsLeft(job *Job) bool {
	return job.AttemptsMade < job.Opts.Attempts
}

// FindStalled returns active jobs whose lease is older than stallTimeout
func (c *Client) FindStalled(ctx context.Context, stallTimeout time.Duration, limit int) ([]*Job, error) {
	return c.attach(c.store.FindStalled(ctx, c.store.now().Add(-stallTimeout), limit))
}

// FindOverdue returns delayed jobs that should have been redelivered more
// than grace ago
func (c *Client) FindOverdue(ctx context.Context, grace time.Duration, limit int) ([]*Job, error) {
	now := c.store.now()
	candidates, err := c.attach(c.store.FindDelayed(ctx, now.Add(-grace), limit))
	if err != nil {
		return nil, err
	}

	overdue := candidates[:0]
	for _, job := range candidates {
		due := job.UpdatedAt.Add(job.Opts.Backoff.DelayFor(job.AttemptsMade))
		if now.Sub(due) > grace {
			overdue = append(overdue, job)
		}
	}
	return overdue, nil
}

// Requeue publishes an overdue delayed job again. Its updated_at is bumped
// first so the next sweep does not pick it up again right away.
func (c *Client) Requeue(ctx context.Context, job *Job) error {
	if err := c.store.TouchDelayed(ctx, job.ID, job.AttemptsMade); err != nil {
		return err
	}
	return c.publish(ctx, job, 0)
}

// Clean deletes jobs of a queue in a finished state older than olderThan
func (c *Client) Clean(ctx context.Context, queueName string, state State, olderThan time.Duration) (int64, error) {
	if state != StateCompleted && state != StateFailed {
		return 0, fmt.Errorf("cannot clean jobs in state %s", state)
	}
	return c.store.Clean(ctx, queueName, state, c.store.now().Add(-olderThan))
}

func (c *Client) publish(ctx context.Context, job *Job, delay time.Duration) error {
	body, err := json.Marshal(Message{JobID: job.ID})
	if err != nil {
		return err
	}

	if delay > 0 {
		return c.publisher.PublishDelayed(ctx, job.Queue, body, delay)
	}
	return c.publisher.Publish(ctx, job.Queue, body)
}

func (c *Client) attach(jobs []*Job, err error) ([]*Job, error) {
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		job.client = c
	}
	return jobs, nil
}
