package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/dealer-jobs/internal/dbtest"
	"github.com/cuongbtq/dealer-jobs/internal/queue/queuetest"
)

func newTestClient(t *testing.T) (*Client, *queuetest.Broker) {
	t.Helper()
	broker := queuetest.NewBroker()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(dbtest.NewDB(t), broker, logger), broker
}

func fastOptions(attempts int) *Options {
	return &Options{
		Attempts: attempts,
		Backoff:  Backoff{Type: BackoffExponential, Delay: 10 * time.Millisecond},
	}
}

func TestBackoff_DelayFor(t *testing.T) {
	tests := []struct {
		name         string
		backoff      Backoff
		attemptsMade int
		want         time.Duration
	}{
		{"none", Backoff{Type: BackoffNone, Delay: time.Second}, 1, 0},
		{"empty type", Backoff{Delay: time.Second}, 1, 0},
		{"fixed first", Backoff{Type: BackoffFixed, Delay: 5 * time.Second}, 1, 5 * time.Second},
		{"fixed later", Backoff{Type: BackoffFixed, Delay: 5 * time.Second}, 4, 5 * time.Second},
		{"exponential first", Backoff{Type: BackoffExponential, Delay: 2 * time.Second}, 1, 2 * time.Second},
		{"exponential second", Backoff{Type: BackoffExponential, Delay: 2 * time.Second}, 2, 4 * time.Second},
		{"exponential third", Backoff{Type: BackoffExponential, Delay: 2 * time.Second}, 3, 8 * time.Second},
		{"exponential clamps zero attempts", Backoff{Type: BackoffExponential, Delay: 2 * time.Second}, 0, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.backoff.DelayFor(tt.attemptsMade))
		})
	}
}

func TestPolicyFor(t *testing.T) {
	tests := []struct {
		queue       string
		concurrency int
		attempts    int
		backoff     Backoff
		removeDone  bool
	}{
		{QueueCRMPush, 5, 3, Backoff{Type: BackoffExponential, Delay: 2 * time.Second}, true},
		{QueueAppointmentReminders, 10, 2, Backoff{Type: BackoffFixed, Delay: 5 * time.Second}, true},
		{QueueInventoryImport, 2, 1, Backoff{Type: BackoffNone}, false},
	}

	for _, tt := range tests {
		t.Run(tt.queue, func(t *testing.T) {
			p, err := PolicyFor(tt.queue)
			require.NoError(t, err)
			assert.Equal(t, tt.concurrency, p.Concurrency)
			assert.Equal(t, tt.attempts, p.Options.Attempts)
			assert.Equal(t, tt.backoff, p.Options.Backoff)
			assert.Equal(t, tt.removeDone, p.Options.RemoveOnComplete)
			assert.False(t, p.Options.RemoveOnFail)
		})
	}

	_, err := PolicyFor("emails")
	assert.ErrorIs(t, err, ErrUnknownQueue)
	assert.ElementsMatch(t, []string{QueueCRMPush, QueueAppointmentReminders, QueueInventoryImport}, Queues())
}

func TestClient_Enqueue(t *testing.T) {
	client, broker := newTestClient(t)
	ctx := context.Background()

	job, err := client.EnqueueCRMPush(ctx, "lead-1")
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, QueueCRMPush, job.Queue)
	assert.Equal(t, JobPushLead, job.Name)
	assert.Equal(t, StateWaiting, job.State())
	assert.Equal(t, 1, broker.Published(QueueCRMPush))

	loaded, err := client.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, loaded.State())
	assert.Equal(t, 3, loaded.Opts.Attempts)
	assert.Equal(t, BackoffExponential, loaded.Opts.Backoff.Type)
	assert.Equal(t, 2*time.Second, loaded.Opts.Backoff.Delay)
	assert.True(t, loaded.Opts.RemoveOnComplete)
	assert.Equal(t, 0, loaded.AttemptsMade)

	var payload CRMPushPayload
	require.NoError(t, loaded.Decode(&payload))
	assert.Equal(t, "lead-1", payload.LeadID)
}

func TestClient_EnqueueAppointmentReminder(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	job, err := client.EnqueueAppointmentReminder(ctx, "appt-1", "24h")
	require.NoError(t, err)

	loaded, err := client.GetJob(ctx, job.ID)
	require.NoError(t, err)

	var payload AppointmentReminderPayload
	require.NoError(t, loaded.Decode(&payload))
	assert.Equal(t, AppointmentReminderPayload{AppointmentID: "appt-1", Type: "24h"}, payload)
	assert.Equal(t, BackoffFixed, loaded.Opts.Backoff.Type)
}

func TestClient_EnqueueUnknownQueue(t *testing.T) {
	client, broker := newTestClient(t)

	_, err := client.Enqueue(context.Background(), "emails", "send", map[string]string{}, nil)
	assert.ErrorIs(t, err, ErrUnknownQueue)
	assert.Equal(t, 0, broker.Published("emails"))
}

func TestClient_EnqueuePublishFailureDeletesRecord(t *testing.T) {
	client, broker := newTestClient(t)
	broker.FailPublish(errors.New("broker down"))

	_, err := client.EnqueueCRMPush(context.Background(), "lead-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish job")

	var count int
	require.NoError(t, client.store.db.Get(&count, "SELECT COUNT(*) FROM queue_jobs"))
	assert.Equal(t, 0, count)
}

func TestClient_GetJobNotFound(t *testing.T) {
	client, _ := newTestClient(t)

	_, err := client.GetJob(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = client.GetJob(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestClient_ClaimAndComplete(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	job, err := client.Enqueue(ctx, QueueInventoryImport, JobImportInventory, map[string]any{"dealership_id": "d1"}, nil)
	require.NoError(t, err)

	claimed, err := client.Claim(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, claimed.State())
	assert.Equal(t, 1, claimed.AttemptsMade)
	require.NotNil(t, claimed.HeartbeatAt)
	require.NotNil(t, claimed.ProcessedAt)

	_, err = client.Claim(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotClaimable)

	require.NoError(t, client.Heartbeat(ctx, claimed))
	require.NoError(t, client.Complete(ctx, claimed, map[string]int{"processed": 3}))

	loaded, err := client.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, loaded.State())
	assert.JSONEq(t, `{"processed":3}`, string(loaded.ReturnValue))
	assert.NotNil(t, loaded.FinishedAt)
	assert.Nil(t, loaded.HeartbeatAt)

	// a finished attempt has no lease left to renew
	assert.ErrorIs(t, client.Heartbeat(ctx, claimed), ErrAttemptSuperseded)
}

func TestClient_ClaimMissingJob(t *testing.T) {
	client, _ := newTestClient(t)

	_, err := client.Claim(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestClient_CompleteRemovesWhenAsked(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	job, err := client.EnqueueCRMPush(ctx, "lead-1")
	require.NoError(t, err)

	claimed, err := client.Claim(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, client.Complete(ctx, claimed, nil))

	_, err = client.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestClient_RetryThenFail(t *testing.T) {
	client, broker := newTestClient(t)
	ctx := context.Background()

	job, err := client.Enqueue(ctx, QueueCRMPush, JobPushLead, CRMPushPayload{LeadID: "l"}, fastOptions(2))
	require.NoError(t, err)

	first, err := client.Claim(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, client.HasAttemptsLeft(first))

	delay, err := client.Retry(ctx, first, errors.New("crm timeout"))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, delay)

	loaded, err := client.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, loaded.State())
	assert.Equal(t, "crm timeout", loaded.FailedReason)
	assert.Equal(t, []queuetest.DelayedPublish{{Queue: QueueCRMPush, Delay: 10 * time.Millisecond}}, broker.Delayed())

	second, err := client.Claim(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, second.AttemptsMade)
	assert.False(t, client.HasAttemptsLeft(second))

	// the first attempt can no longer record an outcome
	assert.ErrorIs(t, client.Complete(ctx, first, nil), ErrAttemptSuperseded)

	require.NoError(t, client.Fail(ctx, second, errors.New("crm still down")))

	loaded, err = client.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, loaded.State())
	assert.Equal(t, "crm still down", loaded.FailedReason)
	assert.Equal(t, 2, loaded.AttemptsMade)
	assert.NotNil(t, loaded.FinishedAt)
}

func TestJob_UpdateProgress(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	job, err := client.Enqueue(ctx, QueueInventoryImport, JobImportInventory, map[string]any{}, nil)
	require.NoError(t, err)

	claimed, err := client.Claim(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, claimed.UpdateProgress(ctx, map[string]int{"processed": 1, "total": 3}))
	require.NoError(t, claimed.UpdateProgress(ctx, map[string]int{"processed": 2, "total": 3}))

	loaded, err := client.GetJob(ctx, job.ID)
	require.NoError(t, err)

	var progress map[string]int
	require.NoError(t, json.Unmarshal(loaded.Progress, &progress))
	assert.Equal(t, map[string]int{"processed": 2, "total": 3}, progress)

	detached := &Job{ID: job.ID}
	assert.Error(t, detached.UpdateProgress(ctx, 1))
}

func TestClient_FindStalled(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	client.store.now = func() time.Time { return base }

	stalled, err := client.Enqueue(ctx, QueueCRMPush, JobPushLead, CRMPushPayload{LeadID: "a"}, nil)
	require.NoError(t, err)
	_, err = client.Claim(ctx, stalled.ID)
	require.NoError(t, err)

	client.store.now = func() time.Time { return base.Add(50 * time.Second) }
	healthy, err := client.Enqueue(ctx, QueueCRMPush, JobPushLead, CRMPushPayload{LeadID: "b"}, nil)
	require.NoError(t, err)
	_, err = client.Claim(ctx, healthy.ID)
	require.NoError(t, err)

	// waiting jobs never count as stalled
	_, err = client.EnqueueCRMPush(ctx, "c")
	require.NoError(t, err)

	client.store.now = func() time.Time { return base.Add(90 * time.Second) }
	jobs, err := client.FindStalled(ctx, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, stalled.ID, jobs[0].ID)
	assert.Equal(t, 1, jobs[0].AttemptsMade)
}

func TestClient_FindOverdueAndRequeue(t *testing.T) {
	client, broker := newTestClient(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	client.store.now = func() time.Time { return base }

	opts := &Options{Attempts: 3, Backoff: Backoff{Type: BackoffFixed, Delay: time.Minute}}
	job, err := client.Enqueue(ctx, QueueCRMPush, JobPushLead, CRMPushPayload{LeadID: "a"}, opts)
	require.NoError(t, err)
	claimed, err := client.Claim(ctx, job.ID)
	require.NoError(t, err)
	_, err = client.Retry(ctx, claimed, errors.New("boom"))
	require.NoError(t, err)

	// still inside backoff plus grace
	client.store.now = func() time.Time { return base.Add(90 * time.Second) }
	jobs, err := client.FindOverdue(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	client.store.now = func() time.Time { return base.Add(3 * time.Minute) }
	jobs, err = client.FindOverdue(ctx, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	before := broker.Published(QueueCRMPush)
	require.NoError(t, client.Requeue(ctx, jobs[0]))
	assert.Equal(t, before+1, broker.Published(QueueCRMPush))

	jobs, err = client.FindOverdue(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs, "requeue restarts the overdue clock")
}

func TestClient_Clean(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	client.store.now = func() time.Time { return base }

	finish := func(fail bool) string {
		job, err := client.Enqueue(ctx, QueueInventoryImport, JobImportInventory, map[string]any{}, nil)
		require.NoError(t, err)
		claimed, err := client.Claim(ctx, job.ID)
		require.NoError(t, err)
		if fail {
			require.NoError(t, client.Fail(ctx, claimed, errors.New("bad file")))
		} else {
			require.NoError(t, client.Complete(ctx, claimed, map[string]int{}))
		}
		return job.ID
	}

	oldCompleted := finish(false)
	oldFailed := finish(true)

	client.store.now = func() time.Time { return base.Add(48 * time.Hour) }
	recent := finish(false)

	n, err := client.Clean(ctx, QueueInventoryImport, StateCompleted, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = client.GetJob(ctx, oldCompleted)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = client.GetJob(ctx, recent)
	assert.NoError(t, err)
	_, err = client.GetJob(ctx, oldFailed)
	assert.NoError(t, err)

	_, err = client.Clean(ctx, QueueInventoryImport, StateActive, time.Hour)
	assert.Error(t, err)
}

func TestClient_ListJobsPages(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	want := map[string]bool{}
	for i := 0; i < 5; i++ {
		job, err := client.EnqueueCRMPush(ctx, "lead")
		require.NoError(t, err)
		want[job.ID] = true
	}
	_, err := client.EnqueueAppointmentReminder(ctx, "appt", "24h")
	require.NoError(t, err)

	seen := map[string]bool{}
	filter := JobFilter{Queue: QueueCRMPush, PageSize: 2}
	var pages int
	for {
		jobs, hasMore, err := client.ListJobs(ctx, filter)
		require.NoError(t, err)
		pages++
		for _, job := range jobs {
			assert.False(t, seen[job.ID], "job listed twice")
			seen[job.ID] = true
			assert.Equal(t, QueueCRMPush, job.Queue)
		}
		if !hasMore {
			break
		}
		last := jobs[len(jobs)-1]
		filter.Cursor = &JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID}
	}

	assert.Equal(t, 3, pages)
	assert.Equal(t, want, seen)
}

func TestClient_ListJobsFilters(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	done, err := client.Enqueue(ctx, QueueInventoryImport, JobImportInventory, nil, nil)
	require.NoError(t, err)
	claimed, err := client.Claim(ctx, done.ID)
	require.NoError(t, err)
	require.NoError(t, client.Complete(ctx, claimed, nil))
	_, err = client.Enqueue(ctx, QueueInventoryImport, JobImportInventory, nil, nil)
	require.NoError(t, err)

	jobs, hasMore, err := client.ListJobs(ctx, JobFilter{State: StateCompleted})
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, jobs, 1)
	assert.Equal(t, done.ID, jobs[0].ID)

	_, _, err = client.ListJobs(ctx, JobFilter{Queue: "email"})
	assert.ErrorIs(t, err, ErrUnknownQueue)
}

func TestClient_RemoveJob(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	job, err := client.Enqueue(ctx, QueueInventoryImport, JobImportInventory, nil, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, client.RemoveJob(ctx, job.ID), ErrJobNotFinished)

	claimed, err := client.Claim(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, client.Fail(ctx, claimed, errors.New("bad file")))

	require.NoError(t, client.RemoveJob(ctx, job.ID))
	_, err = client.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	assert.ErrorIs(t, client.RemoveJob(ctx, job.ID), ErrJobNotFound)
	assert.ErrorIs(t, client.RemoveJob(ctx, "not-a-uuid"), ErrJobNotFound)
}
