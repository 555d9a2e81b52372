package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/dealer-jobs/internal/catalog"
	"github.com/cuongbtq/dealer-jobs/internal/crm"
	"github.com/cuongbtq/dealer-jobs/internal/dbtest"
	"github.com/cuongbtq/dealer-jobs/internal/inventory"
	"github.com/cuongbtq/dealer-jobs/internal/leads"
	"github.com/cuongbtq/dealer-jobs/internal/notify"
	"github.com/cuongbtq/dealer-jobs/internal/queue"
	"github.com/cuongbtq/dealer-jobs/internal/queue/queuetest"
	"github.com/cuongbtq/dealer-jobs/internal/worker"
	"github.com/cuongbtq/dealer-jobs/internal/worker/domain"
)

type testEnv struct {
	client   *queue.Client
	broker   *queuetest.Broker
	leads    *leads.Repository
	catalog  *catalog.Repository
	logger   *slog.Logger
	crm      *fakeCRM
	notifier *fakeNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := dbtest.NewDB(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	broker := queuetest.NewBroker()

	env := &testEnv{
		client:   queue.NewClient(db, broker, logger),
		broker:   broker,
		leads:    leads.NewRepository(db, logger),
		catalog:  catalog.NewRepository(db, logger),
		logger:   logger,
		crm:      &fakeCRM{},
		notifier: &fakeNotifier{},
	}

	ctx := context.Background()
	require.NoError(t, env.leads.CreateDealership(ctx, &leads.Dealership{
		ID:       "d1",
		Name:     "Main Street Motors",
		Phone:    sql.NullString{String: "555-0100", Valid: true},
		Timezone: "America/Chicago",
	}))
	return env
}

func (e *testEnv) addLead(t *testing.T, id, phone, email string, pushed bool) {
	t.Helper()
	require.NoError(t, e.leads.CreateLead(context.Background(), &leads.Lead{
		ID:           id,
		DealershipID: "d1",
		Name:         "Sam Rivera",
		Phone:        sql.NullString{String: phone, Valid: phone != ""},
		Email:        sql.NullString{String: email, Valid: email != ""},
		PushedToCRM:  pushed,
	}))
}

func (e *testEnv) claim(t *testing.T, job *queue.Job) *queue.Job {
	t.Helper()
	claimed, err := e.client.Claim(context.Background(), job.ID)
	require.NoError(t, err)
	return claimed
}

type fakeCRM struct {
	mu    sync.Mutex
	calls []crm.LeadPayload
	err   error
}

func (f *fakeCRM) PushLead(_ context.Context, lead crm.LeadPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, lead)
	return f.err
}

func (f *fakeCRM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (f *fakeNotifier) Send(_ context.Context, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.err
}

func ptr[T any](v T) *T { return &v }

func rawJob(payload string, attemptsMade, maxAttempts int) *queue.Job {
	return &queue.Job{
		ID:           "00000000-0000-0000-0000-000000000001",
		Payload:      json.RawMessage(payload),
		AttemptsMade: attemptsMade,
		Opts:         queue.Options{Attempts: maxAttempts},
	}
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		target  any
	}{
		{"malformed json", `{"lead_id":`, &queue.CRMPushPayload{}},
		{"missing lead", `{}`, &queue.CRMPushPayload{}},
		{"missing appointment", `{"type":"24h"}`, &queue.AppointmentReminderPayload{}},
		{"no rows", `{"dealership_id":"d1","rows":[]}`, &queue.InventoryImportPayload{}},
		{"missing dealership", `{"rows":[{"vin":"A"}]}`, &queue.InventoryImportPayload{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := decodePayload(rawJob(tt.payload, 1, 1), tt.target)
			assert.ErrorIs(t, err, domain.ErrInvalidPayload)
		})
	}

	var ok queue.CRMPushPayload
	require.NoError(t, decodePayload(rawJob(`{"lead_id":"l1"}`, 1, 1), &ok))
	assert.Equal(t, "l1", ok.LeadID)
}

func TestInventoryImportHandler_Process(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.catalog.Upsert(ctx, &catalog.Vehicle{DealershipID: "d1", VIN: "OLD1"})
	require.NoError(t, err)

	job, err := env.client.EnqueueInventoryImport(ctx, queue.InventoryImportPayload{
		DealershipID: "d1",
		Rows: []inventory.Row{
			{VIN: " abc123 ", Condition: ptr("New"), Price: ptr(19999.0)},
			{VIN: ""},
			{VIN: "def456", Condition: ptr("hybrid")},
		},
		MarkMissingAsSold: true,
		TotalRows:         3,
	})
	require.NoError(t, err)

	handler := NewInventoryImportHandler(inventory.NewImporter(env.catalog, env.logger), env.logger)
	out, err := handler.Process(ctx, env.claim(t, job))
	require.NoError(t, err)

	result, ok := out.(*inventory.Result)
	require.True(t, ok)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 0, result.Updated)
	assert.Equal(t, int64(1), result.MarkedSold)
	assert.Equal(t, []inventory.RowError{
		{Row: 2, Error: "Missing VIN"},
		{Row: 3, Error: `Invalid condition "hybrid"`},
	}, result.Errors)

	stored, err := env.client.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"processed":3,"total":3}`, string(stored.Progress))

	v, err := env.catalog.Get(ctx, "d1", "ABC123")
	require.NoError(t, err)
	assert.Equal(t, catalog.AvailabilityInStock, v.Availability)

	old, err := env.catalog.Get(ctx, "d1", "OLD1")
	require.NoError(t, err)
	assert.Equal(t, catalog.AvailabilitySold, old.Availability)
}

func TestInventoryImportHandler_InvalidPayload(t *testing.T) {
	env := newTestEnv(t)
	handler := NewInventoryImportHandler(inventory.NewImporter(env.catalog, env.logger), env.logger)

	_, err := handler.Process(context.Background(), rawJob(`{"dealership_id":"d1"}`, 1, 1))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestCRMPushHandler_Process(t *testing.T) {
	tests := []struct {
		name         string
		crmErr       error
		attemptsMade int
		startPushed  bool
		wantErr      bool
		wantPushed   bool
	}{
		{name: "success", attemptsMade: 1, wantPushed: true},
		{name: "failure with attempts left keeps the flag", crmErr: errors.New("503"), attemptsMade: 1, startPushed: true, wantErr: true, wantPushed: true},
		{name: "failure on final attempt clears the flag", crmErr: errors.New("503"), attemptsMade: 3, startPushed: true, wantErr: true, wantPushed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			env.addLead(t, "l1", "", "sam@example.com", tt.startPushed)
			env.crm.err = tt.crmErr

			handler := NewCRMPushHandler(env.leads, env.crm, env.logger)
			out, err := handler.Process(ctx, rawJob(`{"lead_id":"l1"}`, tt.attemptsMade, 3))

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "failed to push lead l1")
				assert.Nil(t, out)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "l1", out.(CRMPushResult).LeadID)
			}

			lead, err := env.leads.GetLead(ctx, "l1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantPushed, lead.PushedToCRM)

			require.Equal(t, 1, env.crm.callCount())
			assert.Equal(t, "sam@example.com", env.crm.calls[0].Email)
			assert.Equal(t, "d1", env.crm.calls[0].DealershipID)
		})
	}
}

func TestCRMPushHandler_MissingLead(t *testing.T) {
	env := newTestEnv(t)
	handler := NewCRMPushHandler(env.leads, env.crm, env.logger)

	_, err := handler.Process(context.Background(), rawJob(`{"lead_id":"ghost"}`, 3, 3))
	assert.ErrorIs(t, err, leads.ErrLeadNotFound)
	assert.Equal(t, 0, env.crm.callCount())
}

func TestCRMPush_RetryExhaustion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addLead(t, "l1", "555-0101", "", true)
	env.crm.err = &crm.StatusError{StatusCode: 502}

	var (
		mu       sync.Mutex
		failures []worker.Failure
	)
	w, err := worker.NewWorker(&worker.Config{
		Queue:             queue.QueueCRMPush,
		Concurrency:       1,
		Handler:           NewCRMPushHandler(env.leads, env.crm, env.logger),
		Client:            env.client,
		Source:            env.broker,
		Logger:            env.logger,
		HeartbeatInterval: 10 * time.Millisecond,
		OnFailed: func(f worker.Failure) {
			mu.Lock()
			defer mu.Unlock()
			failures = append(failures, f)
		},
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))
	t.Cleanup(w.Stop)

	opts := &queue.Options{
		Attempts: 3,
		Backoff:  queue.Backoff{Type: queue.BackoffExponential, Delay: time.Millisecond},
	}
	job, err := env.client.Enqueue(ctx, queue.QueueCRMPush, queue.JobPushLead, queue.CRMPushPayload{LeadID: "l1"}, opts)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := env.client.GetJob(ctx, job.ID)
		return err == nil && got.State() == queue.StateFailed
	}, 5*time.Second, 5*time.Millisecond)

	failed, err := env.client.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, failed.AttemptsMade)
	assert.Equal(t, "failed to push lead l1: crm responded with status 502", failed.FailedReason)
	assert.Equal(t, 3, env.crm.callCount())

	lead, err := env.leads.GetLead(ctx, "l1")
	require.NoError(t, err)
	assert.False(t, lead.PushedToCRM)

	delays := env.broker.Delayed()
	require.Len(t, delays, 2)
	assert.Equal(t, time.Millisecond, delays[0].Delay)
	assert.Equal(t, 2*time.Millisecond, delays[1].Delay)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failures, 3)
	assert.True(t, failures[2].Final)
}

func TestCRMPush_StalledFinalAttemptClearsFlag(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addLead(t, "l1", "555-0101", "", true)
	handler := NewCRMPushHandler(env.leads, env.crm, env.logger)

	job, err := env.client.Enqueue(ctx, queue.QueueCRMPush, queue.JobPushLead, queue.CRMPushPayload{LeadID: "l1"}, &queue.Options{Attempts: 1})
	require.NoError(t, err)
	// the worker running the only attempt dies without reporting
	env.claim(t, job)

	reaper := worker.NewReaper(worker.ReaperConfig{
		Client:       env.client,
		Logger:       env.logger,
		Queues:       []string{queue.QueueCRMPush},
		Interval:     5 * time.Millisecond,
		StallTimeout: time.Millisecond,
		OnFailed: func(f worker.Failure) {
			if f.Final {
				handler.HandleFinalFailure(ctx, f.Job)
			}
		},
	})
	reaper.Start(ctx)
	t.Cleanup(reaper.Stop)

	require.Eventually(t, func() bool {
		lead, err := env.leads.GetLead(ctx, "l1")
		return err == nil && !lead.PushedToCRM
	}, 5*time.Second, 5*time.Millisecond)

	failed, err := env.client.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, failed.State())
	assert.Equal(t, "job stalled", failed.FailedReason)
	assert.Zero(t, env.crm.callCount())
}

func TestCRMPushHandler_HandleFinalFailureIgnoresBadPayload(t *testing.T) {
	env := newTestEnv(t)
	env.addLead(t, "l1", "555-0101", "", true)
	handler := NewCRMPushHandler(env.leads, env.crm, env.logger)

	handler.HandleFinalFailure(context.Background(), rawJob(`{}`, 3, 3))

	lead, err := env.leads.GetLead(context.Background(), "l1")
	require.NoError(t, err)
	assert.True(t, lead.PushedToCRM)
}

func TestAppointmentReminderHandler_Process(t *testing.T) {
	scheduled := time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		name        string
		phone       string
		email       string
		withVehicle bool
		wantChannel notify.Channel
		wantTo      string
		wantErr     error
	}{
		{name: "sms when a phone is known", phone: "555-0101", email: "sam@example.com", wantChannel: notify.ChannelSMS, wantTo: "555-0101"},
		{name: "email fallback", email: "sam@example.com", withVehicle: true, wantChannel: notify.ChannelEmail, wantTo: "sam@example.com"},
		{name: "no contact", wantErr: notify.ErrNoRecipient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			env.addLead(t, "l1", tt.phone, tt.email, false)

			appt := &leads.Appointment{ID: "a1", DealershipID: "d1", LeadID: "l1", ScheduledAt: scheduled}
			if tt.withVehicle {
				v := &catalog.Vehicle{DealershipID: "d1", VIN: "VIN1", Year: ptr(2021), Make: ptr("Ford"), Model: ptr("F-150")}
				_, err := env.catalog.Upsert(ctx, v)
				require.NoError(t, err)
				appt.VehicleID = sql.NullString{String: v.ID, Valid: true}
			}
			require.NoError(t, env.leads.CreateAppointment(ctx, appt))

			handler := NewAppointmentReminderHandler(env.leads, env.catalog, env.notifier, env.logger)
			out, err := handler.Process(ctx, rawJob(`{"appointment_id":"a1","type":"24h"}`, 1, 2))

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, env.notifier.sent)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, ReminderResult{AppointmentID: "a1", Type: "24h", Channel: tt.wantChannel}, out)

			require.Len(t, env.notifier.sent, 1)
			msg := env.notifier.sent[0]
			assert.Equal(t, tt.wantChannel, msg.Channel)
			assert.Equal(t, tt.wantTo, msg.To)
			assert.Equal(t, "a1", msg.Metadata["appointment_id"])
			assert.Contains(t, msg.Body, "Saturday, March 14 at 10:30 AM CDT")
			if tt.withVehicle {
				assert.Contains(t, msg.Body, "to see the 2021 Ford F-150")
			}
		})
	}
}

func TestAppointmentReminderHandler_NotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	handler := NewAppointmentReminderHandler(env.leads, env.catalog, env.notifier, env.logger)

	_, err := handler.Process(ctx, rawJob(`{"appointment_id":"missing","type":"1h"}`, 1, 2))
	assert.ErrorIs(t, err, leads.ErrAppointmentNotFound)

	require.NoError(t, env.leads.CreateAppointment(ctx, &leads.Appointment{
		ID: "a2", DealershipID: "d1", LeadID: "ghost", ScheduledAt: time.Now(),
	}))
	_, err = handler.Process(ctx, rawJob(`{"appointment_id":"a2","type":"1h"}`, 1, 2))
	assert.ErrorIs(t, err, leads.ErrLeadNotFound)
}

func TestAppointmentReminderHandler_SendFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addLead(t, "l1", "555-0101", "", false)
	require.NoError(t, env.leads.CreateAppointment(ctx, &leads.Appointment{
		ID: "a1", DealershipID: "d1", LeadID: "l1", ScheduledAt: time.Now(),
	}))
	env.notifier.err = &notify.StatusError{StatusCode: 500}

	handler := NewAppointmentReminderHandler(env.leads, env.catalog, env.notifier, env.logger)
	_, err := handler.Process(ctx, rawJob(`{"appointment_id":"a1","type":"24h"}`, 1, 2))

	var statusErr *notify.StatusError
	assert.ErrorAs(t, err, &statusErr)
}

func TestBuildReminder(t *testing.T) {
	appt := &leads.Appointment{ID: "a1", ScheduledAt: time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC)}
	lead := &leads.Lead{ID: "l1", Name: "Sam Rivera", Phone: sql.NullString{String: "555-0101", Valid: true}}
	dealer := &leads.Dealership{
		Name:     "Main Street Motors",
		Address:  sql.NullString{String: "1 Main St", Valid: true},
		Timezone: "UTC",
	}

	tests := []struct {
		reminderType string
		wantSubject  string
		wantBody     string
	}{
		{
			reminderType: "24h",
			wantSubject:  "Your appointment at Main Street Motors is tomorrow",
			wantBody:     "Hi Sam, this is a reminder that your appointment at Main Street Motors is tomorrow, Saturday, March 14 at 3:30 PM UTC. Address: 1 Main St.",
		},
		{
			reminderType: "1h",
			wantSubject:  "Your appointment at Main Street Motors starts in 1 hour",
			wantBody:     "Hi Sam, your appointment at Main Street Motors starts in about an hour (Saturday, March 14 at 3:30 PM UTC). Address: 1 Main St.",
		},
		{
			reminderType: "follow-up",
			wantSubject:  "Appointment reminder from Main Street Motors",
			wantBody:     "Hi Sam, this is a reminder of your appointment at Main Street Motors on Saturday, March 14 at 3:30 PM UTC. Address: 1 Main St.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.reminderType, func(t *testing.T) {
			msg, err := BuildReminder(appt, lead, dealer, nil, tt.reminderType)
			require.NoError(t, err)
			assert.Equal(t, notify.ChannelSMS, msg.Channel)
			assert.Equal(t, tt.wantSubject, msg.Subject)
			assert.Equal(t, tt.wantBody, msg.Body)
			assert.Equal(t, tt.reminderType, msg.Metadata["type"])
		})
	}
}
