package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Queue names
const (
	QueueCRMPush              = "crm-push"
	QueueAppointmentReminders = "appointment-reminders"
	QueueInventoryImport      = "inventory-import"
)

// Job names
const (
	JobPushLead        = "push-lead"
	JobSendReminder    = "send-reminder"
	JobImportInventory = "import-inventory"
)

// State is the lifecycle position of a job
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDelayed   State = "delayed"
)

// Message is the broker payload; the job record holds everything else
type Message struct {
	JobID string `json:"job_id"`
}

// Job is a durable unit of background work
type Job struct {
	ID           string
	Queue        string
	Name         string
	Payload      json.RawMessage
	Opts         Options
	AttemptsMade int
	Progress     json.RawMessage
	ReturnValue  json.RawMessage
	FailedReason string
	CreatedAt    time.Time
	ProcessedAt  *time.Time
	FinishedAt   *time.Time
	HeartbeatAt  *time.Time
	UpdatedAt    time.Time

	state  State
	client *Client
}

// State returns the state the job had when it was loaded
func (j *Job) State() State {
	return j.state
}

// Decode unmarshals the job payload into v
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// UpdateProgress overwrites the stored progress of the job. The value is
// visible to any later GetJob.
func (j *Job) UpdateProgress(ctx context.Context, progress any) error {
	if j.client == nil {
		return errors.New("job is not attached to a queue client")
	}

	raw, err := json.Marshal(progress)
	if err != nil {
		return err
	}

	if err := j.client.store.UpdateProgress(ctx, j.ID, string(raw)); err != nil {
		return err
	}

	j.Progress = raw
	return nil
}
