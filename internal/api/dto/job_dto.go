package dto

import (
	"encoding/json"

	"github.com/cuongbtq/dealer-jobs/internal/queue"
)

// ListJobsRequest holds the query parameters of GET /api/v1/jobs
type ListJobsRequest struct {
	Queue    string `form:"queue"`
	State    string `form:"state" binding:"omitempty,oneof=waiting active completed failed delayed"`
	PageSize int    `form:"page_size" binding:"gte=0"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// JobDTO is the polling view of a job. Timestamps are Unix milliseconds.
type JobDTO struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Name         string          `json:"name"`
	State        string          `json:"state"`
	Progress     json.RawMessage `json:"progress"`
	Result       json.RawMessage `json:"result"`
	FailedReason *string         `json:"failed_reason"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	Timestamp    int64           `json:"timestamp"`
	ProcessedOn  *int64          `json:"processed_on"`
	FinishedOn   *int64          `json:"finished_on"`
}

// NewJobDTO converts a queue job to its API representation
func NewJobDTO(job *queue.Job) JobDTO {
	out := JobDTO{
		ID:           job.ID,
		Queue:        job.Queue,
		Name:         job.Name,
		State:        string(job.State()),
		Progress:     orNull(job.Progress),
		Result:       orNull(job.ReturnValue),
		AttemptsMade: job.AttemptsMade,
		MaxAttempts:  job.Opts.Attempts,
		Timestamp:    job.CreatedAt.UnixMilli(),
	}

	if job.FailedReason != "" {
		reason := job.FailedReason
		out.FailedReason = &reason
	}
	if job.ProcessedAt != nil {
		ms := job.ProcessedAt.UnixMilli()
		out.ProcessedOn = &ms
	}
	if job.FinishedAt != nil {
		ms := job.FinishedAt.UnixMilli()
		out.FinishedOn = &ms
	}

	return out
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// EnqueueResponse is returned by every endpoint that accepts work
type EnqueueResponse struct {
	JobID string `json:"job_id"`
}

type ImportInventoryResponse struct {
	JobID      string `json:"job_id"`
	TotalRows  int    `json:"total_rows"`
	ArchiveKey string `json:"archive_key,omitempty"`
}

type ReminderRequest struct {
	Type string `json:"type" binding:"required,max=32"`
}
