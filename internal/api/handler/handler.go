package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/dealer-jobs/internal/queue"
)

// DefaultMaxUploadBytes caps inventory uploads when no limit is configured
const DefaultMaxUploadBytes int64 = 10 << 20

// JobQueue is the part of the queue client the HTTP API uses
type JobQueue interface {
	GetJob(ctx context.Context, jobID string) (*queue.Job, error)
	ListJobs(ctx context.Context, filter queue.JobFilter) ([]*queue.Job, bool, error)
	RemoveJob(ctx context.Context, jobID string) error
	EnqueueInventoryImport(ctx context.Context, payload queue.InventoryImportPayload) (*queue.Job, error)
	EnqueueCRMPush(ctx context.Context, leadID string) (*queue.Job, error)
	EnqueueAppointmentReminder(ctx context.Context, appointmentID, reminderType string) (*queue.Job, error)
}

// Archiver keeps a copy of uploaded inventory files
type Archiver interface {
	PutInventoryFile(ctx context.Context, dealershipID, filename string, data []byte) (string, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger *slog.Logger
	Queue  JobQueue
	// Archive is optional
	Archive        Archiver
	HealthCheck    func(ctx context.Context) error
	MaxUploadBytes int64
	ServiceName    string
}

// JobHandler handles job polling and housekeeping requests
type JobHandler struct {
	logger *slog.Logger
	queue  JobQueue
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		queue:  deps.Queue,
	}
}

// InventoryHandler accepts inventory uploads
type InventoryHandler struct {
	logger         *slog.Logger
	queue          JobQueue
	archive        Archiver
	maxUploadBytes int64
}

// NewInventoryHandler creates a new InventoryHandler instance
func NewInventoryHandler(deps *Dependencies) *InventoryHandler {
	limit := deps.MaxUploadBytes
	if limit <= 0 {
		limit = DefaultMaxUploadBytes
	}

	return &InventoryHandler{
		logger:         deps.Logger,
		queue:          deps.Queue,
		archive:        deps.Archive,
		maxUploadBytes: limit,
	}
}

// LeadHandler enqueues CRM pushes and appointment reminders
type LeadHandler struct {
	logger *slog.Logger
	queue  JobQueue
}

// NewLeadHandler creates a new LeadHandler instance
func NewLeadHandler(deps *Dependencies) *LeadHandler {
	return &LeadHandler{
		logger: deps.Logger,
		queue:  deps.Queue,
	}
}
