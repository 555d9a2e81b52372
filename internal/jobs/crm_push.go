package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/dealer-jobs/internal/crm"
	"github.com/cuongbtq/dealer-jobs/internal/leads"
	"github.com/cuongbtq/dealer-jobs/internal/queue"
)

// LeadStore reads leads and records their CRM status
type LeadStore interface {
	GetLead(ctx context.Context, id string) (*leads.Lead, error)
	SetPushedToCRM(ctx context.Context, id string, pushed bool) error
}

// CRMPusher sends a lead to the CRM
type CRMPusher interface {
	PushLead(ctx context.Context, lead crm.LeadPayload) error
}

// CRMPushResult is the return value of a crm-push job
type CRMPushResult struct {
	LeadID   string    `json:"lead_id"`
	PushedAt time.Time `json:"pushed_at"`
}

// CRMPushHandler runs crm-push jobs
type CRMPushHandler struct {
	leads  LeadStore
	crm    CRMPusher
	logger *slog.Logger
}

// NewCRMPushHandler creates the crm-push handler
func NewCRMPushHandler(store LeadStore, pusher CRMPusher, logger *slog.Logger) *CRMPushHandler {
	return &CRMPushHandler{leads: store, crm: pusher, logger: logger}
}

// Process pushes the lead and flags it as pushed. When the last attempt
// fails the flag is cleared before the error is returned.
func (h *CRMPushHandler) Process(ctx context.Context, job *queue.Job) (any, error) {
	var payload queue.CRMPushPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}

	if err := h.push(ctx, payload.LeadID); err != nil {
		if isFinalAttempt(job) {
			h.markNotPushed(ctx, job, payload.LeadID)
		}
		return nil, err
	}

	h.logger.Info("Lead pushed to CRM",
		slog.String("job_id", job.ID),
		slog.String("lead_id", payload.LeadID),
		slog.Int("attempt", job.AttemptsMade),
	)
	return CRMPushResult{LeadID: payload.LeadID, PushedAt: time.Now().UTC()}, nil
}

// HandleFinalFailure clears the CRM flag of a crm-push job that failed for
// good outside Process, such as a last attempt recovered as stalled.
func (h *CRMPushHandler) HandleFinalFailure(ctx context.Context, job *queue.Job) {
	var payload queue.CRMPushPayload
	if err := decodePayload(job, &payload); err != nil {
		return
	}
	h.markNotPushed(ctx, job, payload.LeadID)
}

func (h *CRMPushHandler) push(ctx context.Context, leadID string) error {
	lead, err := h.leads.GetLead(ctx, leadID)
	if err != nil {
		return fmt.Errorf("failed to load lead %s: %w", leadID, err)
	}

	if err := h.crm.PushLead(ctx, toCRMLead(lead)); err != nil {
		return fmt.Errorf("failed to push lead %s: %w", leadID, err)
	}

	if err := h.leads.SetPushedToCRM(ctx, leadID, true); err != nil {
		return fmt.Errorf("failed to flag lead %s as pushed: %w", leadID, err)
	}
	return nil
}

func (h *CRMPushHandler) markNotPushed(ctx context.Context, job *queue.Job, leadID string) {
	err := h.leads.SetPushedToCRM(context.WithoutCancel(ctx), leadID, false)
	switch {
	case errors.Is(err, leads.ErrLeadNotFound):
	case err != nil:
		h.logger.Error("Failed to clear CRM flag after final attempt",
			slog.String("job_id", job.ID),
			slog.String("lead_id", leadID),
			slog.String("error", err.Error()),
		)
	default:
		h.logger.Warn("CRM push exhausted its attempts, lead flagged as not pushed",
			slog.String("job_id", job.ID),
			slog.String("lead_id", leadID),
			slog.Int("attempts", job.AttemptsMade),
		)
	}
}

func toCRMLead(l *leads.Lead) crm.LeadPayload {
	return crm.LeadPayload{
		ExternalID:   l.ID,
		DealershipID: l.DealershipID,
		Name:         l.Name,
		Email:        l.Email.String,
		Phone:        l.Phone.String,
		Source:       l.Source.String,
		CreatedAt:    l.CreatedAt,
	}
}
