package queue

import (
	"context"

	"github.com/cuongbtq/dealer-jobs/internal/inventory"
)

// InventoryImportPayload is the body of an inventory-import job
type InventoryImportPayload struct {
	DealershipID      string          `json:"dealership_id" validate:"required"`
	Rows              []inventory.Row `json:"rows" validate:"required,min=1"`
	MarkMissingAsSold bool            `json:"mark_missing_as_sold"`
	TotalRows         int             `json:"total_rows" validate:"gte=0"`
}

// CRMPushPayload is the body of a crm-push job
type CRMPushPayload struct {
	LeadID string `json:"lead_id" validate:"required"`
}

// AppointmentReminderPayload is the body of an appointment-reminders job
type AppointmentReminderPayload struct {
	AppointmentID string `json:"appointment_id" validate:"required"`
	Type          string `json:"type" validate:"max=32"`
}

// EnqueueInventoryImport enqueues an import of the given rows
func (c *Client) EnqueueInventoryImport(ctx context.Context, payload InventoryImportPayload) (*Job, error) {
	return c.Enqueue(ctx, QueueInventoryImport, JobImportInventory, payload, nil)
}

// EnqueueCRMPush enqueues a push of one lead to the CRM
func (c *Client) EnqueueCRMPush(ctx context.Context, leadID string) (*Job, error) {
	return c.Enqueue(ctx, QueueCRMPush, JobPushLead, CRMPushPayload{LeadID: leadID}, nil)
}

// EnqueueAppointmentReminder enqueues a reminder for one appointment
func (c *Client) EnqueueAppointmentReminder(ctx context.Context, appointmentID, reminderType string) (*Job, error) {
	return c.Enqueue(ctx, QueueAppointmentReminders, JobSendReminder, AppointmentReminderPayload{
		AppointmentID: appointmentID,
		Type:          reminderType,
	}, nil)
}
