package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/dealer-jobs/internal/catalog"
	"github.com/cuongbtq/dealer-jobs/internal/leads"
	"github.com/cuongbtq/dealer-jobs/internal/notify"
	"github.com/cuongbtq/dealer-jobs/internal/queue"
)

// Reminder types with dedicated wording
const (
	ReminderDayBefore  = "24h"
	ReminderHourBefore = "1h"
)

const reminderTimeLayout = "Monday, January 2 at 3:04 PM MST"

// AppointmentStore loads an appointment and the records it points at
type AppointmentStore interface {
	GetAppointment(ctx context.Context, id string) (*leads.Appointment, error)
	GetLead(ctx context.Context, id string) (*leads.Lead, error)
	GetDealership(ctx context.Context, id string) (*leads.Dealership, error)
}

// VehicleLookup loads a catalog entry by ID
type VehicleLookup interface {
	GetByID(ctx context.Context, id string) (*catalog.Vehicle, error)
}

// Notifier delivers a reminder
type Notifier interface {
	Send(ctx context.Context, msg notify.Message) error
}

// ReminderResult is the return value of an appointment-reminders job
type ReminderResult struct {
	AppointmentID string         `json:"appointment_id"`
	Type          string         `json:"type"`
	Channel       notify.Channel `json:"channel"`
}

// AppointmentReminderHandler runs appointment-reminders jobs
type AppointmentReminderHandler struct {
	store    AppointmentStore
	vehicles VehicleLookup
	notifier Notifier
	logger   *slog.Logger
}

// NewAppointmentReminderHandler creates the appointment-reminders handler
func NewAppointmentReminderHandler(store AppointmentStore, vehicles VehicleLookup, notifier Notifier, logger *slog.Logger) *AppointmentReminderHandler {
	return &AppointmentReminderHandler{
		store:    store,
		vehicles: vehicles,
		notifier: notifier,
		logger:   logger,
	}
}

// Process sends one reminder. Nothing is compensated when it fails.
func (h *AppointmentReminderHandler) Process(ctx context.Context, job *queue.Job) (any, error) {
	var payload queue.AppointmentReminderPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}

	appt, err := h.store.GetAppointment(ctx, payload.AppointmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load appointment %s: %w", payload.AppointmentID, err)
	}

	lead, err := h.store.GetLead(ctx, appt.LeadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load lead %s: %w", appt.LeadID, err)
	}

	dealer, err := h.store.GetDealership(ctx, appt.DealershipID)
	if err != nil {
		return nil, fmt.Errorf("failed to load dealership %s: %w", appt.DealershipID, err)
	}

	var vehicle *catalog.Vehicle
	if appt.VehicleID.Valid {
		vehicle, err = h.vehicles.GetByID(ctx, appt.VehicleID.String)
		if errors.Is(err, catalog.ErrVehicleNotFound) {
			h.logger.Warn("Appointment vehicle not found, sending reminder without it",
				slog.String("appointment_id", appt.ID),
				slog.String("vehicle_id", appt.VehicleID.String),
			)
			vehicle = nil
		} else if err != nil {
			return nil, fmt.Errorf("failed to load vehicle %s: %w", appt.VehicleID.String, err)
		}
	}

	msg, err := BuildReminder(appt, lead, dealer, vehicle, payload.Type)
	if err != nil {
		return nil, err
	}
	msg.Metadata["job_id"] = job.ID

	if err := h.notifier.Send(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to send reminder: %w", err)
	}

	h.logger.Info("Appointment reminder sent",
		slog.String("job_id", job.ID),
		slog.String("appointment_id", appt.ID),
		slog.String("type", payload.Type),
		slog.String("channel", string(msg.Channel)),
	)
	return ReminderResult{AppointmentID: appt.ID, Type: payload.Type, Channel: msg.Channel}, nil
}

// BuildReminder renders the reminder for the lead's preferred channel: SMS
// when a phone number is known, email otherwise
func BuildReminder(appt *leads.Appointment, lead *leads.Lead, dealer *leads.Dealership, vehicle *catalog.Vehicle, reminderType string) (notify.Message, error) {
	msg := notify.Message{
		Metadata: map[string]string{
			"appointment_id": appt.ID,
			"type":           reminderType,
		},
	}

	switch {
	case strings.TrimSpace(lead.Phone.String) != "":
		msg.Channel = notify.ChannelSMS
		msg.To = strings.TrimSpace(lead.Phone.String)
	case strings.TrimSpace(lead.Email.String) != "":
		msg.Channel = notify.ChannelEmail
		msg.To = strings.TrimSpace(lead.Email.String)
	default:
		return notify.Message{}, fmt.Errorf("lead %s has no phone or email: %w", lead.ID, notify.ErrNoRecipient)
	}

	when := appt.ScheduledAt.In(dealer.Location()).Format(reminderTimeLayout)

	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s, ", firstName(lead.Name))
	switch reminderType {
	case ReminderDayBefore:
		msg.Subject = fmt.Sprintf("Your appointment at %s is tomorrow", dealer.Name)
		fmt.Fprintf(&b, "this is a reminder that your appointment at %s is tomorrow, %s", dealer.Name, when)
	case ReminderHourBefore:
		msg.Subject = fmt.Sprintf("Your appointment at %s starts in 1 hour", dealer.Name)
		fmt.Fprintf(&b, "your appointment at %s starts in about an hour (%s)", dealer.Name, when)
	default:
		msg.Subject = fmt.Sprintf("Appointment reminder from %s", dealer.Name)
		fmt.Fprintf(&b, "this is a reminder of your appointment at %s on %s", dealer.Name, when)
	}

	if vehicle != nil {
		fmt.Fprintf(&b, " to see the %s", vehicle.Title())
	}
	b.WriteString(".")

	if dealer.Address.Valid && dealer.Address.String != "" {
		fmt.Fprintf(&b, " Address: %s.", dealer.Address.String)
	}
	if dealer.Phone.Valid && dealer.Phone.String != "" {
		fmt.Fprintf(&b, " Questions? Call us at %s.", dealer.Phone.String)
	}

	msg.Body = b.String()
	return msg, nil
}

func firstName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return "there"
	}
	return fields[0]
}
