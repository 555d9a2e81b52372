package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/dealer-jobs/internal/api/dto"
)

// PushLead handles POST /api/v1/leads/:lead_id/crm-push
func (h *LeadHandler) PushLead(c *gin.Context) {
	leadID := strings.TrimSpace(c.Param("lead_id"))
	if leadID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "lead_id is required",
		})
		return
	}

	job, err := h.queue.EnqueueCRMPush(c.Request.Context(), leadID)
	if err != nil {
		h.logger.Error("Failed to enqueue CRM push", slog.String("lead_id", leadID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue CRM push",
		})
		return
	}

	c.JSON(http.StatusAccepted, dto.EnqueueResponse{JobID: job.ID})
}

// SendReminder handles POST /api/v1/appointments/:appointment_id/reminders
func (h *LeadHandler) SendReminder(c *gin.Context) {
	appointmentID := strings.TrimSpace(c.Param("appointment_id"))
	if appointmentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "appointment_id is required",
		})
		return
	}

	var req dto.ReminderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid reminder request", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	job, err := h.queue.EnqueueAppointmentReminder(c.Request.Context(), appointmentID, req.Type)
	if err != nil {
		h.logger.Error("Failed to enqueue reminder",
			slog.String("appointment_id", appointmentID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue reminder",
		})
		return
	}

	c.JSON(http.StatusAccepted, dto.EnqueueResponse{JobID: job.ID})
}
