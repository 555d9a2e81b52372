package handler

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/dealer-jobs/internal/api/dto"
	"github.com/cuongbtq/dealer-jobs/internal/inventory"
	"github.com/cuongbtq/dealer-jobs/internal/queue"
)

// ImportInventory handles POST /api/v1/dealerships/:dealership_id/inventory/import
// Parses the uploaded CSV up front and enqueues the rows as an inventory-import job
func (h *InventoryHandler) ImportInventory(c *gin.Context) {
	dealershipID := strings.TrimSpace(c.Param("dealership_id"))
	if dealershipID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "dealership_id is required",
		})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "file exceeds upload limit",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "file is required",
		})
		return
	}

	markMissing, err := parseOptionalBool(c.PostForm("mark_missing_as_sold"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "mark_missing_as_sold must be a boolean",
		})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		h.logger.Error("Failed to open upload", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "file could not be read",
		})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "file could not be read",
		})
		return
	}

	rows, err := inventory.ParseCSV(bytes.NewReader(data))
	if err != nil {
		h.logger.Warn("Rejected inventory upload",
			slog.String("dealership_id", dealershipID),
			slog.String("filename", fileHeader.Filename),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()

	var archiveKey string
	if h.archive != nil {
		archiveKey, err = h.archive.PutInventoryFile(ctx, dealershipID, fileHeader.Filename, data)
		if err != nil {
			// the rows are already parsed, so the import goes ahead without a copy
			h.logger.Warn("Failed to archive inventory file",
				slog.String("dealership_id", dealershipID),
				slog.Any("error", err),
			)
		}
	}

	job, err := h.queue.EnqueueInventoryImport(ctx, queue.InventoryImportPayload{
		DealershipID:      dealershipID,
		Rows:              rows,
		MarkMissingAsSold: markMissing,
		TotalRows:         len(rows),
	})
	if err != nil {
		h.logger.Error("Failed to enqueue inventory import",
			slog.String("dealership_id", dealershipID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue inventory import",
		})
		return
	}

	h.logger.Info("Inventory import accepted",
		slog.String("job_id", job.ID),
		slog.String("dealership_id", dealershipID),
		slog.Int("total_rows", len(rows)),
		slog.Bool("mark_missing_as_sold", markMissing),
	)

	c.JSON(http.StatusAccepted, dto.ImportInventoryResponse{
		JobID:      job.ID,
		TotalRows:  len(rows),
		ArchiveKey: archiveKey,
	})
}

func parseOptionalBool(s string) (bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}
