package jobs

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/dealer-jobs/internal/inventory"
	"github.com/cuongbtq/dealer-jobs/internal/queue"
)

// InventoryImportHandler runs inventory-import jobs
type InventoryImportHandler struct {
	importer *inventory.Importer
	logger   *slog.Logger
}

// NewInventoryImportHandler creates the inventory-import handler
func NewInventoryImportHandler(importer *inventory.Importer, logger *slog.Logger) *InventoryImportHandler {
	return &InventoryImportHandler{importer: importer, logger: logger}
}

// Process imports the batch and returns the Import Result as the job value
func (h *InventoryImportHandler) Process(ctx context.Context, job *queue.Job) (any, error) {
	var payload queue.InventoryImportPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}

	progress := func(ctx context.Context, p inventory.Progress) error {
		return job.UpdateProgress(ctx, p)
	}

	result, err := h.importer.Import(ctx, inventory.Request{
		DealershipID:      payload.DealershipID,
		Rows:              payload.Rows,
		MarkMissingAsSold: payload.MarkMissingAsSold,
		TotalRows:         payload.TotalRows,
	}, progress)
	if err != nil {
		return nil, err
	}

	h.logger.Debug("Inventory import job done",
		slog.String("job_id", job.ID),
		slog.Int("row_errors", len(result.Errors)),
	)
	return result, nil
}
