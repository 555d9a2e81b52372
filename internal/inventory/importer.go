package inventory

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strings"

	"github.com/cuongbtq/dealer-jobs/internal/catalog"
)

var errMissingVIN = errors.New("Missing VIN")

// Catalog is the vehicle store written by an import
type Catalog interface {
	Upsert(ctx context.Context, v *catalog.Vehicle) (created bool, err error)
	MarkMissingAsSold(ctx context.Context, dealershipID string, seen []string) (int64, error)
}

// Request is one import batch
type Request struct {
	DealershipID      string
	Rows              []Row
	MarkMissingAsSold bool
	TotalRows         int
}

// Progress is published after every row
type Progress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
}

// ProgressFunc receives progress snapshots; a nil func disables reporting
type ProgressFunc func(ctx context.Context, p Progress) error

// RowError is a failure confined to one row; Row is 1-based
type RowError struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

// Result is the outcome of an import and the return value of its job
type Result struct {
	Processed  int        `json:"processed"`
	Total      int        `json:"total"`
	Created    int        `json:"created"`
	Updated    int        `json:"updated"`
	Errors     []RowError `json:"errors"`
	MarkedSold int64      `json:"marked_sold"`
}

// Importer applies inventory batches to the catalog
type Importer struct {
	catalog Catalog
	logger  *slog.Logger
}

// NewImporter creates a new importer
func NewImporter(c Catalog, logger *slog.Logger) *Importer {
	return &Importer{
		catalog: c,
		logger:  logger,
	}
}

// Import processes the rows in order. Row failures are collected in the
// result; only infrastructure failures abort the batch.
func (im *Importer) Import(ctx context.Context, req Request, progress ProgressFunc) (*Result, error) {
	total := req.TotalRows
	if total <= 0 {
		total = len(req.Rows)
	}

	result := &Result{
		Total:  len(req.Rows),
		Errors: []RowError{},
	}

	// seen holds every non-empty VIN of the batch, including rows that fail
	// later validation, so reconciliation never sells a vehicle in the feed
	seen := make(map[string]struct{}, len(req.Rows))
	var seenOrder []string

	for i, row := range req.Rows {
		index := i + 1
		result.Processed++

		created, err := im.importRow(ctx, req.DealershipID, row, func(vin string) {
			if _, ok := seen[vin]; !ok {
				seen[vin] = struct{}{}
				seenOrder = append(seenOrder, vin)
			}
		})
		switch {
		case err != nil && IsInfrastructureError(err):
			return nil, fmt.Errorf("import aborted at row %d: %w", index, err)
		case err != nil:
			result.Errors = append(result.Errors, RowError{Row: index, Error: err.Error()})
		case created:
			result.Created++
		default:
			result.Updated++
		}

		if progress != nil {
			if err := progress(ctx, Progress{Processed: result.Processed, Total: total}); err != nil {
				if IsInfrastructureError(err) {
					return nil, fmt.Errorf("import aborted at row %d: %w", index, err)
				}
				im.logger.Warn("Failed to publish import progress",
					slog.Int("row", index),
					slog.Any("error", err),
				)
			}
		}
	}

	if req.MarkMissingAsSold && len(seenOrder) > 0 {
		n, err := im.catalog.MarkMissingAsSold(ctx, req.DealershipID, seenOrder)
		if err != nil {
			return nil, fmt.Errorf("failed to reconcile catalog: %w", err)
		}
		result.MarkedSold = n
	}

	im.logger.Info("Inventory import finished",
		slog.String("dealership_id", req.DealershipID),
		slog.Int("processed", result.Processed),
		slog.Int("created", result.Created),
		slog.Int("updated", result.Updated),
		slog.Int("errors", len(result.Errors)),
		slog.Int64("marked_sold", result.MarkedSold),
	)

	return result, nil
}

func (im *Importer) importRow(ctx context.Context, dealershipID string, row Row, markSeen func(string)) (bool, error) {
	vin := NormalizeVIN(row.VIN)
	if vin == "" {
		return false, errMissingVIN
	}
	markSeen(vin)

	raw := ""
	if row.Condition != nil {
		raw = *row.Condition
	}
	condition, err := ParseCondition(raw)
	if err != nil {
		return false, err
	}
	conditionValue := string(condition)

	var price *float64
	if row.Price != nil && !math.IsNaN(*row.Price) && !math.IsInf(*row.Price, 0) {
		p := *row.Price
		price = &p
	}

	images := make([]string, 0, len(row.Images))
	for _, url := range row.Images {
		if url = strings.TrimSpace(url); url != "" {
			images = append(images, url)
		}
	}

	return im.catalog.Upsert(ctx, &catalog.Vehicle{
		DealershipID: dealershipID,
		VIN:          vin,
		StockNumber:  row.StockNumber,
		Year:         row.Year,
		Make:         row.Make,
		Model:        row.Model,
		Trim:         row.Trim,
		Condition:    &conditionValue,
		Price:        price,
		Mileage:      row.Mileage,
		Color:        row.Color,
		BodyType:     row.BodyType,
		Images:       images,
	})
}

// IsInfrastructureError reports failures that mean the store itself is gone
// rather than that one row was rejected
func IsInfrastructureError(err error) bool {
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
