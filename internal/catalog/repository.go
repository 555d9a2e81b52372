package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Availability of a catalog entry
type Availability string

const (
	AvailabilityInStock Availability = "IN_STOCK"
	AvailabilitySold    Availability = "SOLD"
	AvailabilityPending Availability = "PENDING"
)

// ErrVehicleNotFound is returned when no catalog entry matches
var ErrVehicleNotFound = errors.New("vehicle not found")

// Vehicle is one catalog entry of a dealership, unique on (DealershipID, VIN)
type Vehicle struct {
	ID           string       `json:"id"`
	DealershipID string       `json:"dealership_id"`
	VIN          string       `json:"vin"`
	StockNumber  *string      `json:"stock_number"`
	Year         *int         `json:"year"`
	Make         *string      `json:"make"`
	Model        *string      `json:"model"`
	Trim         *string      `json:"trim"`
	Condition    *string      `json:"condition"`
	Price        *float64     `json:"price"`
	Mileage      *int         `json:"mileage"`
	Color        *string      `json:"color"`
	BodyType     *string      `json:"body_type"`
	Images       []string     `json:"images"`
	Availability Availability `json:"availability"`
	Featured     bool         `json:"featured"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Title is a short human label such as "2021 Ford F-150"
func (v *Vehicle) Title() string {
	title := ""
	if v.Year != nil {
		title = fmt.Sprintf("%d", *v.Year)
	}
	for _, part := range []*string{v.Make, v.Model, v.Trim} {
		if part != nil && *part != "" {
			if title != "" {
				title += " "
			}
			title += *part
		}
	}
	if title == "" {
		return v.VIN
	}
	return title
}

const vehicleColumns = `id, dealership_id, vin, stock_number, year, make, model, trim_level, vehicle_condition,
	price, mileage, color, body_type, images, availability, featured, created_at, updated_at`

type vehicleRow struct {
	ID           string          `db:"id"`
	DealershipID string          `db:"dealership_id"`
	VIN          string          `db:"vin"`
	StockNumber  sql.NullString  `db:"stock_number"`
	Year         sql.NullInt64   `db:"year"`
	Make         sql.NullString  `db:"make"`
	Model        sql.NullString  `db:"model"`
	Trim         sql.NullString  `db:"trim_level"`
	Condition    sql.NullString  `db:"vehicle_condition"`
	Price        sql.NullFloat64 `db:"price"`
	Mileage      sql.NullInt64   `db:"mileage"`
	Color        sql.NullString  `db:"color"`
	BodyType     sql.NullString  `db:"body_type"`
	Images       string          `db:"images"`
	Availability string          `db:"availability"`
	Featured     bool            `db:"featured"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

func (r *vehicleRow) toVehicle() (*Vehicle, error) {
	v := &Vehicle{
		ID:           r.ID,
		DealershipID: r.DealershipID,
		VIN:          r.VIN,
		StockNumber:  nullString(r.StockNumber),
		Year:         nullInt(r.Year),
		Make:         nullString(r.Make),
		Model:        nullString(r.Model),
		Trim:         nullString(r.Trim),
		Condition:    nullString(r.Condition),
		Mileage:      nullInt(r.Mileage),
		Color:        nullString(r.Color),
		BodyType:     nullString(r.BodyType),
		Availability: Availability(r.Availability),
		Featured:     r.Featured,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.Price.Valid {
		p := r.Price.Float64
		v.Price = &p
	}
	if err := json.Unmarshal([]byte(r.Images), &v.Images); err != nil {
		return nil, fmt.Errorf("failed to decode vehicle images: %w", err)
	}
	return v, nil
}

// Repository persists the vehicle catalog
type Repository struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewRepository creates a new catalog repository
func NewRepository(db *sqlx.DB, logger *slog.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Upsert creates the entry for (DealershipID, VIN) or overwrites every
// descriptive field of the existing one, forcing availability to IN_STOCK.
// It reports whether the write created the entry: a fresh row carries
// identical created and updated timestamps.
func (r *Repository) Upsert(ctx context.Context, v *Vehicle) (bool, error) {
	images := v.Images
	if images == nil {
		images = []string{}
	}
	imagesJSON, err := json.Marshal(images)
	if err != nil {
		return false, fmt.Errorf("failed to encode vehicle images: %w", err)
	}

	now := r.now()
	query := r.db.Rebind(`
		INSERT INTO vehicles (` + vehicleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dealership_id, vin) DO UPDATE SET
			stock_number = excluded.stock_number,
			year = excluded.year,
			make = excluded.make,
			model = excluded.model,
			trim_level = excluded.trim_level,
			vehicle_condition = excluded.vehicle_condition,
			price = excluded.price,
			mileage = excluded.mileage,
			color = excluded.color,
			body_type = excluded.body_type,
			images = excluded.images,
			availability = excluded.availability,
			updated_at = excluded.updated_at
		RETURNING id, created_at = updated_at
	`)

	var created bool
	err = r.db.QueryRowxContext(ctx, query,
		uuid.NewString(),
		v.DealershipID,
		v.VIN,
		v.StockNumber,
		v.Year,
		v.Make,
		v.Model,
		v.Trim,
		v.Condition,
		v.Price,
		v.Mileage,
		v.Color,
		v.BodyType,
		string(imagesJSON),
		string(AvailabilityInStock),
		false,
		now,
		now,
	).Scan(&v.ID, &created)
	if err != nil {
		return false, fmt.Errorf("failed to upsert vehicle %s: %w", v.VIN, err)
	}

	v.Availability = AvailabilityInStock
	return created, nil
}

// soldBatchSize bounds the bind parameters of one reconciliation UPDATE,
// well under the SQLite and Postgres limits.
const soldBatchSize = 500

// MarkMissingAsSold flips every IN_STOCK entry of the dealership whose VIN
// is not in seen to SOLD and returns the affected count. An empty seen set
// is a no-op. The seen set is matched in Go so its size never reaches the
// statement; the missing VINs are updated in batches inside one transaction.
func (r *Repository) MarkMissingAsSold(ctx context.Context, dealershipID string, seen []string) (int64, error) {
	if len(seen) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin reconciliation: %w", err)
	}
	defer tx.Rollback()

	var inStock []string
	if err := tx.SelectContext(ctx, &inStock, tx.Rebind(`
		SELECT vin FROM vehicles WHERE dealership_id = ? AND availability = ?
	`), dealershipID, string(AvailabilityInStock)); err != nil {
		return 0, fmt.Errorf("failed to list in-stock vehicles: %w", err)
	}

	inFeed := make(map[string]struct{}, len(seen))
	for _, vin := range seen {
		inFeed[vin] = struct{}{}
	}
	var missing []string
	for _, vin := range inStock {
		if _, ok := inFeed[vin]; !ok {
			missing = append(missing, vin)
		}
	}

	now := r.now()
	var marked int64
	for start := 0; start < len(missing); start += soldBatchSize {
		batch := missing[start:min(start+soldBatchSize, len(missing))]

		query, args, err := sqlx.In(`
			UPDATE vehicles
			SET availability = ?, updated_at = ?
			WHERE dealership_id = ?
			  AND availability = ?
			  AND vin IN (?)
		`, string(AvailabilitySold), now, dealershipID, string(AvailabilityInStock), batch)
		if err != nil {
			return 0, fmt.Errorf("failed to build reconciliation query: %w", err)
		}

		res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return 0, fmt.Errorf("failed to mark missing vehicles as sold: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		marked += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit reconciliation: %w", err)
	}

	r.logger.Info("Marked missing vehicles as sold",
		slog.String("dealership_id", dealershipID),
		slog.Int("seen", len(seen)),
		slog.Int64("marked_sold", marked),
	)

	return marked, nil
}

// Get returns the entry of a dealership by VIN
func (r *Repository) Get(ctx context.Context, dealershipID, vin string) (*Vehicle, error) {
	return r.getOne(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE dealership_id = ? AND vin = ?`, dealershipID, vin)
}

// GetByID returns the entry with the given ID
func (r *Repository) GetByID(ctx context.Context, id string) (*Vehicle, error) {
	return r.getOne(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE id = ?`, id)
}

// List returns the entries of a dealership ordered by VIN, optionally
// filtered by availability
func (r *Repository) List(ctx context.Context, dealershipID string, availability Availability) ([]*Vehicle, error) {
	query := `SELECT ` + vehicleColumns + ` FROM vehicles WHERE dealership_id = ?`
	args := []any{dealershipID}
	if availability != "" {
		query += ` AND availability = ?`
		args = append(args, string(availability))
	}
	query += ` ORDER BY vin`

	var rows []vehicleRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list vehicles: %w", err)
	}

	vehicles := make([]*Vehicle, 0, len(rows))
	for i := range rows {
		v, err := rows[i].toVehicle()
		if err != nil {
			return nil, err
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, nil
}

func (r *Repository) getOne(ctx context.Context, query string, args ...any) (*Vehicle, error) {
	var row vehicleRow
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrVehicleNotFound
		}
		return nil, fmt.Errorf("failed to get vehicle: %w", err)
	}
	return row.toVehicle()
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func nullInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
