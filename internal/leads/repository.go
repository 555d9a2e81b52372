package leads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
	_ "time/tzdata"

	"github.com/jmoiron/sqlx"
)

var (
	// ErrLeadNotFound is returned when a lead cannot be found in the database
	ErrLeadNotFound = errors.New("lead not found")

	// ErrAppointmentNotFound is returned when an appointment cannot be found in the database
	ErrAppointmentNotFound = errors.New("appointment not found")

	// ErrDealershipNotFound is returned when a dealership cannot be found in the database
	ErrDealershipNotFound = errors.New("dealership not found")
)

// Dealership is a store location
type Dealership struct {
	ID       string         `db:"id"`
	Name     string         `db:"name"`
	Phone    sql.NullString `db:"phone"`
	Address  sql.NullString `db:"address"`
	Timezone string         `db:"timezone"`
}

// Location returns the dealership time zone, falling back to UTC
func (d *Dealership) Location() *time.Location {
	if loc, err := time.LoadLocation(d.Timezone); err == nil && d.Timezone != "" {
		return loc
	}
	return time.UTC
}

// Lead is a captured prospect
type Lead struct {
	ID           string         `db:"id"`
	DealershipID string         `db:"dealership_id"`
	Name         string         `db:"name"`
	Email        sql.NullString `db:"email"`
	Phone        sql.NullString `db:"phone"`
	Source       sql.NullString `db:"source"`
	PushedToCRM  bool           `db:"pushed_to_crm"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

// Appointment is a scheduled visit of a lead
type Appointment struct {
	ID           string         `db:"id"`
	DealershipID string         `db:"dealership_id"`
	LeadID       string         `db:"lead_id"`
	VehicleID    sql.NullString `db:"vehicle_id"`
	ScheduledAt  time.Time      `db:"scheduled_at"`
	Status       string         `db:"status"`
	Notes        sql.NullString `db:"notes"`
}

// Repository reads and updates leads, appointments and dealerships
type Repository struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewRepository creates a new leads repository
func NewRepository(db *sqlx.DB, logger *slog.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// GetLead retrieves a lead by its ID
func (r *Repository) GetLead(ctx context.Context, id string) (*Lead, error) {
	var lead Lead
	err := r.db.GetContext(ctx, &lead, r.db.Rebind(`
		SELECT id, dealership_id, name, email, phone, source, pushed_to_crm, created_at, updated_at
		FROM leads WHERE id = ?
	`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLeadNotFound
		}
		return nil, fmt.Errorf("failed to get lead: %w", err)
	}
	return &lead, nil
}

// SetPushedToCRM records the CRM push status of a lead and stamps updated_at
func (r *Repository) SetPushedToCRM(ctx context.Context, id string, pushed bool) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE leads SET pushed_to_crm = ?, updated_at = ? WHERE id = ?
	`), pushed, r.now(), id)
	if err != nil {
		return fmt.Errorf("failed to update lead CRM status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrLeadNotFound
	}
	return nil
}

// GetAppointment retrieves an appointment by its ID
func (r *Repository) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	var appt Appointment
	err := r.db.GetContext(ctx, &appt, r.db.Rebind(`
		SELECT id, dealership_id, lead_id, vehicle_id, scheduled_at, status, notes
		FROM appointments WHERE id = ?
	`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, fmt.Errorf("failed to get appointment: %w", err)
	}
	return &appt, nil
}

// GetDealership retrieves a dealership by its ID
func (r *Repository) GetDealership(ctx context.Context, id string) (*Dealership, error) {
	var d Dealership
	err := r.db.GetContext(ctx, &d, r.db.Rebind(`
		SELECT id, name, phone, address, timezone FROM dealerships WHERE id = ?
	`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDealershipNotFound
		}
		return nil, fmt.Errorf("failed to get dealership: %w", err)
	}
	return &d, nil
}

// CreateDealership inserts a dealership
func (r *Repository) CreateDealership(ctx context.Context, d *Dealership) error {
	if d.Timezone == "" {
		d.Timezone = "UTC"
	}
	now := r.now()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO dealerships (id, name, phone, address, timezone, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), d.ID, d.Name, d.Phone, d.Address, d.Timezone, now, now)
	if err != nil {
		return fmt.Errorf("failed to create dealership: %w", err)
	}
	return nil
}

// CreateLead inserts a lead
func (r *Repository) CreateLead(ctx context.Context, l *Lead) error {
	now := r.now()
	l.CreatedAt, l.UpdatedAt = now, now
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO leads (id, dealership_id, name, email, phone, source, pushed_to_crm, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), l.ID, l.DealershipID, l.Name, l.Email, l.Phone, l.Source, l.PushedToCRM, now, now)
	if err != nil {
		return fmt.Errorf("failed to create lead: %w", err)
	}
	return nil
}

// CreateAppointment inserts an appointment
func (r *Repository) CreateAppointment(ctx context.Context, a *Appointment) error {
	if a.Status == "" {
		a.Status = "SCHEDULED"
	}
	now := r.now()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO appointments (id, dealership_id, lead_id, vehicle_id, scheduled_at, status, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), a.ID, a.DealershipID, a.LeadID, a.VehicleID, a.ScheduledAt.UTC(), a.Status, a.Notes, now, now)
	if err != nil {
		return fmt.Errorf("failed to create appointment: %w", err)
	}
	return nil
}
