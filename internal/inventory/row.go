package inventory

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingColumns is returned when a CSV header lacks required columns
	ErrMissingColumns = errors.New("missing required columns")

	// ErrNoRows is returned when an upload carries no row with a VIN
	ErrNoRows = errors.New("no rows with a VIN")

	// ErrInvalidCSV is returned when the upload cannot be parsed as CSV
	ErrInvalidCSV = errors.New("invalid CSV")
)

// Row is one inventory record as submitted in an import
type Row struct {
	VIN         string   `json:"vin"`
	StockNumber *string  `json:"stock_number,omitempty"`
	Year        *int     `json:"year,omitempty"`
	Make        *string  `json:"make,omitempty"`
	Model       *string  `json:"model,omitempty"`
	Trim        *string  `json:"trim,omitempty"`
	Condition   *string  `json:"condition,omitempty"`
	Price       *float64 `json:"price,omitempty"`
	Mileage     *int     `json:"mileage,omitempty"`
	Color       *string  `json:"color,omitempty"`
	BodyType    *string  `json:"body_type,omitempty"`
	Images      []string `json:"images,omitempty"`
}

// NormalizeVIN trims and uppercases a VIN
func NormalizeVIN(vin string) string {
	return strings.ToUpper(strings.TrimSpace(vin))
}

// Condition of a vehicle
type Condition string

const (
	ConditionNew       Condition = "NEW"
	ConditionUsed      Condition = "USED"
	ConditionCertified Condition = "CERTIFIED"
)

// InvalidConditionError reports a condition outside the accepted set
type InvalidConditionError struct {
	Raw string
}

func (e *InvalidConditionError) Error() string {
	return fmt.Sprintf("Invalid condition %q", e.Raw)
}

// ParseCondition maps a raw condition, case-insensitively, onto NEW, USED or
// CERTIFIED. "CPO" is accepted as CERTIFIED.
func ParseCondition(raw string) (Condition, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "NEW":
		return ConditionNew, nil
	case "USED":
		return ConditionUsed, nil
	case "CERTIFIED", "CPO":
		return ConditionCertified, nil
	default:
		return "", &InvalidConditionError{Raw: raw}
	}
}
