package inventory

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// RequiredColumns lists the header columns every inventory CSV must carry
var RequiredColumns = []string{
	"VIN", "Stock#", "Year", "Make", "Model", "Trim",
	"Condition", "Price", "Mileage", "Color", "BodyType", "Images",
}

// columnKey folds a header cell for matching: case and whitespace are ignored
func columnKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), ""))
}

// ParseCSV reads an inventory upload. The header must carry every required
// column; extra columns are ignored. Rows keep their raw VIN; unparseable
// numbers become nil.
func ParseCSV(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty file", ErrInvalidCSV)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCSV, err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		if _, dup := index[columnKey(name)]; !dup {
			index[columnKey(name)] = i
		}
	}

	var missing []string
	for _, col := range RequiredColumns {
		if _, ok := index[columnKey(col)]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	var rows []Row
	withVIN := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCSV, err)
		}
		if isBlank(record) {
			continue
		}

		field := func(col string) string {
			i := index[columnKey(col)]
			if i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		row := Row{
			VIN:         field("VIN"),
			StockNumber: optional(field("Stock#")),
			Year:        parseInt(field("Year")),
			Make:        optional(field("Make")),
			Model:       optional(field("Model")),
			Trim:        optional(field("Trim")),
			Condition:   optional(field("Condition")),
			Price:       parsePrice(field("Price")),
			Mileage:     parseInt(field("Mileage")),
			Color:       optional(field("Color")),
			BodyType:    optional(field("BodyType")),
			Images:      SplitImages(field("Images")),
		}
		if NormalizeVIN(row.VIN) != "" {
			withVIN++
		}
		rows = append(rows, row)
	}

	if withVIN == 0 {
		return nil, ErrNoRows
	}

	return rows, nil
}

// SplitImages splits a comma-separated URL list, dropping empty entries
func SplitImages(s string) []string {
	var urls []string
	for _, part := range strings.Split(s, ",") {
		if url := strings.TrimSpace(part); url != "" {
			urls = append(urls, url)
		}
	}
	return urls
}

func isBlank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func parseInt(s string) *int {
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return &n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		n := int(f)
		return &n
	}
	return nil
}

func parsePrice(s string) *float64 {
	s = strings.TrimPrefix(strings.ReplaceAll(s, ",", ""), "$")
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
