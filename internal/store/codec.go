package store

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// decimalField pairs a scanned text column with its destination.
type decimalField struct {
	dst *decimal.Decimal
	src string
}

// parseDecimals converts NUMERIC/TEXT columns read as strings.
func parseDecimals(fields ...decimalField) error {
	for _, f := range fields {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return fmt.Errorf("parse decimal %q: %w", f.src, err)
		}
		*f.dst = v
	}
	return nil
}

// timeLayout is how SQLite stores timestamps: fixed-width UTC so that text
// ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
