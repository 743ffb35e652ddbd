package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/stuartshay/device-aggregator/internal/telemetry"
)

// Source reads raw device readings from the PostgreSQL telemetry table.
type Source struct {
	db    *sql.DB
	table string
}

// NewSource returns a window reader over table. The table must expose
// device_id, temperature, location (JSON text) and time (epoch seconds,
// integer or numeric text).
func NewSource(db *sql.DB, table string) (*Source, error) {
	if err := validateIdentifier(table); err != nil {
		return nil, err
	}
	return &Source{db: db, table: table}, nil
}

// Close closes the database connection
func (s *Source) Close() error {
	return s.db.Close()
}

// HealthCheck verifies database connectivity
func (s *Source) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Source) windowQuery() string {
	// ctid breaks ties between readings stored within the same second
	return fmt.Sprintf(`
		SELECT device_id, temperature, location, CAST(time AS BIGINT) AS ts
		FROM %s
		WHERE CAST(time AS BIGINT) >= $1 AND CAST(time AS BIGINT) < $2
		ORDER BY ts ASC, ctid ASC
	`, s.table)
}

// FetchWindow retrieves every reading whose timestamp falls in the window,
// for all devices, oldest first. An empty window yields an empty slice.
func (s *Source) FetchWindow(ctx context.Context, window telemetry.Window) ([]telemetry.Row, error) {
	rows, err := s.db.QueryContext(ctx, s.windowQuery(), window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }() // nolint:errcheck // Close in defer, error not actionable

	readings := []telemetry.Row{}
	for rows.Next() {
		var (
			deviceID    sql.NullString
			temperature sql.NullFloat64
			location    []byte
			ts          int64
		)

		if err := rows.Scan(&deviceID, &temperature, &location, &ts); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		// NULL columns surface as zero values and are rejected during parsing
		row := telemetry.Row{
			DeviceID:  deviceID.String,
			Location:  location,
			Timestamp: ts,
		}
		if temperature.Valid {
			t := temperature.Float64
			row.Temperature = &t
		}

		readings = append(readings, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	return readings, nil
}
