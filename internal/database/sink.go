package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/stuartshay/device-aggregator/internal/telemetry"
)

// WriteMode selects how summary rows are persisted.
type WriteMode string

// Write modes
const (
	// ModeAppend inserts a fresh row per device on every run.
	ModeAppend WriteMode = "append"
	// ModeUpsert keys rows on (device_id, window_start) so a re-run replaces them.
	ModeUpsert WriteMode = "upsert"
)

// ParseWriteMode maps a configuration value onto a WriteMode.
func ParseWriteMode(s string) (WriteMode, error) {
	switch WriteMode(s) {
	case "", ModeAppend:
		return ModeAppend, nil
	case ModeUpsert:
		return ModeUpsert, nil
	default:
		return "", fmt.Errorf("unknown write mode %q (want append or upsert)", s)
	}
}

// Sink writes device summaries into the MySQL analytical store.
type Sink struct {
	db    *sql.DB
	table string
	mode  WriteMode
}

// NewSink returns a summary writer for table using the given mode.
func NewSink(db *sql.DB, table string, mode WriteMode) (*Sink, error) {
	if err := validateIdentifier(table); err != nil {
		return nil, err
	}
	if mode == "" {
		mode = ModeAppend
	}
	return &Sink{db: db, table: table, mode: mode}, nil
}

// Close closes the database connection
func (s *Sink) Close() error {
	return s.db.Close()
}

// HealthCheck verifies database connectivity
func (s *Sink) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Sink) schemaStatement() string {
	if s.mode == ModeUpsert {
		return fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id INT AUTO_INCREMENT PRIMARY KEY,
				device_id VARCHAR(%d) NOT NULL,
				window_start BIGINT NOT NULL,
				max_temperature INT NOT NULL,
				data_points INT NOT NULL,
				distance_moved DOUBLE NOT NULL,
				last_location VARCHAR(255) NOT NULL,
				last_time BIGINT NOT NULL,
				UNIQUE KEY uq_device_window (device_id, window_start)
			)`, s.table, telemetry.MaxDeviceIDLength)
	}

	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INT AUTO_INCREMENT PRIMARY KEY,
			device_id VARCHAR(%d) NOT NULL,
			max_temperature INT NOT NULL,
			data_points INT NOT NULL,
			distance_moved DOUBLE NOT NULL,
			last_location VARCHAR(255) NOT NULL,
			last_time BIGINT NOT NULL
		)`, s.table, telemetry.MaxDeviceIDLength)
}

func (s *Sink) insertStatement() string {
	if s.mode == ModeUpsert {
		return fmt.Sprintf(`
			INSERT INTO %s
				(device_id, window_start, max_temperature, data_points, distance_moved, last_location, last_time)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				max_temperature = VALUES(max_temperature),
				data_points = VALUES(data_points),
				distance_moved = VALUES(distance_moved),
				last_location = VALUES(last_location),
				last_time = VALUES(last_time)`, s.table)
	}

	return fmt.Sprintf(`
		INSERT INTO %s
			(device_id, max_temperature, data_points, distance_moved, last_location, last_time)
		VALUES (?, ?, ?, ?, ?, ?)`, s.table)
}

// EnsureSchema creates the summary table if it does not exist. It never
// alters an existing table.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.schemaStatement()); err != nil {
		return &PersistenceError{Op: "create table " + s.table, Err: err}
	}
	return nil
}

// WriteSummaries persists one row per device inside a single transaction.
// Devices are written in ascending device_id order. On any failure the
// transaction is rolled back and a *PersistenceError is returned.
func (s *Sink) WriteSummaries(ctx context.Context, window telemetry.Window, summaries map[string]telemetry.DeviceSummary) (err error) {
	if len(summaries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "begin transaction", Err: err}
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Error().Err(rbErr).Msg("Failed to roll back summary transaction")
		}
	}()

	insert := s.insertStatement()
	for _, deviceID := range slices.Sorted(maps.Keys(summaries)) {
		summary := summaries[deviceID]

		args, err := s.rowArgs(window, summary)
		if err != nil {
			return &PersistenceError{Op: "encode summary", DeviceID: deviceID, Err: err}
		}

		log.Debug().
			Str("device_id", deviceID).
			Float64("max_temperature", summary.MaxTemperature).
			Int("data_points", summary.DataPoints).
			Float64("distance_moved_km", summary.DistanceMoved).
			Int64("last_time", summary.LastTime).
			Msg("Inserting device summary")

		if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
			return &PersistenceError{Op: "insert summary", DeviceID: deviceID, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "commit", Err: err}
	}

	return nil
}

func (s *Sink) rowArgs(window telemetry.Window, summary telemetry.DeviceSummary) ([]any, error) {
	location, err := json.Marshal(summary.LastLocation)
	if err != nil {
		return nil, err
	}

	// max_temperature is an INT column
	maxTemp := int64(math.Round(summary.MaxTemperature))

	if s.mode == ModeUpsert {
		return []any{
			summary.DeviceID, window.Start, maxTemp, summary.DataPoints,
			summary.DistanceMoved, string(location), summary.LastTime,
		}, nil
	}

	return []any{
		summary.DeviceID, maxTemp, summary.DataPoints,
		summary.DistanceMoved, string(location), summary.LastTime,
	}, nil
}
