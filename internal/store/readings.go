package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/reeflab/reefd/internal/models"
)

const readingColumns = `id, device_id, timestamp, value, json_value, metadata`

// InsertReading appends one observation for a device.
func (s *Store) InsertReading(ctx context.Context, r *models.Reading) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO readings (device_id, timestamp, value, json_value, metadata)
		VALUES (?, ?, ?, ?, ?)
	`, r.DeviceID, timeToMs(r.Timestamp), nullableFloat(r.Value),
		rawToArg(r.JSONValue), rawToArg(r.Metadata))
	if err != nil {
		return fmt.Errorf("failed to insert reading for device %d: %w", r.DeviceID, err)
	}
	r.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read reading id: %w", err)
	}
	return nil
}

// LatestReading returns the most recent reading for a device, or ErrNotFound
// when the device has never produced one.
func (s *Store) LatestReading(ctx context.Context, deviceID int64) (*models.Reading, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+readingColumns+` FROM readings
		WHERE device_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1
	`, deviceID)
	reading, err := scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no readings for device %d: %w", deviceID, ErrNotFound)
	}
	return reading, err
}

// ListReadings returns readings for a device within [start, end], oldest
// first. Zero start/end bounds are open.
func (s *Store) ListReadings(ctx context.Context, deviceID int64, start, end time.Time, limit int) ([]models.Reading, error) {
	query := `SELECT ` + readingColumns + ` FROM readings WHERE device_id = ?`
	args := []any{deviceID}

	if !start.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, timeToMs(start))
	}
	if !end.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, timeToMs(end))
	}
	query += " ORDER BY timestamp ASC, id ASC LIMIT ?"
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list readings for device %d: %w", deviceID, err)
	}
	defer rows.Close()

	var readings []models.Reading
	for rows.Next() {
		reading, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, *reading)
	}
	return readings, rows.Err()
}

// PruneReadings deletes readings older than the cutoff and reports how many
// rows were removed.
func (s *Store) PruneReadings(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM readings WHERE timestamp < ?`, timeToMs(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune readings: %w", err)
	}
	return res.RowsAffected()
}

func scanReading(row rowScanner) (*models.Reading, error) {
	var r models.Reading
	var tsMs int64
	var value sql.NullFloat64
	var jsonValue, metadata sql.NullString

	err := row.Scan(&r.ID, &r.DeviceID, &tsMs, &value, &jsonValue, &metadata)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan reading: %w", err)
	}

	r.Timestamp = msToTime(tsMs)
	if value.Valid {
		r.Value = &value.Float64
	}
	r.JSONValue = argToRaw(jsonValue)
	r.Metadata = argToRaw(metadata)
	return &r, nil
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
