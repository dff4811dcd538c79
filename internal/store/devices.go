package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/reeflab/reefd/internal/models"
)

// DeviceFilter narrows ListDevices results.
type DeviceFilter struct {
	Skip        int
	Limit       int
	DeviceType  string
	IsActive    *bool
	PollEnabled *bool
}

const deviceColumns = `id, name, device_type, address, poll_enabled, poll_interval,
	is_active, config, last_polled, last_error, created_at, updated_at`

// CreateDevice inserts a new device and fills in its ID and timestamps.
func (s *Store) CreateDevice(ctx context.Context, dev *models.Device) error {
	now := time.Now().UTC()
	dev.CreatedAt = now
	dev.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (name, device_type, address, poll_enabled, poll_interval,
			is_active, config, last_polled, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, dev.Name, dev.DeviceType, dev.Address, boolToInt(dev.PollEnabled), dev.PollInterval,
		boolToInt(dev.IsActive), rawToArg(dev.Config), nullableTimeToMs(dev.LastPolled),
		dev.LastError, timeToMs(dev.CreatedAt), timeToMs(dev.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert device: %w", err)
	}
	dev.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read device id: %w", err)
	}
	return nil
}

// GetDevice returns the device with the given id, or ErrNotFound.
func (s *Store) GetDevice(ctx context.Context, id int64) (*models.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	dev, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	return dev, err
}

// ListDevices returns devices matching the filter, ordered by id.
func (s *Store) ListDevices(ctx context.Context, filter DeviceFilter) ([]models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices`
	var conds []string
	var args []any

	if filter.DeviceType != "" {
		conds = append(conds, "device_type = ?")
		args = append(args, filter.DeviceType)
	}
	if filter.IsActive != nil {
		conds = append(conds, "is_active = ?")
		args = append(args, boolToInt(*filter.IsActive))
	}
	if filter.PollEnabled != nil {
		conds = append(conds, "poll_enabled = ?")
		args = append(args, boolToInt(*filter.PollEnabled))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id ASC LIMIT ? OFFSET ?"
	args = append(args, clampLimit(filter.Limit), filter.Skip)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *dev)
	}
	return devices, rows.Err()
}

// ListPollableDevices returns devices the poller should be running tickers for.
func (s *Store) ListPollableDevices(ctx context.Context) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deviceColumns+` FROM devices
		WHERE poll_enabled = 1 AND is_active = 1
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pollable devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *dev)
	}
	return devices, rows.Err()
}

// UpdateDevice persists user-editable fields of an existing device.
func (s *Store) UpdateDevice(ctx context.Context, dev *models.Device) error {
	dev.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET name = ?, device_type = ?, address = ?, poll_enabled = ?,
			poll_interval = ?, is_active = ?, config = ?, updated_at = ?
		WHERE id = ?
	`, dev.Name, dev.DeviceType, dev.Address, boolToInt(dev.PollEnabled),
		dev.PollInterval, boolToInt(dev.IsActive), rawToArg(dev.Config),
		timeToMs(dev.UpdatedAt), dev.ID)
	if err != nil {
		return fmt.Errorf("failed to update device %d: %w", dev.ID, err)
	}
	return requireRow(res, dev.ID)
}

// DeleteDevice removes a device; readings, alerts and actions cascade.
func (s *Store) DeleteDevice(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete device %d: %w", id, err)
	}
	return requireRow(res, id)
}

// UpdateDevicePollStatus records the outcome of one poll attempt. An empty
// lastError clears a previously recorded failure.
func (s *Store) UpdateDevicePollStatus(ctx context.Context, id int64, polledAt time.Time, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET last_polled = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, timeToMs(polledAt), lastError, timeToMs(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to update poll status for device %d: %w", id, err)
	}
	return requireRow(res, id)
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var dev models.Device
	var pollEnabled, isActive int
	var config sql.NullString
	var lastPolled sql.NullInt64
	var createdMs, updatedMs int64

	err := row.Scan(&dev.ID, &dev.Name, &dev.DeviceType, &dev.Address, &pollEnabled,
		&dev.PollInterval, &isActive, &config, &lastPolled, &dev.LastError,
		&createdMs, &updatedMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan device: %w", err)
	}

	dev.PollEnabled = pollEnabled == 1
	dev.IsActive = isActive == 1
	dev.Config = argToRaw(config)
	dev.LastPolled = nullableMsToTime(lastPolled)
	dev.CreatedAt = msToTime(createdMs)
	dev.UpdatedAt = msToTime(updatedMs)
	return &dev, nil
}
