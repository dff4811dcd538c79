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

// AlertFilter narrows ListAlerts results.
type AlertFilter struct {
	Skip      int
	Limit     int
	DeviceID  int64
	IsEnabled *bool
}

// AlertStats aggregates alert and event counts for the stats endpoint.
type AlertStats struct {
	Total      int64 `json:"total"`
	Enabled    int64 `json:"enabled"`
	OpenEvents int64 `json:"openEvents"`
}

const alertColumns = `id, device_id, metric, operator, threshold_value,
	is_enabled, trend_enabled, created_at, updated_at`

// CreateAlert inserts a new alert rule and fills in its ID and timestamps.
func (s *Store) CreateAlert(ctx context.Context, alert *models.Alert) error {
	now := time.Now().UTC()
	alert.CreatedAt = now
	alert.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (device_id, metric, operator, threshold_value,
			is_enabled, trend_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, alert.DeviceID, alert.Metric, string(alert.Operator), alert.ThresholdValue,
		boolToInt(alert.IsEnabled), boolToInt(alert.TrendEnabled),
		timeToMs(alert.CreatedAt), timeToMs(alert.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	alert.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read alert id: %w", err)
	}
	return nil
}

// GetAlert returns the alert with the given id, or ErrNotFound.
func (s *Store) GetAlert(ctx context.Context, id int64) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %d: %w", id, ErrNotFound)
	}
	return alert, err
}

// ListAlerts returns alerts matching the filter, ordered by id.
func (s *Store) ListAlerts(ctx context.Context, filter AlertFilter) ([]models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts`
	var conds []string
	var args []any

	if filter.DeviceID != 0 {
		conds = append(conds, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.IsEnabled != nil {
		conds = append(conds, "is_enabled = ?")
		args = append(args, boolToInt(*filter.IsEnabled))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id ASC LIMIT ? OFFSET ?"
	args = append(args, clampLimit(filter.Limit), filter.Skip)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *alert)
	}
	return alerts, rows.Err()
}

// ListEnabledAlerts returns all enabled alerts for one evaluator cycle.
func (s *Store) ListEnabledAlerts(ctx context.Context) ([]models.Alert, error) {
	enabled := true
	return s.ListAlerts(ctx, AlertFilter{IsEnabled: &enabled, Limit: 1000})
}

// UpdateAlert persists user-editable fields of an existing alert.
func (s *Store) UpdateAlert(ctx context.Context, alert *models.Alert) error {
	alert.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET device_id = ?, metric = ?, operator = ?, threshold_value = ?,
			is_enabled = ?, trend_enabled = ?, updated_at = ?
		WHERE id = ?
	`, alert.DeviceID, alert.Metric, string(alert.Operator), alert.ThresholdValue,
		boolToInt(alert.IsEnabled), boolToInt(alert.TrendEnabled),
		timeToMs(alert.UpdatedAt), alert.ID)
	if err != nil {
		return fmt.Errorf("failed to update alert %d: %w", alert.ID, err)
	}
	return requireRow(res, alert.ID)
}

// SetAlertEnabled flips the enabled flag on an alert.
func (s *Store) SetAlertEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET is_enabled = ?, updated_at = ? WHERE id = ?
	`, boolToInt(enabled), timeToMs(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to set alert %d enabled=%t: %w", id, enabled, err)
	}
	return requireRow(res, id)
}

// DeleteAlert removes an alert rule; its events cascade.
func (s *Store) DeleteAlert(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete alert %d: %w", id, err)
	}
	return requireRow(res, id)
}

// GetAlertStats returns aggregate alert counts.
func (s *Store) GetAlertStats(ctx context.Context) (AlertStats, error) {
	var stats AlertStats

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(is_enabled), 0) FROM alerts`)
	if err := row.Scan(&stats.Total, &stats.Enabled); err != nil {
		return stats, fmt.Errorf("failed to query alert stats: %w", err)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alert_events WHERE is_resolved = 0`)
	if err := row.Scan(&stats.OpenEvents); err != nil {
		return stats, fmt.Errorf("failed to query open event count: %w", err)
	}
	return stats, nil
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var alert models.Alert
	var operator string
	var enabled, trend int
	var createdMs, updatedMs int64

	err := row.Scan(&alert.ID, &alert.DeviceID, &alert.Metric, &operator,
		&alert.ThresholdValue, &enabled, &trend, &createdMs, &updatedMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}

	alert.Operator = models.Operator(operator)
	alert.IsEnabled = enabled == 1
	alert.TrendEnabled = trend == 1
	alert.CreatedAt = msToTime(createdMs)
	alert.UpdatedAt = msToTime(updatedMs)
	return &alert, nil
}
