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

// EventFilter narrows ListEvents results.
type EventFilter struct {
	Skip       int
	Limit      int
	AlertID    int64
	DeviceID   int64
	IsResolved *bool
}

const eventColumns = `id, alert_id, device_id, triggered_at, current_value,
	threshold_value, operator, metric, is_resolved, resolved_at,
	resolution_value, metadata`

// CreateEvent opens a new alert event and fills in its ID.
func (s *Store) CreateEvent(ctx context.Context, ev *models.AlertEvent) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_events (alert_id, device_id, triggered_at, current_value,
			threshold_value, operator, metric, is_resolved, resolved_at,
			resolution_value, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.AlertID, ev.DeviceID, timeToMs(ev.TriggeredAt), ev.CurrentValue,
		ev.ThresholdValue, string(ev.Operator), ev.Metric, boolToInt(ev.IsResolved),
		nullableTimeToMs(ev.ResolvedAt), nullableFloat(ev.ResolutionValue),
		rawToArg(ev.Metadata))
	if err != nil {
		return fmt.Errorf("failed to insert alert event: %w", err)
	}
	ev.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read alert event id: %w", err)
	}
	return nil
}

// GetEvent returns the alert event with the given id, or ErrNotFound.
func (s *Store) GetEvent(ctx context.Context, id int64) (*models.AlertEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM alert_events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert event %d: %w", id, ErrNotFound)
	}
	return ev, err
}

// GetOpenEvent returns the unresolved event for an alert, or nil when none
// is open. The evaluator maintains the invariant that at most one exists.
func (s *Store) GetOpenEvent(ctx context.Context, alertID int64) (*models.AlertEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM alert_events
		WHERE alert_id = ? AND is_resolved = 0
		ORDER BY triggered_at DESC, id DESC
		LIMIT 1
	`, alertID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

// ResolveEvent closes an open event, recording the instant and the value
// that brought the metric back in range.
func (s *Store) ResolveEvent(ctx context.Context, id int64, resolvedAt time.Time, resolutionValue float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alert_events SET is_resolved = 1, resolved_at = ?, resolution_value = ?
		WHERE id = ? AND is_resolved = 0
	`, timeToMs(resolvedAt), resolutionValue, id)
	if err != nil {
		return fmt.Errorf("failed to resolve alert event %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("alert event %d is not open: %w", id, ErrConflict)
	}
	return nil
}

// ListEvents returns alert events matching the filter, newest first.
func (s *Store) ListEvents(ctx context.Context, filter EventFilter) ([]models.AlertEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM alert_events`
	var conds []string
	var args []any

	if filter.AlertID != 0 {
		conds = append(conds, "alert_id = ?")
		args = append(args, filter.AlertID)
	}
	if filter.DeviceID != 0 {
		conds = append(conds, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.IsResolved != nil {
		conds = append(conds, "is_resolved = ?")
		args = append(args, boolToInt(*filter.IsResolved))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY triggered_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, clampLimit(filter.Limit), filter.Skip)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert events: %w", err)
	}
	defer rows.Close()

	var events []models.AlertEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

// DeleteEvent removes an alert event.
func (s *Store) DeleteEvent(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete alert event %d: %w", id, err)
	}
	return requireRow(res, id)
}

func scanEvent(row rowScanner) (*models.AlertEvent, error) {
	var ev models.AlertEvent
	var operator string
	var triggeredMs int64
	var resolved int
	var resolvedMs sql.NullInt64
	var resolutionValue sql.NullFloat64
	var metadata sql.NullString

	err := row.Scan(&ev.ID, &ev.AlertID, &ev.DeviceID, &triggeredMs, &ev.CurrentValue,
		&ev.ThresholdValue, &operator, &ev.Metric, &resolved, &resolvedMs,
		&resolutionValue, &metadata)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan alert event: %w", err)
	}

	ev.Operator = models.Operator(operator)
	ev.TriggeredAt = msToTime(triggeredMs)
	ev.IsResolved = resolved == 1
	ev.ResolvedAt = nullableMsToTime(resolvedMs)
	if resolutionValue.Valid {
		ev.ResolutionValue = &resolutionValue.Float64
	}
	ev.Metadata = argToRaw(metadata)
	return &ev, nil
}
