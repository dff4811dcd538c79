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

// ActionFilter narrows ListActions results.
type ActionFilter struct {
	Skip       int
	Limit      int
	Status     models.ActionStatus
	DeviceID   int64
	ScheduleID int64
}

// ActionStats aggregates device action counts by status.
type ActionStats struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"byStatus"`
}

const actionColumns = `id, schedule_id, device_id, action_type, parameters, status,
	scheduled_time, executed_time, result, error_message, dispatch_id, created_at`

// CreateAction inserts a materialized action. The uniqueness index on
// (schedule_id, scheduled_time, device_id) guards against double
// materialization; a duplicate insert is silently dropped and reported via
// the created return value. Manual actions (nil schedule_id) never collide
// because SQLite treats NULLs as distinct in unique indexes.
func (s *Store) CreateAction(ctx context.Context, action *models.DeviceAction) (created bool, err error) {
	if action.Status == "" {
		action.Status = models.ActionPending
	}
	action.CreatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO device_actions (schedule_id, device_id, action_type, parameters,
			status, scheduled_time, executed_time, result, error_message, dispatch_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(schedule_id, scheduled_time, device_id) DO NOTHING
	`, nullableID(action.ScheduleID), action.DeviceID, string(action.ActionType),
		rawToArg(action.Parameters), string(action.Status), timeToMs(action.ScheduledTime),
		nullableTimeToMs(action.ExecutedTime), rawToArg(action.Result),
		action.ErrorMessage, action.DispatchID, timeToMs(action.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert device action: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}
	action.ID, err = res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("failed to read action id: %w", err)
	}
	return true, nil
}

// GetAction returns the action with the given id, or ErrNotFound.
func (s *Store) GetAction(ctx context.Context, id int64) (*models.DeviceAction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM device_actions WHERE id = ?`, id)
	action, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device action %d: %w", id, ErrNotFound)
	}
	return action, err
}

// ListActions returns actions matching the filter, newest first.
func (s *Store) ListActions(ctx context.Context, filter ActionFilter) ([]models.DeviceAction, error) {
	query := `SELECT ` + actionColumns + ` FROM device_actions`
	var conds []string
	var args []any

	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.DeviceID != 0 {
		conds = append(conds, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.ScheduleID != 0 {
		conds = append(conds, "schedule_id = ?")
		args = append(args, filter.ScheduleID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY scheduled_time DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, clampLimit(filter.Limit), filter.Skip)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list device actions: %w", err)
	}
	defer rows.Close()

	var actions []models.DeviceAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, *action)
	}
	return actions, rows.Err()
}

// ListDispatchableActions returns pending actions due at or before now,
// ordered by (scheduled_time, id) as the dispatch order guarantee requires.
func (s *Store) ListDispatchableActions(ctx context.Context, now time.Time, limit int) ([]models.DeviceAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+actionColumns+` FROM device_actions
		WHERE status = 'pending' AND scheduled_time <= ?
		ORDER BY scheduled_time ASC, id ASC
		LIMIT ?
	`, timeToMs(now), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list dispatchable actions: %w", err)
	}
	defer rows.Close()

	var actions []models.DeviceAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, *action)
	}
	return actions, rows.Err()
}

// ClaimAction attempts the pending -> in_progress transition with a
// compare-and-set on status. Only the caller that wins the update may
// execute the action.
func (s *Store) ClaimAction(ctx context.Context, id int64, dispatchID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE device_actions SET status = 'in_progress', dispatch_id = ?
		WHERE id = ? AND status = 'pending'
	`, dispatchID, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim action %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// CompleteAction moves an in_progress action to a terminal state, recording
// the execution instant and result or error.
func (s *Store) CompleteAction(ctx context.Context, id int64, status models.ActionStatus, executedAt time.Time, result []byte, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal: %w", status, ErrConflict)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE device_actions SET status = ?, executed_time = ?, result = ?, error_message = ?
		WHERE id = ? AND status = 'in_progress'
	`, string(status), timeToMs(executedAt), rawToArg(result), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to complete action %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("action %d is not in progress: %w", id, ErrConflict)
	}
	return nil
}

// DeleteAction removes a device action.
func (s *Store) DeleteAction(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM device_actions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete device action %d: %w", id, err)
	}
	return requireRow(res, id)
}

// CleanupActions deletes terminal actions scheduled before the cutoff.
func (s *Store) CleanupActions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM device_actions
		WHERE status IN ('success', 'failed') AND scheduled_time < ?
	`, timeToMs(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up device actions: %w", err)
	}
	return res.RowsAffected()
}

// GetActionStats returns aggregate action counts by status.
func (s *Store) GetActionStats(ctx context.Context) (ActionStats, error) {
	stats := ActionStats{ByStatus: make(map[string]int64)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM device_actions GROUP BY status
	`)
	if err != nil {
		return stats, fmt.Errorf("failed to query action stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		stats.Total += count
		stats.ByStatus[status] = count
	}
	return stats, rows.Err()
}

func scanAction(row rowScanner) (*models.DeviceAction, error) {
	var action models.DeviceAction
	var scheduleID sql.NullInt64
	var actionType, status string
	var params, result sql.NullString
	var scheduledMs, createdMs int64
	var executedMs sql.NullInt64

	err := row.Scan(&action.ID, &scheduleID, &action.DeviceID, &actionType, &params,
		&status, &scheduledMs, &executedMs, &result, &action.ErrorMessage,
		&action.DispatchID, &createdMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan device action: %w", err)
	}

	if scheduleID.Valid {
		action.ScheduleID = &scheduleID.Int64
	}
	action.ActionType = models.ActionType(actionType)
	action.Status = models.ActionStatus(status)
	action.Parameters = argToRaw(params)
	action.Result = argToRaw(result)
	action.ScheduledTime = msToTime(scheduledMs)
	action.ExecutedTime = nullableMsToTime(executedMs)
	action.CreatedAt = msToTime(createdMs)
	return &action, nil
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}
