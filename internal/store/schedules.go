package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/reeflab/reefd/internal/models"
)

// ScheduleFilter narrows ListSchedules results. Zero values mean "any".
type ScheduleFilter struct {
	Skip         int
	Limit        int
	ScheduleType models.ScheduleType
	IsEnabled    *bool
	DeviceID     int64
}

// ScheduleStats aggregates schedule counts for the stats endpoint.
type ScheduleStats struct {
	Total    int64            `json:"total"`
	Enabled  int64            `json:"enabled"`
	Disabled int64            `json:"disabled"`
	ByType   map[string]int64 `json:"byType"`
}

const scheduleColumns = `id, name, schedule_type, cron_expression, interval_seconds,
	start_time, end_time, timezone, device_ids, action_type, action_params,
	is_enabled, next_run, last_run, last_run_status, last_run_error,
	created_at, updated_at`

// CreateSchedule inserts a new schedule and fills in its ID and timestamps.
func (s *Store) CreateSchedule(ctx context.Context, sched *models.Schedule) error {
	now := time.Now().UTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now

	deviceIDs, err := json.Marshal(sched.DeviceIDs)
	if err != nil {
		return fmt.Errorf("failed to encode device ids: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (name, schedule_type, cron_expression, interval_seconds,
			start_time, end_time, timezone, device_ids, action_type, action_params,
			is_enabled, next_run, last_run, last_run_status, last_run_error,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sched.Name, string(sched.ScheduleType), sched.CronExpression, sched.IntervalSeconds,
		nullableTimeToMs(sched.StartTime), nullableTimeToMs(sched.EndTime),
		sched.Timezone, string(deviceIDs), string(sched.ActionType), rawToArg(sched.ActionParams),
		boolToInt(sched.IsEnabled), nullableTimeToMs(sched.NextRun), nullableTimeToMs(sched.LastRun),
		string(sched.LastRunStatus), sched.LastRunError,
		timeToMs(sched.CreatedAt), timeToMs(sched.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	sched.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read schedule id: %w", err)
	}
	return nil
}

// GetSchedule returns the schedule with the given id, or ErrNotFound.
func (s *Store) GetSchedule(ctx context.Context, id int64) (*models.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	return sched, err
}

// ListSchedules returns schedules matching the filter, ordered by id.
func (s *Store) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]models.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	var conds []string
	var args []any

	if filter.ScheduleType != "" {
		conds = append(conds, "schedule_type = ?")
		args = append(args, string(filter.ScheduleType))
	}
	if filter.IsEnabled != nil {
		conds = append(conds, "is_enabled = ?")
		args = append(args, boolToInt(*filter.IsEnabled))
	}
	if filter.DeviceID != 0 {
		// device_ids is a JSON array; EXISTS over json_each matches membership.
		conds = append(conds, "EXISTS (SELECT 1 FROM json_each(schedules.device_ids) WHERE json_each.value = ?)")
		args = append(args, filter.DeviceID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id ASC LIMIT ? OFFSET ?"
	args = append(args, clampLimit(filter.Limit), filter.Skip)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []models.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *sched)
	}
	return schedules, rows.Err()
}

// UpdateSchedule persists user-editable fields of an existing schedule.
// Scheduling fields (next_run, last_run) are owned by the scheduler worker
// and updated through AdvanceSchedule / RecordScheduleRun.
func (s *Store) UpdateSchedule(ctx context.Context, sched *models.Schedule) error {
	sched.UpdatedAt = time.Now().UTC()

	deviceIDs, err := json.Marshal(sched.DeviceIDs)
	if err != nil {
		return fmt.Errorf("failed to encode device ids: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET name = ?, schedule_type = ?, cron_expression = ?,
			interval_seconds = ?, start_time = ?, end_time = ?, timezone = ?,
			device_ids = ?, action_type = ?, action_params = ?, is_enabled = ?,
			next_run = ?, updated_at = ?
		WHERE id = ?
	`, sched.Name, string(sched.ScheduleType), sched.CronExpression,
		sched.IntervalSeconds, nullableTimeToMs(sched.StartTime), nullableTimeToMs(sched.EndTime),
		sched.Timezone, string(deviceIDs), string(sched.ActionType), rawToArg(sched.ActionParams),
		boolToInt(sched.IsEnabled), nullableTimeToMs(sched.NextRun), timeToMs(sched.UpdatedAt),
		sched.ID)
	if err != nil {
		return fmt.Errorf("failed to update schedule %d: %w", sched.ID, err)
	}
	return requireRow(res, sched.ID)
}

// DeleteSchedule removes a schedule. Materialized actions keep their rows
// with schedule_id set to NULL.
func (s *Store) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule %d: %w", id, err)
	}
	return requireRow(res, id)
}

// SetScheduleEnabled flips the enabled flag. Disabling clears next_run so the
// worker will recompute it on re-enable.
func (s *Store) SetScheduleEnabled(ctx context.Context, id int64, enabled bool) error {
	var query string
	if enabled {
		query = `UPDATE schedules SET is_enabled = 1, next_run = NULL, updated_at = ? WHERE id = ?`
	} else {
		query = `UPDATE schedules SET is_enabled = 0, next_run = NULL, updated_at = ? WHERE id = ?`
	}
	res, err := s.db.ExecContext(ctx, query, timeToMs(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to set schedule %d enabled=%t: %w", id, enabled, err)
	}
	return requireRow(res, id)
}

// ListDueSchedules returns enabled schedules whose next_run is unset or at or
// before the cutoff, ordered by (next_run, id) for deterministic tie-breaking.
func (s *Store) ListDueSchedules(ctx context.Context, cutoff time.Time) ([]models.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE is_enabled = 1 AND (next_run IS NULL OR next_run <= ?)
		ORDER BY next_run ASC, id ASC
	`, timeToMs(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []models.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *sched)
	}
	return schedules, rows.Err()
}

// AdvanceSchedule updates next_run and the enabled flag after a worker pass.
func (s *Store) AdvanceSchedule(ctx context.Context, id int64, nextRun *time.Time, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET next_run = ?, is_enabled = ?, updated_at = ? WHERE id = ?
	`, nullableTimeToMs(nextRun), boolToInt(enabled), timeToMs(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to advance schedule %d: %w", id, err)
	}
	return requireRow(res, id)
}

// RecordScheduleRun records the observed outcome of the latest firing.
func (s *Store) RecordScheduleRun(ctx context.Context, id int64, lastRun time.Time, status models.RunStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_run = ?, last_run_status = ?, last_run_error = ?, updated_at = ?
		WHERE id = ?
	`, timeToMs(lastRun), string(status), errMsg, timeToMs(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to record schedule %d run: %w", id, err)
	}
	return requireRow(res, id)
}

// GetScheduleStats returns aggregate schedule counts.
func (s *Store) GetScheduleStats(ctx context.Context) (ScheduleStats, error) {
	stats := ScheduleStats{ByType: make(map[string]int64)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT schedule_type, is_enabled, COUNT(*) FROM schedules GROUP BY schedule_type, is_enabled
	`)
	if err != nil {
		return stats, fmt.Errorf("failed to query schedule stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var schedType string
		var enabled int
		var count int64
		if err := rows.Scan(&schedType, &enabled, &count); err != nil {
			return stats, err
		}
		stats.Total += count
		stats.ByType[schedType] += count
		if enabled == 1 {
			stats.Enabled += count
		} else {
			stats.Disabled += count
		}
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*models.Schedule, error) {
	var sched models.Schedule
	var schedType, actionType, runStatus string
	var startMs, endMs, nextMs, lastMs sql.NullInt64
	var deviceIDs string
	var params sql.NullString
	var enabled int
	var createdMs, updatedMs int64

	err := row.Scan(&sched.ID, &sched.Name, &schedType, &sched.CronExpression,
		&sched.IntervalSeconds, &startMs, &endMs, &sched.Timezone, &deviceIDs,
		&actionType, &params, &enabled, &nextMs, &lastMs, &runStatus,
		&sched.LastRunError, &createdMs, &updatedMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan schedule: %w", err)
	}

	sched.ScheduleType = models.ScheduleType(schedType)
	sched.ActionType = models.ActionType(actionType)
	sched.LastRunStatus = models.RunStatus(runStatus)
	sched.StartTime = nullableMsToTime(startMs)
	sched.EndTime = nullableMsToTime(endMs)
	sched.NextRun = nullableMsToTime(nextMs)
	sched.LastRun = nullableMsToTime(lastMs)
	sched.IsEnabled = enabled == 1
	sched.CreatedAt = msToTime(createdMs)
	sched.UpdatedAt = msToTime(updatedMs)
	sched.ActionParams = argToRaw(params)

	if err := json.Unmarshal([]byte(deviceIDs), &sched.DeviceIDs); err != nil {
		return nil, fmt.Errorf("failed to decode device ids for schedule %d: %w", sched.ID, err)
	}
	return &sched, nil
}

func rawToArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func argToRaw(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

func requireRow(res sql.Result, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("row %d: %w", id, ErrNotFound)
	}
	return nil
}
