// Package scheduling computes firing instants for automation schedules and
// runs the worker that materializes and dispatches device actions.
package scheduling

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/reeflab/reefd/internal/models"
)

// Status classifies the outcome of a next-fire computation.
type Status int

const (
	// StatusActive means the schedule has a future firing instant.
	StatusActive Status = iota
	// StatusExpired means the schedule will never fire again.
	StatusExpired
	// StatusInvalid means the schedule definition cannot be evaluated.
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusExpired:
		return "expired"
	case StatusInvalid:
		return "invalid"
	}
	return "unknown"
}

// recurringPattern is the shape of action_params.recurring_pattern.
type recurringPattern struct {
	Frequency string `json:"frequency"`
	At        string `json:"at"`
	Days      []any  `json:"days"`
}

type actionParams struct {
	RecurringPattern *recurringPattern `json:"recurring_pattern"`
}

// NextAfter returns the next UTC instant strictly after now at which the
// schedule should fire. Local-time schedule types (cron, recurring) are
// computed in the schedule's zone and converted back to UTC. A local time
// skipped by a spring-forward transition resolves to the first valid instant
// after the gap; an ambiguous fall-back time fires at its first occurrence.
func NextAfter(sched *models.Schedule, now time.Time) (time.Time, Status) {
	now = now.UTC()
	switch sched.ScheduleType {
	case models.ScheduleOneOff:
		return nextOneOff(sched, now)
	case models.ScheduleInterval:
		return nextInterval(sched, now)
	case models.ScheduleCron:
		return nextCron(sched, now)
	case models.ScheduleRecurring:
		return nextRecurring(sched, now)
	case models.ScheduleStatic:
		return nextStatic(sched, now)
	}
	return time.Time{}, StatusInvalid
}

func nextOneOff(sched *models.Schedule, now time.Time) (time.Time, Status) {
	if sched.StartTime == nil {
		return time.Time{}, StatusInvalid
	}
	if sched.LastRun != nil {
		return time.Time{}, StatusExpired
	}
	start := sched.StartTime.UTC()
	if start.After(now) {
		return start, StatusActive
	}
	return time.Time{}, StatusExpired
}

func nextInterval(sched *models.Schedule, now time.Time) (time.Time, Status) {
	if sched.StartTime == nil || sched.IntervalSeconds < 1 {
		return time.Time{}, StatusInvalid
	}
	start := sched.StartTime.UTC()
	interval := time.Duration(sched.IntervalSeconds) * time.Second

	candidate := start
	if !start.After(now) {
		elapsed := now.Sub(start)
		k := int64(elapsed / interval)
		if elapsed%interval != 0 {
			k++
		}
		candidate = start.Add(time.Duration(k) * interval)
	}
	if sched.EndTime != nil && candidate.After(sched.EndTime.UTC()) {
		return time.Time{}, StatusExpired
	}
	return candidate, StatusActive
}

func nextCron(sched *models.Schedule, now time.Time) (time.Time, Status) {
	if sched.CronExpression == "" {
		return time.Time{}, StatusInvalid
	}
	expr, err := cron.ParseStandard(sched.CronExpression)
	if err != nil {
		return time.Time{}, StatusInvalid
	}
	loc, err := loadZone(sched.Timezone)
	if err != nil {
		return time.Time{}, StatusInvalid
	}

	base := now
	if sched.StartTime != nil && sched.StartTime.UTC().After(now) {
		base = sched.StartTime.UTC().Add(-time.Second)
	}

	// The cron expression matches wall-clock fields. Walk the wall clock in a
	// zone-free copy, then bind each candidate back to the real zone with
	// explicit DST resolution.
	local := base.In(loc)
	wall := time.Date(local.Year(), local.Month(), local.Day(),
		local.Hour(), local.Minute(), local.Second(), 0, time.UTC)
	for i := 0; i < 4; i++ {
		wall = expr.Next(wall)
		if wall.IsZero() {
			return time.Time{}, StatusExpired
		}
		candidate := resolveLocal(wall.Year(), wall.Month(), wall.Day(),
			wall.Hour(), wall.Minute(), loc)
		if !candidate.After(base) {
			// A fall-back overlap can land the candidate at or before base;
			// the second occurrence is skipped, so keep walking.
			continue
		}
		if sched.EndTime != nil && candidate.After(sched.EndTime.UTC()) {
			return time.Time{}, StatusExpired
		}
		return candidate, StatusActive
	}
	return time.Time{}, StatusInvalid
}

func nextRecurring(sched *models.Schedule, now time.Time) (time.Time, Status) {
	pattern, err := parseRecurringPattern(sched.ActionParams)
	if err != nil || pattern == nil {
		return time.Time{}, StatusInvalid
	}
	return nextFromPattern(sched, pattern, now)
}

// nextStatic treats a static schedule as a seed: a stored recurring pattern
// makes it behave as recurring, otherwise it is a one-shot at start_time.
func nextStatic(sched *models.Schedule, now time.Time) (time.Time, Status) {
	pattern, err := parseRecurringPattern(sched.ActionParams)
	if err != nil {
		return time.Time{}, StatusInvalid
	}
	if pattern != nil {
		return nextFromPattern(sched, pattern, now)
	}
	return nextOneOff(sched, now)
}

func nextFromPattern(sched *models.Schedule, pattern *recurringPattern, now time.Time) (time.Time, Status) {
	hour, minute, err := parseClock(pattern.At)
	if err != nil {
		return time.Time{}, StatusInvalid
	}
	days, err := parseDays(pattern.Days)
	if err != nil {
		return time.Time{}, StatusInvalid
	}
	switch pattern.Frequency {
	case "daily":
		days = nil // all days
	case "weekly":
		if len(days) == 0 {
			return time.Time{}, StatusInvalid
		}
	default:
		return time.Time{}, StatusInvalid
	}
	loc, err := loadZone(sched.Timezone)
	if err != nil {
		return time.Time{}, StatusInvalid
	}

	base := now
	if sched.StartTime != nil && sched.StartTime.UTC().After(now) {
		base = sched.StartTime.UTC().Add(-time.Second)
	}

	local := base.In(loc)
	for i := 0; i < 8; i++ {
		// Noon probe keeps the weekday stable regardless of DST shifts at
		// the target wall time.
		probe := time.Date(local.Year(), local.Month(), local.Day()+i, 12, 0, 0, 0, loc)
		if days != nil && !days[probe.Weekday()] {
			continue
		}
		candidate := resolveLocal(probe.Year(), probe.Month(), probe.Day(),
			hour, minute, loc)
		if !candidate.After(base) {
			continue
		}
		if sched.EndTime != nil && candidate.After(sched.EndTime.UTC()) {
			return time.Time{}, StatusExpired
		}
		return candidate, StatusActive
	}
	return time.Time{}, StatusInvalid
}

// resolveLocal converts a wall-clock time in loc to a UTC instant with
// deterministic DST handling. A wall time skipped by a spring-forward
// transition resolves to the first valid instant after the gap, preserving
// the sub-hour offset. An ambiguous fall-back time resolves to its first
// occurrence. Go's time.Date leaves both choices unspecified, so both are
// pinned down here.
func resolveLocal(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	t := time.Date(year, month, day, hour, minute, 0, 0, loc)

	want := hour*60 + minute
	got := t.Hour()*60 + t.Minute()
	if got != want {
		// Skipped wall time: whichever side of the gap time.Date landed on,
		// shifting by the wall-clock discrepancy lands on the instant just
		// past the gap.
		diff := time.Duration(want-got) * time.Minute
		if diff > 12*time.Hour {
			diff -= 24 * time.Hour
		} else if diff < -12*time.Hour {
			diff += 24 * time.Hour
		}
		if diff > 0 {
			t = t.Add(diff)
		}
		return t.UTC()
	}

	// Repeated wall time: prefer the earlier instant.
	for _, back := range []time.Duration{time.Hour, 30 * time.Minute} {
		earlier := t.Add(-back)
		if earlier.Hour()*60+earlier.Minute() == want && earlier.Day() == t.Day() {
			t = earlier
			break
		}
	}
	return t.UTC()
}

func parseRecurringPattern(raw json.RawMessage) (*recurringPattern, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var params actionParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("invalid action params: %w", err)
	}
	return params.RecurringPattern, nil
}

// parseClock parses "HH:MM" on a 24-hour clock.
func parseClock(at string) (hour, minute int, err error) {
	var h, m int
	if _, err := fmt.Sscanf(at, "%d:%d", &h, &m); err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q: %w", at, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("time of day %q out of range", at)
	}
	return h, m, nil
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// parseDays accepts weekday names ("monday", "mon") or cron-style numbers
// (0 = Sunday) and returns a membership set, or nil when the list is empty.
func parseDays(days []any) (map[time.Weekday]bool, error) {
	if len(days) == 0 {
		return nil, nil
	}
	set := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		switch v := d.(type) {
		case string:
			wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(v))]
			if !ok {
				return nil, fmt.Errorf("unknown weekday %q", v)
			}
			set[wd] = true
		case float64:
			n := int(v)
			if n < 0 || n > 6 {
				return nil, fmt.Errorf("weekday %d out of range", n)
			}
			set[time.Weekday(n)] = true
		default:
			return nil, fmt.Errorf("unsupported weekday value %v", d)
		}
	}
	return set, nil
}

func loadZone(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

// Validate checks that a schedule definition is evaluable and returns a
// descriptive error for the API layer when it is not.
func Validate(sched *models.Schedule) error {
	if !sched.ScheduleType.Valid() {
		return fmt.Errorf("unknown schedule type %q", sched.ScheduleType)
	}
	if !sched.ActionType.Valid() {
		return fmt.Errorf("unknown action type %q", sched.ActionType)
	}
	if len(sched.DeviceIDs) == 0 {
		return fmt.Errorf("at least one device id is required")
	}
	if _, err := loadZone(sched.Timezone); err != nil {
		return fmt.Errorf("unknown timezone %q", sched.Timezone)
	}
	if sched.StartTime != nil && sched.EndTime != nil && !sched.EndTime.After(*sched.StartTime) {
		return fmt.Errorf("end time must be after start time")
	}

	switch sched.ScheduleType {
	case models.ScheduleOneOff:
		if sched.StartTime == nil {
			return fmt.Errorf("one_off schedules require a start time")
		}
	case models.ScheduleInterval:
		if sched.StartTime == nil {
			return fmt.Errorf("interval schedules require a start time")
		}
		if sched.IntervalSeconds < 1 {
			return fmt.Errorf("interval schedules require a positive interval")
		}
	case models.ScheduleCron:
		if _, err := cron.ParseStandard(sched.CronExpression); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", sched.CronExpression, err)
		}
	case models.ScheduleRecurring:
		pattern, err := parseRecurringPattern(sched.ActionParams)
		if err != nil {
			return err
		}
		if pattern == nil {
			return fmt.Errorf("recurring schedules require action_params.recurring_pattern")
		}
		if _, _, err := parseClock(pattern.At); err != nil {
			return err
		}
		days, err := parseDays(pattern.Days)
		if err != nil {
			return err
		}
		switch pattern.Frequency {
		case "daily":
		case "weekly":
			if len(days) == 0 {
				return fmt.Errorf("weekly patterns require at least one day")
			}
		default:
			return fmt.Errorf("unknown recurring frequency %q", pattern.Frequency)
		}
	case models.ScheduleStatic:
		pattern, err := parseRecurringPattern(sched.ActionParams)
		if err != nil {
			return err
		}
		if pattern == nil && sched.StartTime == nil {
			return fmt.Errorf("static schedules require a start time or a recurring pattern")
		}
	}
	return nil
}
