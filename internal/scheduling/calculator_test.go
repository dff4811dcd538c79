package scheduling

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reeflab/reefd/internal/models"
)

func mustParse(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return ts.UTC()
}

func timePtr(ts time.Time) *time.Time { return &ts }

func TestNextAfterOneOff(t *testing.T) {
	start := mustParse(t, "2024-01-15T14:30:00Z")
	sched := &models.Schedule{
		ScheduleType: models.ScheduleOneOff,
		StartTime:    &start,
	}

	next, status := NextAfter(sched, mustParse(t, "2024-01-15T10:00:00Z"))
	require.Equal(t, StatusActive, status)
	assert.Equal(t, start, next)

	// Start in the past means the shot is gone.
	_, status = NextAfter(sched, mustParse(t, "2024-01-15T15:00:00Z"))
	assert.Equal(t, StatusExpired, status)

	// Already fired.
	fired := mustParse(t, "2024-01-15T14:30:00Z")
	sched.LastRun = &fired
	_, status = NextAfter(sched, mustParse(t, "2024-01-15T10:00:00Z"))
	assert.Equal(t, StatusExpired, status)

	// Missing start time is not evaluable.
	_, status = NextAfter(&models.Schedule{ScheduleType: models.ScheduleOneOff}, time.Now())
	assert.Equal(t, StatusInvalid, status)
}

func TestNextAfterInterval(t *testing.T) {
	start := mustParse(t, "2024-01-15T00:00:00Z")
	sched := &models.Schedule{
		ScheduleType:    models.ScheduleInterval,
		StartTime:       &start,
		IntervalSeconds: 60,
	}

	next, status := NextAfter(sched, mustParse(t, "2024-01-15T00:02:45Z"))
	require.Equal(t, StatusActive, status)
	assert.Equal(t, mustParse(t, "2024-01-15T00:03:00Z"), next)

	// Before the start the first firing is the start itself.
	next, status = NextAfter(sched, mustParse(t, "2024-01-14T23:00:00Z"))
	require.Equal(t, StatusActive, status)
	assert.Equal(t, start, next)

	// An exact boundary advances to the next occurrence.
	next, status = NextAfter(sched, mustParse(t, "2024-01-15T00:03:00.001Z"))
	require.Equal(t, StatusActive, status)
	assert.Equal(t, mustParse(t, "2024-01-15T00:04:00Z"), next)

	// Past end_time the schedule is spent.
	end := mustParse(t, "2024-01-15T00:02:30Z")
	sched.EndTime = &end
	_, status = NextAfter(sched, mustParse(t, "2024-01-15T00:02:45Z"))
	assert.Equal(t, StatusExpired, status)
}

func TestNextAfterIntervalInvalid(t *testing.T) {
	start := mustParse(t, "2024-01-15T00:00:00Z")
	_, status := NextAfter(&models.Schedule{
		ScheduleType: models.ScheduleInterval,
		StartTime:    &start,
	}, time.Now())
	assert.Equal(t, StatusInvalid, status)

	_, status = NextAfter(&models.Schedule{
		ScheduleType:    models.ScheduleInterval,
		IntervalSeconds: 60,
	}, time.Now())
	assert.Equal(t, StatusInvalid, status)
}

func TestNextAfterCron(t *testing.T) {
	sched := &models.Schedule{
		ScheduleType:   models.ScheduleCron,
		CronExpression: "0 8 * * *",
		Timezone:       "UTC",
	}

	next, status := NextAfter(sched, mustParse(t, "2024-01-15T07:00:00Z"))
	require.Equal(t, StatusActive, status)
	assert.Equal(t, mustParse(t, "2024-01-15T08:00:00Z"), next)

	// Already past today's instant: tomorrow.
	next, status = NextAfter(sched, mustParse(t, "2024-01-15T08:00:00Z"))
	require.Equal(t, StatusActive, status)
	assert.Equal(t, mustParse(t, "2024-01-16T08:00:00Z"), next)
}

func TestNextAfterCronSpringForward(t *testing.T) {
	// 02:30 does not exist in America/Los_Angeles on 2024-03-10; the firing
	// lands at the first valid instant after the gap, 03:30 PDT.
	sched := &models.Schedule{
		ScheduleType:   models.ScheduleCron,
		CronExpression: "30 2 * * *",
		Timezone:       "America/Los_Angeles",
	}

	next, status := NextAfter(sched, mustParse(t, "2024-03-10T07:00:00Z"))
	require.Equal(t, StatusActive, status)
	assert.Equal(t, mustParse(t, "2024-03-10T10:30:00Z"), next)
}

func TestNextAfterCronFallBack(t *testing.T) {
	// 01:30 occurs twice in America/Los_Angeles on 2024-11-03; only the
	// first occurrence fires and the repeat is skipped.
	sched := &models.Schedule{
		ScheduleType:   models.ScheduleCron,
		CronExpression: "30 1 * * *",
		Timezone:       "America/Los_Angeles",
	}

	first, status := NextAfter(sched, mustParse(t, "2024-11-03T07:00:00Z"))
	require.Equal(t, StatusActive, status)
	assert.Equal(t, mustParse(t, "2024-11-03T08:30:00Z"), first)

	// Advancing from the first occurrence jumps to the next day, never the
	// second occurrence at 09:30Z.
	next, status := NextAfter(sched, first)
	require.Equal(t, StatusActive, status)
	assert.Equal(t, mustParse(t, "2024-11-04T09:30:00Z"), next)
}

func TestNextAfterCronZoneConversion(t *testing.T) {
	sched := &models.Schedule{
		ScheduleType:   models.ScheduleCron,
		CronExpression: "0 9 * * *",
		Timezone:       "Asia/Tokyo",
	}

	// 09:00 JST is 00:00 UTC.
	next, status := NextAfter(sched, mustParse(t, "2024-06-01T12:00:00Z"))
	require.Equal(t, StatusActive, status)
	assert.Equal(t, mustParse(t, "2024-06-02T00:00:00Z"), next)
}

func TestNextAfterCronInvalid(t *testing.T) {
	_, status := NextAfter(&models.Schedule{
		ScheduleType:   models.ScheduleCron,
		CronExpression: "not a cron",
	}, time.Now())
	assert.Equal(t, StatusInvalid, status)

	_, status = NextAfter(&models.Schedule{
		ScheduleType:   models.ScheduleCron,
		CronExpression: "0 8 * * *",
		Timezone:       "Mars/Olympus_Mons",
	}, time.Now())
	assert.Equal(t, StatusInvalid, status)
}

func TestNextAfterRecurringDaily(t *testing.T) {
	sched := &models.Schedule{
		ScheduleType: models.ScheduleRecurring,
		Timezone:     "UTC",
		ActionParams: json.RawMessage(`{"recurring_pattern":{"frequency":"daily","at":"06:30"}}`),
	}

	next, status := NextAfter(sched, mustParse(t, "2024-01-15T05:00:00Z"))
	require.Equal(t, StatusActive, status)
	assert.Equal(t, mustParse(t, "2024-01-15T06:30:00Z"), next)

	next, status = NextAfter(sched, mustParse(t, "2024-01-15T06:30:00Z"))
	require.Equal(t, StatusActive, status)
	assert.Equal(t, mustParse(t, "2024-01-16T06:30:00Z"), next)
}

func TestNextAfterRecurringWeekly(t *testing.T) {
	sched := &models.Schedule{
		ScheduleType: models.ScheduleRecurring,
		Timezone:     "UTC",
		ActionParams: json.RawMessage(`{"recurring_pattern":{"frequency":"weekly","at":"10:00","days":["monday","thursday"]}}`),
	}

	// 2024-01-16 is a Tuesday; the next allowed day is Thursday the 18th.
	next, status := NextAfter(sched, mustParse(t, "2024-01-16T12:00:00Z"))
	require.Equal(t, StatusActive, status)
	assert.Equal(t, mustParse(t, "2024-01-18T10:00:00Z"), next)

	// Numeric day form, 1 = Monday.
	sched.ActionParams = json.RawMessage(`{"recurring_pattern":{"frequency":"weekly","at":"10:00","days":[1]}}`)
	next, status = NextAfter(sched, mustParse(t, "2024-01-16T12:00:00Z"))
	require.Equal(t, StatusActive, status)
	assert.Equal(t, mustParse(t, "2024-01-22T10:00:00Z"), next)
}

func TestNextAfterRecurringInvalid(t *testing.T) {
	cases := map[string]string{
		"missing pattern":   `{}`,
		"bad frequency":     `{"recurring_pattern":{"frequency":"hourly","at":"10:00"}}`,
		"bad clock":         `{"recurring_pattern":{"frequency":"daily","at":"25:00"}}`,
		"weekly no days":    `{"recurring_pattern":{"frequency":"weekly","at":"10:00"}}`,
		"unknown day":       `{"recurring_pattern":{"frequency":"weekly","at":"10:00","days":["someday"]}}`,
		"day out of range":  `{"recurring_pattern":{"frequency":"weekly","at":"10:00","days":[9]}}`,
	}
	for name, params := range cases {
		t.Run(name, func(t *testing.T) {
			_, status := NextAfter(&models.Schedule{
				ScheduleType: models.ScheduleRecurring,
				Timezone:     "UTC",
				ActionParams: json.RawMessage(params),
			}, time.Now())
			assert.Equal(t, StatusInvalid, status)
		})
	}
}

func TestNextAfterStatic(t *testing.T) {
	// With a stored pattern a static schedule behaves as recurring.
	sched := &models.Schedule{
		ScheduleType: models.ScheduleStatic,
		Timezone:     "UTC",
		ActionParams: json.RawMessage(`{"recurring_pattern":{"frequency":"daily","at":"20:00"}}`),
	}
	next, status := NextAfter(sched, mustParse(t, "2024-01-15T08:00:00Z"))
	require.Equal(t, StatusActive, status)
	assert.Equal(t, mustParse(t, "2024-01-15T20:00:00Z"), next)

	// Without one it behaves as a one-shot.
	start := mustParse(t, "2024-02-01T00:00:00Z")
	sched = &models.Schedule{
		ScheduleType: models.ScheduleStatic,
		StartTime:    &start,
	}
	next, status = NextAfter(sched, mustParse(t, "2024-01-15T08:00:00Z"))
	require.Equal(t, StatusActive, status)
	assert.Equal(t, start, next)
}

func TestNextAfterMonotonicAndIdempotent(t *testing.T) {
	start := mustParse(t, "2024-01-01T00:00:00Z")
	sched := &models.Schedule{
		ScheduleType:    models.ScheduleInterval,
		StartTime:       &start,
		IntervalSeconds: 90,
	}

	prev := time.Time{}
	now := mustParse(t, "2024-01-01T00:00:30Z")
	for i := 0; i < 50; i++ {
		next, status := NextAfter(sched, now)
		require.Equal(t, StatusActive, status)

		again, _ := NextAfter(sched, now)
		assert.Equal(t, next, again, "same inputs must yield the same instant")

		assert.False(t, next.Before(prev), "NextAfter must be non-decreasing in now")
		prev = next
		now = now.Add(37 * time.Second)
	}
}

func TestValidate(t *testing.T) {
	start := mustParse(t, "2024-01-15T00:00:00Z")

	valid := &models.Schedule{
		Name:            "lights",
		ScheduleType:    models.ScheduleInterval,
		StartTime:       &start,
		IntervalSeconds: 300,
		Timezone:        "UTC",
		DeviceIDs:       []int64{1},
		ActionType:      models.ActionOn,
	}
	require.NoError(t, Validate(valid))

	bad := *valid
	bad.DeviceIDs = nil
	assert.Error(t, Validate(&bad))

	bad = *valid
	bad.Timezone = "Nope/Nowhere"
	assert.Error(t, Validate(&bad))

	bad = *valid
	end := start.Add(-time.Hour)
	bad.EndTime = &end
	assert.Error(t, Validate(&bad))

	bad = *valid
	bad.ScheduleType = models.ScheduleCron
	bad.CronExpression = "bad"
	assert.Error(t, Validate(&bad))

	bad = *valid
	bad.ActionType = "explode"
	assert.Error(t, Validate(&bad))
}
