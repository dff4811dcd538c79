package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reeflab/reefd/internal/models"
	"github.com/reeflab/reefd/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func createTestDevice(t *testing.T, st *store.Store, name string) *models.Device {
	t.Helper()
	dev := &models.Device{
		Name:         name,
		DeviceType:   "pump",
		Address:      "gpio:17",
		PollInterval: 60,
		IsActive:     true,
	}
	require.NoError(t, st.CreateDevice(context.Background(), dev))
	return dev
}

// frozenWorker pins the worker clock so ticks are deterministic.
func frozenWorker(st *store.Store, controller DeviceController, at time.Time) *Worker {
	w := NewWorker(st, controller, nil, 30*time.Second)
	w.nowFn = func() time.Time { return at }
	return w
}

func (w *Worker) setNow(at time.Time) {
	w.nowFn = func() time.Time { return at }
}

func TestWorkerIntervalLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	dev := createTestDevice(t, st, "return-pump")

	start := mustParse(t, "2024-01-15T00:00:00Z")
	sched := &models.Schedule{
		Name:            "hourly-off",
		ScheduleType:    models.ScheduleInterval,
		IntervalSeconds: 60,
		StartTime:       &start,
		Timezone:        "UTC",
		DeviceIDs:       []int64{dev.ID},
		ActionType:      models.ActionOff,
		IsEnabled:       true,
	}
	require.NoError(t, st.CreateSchedule(ctx, sched))

	w := frozenWorker(st, SimulatedController{}, mustParse(t, "2024-01-15T00:02:45Z"))

	// First pass seeds next_run without firing.
	w.RunOnce(ctx)
	got, err := st.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	assert.Equal(t, mustParse(t, "2024-01-15T00:03:00Z"), got.NextRun.UTC())

	actions, err := st.ListActions(ctx, store.ActionFilter{ScheduleID: sched.ID})
	require.NoError(t, err)
	assert.Empty(t, actions)

	// At the firing instant exactly one action materializes and executes.
	w.setNow(mustParse(t, "2024-01-15T00:03:00Z"))
	w.RunOnce(ctx)

	actions, err = st.ListActions(ctx, store.ActionFilter{ScheduleID: sched.ID})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionSuccess, actions[0].Status)
	assert.Equal(t, mustParse(t, "2024-01-15T00:03:00Z"), actions[0].ScheduledTime.UTC())
	require.NotNil(t, actions[0].ExecutedTime)
	assert.NotEmpty(t, actions[0].DispatchID)
	assert.NotEmpty(t, actions[0].Result)

	got, err = st.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	assert.Equal(t, mustParse(t, "2024-01-15T00:04:00Z"), got.NextRun.UTC())
	require.NotNil(t, got.LastRun)
	assert.Equal(t, mustParse(t, "2024-01-15T00:03:00Z"), got.LastRun.UTC())
	assert.Equal(t, models.RunSuccess, got.LastRunStatus)
}

func TestWorkerOneOffExpiry(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	devA := createTestDevice(t, st, "light-left")
	devB := createTestDevice(t, st, "light-right")

	start := mustParse(t, "2024-01-15T14:30:00Z")
	sched := &models.Schedule{
		Name:         "feed-lights",
		ScheduleType: models.ScheduleOneOff,
		StartTime:    &start,
		Timezone:     "UTC",
		DeviceIDs:    []int64{devA.ID, devB.ID},
		ActionType:   models.ActionOn,
		IsEnabled:    true,
	}
	require.NoError(t, st.CreateSchedule(ctx, sched))

	w := frozenWorker(st, SimulatedController{}, mustParse(t, "2024-01-15T14:00:00Z"))
	w.RunOnce(ctx)

	w.setNow(start)
	w.RunOnce(ctx)

	actions, err := st.ListActions(ctx, store.ActionFilter{ScheduleID: sched.ID})
	require.NoError(t, err)
	require.Len(t, actions, 2)
	for _, action := range actions {
		assert.Equal(t, models.ActionSuccess, action.Status)
	}

	got, err := st.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.False(t, got.IsEnabled)
	assert.Nil(t, got.NextRun)
}

func TestWorkerMaterializeIdempotentUnderRetry(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	dev := createTestDevice(t, st, "doser")

	start := mustParse(t, "2024-01-15T00:00:00Z")
	sched := &models.Schedule{
		Name:            "dose",
		ScheduleType:    models.ScheduleInterval,
		IntervalSeconds: 300,
		StartTime:       &start,
		Timezone:        "UTC",
		DeviceIDs:       []int64{dev.ID},
		ActionType:      models.ActionOn,
		IsEnabled:       true,
	}
	require.NoError(t, st.CreateSchedule(ctx, sched))

	w := frozenWorker(st, SimulatedController{}, mustParse(t, "2024-01-15T00:05:00Z"))
	instant := mustParse(t, "2024-01-15T00:05:00Z")
	require.NoError(t, st.AdvanceSchedule(ctx, sched.ID, &instant, true))

	w.RunOnce(ctx)

	// A crash between materialization and advancement replays the same
	// instant; the uniqueness index keeps the row count at one.
	require.NoError(t, st.AdvanceSchedule(ctx, sched.ID, &instant, true))
	w.RunOnce(ctx)

	actions, err := st.ListActions(ctx, store.ActionFilter{ScheduleID: sched.ID})
	require.NoError(t, err)
	require.Len(t, actions, 1)

	got, err := st.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	assert.Equal(t, mustParse(t, "2024-01-15T00:10:00Z"), got.NextRun.UTC())
}

func TestWorkerFireOnceWhenLate(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	dev := createTestDevice(t, st, "skimmer")

	start := mustParse(t, "2024-01-15T00:00:00Z")
	sched := &models.Schedule{
		Name:            "minutely",
		ScheduleType:    models.ScheduleInterval,
		IntervalSeconds: 60,
		StartTime:       &start,
		Timezone:        "UTC",
		DeviceIDs:       []int64{dev.ID},
		ActionType:      models.ActionToggle,
		IsEnabled:       true,
	}
	require.NoError(t, st.CreateSchedule(ctx, sched))

	// The stored next_run is five periods overdue, as after an outage.
	overdue := mustParse(t, "2024-01-15T00:01:00Z")
	require.NoError(t, st.AdvanceSchedule(ctx, sched.ID, &overdue, true))

	w := frozenWorker(st, SimulatedController{}, mustParse(t, "2024-01-15T00:05:30Z"))
	w.RunOnce(ctx)

	// One catch-up firing at the most recent missed occurrence, no burst.
	actions, err := st.ListActions(ctx, store.ActionFilter{ScheduleID: sched.ID})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, mustParse(t, "2024-01-15T00:05:00Z"), actions[0].ScheduledTime.UTC())

	got, err := st.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	assert.Equal(t, mustParse(t, "2024-01-15T00:06:00Z"), got.NextRun.UTC())

	// The catch-up firing overwrote it, but the dropped occurrence was
	// recorded as skipped before the dispatch ran.
	assert.Equal(t, models.RunSuccess, got.LastRunStatus)
}

func TestWorkerRecordsSkippedOccurrences(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	dev := createTestDevice(t, st, "doser")

	start := mustParse(t, "2024-01-15T00:00:00Z")
	sched := &models.Schedule{
		Name:            "minutely",
		ScheduleType:    models.ScheduleInterval,
		IntervalSeconds: 60,
		StartTime:       &start,
		Timezone:        "UTC",
		DeviceIDs:       []int64{dev.ID},
		ActionType:      models.ActionToggle,
		IsEnabled:       true,
	}
	require.NoError(t, st.CreateSchedule(ctx, sched))

	overdue := mustParse(t, "2024-01-15T00:01:00Z")
	require.NoError(t, st.AdvanceSchedule(ctx, sched.ID, &overdue, true))

	// Materialize without dispatching so the skipped record is observable
	// before the catch-up execution overwrites it.
	w := frozenWorker(st, SimulatedController{}, mustParse(t, "2024-01-15T00:05:30Z"))
	loaded, err := st.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	w.processSchedule(ctx, loaded, w.nowFn().UTC())

	got, err := st.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSkipped, got.LastRunStatus)
	require.NotNil(t, got.LastRun)
	assert.Equal(t, overdue, got.LastRun.UTC(), "the first missed occurrence is the one recorded")
	assert.NotEmpty(t, got.LastRunError)
}

func TestWorkerDisablesInvalidSchedule(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	dev := createTestDevice(t, st, "heater")

	sched := &models.Schedule{
		Name:           "broken",
		ScheduleType:   models.ScheduleCron,
		CronExpression: "this is not cron",
		Timezone:       "UTC",
		DeviceIDs:      []int64{dev.ID},
		ActionType:     models.ActionOn,
		IsEnabled:      true,
	}
	require.NoError(t, st.CreateSchedule(ctx, sched))

	w := frozenWorker(st, SimulatedController{}, mustParse(t, "2024-01-15T00:00:00Z"))
	w.RunOnce(ctx)

	got, err := st.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.False(t, got.IsEnabled)
	assert.Equal(t, models.RunFailed, got.LastRunStatus)
}

// failingController rejects every action.
type failingController struct{}

func (failingController) Execute(ctx context.Context, action *models.DeviceAction) (json.RawMessage, error) {
	return nil, errors.New("relay did not respond")
}

func TestWorkerRecordsControllerFailure(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	dev := createTestDevice(t, st, "wavemaker")

	start := mustParse(t, "2024-01-15T00:00:00Z")
	sched := &models.Schedule{
		Name:            "waves",
		ScheduleType:    models.ScheduleInterval,
		IntervalSeconds: 60,
		StartTime:       &start,
		Timezone:        "UTC",
		DeviceIDs:       []int64{dev.ID},
		ActionType:      models.ActionOn,
		IsEnabled:       true,
	}
	require.NoError(t, st.CreateSchedule(ctx, sched))
	instant := mustParse(t, "2024-01-15T00:01:00Z")
	require.NoError(t, st.AdvanceSchedule(ctx, sched.ID, &instant, true))

	w := frozenWorker(st, failingController{}, instant)
	w.RunOnce(ctx)

	actions, err := st.ListActions(ctx, store.ActionFilter{ScheduleID: sched.ID})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionFailed, actions[0].Status)
	assert.Contains(t, actions[0].ErrorMessage, "relay did not respond")

	got, err := st.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, got.LastRunStatus)
	assert.Contains(t, got.LastRunError, "relay did not respond")
}

func TestWorkerExecuteNow(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	dev := createTestDevice(t, st, "feeder")

	action := &models.DeviceAction{
		DeviceID:      dev.ID,
		ActionType:    models.ActionOn,
		Status:        models.ActionPending,
		ScheduledTime: mustParse(t, "2030-01-01T00:00:00Z"),
	}
	created, err := st.CreateAction(ctx, action)
	require.NoError(t, err)
	require.True(t, created)

	w := frozenWorker(st, SimulatedController{}, mustParse(t, "2024-01-15T00:00:00Z"))

	// Force-execute fires regardless of the scheduled time.
	result, err := w.ExecuteNow(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionSuccess, result.Status)

	// A terminal action cannot be executed again.
	_, err = w.ExecuteNow(ctx, action.ID)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestWorkerCleanup(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	dev := createTestDevice(t, st, "ato")

	now := mustParse(t, "2024-06-01T00:00:00Z")
	mkAction := func(age time.Duration, status models.ActionStatus) {
		action := &models.DeviceAction{
			DeviceID:      dev.ID,
			ActionType:    models.ActionOn,
			Status:        models.ActionPending,
			ScheduledTime: now.Add(-age),
		}
		created, err := st.CreateAction(ctx, action)
		require.NoError(t, err)
		require.True(t, created)
		if status.Terminal() {
			claimed, err := st.ClaimAction(ctx, action.ID, "cleanup-test")
			require.NoError(t, err)
			require.True(t, claimed)
			require.NoError(t, st.CompleteAction(ctx, action.ID, status, now, nil, ""))
		}
	}

	mkAction(40*24*time.Hour, models.ActionSuccess)
	mkAction(40*24*time.Hour+time.Second, models.ActionFailed)
	mkAction(10*24*time.Hour, models.ActionSuccess)
	mkAction(50*24*time.Hour, "") // still pending, never removed

	w := frozenWorker(st, SimulatedController{}, now)
	removed, err := w.Cleanup(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	stats, err := st.GetActionStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.ByStatus["pending"])
}

func TestWorkerHealth(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	w := frozenWorker(st, SimulatedController{}, mustParse(t, "2024-01-15T00:00:00Z"))
	h := w.Health(ctx)
	assert.False(t, h.Running)
	assert.Nil(t, h.LastCheck)

	w.RunOnce(ctx)
	h = w.Health(ctx)
	require.NotNil(t, h.LastCheck)
	require.NotNil(t, h.NextCheck)
	assert.Equal(t, mustParse(t, "2024-01-15T00:00:00Z"), h.LastCheck.UTC())
	assert.Equal(t, mustParse(t, "2024-01-15T00:00:30Z"), h.NextCheck.UTC())
}
