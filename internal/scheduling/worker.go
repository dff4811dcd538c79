package scheduling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/reeflab/reefd/internal/metrics"
	"github.com/reeflab/reefd/internal/models"
	"github.com/reeflab/reefd/internal/store"
)

const (
	// MinInterval and MaxInterval bound the worker tick interval.
	MinInterval = 5 * time.Second
	MaxInterval = 3600 * time.Second

	// MinCleanupDays and MaxCleanupDays bound the action retention window.
	MinCleanupDays = 1
	MaxCleanupDays = 365

	// dispatchBatchSize caps how many pending actions one tick executes.
	dispatchBatchSize = 100

	// executeTimeout bounds a single controller call.
	executeTimeout = 30 * time.Second
)

// Broadcaster pushes live events to connected clients. A nil Broadcaster
// disables event publication.
type Broadcaster interface {
	Broadcast(event string, payload any)
}

// Health is the scheduler worker's self-report for the health endpoint.
type Health struct {
	Running        bool       `json:"running"`
	UptimeSeconds  int64      `json:"uptimeSeconds"`
	TotalSchedules int64      `json:"totalSchedules"`
	LastCheck      *time.Time `json:"lastCheck,omitempty"`
	NextCheck      *time.Time `json:"nextCheck,omitempty"`
}

// Worker is the scheduler loop. Each tick it recomputes next-fire instants,
// materializes due firings into device actions, and dispatches pending
// actions through the controller. All coordination goes through the store;
// concurrent workers are safe because claims are compare-and-set.
type Worker struct {
	store      *store.Store
	controller DeviceController
	broadcast  Broadcaster
	interval   time.Duration

	nowFn func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	lastCheck time.Time
}

// NewWorker builds a scheduler worker. The tick interval is clamped to
// [5s, 3600s].
func NewWorker(st *store.Store, controller DeviceController, broadcast Broadcaster, interval time.Duration) *Worker {
	if interval < MinInterval {
		interval = MinInterval
	}
	if interval > MaxInterval {
		interval = MaxInterval
	}
	return &Worker{
		store:      st,
		controller: controller,
		broadcast:  broadcast,
		interval:   interval,
		nowFn:      time.Now,
		done:       make(chan struct{}),
	}
}

// Start runs the tick loop until the context is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		ctx, w.cancel = context.WithCancel(ctx)
		w.mu.Lock()
		w.running = true
		w.startedAt = w.nowFn()
		w.mu.Unlock()

		go func() {
			defer close(w.done)
			log.Info().Dur("interval", w.interval).Msg("Scheduler worker started")

			ticker := time.NewTicker(w.interval)
			defer ticker.Stop()

			w.RunOnce(ctx)
			for {
				select {
				case <-ctx.Done():
					w.mu.Lock()
					w.running = false
					w.mu.Unlock()
					log.Info().Msg("Scheduler worker stopped")
					return
				case <-ticker.C:
					w.RunOnce(ctx)
				}
			}
		}()
	})
}

// Stop cancels the loop and waits for the current tick to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
			<-w.done
		}
	})
}

// RunOnce executes a single scheduler tick: materialize due schedules, then
// dispatch pending actions. Item-level failures are logged and recorded on
// the affected row; the tick carries on.
func (w *Worker) RunOnce(ctx context.Context) {
	now := w.nowFn().UTC()
	started := time.Now()

	// Look half a tick ahead so actions are materialized before their
	// instant arrives; the dispatcher enforces the actual firing time.
	cutoff := now.Add(w.interval / 2)
	due, err := w.store.ListDueSchedules(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Scheduler tick aborted: failed to list due schedules")
		return
	}

	for i := range due {
		if ctx.Err() != nil {
			return
		}
		w.processSchedule(ctx, &due[i], now)
	}

	w.dispatch(ctx, now)

	w.mu.Lock()
	w.lastCheck = now
	w.mu.Unlock()

	if stats, err := w.store.GetScheduleStats(ctx); err == nil {
		metrics.SetSchedulesEnabled(float64(stats.Enabled))
	}
	metrics.RecordSchedulerTick(time.Since(started).Seconds())
}

// processSchedule materializes one due schedule and advances its next_run.
func (w *Worker) processSchedule(ctx context.Context, sched *models.Schedule, now time.Time) {
	logger := log.With().Int64("scheduleID", sched.ID).Str("name", sched.Name).Logger()

	// First pass after create, enable, or edit: seed next_run without firing.
	if sched.NextRun == nil {
		next, status := NextAfter(sched, now)
		switch status {
		case StatusActive:
			if err := w.store.AdvanceSchedule(ctx, sched.ID, &next, true); err != nil {
				logger.Error().Err(err).Msg("Failed to seed schedule next run")
			}
		case StatusExpired:
			logger.Info().Msg("Schedule expired; disabling")
			if err := w.store.AdvanceSchedule(ctx, sched.ID, nil, false); err != nil {
				logger.Error().Err(err).Msg("Failed to disable expired schedule")
			}
		case StatusInvalid:
			logger.Warn().Msg("Schedule definition is invalid; disabling")
			if err := w.store.AdvanceSchedule(ctx, sched.ID, nil, false); err != nil {
				logger.Error().Err(err).Msg("Failed to disable invalid schedule")
			} else if err := w.store.RecordScheduleRun(ctx, sched.ID, now, models.RunFailed, "invalid schedule definition"); err != nil {
				logger.Error().Err(err).Msg("Failed to record invalid schedule")
			}
		}
		return
	}

	instant := w.fireInstant(sched, now)
	if overdue := sched.NextRun.UTC(); instant.After(overdue) {
		logger.Info().
			Time("missed", overdue).
			Time("firing", instant).
			Msg("Dropping missed occurrences; firing once at the most recent one")
		if err := w.store.RecordScheduleRun(ctx, sched.ID, overdue, models.RunSkipped, "missed occurrences dropped after outage"); err != nil {
			logger.Error().Err(err).Msg("Failed to record skipped occurrence")
		}
	}
	w.materialize(ctx, sched, instant, logger)

	// Advance strictly past the instant just materialized. A process outage
	// produces exactly one catch-up firing; missed occurrences in between
	// are dropped, never burst-fired.
	after := now
	if boundary := instant.Add(time.Millisecond); boundary.After(after) {
		after = boundary
	}
	next, status := NextAfter(sched, after)
	switch status {
	case StatusActive:
		if err := w.store.AdvanceSchedule(ctx, sched.ID, &next, true); err != nil {
			logger.Error().Err(err).Msg("Failed to advance schedule")
		}
	case StatusExpired:
		if err := w.store.AdvanceSchedule(ctx, sched.ID, nil, false); err != nil {
			logger.Error().Err(err).Msg("Failed to retire schedule")
		}
	case StatusInvalid:
		logger.Warn().Msg("Schedule became invalid; disabling")
		if err := w.store.AdvanceSchedule(ctx, sched.ID, nil, false); err != nil {
			logger.Error().Err(err).Msg("Failed to disable invalid schedule")
		}
	}
}

// fireInstant picks the instant a due schedule fires at. Normally that is the
// stored next_run; when an interval schedule is more than one period overdue,
// the firing snaps forward to the most recent missed occurrence.
func (w *Worker) fireInstant(sched *models.Schedule, now time.Time) time.Time {
	instant := sched.NextRun.UTC()
	if sched.ScheduleType != models.ScheduleInterval || sched.StartTime == nil || sched.IntervalSeconds < 1 {
		return instant
	}
	interval := time.Duration(sched.IntervalSeconds) * time.Second
	if now.Sub(instant) <= interval {
		return instant
	}
	start := sched.StartTime.UTC()
	k := int64(now.Sub(start) / interval)
	latest := start.Add(time.Duration(k) * interval)
	if latest.After(instant) {
		return latest
	}
	return instant
}

// materialize inserts one pending action per target device. The uniqueness
// index makes re-materialization after a crash or overlapping tick a no-op.
func (w *Worker) materialize(ctx context.Context, sched *models.Schedule, instant time.Time, logger zerolog.Logger) {
	scheduleID := sched.ID
	for _, deviceID := range sched.DeviceIDs {
		action := &models.DeviceAction{
			ScheduleID:    &scheduleID,
			DeviceID:      deviceID,
			ActionType:    sched.ActionType,
			Parameters:    sched.ActionParams,
			Status:        models.ActionPending,
			ScheduledTime: instant,
		}
		created, err := w.store.CreateAction(ctx, action)
		if err != nil {
			logger.Error().Err(err).Int64("deviceID", deviceID).Msg("Failed to materialize action")
			continue
		}
		if created {
			logger.Debug().
				Int64("deviceID", deviceID).
				Time("scheduledTime", instant).
				Msg("Materialized device action")
		}
	}
}

// dispatch claims and executes pending actions whose instant has arrived, in
// (scheduled_time, id) order. The claim is a compare-and-set; a concurrent
// worker losing the race simply moves on.
func (w *Worker) dispatch(ctx context.Context, now time.Time) {
	actions, err := w.store.ListDispatchableActions(ctx, now, dispatchBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list dispatchable actions")
		return
	}

	for i := range actions {
		if ctx.Err() != nil {
			return
		}
		w.executeAction(ctx, &actions[i])
	}
}

func (w *Worker) executeAction(ctx context.Context, action *models.DeviceAction) {
	dispatchID := ulid.Make().String()
	logger := log.With().
		Int64("actionID", action.ID).
		Int64("deviceID", action.DeviceID).
		Str("dispatchID", dispatchID).
		Logger()

	claimed, err := w.store.ClaimAction(ctx, action.ID, dispatchID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to claim action")
		return
	}
	if !claimed {
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, executeTimeout)
	result, execErr := w.controller.Execute(execCtx, action)
	cancel()

	executedAt := w.nowFn().UTC()
	status := models.ActionSuccess
	errMsg := ""
	if execErr != nil {
		status = models.ActionFailed
		errMsg = execErr.Error()
		logger.Warn().Err(execErr).Msg("Device action failed")
	}

	if err := w.store.CompleteAction(ctx, action.ID, status, executedAt, result, errMsg); err != nil {
		logger.Error().Err(err).Msg("Failed to record action outcome")
		return
	}
	metrics.RecordActionDispatched(string(status))

	action.Status = status
	action.DispatchID = dispatchID
	action.ExecutedTime = &executedAt
	action.Result = result
	action.ErrorMessage = errMsg
	if w.broadcast != nil {
		w.broadcast.Broadcast("action.executed", action)
	}

	if action.ScheduleID != nil {
		runStatus := models.RunSuccess
		if execErr != nil {
			runStatus = models.RunFailed
		}
		if err := w.store.RecordScheduleRun(ctx, *action.ScheduleID, executedAt, runStatus, errMsg); err != nil {
			logger.Error().Err(err).Msg("Failed to record schedule run")
		}
	}
}

// ExecuteNow force-dispatches a pending action regardless of its scheduled
// time, on behalf of the execute endpoint. It returns the action's final row.
func (w *Worker) ExecuteNow(ctx context.Context, id int64) (*models.DeviceAction, error) {
	action, err := w.store.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if action.Status != models.ActionPending {
		return nil, fmt.Errorf("action %d is not pending: %w", id, store.ErrConflict)
	}
	w.executeAction(ctx, action)
	return w.store.GetAction(ctx, id)
}

// Cleanup deletes terminal actions older than the given number of days,
// clamped to [1, 365]. It returns how many rows were removed.
func (w *Worker) Cleanup(ctx context.Context, days int) (int64, error) {
	if days < MinCleanupDays {
		days = MinCleanupDays
	}
	if days > MaxCleanupDays {
		days = MaxCleanupDays
	}
	cutoff := w.nowFn().UTC().AddDate(0, 0, -days)
	removed, err := w.store.CleanupActions(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		log.Info().Int64("removed", removed).Int("days", days).Msg("Cleaned up device actions")
	}
	return removed, nil
}

// Health reports the worker's current state for the health endpoint.
func (w *Worker) Health(ctx context.Context) Health {
	w.mu.Lock()
	running := w.running
	startedAt := w.startedAt
	lastCheck := w.lastCheck
	w.mu.Unlock()

	h := Health{Running: running}
	if running {
		h.UptimeSeconds = int64(w.nowFn().Sub(startedAt).Seconds())
	}
	if !lastCheck.IsZero() {
		last := lastCheck
		h.LastCheck = &last
		next := lastCheck.Add(w.interval)
		h.NextCheck = &next
	}
	if stats, err := w.store.GetScheduleStats(ctx); err == nil {
		h.TotalSchedules = stats.Total
	}
	return h
}
