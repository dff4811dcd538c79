// Package alerting evaluates threshold rules against the latest readings and
// maintains the alert event lifecycle.
package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reeflab/reefd/internal/metrics"
	"github.com/reeflab/reefd/internal/models"
	"github.com/reeflab/reefd/internal/store"
)

// minFreshness is the floor of the staleness window for polled devices.
const minFreshness = 300 * time.Second

// Broadcaster pushes live events to connected clients. A nil Broadcaster
// disables event publication.
type Broadcaster interface {
	Broadcast(event string, payload any)
}

// CycleStats summarizes one evaluation cycle.
type CycleStats struct {
	Evaluated int `json:"evaluated"`
	Triggered int `json:"triggered"`
	Resolved  int `json:"resolved"`
	Errors    int `json:"errors"`
	Skipped   int `json:"skipped"`
}

// Evaluator is the alert worker. Each cycle it walks the enabled alerts,
// compares the freshest reading against the threshold, and opens or resolves
// events so that at most one event per alert is ever open.
type Evaluator struct {
	store     *store.Store
	broadcast Broadcaster
	interval  time.Duration

	nowFn func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewEvaluator builds an alert evaluator with the given cycle interval.
func NewEvaluator(st *store.Store, broadcast Broadcaster, interval time.Duration) *Evaluator {
	if interval < time.Second {
		interval = time.Second
	}
	return &Evaluator{
		store:     st,
		broadcast: broadcast,
		interval:  interval,
		nowFn:     time.Now,
		done:      make(chan struct{}),
	}
}

// Start runs evaluation cycles until the context is cancelled or Stop is
// called.
func (e *Evaluator) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		ctx, e.cancel = context.WithCancel(ctx)

		go func() {
			defer close(e.done)
			log.Info().Dur("interval", e.interval).Msg("Alert evaluator started")

			ticker := time.NewTicker(e.interval)
			defer ticker.Stop()

			e.RunCycle(ctx)
			for {
				select {
				case <-ctx.Done():
					log.Info().Msg("Alert evaluator stopped")
					return
				case <-ticker.C:
					e.RunCycle(ctx)
				}
			}
		}()
	})
}

// Stop cancels the loop and waits for the current cycle to finish.
func (e *Evaluator) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
			<-e.done
		}
	})
}

// RunCycle evaluates every enabled alert once. Item-level failures are
// counted and logged; the cycle carries on.
func (e *Evaluator) RunCycle(ctx context.Context) CycleStats {
	var stats CycleStats
	started := time.Now()

	alerts, err := e.store.ListEnabledAlerts(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Alert cycle aborted: failed to list alerts")
		stats.Errors++
		return stats
	}

	for i := range alerts {
		if ctx.Err() != nil {
			break
		}
		e.evaluate(ctx, &alerts[i], &stats)
	}

	metrics.RecordAlertCycle(time.Since(started).Seconds())
	if stats.Triggered > 0 || stats.Resolved > 0 || stats.Errors > 0 {
		log.Info().
			Int("evaluated", stats.Evaluated).
			Int("triggered", stats.Triggered).
			Int("resolved", stats.Resolved).
			Int("errors", stats.Errors).
			Int("skipped", stats.Skipped).
			Msg("Alert cycle finished")
	}
	return stats
}

func (e *Evaluator) evaluate(ctx context.Context, alert *models.Alert, stats *CycleStats) {
	logger := log.With().Int64("alertID", alert.ID).Int64("deviceID", alert.DeviceID).Logger()

	device, err := e.store.GetDevice(ctx, alert.DeviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			stats.Skipped++
			return
		}
		logger.Error().Err(err).Msg("Failed to load alert device")
		stats.Errors++
		return
	}
	if !device.IsActive {
		stats.Skipped++
		return
	}

	reading, err := e.store.LatestReading(ctx, alert.DeviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			stats.Skipped++
			return
		}
		logger.Error().Err(err).Msg("Failed to load latest reading")
		stats.Errors++
		return
	}

	// Stale readings from a polled device must not flap alerts.
	if device.PollEnabled {
		freshness := 5 * time.Duration(device.PollInterval) * time.Second
		if freshness < minFreshness {
			freshness = minFreshness
		}
		if e.nowFn().UTC().Sub(reading.Timestamp) > freshness {
			stats.Skipped++
			return
		}
	}

	value, ok := extractMetric(reading, alert.Metric)
	if !ok {
		stats.Skipped++
		return
	}
	stats.Evaluated++

	breached := compare(alert.Operator, value, alert.ThresholdValue)
	open, err := e.store.GetOpenEvent(ctx, alert.ID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to query open event")
		stats.Errors++
		return
	}

	switch {
	case breached && open == nil:
		now := e.nowFn().UTC()
		event := &models.AlertEvent{
			AlertID:        alert.ID,
			DeviceID:       alert.DeviceID,
			TriggeredAt:    now,
			CurrentValue:   value,
			ThresholdValue: alert.ThresholdValue,
			Operator:       alert.Operator,
			Metric:         alert.Metric,
		}
		if err := e.store.CreateEvent(ctx, event); err != nil {
			logger.Error().Err(err).Msg("Failed to open alert event")
			stats.Errors++
			return
		}
		stats.Triggered++
		metrics.RecordAlertOpened()
		logger.Warn().
			Str("metric", alert.Metric).
			Float64("value", value).
			Float64("threshold", alert.ThresholdValue).
			Msg("Alert triggered")
		if e.broadcast != nil {
			e.broadcast.Broadcast("alert.triggered", event)
		}

	case !breached && open != nil:
		now := e.nowFn().UTC()
		if err := e.store.ResolveEvent(ctx, open.ID, now, value); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return
			}
			logger.Error().Err(err).Msg("Failed to resolve alert event")
			stats.Errors++
			return
		}
		stats.Resolved++
		metrics.RecordAlertResolved(now.Sub(open.TriggeredAt).Seconds())
		logger.Info().
			Str("metric", alert.Metric).
			Float64("value", value).
			Msg("Alert resolved")
		open.IsResolved = true
		open.ResolvedAt = &now
		open.ResolutionValue = &value
		if e.broadcast != nil {
			e.broadcast.Broadcast("alert.resolved", open)
		}
	}
}

// extractMetric pulls the compared value out of a reading. The literal
// "value" metric reads the scalar directly. Any other name prefers the named
// field of json_value, then of metadata, and falls back to the scalar only
// when neither carries the key, so scalar-only sensors stay comparable under
// a named metric.
func extractMetric(reading *models.Reading, metric string) (float64, bool) {
	if metric == "value" && reading.Value != nil {
		return *reading.Value, true
	}
	if v, ok := lookupNumber(reading.JSONValue, metric); ok {
		return v, true
	}
	if v, ok := lookupNumber(reading.Metadata, metric); ok {
		return v, true
	}
	if reading.Value != nil {
		return *reading.Value, true
	}
	return 0, false
}

func lookupNumber(raw json.RawMessage, key string) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return 0, false
	}
	entry, ok := fields[key]
	if !ok {
		return 0, false
	}
	var v float64
	if err := json.Unmarshal(entry, &v); err != nil {
		return 0, false
	}
	return v, true
}

// compare reports whether value breaches the threshold. NaN never breaches.
func compare(op models.Operator, value, threshold float64) bool {
	if math.IsNaN(value) {
		return false
	}
	switch op {
	case models.OpGreater:
		return value > threshold
	case models.OpLess:
		return value < threshold
	case models.OpGreaterEqual:
		return value >= threshold
	case models.OpLessEqual:
		return value <= threshold
	case models.OpEqual:
		return value == threshold
	case models.OpNotEqual:
		return value != threshold
	}
	return false
}
