// Package metrics exposes Prometheus instrumentation for the workers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scheduler metrics
	ActionsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reefd_actions_dispatched_total",
			Help: "Total number of device actions dispatched by terminal status",
		},
		[]string{"status"},
	)

	SchedulerTickSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reefd_scheduler_tick_seconds",
			Help:    "Duration of one scheduler tick",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
	)

	SchedulesEnabled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reefd_schedules_enabled",
			Help: "Number of currently enabled schedules",
		},
	)

	// Poller metrics
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reefd_polls_total",
			Help: "Total number of device polls by outcome",
		},
		[]string{"outcome"}, // success, error, timeout
	)

	PollDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reefd_poll_duration_seconds",
			Help:    "Duration of one device poll",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
	)

	ActivePollers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reefd_active_pollers",
			Help: "Number of devices with a running poll ticker",
		},
	)

	ReadingsPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reefd_readings_pruned_total",
			Help: "Total number of readings removed by retention sweeps",
		},
	)

	// Alert evaluator metrics
	AlertEventsOpenedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reefd_alert_events_opened_total",
			Help: "Total number of alert events opened",
		},
	)

	AlertEventsResolvedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reefd_alert_events_resolved_total",
			Help: "Total number of alert events resolved",
		},
	)

	AlertEventDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reefd_alert_event_duration_seconds",
			Help:    "Duration of alert events from trigger to resolve",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800, 86400},
		},
	)

	AlertCycleSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reefd_alert_cycle_seconds",
			Help:    "Duration of one alert evaluation cycle",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)
)

// RecordActionDispatched records a device action reaching a terminal status.
func RecordActionDispatched(status string) {
	ActionsDispatchedTotal.WithLabelValues(status).Inc()
}

// RecordSchedulerTick records the duration of one scheduler tick.
func RecordSchedulerTick(seconds float64) {
	SchedulerTickSeconds.Observe(seconds)
}

// SetSchedulesEnabled updates the enabled-schedule gauge.
func SetSchedulesEnabled(n float64) {
	SchedulesEnabled.Set(n)
}

// RecordPoll records the outcome and duration of one device poll.
func RecordPoll(outcome string, seconds float64) {
	PollsTotal.WithLabelValues(outcome).Inc()
	PollDurationSeconds.Observe(seconds)
}

// SetActivePollers updates the running-ticker gauge.
func SetActivePollers(n float64) {
	ActivePollers.Set(n)
}

// RecordReadingsPruned records rows removed by a retention sweep.
func RecordReadingsPruned(n int64) {
	if n > 0 {
		ReadingsPrunedTotal.Add(float64(n))
	}
}

// RecordAlertOpened records a new alert event.
func RecordAlertOpened() {
	AlertEventsOpenedTotal.Inc()
}

// RecordAlertResolved records an alert event resolving after the given
// open duration.
func RecordAlertResolved(durationSeconds float64) {
	AlertEventsResolvedTotal.Inc()
	if durationSeconds >= 0 {
		AlertEventDurationSeconds.Observe(durationSeconds)
	}
}

// RecordAlertCycle records the duration of one evaluation cycle.
func RecordAlertCycle(seconds float64) {
	AlertCycleSeconds.Observe(seconds)
}
