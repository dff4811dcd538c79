package api

import (
	"net/http"

	"github.com/reeflab/reefd/internal/models"
	"github.com/reeflab/reefd/internal/store"
)

// alertRequest is the create/update body for alert rules.
type alertRequest struct {
	DeviceID       int64           `json:"deviceId"`
	Metric         string          `json:"metric"`
	Operator       models.Operator `json:"operator"`
	ThresholdValue float64         `json:"thresholdValue"`
	IsEnabled      *bool           `json:"isEnabled"`
	TrendEnabled   *bool           `json:"trendEnabled"`
}

func (req *alertRequest) apply(alert *models.Alert) {
	alert.DeviceID = req.DeviceID
	alert.Metric = req.Metric
	alert.Operator = req.Operator
	alert.ThresholdValue = req.ThresholdValue
	if req.IsEnabled != nil {
		alert.IsEnabled = *req.IsEnabled
	}
	if req.TrendEnabled != nil {
		alert.TrendEnabled = *req.TrendEnabled
	}
}

func (req *alertRequest) validate() string {
	if req.Metric == "" {
		return "metric is required"
	}
	if !req.Operator.Valid() {
		return "unknown comparison operator"
	}
	return ""
}

// requireActiveDevice checks that an alert's target device exists and is
// active. Alerts on deactivated devices would never evaluate.
func (rt *Router) requireActiveDevice(w http.ResponseWriter, r *http.Request, deviceID int64) bool {
	dev, err := rt.store.GetDevice(r.Context(), deviceID)
	if err != nil {
		writeStoreError(w, err)
		return false
	}
	if !dev.IsActive {
		writeError(w, http.StatusUnprocessableEntity, "device is not active")
		return false
	}
	return true
}

// handleAlerts dispatches everything under /api/alerts, including the events
// sub-resource.
func (rt *Router) handleAlerts(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/api/alerts")

	switch {
	case len(segments) == 0:
		switch r.Method {
		case http.MethodGet:
			rt.listAlerts(w, r)
		case http.MethodPost:
			rt.createAlert(w, r)
		default:
			methodNotAllowed(w)
		}

	case segments[0] == "stats":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		stats, err := rt.store.GetAlertStats(r.Context())
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)

	case segments[0] == "events":
		rt.handleAlertEvents(w, r, segments[1:])

	default:
		id, ok := parseID(segments[0])
		if !ok {
			writeError(w, http.StatusNotFound, "unknown alert route")
			return
		}
		switch {
		case len(segments) == 1:
			rt.handleAlertByID(w, r, id)
		case len(segments) == 2 && segments[1] == "enable":
			rt.setAlertEnabled(w, r, id, true)
		case len(segments) == 2 && segments[1] == "disable":
			rt.setAlertEnabled(w, r, id, false)
		case len(segments) == 2 && segments[1] == "events":
			rt.listEventsForAlert(w, r, id)
		default:
			writeError(w, http.StatusNotFound, "unknown alert route")
		}
	}
}

func (rt *Router) listAlerts(w http.ResponseWriter, r *http.Request) {
	filter := store.AlertFilter{
		Skip:      queryInt(r, "skip", 0),
		Limit:     queryInt(r, "limit", 0),
		DeviceID:  queryInt64(r, "device_id"),
		IsEnabled: queryBool(r, "is_enabled"),
	}
	alerts, err := rt.store.ListAlerts(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (rt *Router) createAlert(w http.ResponseWriter, r *http.Request) {
	var req alertRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if detail := req.validate(); detail != "" {
		writeError(w, http.StatusUnprocessableEntity, detail)
		return
	}
	if !rt.requireActiveDevice(w, r, req.DeviceID) {
		return
	}

	alert := &models.Alert{IsEnabled: true}
	req.apply(alert)
	if err := rt.store.CreateAlert(r.Context(), alert); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, alert)
}

func (rt *Router) handleAlertByID(w http.ResponseWriter, r *http.Request, id int64) {
	switch r.Method {
	case http.MethodGet:
		alert, err := rt.store.GetAlert(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, alert)

	case http.MethodPut, http.MethodPatch:
		alert, err := rt.store.GetAlert(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		var req alertRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if detail := req.validate(); detail != "" {
			writeError(w, http.StatusUnprocessableEntity, detail)
			return
		}
		if !rt.requireActiveDevice(w, r, req.DeviceID) {
			return
		}
		req.apply(alert)
		if err := rt.store.UpdateAlert(r.Context(), alert); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, alert)

	case http.MethodDelete:
		if err := rt.store.DeleteAlert(r.Context(), id); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)

	default:
		methodNotAllowed(w)
	}
}

func (rt *Router) setAlertEnabled(w http.ResponseWriter, r *http.Request, id int64, enabled bool) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	alert, err := rt.store.GetAlert(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if alert.IsEnabled == enabled {
		if enabled {
			writeError(w, http.StatusBadRequest, "Alert is already enabled")
		} else {
			writeError(w, http.StatusBadRequest, "Alert is already disabled")
		}
		return
	}
	if err := rt.store.SetAlertEnabled(r.Context(), id, enabled); err != nil {
		writeStoreError(w, err)
		return
	}
	alert.IsEnabled = enabled
	writeJSON(w, http.StatusOK, alert)
}

func (rt *Router) handleAlertEvents(w http.ResponseWriter, r *http.Request, segments []string) {
	switch {
	case len(segments) == 0:
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		filter := store.EventFilter{
			Skip:       queryInt(r, "skip", 0),
			Limit:      queryInt(r, "limit", 0),
			AlertID:    queryInt64(r, "alert_id"),
			DeviceID:   queryInt64(r, "device_id"),
			IsResolved: queryBool(r, "is_resolved"),
		}
		events, err := rt.store.ListEvents(r.Context(), filter)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if events == nil {
			events = []models.AlertEvent{}
		}
		writeJSON(w, http.StatusOK, events)

	case len(segments) == 1:
		id, ok := parseID(segments[0])
		if !ok {
			writeError(w, http.StatusNotFound, "unknown event route")
			return
		}
		switch r.Method {
		case http.MethodGet:
			event, err := rt.store.GetEvent(r.Context(), id)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, event)
		case http.MethodDelete:
			if err := rt.store.DeleteEvent(r.Context(), id); err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusNoContent, nil)
		default:
			methodNotAllowed(w)
		}

	default:
		writeError(w, http.StatusNotFound, "unknown event route")
	}
}

func (rt *Router) listEventsForAlert(w http.ResponseWriter, r *http.Request, alertID int64) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if _, err := rt.store.GetAlert(r.Context(), alertID); err != nil {
		writeStoreError(w, err)
		return
	}
	events, err := rt.store.ListEvents(r.Context(), store.EventFilter{
		Skip:       queryInt(r, "skip", 0),
		Limit:      queryInt(r, "limit", 0),
		AlertID:    alertID,
		IsResolved: queryBool(r, "is_resolved"),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if events == nil {
		events = []models.AlertEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}
