package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/reeflab/reefd/internal/models"
	"github.com/reeflab/reefd/internal/store"
)

// defaultCleanupDays is the retention window when the cleanup endpoint is
// called without an explicit days parameter.
const defaultCleanupDays = 30

// actionRequest is the manual-action body. Manual actions carry no schedule
// and fire on the next dispatch pass unless forced via execute.
type actionRequest struct {
	DeviceID      int64             `json:"deviceId"`
	ActionType    models.ActionType `json:"actionType"`
	Parameters    json.RawMessage   `json:"parameters"`
	ScheduledTime *time.Time        `json:"scheduledTime"`
}

// handleDeviceActions dispatches /api/schedules/device-actions routes.
func (rt *Router) handleDeviceActions(w http.ResponseWriter, r *http.Request, segments []string) {
	switch {
	case len(segments) == 0:
		switch r.Method {
		case http.MethodGet:
			rt.listActions(w, r)
		case http.MethodPost:
			rt.createManualAction(w, r)
		default:
			methodNotAllowed(w)
		}

	case segments[0] == "stats":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		stats, err := rt.store.GetActionStats(r.Context())
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)

	case segments[0] == "cleanup":
		rt.cleanupActions(w, r)

	default:
		id, ok := parseID(segments[0])
		if !ok {
			writeError(w, http.StatusNotFound, "unknown action route")
			return
		}
		switch {
		case len(segments) == 1:
			rt.handleActionByID(w, r, id)
		case len(segments) == 2 && segments[1] == "execute":
			rt.executeAction(w, r, id)
		default:
			writeError(w, http.StatusNotFound, "unknown action route")
		}
	}
}

func (rt *Router) listActions(w http.ResponseWriter, r *http.Request) {
	filter := store.ActionFilter{
		Skip:       queryInt(r, "skip", 0),
		Limit:      queryInt(r, "limit", 0),
		Status:     models.ActionStatus(r.URL.Query().Get("status")),
		DeviceID:   queryInt64(r, "device_id"),
		ScheduleID: queryInt64(r, "schedule_id"),
	}
	actions, err := rt.store.ListActions(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if actions == nil {
		actions = []models.DeviceAction{}
	}
	writeJSON(w, http.StatusOK, actions)
}

func (rt *Router) createManualAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !req.ActionType.Valid() {
		writeError(w, http.StatusUnprocessableEntity, "unknown action type")
		return
	}
	if _, err := rt.store.GetDevice(r.Context(), req.DeviceID); err != nil {
		writeStoreError(w, err)
		return
	}

	scheduledTime := time.Now().UTC()
	if req.ScheduledTime != nil {
		scheduledTime = req.ScheduledTime.UTC()
	}
	action := &models.DeviceAction{
		DeviceID:      req.DeviceID,
		ActionType:    req.ActionType,
		Parameters:    req.Parameters,
		Status:        models.ActionPending,
		ScheduledTime: scheduledTime,
	}
	if _, err := rt.store.CreateAction(r.Context(), action); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, action)
}

func (rt *Router) handleActionByID(w http.ResponseWriter, r *http.Request, id int64) {
	switch r.Method {
	case http.MethodGet:
		action, err := rt.store.GetAction(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, action)

	case http.MethodDelete:
		if err := rt.store.DeleteAction(r.Context(), id); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)

	default:
		methodNotAllowed(w)
	}
}

func (rt *Router) executeAction(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	action, err := rt.store.GetAction(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if action.Status != models.ActionPending {
		writeError(w, http.StatusBadRequest, "Action is not pending")
		return
	}
	result, err := rt.scheduler.ExecuteNow(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) cleanupActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	days := queryInt(r, "days", defaultCleanupDays)
	if days < 1 || days > 365 {
		writeError(w, http.StatusBadRequest, "days must be in [1, 365]")
		return
	}
	removed, err := rt.scheduler.Cleanup(r.Context(), days)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}
