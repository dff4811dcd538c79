package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/reeflab/reefd/internal/models"
	"github.com/reeflab/reefd/internal/scheduling"
	"github.com/reeflab/reefd/internal/store"
)

// scheduleRequest is the create/update body. Scheduling state (nextRun,
// lastRun) is never client-writable.
type scheduleRequest struct {
	Name            string              `json:"name"`
	ScheduleType    models.ScheduleType `json:"scheduleType"`
	CronExpression  string              `json:"cronExpression"`
	IntervalSeconds int64               `json:"intervalSeconds"`
	StartTime       *time.Time          `json:"startTime"`
	EndTime         *time.Time          `json:"endTime"`
	Timezone        string              `json:"timezone"`
	DeviceIDs       []int64             `json:"deviceIds"`
	ActionType      models.ActionType   `json:"actionType"`
	ActionParams    json.RawMessage     `json:"actionParams"`
	IsEnabled       *bool               `json:"isEnabled"`
}

func (req *scheduleRequest) apply(sched *models.Schedule) {
	sched.Name = req.Name
	sched.ScheduleType = req.ScheduleType
	sched.CronExpression = req.CronExpression
	sched.IntervalSeconds = req.IntervalSeconds
	sched.StartTime = req.StartTime
	sched.EndTime = req.EndTime
	sched.Timezone = req.Timezone
	sched.DeviceIDs = req.DeviceIDs
	sched.ActionType = req.ActionType
	sched.ActionParams = req.ActionParams
	if req.IsEnabled != nil {
		sched.IsEnabled = *req.IsEnabled
	}
}

// handleSchedules dispatches everything under /api/schedules, including the
// device-actions sub-resource.
func (rt *Router) handleSchedules(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/api/schedules")

	switch {
	case len(segments) == 0:
		switch r.Method {
		case http.MethodGet:
			rt.listSchedules(w, r)
		case http.MethodPost:
			rt.createSchedule(w, r)
		default:
			methodNotAllowed(w)
		}

	case segments[0] == "stats":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		stats, err := rt.store.GetScheduleStats(r.Context())
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)

	case segments[0] == "health":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		writeJSON(w, http.StatusOK, rt.scheduler.Health(r.Context()))

	case segments[0] == "device-actions":
		rt.handleDeviceActions(w, r, segments[1:])

	default:
		id, ok := parseID(segments[0])
		if !ok {
			writeError(w, http.StatusNotFound, "unknown schedule route")
			return
		}
		switch {
		case len(segments) == 1:
			rt.handleScheduleByID(w, r, id)
		case len(segments) == 2 && segments[1] == "enable":
			rt.setScheduleEnabled(w, r, id, true)
		case len(segments) == 2 && segments[1] == "disable":
			rt.setScheduleEnabled(w, r, id, false)
		default:
			writeError(w, http.StatusNotFound, "unknown schedule route")
		}
	}
}

func (rt *Router) listSchedules(w http.ResponseWriter, r *http.Request) {
	filter := store.ScheduleFilter{
		Skip:         queryInt(r, "skip", 0),
		Limit:        queryInt(r, "limit", 0),
		ScheduleType: models.ScheduleType(r.URL.Query().Get("schedule_type")),
		IsEnabled:    queryBool(r, "is_enabled"),
		DeviceID:     queryInt64(r, "device_id"),
	}
	schedules, err := rt.store.ListSchedules(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if schedules == nil {
		schedules = []models.Schedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (rt *Router) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sched := &models.Schedule{IsEnabled: true}
	req.apply(sched)
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}
	if err := scheduling.Validate(sched); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := rt.store.CreateSchedule(r.Context(), sched); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (rt *Router) handleScheduleByID(w http.ResponseWriter, r *http.Request, id int64) {
	switch r.Method {
	case http.MethodGet:
		sched, err := rt.store.GetSchedule(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sched)

	case http.MethodPut, http.MethodPatch:
		sched, err := rt.store.GetSchedule(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		var req scheduleRequest
		if !decodeBody(w, r, &req) {
			return
		}
		req.apply(sched)
		if sched.Timezone == "" {
			sched.Timezone = "UTC"
		}
		if err := scheduling.Validate(sched); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		// An edit invalidates the computed next run; the worker reseeds it.
		sched.NextRun = nil
		if err := rt.store.UpdateSchedule(r.Context(), sched); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sched)

	case http.MethodDelete:
		if err := rt.store.DeleteSchedule(r.Context(), id); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)

	default:
		methodNotAllowed(w)
	}
}

func (rt *Router) setScheduleEnabled(w http.ResponseWriter, r *http.Request, id int64, enabled bool) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	sched, err := rt.store.GetSchedule(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if sched.IsEnabled == enabled {
		if enabled {
			writeError(w, http.StatusBadRequest, "Schedule is already enabled")
		} else {
			writeError(w, http.StatusBadRequest, "Schedule is already disabled")
		}
		return
	}
	if err := rt.store.SetScheduleEnabled(r.Context(), id, enabled); err != nil {
		writeStoreError(w, err)
		return
	}
	sched, err = rt.store.GetSchedule(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}
