package api

import (
	"encoding/json"
	"net/http"

	"github.com/reeflab/reefd/internal/models"
	"github.com/reeflab/reefd/internal/store"
)

// deviceRequest is the create/update body for the device registry.
type deviceRequest struct {
	Name         string          `json:"name"`
	DeviceType   string          `json:"deviceType"`
	Address      string          `json:"address"`
	PollEnabled  *bool           `json:"pollEnabled"`
	PollInterval int64           `json:"pollInterval"`
	IsActive     *bool           `json:"isActive"`
	Config       json.RawMessage `json:"config"`
}

func (req *deviceRequest) apply(dev *models.Device) {
	dev.Name = req.Name
	dev.DeviceType = req.DeviceType
	dev.Address = req.Address
	if req.PollEnabled != nil {
		dev.PollEnabled = *req.PollEnabled
	}
	if req.PollInterval != 0 {
		dev.PollInterval = req.PollInterval
	}
	if req.IsActive != nil {
		dev.IsActive = *req.IsActive
	}
	dev.Config = req.Config
}

func (req *deviceRequest) validate() string {
	if req.Name == "" {
		return "name is required"
	}
	if req.DeviceType == "" {
		return "deviceType is required"
	}
	if req.PollInterval < 0 {
		return "pollInterval must not be negative"
	}
	return ""
}

// handleDevices dispatches everything under /api/devices.
func (rt *Router) handleDevices(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/api/devices")

	switch {
	case len(segments) == 0:
		switch r.Method {
		case http.MethodGet:
			rt.listDevices(w, r)
		case http.MethodPost:
			rt.createDevice(w, r)
		default:
			methodNotAllowed(w)
		}

	default:
		id, ok := parseID(segments[0])
		if !ok {
			writeError(w, http.StatusNotFound, "unknown device route")
			return
		}
		switch {
		case len(segments) == 1:
			rt.handleDeviceByID(w, r, id)
		case len(segments) == 2 && segments[1] == "history":
			rt.deviceHistory(w, r, id)
		default:
			writeError(w, http.StatusNotFound, "unknown device route")
		}
	}
}

func (rt *Router) listDevices(w http.ResponseWriter, r *http.Request) {
	filter := store.DeviceFilter{
		Skip:        queryInt(r, "skip", 0),
		Limit:       queryInt(r, "limit", 0),
		DeviceType:  r.URL.Query().Get("device_type"),
		IsActive:    queryBool(r, "is_active"),
		PollEnabled: queryBool(r, "poll_enabled"),
	}
	devices, err := rt.store.ListDevices(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if devices == nil {
		devices = []models.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (rt *Router) createDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if detail := req.validate(); detail != "" {
		writeError(w, http.StatusUnprocessableEntity, detail)
		return
	}

	dev := &models.Device{IsActive: true, PollInterval: 60}
	req.apply(dev)
	if err := rt.store.CreateDevice(r.Context(), dev); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dev)
}

func (rt *Router) handleDeviceByID(w http.ResponseWriter, r *http.Request, id int64) {
	switch r.Method {
	case http.MethodGet:
		dev, err := rt.store.GetDevice(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dev)

	case http.MethodPut, http.MethodPatch:
		dev, err := rt.store.GetDevice(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		var req deviceRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if detail := req.validate(); detail != "" {
			writeError(w, http.StatusUnprocessableEntity, detail)
			return
		}
		req.apply(dev)
		if err := rt.store.UpdateDevice(r.Context(), dev); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dev)

	case http.MethodDelete:
		if err := rt.store.DeleteDevice(r.Context(), id); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)

	default:
		methodNotAllowed(w)
	}
}

// deviceHistory serves /api/devices/{id}/history?start&end&limit with
// RFC 3339 bounds, oldest reading first.
func (rt *Router) deviceHistory(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if _, err := rt.store.GetDevice(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}

	start, ok := queryTime(r, "start")
	if !ok {
		writeError(w, http.StatusBadRequest, "start must be RFC 3339")
		return
	}
	end, ok := queryTime(r, "end")
	if !ok {
		writeError(w, http.StatusBadRequest, "end must be RFC 3339")
		return
	}

	readings, err := rt.store.ListReadings(r.Context(), id, start, end, queryInt(r, "limit", 0))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if readings == nil {
		readings = []models.Reading{}
	}
	writeJSON(w, http.StatusOK, readings)
}
