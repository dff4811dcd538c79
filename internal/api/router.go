// Package api is the REST facade over the store and the workers.
package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/reeflab/reefd/internal/config"
	"github.com/reeflab/reefd/internal/polling"
	"github.com/reeflab/reefd/internal/scheduling"
	"github.com/reeflab/reefd/internal/store"
	"github.com/reeflab/reefd/internal/websocket"
)

// Router wires HTTP routes to handlers. Everything under /api requires a
// bearer token unless authentication is disabled.
type Router struct {
	mux       *http.ServeMux
	store     *store.Store
	scheduler *scheduling.Worker
	poller    *polling.Poller
	hub       *websocket.Hub
	startedAt time.Time
}

// NewRouter builds the HTTP handler with the full middleware chain.
func NewRouter(cfg *config.Config, st *store.Store, scheduler *scheduling.Worker, poller *polling.Poller, hub *websocket.Hub) http.Handler {
	r := &Router{
		mux:       http.NewServeMux(),
		store:     st,
		scheduler: scheduler,
		poller:    poller,
		hub:       hub,
		startedAt: time.Now(),
	}

	r.mux.HandleFunc("/api/health", r.handleHealth)
	r.mux.HandleFunc("/api/version", r.handleVersion)
	r.mux.HandleFunc("/api/schedules", r.handleSchedules)
	r.mux.HandleFunc("/api/schedules/", r.handleSchedules)
	r.mux.HandleFunc("/api/alerts", r.handleAlerts)
	r.mux.HandleFunc("/api/alerts/", r.handleAlerts)
	r.mux.HandleFunc("/api/devices", r.handleDevices)
	r.mux.HandleFunc("/api/devices/", r.handleDevices)
	if hub != nil {
		r.mux.HandleFunc("/ws", hub.HandleWebSocket)
	}

	var handler http.Handler = r.mux
	handler = authMiddleware(cfg)(handler)
	handler = corsMiddleware(cfg.AllowedOrigins)(handler)
	handler = loggingMiddleware(handler)
	handler = timeoutMiddleware(handler)
	handler = requestIDMiddleware(handler)
	return handler
}

// pathSegments strips the prefix and returns the remaining path elements.
func pathSegments(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

// parseID converts a path segment into a positive numeric id.
func parseID(segment string) (int64, bool) {
	id, err := strconv.ParseInt(segment, 10, 64)
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func queryInt64(r *http.Request, key string) int64 {
	n, err := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func queryBool(r *http.Request, key string) *bool {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil
	}
	return &b
}

func queryTime(r *http.Request, key string) (time.Time, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
