package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
)

// Version is stamped by the build; the default marks development binaries.
var Version = "dev"

type healthResponse struct {
	Status           string       `json:"status"`
	Version          string       `json:"version"`
	UptimeSeconds    int64        `json:"uptimeSeconds"`
	Scheduler        any          `json:"scheduler"`
	Poller           any          `json:"poller"`
	WebSocketClients int          `json:"webSocketClients"`
	System           systemHealth `json:"system"`
}

type systemHealth struct {
	Goroutines    int     `json:"goroutines"`
	MemoryUsedPct float64 `json:"memoryUsedPct,omitempty"`
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	resp := healthResponse{
		Status:        "ok",
		Version:       Version,
		UptimeSeconds: int64(time.Since(rt.startedAt).Seconds()),
		Scheduler:     rt.scheduler.Health(r.Context()),
		System:        systemHealth{Goroutines: runtime.NumGoroutine()},
	}
	if rt.poller != nil {
		resp.Poller = rt.poller.Status()
	}
	if rt.hub != nil {
		resp.WebSocketClients = rt.hub.ClientCount()
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.System.MemoryUsedPct = vm.UsedPercent
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"version": Version,
		"runtime": runtime.Version(),
	})
}
