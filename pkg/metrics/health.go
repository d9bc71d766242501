package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Probe evaluates one component at request time. It returns whether
// the component can do its job and a short human-readable detail.
type Probe func() (ok bool, detail string)

// Check is the rendered result of one probe.
type Check struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Report is the JSON body served on the health endpoints.
type Report struct {
	Status   string           `json:"status"` // "ok" or "failing"
	DaemonID string           `json:"daemonId,omitempty"`
	Uptime   string           `json:"uptime"`
	Checks   map[string]Check `json:"checks,omitempty"`
	Failing  []string         `json:"failing,omitempty"`
}

// Health evaluates registered probes on demand. Probes marked critical
// gate readiness; every probe feeds the health report.
type Health struct {
	daemonID string
	start    time.Time

	mu       sync.RWMutex
	probes   map[string]Probe
	critical map[string]bool
}

// NewHealth creates an empty probe registry for one daemon.
func NewHealth(daemonID string) *Health {
	return &Health{
		daemonID: daemonID,
		start:    time.Now(),
		probes:   make(map[string]Probe),
		critical: make(map[string]bool),
	}
}

// Register adds a named probe. Critical probes must pass for the
// daemon to report ready.
func (h *Health) Register(name string, critical bool, probe Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = probe
	h.critical[name] = critical
}

// Report evaluates every probe.
func (h *Health) Report() Report {
	return h.evaluate(false)
}

// Readiness evaluates the critical probes only. A registry with no
// critical probes is never ready: wiring has not finished.
func (h *Health) Readiness() Report {
	return h.evaluate(true)
}

func (h *Health) evaluate(criticalOnly bool) Report {
	h.mu.RLock()
	probes := make(map[string]Probe, len(h.probes))
	for name, p := range h.probes {
		if criticalOnly && !h.critical[name] {
			continue
		}
		probes[name] = p
	}
	h.mu.RUnlock()

	rep := Report{
		Status:   "ok",
		DaemonID: h.daemonID,
		Uptime:   time.Since(h.start).Truncate(time.Second).String(),
		Checks:   make(map[string]Check, len(probes)),
	}
	if criticalOnly && len(probes) == 0 {
		rep.Status = "failing"
		rep.Failing = []string{"no critical probes registered"}
		return rep
	}
	for name, probe := range probes {
		ok, detail := probe()
		rep.Checks[name] = Check{OK: ok, Detail: detail}
		if !ok {
			rep.Failing = append(rep.Failing, name)
		}
	}
	if len(rep.Failing) > 0 {
		rep.Status = "failing"
		sort.Strings(rep.Failing)
	}
	return rep
}

// HealthHandler serves the full report, 503 when any probe fails.
func (h *Health) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeReport(w, h.Report())
	}
}

// ReadyHandler serves the critical-probe report, 503 when not ready.
func (h *Health) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeReport(w, h.Readiness())
	}
}

// LiveHandler answers 200 whenever the process is running.
func (h *Health) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeReport(w, Report{
			Status:   "ok",
			DaemonID: h.daemonID,
			Uptime:   time.Since(h.start).Truncate(time.Second).String(),
		})
	}
}

func writeReport(w http.ResponseWriter, rep Report) {
	w.Header().Set("Content-Type", "application/json")
	if rep.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(rep)
}
