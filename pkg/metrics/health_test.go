package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okProbe(detail string) Probe {
	return func() (bool, string) { return true, detail }
}

func failProbe(detail string) Probe {
	return func() (bool, string) { return false, detail }
}

func TestReportAggregatesProbes(t *testing.T) {
	h := NewHealth("ralph-abc123")
	h.Register("store", true, okProbe(""))
	h.Register("queue:acme/widgets", true, okProbe("queued=3 oldest_lease=12s"))

	rep := h.Report()
	assert.Equal(t, "ok", rep.Status)
	assert.Equal(t, "ralph-abc123", rep.DaemonID)
	assert.Len(t, rep.Checks, 2)
	assert.Equal(t, "queued=3 oldest_lease=12s", rep.Checks["queue:acme/widgets"].Detail)
}

func TestReportNamesFailingProbes(t *testing.T) {
	h := NewHealth("ralph-abc123")
	h.Register("store", true, okProbe(""))
	h.Register("queue:acme/widgets", true, failProbe("abandoned lease: queued=0 oldest_lease=8m0s"))
	h.Register("hosting", true, failProbe("cooling down"))

	rep := h.Report()
	assert.Equal(t, "failing", rep.Status)
	assert.Equal(t, []string{"hosting", "queue:acme/widgets"}, rep.Failing)
	assert.Contains(t, rep.Checks["queue:acme/widgets"].Detail, "abandoned lease")
}

func TestReadinessIgnoresNonCriticalProbes(t *testing.T) {
	h := NewHealth("ralph-abc123")
	h.Register("store", true, okProbe(""))
	h.Register("telemetry", false, failProbe("sink backlog"))

	rep := h.Readiness()
	assert.Equal(t, "ok", rep.Status)
	assert.NotContains(t, rep.Checks, "telemetry")

	full := h.Report()
	assert.Equal(t, "failing", full.Status, "the full report still surfaces it")
}

func TestReadinessWithoutProbesIsNotReady(t *testing.T) {
	rep := NewHealth("ralph-abc123").Readiness()
	assert.Equal(t, "failing", rep.Status)
}

func TestProbesEvaluatedPerRequest(t *testing.T) {
	healthy := false
	h := NewHealth("ralph-abc123")
	h.Register("store", true, func() (bool, string) { return healthy, "" })

	assert.Equal(t, "failing", h.Readiness().Status)
	healthy = true
	assert.Equal(t, "ok", h.Readiness().Status, "a recovered probe flips without re-registration")
}

func TestReadyHandlerStatusCodes(t *testing.T) {
	h := NewHealth("ralph-abc123")
	h.Register("store", true, failProbe("db locked"))

	w := httptest.NewRecorder()
	h.ReadyHandler()(w, httptest.NewRequest("GET", "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var rep Report
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rep))
	assert.Equal(t, "failing", rep.Status)
	assert.Equal(t, "db locked", rep.Checks["store"].Detail)

	h.Register("store", true, okProbe(""))
	w = httptest.NewRecorder()
	h.ReadyHandler()(w, httptest.NewRequest("GET", "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLiveHandlerAlwaysOK(t *testing.T) {
	h := NewHealth("ralph-abc123")
	h.Register("store", true, failProbe("db locked"))

	w := httptest.NewRecorder()
	h.LiveHandler()(w, httptest.NewRequest("GET", "/livez", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var rep Report
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rep))
	assert.Equal(t, "ok", rep.Status)
	assert.NotEmpty(t, rep.Uptime)
}
