package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func family(t *testing.T, m *Metrics, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func labelValue(metric *dto.Metric, name string) string {
	for _, l := range metric.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Verification(true, "probe")
		m.CacheOp("get", "hit")
		m.MXLookup(false)
		m.HTTPRequest("/verify", 200)
		m.ProbeStarted()
		m.ProbeFinished(time.Second, true)
	})
}

func TestCounters(t *testing.T) {
	m := New()

	m.Verification(true, "probe")
	m.Verification(false, "format")
	m.Verification(false, "format")
	m.CacheOp("get", "hit")
	m.MXLookup(true)

	f := family(t, m, "mxverify_verifications_total")
	require.NotNil(t, f)
	counts := map[string]float64{}
	for _, metric := range f.GetMetric() {
		key := labelValue(metric, "result") + "/" + labelValue(metric, "source")
		counts[key] = metric.GetCounter().GetValue()
	}
	assert.Equal(t, 1.0, counts["valid/probe"])
	assert.Equal(t, 2.0, counts["invalid/format"])

	f = family(t, m, "mxverify_mx_lookups_total")
	require.NotNil(t, f)
	assert.Equal(t, "found", labelValue(f.GetMetric()[0], "result"))
}

func TestProbeGaugeAndHistogram(t *testing.T) {
	m := New()

	m.ProbeStarted()
	m.ProbeStarted()
	f := family(t, m, "mxverify_probes_in_flight")
	require.NotNil(t, f)
	assert.Equal(t, 2.0, f.GetMetric()[0].GetGauge().GetValue())

	m.ProbeFinished(200*time.Millisecond, true)
	m.ProbeFinished(3*time.Second, false)

	f = family(t, m, "mxverify_probes_in_flight")
	assert.Equal(t, 0.0, f.GetMetric()[0].GetGauge().GetValue())

	f = family(t, m, "mxverify_probe_duration_seconds")
	require.NotNil(t, f)
	var samples uint64
	for _, metric := range f.GetMetric() {
		samples += metric.GetHistogram().GetSampleCount()
	}
	assert.Equal(t, uint64(2), samples)
}

func TestHandler(t *testing.T) {
	m := New()
	m.CacheOp("put", "ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `mxverify_cache_operations_total{op="put",result="ok"} 1`)
}

func TestHTTPRequest(t *testing.T) {
	m := New()
	m.HTTPRequest("/verify", 200)
	m.HTTPRequest("/verify", 200)
	m.HTTPRequest("/verify", 400)

	f := family(t, m, "mxverify_http_requests_total")
	require.NotNil(t, f)
	byCode := map[string]float64{}
	for _, metric := range f.GetMetric() {
		assert.Equal(t, "/verify", labelValue(metric, "route"))
		byCode[labelValue(metric, "code")] = metric.GetCounter().GetValue()
	}
	assert.Equal(t, map[string]float64{"200": 2, "400": 1}, byCode)
}
