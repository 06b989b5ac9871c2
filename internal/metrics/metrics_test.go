package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, m *Metrics) map[string]float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			name := f.GetName()
			for _, l := range metric.GetLabel() {
				name += "/" + l.GetValue()
			}
			switch {
			case metric.GetCounter() != nil:
				values[name] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[name] = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				values[name] = float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return values
}

func TestMetrics_Record(t *testing.T) {
	m := New()
	m.MountResult("ok")
	m.MountResult("ok")
	m.MountResult("Password")
	m.SetMounted(2)
	m.AddIO("read", 4096)
	m.AddIO("read", 0)
	m.ObserveKDF(30 * time.Millisecond)

	values := gather(t, m)
	assert.Equal(t, 2.0, values["ved_mounts_total/ok"])
	assert.Equal(t, 1.0, values["ved_mounts_total/Password"])
	assert.Equal(t, 2.0, values["ved_mounted_disks"])
	assert.Equal(t, 4096.0, values["ved_io_bytes_total/read"])
	assert.Equal(t, 1.0, values["ved_kdf_duration_seconds"])

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ved_mounts_total")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.MountResult("ok")
		m.UnmountResult("ok")
		m.SetMounted(1)
		m.ObserveKDF(time.Second)
		m.AddIO("write", 1)
		m.AuthFailure()
		m.StaleSession()
	})
	assert.Nil(t, m.Registry())
}
