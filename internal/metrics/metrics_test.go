package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := New()

	c.FrameDecoded("ECG", 73)
	c.FrameDecoded("ECG", 73)
	c.FrameDecoded("ACC", 108)
	c.FrameMalformed(EndpointData)
	c.ControlRequest("REQUEST_MEASUREMENT_START", "SUCCESS", 40*time.Millisecond)
	c.HeartRate(71)
	c.StreamClients(3)
	c.Published("redis", true)
	c.Published("redis", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.framesDecoded.WithLabelValues("ECG")))
	assert.Equal(t, 146.0, testutil.ToFloat64(c.samplesDecoded.WithLabelValues("ECG")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.framesDecoded.WithLabelValues("ACC")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.framesMalformed.WithLabelValues(EndpointData)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.controlRequests.WithLabelValues("REQUEST_MEASUREMENT_START", "SUCCESS")))
	assert.Equal(t, 71.0, testutil.ToFloat64(c.heartRate))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.streamClients))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.published.WithLabelValues("redis", "error")))
}

func TestCollectorHandler(t *testing.T) {
	c := New()
	c.FrameDecoded("ACC", 3)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `pmdctl_pmd_frames_total{sensor="ACC"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.FrameDecoded("ECG", 1)
		c.FrameMalformed(EndpointControl)
		c.ControlRequest("x", "y", time.Second)
		c.HeartRate(60)
		c.StreamClients(1)
		c.Published("ws", true)
	})
	assert.Nil(t, c.Registry())
	assert.NotNil(t, c.Handler())
}
