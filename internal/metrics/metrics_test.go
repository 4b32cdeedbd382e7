package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecordMutation(t *testing.T) {
	m := NewMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordMutation("success", 3, 10*time.Millisecond)
	m.RecordMutation("failure", 5, 10*time.Millisecond)

	assert.Equal(t, float64(3), testutil.ToFloat64(m.RecordsWritten), "only successful records count")
}

func TestRecordFanout(t *testing.T) {
	m := NewMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordFanout("attendance_update", 4, 1)
	m.RecordFanout("attendance_update", 0, 0)

	assert.Equal(t, float64(4), testutil.ToFloat64(m.FanoutDeliveries.WithLabelValues("attendance_update", "delivered")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FanoutDeliveries.WithLabelValues("attendance_update", "dropped")))
}

func TestMetricsServer_ServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegisterer(reg)
	m.RecordMessageError("record_attendance", "INVALID_PAYLOAD")

	ms := NewMetricsServer(0, "/metrics", reg, zap.NewNop())
	rec := httptest.NewRecorder()
	ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "attendance_sync_message_errors_total"), body)
	assert.Contains(t, body, `code="INVALID_PAYLOAD"`)
}
