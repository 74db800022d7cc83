package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/kddguard/pkg/kdd"
)

func TestObserve(t *testing.T) {
	m := New()

	m.ObservePrediction(kdd.LabelNormal, time.Millisecond)
	m.ObservePrediction(kdd.LabelAnomaly, 2*time.Millisecond)
	m.ObservePrediction(kdd.LabelAnomaly, 3*time.Millisecond)
	m.ObserveFilled("src_bytes")
	m.ObserveError("schema_mismatch")
	m.ObserveError("schema_mismatch")
	m.ObserveAlert("sent")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.predictions.WithLabelValues("normal")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.predictions.WithLabelValues("anomaly")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.filled.WithLabelValues("src_bytes")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.errors.WithLabelValues("schema_mismatch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alerts.WithLabelValues("sent")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.latency))
}

func TestSetModelReplaces(t *testing.T) {
	m := New()
	m.SetModel("forest", 1, 12)
	m.SetModel("iforest", 1, 10)

	assert.Equal(t, 1, testutil.CollectAndCount(m.model))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.model.WithLabelValues("iforest", "1", "10")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObservePrediction(kdd.LabelAnomaly, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `kddguard_predictions_total{label="anomaly"} 1`)
	assert.Contains(t, string(body), "kddguard_prediction_duration_seconds_bucket")
	assert.Contains(t, string(body), "go_goroutines")
}
