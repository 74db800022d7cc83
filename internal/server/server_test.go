package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/kddguard/internal/alerts"
	"github.com/hed1ad/kddguard/internal/history"
	"github.com/hed1ad/kddguard/internal/logging"
	"github.com/hed1ad/kddguard/internal/metrics"
	"github.com/hed1ad/kddguard/internal/server"
	"github.com/hed1ad/kddguard/internal/simulator"
	"github.com/hed1ad/kddguard/pkg/artifacts"
	"github.com/hed1ad/kddguard/pkg/artifacts/artifactstest"
	"github.com/hed1ad/kddguard/pkg/kdd"
	"github.com/hed1ad/kddguard/pkg/pipeline"
)

var (
	bundleOnce sync.Once
	bundle     *artifacts.Bundle
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []alerts.Alert
}

func (s *recordingSink) Publish(_ context.Context, a alerts.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func newServer(t *testing.T, cfg server.Config, opts ...server.Option) *server.Server {
	t.Helper()
	bundleOnce.Do(func() { bundle = artifactstest.Bundle(t) })

	m := metrics.New()
	p, err := pipeline.New(bundle, pipeline.WithObserver(m), pipeline.WithLogger(logging.Discard()))
	require.NoError(t, err)

	opts = append([]server.Option{server.WithLogger(logging.Discard()), server.WithMetrics(m)}, opts...)
	srv := server.New(p, cfg, opts...)
	t.Cleanup(srv.Close)
	return srv
}

func newSampler(t *testing.T, n int) *simulator.Sampler {
	t.Helper()
	s, err := simulator.New(artifactstest.Connections(n, 2), simulator.WithSeed(5), simulator.WithLogger(logging.Discard()))
	require.NoError(t, err)
	return s
}

func do(t *testing.T, srv *server.Server, method, target string, body any) (int, []byte) {
	t.Helper()

	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestRootAndHealth(t *testing.T) {
	srv := newServer(t, server.DefaultConfig())

	status, body := do(t, srv, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, decode[map[string]string](t, body)["message"], "KDD Cup 99")

	status, body = do(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, status)
	health := decode[map[string]any](t, body)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "forest", health["classifier"])
	assert.Equal(t, 41.0, health["features"])
	assert.Equal(t, false, health["sampler"])
}

func TestPredict(t *testing.T) {
	srv := newServer(t, server.DefaultConfig())

	rec := artifactstest.Record(map[string]any{
		kdd.FieldDuration: 10,
		kdd.FieldSrcBytes: 500,
		kdd.FieldDstBytes: 200,
	})
	status, body := do(t, srv, http.MethodPost, "/predict", rec)
	require.Equal(t, http.StatusOK, status, string(body))

	got := decode[map[string]any](t, body)
	assert.Contains(t, []any{"Normal", "Anomalie"}, got["prediction"])
	assert.Contains(t, []any{"normal", "anomaly"}, got["label"])
	score := got["score"].(float64)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
	assert.NotContains(t, got, "filled")
}

func TestPredictFilled(t *testing.T) {
	srv := newServer(t, server.DefaultConfig())

	rec := artifactstest.Record(map[string]any{kdd.FieldSrcBytes: nil})
	status, body := do(t, srv, http.MethodPost, "/predict", rec)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, []any{kdd.FieldSrcBytes}, decode[map[string]any](t, body)["filled"])
}

func TestPredictErrors(t *testing.T) {
	srv := newServer(t, server.DefaultConfig())

	missing := artifactstest.Record(nil)
	delete(missing, kdd.FieldDstHostCount)

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantKind   string
		check      func(t *testing.T, got map[string]any)
	}{
		{
			name:       "unknown protocol",
			body:       artifactstest.Record(map[string]any{kdd.FieldProtocolType: "sctp"}),
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   "unknown_category",
			check: func(t *testing.T, got map[string]any) {
				assert.Equal(t, kdd.FieldProtocolType, got["field"])
				assert.Equal(t, "sctp", got["value"])
				assert.ElementsMatch(t, []any{"tcp", "udp", "icmp"}, got["valid"])
			},
		},
		{
			name:       "missing field",
			body:       missing,
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   "schema_mismatch",
			check: func(t *testing.T, got map[string]any) {
				assert.Equal(t, []any{kdd.FieldDstHostCount}, got["missing"])
				assert.Equal(t, []any{}, got["extra"])
			},
		},
		{
			name:       "extra field",
			body:       artifactstest.Record(map[string]any{"src_port": 4444}),
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   "schema_mismatch",
			check: func(t *testing.T, got map[string]any) {
				assert.Equal(t, []any{"src_port"}, got["extra"])
			},
		},
		{
			name:       "malformed json",
			body:       `{"duration": `,
			wantStatus: http.StatusBadRequest,
			wantKind:   "bad_request",
		},
		{
			name:       "array body",
			body:       `[1, 2]`,
			wantStatus: http.StatusBadRequest,
			wantKind:   "bad_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := do(t, srv, http.MethodPost, "/predict", tt.body)
			require.Equal(t, tt.wantStatus, status, string(body))
			got := decode[map[string]any](t, body)
			assert.Equal(t, tt.wantKind, got["error"])
			assert.NotEmpty(t, got["message"])
			if tt.check != nil {
				tt.check(t, got)
			}
		})
	}
}

func TestPredictBatch(t *testing.T) {
	srv := newServer(t, server.DefaultConfig())

	recs := []kdd.Record{
		artifactstest.Record(nil),
		artifactstest.Record(map[string]any{kdd.FieldProtocolType: "sctp"}),
		artifactstest.Record(map[string]any{kdd.FieldProtocolType: "udp", kdd.FieldService: "domain_u"}),
	}
	status, body := do(t, srv, http.MethodPost, "/predict/batch", recs)
	require.Equal(t, http.StatusOK, status, string(body))

	var got struct {
		Results []struct {
			Index      int     `json:"index"`
			Prediction string  `json:"prediction"`
			Score      float64 `json:"score"`
			Error      string  `json:"error"`
		} `json:"results"`
		Processed  int  `json:"processed"`
		Errors     int  `json:"errors"`
		Incomplete bool `json:"incomplete"`
	}
	require.NoError(t, json.Unmarshal(body, &got))

	assert.Equal(t, 2, got.Processed)
	assert.Equal(t, 1, got.Errors)
	assert.False(t, got.Incomplete)
	require.Len(t, got.Results, 3)
	for i, row := range got.Results {
		assert.Equal(t, i, row.Index)
	}
	assert.NotEmpty(t, got.Results[0].Prediction)
	assert.Equal(t, "unknown_category", got.Results[1].Error)
	assert.Empty(t, got.Results[1].Prediction)
	assert.NotEmpty(t, got.Results[2].Prediction)
}

func TestPredictBatchLimits(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.MaxBatch = 2
	srv := newServer(t, cfg)

	status, _ := do(t, srv, http.MethodPost, "/predict/batch", []kdd.Record{
		artifactstest.Record(nil), artifactstest.Record(nil), artifactstest.Record(nil),
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)

	status, _ = do(t, srv, http.MethodPost, "/predict/batch", `{"duration": 1}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := do(t, srv, http.MethodPost, "/predict/batch", `[]`)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"results": [], "processed": 0, "errors": 0}`, string(body))
}

func TestConnectionsWithoutSampler(t *testing.T) {
	srv := newServer(t, server.DefaultConfig())

	status, body := do(t, srv, http.MethodGet, "/connections?n=5", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "unavailable", decode[map[string]any](t, body)["error"])
}

func TestConnections(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.MaxSample = 20
	srv := newServer(t, cfg, server.WithSampler(newSampler(t, 40)))

	status, body := do(t, srv, http.MethodGet, "/connections?n=8", nil)
	require.Equal(t, http.StatusOK, status, string(body))

	rows := decode[[]map[string]any](t, body)
	require.Len(t, rows, 8)
	for _, row := range rows {
		assert.NotEmpty(t, row["id"])
		assert.True(t, strings.HasPrefix(row["src_ip"].(string), "192.168.1."))
		assert.True(t, strings.HasPrefix(row["dst_ip"].(string), "10.0.0."))
		assert.Contains(t, row, kdd.FieldProtocolType)
		assert.Contains(t, row, "truth")
		assert.IsType(t, true, row["anomaly"])
		assert.IsType(t, 0.0, row["anomaly_score"])
	}

	status, body = do(t, srv, http.MethodGet, "/connections", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]map[string]any](t, body), 20, "default sample size is capped at the configured maximum")

	for _, q := range []string{"n=0", "n=-1", "n=21"} {
		status, _ = do(t, srv, http.MethodGet, "/connections?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, status, q)
	}
}

func TestHistory(t *testing.T) {
	srv := newServer(t, server.DefaultConfig())
	status, _ := do(t, srv, http.MethodGet, "/history", nil)
	assert.Equal(t, http.StatusNotFound, status)

	store, err := history.Open(filepath.Join(t.TempDir(), "h.db"), history.WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv = newServer(t, server.DefaultConfig(), server.WithHistory(store))
	for i := 0; i < 3; i++ {
		status, _ = do(t, srv, http.MethodPost, "/predict", artifactstest.Record(nil))
		require.Equal(t, http.StatusOK, status)
	}
	status, _ = do(t, srv, http.MethodPost, "/predict", artifactstest.Record(map[string]any{kdd.FieldFlag: "XX"}))
	require.Equal(t, http.StatusUnprocessableEntity, status)

	status, body := do(t, srv, http.MethodGet, "/history?limit=2", nil)
	require.Equal(t, http.StatusOK, status, string(body))

	var got struct {
		Events []history.Event `json:"events"`
		Stats  history.Stats   `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Len(t, got.Events, 2)
	assert.Equal(t, int64(3), got.Stats.Total)
	assert.Equal(t, "api", got.Events[0].Source)

	status, _ = do(t, srv, http.MethodGet, "/history?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAlertsFollowAnomalies(t *testing.T) {
	sink := &recordingSink{}
	srv := newServer(t, server.DefaultConfig(),
		server.WithSampler(newSampler(t, 40)),
		server.WithAlerts(sink),
	)

	status, body := do(t, srv, http.MethodGet, "/connections?n=40", nil)
	require.Equal(t, http.StatusOK, status)

	anomalies := 0
	for _, row := range decode[[]map[string]any](t, body) {
		if row["anomaly"] == true {
			anomalies++
		}
	}
	require.Positive(t, anomalies)

	srv.Close()
	assert.Equal(t, anomalies, sink.count())
	for _, a := range sink.alerts {
		assert.Equal(t, "sample", a.Source)
		assert.NotEmpty(t, a.SrcIP)
	}
}

func TestAlertsAfterClose(t *testing.T) {
	sink := &recordingSink{}
	srv := newServer(t, server.DefaultConfig(),
		server.WithSampler(newSampler(t, 40)),
		server.WithAlerts(sink),
	)
	srv.Close()

	status, body := do(t, srv, http.MethodGet, "/connections?n=40", nil)
	require.Equal(t, http.StatusOK, status, string(body))

	rows := decode[[]map[string]any](t, body)
	require.Len(t, rows, 40)
	for _, row := range rows {
		assert.NotContains(t, row, "error")
	}
	assert.Zero(t, sink.count())

	status, body = do(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `kddguard_alerts_total{outcome="dropped"}`)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newServer(t, server.DefaultConfig())

	status, _ := do(t, srv, http.MethodPost, "/predict", artifactstest.Record(map[string]any{kdd.FieldProtocolType: "sctp"}))
	require.Equal(t, http.StatusUnprocessableEntity, status)

	status, body := do(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `kddguard_prediction_errors_total{kind="unknown_category"} 1`)
}

func TestNotFound(t *testing.T) {
	srv := newServer(t, server.DefaultConfig())

	status, body := do(t, srv, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.NotEmpty(t, decode[map[string]any](t, body)["error"])
}
