package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guardrail/internal/finding"
	"github.com/fyrsmithlabs/guardrail/internal/remediation"
	"github.com/fyrsmithlabs/guardrail/internal/session"
	"github.com/fyrsmithlabs/guardrail/internal/store"
	"github.com/fyrsmithlabs/guardrail/internal/telemetry"
)

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return st
}

func seed(t *testing.T, st store.Store) {
	t.Helper()
	f := &finding.Finding{
		ID:         "f1",
		Location:   finding.Location{Path: "app/handler.py", Line: 12},
		PatternID:  "bare_except",
		CategoryID: "U_FAIL_FAST",
		Confidence: finding.ConfidenceMedium,
		Severity:   finding.SeverityP1,
		Status:     finding.StatusConfirmedReal,
	}
	f.SetMatch("except: pass")

	rec := store.NewRecord("acme")
	rec.Session = session.New("sess-1", "acme", t.TempDir(), fixedNow)
	rec.Session.AddFinding(f)
	rec.Session.Categorize([]*finding.Finding{f}, fixedNow)
	require.NoError(t, st.Save(context.Background(), rec))
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(nil, zap.NewNop(), nil)
	assert.ErrorContains(t, err, "store cannot be nil")

	_, err = NewServer(newStore(t), nil, nil)
	assert.ErrorContains(t, err, "logger is required")

	s, err := NewServer(newStore(t), zap.NewNop(), nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9191", s.Addr())
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name   string
		health *telemetry.HealthStatus
		want   string
	}{
		{name: "no telemetry", want: "ok"},
		{name: "healthy exporter", health: &telemetry.HealthStatus{Enabled: true, Healthy: true}, want: "ok"},
		{name: "degraded exporter", health: &telemetry.HealthStatus{Enabled: true, Healthy: true, Degraded: true}, want: "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.health != nil {
				h := *tt.health
				opts = append(opts, WithTelemetryHealth(func() telemetry.HealthStatus { return h }))
			}
			s, err := NewServer(newStore(t), zap.NewNop(), nil, opts...)
			require.NoError(t, err)

			rec := get(t, s, "/health")
			assert.Equal(t, http.StatusOK, rec.Code)
			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.want, resp.Status)
		})
	}
}

func TestHandleSession(t *testing.T) {
	st := newStore(t)
	seed(t, st)
	s, err := NewServer(st, zap.NewNop(), nil)
	require.NoError(t, err)

	rec := get(t, s, "/api/v1/projects/acme/session")
	require.Equal(t, http.StatusOK, rec.Code)

	var report remediation.StatusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "acme", report.ProjectID)
	assert.Equal(t, "sess-1", report.SessionID)
	assert.Equal(t, session.StatusActive, report.Status)
	require.Len(t, report.Categories, 1)
	assert.Equal(t, "U_FAIL_FAST", report.Categories[0].ID)
	assert.Equal(t, session.StatePending, report.Categories[0].State)
	assert.NotContains(t, rec.Body.String(), "except: pass", "raw match never leaves the process")
}

func TestHandleSession_Errors(t *testing.T) {
	s, err := NewServer(newStore(t), zap.NewNop(), nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, get(t, s, "/api/v1/projects/unknown/session").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/api/v1/projects/"+strings.Repeat("a", 200)+"/session").Code)

	down, err := NewServer(failingStore{newStore(t)}, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, down, "/api/v1/projects/acme/session").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, err := NewServer(newStore(t), zap.NewNop(), nil)
	require.NoError(t, err)

	rec := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestMetricsMiddleware(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	tel.Install(t)

	s, err := NewServer(newStore(t), zap.NewNop(), nil)
	require.NoError(t, err)
	get(t, s, "/health")
	get(t, s, "/api/v1/projects/unknown/session")

	n, err := tel.CounterValue(context.Background(), "guardrail.http.requests_total")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

type failingStore struct{ store.Store }

func (failingStore) Load(context.Context, string) (*store.Record, error) {
	return nil, errors.New("connection refused")
}
