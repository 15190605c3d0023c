package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guardrail/internal/store"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumOf(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_Track(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := newMetrics(mp.Meter(instrumentationName), zap.NewNop())
	ctx := context.Background()

	m.Track(ctx, "audit")(nil)
	m.Track(ctx, "audit")(errors.New("invalid path"))
	pending := m.Track(ctx, "session_status")

	got := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, got["guardrail.mcp.tool.invocations_total"]))
	assert.Equal(t, int64(1), sumOf(t, got["guardrail.mcp.tool.errors_total"]))
	assert.Equal(t, int64(1), sumOf(t, got["guardrail.mcp.tool.active_requests"]))

	pending(nil)
	got = collect(t, reader)
	assert.Equal(t, int64(0), sumOf(t, got["guardrail.mcp.tool.active_requests"]))
	assert.Contains(t, got, "guardrail.mcp.tool.duration_seconds")
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("load: %w", store.ErrNotFound), "not_found"},
		{store.ErrLeaseHeld, "lease_error"},
		{context.DeadlineExceeded, "timeout"},
		{context.Canceled, "canceled"},
		{errors.New("query is required"), "validation_error"},
		{errors.New("redis: connection refused"), "storage_error"},
		{errors.New("boom"), "internal_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, categorizeError(tt.err), "%v", tt.err)
	}
}
