package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/conveyor/internal/ledger"
	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

func TestMetrics_Track(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := newMetrics(mp.Meter(instrumentationName), nil)

	ctx := context.Background()
	m.Track(ctx, "run_status")(nil)
	m.Track(ctx, "approve")(fmt.Errorf("%w: mallory", pipeline.ErrNotReviewer))
	m.RecordInvocation(ctx, "list_runs", 5*time.Millisecond, nil)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	var invocations, active int64
	reasons := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch md.Name {
			case "conveyor.mcp.tool.invocations_total":
				for _, dp := range md.Data.(metricdata.Sum[int64]).DataPoints {
					invocations += dp.Value
				}
			case "conveyor.mcp.tool.errors_total":
				for _, dp := range md.Data.(metricdata.Sum[int64]).DataPoints {
					v, _ := dp.Attributes.Value(attribute.Key("reason"))
					reasons[v.AsString()] += dp.Value
				}
			case "conveyor.mcp.tool.active_requests":
				for _, dp := range md.Data.(metricdata.Sum[int64]).DataPoints {
					active += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(3), invocations)
	assert.Equal(t, map[string]int64{"auth_error": 1}, reasons)
	assert.Zero(t, active)
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{invalid("limit"), "validation_error"},
		{fmt.Errorf("%w: x", pipeline.ErrRunNotFound), "not_found"},
		{pipeline.ErrNotReviewer, "auth_error"},
		{pipeline.ErrGatePassed, "conflict"},
		{ledger.ErrApprovalExists, "conflict"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("boom"), "internal_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, categorizeError(tt.err), "%v", tt.err)
	}
}
