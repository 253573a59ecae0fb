package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func TestInstrumentsUsableWithoutSetup(t *testing.T) {
	require.NotNil(t, CommandsDispatched)
	require.NotNil(t, EscalationLatency)

	ctx := context.Background()
	CommandsDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("band", "auto-execute")))
	DispatchLatency.Record(ctx, 1.5)

	spanCtx, span := StartSpan(ctx, "dispatch.command", attribute.String("session", "s1"))
	defer span.End()
	assert.NotNil(t, spanCtx)
}

func TestSampler(t *testing.T) {
	for _, ratio := range []float64{0, 1} {
		assert.Contains(t, sampler(ratio).Description(), "AlwaysOnSampler", ratio)
	}
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
