package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestMetrics_Record(t *testing.T) {
	m, err := New(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.SampleProcessed(ctx)
		m.SampleSkipped(ctx, "MissingChannelError")
		m.Batch(ctx, "fake", 4, 15*time.Millisecond)
	})
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SampleProcessed(context.Background())
		m.Batch(context.Background(), "fake", 1, time.Second)
	})
}

func TestGlobal(t *testing.T) {
	m, err := Global()
	require.NoError(t, err)
	assert.NotNil(t, m)
}
