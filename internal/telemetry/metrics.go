// Package telemetry defines the OpenTelemetry instruments recorded by a run.
//
// Instruments come from the global meter provider, which is a no-op unless
// the embedding binary installs an SDK provider.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScopeName is the instrumentation scope of all instruments.
const ScopeName = "github.com/thebtf/cellmaps-embedding"

// Metrics records pipeline progress.
type Metrics struct {
	samples       metric.Int64Counter
	skipped       metric.Int64Counter
	tensors       metric.Int64Counter
	batchDuration metric.Float64Histogram
}

// New creates the instruments on meter.
func New(meter metric.Meter) (*Metrics, error) {
	samples, err := meter.Int64Counter("cellmaps.samples.processed",
		metric.WithDescription("Samples embedded and aggregated"))
	if err != nil {
		return nil, err
	}
	skipped, err := meter.Int64Counter("cellmaps.samples.skipped",
		metric.WithDescription("Samples excluded from the output, by error kind"))
	if err != nil {
		return nil, err
	}
	tensors, err := meter.Int64Counter("cellmaps.tensors.inferred",
		metric.WithDescription("Tensors passed through the model"))
	if err != nil {
		return nil, err
	}
	batchDuration, err := meter.Float64Histogram("cellmaps.batch.duration",
		metric.WithDescription("Forward pass latency per batch"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		samples:       samples,
		skipped:       skipped,
		tensors:       tensors,
		batchDuration: batchDuration,
	}, nil
}

// Global creates the instruments on the global meter provider.
func Global() (*Metrics, error) {
	return New(otel.Meter(ScopeName))
}

// SampleProcessed counts one aggregated sample.
func (m *Metrics) SampleProcessed(ctx context.Context) {
	if m == nil {
		return
	}
	m.samples.Add(ctx, 1)
}

// SampleSkipped counts one excluded sample.
func (m *Metrics) SampleSkipped(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Batch records one forward pass.
func (m *Metrics) Batch(ctx context.Context, backend string, size int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("backend", backend))
	m.tensors.Add(ctx, int64(size), attrs)
	m.batchDuration.Record(ctx, d.Seconds(), attrs)
}
