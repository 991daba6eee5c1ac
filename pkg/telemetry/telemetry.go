// Package telemetry provides the metrics and tracing abstraction the store
// is instrumented with. Components record against this interface without
// depending on a concrete OpenTelemetry pipeline; embedders plug in their
// own providers or leave the no-op default.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry records metrics and spans for store operations.
type Telemetry interface {
	// RecordCounter records a counter increment with optional attributes.
	RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue)

	// RecordHistogram records a histogram value with optional attributes.
	RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue)

	// StartSpan creates a tracing span around a store operation.
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)

	// Shutdown flushes and releases the underlying providers.
	Shutdown(ctx context.Context) error
}

// Noop is a Telemetry that records nothing.
type Noop struct{}

// NewNoop returns a no-op telemetry instance.
func NewNoop() Telemetry { return Noop{} }

// RecordCounter is a no-op.
func (Noop) RecordCounter(context.Context, string, int64, ...attribute.KeyValue) {}

// RecordHistogram is a no-op.
func (Noop) RecordHistogram(context.Context, string, float64, ...attribute.KeyValue) {}

// StartSpan returns the context unchanged with a no-op span.
func (Noop) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

// Shutdown is a no-op.
func (Noop) Shutdown(context.Context) error { return nil }

// RecordDuration records the elapsed time since start in a histogram.
func RecordDuration(ctx context.Context, tel Telemetry, name string, start time.Time, attrs ...attribute.KeyValue) {
	tel.RecordHistogram(ctx, name, time.Since(start).Seconds(), attrs...)
}

// Metric names recorded by the store.
const (
	MetricOps          = "kvs.operations"
	MetricOpDuration   = "kvs.operation.duration"
	MetricGcSectors    = "kvs.gc.sectors"
	MetricErases       = "kvs.sector.erases"
	MetricCorruptFound = "kvs.corrupt.entries"
)

// Attribute keys used with the metrics above.
const (
	AttrOperation = "operation"
	AttrStatus    = "status"
	AttrSector    = "sector"
)

// Attribute values for AttrOperation and AttrStatus.
const (
	OpInit   = "init"
	OpGet    = "get"
	OpPut    = "put"
	OpDelete = "delete"
	OpGc     = "gc"

	StatusOk    = "ok"
	StatusError = "error"
)
