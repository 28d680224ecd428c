// Package telemetry is a thin OpenTelemetry wrapper used by the core loops
// to emit span events and counters/histograms, following the
// AddSpanEvent/Counter/Histogram shape the teacher's orchestration and
// telemetry packages use.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const meterName = "conductor"

var meter = otel.Meter(meterName)

// AddSpanEvent attaches a named event with key/value attributes to the span
// in ctx, if one is active. A no-op if no span is recording.
func AddSpanEvent(ctx context.Context, name string, kv ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(kv...))
}

// RecordSpanError records err on the active span and marks its status
// Error, mirroring how the teacher's error_analyzer reports failures.
func RecordSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// StartSpan starts a named span under the conductor tracer and returns the
// derived context plus the span so callers can End() it.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(meterName).Start(ctx, name)
}

var (
	mu         sync.Mutex
	counters   = map[string]metric.Int64Counter{}
	histograms = map[string]metric.Float64Histogram{}
)

// Counter increments a named counter by 1, creating it lazily on first use.
// Errors from instrument creation are swallowed — telemetry must never be
// able to fail the operation it's observing. The package-level instrument
// maps are shared across goroutines (e.g. parallel routing/verification), so
// lookup-or-create is serialized with mu.
func Counter(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	mu.Lock()
	c, ok := counters[name]
	if !ok {
		var err error
		c, err = meter.Int64Counter(name)
		if err != nil {
			mu.Unlock()
			return
		}
		counters[name] = c
	}
	mu.Unlock()
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// Histogram records value under name, creating the instrument lazily.
func Histogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	mu.Lock()
	h, ok := histograms[name]
	if !ok {
		var err error
		h, err = meter.Float64Histogram(name)
		if err != nil {
			mu.Unlock()
			return
		}
		histograms[name] = h
	}
	mu.Unlock()
	h.Record(ctx, value, metric.WithAttributes(attrs...))
}
