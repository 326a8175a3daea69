// Package telemetry mirrors query traces as OpenTelemetry spans.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/hubenschmidt/finguard-observability/internal/trace"
)

// TracerName identifies spans emitted by the query pipeline.
const TracerName = "github.com/hubenschmidt/finguard-observability/rag"

// Tracer starts pipeline spans. The zero value and nil use the global provider.
type Tracer struct {
	tracer oteltrace.Tracer
}

// NewTracer binds a tracer to tp, or to the global provider when tp is nil.
func NewTracer(tp oteltrace.TracerProvider) *Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Tracer{tracer: tp.Tracer(TracerName)}
}

// Start opens a child span of whatever span ctx carries.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	tr := otel.Tracer(TracerName)
	if t != nil && t.tracer != nil {
		tr = t.tracer
	}
	return tr.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// RecordError marks span as failed. A nil error is ignored.
func RecordError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetOK marks span as successful.
func SetOK(span oteltrace.Span) {
	span.SetStatus(codes.Ok, "")
}

// PayloadAttributes converts a stage payload into span attributes prefixed
// with "rag.<stage>.". Keys are sorted for stable output.
func PayloadAttributes(p trace.Payload) []attribute.KeyValue {
	if p == nil {
		return nil
	}
	fields := p.Fields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	prefix := "rag." + p.Stage() + "."
	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, toAttribute(prefix+k, fields[k]))
	}
	return attrs
}

// MetricsAttributes summarizes a completed query on its root span.
func MetricsAttributes(m trace.Metrics) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("rag.trace_id", m.TraceID),
		attribute.Float64("rag.total_latency_ms", m.TotalLatencyMs),
		attribute.Int("rag.total_tokens", m.TotalTokens),
		attribute.Float64("rag.total_cost_usd", m.TotalCostUSD),
		attribute.Float64("rag.grounding_score", m.GroundingScore),
		attribute.Bool("rag.hallucination_detected", m.HallucinationDetected),
		attribute.String("rag.quality_status", m.Status),
	}
}

func toAttribute(key string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(key, val)
	case bool:
		return attribute.Bool(key, val)
	case int:
		return attribute.Int(key, val)
	case int64:
		return attribute.Int64(key, val)
	case float64:
		return attribute.Float64(key, val)
	default:
		return attribute.String(key, fmt.Sprint(val))
	}
}

// SetupStdout installs a global TracerProvider that writes spans to w.
// Callers must Shutdown the returned provider to flush pending spans.
func SetupStdout(serviceName string, w io.Writer, pretty bool) (*sdktrace.TracerProvider, error) {
	opts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
	if pretty {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exp, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("stdout trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}
