package emit

import (
	"context"

	"go.opentelemetry.io/otel/propagation"

	"github.com/arvoworks/arvo-go/runtime/event"
)

// traceCarrier adapts an event's trace headers to the W3C text-map carrier.
type traceCarrier struct {
	fields *event.Fields
}

func (c traceCarrier) Get(key string) string {
	switch key {
	case "traceparent":
		return c.fields.TraceParent
	case "tracestate":
		return c.fields.TraceState
	default:
		return ""
	}
}

func (c traceCarrier) Set(key, value string) {
	switch key {
	case "traceparent":
		c.fields.TraceParent = value
	case "tracestate":
		c.fields.TraceState = value
	}
}

func (c traceCarrier) Keys() []string {
	return []string{"traceparent", "tracestate"}
}

// injectTraceContext stamps the current span context onto the outbound
// event's trace headers.
func injectTraceContext(ctx context.Context, fields *event.Fields) {
	propagation.TraceContext{}.Inject(ctx, traceCarrier{fields: fields})
}

// ExtractTraceContext returns a context carrying the trace context found in
// the event's headers, for pipelines that inherit tracing from the event
// rather than from the ambient context.
func ExtractTraceContext(ctx context.Context, e event.Event) context.Context {
	fields := event.Fields{TraceParent: e.TraceParent, TraceState: e.TraceState}
	return propagation.TraceContext{}.Extract(ctx, traceCarrier{fields: &fields})
}
