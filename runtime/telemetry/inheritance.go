package telemetry

// TraceInheritance selects where a pipeline execution picks up its tracing
// context.
type TraceInheritance int

const (
	// TraceFromEventHeaders resumes the trace carried in the event's
	// traceparent/tracestate headers. The default.
	TraceFromEventHeaders TraceInheritance = iota
	// TraceFromAmbientContext uses the caller's context as-is.
	TraceFromAmbientContext
)
