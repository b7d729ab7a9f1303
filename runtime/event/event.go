// Package event defines the wire-level event primitive consumed and produced
// by the orchestrator pipelines. Events follow the CloudEvents shape extended
// with the routing attributes the orchestrator relies on (to, redirectto,
// parentid, accesscontrol, executionunits).
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	// Event is one immutable message on the wire. The orchestrator consumes
	// exactly one Event per execution and produces zero or more.
	//
	// Data is carried opaquely as raw JSON; the contract layer validates it
	// against the relevant schema, the pipelines never interpret it beyond
	// the reserved parentSubject$$ key.
	Event struct {
		// ID uniquely identifies the event. Assigned at construction.
		ID string `json:"id"`
		// Type is the event type (e.g. "com.number.increment").
		Type string `json:"type"`
		// Source identifies the emitter of the event.
		Source string `json:"source"`
		// Subject identifies the workflow instance this event belongs to.
		// Opaque; only the subject codec may interpret it.
		Subject string `json:"subject"`
		// To names the intended consumer. Defaults to Type when unset.
		To string `json:"to,omitempty"`
		// DataSchema references the contract slice that Data conforms to.
		DataSchema string `json:"dataschema,omitempty"`
		// Data is the opaque JSON payload.
		Data json.RawMessage `json:"data"`
		// Time is the RFC3339 creation timestamp.
		Time string `json:"time,omitempty"`
		// TraceParent carries the W3C trace context of the producing span.
		TraceParent string `json:"traceparent,omitempty"`
		// TraceState carries vendor-specific trace context.
		TraceState string `json:"tracestate,omitempty"`
		// AccessControl carries opaque authorization material, inherited
		// from inbound to outbound events.
		AccessControl string `json:"accesscontrol,omitempty"`
		// RedirectTo overrides the completion destination of the workflow
		// the event initiates.
		RedirectTo string `json:"redirectto,omitempty"`
		// ParentID is the causal parent event ID.
		ParentID string `json:"parentid,omitempty"`
		// ExecutionUnits is the cost attributed to producing this event.
		ExecutionUnits float64 `json:"executionunits,omitempty"`
		// Extensions holds additional free-form attributes.
		Extensions map[string]string `json:"extensions,omitempty"`
	}

	// Fields captures everything callers may set when minting an event.
	// ID and Time are always assigned by New.
	Fields struct {
		Type           string
		Source         string
		Subject        string
		To             string
		DataSchema     string
		Data           json.RawMessage
		TraceParent    string
		TraceState     string
		AccessControl  string
		RedirectTo     string
		ParentID       string
		ExecutionUnits float64
		Extensions     map[string]string
	}

	// ErrorData is the payload of a system-error event
	// (type "sys.<orchestrator>.error").
	ErrorData struct {
		// ErrorName is the error's classification (usually the Go type name).
		ErrorName string `json:"errorName"`
		// ErrorMessage is the human-readable message.
		ErrorMessage string `json:"errorMessage"`
		// ErrorStack is an optional stack trace; null when unavailable.
		ErrorStack *string `json:"errorStack"`
	}
)

// New mints an event from the given fields, assigning a fresh uuid ID and the
// current UTC timestamp. To defaults to the event type. A nil Data payload is
// normalized to JSON null so the event always round-trips.
func New(f Fields) Event {
	to := f.To
	if to == "" {
		to = f.Type
	}
	data := f.Data
	if data == nil {
		data = json.RawMessage("null")
	}
	return Event{
		ID:             uuid.NewString(),
		Type:           f.Type,
		Source:         f.Source,
		Subject:        f.Subject,
		To:             to,
		DataSchema:     f.DataSchema,
		Data:           data,
		Time:           time.Now().UTC().Format(time.RFC3339),
		TraceParent:    f.TraceParent,
		TraceState:     f.TraceState,
		AccessControl:  f.AccessControl,
		RedirectTo:     f.RedirectTo,
		ParentID:       f.ParentID,
		ExecutionUnits: f.ExecutionUnits,
		Extensions:     cloneExtensions(f.Extensions),
	}
}

// Clone returns a deep copy of the event. Mutating the copy never affects the
// original.
func (e Event) Clone() Event {
	c := e
	if e.Data != nil {
		c.Data = make(json.RawMessage, len(e.Data))
		copy(c.Data, e.Data)
	}
	c.Extensions = cloneExtensions(e.Extensions)
	return c
}

// MarshalErrorData encodes the system-error payload for err. The stack is
// omitted (null) because Go errors carry no portable stack representation;
// wrapped causes are folded into the message via the standard %v rendering.
func MarshalErrorData(err error) json.RawMessage {
	name := "Error"
	msg := ""
	if err != nil {
		name = fmt.Sprintf("%T", err)
		msg = err.Error()
	}
	raw, mErr := json.Marshal(ErrorData{ErrorName: name, ErrorMessage: msg})
	if mErr != nil {
		return json.RawMessage(`{"errorName":"Error","errorMessage":"unserializable error","errorStack":null}`)
	}
	return raw
}

// ParseErrorData decodes a system-error payload.
func ParseErrorData(data json.RawMessage) (ErrorData, error) {
	var ed ErrorData
	if err := json.Unmarshal(data, &ed); err != nil {
		return ErrorData{}, fmt.Errorf("decode system error payload: %w", err)
	}
	return ed, nil
}

// ParentSubjectKey is the reserved data key that carries the caller's subject
// when initiating a child orchestration.
const ParentSubjectKey = "parentSubject$$"

// PeekParentSubject extracts the reserved parentSubject$$ key from a JSON
// payload. Returns ("", nil) when the payload is empty or not a JSON object,
// or when the key is absent or null; an error only when the key holds a
// value that is neither a string nor null.
func PeekParentSubject(data json.RawMessage) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		// Non-object payloads cannot carry the key.
		return "", nil
	}
	raw, ok := probe[ParentSubjectKey]
	if !ok {
		return "", nil
	}
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%s must be a string or null: %w", ParentSubjectKey, err)
	}
	if s == nil {
		return "", nil
	}
	return *s, nil
}

func cloneExtensions(ext map[string]string) map[string]string {
	if ext == nil {
		return nil
	}
	c := make(map[string]string, len(ext))
	for k, v := range ext {
		c[k] = v
	}
	return c
}
