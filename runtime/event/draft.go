package event

import "encoding/json"

// Draft is a raw outbound event descriptor produced by workflow logic. It is
// not yet a routable event: the emit factory classifies it against the
// machine's contracts, validates the payload, computes the outbound subject,
// and fills in the routing fields.
type Draft struct {
	// Type is the outbound event type. Drives classification: completion
	// event, service invocation, or unvalidated pass-through.
	Type string
	// Data is the opaque JSON payload.
	Data json.RawMessage
	// To overrides the destination; defaults to Type, except for the
	// completion event, which defaults to the redirect destination in the
	// source subject (or its initiator when none is set).
	To string
	// DataSchema overrides the schema reference computed from the contract.
	DataSchema string
	// RedirectTo overrides where the callee routes its completion event.
	RedirectTo string
	// AccessControl overrides the authorization material; defaults to the
	// inbound event's.
	AccessControl string
	// ExecutionUnits overrides the orchestrator's configured unit cost.
	ExecutionUnits *float64
	// Domains tags the event for downstream routing. Defaults to
	// ["default"]; deduplicated per event.
	Domains []string
	// Extensions holds additional free-form attributes.
	Extensions map[string]string
}

// CloneDraft returns a deep copy of the draft.
func (d Draft) CloneDraft() Draft {
	c := d
	if d.Data != nil {
		c.Data = make(json.RawMessage, len(d.Data))
		copy(c.Data, d.Data)
	}
	if d.ExecutionUnits != nil {
		units := *d.ExecutionUnits
		c.ExecutionUnits = &units
	}
	if d.Domains != nil {
		c.Domains = append([]string(nil), d.Domains...)
	}
	c.Extensions = cloneExtensions(d.Extensions)
	return c
}
