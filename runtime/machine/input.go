package machine

import (
	"fmt"

	"github.com/arvoworks/arvo-go/runtime/event"
)

// InputVerdict classifies an inbound event against a machine's contracts.
type InputVerdict int

const (
	// InputOK means the event belongs to a declared contract and its
	// payload satisfies the contract schema.
	InputOK InputVerdict = iota
	// InputContractUnresolved means no declared contract accounts for the
	// event type. The pipeline treats this as a configuration gap.
	InputContractUnresolved
	// InputInvalid means the event itself is malformed with respect to the
	// matched contract (wrong dataschema reference).
	InputInvalid
	// InputInvalidData means the payload fails the contract schema.
	InputInvalidData
)

// ValidateInput checks whether the event type belongs to any contract the
// machine declares and whether its payload satisfies that contract's schema.
// The returned error carries detail for the non-OK verdicts.
func (m *Machine) ValidateInput(e event.Event) (InputVerdict, error) {
	if e.Type == m.Source() {
		if err := m.checkDataSchema(e, m.self.DataSchemaRef()); err != nil {
			return InputInvalid, err
		}
		if err := m.self.ValidateAccepts(e.Data); err != nil {
			return InputInvalidData, fmt.Errorf("init payload for %s: %w", e.Type, err)
		}
		return InputOK, nil
	}
	for _, name := range sortedServiceNames(m.services) {
		svc := m.services[name]
		if e.Type == svc.SystemErrorType() {
			// Error payloads follow the fixed system schema; no contract
			// validation applies.
			return InputOK, nil
		}
		if svc.EmitsType(e.Type) {
			if err := m.checkDataSchema(e, svc.DataSchemaRef()); err != nil {
				return InputInvalid, err
			}
			if err := svc.ValidateEmit(e.Type, e.Data); err != nil {
				return InputInvalidData, fmt.Errorf("response payload for %s: %w", e.Type, err)
			}
			return InputOK, nil
		}
	}
	return InputContractUnresolved, fmt.Errorf("no contract on machine %s accounts for event type %s", m.id, e.Type)
}

func (m *Machine) checkDataSchema(e event.Event, want string) error {
	if e.DataSchema != "" && e.DataSchema != want {
		return fmt.Errorf("event %s carries dataschema %s, contract expects %s", e.ID, e.DataSchema, want)
	}
	return nil
}
