package contract

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compiledSchema wraps a compiled JSON schema. A nil receiver means "no
// schema declared" and validates everything.
type compiledSchema struct {
	schema *jsonschema.Schema
}

// compileSchema compiles a raw JSON Schema document. An empty document yields
// a nil compiledSchema, which skips validation.
func compileSchema(raw json.RawMessage) (*compiledSchema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &compiledSchema{schema: schema}, nil
}

// validate checks a raw JSON payload against the schema.
func (cs *compiledSchema) validate(data json.RawMessage) error {
	if cs == nil || cs.schema == nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(normalizePayload(data), &doc); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return cs.schema.Validate(doc)
}

// normalizePayload treats an absent payload as JSON null so that schema
// errors name the payload rather than a JSON syntax failure.
func normalizePayload(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage("null")
	}
	return data
}
