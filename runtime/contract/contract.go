// Package contract models the event contracts the orchestrator consumes and
// enforces. A contract binds one accepted event type and zero or more emitted
// event types under a URI, with a JSON schema per version for each payload.
//
// Contracts come in two kinds. Regular contracts describe plain services.
// Orchestrator contracts additionally declare a completion event type; the
// emit factory uses the kind to decide whether invoking a callee requires
// minting a child workflow subject.
package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
)

type (
	// Kind discriminates regular service contracts from orchestrator
	// contracts.
	Kind int

	// VersionDef supplies the schemas for one contract version. Schemas are
	// standard JSON Schema documents; a nil schema means the corresponding
	// payload is not validated.
	VersionDef struct {
		// Accepts is the schema of the accepted event payload.
		Accepts json.RawMessage
		// Emits maps each emitted event type to its payload schema.
		Emits map[string]json.RawMessage
	}

	// Options configures New and NewOrchestrator.
	Options struct {
		// URI identifies the contract (e.g. "#/test/service/increment").
		URI string
		// AcceptsType is the event type the contract accepts.
		AcceptsType string
		// Versions maps exact semver strings to their definitions.
		Versions map[string]VersionDef
		// CompleteEventType is the completion event type. Required for
		// orchestrator contracts, forbidden for regular ones.
		CompleteEventType string
	}

	// Contract is an immutable, compiled contract covering all its versions.
	Contract struct {
		uri               string
		acceptsType       string
		kind              Kind
		completeEventType string
		versions          map[string]*Versioned
	}

	// Versioned is the pinned view of one contract version. All schema
	// validation goes through it.
	Versioned struct {
		uri               string
		acceptsType       string
		kind              Kind
		completeEventType string
		version           *semver.Version
		accepts           *compiledSchema
		emits             map[string]*compiledSchema
	}
)

const (
	// KindRegular marks a plain service contract.
	KindRegular Kind = iota
	// KindOrchestrator marks a contract owned by a workflow orchestrator.
	KindOrchestrator
)

// ErrUnknownVersion is returned by Contract.Version for unregistered versions.
var ErrUnknownVersion = errors.New("unknown contract version")

// New compiles a regular service contract.
func New(opts Options) (*Contract, error) {
	if opts.CompleteEventType != "" {
		return nil, fmt.Errorf("contract %s: complete event type is only valid on orchestrator contracts", opts.URI)
	}
	return build(opts, KindRegular)
}

// NewOrchestrator compiles an orchestrator contract. Every version must emit
// the declared completion event type.
func NewOrchestrator(opts Options) (*Contract, error) {
	if opts.CompleteEventType == "" {
		return nil, fmt.Errorf("contract %s: orchestrator contracts require a complete event type", opts.URI)
	}
	return build(opts, KindOrchestrator)
}

func build(opts Options, kind Kind) (*Contract, error) {
	if opts.URI == "" {
		return nil, errors.New("contract URI is required")
	}
	if opts.AcceptsType == "" {
		return nil, fmt.Errorf("contract %s: accepts type is required", opts.URI)
	}
	if len(opts.Versions) == 0 {
		return nil, fmt.Errorf("contract %s: at least one version is required", opts.URI)
	}
	c := &Contract{
		uri:               opts.URI,
		acceptsType:       opts.AcceptsType,
		kind:              kind,
		completeEventType: opts.CompleteEventType,
		versions:          make(map[string]*Versioned, len(opts.Versions)),
	}
	for vs, def := range opts.Versions {
		ver, err := semver.StrictNewVersion(vs)
		if err != nil {
			return nil, fmt.Errorf("contract %s: version %q is not exact semver: %w", opts.URI, vs, err)
		}
		if kind == KindOrchestrator {
			if _, ok := def.Emits[opts.CompleteEventType]; !ok {
				return nil, fmt.Errorf("contract %s@%s: completion type %s missing from emits", opts.URI, vs, opts.CompleteEventType)
			}
		}
		accepts, err := compileSchema(def.Accepts)
		if err != nil {
			return nil, fmt.Errorf("contract %s@%s: accepts schema: %w", opts.URI, vs, err)
		}
		emits := make(map[string]*compiledSchema, len(def.Emits))
		for et, raw := range def.Emits {
			if et == "" {
				return nil, fmt.Errorf("contract %s@%s: empty emit event type", opts.URI, vs)
			}
			cs, err := compileSchema(raw)
			if err != nil {
				return nil, fmt.Errorf("contract %s@%s: emit schema for %s: %w", opts.URI, vs, et, err)
			}
			emits[et] = cs
		}
		c.versions[vs] = &Versioned{
			uri:               opts.URI,
			acceptsType:       opts.AcceptsType,
			kind:              kind,
			completeEventType: opts.CompleteEventType,
			version:           ver,
			accepts:           accepts,
			emits:             emits,
		}
	}
	return c, nil
}

// URI returns the contract identifier.
func (c *Contract) URI() string { return c.uri }

// AcceptsType returns the event type the contract accepts.
func (c *Contract) AcceptsType() string { return c.acceptsType }

// Kind returns the contract kind.
func (c *Contract) Kind() Kind { return c.kind }

// CompleteEventType returns the completion event type, empty for regular
// contracts.
func (c *Contract) CompleteEventType() string { return c.completeEventType }

// Versions lists the registered versions in ascending semver order.
func (c *Contract) Versions() []string {
	out := make([]string, 0, len(c.versions))
	for v := range c.versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return semver.MustParse(out[i]).LessThan(semver.MustParse(out[j]))
	})
	return out
}

// Version returns the pinned view for the given exact version string.
func (c *Contract) Version(v string) (*Versioned, error) {
	ver, ok := c.versions[v]
	if !ok {
		return nil, fmt.Errorf("contract %s: %w: %s", c.uri, ErrUnknownVersion, v)
	}
	return ver, nil
}

// URI returns the contract identifier.
func (v *Versioned) URI() string { return v.uri }

// AcceptsType returns the accepted event type.
func (v *Versioned) AcceptsType() string { return v.acceptsType }

// Kind returns the contract kind.
func (v *Versioned) Kind() Kind { return v.kind }

// IsOrchestrator reports whether the callee behind this contract is itself a
// workflow orchestrator.
func (v *Versioned) IsOrchestrator() bool { return v.kind == KindOrchestrator }

// CompleteEventType returns the completion event type, empty for regular
// contracts.
func (v *Versioned) CompleteEventType() string { return v.completeEventType }

// Version returns the pinned semver.
func (v *Versioned) Version() *semver.Version { return v.version }

// SystemErrorType returns the canonical system-error event type for the
// contract: "sys.<accepts type>.error".
func (v *Versioned) SystemErrorType() string {
	return "sys." + v.acceptsType + ".error"
}

// DataSchemaRef returns the canonical dataschema reference for payloads of
// this contract version: "<uri>/<version>".
func (v *Versioned) DataSchemaRef() string {
	return v.uri + "/" + v.version.String()
}

// EmitTypes lists the emitted event types in lexical order.
func (v *Versioned) EmitTypes() []string {
	out := make([]string, 0, len(v.emits))
	for et := range v.emits {
		out = append(out, et)
	}
	sort.Strings(out)
	return out
}

// EmitsType reports whether the contract declares the given emit type.
func (v *Versioned) EmitsType(eventType string) bool {
	_, ok := v.emits[eventType]
	return ok
}

// HasMultipleEmits reports whether more than one non-system-error emit type
// is declared. The orchestrator uses this to decide whether a workflow that
// calls the service needs resource locking.
func (v *Versioned) HasMultipleEmits() bool {
	n := 0
	for et := range v.emits {
		if et != v.SystemErrorType() {
			n++
		}
	}
	return n > 1
}

// ValidateAccepts checks data against the accepted payload schema.
func (v *Versioned) ValidateAccepts(data json.RawMessage) error {
	return v.accepts.validate(data)
}

// ValidateEmit checks data against the schema of the given emit type.
func (v *Versioned) ValidateEmit(eventType string, data json.RawMessage) error {
	cs, ok := v.emits[eventType]
	if !ok {
		return fmt.Errorf("contract %s: no emit type %s", v.uri, eventType)
	}
	return cs.validate(data)
}
