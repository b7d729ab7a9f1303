// Package machine implements the state-chart workflow form: the chart config
// types, the builder that compiles and validates them, the synchronous step
// engine, and the registry that groups machines under one orchestrator
// identity.
//
// Charts are strictly synchronous. The config types deliberately admit no
// actor invocation and no delayed transitions, so the discipline the engine
// depends on is enforced by the type system rather than by a runtime walk.
// The names "invoke" and "after" remain reserved anyway and are rejected by
// the builder wherever they appear.
package machine

import (
	"encoding/json"

	"github.com/arvoworks/arvo-go/runtime/event"
)

type (
	// StateKind discriminates the structural role of a state node.
	StateKind int

	// Chart is the declarative state-chart config. NewMachine compiles it into a
	// Machine together with the contracts and the action/guard tables.
	Chart struct {
		// ID names the chart, for diagnostics and the audit definition.
		ID string `json:"id"`
		// Initial is the name of the top-level state entered first.
		Initial string `json:"initial"`
		// Context is the initial workflow context.
		Context map[string]any `json:"context,omitempty"`
		// States are the top-level states keyed by name.
		States map[string]*State `json:"states"`
	}

	// State is one chart node. A state with children and KindParallel runs
	// all of them concurrently (within the single synchronous step); with
	// KindCompound it runs the Initial child. KindFinal states accept no
	// transitions.
	State struct {
		// Kind defaults to atomic for leaves and compound for states with
		// children.
		Kind StateKind `json:"kind,omitempty"`
		// Initial names the child entered when a compound state activates.
		Initial string `json:"initial,omitempty"`
		// States are the child states keyed by name.
		States map[string]*State `json:"states,omitempty"`
		// Entry lists actions run when the state activates.
		Entry []string `json:"entry,omitempty"`
		// Exit lists actions run when the state deactivates.
		Exit []string `json:"exit,omitempty"`
		// On maps event types to candidate transitions, tried in order.
		On map[string][]Transition `json:"on,omitempty"`
		// Always lists eventless transitions evaluated after every step
		// until the chart is quiescent.
		Always []Transition `json:"always,omitempty"`
	}

	// Transition moves the chart from the defining state to a sibling
	// target. An empty target is an internal transition: actions run, the
	// configuration does not change.
	Transition struct {
		// Target is the sibling state name, empty for internal transitions.
		Target string `json:"target,omitempty"`
		// Guard names a registered guard; the transition only fires when it
		// reports true. Empty means unconditional.
		Guard string `json:"guard,omitempty"`
		// Actions lists registered actions run when the transition fires.
		Actions []string `json:"actions,omitempty"`
	}

	// ActionCtx is handed to actions and guards. It exposes the mutable
	// workflow context and the step's event outbox.
	ActionCtx struct {
		context map[string]any
		outbox  *[]event.Draft
	}

	// ActionFn mutates the workflow context and may enqueue outbound event
	// drafts. A returned error aborts the step and surfaces as a workflow
	// error.
	ActionFn func(ctx *ActionCtx, e event.Event) error

	// GuardFn decides whether a transition may fire. Guards must be pure
	// with respect to the context.
	GuardFn func(ctx *ActionCtx, e event.Event) (bool, error)

	// OutputFn computes the chart's final output from the context once a
	// top-level final state is reached.
	OutputFn func(ctx map[string]any, e event.Event) (json.RawMessage, error)
)

const (
	// KindAtomic is a leaf state.
	KindAtomic StateKind = iota
	// KindCompound runs its Initial child.
	KindCompound
	// KindParallel runs all children at once.
	KindParallel
	// KindFinal is terminal within its parent; at the top level it
	// completes the chart.
	KindFinal
)

// Get reads a context value.
func (c *ActionCtx) Get(key string) (any, bool) {
	v, ok := c.context[key]
	return v, ok
}

// Set writes a context value.
func (c *ActionCtx) Set(key string, value any) {
	c.context[key] = value
}

// Context returns the live context map. Mutations are persisted with the
// step's snapshot.
func (c *ActionCtx) Context() map[string]any { return c.context }

// Enqueue appends a raw outbound event draft to the step's outbox. The
// outbox is drained into the step result and never persisted, so emission is
// exactly-once per step. This is the chart's only way to produce events,
// including types no contract declares (the unvalidated escape hatch).
func (c *ActionCtx) Enqueue(d event.Draft) {
	*c.outbox = append(*c.outbox, d.CloneDraft())
}
