package machine

import (
	"encoding/json"
	"fmt"

	"github.com/arvoworks/arvo-go/runtime/event"
	"github.com/arvoworks/arvo-go/runtime/violations"
)

type (
	// Snapshot is the engine's serializable state between steps. Value and
	// Context together are the full chart state; the drained event outbox is
	// deliberately not part of it.
	Snapshot struct {
		// Value is the active state configuration: a state name for atomic
		// top-level states, a nested object for compound and parallel ones.
		Value any `json:"value"`
		// Context is the workflow context.
		Context map[string]any `json:"context"`
		// Done reports whether a top-level final state is active.
		Done bool `json:"done"`
		// Output is the final output, set once Done.
		Output json.RawMessage `json:"output,omitempty"`
	}

	// StepResult is the outcome of one synchronous engine step.
	StepResult struct {
		// Snapshot is the post-step state to persist.
		Snapshot *Snapshot
		// Events are the raw event drafts drained from the step's outbox, in
		// emission order.
		Events []event.Draft
		// Output is non-nil exactly when this step completed the chart.
		Output json.RawMessage
	}

	// node is one active state in the decoded configuration tree.
	node struct {
		name     string
		state    *State
		children []*node
	}
)

// maxAlwaysPasses bounds eventless-transition churn so a misconfigured chart
// cannot spin the step forever.
const maxAlwaysPasses = 1024

// Step advances the chart by exactly one event. With a nil previous snapshot
// the event must be the machine's own source event (the workflow init);
// anything else is an ExecutionViolation. The step runs synchronously to
// quiescence: the event transition first, then eventless transitions until
// none fires. Identical inputs yield identical results.
func (m *Machine) Step(prev *Snapshot, e event.Event) (*StepResult, error) {
	var outbox []event.Draft
	ac := &ActionCtx{outbox: &outbox}

	var root *node
	if prev == nil {
		if e.Type != m.Source() {
			return nil, violations.Execution(
				fmt.Sprintf("machine %s cannot initialize from event type %s, want %s", m.id, e.Type, m.Source()), nil)
		}
		ctx, err := cloneContext(m.chart.Context)
		if err != nil {
			return nil, err
		}
		ac.context = ctx
		root = nil
	} else {
		if prev.Done {
			// Terminal charts accept no further transitions.
			return &StepResult{Snapshot: prev, Events: nil}, nil
		}
		ctx, err := cloneContext(prev.Context)
		if err != nil {
			return nil, err
		}
		ac.context = ctx
		decoded, err := m.decodeValue(m.chart.States, prev.Value)
		if err != nil {
			return nil, violations.Execution("stored state value does not match chart", err)
		}
		root = decoded
	}

	var err error
	if root == nil {
		root, err = m.enterState(ac, e, m.chart.States, m.chart.Initial)
		if err != nil {
			return nil, err
		}
	} else {
		root, _, err = m.fireEvent(ac, e, root, m.chart.States)
		if err != nil {
			return nil, err
		}
	}

	root, err = m.settle(ac, e, root)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Value: encodeValue(root), Context: ac.context}
	var output json.RawMessage
	if root.state.Kind == KindFinal {
		snap.Done = true
		output = json.RawMessage("null")
		if m.output != nil {
			output, err = m.output(ac.context, e)
			if err != nil {
				return nil, fmt.Errorf("compute chart output: %w", err)
			}
		}
		snap.Output = output
	}
	return &StepResult{Snapshot: snap, Events: outbox, Output: output}, nil
}

// settle runs eventless transitions until the chart is quiescent.
func (m *Machine) settle(ac *ActionCtx, e event.Event, root *node) (*node, error) {
	for pass := 0; ; pass++ {
		if pass >= maxAlwaysPasses {
			return nil, violations.Execution(
				fmt.Sprintf("machine %s: eventless transitions did not settle after %d passes", m.id, maxAlwaysPasses), nil)
		}
		next, fired, err := m.fireAlways(ac, e, root, m.chart.States)
		if err != nil {
			return nil, err
		}
		root = next
		if !fired {
			return root, nil
		}
	}
}

// enterState activates the named state, running entry actions top-down and
// descending into initial children (all regions for parallel states, sorted
// by name for determinism).
func (m *Machine) enterState(ac *ActionCtx, e event.Event, states map[string]*State, name string) (*node, error) {
	st, ok := states[name]
	if !ok {
		return nil, violations.Execution(fmt.Sprintf("machine %s: unknown state %q", m.id, name), nil)
	}
	if err := m.runActions(ac, e, st.Entry); err != nil {
		return nil, err
	}
	n := &node{name: name, state: st}
	switch {
	case st.Kind == KindParallel:
		for _, child := range sortedStateNames(st.States) {
			cn, err := m.enterState(ac, e, st.States, child)
			if err != nil {
				return nil, err
			}
			n.children = append(n.children, cn)
		}
	case len(st.States) > 0 && st.Kind != KindFinal:
		cn, err := m.enterState(ac, e, st.States, st.Initial)
		if err != nil {
			return nil, err
		}
		n.children = append(n.children, cn)
	}
	return n, nil
}

// exitState deactivates the subtree, running exit actions children-first.
func (m *Machine) exitState(ac *ActionCtx, e event.Event, n *node) error {
	for _, child := range n.children {
		if err := m.exitState(ac, e, child); err != nil {
			return err
		}
	}
	return m.runActions(ac, e, n.state.Exit)
}

// fireEvent delivers the event to the configuration rooted at n. Deeper
// states take priority; in parallel states every region sees the event and
// each may fire one transition. The (possibly replaced) node is returned.
func (m *Machine) fireEvent(ac *ActionCtx, e event.Event, n *node, siblings map[string]*State) (*node, bool, error) {
	if n.state.Kind == KindFinal {
		return n, false, nil
	}
	fired := false
	for i, child := range n.children {
		next, childFired, err := m.fireEvent(ac, e, child, n.state.States)
		if err != nil {
			return n, false, err
		}
		n.children[i] = next
		fired = fired || childFired
	}
	if fired {
		return n, true, nil
	}
	return m.tryTransitions(ac, e, n, siblings, n.state.On[e.Type])
}

// fireAlways fires at most one eventless transition per pass, deepest and
// first-region first, and reports whether anything fired.
func (m *Machine) fireAlways(ac *ActionCtx, e event.Event, n *node, siblings map[string]*State) (*node, bool, error) {
	if n.state.Kind == KindFinal {
		return n, false, nil
	}
	for i, child := range n.children {
		next, fired, err := m.fireAlways(ac, e, child, n.state.States)
		if err != nil {
			return n, false, err
		}
		n.children[i] = next
		if fired {
			return n, true, nil
		}
	}
	return m.tryTransitions(ac, e, n, siblings, n.state.Always)
}

// tryTransitions fires the first enabled transition from the candidate list.
func (m *Machine) tryTransitions(ac *ActionCtx, e event.Event, n *node, siblings map[string]*State, candidates []Transition) (*node, bool, error) {
	for _, tr := range candidates {
		if tr.Guard != "" {
			pass, err := m.guards[tr.Guard](ac, e)
			if err != nil {
				return n, false, fmt.Errorf("guard %s: %w", tr.Guard, err)
			}
			if !pass {
				continue
			}
		}
		if tr.Target == "" {
			if err := m.runActions(ac, e, tr.Actions); err != nil {
				return n, false, err
			}
			return n, true, nil
		}
		if err := m.exitState(ac, e, n); err != nil {
			return n, false, err
		}
		if err := m.runActions(ac, e, tr.Actions); err != nil {
			return n, false, err
		}
		next, err := m.enterState(ac, e, siblings, tr.Target)
		if err != nil {
			return n, false, err
		}
		return next, true, nil
	}
	return n, false, nil
}

func (m *Machine) runActions(ac *ActionCtx, e event.Event, names []string) error {
	for _, name := range names {
		if err := m.actions[name](ac, e); err != nil {
			return fmt.Errorf("action %s: %w", name, err)
		}
	}
	return nil
}

// encodeValue renders the active configuration in the persisted form, the
// conventional state-chart shape: a bare name for an atomic state, {"name":
// <inner>} for a compound one, and region-name-keyed objects inside parallel
// states.
func encodeValue(n *node) any {
	inner := innerValue(n)
	if inner == nil {
		return n.name
	}
	return map[string]any{n.name: inner}
}

// innerValue describes the configuration below n: nil for leaves, the active
// child's encoded value for compound states, and a region map for parallel
// states (an atomic region renders as an empty object).
func innerValue(n *node) any {
	if len(n.children) == 0 {
		return nil
	}
	if n.state.Kind == KindParallel {
		regions := make(map[string]any, len(n.children))
		for _, r := range n.children {
			rv := innerValue(r)
			if rv == nil {
				rv = map[string]any{}
			}
			regions[r.name] = rv
		}
		return regions
	}
	return encodeValue(n.children[0])
}

// decodeValue rebuilds the configuration tree from a persisted value.
func (m *Machine) decodeValue(states map[string]*State, v any) (*node, error) {
	switch val := v.(type) {
	case string:
		st, ok := states[val]
		if !ok {
			return nil, fmt.Errorf("state %q not found", val)
		}
		if len(st.States) > 0 && st.Kind != KindFinal {
			return nil, fmt.Errorf("state %q has children but its stored value is atomic", val)
		}
		return &node{name: val, state: st}, nil
	case map[string]any:
		if len(val) != 1 {
			return nil, fmt.Errorf("state value object must have exactly one key, got %d", len(val))
		}
		for name, inner := range val {
			st, ok := states[name]
			if !ok {
				return nil, fmt.Errorf("state %q not found", name)
			}
			n := &node{name: name, state: st}
			if err := m.decodeInner(n, inner); err != nil {
				return nil, err
			}
			return n, nil
		}
	}
	return nil, fmt.Errorf("state value must be a string or single-key object, got %T", v)
}

// decodeInner restores n's children from its inner value.
func (m *Machine) decodeInner(n *node, inner any) error {
	st := n.state
	if st.Kind == KindParallel {
		regions, ok := inner.(map[string]any)
		if !ok {
			return fmt.Errorf("state %q: parallel value must be an object", n.name)
		}
		if len(regions) != len(st.States) {
			return fmt.Errorf("state %q: expected %d regions, got %d", n.name, len(st.States), len(regions))
		}
		for _, region := range sortedStateNames(st.States) {
			rv, ok := regions[region]
			if !ok {
				return fmt.Errorf("state %q: missing region %q", n.name, region)
			}
			r := &node{name: region, state: st.States[region]}
			if len(r.state.States) == 0 {
				// Atomic region; its value must be the empty object.
				if rm, ok := rv.(map[string]any); !ok || len(rm) != 0 {
					return fmt.Errorf("state %q: region %q is atomic but has value %v", n.name, region, rv)
				}
			} else if err := m.decodeInner(r, rv); err != nil {
				return err
			}
			n.children = append(n.children, r)
		}
		return nil
	}
	if len(st.States) == 0 {
		return fmt.Errorf("state %q is atomic but its stored value is nested", n.name)
	}
	child, err := m.decodeValue(st.States, inner)
	if err != nil {
		return err
	}
	n.children = append(n.children, child)
	return nil
}

// cloneContext deep-copies a context through its JSON form so a step never
// mutates its input snapshot.
func cloneContext(ctx map[string]any) (map[string]any, error) {
	if ctx == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(ctx)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	return out, nil
}
