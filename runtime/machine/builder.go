package machine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/arvoworks/arvo-go/runtime/contract"
)

type (
	// Machine is an immutable, compiled state-chart workflow pinned to one
	// orchestrator contract version.
	Machine struct {
		id                  string
		version             *semver.Version
		self                *contract.Versioned
		services            map[string]*contract.Versioned
		chart               *Chart
		actions             map[string]ActionFn
		guards              map[string]GuardFn
		output              OutputFn
		requiresLocking     bool
		serializeDefinition bool
		definition          string
	}

	// Options configures NewMachine.
	Options struct {
		// ID names the machine; unique within a registry.
		ID string
		// Version is the machine version; must equal the self contract's
		// pinned version.
		Version string
		// Self is the orchestrator contract version this machine serves.
		Self *contract.Versioned
		// Services maps service names to the contract versions the machine
		// invokes.
		Services map[string]*contract.Versioned
		// Chart is the state-chart config.
		Chart *Chart
		// Actions registers named actions referenced by the chart.
		Actions map[string]ActionFn
		// Guards registers named guards referenced by the chart.
		Guards map[string]GuardFn
		// Output computes the final output when the chart completes.
		Output OutputFn
		// SerializeDefinition stores the chart JSON on every persisted
		// record for audit.
		SerializeDefinition bool
	}
)

// EnqueueActionName is the reserved identifier of the built-in event-queue
// action. User configs may not register an action under this name; the
// capability is provided to every action through ActionCtx.Enqueue.
const EnqueueActionName = "enqueueArvoEvent"

// reservedNames may not appear as state names, event keys, or action/guard
// references anywhere in a chart.
var reservedNames = map[string]bool{
	"invoke":          true,
	"after":           true,
	EnqueueActionName: true,
}

// NewMachine compiles and validates a machine. Validation covers the chart
// structure (reserved names, unresolved targets and action/guard references,
// missing initial states), the contract wiring (unique service URIs, no
// self-invocation), and the version pin. Parallel regions are detected here
// and, together with multi-emit service contracts, decide whether executions
// of this machine need resource locking.
func NewMachine(opts Options) (*Machine, error) {
	if opts.ID == "" {
		return nil, errors.New("machine: ID is required")
	}
	if opts.Self == nil {
		return nil, fmt.Errorf("machine %s: self contract is required", opts.ID)
	}
	if !opts.Self.IsOrchestrator() {
		return nil, fmt.Errorf("machine %s: self contract %s is not an orchestrator contract", opts.ID, opts.Self.URI())
	}
	ver, err := semver.StrictNewVersion(opts.Version)
	if err != nil {
		return nil, fmt.Errorf("machine %s: version %q is not exact semver: %w", opts.ID, opts.Version, err)
	}
	if !ver.Equal(opts.Self.Version()) {
		return nil, fmt.Errorf("machine %s: version %s does not match self contract version %s",
			opts.ID, ver, opts.Self.Version())
	}
	if opts.Chart == nil {
		return nil, fmt.Errorf("machine %s: chart is required", opts.ID)
	}

	if _, ok := opts.Actions[EnqueueActionName]; ok {
		return nil, fmt.Errorf("machine %s: action name %q is reserved", opts.ID, EnqueueActionName)
	}

	seenURIs := map[string]string{}
	for _, name := range sortedServiceNames(opts.Services) {
		svc := opts.Services[name]
		if svc == nil {
			return nil, fmt.Errorf("machine %s: service %s is nil", opts.ID, name)
		}
		if svc.URI() == opts.Self.URI() {
			return nil, fmt.Errorf("machine %s: self contract %s registered as service %s", opts.ID, svc.URI(), name)
		}
		if prev, dup := seenURIs[svc.URI()]; dup {
			return nil, fmt.Errorf("machine %s: services %s and %s share contract URI %s", opts.ID, prev, name, svc.URI())
		}
		seenURIs[svc.URI()] = name
	}

	w := &chartWalker{
		actions: opts.Actions,
		guards:  opts.Guards,
	}
	if err := w.walk(opts.Chart); err != nil {
		return nil, fmt.Errorf("machine %s: %w", opts.ID, err)
	}

	multiEmit := false
	for _, svc := range opts.Services {
		if svc.HasMultipleEmits() {
			multiEmit = true
			break
		}
	}

	definition := ""
	if opts.SerializeDefinition {
		raw, err := json.Marshal(opts.Chart)
		if err != nil {
			return nil, fmt.Errorf("machine %s: serialize chart: %w", opts.ID, err)
		}
		definition = string(raw)
	}

	services := make(map[string]*contract.Versioned, len(opts.Services))
	for name, svc := range opts.Services {
		services[name] = svc
	}
	actions := make(map[string]ActionFn, len(opts.Actions))
	for name, fn := range opts.Actions {
		actions[name] = fn
	}
	guards := make(map[string]GuardFn, len(opts.Guards))
	for name, fn := range opts.Guards {
		guards[name] = fn
	}

	return &Machine{
		id:                  opts.ID,
		version:             ver,
		self:                opts.Self,
		services:            services,
		chart:               opts.Chart,
		actions:             actions,
		guards:              guards,
		output:              opts.Output,
		requiresLocking:     w.parallelDetected || multiEmit,
		serializeDefinition: opts.SerializeDefinition,
		definition:          definition,
	}, nil
}

// ID returns the machine identifier.
func (m *Machine) ID() string { return m.id }

// Version returns the pinned version.
func (m *Machine) Version() *semver.Version { return m.version }

// Source returns the orchestrator source: the event type the self contract
// accepts, which is also the orchestrator's identity in routing.
func (m *Machine) Source() string { return m.self.AcceptsType() }

// Self returns the orchestrator contract version.
func (m *Machine) Self() *contract.Versioned { return m.self }

// Services returns the service contracts keyed by name. The returned map is
// shared; callers must not mutate it.
func (m *Machine) Services() map[string]*contract.Versioned { return m.services }

// RequiresLocking reports whether executions of this machine need the
// per-subject lock: true iff the chart has parallel regions or any service
// contract declares more than one non-system-error emit type.
func (m *Machine) RequiresLocking() bool { return m.requiresLocking }

// Definition returns the serialized chart when SerializeDefinition was set,
// empty otherwise.
func (m *Machine) Definition() string { return m.definition }

// chartWalker validates the chart structure with an explicit stack and
// records whether any parallel state exists.
type chartWalker struct {
	actions          map[string]ActionFn
	guards           map[string]GuardFn
	parallelDetected bool
}

type walkFrame struct {
	path  string
	state *State
	// siblings is the state set the node's transitions resolve targets in.
	siblings map[string]*State
}

func (w *chartWalker) walk(c *Chart) error {
	if len(c.States) == 0 {
		return errors.New("chart has no states")
	}
	if c.Initial == "" {
		return errors.New("chart initial state is required")
	}
	if _, ok := c.States[c.Initial]; !ok {
		return fmt.Errorf("chart initial state %q does not exist", c.Initial)
	}

	stack := make([]walkFrame, 0, len(c.States))
	for _, name := range sortedStateNames(c.States) {
		if reservedNames[name] {
			return fmt.Errorf("state name %q is reserved", name)
		}
		stack = append(stack, walkFrame{path: name, state: c.States[name], siblings: c.States})
	}

	for len(stack) > 0 {
		frame := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		st := frame.state

		if st.Kind == KindParallel {
			w.parallelDetected = true
			if len(st.States) < 2 {
				return fmt.Errorf("state %s: parallel states need at least two regions", frame.path)
			}
		}
		if st.Kind == KindFinal {
			if len(st.States) > 0 || len(st.On) > 0 || len(st.Always) > 0 {
				return fmt.Errorf("state %s: final states admit no children or transitions", frame.path)
			}
		}
		if len(st.States) > 0 && st.Kind != KindParallel && st.Kind != KindFinal {
			if st.Initial == "" {
				return fmt.Errorf("state %s: compound states require an initial child", frame.path)
			}
			if _, ok := st.States[st.Initial]; !ok {
				return fmt.Errorf("state %s: initial child %q does not exist", frame.path, st.Initial)
			}
		}
		if len(st.States) == 0 && (st.Kind == KindCompound || st.Kind == KindParallel) {
			return fmt.Errorf("state %s: %s state has no children", frame.path, kindName(st.Kind))
		}

		for _, name := range append(append([]string{}, st.Entry...), st.Exit...) {
			if err := w.checkAction(frame.path, name); err != nil {
				return err
			}
		}
		for _, eventType := range sortedTransitionKeys(st.On) {
			if reservedNames[eventType] {
				return fmt.Errorf("state %s: event key %q is reserved", frame.path, eventType)
			}
			for _, tr := range st.On[eventType] {
				if err := w.checkTransition(frame.path, tr, frame.siblings); err != nil {
					return err
				}
			}
		}
		for _, tr := range st.Always {
			if err := w.checkTransition(frame.path, tr, frame.siblings); err != nil {
				return err
			}
		}

		for _, name := range sortedStateNames(st.States) {
			if reservedNames[name] {
				return fmt.Errorf("state %s: child name %q is reserved", frame.path, name)
			}
			stack = append(stack, walkFrame{path: frame.path + "." + name, state: st.States[name], siblings: st.States})
		}
	}
	return nil
}

func (w *chartWalker) checkTransition(path string, tr Transition, siblings map[string]*State) error {
	if tr.Target != "" {
		if _, ok := siblings[tr.Target]; !ok {
			return fmt.Errorf("state %s: transition target %q does not exist among siblings", path, tr.Target)
		}
	}
	if tr.Guard != "" {
		if reservedNames[tr.Guard] {
			return fmt.Errorf("state %s: guard name %q is reserved", path, tr.Guard)
		}
		if _, ok := w.guards[tr.Guard]; !ok {
			return fmt.Errorf("state %s: guard %q is not registered", path, tr.Guard)
		}
	}
	for _, name := range tr.Actions {
		if err := w.checkAction(path, name); err != nil {
			return err
		}
	}
	return nil
}

func (w *chartWalker) checkAction(path, name string) error {
	if reservedNames[name] {
		return fmt.Errorf("state %s: action name %q is reserved", path, name)
	}
	if _, ok := w.actions[name]; !ok {
		return fmt.Errorf("state %s: action %q is not registered", path, name)
	}
	return nil
}

func kindName(k StateKind) string {
	switch k {
	case KindAtomic:
		return "atomic"
	case KindCompound:
		return "compound"
	case KindParallel:
		return "parallel"
	case KindFinal:
		return "final"
	default:
		return "unknown"
	}
}

func sortedStateNames(states map[string]*State) []string {
	out := make([]string, 0, len(states))
	for name := range states {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func sortedTransitionKeys(on map[string][]Transition) []string {
	out := make([]string, 0, len(on))
	for key := range on {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func sortedServiceNames(services map[string]*contract.Versioned) []string {
	out := make([]string, 0, len(services))
	for name := range services {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
