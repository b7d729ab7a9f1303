// Package orchestrator implements the execute-one-event pipeline for
// state-chart workflows: validate the subject, resolve and input-check the
// machine, lock, load state, step the chart, build the outbound events,
// persist, release. Infrastructure violations propagate to the caller;
// workflow errors come back as a single system-error event addressed to the
// workflow's initiator.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/arvoworks/arvo-go/runtime/emit"
	"github.com/arvoworks/arvo-go/runtime/event"
	"github.com/arvoworks/arvo-go/runtime/machine"
	"github.com/arvoworks/arvo-go/runtime/memory"
	"github.com/arvoworks/arvo-go/runtime/resource"
	"github.com/arvoworks/arvo-go/runtime/subject"
	"github.com/arvoworks/arvo-go/runtime/telemetry"
	"github.com/arvoworks/arvo-go/runtime/violations"
)

type (
	// Orchestrator executes events against a registry of machines sharing
	// one orchestrator identity.
	Orchestrator struct {
		registry     *machine.Registry
		res          *resource.Resource
		units        float64
		lockOverride *bool
		log          telemetry.Logger
		tracer       telemetry.Tracer
		metrics      telemetry.Metrics
	}

	// Options configures New.
	Options struct {
		// Memory is the persistence backend. Required.
		Memory memory.Store
		// Registry holds the machines. Required.
		Registry *machine.Registry
		// ExecutionUnits is the default unit cost stamped on outbound
		// events. Must not be negative.
		ExecutionUnits float64
		// RequiresResourceLocking overrides the per-machine locking
		// decision for every execution. Nil defers to each machine.
		RequiresResourceLocking *bool
		// Logger, Tracer, and Metrics default to no-ops.
		Logger  telemetry.Logger
		Tracer  telemetry.Tracer
		Metrics telemetry.Metrics
	}

	executeConfig struct {
		trace telemetry.TraceInheritance
	}

	// ExecuteOption tunes a single Execute call.
	ExecuteOption func(*executeConfig)
)

// WithTraceInheritance selects the tracing-inheritance mode for one call.
func WithTraceInheritance(mode telemetry.TraceInheritance) ExecuteOption {
	return func(c *executeConfig) { c.trace = mode }
}

// New validates the wiring and builds an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Memory == nil {
		return nil, fmt.Errorf("orchestrator: memory backend is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("orchestrator: machine registry is required")
	}
	if opts.ExecutionUnits < 0 {
		return nil, fmt.Errorf("orchestrator: execution units must not be negative, got %v", opts.ExecutionUnits)
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Orchestrator{
		registry: opts.Registry,
		res: resource.New(resource.Options{
			Store:           opts.Memory,
			RequiresLocking: true,
			Logger:          logger,
		}),
		units:        opts.ExecutionUnits,
		lockOverride: opts.RequiresResourceLocking,
		log:          logger,
		tracer:       tracer,
		metrics:      metrics,
	}, nil
}

// Source returns the orchestrator identity: the event type its machines
// accept.
func (o *Orchestrator) Source() string { return o.registry.Source() }

// Execute processes exactly one event: it advances the workflow instance
// named by the event's subject and returns the outbound events grouped by
// domain. Events addressed to a different orchestrator yield an empty result
// without touching state. Infrastructure violations are returned as errors;
// workflow errors are folded into a single system-error event in the result.
func (o *Orchestrator) Execute(ctx context.Context, e event.Event, opts ...ExecuteOption) (*emit.Result, error) {
	cfg := executeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.trace == telemetry.TraceFromEventHeaders {
		ctx = emit.ExtractTraceContext(ctx, e)
	}
	started := time.Now()
	ctx, span := o.tracer.Start(ctx, "arvo.orchestrator.execute")
	defer span.End()
	span.SetAttribute("arvo.event.id", e.ID)
	span.SetAttribute("arvo.event.type", e.Type)
	span.SetAttribute("arvo.event.subject", e.Subject)
	span.SetAttribute("arvo.orchestrator.source", o.Source())
	defer func() {
		o.metrics.RecordTimer("arvo.orchestrator.execute.duration", time.Since(started), "source", o.Source())
	}()

	res, err := o.execute(ctx, span, e)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.metrics.IncCounter("arvo.orchestrator.violations", 1, "source", o.Source())
		return nil, err
	}
	o.metrics.IncCounter("arvo.orchestrator.executions", 1, "source", o.Source())
	o.metrics.IncCounter("arvo.orchestrator.events.produced", float64(len(res.DomainedEvents.All)), "source", o.Source())
	return res, nil
}

func (o *Orchestrator) execute(ctx context.Context, span telemetry.Span, e event.Event) (*emit.Result, error) {
	// Validate and parse the subject before anything else; both are pure.
	if err := o.res.ValidateSubject(e.Subject); err != nil {
		return nil, err
	}
	parsed, err := subject.Parse(e.Subject)
	if err != nil {
		return nil, violations.Transaction(violations.TransactionInvalidSubject, e.Subject, err)
	}
	if parsed.Orchestrator.Name != o.Source() {
		o.log.Warn(ctx, "event subject addresses a different orchestrator; ignoring",
			"event_id", e.ID, "subject_orchestrator", parsed.Orchestrator.Name, "self", o.Source())
		return emit.Empty(), nil
	}

	m, err := o.registry.Resolve(e)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return emit.Empty(), nil
	}
	span.SetAttribute("arvo.machine.version", m.Version().String())

	verdict, verr := m.ValidateInput(e)
	switch verdict {
	case machine.InputContractUnresolved:
		return nil, &violations.ConfigViolation{Msg: "event type matches no contract", Err: verr}
	case machine.InputInvalid, machine.InputInvalidData:
		return nil, &violations.ContractViolation{EventType: e.Type, Msg: "inbound event failed contract validation", Err: verr}
	}

	needLock := m.RequiresLocking()
	if o.lockOverride != nil {
		needLock = *o.lockOverride
	}
	lockStatus := resource.LockNoop
	if needLock {
		lockStatus, err = o.res.AcquireLock(ctx, e.Subject)
		if err != nil {
			return nil, err
		}
	}
	// Release on every exit path: success, violation, workflow error, panic.
	defer o.res.ReleaseLock(ctx, e.Subject, lockStatus)

	rec, err := o.res.AcquireState(ctx, e.Subject)
	if err != nil {
		return nil, err
	}

	var (
		initEventID   string
		parentSubject string
		prevSnap      *machine.Snapshot
	)
	if rec == nil {
		if e.Type != o.Source() {
			o.log.Warn(ctx, "no workflow state and event is not an init event; ignoring",
				"event_id", e.ID, "event_type", e.Type, "self", o.Source())
			return emit.Empty(), nil
		}
		ps, perr := event.PeekParentSubject(e.Data)
		if perr != nil {
			return o.systemError(ctx, e, parsed, "", e.ID, perr), nil
		}
		parentSubject = ps
		initEventID = e.ID
	} else {
		initEventID = rec.InitEventID
		parentSubject = rec.ParentSubject
		if len(rec.State) > 0 {
			prevSnap = &machine.Snapshot{}
			if uerr := json.Unmarshal(rec.State, prevSnap); uerr != nil {
				return nil, violations.Execution("stored workflow state is not a valid snapshot", uerr)
			}
		}
	}

	stepRes, stepErr := o.step(m, prevSnap, e)
	if stepErr != nil {
		if violations.IsViolation(stepErr) {
			return nil, stepErr
		}
		return o.systemError(ctx, e, parsed, parentSubject, initEventID, stepErr), nil
	}

	drafts := stepRes.Events
	if stepRes.Output != nil {
		// The completion event always trails every other raw event.
		drafts = append(drafts, event.Draft{
			Type: m.Self().CompleteEventType(),
			Data: stepRes.Output,
			To:   parsed.RedirectTo(),
		})
	}

	factory := emit.NewFactory(emit.Options{
		Self:           m.Self(),
		Services:       m.Services(),
		Source:         e,
		ParsedSource:   parsed,
		ParentSubject:  parentSubject,
		InitEventID:    initEventID,
		ExecutionUnits: o.units,
	})
	emittables := make([]emit.Emittable, 0, len(drafts))
	for _, d := range drafts {
		em, berr := factory.Build(ctx, d)
		if berr != nil {
			if violations.IsViolation(berr) {
				return nil, berr
			}
			return o.systemError(ctx, e, parsed, parentSubject, initEventID, berr), nil
		}
		emittables = append(emittables, em)
	}

	newRec, err := buildRecord(e, m, stepRes, emittables, initEventID, parentSubject)
	if err != nil {
		return nil, violations.Execution("serialize workflow state", err)
	}
	if err := o.res.PersistState(ctx, e.Subject, newRec, rec); err != nil {
		return nil, err
	}

	o.log.Debug(ctx, "workflow advanced",
		"subject", e.Subject, "status", string(newRec.Status), "events", len(emittables))
	return emit.Collect(emittables), nil
}

// step runs the engine with panic containment: a panicking action or guard
// is an execution violation, not a process crash.
func (o *Orchestrator) step(m *machine.Machine, prev *machine.Snapshot, e event.Event) (res *machine.StepResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = violations.Execution(fmt.Sprintf("machine %s panicked: %v", m.ID(), p), nil)
		}
	}()
	return m.Step(prev, e)
}

// systemError folds a workflow error into the canonical system-error event,
// addressed to the workflow's initiator on the parent subject when one
// exists. State is deliberately not persisted on this path.
func (o *Orchestrator) systemError(ctx context.Context, e event.Event, parsed subject.Content, parentSubject, initEventID string, werr error) *emit.Result {
	o.log.Error(ctx, "workflow error; emitting system error event",
		"event_id", e.ID, "subject", e.Subject, "error", werr)
	o.metrics.IncCounter("arvo.orchestrator.workflow.errors", 1, "source", o.Source())

	to := parsed.Execution.Initiator
	if to == "" {
		to = e.Source
	}
	subj := parentSubject
	if subj == "" {
		subj = e.Subject
	}
	parentID := initEventID
	if parentID == "" {
		parentID = e.ID
	}
	fields := event.Fields{
		Type:           "sys." + o.Source() + ".error",
		Source:         o.Source(),
		Subject:        subj,
		To:             to,
		Data:           event.MarshalErrorData(werr),
		ParentID:       parentID,
		AccessControl:  e.AccessControl,
		ExecutionUnits: o.units,
	}
	sysErr := emit.Emittable{Event: event.New(fields), Domains: []string{emit.DomainDefault}}
	return emit.Collect([]emit.Emittable{sysErr})
}

// buildRecord assembles the post-step record to persist.
func buildRecord(e event.Event, m *machine.Machine, stepRes *machine.StepResult, emittables []emit.Emittable, initEventID, parentSubject string) (*memory.Record, error) {
	value, err := json.Marshal(stepRes.Snapshot.Value)
	if err != nil {
		return nil, fmt.Errorf("marshal state value: %w", err)
	}
	state, err := json.Marshal(stepRes.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	status := memory.StatusActive
	if stepRes.Snapshot.Done {
		status = memory.StatusDone
	}
	produced := make(map[string]memory.Produced, len(emittables))
	for _, em := range emittables {
		produced[em.Event.ID] = memory.Produced{Event: em.Event, Domains: em.Domains}
	}
	consumed := e.Clone()
	return &memory.Record{
		InitEventID:       initEventID,
		Subject:           e.Subject,
		ParentSubject:     parentSubject,
		Status:            status,
		Value:             value,
		State:             state,
		Events:            memory.Events{Consumed: &consumed, Produced: produced},
		MachineDefinition: m.Definition(),
	}, nil
}
