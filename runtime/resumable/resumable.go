// Package resumable implements the handler-function workflow form. Instead
// of a state chart, a handler per contract version advances the workflow:
// it receives the persisted context, the incoming event, and the responses
// collected so far, and returns a new context plus outbound service
// invocations and/or a completion.
//
// The pipeline skeleton is the orchestrator's: validate, lock, load, run,
// emit, persist, release — with explicit expected/collected response
// tracking in between.
package resumable

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/arvoworks/arvo-go/runtime/contract"
	"github.com/arvoworks/arvo-go/runtime/emit"
	"github.com/arvoworks/arvo-go/runtime/event"
	"github.com/arvoworks/arvo-go/runtime/memory"
	"github.com/arvoworks/arvo-go/runtime/resource"
	"github.com/arvoworks/arvo-go/runtime/subject"
	"github.com/arvoworks/arvo-go/runtime/telemetry"
	"github.com/arvoworks/arvo-go/runtime/violations"
)

type (
	// Handler advances the workflow by one step. It may be asynchronous
	// internally (the context carries cancellation) but the pipeline calls
	// it exactly once per event, under the subject lock.
	Handler func(ctx context.Context, in *HandlerInput) (*HandlerOutput, error)

	// HandlerInput is everything a handler sees.
	HandlerInput struct {
		// Context is the persisted workflow context, nil on the first step.
		Context json.RawMessage
		// Metadata is a read-only view of the stored record.
		Metadata Metadata
		// Event is the event being processed (init or service response).
		Event event.Event
		// Self is the orchestrator contract version in force.
		Self *contract.Versioned
		// Services maps service names to their contract versions.
		Services map[string]*contract.Versioned
		// Collected maps each response event type to the response events
		// gathered so far for the outstanding invocations.
		Collected map[string][]event.Event
	}

	// Metadata is the read-only record view handed to handlers.
	Metadata struct {
		Subject       string
		ParentSubject string
		InitEventID   string
		Status        memory.Status
	}

	// HandlerOutput is what a handler returns.
	HandlerOutput struct {
		// Context replaces the persisted workflow context when non-nil.
		Context json.RawMessage
		// Complete, when set, finishes the workflow with the given output.
		Complete *Completion
		// Services lists outbound invocations to emit this step.
		Services []event.Draft
	}

	// Completion is the terminal output of a resumable workflow.
	Completion struct {
		// Data is the completion payload, validated against the contract's
		// completion schema.
		Data json.RawMessage
		// To overrides the completion destination; defaults to the redirect
		// baked into the workflow subject, then the initiator.
		To string
		// Domains tags the completion event.
		Domains []string
	}

	// Resumable executes events against a versioned handler map sharing one
	// orchestrator contract.
	Resumable struct {
		contract     *contract.Contract
		handlers     map[string]Handler
		services     map[string]*contract.Versioned
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
		// Contract is the orchestrator contract covering every handled
		// version. Required.
		Contract *contract.Contract
		// Services maps service names to the contract versions handlers may
		// invoke.
		Services map[string]*contract.Versioned
		// Handlers maps exact versions to their handler. Every version must
		// exist on Contract. Required, non-empty.
		Handlers map[string]Handler
		// ExecutionUnits is the default unit cost stamped on outbound
		// events. Must not be negative.
		ExecutionUnits float64
		// RequiresResourceLocking overrides the locking default. Resumable
		// workflows lock by default: response collection is a
		// read-modify-write of the expected map.
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

// New validates the wiring and builds a Resumable.
func New(opts Options) (*Resumable, error) {
	if opts.Memory == nil {
		return nil, fmt.Errorf("resumable: memory backend is required")
	}
	if opts.Contract == nil {
		return nil, fmt.Errorf("resumable: orchestrator contract is required")
	}
	if opts.Contract.Kind() != contract.KindOrchestrator {
		return nil, fmt.Errorf("resumable: contract %s is not an orchestrator contract", opts.Contract.URI())
	}
	if len(opts.Handlers) == 0 {
		return nil, fmt.Errorf("resumable: at least one handler is required")
	}
	for version := range opts.Handlers {
		if _, err := opts.Contract.Version(version); err != nil {
			return nil, fmt.Errorf("resumable: handler version %s: %w", version, err)
		}
	}
	seenURIs := map[string]string{}
	for name, svc := range opts.Services {
		if svc == nil {
			return nil, fmt.Errorf("resumable: service %s is nil", name)
		}
		if svc.URI() == opts.Contract.URI() {
			return nil, fmt.Errorf("resumable: self contract %s registered as service %s", svc.URI(), name)
		}
		if prev, dup := seenURIs[svc.URI()]; dup && prev != name {
			return nil, fmt.Errorf("resumable: services %s and %s share contract URI %s", prev, name, svc.URI())
		}
		seenURIs[svc.URI()] = name
	}
	if opts.ExecutionUnits < 0 {
		return nil, fmt.Errorf("resumable: execution units must not be negative, got %v", opts.ExecutionUnits)
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
	handlers := make(map[string]Handler, len(opts.Handlers))
	for v, h := range opts.Handlers {
		handlers[v] = h
	}
	services := make(map[string]*contract.Versioned, len(opts.Services))
	for n, s := range opts.Services {
		services[n] = s
	}
	return &Resumable{
		contract: opts.Contract,
		handlers: handlers,
		services: services,
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

// Source returns the orchestrator identity: the contract's accepted event
// type.
func (r *Resumable) Source() string { return r.contract.AcceptsType() }

// Execute processes exactly one event against the workflow instance named by
// its subject. The same taxonomy as the orchestrator pipeline applies:
// infrastructure violations are returned as errors, workflow errors come
// back as a single system-error event. Terminal workflows ignore further
// events.
func (r *Resumable) Execute(ctx context.Context, e event.Event, opts ...ExecuteOption) (*emit.Result, error) {
	cfg := executeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.trace == telemetry.TraceFromEventHeaders {
		ctx = emit.ExtractTraceContext(ctx, e)
	}
	started := time.Now()
	ctx, span := r.tracer.Start(ctx, "arvo.resumable.execute")
	defer span.End()
	span.SetAttribute("arvo.event.id", e.ID)
	span.SetAttribute("arvo.event.type", e.Type)
	span.SetAttribute("arvo.event.subject", e.Subject)
	span.SetAttribute("arvo.orchestrator.source", r.Source())
	defer func() {
		r.metrics.RecordTimer("arvo.resumable.execute.duration", time.Since(started), "source", r.Source())
	}()

	res, err := r.execute(ctx, e)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.metrics.IncCounter("arvo.resumable.violations", 1, "source", r.Source())
		return nil, err
	}
	r.metrics.IncCounter("arvo.resumable.executions", 1, "source", r.Source())
	return res, nil
}

func (r *Resumable) execute(ctx context.Context, e event.Event) (*emit.Result, error) {
	// The subject is validated exactly once, before lock acquisition.
	if err := r.res.ValidateSubject(e.Subject); err != nil {
		return nil, err
	}
	parsed, err := subject.Parse(e.Subject)
	if err != nil {
		return nil, violations.Transaction(violations.TransactionInvalidSubject, e.Subject, err)
	}
	if parsed.Orchestrator.Name != r.Source() {
		r.log.Warn(ctx, "event subject addresses a different orchestrator; ignoring",
			"event_id", e.ID, "subject_orchestrator", parsed.Orchestrator.Name, "self", r.Source())
		return emit.Empty(), nil
	}

	versioned, err := r.contract.Version(parsed.Orchestrator.Version)
	if err != nil {
		return nil, &violations.ConfigViolation{
			Msg: fmt.Sprintf("no contract version for %s %s", r.Source(), parsed.Orchestrator.Version),
			Err: err,
		}
	}
	handler, ok := r.handlers[parsed.Orchestrator.Version]
	if !ok {
		return nil, violations.Config("no handler registered for %s version %s", r.Source(), parsed.Orchestrator.Version)
	}

	if err := r.validateInput(versioned, e); err != nil {
		return nil, err
	}

	needLock := true
	if r.lockOverride != nil {
		needLock = *r.lockOverride
	}
	lockStatus := resource.LockNoop
	if needLock {
		lockStatus, err = r.res.AcquireLock(ctx, e.Subject)
		if err != nil {
			return nil, err
		}
	}
	defer r.res.ReleaseLock(ctx, e.Subject, lockStatus)

	rec, err := r.res.AcquireState(ctx, e.Subject)
	if err != nil {
		return nil, err
	}
	if rec != nil && rec.Status == memory.StatusDone {
		r.log.Info(ctx, "workflow already done; ignoring event",
			"event_id", e.ID, "subject", e.Subject)
		return emit.Empty(), nil
	}

	var (
		initEventID   string
		parentSubject string
		prevContext   json.RawMessage
		expected      map[string][]event.Event
		produced      map[string]memory.Produced
	)
	if rec == nil {
		if e.Type != r.Source() {
			r.log.Warn(ctx, "no workflow state and event is not an init event; ignoring",
				"event_id", e.ID, "event_type", e.Type, "self", r.Source())
			return emit.Empty(), nil
		}
		ps, perr := event.PeekParentSubject(e.Data)
		if perr != nil {
			return r.systemError(ctx, e, parsed, "", e.ID, perr), nil
		}
		parentSubject = ps
		initEventID = e.ID
		expected = map[string][]event.Event{}
	} else {
		initEventID = rec.InitEventID
		parentSubject = rec.ParentSubject
		prevContext = rec.State
		expected = rec.Events.Expected
		if expected == nil {
			expected = map[string][]event.Event{}
		}
		produced = rec.Events.Produced
	}

	// Collect the response before the handler runs: an event whose parentid
	// matches an outstanding invocation lands in that invocation's bucket.
	if rec != nil && e.ParentID != "" {
		if bucket, waiting := expected[e.ParentID]; waiting {
			expected[e.ParentID] = append(bucket, e.Clone())
		}
	}

	in := &HandlerInput{
		Context: prevContext,
		Metadata: Metadata{
			Subject:       e.Subject,
			ParentSubject: parentSubject,
			InitEventID:   initEventID,
			Status:        memory.StatusActive,
		},
		Event:     e,
		Self:      versioned,
		Services:  r.services,
		Collected: collectedByType(expected),
	}
	out, herr := r.runHandler(ctx, handler, in)
	if herr != nil {
		if violations.IsViolation(herr) {
			return nil, herr
		}
		return r.systemError(ctx, e, parsed, parentSubject, initEventID, herr), nil
	}
	if out == nil {
		out = &HandlerOutput{}
	}

	drafts := append([]event.Draft(nil), out.Services...)
	status := memory.StatusActive
	if out.Complete != nil {
		// Open question resolved: a handler may complete and invoke
		// services in the same step; everything is emitted, the run ends.
		status = memory.StatusDone
		to := out.Complete.To
		if to == "" {
			to = parsed.RedirectTo()
		}
		drafts = append(drafts, event.Draft{
			Type:    versioned.CompleteEventType(),
			Data:    out.Complete.Data,
			To:      to,
			Domains: out.Complete.Domains,
		})
	}

	factory := emit.NewFactory(emit.Options{
		Self:           versioned,
		Services:       r.services,
		Source:         e,
		ParsedSource:   parsed,
		ParentSubject:  parentSubject,
		InitEventID:    initEventID,
		ExecutionUnits: r.units,
	})
	emittables := make([]emit.Emittable, 0, len(drafts))
	for _, d := range drafts {
		em, berr := factory.Build(ctx, d)
		if berr != nil {
			if violations.IsViolation(berr) {
				return nil, berr
			}
			return r.systemError(ctx, e, parsed, parentSubject, initEventID, berr), nil
		}
		emittables = append(emittables, em)
	}

	// New emissions reset the bookkeeping: the expected map now tracks only
	// the fresh invocations, and produced is rewritten.
	if len(emittables) > 0 {
		expected = make(map[string][]event.Event, len(emittables))
		produced = make(map[string]memory.Produced, len(emittables))
		completeType := versioned.CompleteEventType()
		for _, em := range emittables {
			produced[em.Event.ID] = memory.Produced{Event: em.Event, Domains: em.Domains}
			if em.Event.Type != completeType {
				expected[em.Event.ID] = []event.Event{}
			}
		}
	}

	newContext := prevContext
	if out.Context != nil {
		newContext = out.Context
	}
	consumed := e.Clone()
	newRec := &memory.Record{
		InitEventID:   initEventID,
		Subject:       e.Subject,
		ParentSubject: parentSubject,
		Status:        status,
		State:         newContext,
		Events: memory.Events{
			Consumed: &consumed,
			Produced: produced,
			Expected: expected,
		},
	}
	if err := r.res.PersistState(ctx, e.Subject, newRec, rec); err != nil {
		return nil, err
	}

	r.log.Debug(ctx, "workflow advanced",
		"subject", e.Subject, "status", string(status), "events", len(emittables))
	return emit.Collect(emittables), nil
}

// validateInput checks the event against the contracts this workflow
// declares, with the same three-way outcome as the machine pipeline.
func (r *Resumable) validateInput(versioned *contract.Versioned, e event.Event) error {
	if e.Type == r.Source() {
		if e.DataSchema != "" && e.DataSchema != versioned.DataSchemaRef() {
			return &violations.ContractViolation{EventType: e.Type,
				Msg: fmt.Sprintf("dataschema %s does not match contract %s", e.DataSchema, versioned.DataSchemaRef())}
		}
		if err := versioned.ValidateAccepts(e.Data); err != nil {
			return &violations.ContractViolation{EventType: e.Type, Msg: "init payload failed contract validation", Err: err}
		}
		return nil
	}
	for _, svc := range r.services {
		if e.Type == svc.SystemErrorType() {
			return nil
		}
		if svc.EmitsType(e.Type) {
			if e.DataSchema != "" && e.DataSchema != svc.DataSchemaRef() {
				return &violations.ContractViolation{EventType: e.Type,
					Msg: fmt.Sprintf("dataschema %s does not match contract %s", e.DataSchema, svc.DataSchemaRef())}
			}
			if err := svc.ValidateEmit(e.Type, e.Data); err != nil {
				return &violations.ContractViolation{EventType: e.Type, Msg: "response payload failed contract validation", Err: err}
			}
			return nil
		}
	}
	return &violations.ConfigViolation{Msg: fmt.Sprintf("event type %s matches no contract on %s", e.Type, r.Source())}
}

// runHandler invokes the handler with panic containment.
func (r *Resumable) runHandler(ctx context.Context, h Handler, in *HandlerInput) (out *HandlerOutput, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = violations.Execution(fmt.Sprintf("handler for %s panicked: %v", r.Source(), p), nil)
		}
	}()
	return h(ctx, in)
}

// systemError folds a workflow error into the canonical system-error event.
// State is not persisted on this path.
func (r *Resumable) systemError(ctx context.Context, e event.Event, parsed subject.Content, parentSubject, initEventID string, werr error) *emit.Result {
	r.log.Error(ctx, "workflow error; emitting system error event",
		"event_id", e.ID, "subject", e.Subject, "error", werr)
	r.metrics.IncCounter("arvo.resumable.workflow.errors", 1, "source", r.Source())

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
	sysErr := emit.Emittable{
		Event: event.New(event.Fields{
			Type:           "sys." + r.Source() + ".error",
			Source:         r.Source(),
			Subject:        subj,
			To:             to,
			Data:           event.MarshalErrorData(werr),
			ParentID:       parentID,
			AccessControl:  e.AccessControl,
			ExecutionUnits: r.units,
		}),
		Domains: []string{emit.DomainDefault},
	}
	return emit.Collect([]emit.Emittable{sysErr})
}

// collectedByType regroups the expected buckets (keyed by produced event ID)
// into the response-type view handlers consume.
func collectedByType(expected map[string][]event.Event) map[string][]event.Event {
	out := make(map[string][]event.Event)
	for _, bucket := range expected {
		for _, ev := range bucket {
			out[ev.Type] = append(out[ev.Type], ev)
		}
	}
	return out
}
