// Package emit transforms raw outbound event drafts into fully-formed,
// routable events. The factory classifies each draft against the workflow's
// contracts (completion event, service invocation, or unvalidated
// pass-through), validates the payload, computes the outbound subject —
// minting child workflow subjects for peer-orchestrator calls — and fills in
// the routing and tracing fields.
package emit

import (
	"context"
	"fmt"
	"sort"

	"github.com/arvoworks/arvo-go/runtime/contract"
	"github.com/arvoworks/arvo-go/runtime/event"
	"github.com/arvoworks/arvo-go/runtime/subject"
	"github.com/arvoworks/arvo-go/runtime/violations"
)

type (
	// Factory builds emittable events for one pipeline invocation. It is
	// scoped to the source event and the orchestration's lineage.
	Factory struct {
		self          *contract.Versioned
		byAcceptsType map[string]*contract.Versioned
		source        event.Event
		parsedSource  subject.Content
		parentSubject string
		initEventID   string
		defaultUnits  float64
	}

	// Options configures NewFactory.
	Options struct {
		// Self is the orchestrator contract version of the executing
		// workflow.
		Self *contract.Versioned
		// Services maps service names to their contract versions.
		Services map[string]*contract.Versioned
		// Source is the event being executed.
		Source event.Event
		// ParsedSource is the parsed form of Source's subject.
		ParsedSource subject.Content
		// ParentSubject is the calling orchestration's subject, empty for
		// root workflows.
		ParentSubject string
		// InitEventID is the ID of the event that started the workflow.
		InitEventID string
		// ExecutionUnits is the default unit cost stamped on outbound
		// events.
		ExecutionUnits float64
	}

	// Emittable is a fully-formed outbound event with its domain tags.
	Emittable struct {
		Event   event.Event
		Domains []string
	}
)

// DomainDefault is the domain assigned to drafts that specify none.
const DomainDefault = "default"

// NewFactory indexes the contracts for draft classification.
func NewFactory(opts Options) *Factory {
	byType := make(map[string]*contract.Versioned, len(opts.Services))
	for _, name := range sortedNames(opts.Services) {
		svc := opts.Services[name]
		byType[svc.AcceptsType()] = svc
	}
	return &Factory{
		self:          opts.Self,
		byAcceptsType: byType,
		source:        opts.Source,
		parsedSource:  opts.ParsedSource,
		parentSubject: opts.ParentSubject,
		initEventID:   opts.InitEventID,
		defaultUnits:  opts.ExecutionUnits,
	}
}

// Build classifies the draft and constructs the outbound event.
//
// Payload schema failures surface as plain errors so the pipeline can fold
// them into a system-error event; a draft carrying an unusable parent
// subject is an ExecutionViolation and propagates.
func (f *Factory) Build(ctx context.Context, d event.Draft) (Emittable, error) {
	fields := event.Fields{
		Type:          d.Type,
		Source:        f.self.AcceptsType(),
		To:            d.To,
		Data:          d.Data,
		DataSchema:    d.DataSchema,
		AccessControl: d.AccessControl,
		RedirectTo:    d.RedirectTo,
		Extensions:    d.Extensions,
	}
	if fields.AccessControl == "" {
		fields.AccessControl = f.source.AccessControl
	}
	if fields.RedirectTo == "" {
		fields.RedirectTo = f.self.AcceptsType()
	}
	fields.ExecutionUnits = f.defaultUnits
	if d.ExecutionUnits != nil {
		fields.ExecutionUnits = *d.ExecutionUnits
	}

	switch {
	case d.Type == f.self.CompleteEventType():
		if err := f.completionFields(&fields, d); err != nil {
			return Emittable{}, err
		}
	default:
		svc, isService := f.byAcceptsType[d.Type]
		if isService {
			if err := f.serviceFields(&fields, d, svc); err != nil {
				return Emittable{}, err
			}
		} else {
			// Unrecognized type: the unvalidated escape hatch. The payload
			// passes through byte-for-byte.
			fields.Subject = f.source.Subject
			fields.ParentID = f.source.ID
		}
	}

	injectTraceContext(ctx, &fields)
	return Emittable{Event: event.New(fields), Domains: normalizeDomains(d.Domains)}, nil
}

// completionFields routes the workflow's completion event: back onto the
// parent orchestration's subject when one exists, addressed to the redirect
// destination baked into the source subject (falling back to the initiator),
// with lineage anchored at the workflow's init event.
func (f *Factory) completionFields(fields *event.Fields, d event.Draft) error {
	if err := f.self.ValidateEmit(d.Type, d.Data); err != nil {
		return fmt.Errorf("completion payload for %s: %w", d.Type, err)
	}
	fields.Subject = f.parentSubject
	if fields.Subject == "" {
		fields.Subject = f.source.Subject
	}
	if fields.To == "" {
		fields.To = f.parsedSource.RedirectTo()
	}
	fields.ParentID = f.initEventID
	if fields.DataSchema == "" {
		fields.DataSchema = f.self.DataSchemaRef()
	}
	return nil
}

// serviceFields routes a service invocation. Plain services are addressed on
// the current subject so their response finds its way back; peer
// orchestrators get a fresh child subject carrying this orchestrator as the
// completion redirect.
func (f *Factory) serviceFields(fields *event.Fields, d event.Draft, svc *contract.Versioned) error {
	if err := svc.ValidateAccepts(d.Data); err != nil {
		return fmt.Errorf("invocation payload for %s: %w", d.Type, err)
	}
	if svc.IsOrchestrator() {
		redirect := d.RedirectTo
		if redirect == "" {
			redirect = f.self.AcceptsType()
		}
		meta := map[string]string{subject.MetaRedirectTo: redirect}
		parent, err := event.PeekParentSubject(d.Data)
		if err != nil {
			return violations.Execution("peer orchestration draft carries an unusable parent subject", err)
		}
		var subj string
		if parent != "" {
			if !subject.IsValid(parent) {
				return violations.Execution(
					fmt.Sprintf("peer orchestration draft for %s carries invalid parent subject", d.Type), nil)
			}
			subj, err = subject.From(parent, svc.AcceptsType(), svc.Version().String(), meta)
		} else {
			subj, err = subject.New(svc.AcceptsType(), svc.Version().String(), f.self.AcceptsType(), meta)
		}
		if err != nil {
			return violations.Execution(fmt.Sprintf("mint subject for peer orchestrator %s", d.Type), err)
		}
		fields.Subject = subj
	} else {
		fields.Subject = f.source.Subject
	}
	fields.ParentID = f.source.ID
	if fields.DataSchema == "" {
		fields.DataSchema = svc.DataSchemaRef()
	}
	return nil
}

// normalizeDomains dedups the draft's domain tags, defaulting to ["default"].
func normalizeDomains(domains []string) []string {
	if len(domains) == 0 {
		return []string{DomainDefault}
	}
	seen := make(map[string]bool, len(domains))
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	if len(out) == 0 {
		return []string{DomainDefault}
	}
	return out
}

func sortedNames(services map[string]*contract.Versioned) []string {
	out := make([]string, 0, len(services))
	for name := range services {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
