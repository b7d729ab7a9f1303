package emit

import (
	"sort"

	"github.com/arvoworks/arvo-go/runtime/event"
)

type (
	// Result is the domain-segregated return shape of a pipeline execution.
	Result struct {
		// Events are the events tagged with the default domain, in
		// production order. Empty when the execution produced nothing for
		// the default domain.
		Events []event.Event
		// AllEventDomains lists the distinct domain tags used, sorted.
		AllEventDomains []string
		// DomainedEvents groups every produced event by domain.
		DomainedEvents DomainedEvents
	}

	// DomainedEvents buckets produced events. An event tagged with several
	// domains appears once per bucket and exactly once in All.
	DomainedEvents struct {
		// All lists every produced event once, in production order.
		All []event.Event
		// ByDomain maps each domain tag to its events, in production order.
		ByDomain map[string][]event.Event
	}
)

// Collect builds the domain-segregated result from emittables in production
// order.
func Collect(emittables []Emittable) *Result {
	res := &Result{
		DomainedEvents: DomainedEvents{ByDomain: make(map[string][]event.Event)},
	}
	for _, em := range emittables {
		res.DomainedEvents.All = append(res.DomainedEvents.All, em.Event)
		for _, d := range em.Domains {
			res.DomainedEvents.ByDomain[d] = append(res.DomainedEvents.ByDomain[d], em.Event)
		}
	}
	res.Events = res.DomainedEvents.ByDomain[DomainDefault]
	for d := range res.DomainedEvents.ByDomain {
		res.AllEventDomains = append(res.AllEventDomains, d)
	}
	sort.Strings(res.AllEventDomains)
	return res
}

// Empty returns a result with no events, used for executions that are not
// addressed to this orchestrator.
func Empty() *Result {
	return &Result{DomainedEvents: DomainedEvents{ByDomain: map[string][]event.Event{}}}
}
