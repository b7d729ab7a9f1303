package machine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/arvoworks/arvo-go/runtime/event"
	"github.com/arvoworks/arvo-go/runtime/subject"
	"github.com/arvoworks/arvo-go/runtime/violations"
)

// Registry holds every machine sharing one orchestrator identity and
// resolves the right version for an incoming event.
type Registry struct {
	source   string
	machines map[string]*Machine
}

// NewRegistry validates and indexes the given machines: at least one, all
// sharing the same source (self accepts type), with unique versions.
func NewRegistry(machines ...*Machine) (*Registry, error) {
	if len(machines) == 0 {
		return nil, errors.New("registry: at least one machine is required")
	}
	source := machines[0].Source()
	indexed := make(map[string]*Machine, len(machines))
	for _, m := range machines {
		if m.Source() != source {
			return nil, fmt.Errorf("registry: machine %s has source %s, want %s", m.ID(), m.Source(), source)
		}
		v := m.Version().String()
		if _, dup := indexed[v]; dup {
			return nil, fmt.Errorf("registry: duplicate machine version %s", v)
		}
		indexed[v] = m
	}
	return &Registry{source: source, machines: indexed}, nil
}

// Source returns the shared orchestrator source.
func (r *Registry) Source() string { return r.source }

// Machines lists the registered machines in ascending version order.
func (r *Registry) Machines() []*Machine {
	out := make([]*Machine, 0, len(r.machines))
	for _, m := range r.machines {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version().LessThan(out[j].Version()) })
	return out
}

// RequiresLocking reports whether any registered machine needs the
// per-subject lock.
func (r *Registry) RequiresLocking() bool {
	for _, m := range r.machines {
		if m.RequiresLocking() {
			return true
		}
	}
	return false
}

// Resolve selects the machine for the event by parsing its subject. A
// subject addressed to a different orchestrator is a soft miss: (nil, nil).
// A matching name with an unregistered version is a ConfigViolation.
func (r *Registry) Resolve(e event.Event) (*Machine, error) {
	c, err := subject.Parse(e.Subject)
	if err != nil {
		return nil, violations.Transaction(violations.TransactionInvalidSubject, e.Subject, err)
	}
	if c.Orchestrator.Name != r.source {
		return nil, nil
	}
	m, ok := r.machines[c.Orchestrator.Version]
	if !ok {
		return nil, violations.Config("no machine registered for %s version %s", r.source, c.Orchestrator.Version)
	}
	return m, nil
}
