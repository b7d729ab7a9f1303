package machine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arvoworks/arvo-go/runtime/contract"
	"github.com/arvoworks/arvo-go/runtime/event"
)

func TestNewMachineHappyPath(t *testing.T) {
	m := incrementMachine(t)
	require.Equal(t, "arvo.orc.test", m.Source())
	require.Equal(t, "0.0.1", m.Version().String())
	require.False(t, m.RequiresLocking(), "single-emit service, no parallel states")
	require.Empty(t, m.Definition())
}

func TestSerializeDefinition(t *testing.T) {
	m, err := NewMachine(Options{
		ID:                  "increment",
		Version:             "0.0.1",
		Self:                selfContract(t),
		Services:            map[string]*contract.Versioned{"increment": incrementContract(t)},
		Chart:               incrementChart(),
		Actions:             incrementActions(),
		Output:              incrementOutput,
		SerializeDefinition: true,
	})
	require.NoError(t, err)
	require.Contains(t, m.Definition(), `"awaiting"`)
}

func TestVersionMustMatchSelfContract(t *testing.T) {
	_, err := NewMachine(Options{
		ID:      "increment",
		Version: "0.0.2",
		Self:    selfContract(t),
		Chart:   incrementChart(),
		Actions: incrementActions(),
	})
	require.ErrorContains(t, err, "does not match self contract version")
}

func TestReservedActionName(t *testing.T) {
	actions := incrementActions()
	actions[EnqueueActionName] = func(*ActionCtx, event.Event) error { return nil }
	_, err := NewMachine(Options{
		ID:      "increment",
		Version: "0.0.1",
		Self:    selfContract(t),
		Chart:   incrementChart(),
		Actions: actions,
	})
	require.ErrorContains(t, err, "reserved")
}

func TestReservedChartNames(t *testing.T) {
	for _, mutate := range []func(*Chart){
		func(c *Chart) { c.States["invoke"] = &State{} },
		func(c *Chart) { c.States["awaiting"].On["after"] = []Transition{{Target: "finished"}} },
		func(c *Chart) {
			c.States["awaiting"].On["evt.number.increment.success"] = []Transition{
				{Target: "finished", Actions: []string{EnqueueActionName}},
			}
		},
	} {
		chart := incrementChart()
		mutate(chart)
		_, err := NewMachine(Options{
			ID:      "increment",
			Version: "0.0.1",
			Self:    selfContract(t),
			Chart:   chart,
			Actions: incrementActions(),
		})
		require.ErrorContains(t, err, "reserved")
	}
}

func TestUnresolvedReferences(t *testing.T) {
	chart := incrementChart()
	chart.States["awaiting"].On["evt.number.increment.success"] = []Transition{{Target: "nowhere"}}
	_, err := NewMachine(Options{
		ID:      "increment",
		Version: "0.0.1",
		Self:    selfContract(t),
		Chart:   chart,
		Actions: incrementActions(),
	})
	require.ErrorContains(t, err, "does not exist")

	chart = incrementChart()
	chart.States["awaiting"].Entry = []string{"missing"}
	_, err = NewMachine(Options{
		ID:      "increment",
		Version: "0.0.1",
		Self:    selfContract(t),
		Chart:   chart,
		Actions: incrementActions(),
	})
	require.ErrorContains(t, err, "not registered")

	chart = incrementChart()
	chart.Initial = "missing"
	_, err = NewMachine(Options{
		ID:      "increment",
		Version: "0.0.1",
		Self:    selfContract(t),
		Chart:   chart,
		Actions: incrementActions(),
	})
	require.ErrorContains(t, err, "does not exist")
}

func TestSelfCannotBeService(t *testing.T) {
	_, err := NewMachine(Options{
		ID:      "increment",
		Version: "0.0.1",
		Self:    selfContract(t),
		Services: map[string]*contract.Versioned{
			"self": selfContract(t),
		},
		Chart:   incrementChart(),
		Actions: incrementActions(),
	})
	require.ErrorContains(t, err, "registered as service")
}

func TestDuplicateServiceURIs(t *testing.T) {
	_, err := NewMachine(Options{
		ID:      "increment",
		Version: "0.0.1",
		Self:    selfContract(t),
		Services: map[string]*contract.Versioned{
			"a": incrementContract(t),
			"b": incrementContract(t),
		},
		Chart:   incrementChart(),
		Actions: incrementActions(),
	})
	require.ErrorContains(t, err, "share contract URI")
}

func TestParallelDetectionDrivesLocking(t *testing.T) {
	chart := incrementChart()
	chart.States["fanout"] = &State{
		Kind: KindParallel,
		States: map[string]*State{
			"left":  {},
			"right": {},
		},
	}
	m, err := NewMachine(Options{
		ID:       "increment",
		Version:  "0.0.1",
		Self:     selfContract(t),
		Services: map[string]*contract.Versioned{"increment": incrementContract(t)},
		Chart:    chart,
		Actions:  incrementActions(),
	})
	require.NoError(t, err)
	require.True(t, m.RequiresLocking())
}

func TestMultiEmitServiceDrivesLocking(t *testing.T) {
	m, err := NewMachine(Options{
		ID:      "increment",
		Version: "0.0.1",
		Self:    selfContract(t),
		Services: map[string]*contract.Versioned{
			"increment": incrementContract(t, "evt.number.increment.partial"),
		},
		Chart:   incrementChart(),
		Actions: incrementActions(),
	})
	require.NoError(t, err)
	require.True(t, m.RequiresLocking())
}

func TestParallelNeedsTwoRegions(t *testing.T) {
	chart := incrementChart()
	chart.States["fanout"] = &State{
		Kind:   KindParallel,
		States: map[string]*State{"only": {}},
	}
	_, err := NewMachine(Options{
		ID:      "increment",
		Version: "0.0.1",
		Self:    selfContract(t),
		Chart:   chart,
		Actions: incrementActions(),
	})
	require.ErrorContains(t, err, "at least two regions")
}

func TestCompoundNeedsInitial(t *testing.T) {
	chart := incrementChart()
	chart.States["nested"] = &State{
		States: map[string]*State{"inner": {}},
	}
	_, err := NewMachine(Options{
		ID:      "increment",
		Version: "0.0.1",
		Self:    selfContract(t),
		Chart:   chart,
		Actions: incrementActions(),
	})
	require.ErrorContains(t, err, "initial child")
}

func TestFinalStateAdmitsNoTransitions(t *testing.T) {
	chart := incrementChart()
	chart.States["finished"].On = map[string][]Transition{
		"evt.x": {{Target: "awaiting"}},
	}
	_, err := NewMachine(Options{
		ID:      "increment",
		Version: "0.0.1",
		Self:    selfContract(t),
		Chart:   chart,
		Actions: incrementActions(),
	})
	require.ErrorContains(t, err, "final states admit no")
}
