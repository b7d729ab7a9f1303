package machine

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arvoworks/arvo-go/runtime/contract"
	"github.com/arvoworks/arvo-go/runtime/event"
	"github.com/arvoworks/arvo-go/runtime/violations"
)

func TestStepInitRequiresSourceEvent(t *testing.T) {
	m := incrementMachine(t)
	e := event.New(event.Fields{Type: "com.unrelated", Data: json.RawMessage(`{}`)})
	_, err := m.Step(nil, e)
	require.ErrorIs(t, err, violations.ErrExecution)
}

func TestStepInitEntersInitialAndEmits(t *testing.T) {
	m := incrementMachine(t)
	res, err := m.Step(nil, initEvent("subj", `{"delta":1}`))
	require.NoError(t, err)
	require.Equal(t, "awaiting", res.Snapshot.Value)
	require.False(t, res.Snapshot.Done)
	require.Nil(t, res.Output)
	require.Len(t, res.Events, 1)
	require.Equal(t, "com.number.increment", res.Events[0].Type)
	require.JSONEq(t, `{"delta":1}`, string(res.Events[0].Data))
}

func TestStepCompletion(t *testing.T) {
	m := incrementMachine(t)
	first, err := m.Step(nil, initEvent("subj", `{"delta":1}`))
	require.NoError(t, err)

	success := event.New(event.Fields{
		Type: "evt.number.increment.success",
		Data: json.RawMessage(`{"newValue":1}`),
	})
	second, err := m.Step(first.Snapshot, success)
	require.NoError(t, err)
	require.True(t, second.Snapshot.Done)
	require.Equal(t, "finished", second.Snapshot.Value)
	require.JSONEq(t, `{"final":1}`, string(second.Output))
	require.Len(t, second.Events, 1, "announcement only; completion is the pipeline's job")
	require.Equal(t, "notif.number.updated", second.Events[0].Type)
}

func TestStepIsDeterministic(t *testing.T) {
	m := incrementMachine(t)
	init := initEvent("subj", `{"delta":2}`)
	a, err := m.Step(nil, init)
	require.NoError(t, err)
	b, err := m.Step(nil, init)
	require.NoError(t, err)
	require.Equal(t, a.Snapshot, b.Snapshot)
	require.Equal(t, a.Events, b.Events)
}

func TestStepDoesNotMutateInputSnapshot(t *testing.T) {
	m := incrementMachine(t)
	first, err := m.Step(nil, initEvent("subj", `{"delta":1}`))
	require.NoError(t, err)
	before, err := json.Marshal(first.Snapshot)
	require.NoError(t, err)

	success := event.New(event.Fields{Type: "evt.number.increment.success", Data: json.RawMessage(`{"newValue":1}`)})
	_, err = m.Step(first.Snapshot, success)
	require.NoError(t, err)

	after, err := json.Marshal(first.Snapshot)
	require.NoError(t, err)
	require.JSONEq(t, string(before), string(after))
}

func TestStepOnDoneSnapshotIsInert(t *testing.T) {
	m := incrementMachine(t)
	first, err := m.Step(nil, initEvent("subj", `{"delta":1}`))
	require.NoError(t, err)
	success := event.New(event.Fields{Type: "evt.number.increment.success", Data: json.RawMessage(`{"newValue":1}`)})
	second, err := m.Step(first.Snapshot, success)
	require.NoError(t, err)

	third, err := m.Step(second.Snapshot, success)
	require.NoError(t, err)
	require.Empty(t, third.Events)
	require.Equal(t, second.Snapshot, third.Snapshot)
}

func TestStepUnmatchedEventIsQuiescent(t *testing.T) {
	m := incrementMachine(t)
	first, err := m.Step(nil, initEvent("subj", `{"delta":1}`))
	require.NoError(t, err)
	other := event.New(event.Fields{Type: "evt.unrelated", Data: json.RawMessage(`{}`)})
	res, err := m.Step(first.Snapshot, other)
	require.NoError(t, err)
	require.Empty(t, res.Events)
	require.Equal(t, first.Snapshot.Value, res.Snapshot.Value)
}

func TestActionErrorSurfacesAsWorkflowError(t *testing.T) {
	actions := incrementActions()
	actions["requestIncrement"] = func(*ActionCtx, event.Event) error {
		return errors.New("downstream unavailable")
	}
	m, err := NewMachine(Options{
		ID:       "increment",
		Version:  "0.0.1",
		Self:     selfContract(t),
		Services: map[string]*contract.Versioned{"increment": incrementContract(t)},
		Chart:    incrementChart(),
		Actions:  actions,
		Output:   incrementOutput,
	})
	require.NoError(t, err)
	_, err = m.Step(nil, initEvent("subj", `{"delta":1}`))
	require.Error(t, err)
	require.False(t, violations.IsViolation(err), "action errors are workflow errors")
}

func parallelMachine(t *testing.T) *Machine {
	t.Helper()
	chart := &Chart{
		ID:      "gather",
		Initial: "gathering",
		Context: map[string]any{"left": false, "right": false},
		States: map[string]*State{
			"gathering": {
				Kind: KindParallel,
				States: map[string]*State{
					"left": {
						Initial: "waiting",
						States: map[string]*State{
							"waiting": {
								On: map[string][]Transition{
									"evt.left.ready": {{Target: "ready", Actions: []string{"markLeft"}}},
								},
							},
							"ready": {},
						},
					},
					"right": {
						Initial: "waiting",
						States: map[string]*State{
							"waiting": {
								On: map[string][]Transition{
									"evt.right.ready": {{Target: "ready", Actions: []string{"markRight"}}},
								},
							},
							"ready": {},
						},
					},
				},
				On: map[string][]Transition{},
				Always: []Transition{
					{Target: "finished", Guard: "bothReady"},
				},
			},
			"finished": {Kind: KindFinal},
		},
	}
	m, err := NewMachine(Options{
		ID:      "gather",
		Version: "0.0.1",
		Self:    selfContract(t),
		Chart:   chart,
		Actions: map[string]ActionFn{
			"markLeft":  func(ac *ActionCtx, _ event.Event) error { ac.Set("left", true); return nil },
			"markRight": func(ac *ActionCtx, _ event.Event) error { ac.Set("right", true); return nil },
		},
		Guards: map[string]GuardFn{
			"bothReady": func(ac *ActionCtx, _ event.Event) (bool, error) {
				l, _ := ac.Get("left")
				r, _ := ac.Get("right")
				return l == true && r == true, nil
			},
		},
		Output: func(map[string]any, event.Event) (json.RawMessage, error) {
			return json.RawMessage(`{"gathered":true}`), nil
		},
	})
	require.NoError(t, err)
	require.True(t, m.RequiresLocking(), "parallel chart requires locking")
	return m
}

func TestParallelRegionsAdvanceIndependently(t *testing.T) {
	m := parallelMachine(t)
	res, err := m.Step(nil, initEvent("subj", `{"delta":0}`))
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"gathering": map[string]any{"left": "waiting", "right": "waiting"},
	}, res.Snapshot.Value)

	left := event.New(event.Fields{Type: "evt.left.ready", Data: json.RawMessage(`{}`)})
	res, err = m.Step(res.Snapshot, left)
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"gathering": map[string]any{"left": "ready", "right": "waiting"},
	}, res.Snapshot.Value)
	require.False(t, res.Snapshot.Done)

	right := event.New(event.Fields{Type: "evt.right.ready", Data: json.RawMessage(`{}`)})
	res, err = m.Step(res.Snapshot, right)
	require.NoError(t, err)
	require.True(t, res.Snapshot.Done, "always-transition completes once both regions are ready")
	require.JSONEq(t, `{"gathered":true}`, string(res.Output))
}

func TestSnapshotSurvivesJSONRoundTrip(t *testing.T) {
	m := parallelMachine(t)
	res, err := m.Step(nil, initEvent("subj", `{"delta":0}`))
	require.NoError(t, err)

	raw, err := json.Marshal(res.Snapshot)
	require.NoError(t, err)
	var restored Snapshot
	require.NoError(t, json.Unmarshal(raw, &restored))

	left := event.New(event.Fields{Type: "evt.left.ready", Data: json.RawMessage(`{}`)})
	stepped, err := m.Step(&restored, left)
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"gathering": map[string]any{"left": "ready", "right": "waiting"},
	}, stepped.Snapshot.Value)
}

func TestValidateInputVerdicts(t *testing.T) {
	m := incrementMachine(t)

	verdict, err := m.ValidateInput(initEvent("subj", `{"delta":1}`))
	require.NoError(t, err)
	require.Equal(t, InputOK, verdict)

	verdict, _ = m.ValidateInput(initEvent("subj", `{"delta":"one"}`))
	require.Equal(t, InputInvalidData, verdict)

	verdict, err = m.ValidateInput(event.New(event.Fields{
		Type: "evt.number.increment.success",
		Data: json.RawMessage(`{"newValue":3}`),
	}))
	require.NoError(t, err)
	require.Equal(t, InputOK, verdict)

	verdict, _ = m.ValidateInput(event.New(event.Fields{
		Type: "evt.number.increment.success",
		Data: json.RawMessage(`{}`),
	}))
	require.Equal(t, InputInvalidData, verdict)

	verdict, err = m.ValidateInput(event.New(event.Fields{
		Type: "sys.com.number.increment.error",
		Data: json.RawMessage(`{"errorName":"Error","errorMessage":"x","errorStack":null}`),
	}))
	require.NoError(t, err)
	require.Equal(t, InputOK, verdict)

	verdict, _ = m.ValidateInput(event.New(event.Fields{
		Type: "com.never.heard.of",
		Data: json.RawMessage(`{}`),
	}))
	require.Equal(t, InputContractUnresolved, verdict)

	verdict, _ = m.ValidateInput(event.New(event.Fields{
		Type:       "evt.number.increment.success",
		DataSchema: "#/wrong/schema/9.9.9",
		Data:       json.RawMessage(`{"newValue":3}`),
	}))
	require.Equal(t, InputInvalid, verdict)
}
