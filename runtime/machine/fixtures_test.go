package machine

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arvoworks/arvo-go/runtime/contract"
	"github.com/arvoworks/arvo-go/runtime/event"
)

// Test fixtures shared across the package: a number-incrementing workflow
// with one service call and a completion output.

func selfContract(t *testing.T) *contract.Versioned {
	t.Helper()
	c, err := contract.NewOrchestrator(contract.Options{
		URI:               "#/test/orc",
		AcceptsType:       "arvo.orc.test",
		CompleteEventType: "arvo.orc.test.done",
		Versions: map[string]contract.VersionDef{
			"0.0.1": {
				Accepts: json.RawMessage(`{
					"type":"object",
					"properties":{"delta":{"type":"number"}},
					"required":["delta"]
				}`),
				Emits: map[string]json.RawMessage{
					"arvo.orc.test.done": json.RawMessage(`{
						"type":"object",
						"properties":{"final":{"type":"number"}},
						"required":["final"]
					}`),
				},
			},
		},
	})
	require.NoError(t, err)
	v, err := c.Version("0.0.1")
	require.NoError(t, err)
	return v
}

func incrementContract(t *testing.T, extraEmits ...string) *contract.Versioned {
	t.Helper()
	emits := map[string]json.RawMessage{
		"evt.number.increment.success": json.RawMessage(`{
			"type":"object",
			"properties":{"newValue":{"type":"number"}},
			"required":["newValue"]
		}`),
	}
	for _, et := range extraEmits {
		emits[et] = nil
	}
	c, err := contract.New(contract.Options{
		URI:         "#/test/service/increment",
		AcceptsType: "com.number.increment",
		Versions: map[string]contract.VersionDef{
			"0.0.1": {
				Accepts: json.RawMessage(`{
					"type":"object",
					"properties":{"delta":{"type":"number"}},
					"required":["delta"]
				}`),
				Emits: emits,
			},
		},
	})
	require.NoError(t, err)
	v, err := c.Version("0.0.1")
	require.NoError(t, err)
	return v
}

func incrementChart() *Chart {
	return &Chart{
		ID:      "increment",
		Initial: "awaiting",
		Context: map[string]any{"final": float64(0)},
		States: map[string]*State{
			"awaiting": {
				Entry: []string{"requestIncrement"},
				On: map[string][]Transition{
					"evt.number.increment.success": {
						{Target: "finished", Actions: []string{"recordResult", "announce"}},
					},
				},
			},
			"finished": {Kind: KindFinal},
		},
	}
}

func incrementActions() map[string]ActionFn {
	return map[string]ActionFn{
		"requestIncrement": func(ac *ActionCtx, e event.Event) error {
			var in struct {
				Delta float64 `json:"delta"`
			}
			if err := json.Unmarshal(e.Data, &in); err != nil {
				return fmt.Errorf("decode init payload: %w", err)
			}
			data, _ := json.Marshal(map[string]any{"delta": in.Delta})
			ac.Enqueue(event.Draft{Type: "com.number.increment", Data: data})
			return nil
		},
		"recordResult": func(ac *ActionCtx, e event.Event) error {
			var in struct {
				NewValue float64 `json:"newValue"`
			}
			if err := json.Unmarshal(e.Data, &in); err != nil {
				return fmt.Errorf("decode response payload: %w", err)
			}
			ac.Set("final", in.NewValue)
			return nil
		},
		"announce": func(ac *ActionCtx, _ event.Event) error {
			v, _ := ac.Get("final")
			data, _ := json.Marshal(map[string]any{"value": v})
			ac.Enqueue(event.Draft{Type: "notif.number.updated", Data: data})
			return nil
		},
	}
}

func incrementOutput(ctx map[string]any, _ event.Event) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"final": ctx["final"]})
}

func incrementMachine(t *testing.T) *Machine {
	t.Helper()
	m, err := NewMachine(Options{
		ID:      "increment",
		Version: "0.0.1",
		Self:    selfContract(t),
		Services: map[string]*contract.Versioned{
			"increment": incrementContract(t),
		},
		Chart:   incrementChart(),
		Actions: incrementActions(),
		Output:  incrementOutput,
	})
	require.NoError(t, err)
	return m
}

func initEvent(subj string, data string) event.Event {
	return event.New(event.Fields{
		Type:    "arvo.orc.test",
		Source:  "com.test.service",
		Subject: subj,
		Data:    json.RawMessage(data),
	})
}
