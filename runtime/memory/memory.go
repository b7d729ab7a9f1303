// Package memory defines the persistence contract for workflow state. The
// Store interface is backend-agnostic; memory/inmem provides an in-process
// implementation for tests and local development, features/memory/redis and
// features/memory/bolt provide durable backends.
//
// The discipline mandated of every implementation: fail fast on acquire
// (lock, read, write — bounded retries at most, no masking), be tolerant on
// release, and pair every lock with a finite TTL so that a crashed holder
// cannot deadlock a subject forever.
package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arvoworks/arvo-go/runtime/event"
)

type (
	// Status is the lifecycle state of a workflow record.
	Status string

	// Record is the per-subject persisted state of one workflow instance.
	// It is JSON-serializable; backward-compatible field additions are
	// permitted.
	Record struct {
		// InitEventID is the ID of the event that started the workflow.
		// Stable across the workflow's life.
		InitEventID string `json:"initEventId"`
		// Subject names the workflow instance this record belongs to.
		Subject string `json:"subject"`
		// ParentSubject is the subject of the calling orchestration, empty
		// for root workflows.
		ParentSubject string `json:"parentSubject,omitempty"`
		// Status is active while the workflow can still advance, done once
		// it has produced its final output.
		Status Status `json:"status"`
		// Value is the workflow's current state value (e.g. the state-chart
		// configuration), opaque to the store.
		Value json.RawMessage `json:"value,omitempty"`
		// State is the full opaque state snapshot, including context.
		State json.RawMessage `json:"state,omitempty"`
		// Events tracks the event traffic of the workflow.
		Events Events `json:"events"`
		// MachineDefinition optionally carries the serialized workflow
		// definition for audit.
		MachineDefinition string `json:"machineDefinition,omitempty"`
	}

	// Events groups the consumed/produced/expected event bookkeeping of a
	// record.
	Events struct {
		// Consumed is the last event the workflow consumed.
		Consumed *event.Event `json:"consumed,omitempty"`
		// Produced maps produced event IDs to the event and its domains.
		Produced map[string]Produced `json:"produced,omitempty"`
		// Expected maps produced event IDs to the response events collected
		// for them so far. Used by the resumable pipeline only.
		Expected map[string][]event.Event `json:"expected,omitempty"`
	}

	// Produced is one produced event together with its domain tags.
	Produced struct {
		Event   event.Event `json:"event"`
		Domains []string    `json:"domains"`
	}

	// Store is the backend contract keyed by subject. Read returns
	// (nil, nil) when no record exists. Write replaces the record; prev is
	// the record the writer read, for backends that implement
	// compare-and-swap. Lock returns false (without error) when another
	// holder owns the subject. Unlock failures are tolerated by callers;
	// the lock must also expire on its own via TTL.
	Store interface {
		Read(ctx context.Context, id string) (*Record, error)
		Write(ctx context.Context, id string, rec *Record, prev *Record) error
		Lock(ctx context.Context, id string) (bool, error)
		Unlock(ctx context.Context, id string) (bool, error)
	}
)

const (
	// StatusActive marks a workflow that can still advance.
	StatusActive Status = "active"
	// StatusDone marks a terminal workflow.
	StatusDone Status = "done"
)

// Clone returns a deep copy of the record via its JSON form, guaranteeing
// that no mutation of the copy reaches the original.
func (r *Record) Clone() (*Record, error) {
	if r == nil {
		return nil, nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	var c Record
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &c, nil
}
