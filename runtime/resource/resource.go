// Package resource wraps a memory.Store with the subject/lock/state
// discipline the pipelines rely on: validate the subject before any backend
// access, fail fast on acquire, stay tolerant on release, and translate
// backend failures into the transaction violation taxonomy.
package resource

import (
	"context"

	"github.com/arvoworks/arvo-go/runtime/memory"
	"github.com/arvoworks/arvo-go/runtime/subject"
	"github.com/arvoworks/arvo-go/runtime/telemetry"
	"github.com/arvoworks/arvo-go/runtime/violations"
)

type (
	// LockStatus is the outcome of AcquireLock, to be handed back verbatim
	// to ReleaseLock.
	LockStatus string

	// Resource coordinates subject validation, locking, and state access
	// for one orchestrator.
	Resource struct {
		store           memory.Store
		requiresLocking bool
		log             telemetry.Logger
	}

	// Options configures New.
	Options struct {
		// Store is the persistence backend. Required.
		Store memory.Store
		// RequiresLocking enables per-subject locks. When false, lock
		// acquisition and release are no-ops reporting LockNoop.
		RequiresLocking bool
		// Logger receives release-path diagnostics. Defaults to no-op.
		Logger telemetry.Logger
	}
)

const (
	// LockAcquired means this invocation holds the subject lock.
	LockAcquired LockStatus = "ACQUIRED"
	// LockNotAcquired means another invocation holds the subject lock.
	LockNotAcquired LockStatus = "NOT_ACQUIRED"
	// LockNoop means locking is disabled for this orchestrator.
	LockNoop LockStatus = "NOOP"
	// LockNone is the zero status, safe to release.
	LockNone LockStatus = ""
)

// New builds a Resource over the given store.
func New(opts Options) *Resource {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Resource{store: opts.Store, requiresLocking: opts.RequiresLocking, log: logger}
}

// RequiresLocking reports whether the resource acquires real locks.
func (r *Resource) RequiresLocking() bool { return r.requiresLocking }

// ValidateSubject checks that subj parses as a workflow subject. Failure is
// a TransactionViolation(INVALID_SUBJECT).
func (r *Resource) ValidateSubject(subj string) error {
	if _, err := subject.Parse(subj); err != nil {
		return violations.Transaction(violations.TransactionInvalidSubject, subj, err)
	}
	return nil
}

// AcquireLock acquires the subject lock. A backend failure is a
// TransactionViolation(LOCK_FAILURE); contention is a
// TransactionViolation(LOCK_UNACQUIRED) returned alongside LockNotAcquired.
func (r *Resource) AcquireLock(ctx context.Context, subj string) (LockStatus, error) {
	if !r.requiresLocking {
		return LockNoop, nil
	}
	ok, err := r.store.Lock(ctx, subj)
	if err != nil {
		return LockNotAcquired, violations.Transaction(violations.TransactionLockFailure, subj, err)
	}
	if !ok {
		return LockNotAcquired, violations.Transaction(violations.TransactionLockUnacquired, subj, nil)
	}
	return LockAcquired, nil
}

// AcquireState reads the record for subj, returning nil when the workflow
// has no prior state. A backend failure is a
// TransactionViolation(READ_FAILURE).
func (r *Resource) AcquireState(ctx context.Context, subj string) (*memory.Record, error) {
	rec, err := r.store.Read(ctx, subj)
	if err != nil {
		return nil, violations.Transaction(violations.TransactionReadFailure, subj, err)
	}
	return rec, nil
}

// PersistState writes the record for subj. A backend failure is a
// TransactionViolation(WRITE_FAILURE). No retries: a failed write means the
// invocation must surface the violation rather than risk divergent state.
func (r *Resource) PersistState(ctx context.Context, subj string, rec, prev *memory.Record) error {
	if err := r.store.Write(ctx, subj, rec, prev); err != nil {
		return violations.Transaction(violations.TransactionWriteFailure, subj, err)
	}
	return nil
}

// ReleaseLock releases the subject lock. Safe to call with any status
// (including LockNone); it only touches the backend when this invocation
// actually acquired the lock. Backend failures are logged, never propagated:
// the TTL is the backstop.
func (r *Resource) ReleaseLock(ctx context.Context, subj string, status LockStatus) {
	if status != LockAcquired {
		return
	}
	released, err := r.store.Unlock(ctx, subj)
	if err != nil {
		r.log.Error(ctx, "failed to release subject lock; TTL will reclaim it",
			"subject", subj, "error", err)
		return
	}
	if !released {
		r.log.Warn(ctx, "subject lock already released", "subject", subj)
	}
}
