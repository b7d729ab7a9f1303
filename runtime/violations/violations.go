// Package violations defines the infrastructure error taxonomy shared by the
// orchestrator pipelines. Violations are raised to the caller and are never
// converted into workflow events: they indicate that continuing would risk
// state corruption or that the deployment is misconfigured.
//
// Every other error produced between machine resolution and state persistence
// is a workflow error and is returned to the event flow as a system-error
// event instead.
package violations

import (
	"errors"
	"fmt"
)

type (
	// TransactionCause classifies a TransactionViolation.
	TransactionCause string

	// TransactionViolation reports a failure of the subject/lock/state
	// resource: a malformed subject, or a lock/read/write failure at the
	// memory backend.
	TransactionViolation struct {
		// Cause identifies which resource step failed.
		Cause TransactionCause
		// Subject is the workflow subject involved, when known.
		Subject string
		// Err carries the backend error, nil for pure protocol failures
		// such as lock contention.
		Err error
	}

	// ConfigViolation reports a deployment configuration gap: no machine or
	// handler registered for a resolved (name, version), or an event type
	// that no registered contract accounts for.
	ConfigViolation struct {
		// Msg describes the configuration gap.
		Msg string
		// Err carries an underlying cause, if any.
		Err error
	}

	// ContractViolation reports a payload that fails schema validation on
	// ingress or on emit.
	ContractViolation struct {
		// EventType is the event type whose payload failed validation.
		EventType string
		// Msg describes the validation failure.
		Msg string
		// Err carries the schema validator error, if any.
		Err error
	}

	// ExecutionViolation reports a broken invariant mid-pipeline: a bad
	// parent subject at emit time, an engine step that panicked, or an
	// initialization event of the wrong type reaching the engine.
	ExecutionViolation struct {
		// Msg describes the broken invariant.
		Msg string
		// Err carries an underlying cause, if any.
		Err error
	}
)

const (
	// TransactionInvalidSubject means the event subject failed validation.
	TransactionInvalidSubject TransactionCause = "INVALID_SUBJECT"
	// TransactionLockFailure means the backend lock call itself failed.
	TransactionLockFailure TransactionCause = "LOCK_FAILURE"
	// TransactionLockUnacquired means another invocation holds the lock.
	TransactionLockUnacquired TransactionCause = "LOCK_UNACQUIRED"
	// TransactionReadFailure means the backend read failed hard.
	TransactionReadFailure TransactionCause = "READ_FAILURE"
	// TransactionWriteFailure means the backend write failed.
	TransactionWriteFailure TransactionCause = "WRITE_FAILURE"
)

var (
	// ErrTransaction matches all TransactionViolation instances via errors.Is.
	ErrTransaction = errors.New("transaction violation")
	// ErrConfig matches all ConfigViolation instances via errors.Is.
	ErrConfig = errors.New("config violation")
	// ErrContract matches all ContractViolation instances via errors.Is.
	ErrContract = errors.New("contract violation")
	// ErrExecution matches all ExecutionViolation instances via errors.Is.
	ErrExecution = errors.New("execution violation")
)

// Transaction builds a TransactionViolation.
func Transaction(cause TransactionCause, subj string, err error) *TransactionViolation {
	return &TransactionViolation{Cause: cause, Subject: subj, Err: err}
}

// Config builds a ConfigViolation.
func Config(format string, args ...any) *ConfigViolation {
	return &ConfigViolation{Msg: fmt.Sprintf(format, args...)}
}

// Contract builds a ContractViolation for the given event type.
func Contract(eventType, msg string, err error) *ContractViolation {
	return &ContractViolation{EventType: eventType, Msg: msg, Err: err}
}

// Execution builds an ExecutionViolation.
func Execution(msg string, err error) *ExecutionViolation {
	return &ExecutionViolation{Msg: msg, Err: err}
}

// IsViolation reports whether err belongs to the infrastructure taxonomy and
// must therefore propagate to the caller instead of becoming a system-error
// event.
func IsViolation(err error) bool {
	return errors.Is(err, ErrTransaction) ||
		errors.Is(err, ErrConfig) ||
		errors.Is(err, ErrContract) ||
		errors.Is(err, ErrExecution)
}

// Error returns the violation rendered with its cause.
func (v *TransactionViolation) Error() string {
	msg := fmt.Sprintf("transaction violation (%s)", v.Cause)
	if v.Subject != "" {
		msg += " on subject " + v.Subject
	}
	if v.Err != nil {
		msg += ": " + v.Err.Error()
	}
	return msg
}

// Unwrap exposes the backend cause.
func (v *TransactionViolation) Unwrap() error { return v.Err }

// Is allows errors.Is(err, ErrTransaction).
func (v *TransactionViolation) Is(target error) bool { return target == ErrTransaction }

// Error returns the configuration gap description.
func (v *ConfigViolation) Error() string {
	if v.Err != nil {
		return "config violation: " + v.Msg + ": " + v.Err.Error()
	}
	return "config violation: " + v.Msg
}

// Unwrap exposes the underlying cause.
func (v *ConfigViolation) Unwrap() error { return v.Err }

// Is allows errors.Is(err, ErrConfig).
func (v *ConfigViolation) Is(target error) bool { return target == ErrConfig }

// Error returns the validation failure description.
func (v *ContractViolation) Error() string {
	msg := "contract violation"
	if v.EventType != "" {
		msg += " for event type " + v.EventType
	}
	if v.Msg != "" {
		msg += ": " + v.Msg
	}
	if v.Err != nil {
		msg += ": " + v.Err.Error()
	}
	return msg
}

// Unwrap exposes the schema validator error.
func (v *ContractViolation) Unwrap() error { return v.Err }

// Is allows errors.Is(err, ErrContract).
func (v *ContractViolation) Is(target error) bool { return target == ErrContract }

// Error returns the broken invariant description.
func (v *ExecutionViolation) Error() string {
	if v.Err != nil {
		return "execution violation: " + v.Msg + ": " + v.Err.Error()
	}
	return "execution violation: " + v.Msg
}

// Unwrap exposes the underlying cause.
func (v *ExecutionViolation) Unwrap() error { return v.Err }

// Is allows errors.Is(err, ErrExecution).
func (v *ExecutionViolation) Is(target error) bool { return target == ErrExecution }
