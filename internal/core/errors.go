package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrNotDispatchable   = errors.New("task is not in ready state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStoreNil          = errors.New("task repository is nil")
	ErrSubmitterNil      = errors.New("cluster submitter is nil")
)

// ValidationError rejects a submission field before anything is written.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%q: %s", e.Field, e.Value, e.Message)
}

// PersistenceError wraps a failed Task Store operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// DispatchReason classifies why the cluster refused or failed a workload.
type DispatchReason string

const (
	ReasonConflict     DispatchReason = "conflict"
	ReasonInvalid      DispatchReason = "invalid"
	ReasonUnauthorized DispatchReason = "unauthorized"
	ReasonTimeout      DispatchReason = "timeout"
	ReasonUnavailable  DispatchReason = "unavailable"
	ReasonPayload      DispatchReason = "payload"
	ReasonUnknown      DispatchReason = "unknown"
)

// DispatchError is recorded on the task; it never rolls back the record.
type DispatchError struct {
	TaskID   string
	Workload string
	Reason   DispatchReason
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s (%s): %s: %v", e.Workload, e.TaskID, e.Reason, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
