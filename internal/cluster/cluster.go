// Package cluster submits MLTask workload objects to a cluster control plane
// and reads their status back.
package cluster

import (
	"context"
	"errors"
	"fmt"
)

// Descriptor is the workload object built from a task.
type Descriptor struct {
	Name        string
	Namespace   string
	DataShape   []int
	DatasetSize int
	LabelCount  int
	Script      string
	Labels      map[string]string
}

// Phase is the workload phase reported by the cluster operator.
type Phase string

const (
	PhaseUnknown   Phase = ""
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// WorkloadStatus is the observed state of a workload object.
type WorkloadStatus struct {
	Phase   Phase
	Message string
}

// Submitter creates workload objects and observes them.
type Submitter interface {
	Name() string
	// Create submits d and returns the name of the created object.
	Create(ctx context.Context, d Descriptor) (string, error)
	Status(ctx context.Context, namespace, name string) (WorkloadStatus, error)
}

// Pinger is implemented by submitters that can probe the control plane.
type Pinger interface {
	Ping(ctx context.Context) error
}

var ErrWorkloadNotFound = errors.New("workload not found")

// Reason classifies a failed cluster call.
type Reason string

const (
	ReasonConflict     Reason = "conflict"
	ReasonInvalid      Reason = "invalid"
	ReasonUnauthorized Reason = "unauthorized"
	ReasonTimeout      Reason = "timeout"
	ReasonUnavailable  Reason = "unavailable"
	ReasonUnknown      Reason = "unknown"
)

// Error carries the classification of a failed cluster call.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Reason, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// ReasonOf extracts the classification from err.
func ReasonOf(err error) Reason {
	var ce *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return ce.Reason
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	}
	return ReasonUnknown
}

// NormalizePhase maps operator phase strings onto Phase. Anything before
// training actually starts, "dispatched" included, is PhaseUnknown.
func NormalizePhase(s string) Phase {
	switch s {
	case "running", "Running", "started":
		return PhaseRunning
	case "completed", "Completed", "succeeded", "Succeeded", "done":
		return PhaseCompleted
	case "failed", "Failed", "error", "Error":
		return PhaseFailed
	}
	return PhaseUnknown
}
