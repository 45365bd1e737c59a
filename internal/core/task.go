package core

import "time"

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusReady      Status = "ready"
	StatusDispatched Status = "dispatched"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// CodeKind selects which of CodeText / CodeFileName carries the payload.
type CodeKind string

const (
	CodeInline CodeKind = "text"
	CodeUpload CodeKind = "file"
)

// Task is a submitted training job and its lifecycle state.
type Task struct {
	ID          string
	DisplayName string
	DatasetSize int
	LabelCount  int
	// DataShape is stored in canonical form, e.g. "3,32,32".
	DataShape string

	CodeKind       CodeKind
	CodeText       string
	CodeFileName   string
	CodeFileRef    string
	SampleDataName string
	SampleDataRef  string

	Status       Status
	StatusReason string
	WorkloadName string

	CreatedAt    time.Time
	DispatchedAt *time.Time
	CompletedAt  *time.Time
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// rank orders the forward path; failed sits outside it.
func (s Status) rank() int {
	switch s {
	case StatusReady:
		return 0
	case StatusDispatched:
		return 1
	case StatusRunning:
		return 2
	case StatusCompleted:
		return 3
	}
	return -1
}

// CanTransition reports whether from -> to is a legal move. Status only moves
// forward; failed is reachable from any non-terminal state.
func CanTransition(from, to Status) bool {
	if from.Terminal() || from == to {
		return false
	}
	switch to {
	case StatusFailed:
		return true
	case StatusDispatched:
		return from == StatusReady
	case StatusRunning, StatusCompleted:
		// only via the cluster, i.e. after dispatch
		return from.rank() >= StatusDispatched.rank() && to.rank() > from.rank()
	}
	return false
}

// predecessors lists every state that may legally move to s.
func predecessors(s Status) []Status {
	var out []Status
	for _, from := range []Status{StatusReady, StatusDispatched, StatusRunning, StatusCompleted, StatusFailed} {
		if CanTransition(from, s) {
			out = append(out, from)
		}
	}
	return out
}

// Payload returns the inline code for CodeInline tasks. Uploaded code is
// resolved through an artifact store by the Dispatcher.
func (t Task) Payload() (string, bool) {
	if t.CodeKind == CodeInline {
		return t.CodeText, true
	}
	return "", false
}
