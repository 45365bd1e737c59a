package api

import "time"

// v1 contains the JSON types exchanged with the task API and the websocket
// notifier.

type Task struct {
	ID             string     `json:"id"`
	TaskNameUser   string     `json:"taskname_user,omitempty"`
	DatasetSize    int        `json:"dataset_size"`
	LabelCount     int        `json:"label_count"`
	DataShape      string     `json:"data_shape"`
	CodeType       string     `json:"codeType"`
	CodeText       string     `json:"codeText,omitempty"`
	CodeFileName   string     `json:"codeFileName,omitempty"`
	SampleDataName string     `json:"sampleDataName,omitempty"`
	Status         TaskStatus `json:"status"`
	StatusReason   string     `json:"status_reason,omitempty"`
	TaskName       string     `json:"task_name,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	DispatchedAt   *time.Time `json:"dispatched_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

type TaskStatus string

const (
	TaskReady      TaskStatus = "ready"
	TaskDispatched TaskStatus = "dispatched"
	TaskRunning    TaskStatus = "running"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

type CreateTaskResponse struct {
	Message string `json:"message"`
	NewTask Task   `json:"newTask"`
}

type ListTasksResponse struct {
	Tasks []Task `json:"tasks"`
}

type ErrorResponse struct {
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Error   string `json:"error,omitempty"`
}

type EventType string

const (
	EventConnected EventType = "connected"
	EventTask      EventType = "task"
)

// Event is pushed over the websocket notifier.
type Event struct {
	Type EventType `json:"type"`
	ID   string    `json:"id,omitempty"`
	Time time.Time `json:"time"`
	Task *Task     `json:"task,omitempty"`
}
