package core

import "github.com/carbonetes/mltaskd/pkg/api"

// Publisher receives every task after a state change.
type Publisher interface {
	PublishTask(t Task)
}

type nopPublisher struct{}

func (nopPublisher) PublishTask(Task) {}

// View renders t as its JSON wire type.
func (t Task) View() api.Task {
	return api.Task{
		ID:             t.ID,
		TaskNameUser:   t.DisplayName,
		DatasetSize:    t.DatasetSize,
		LabelCount:     t.LabelCount,
		DataShape:      t.DataShape,
		CodeType:       string(t.CodeKind),
		CodeText:       t.CodeText,
		CodeFileName:   t.CodeFileName,
		SampleDataName: t.SampleDataName,
		Status:         api.TaskStatus(t.Status),
		StatusReason:   t.StatusReason,
		TaskName:       t.WorkloadName,
		CreatedAt:      t.CreatedAt,
		DispatchedAt:   t.DispatchedAt,
		CompletedAt:    t.CompletedAt,
	}
}

// Views renders a slice of tasks, never returning nil.
func Views(tasks []Task) []api.Task {
	out := make([]api.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.View())
	}
	return out
}
