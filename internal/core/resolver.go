package core

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Upload is a file received with a submission.
type Upload struct {
	Name    string
	Content []byte
}

// Submission holds the raw form fields of POST /api/tasks.
type Submission struct {
	DisplayName string
	DatasetSize string
	LabelCount  string
	CodeType    string
	CodeText    string
	DataShape   string
	CodeFile    *Upload
	SampleData  *Upload
}

// ArtifactStore keeps uploaded file bytes; tasks only hold the key.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// ArtifactKeyFunc maps a task id, upload field and file name to a storage
// key. Keys must differ per field.
type ArtifactKeyFunc func(taskID, field, fileName string) string

// Upload fields as they appear in artifact keys.
const (
	fieldCode   = "code"
	fieldSample = "sample"
)

// Resolver validates submissions and turns them into ready tasks.
type Resolver struct {
	repo      TaskRepository
	artifacts ArtifactStore
	ids       IDGenerator
	now       Clock
	key       ArtifactKeyFunc
}

func NewResolver(repo TaskRepository, artifacts ArtifactStore, ids IDGenerator, now Clock, key ArtifactKeyFunc) *Resolver {
	if ids == nil {
		ids = UUIDGenerator{}
	}
	if now == nil {
		now = time.Now
	}
	if key == nil {
		key = func(id, field, name string) string { return id + "/" + field + "/" + name }
	}
	return &Resolver{repo: repo, artifacts: artifacts, ids: ids, now: now, key: key}
}

// Validate checks every field and returns the task without id or timestamps.
func (r *Resolver) Validate(s Submission) (Task, error) {
	size, err := positiveInt("dataset_size", s.DatasetSize)
	if err != nil {
		return Task{}, err
	}
	labels, err := positiveInt("label_count", s.LabelCount)
	if err != nil {
		return Task{}, err
	}
	dims, err := ParseDataShape(s.DataShape)
	if err != nil {
		return Task{}, &ValidationError{Field: "data_shape", Value: s.DataShape, Message: err.Error()}
	}
	t := Task{
		DisplayName: strings.TrimSpace(s.DisplayName),
		DatasetSize: size,
		LabelCount:  labels,
		DataShape:   FormatDataShape(dims),
	}
	switch CodeKind(strings.TrimSpace(s.CodeType)) {
	case CodeInline:
		if strings.TrimSpace(s.CodeText) == "" {
			return Task{}, &ValidationError{Field: "codeText", Message: "code text is required when codeType is text"}
		}
		t.CodeKind = CodeInline
		t.CodeText = s.CodeText
	case CodeUpload:
		if s.CodeFile == nil || strings.TrimSpace(s.CodeFile.Name) == "" {
			return Task{}, &ValidationError{Field: "codeFile", Message: "a code file is required when codeType is file"}
		}
		if len(s.CodeFile.Content) == 0 {
			return Task{}, &ValidationError{Field: "codeFile", Value: s.CodeFile.Name, Message: "code file is empty"}
		}
		t.CodeKind = CodeUpload
		t.CodeFileName = s.CodeFile.Name
	default:
		return Task{}, &ValidationError{Field: "codeType", Value: s.CodeType, Message: "must be text or file"}
	}
	if s.SampleData != nil && s.SampleData.Name != "" {
		t.SampleDataName = s.SampleData.Name
	}
	return t, nil
}

// Resolve validates s, stores its uploads and persists a ready task. Nothing
// is written when validation fails.
func (r *Resolver) Resolve(ctx context.Context, s Submission) (Task, error) {
	t, err := r.Validate(s)
	if err != nil {
		return Task{}, err
	}
	t.ID = r.ids.NewID()
	t.Status = StatusReady
	t.CreatedAt = r.now().UTC()

	var written []string
	cleanup := func() {
		for _, k := range written {
			if err := r.artifacts.Delete(context.WithoutCancel(ctx), k); err != nil {
				log.Warn().Err(err).Str("key", k).Msg("failed to remove orphaned artifact")
			}
		}
	}
	put := func(field string, u *Upload) (string, error) {
		if r.artifacts == nil {
			return "", &PersistenceError{Op: "store artifact", Err: errors.New("no artifact store configured")}
		}
		k := r.key(t.ID, field, u.Name)
		if err := r.artifacts.Put(ctx, k, u.Content); err != nil {
			return "", &PersistenceError{Op: "store artifact", Err: err}
		}
		written = append(written, k)
		return k, nil
	}
	if t.CodeKind == CodeUpload {
		if t.CodeFileRef, err = put(fieldCode, s.CodeFile); err != nil {
			cleanup()
			return Task{}, err
		}
	}
	if t.SampleDataName != "" {
		if t.SampleDataRef, err = put(fieldSample, s.SampleData); err != nil {
			cleanup()
			return Task{}, err
		}
	}

	if err := r.repo.Create(ctx, t); err != nil {
		cleanup()
		return Task{}, persistErr("create task", err)
	}
	log.Info().
		Str("task_id", t.ID).
		Str("name", t.DisplayName).
		Str("code_type", string(t.CodeKind)).
		Msg("task registered")
	return t, nil
}

func positiveInt(field, raw string) (int, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return 0, &ValidationError{Field: field, Message: "is required"}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ValidationError{Field: field, Value: raw, Message: "must be an integer"}
	}
	if n <= 0 {
		return 0, &ValidationError{Field: field, Value: raw, Message: "must be greater than zero"}
	}
	return n, nil
}
