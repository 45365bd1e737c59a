// Package dryrun is a Submitter that accepts every workload without a
// cluster. It is meant for local development of the submission pipeline.
package dryrun

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/carbonetes/mltaskd/internal/cluster"
)

type Submitter struct {
	mu        sync.Mutex
	workloads map[string]cluster.Descriptor
	phase     cluster.Phase
}

// New returns a submitter whose workloads all report phase.
func New(phase cluster.Phase) *Submitter {
	return &Submitter{workloads: map[string]cluster.Descriptor{}, phase: phase}
}

func (s *Submitter) Name() string { return "dryrun" }

func (s *Submitter) Create(ctx context.Context, d cluster.Descriptor) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := d.Namespace + "/" + d.Name
	if _, ok := s.workloads[key]; ok {
		return "", &cluster.Error{Reason: cluster.ReasonConflict, Err: fmt.Errorf("workload %s already exists", key)}
	}
	s.workloads[key] = d
	log.Info().
		Str("workload", d.Name).
		Str("namespace", d.Namespace).
		Ints("datashape", d.DataShape).
		Int("dataset_size", d.DatasetSize).
		Int("label_count", d.LabelCount).
		Int("script_bytes", len(d.Script)).
		Msg("dry-run workload accepted")
	return d.Name, nil
}

func (s *Submitter) Status(ctx context.Context, namespace, name string) (cluster.WorkloadStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workloads[namespace+"/"+name]; !ok {
		return cluster.WorkloadStatus{}, fmt.Errorf("%w: %s/%s", cluster.ErrWorkloadNotFound, namespace, name)
	}
	return cluster.WorkloadStatus{Phase: s.phase}, nil
}

func (s *Submitter) Ping(ctx context.Context) error { return ctx.Err() }

// Len reports how many workloads were accepted.
func (s *Submitter) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workloads)
}
