package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carbonetes/mltaskd/internal/cluster"
	"github.com/carbonetes/mltaskd/internal/telemetry"
)

// outcomeTimeout bounds the store write that records a dispatch result.
const outcomeTimeout = 15 * time.Second

// Dispatcher materializes ready tasks as cluster workloads.
type Dispatcher struct {
	repo      TaskRepository
	artifacts ArtifactStore
	submitter cluster.Submitter
	namespace string
	timeout   time.Duration
	retry     cluster.RetryConfig
	labels    map[string]string
	now       Clock
	events    Publisher
}

// Dispatch submits t to the cluster exactly once and records the outcome.
// A *DispatchError is returned when the cluster call fails; the task is then
// failed with the error as its reason. The record is never rolled back.
func (d *Dispatcher) Dispatch(ctx context.Context, t Task) (Task, error) {
	cur, err := d.repo.Get(ctx, t.ID)
	if err != nil {
		return t, persistErr("get task", err)
	}
	t = cur
	if t.Status != StatusReady {
		return t, fmt.Errorf("%w: task %s is %s", ErrNotDispatchable, t.ID, t.Status)
	}
	start := time.Now()
	name, desc, dErr := d.describe(ctx, t)
	if dErr == nil {
		cctx, cancel := context.WithTimeout(ctx, d.timeout)
		created, err := d.submitter.Create(cctx, desc)
		cancel()
		if err != nil {
			reason := DispatchReason(cluster.ReasonOf(err))
			if errors.Is(cctx.Err(), context.DeadlineExceeded) {
				reason = ReasonTimeout
			}
			dErr = &DispatchError{TaskID: t.ID, Workload: name, Reason: reason, Err: err}
		} else if created != "" && created != name {
			log.Warn().Str("task_id", t.ID).Str("expected", name).Str("created", created).Msg("cluster renamed workload")
		}
	}

	telemetry.TimerGlobal("mltaskd_dispatch_duration", time.Since(start), map[string]string{
		"component": "dispatcher",
		"driver":    d.submitter.Name(),
	})

	if dErr != nil {
		telemetry.CounterGlobal("mltaskd_dispatch_total", 1, map[string]string{
			"component": "dispatcher",
			"result":    "failed",
			"reason":    string(dErr.Reason),
		})
		log.Error().Err(dErr.Err).Str("task_id", t.ID).Str("workload", name).Str("reason", string(dErr.Reason)).Msg("dispatch failed")

		failed, err := d.record(ctx, "mark failed", func(ctx context.Context) (Task, error) {
			return d.repo.UpdateStatus(ctx, t.ID, StatusFailed, dErr.Error(), d.now())
		})
		if err != nil {
			return t, errors.Join(dErr, err)
		}
		d.events.PublishTask(failed)
		return failed, dErr
	}

	telemetry.CounterGlobal("mltaskd_dispatch_total", 1, map[string]string{
		"component": "dispatcher",
		"result":    "dispatched",
	})

	dispatched, err := d.record(ctx, "mark dispatched", func(ctx context.Context) (Task, error) {
		return d.repo.MarkDispatched(ctx, t.ID, name, d.now())
	})
	if errors.Is(err, ErrInvalidTransition) && dispatched.WorkloadName == name {
		// the reconciler observed the workload first
		err = nil
	}
	if err != nil {
		// The workload exists but the record still says ready; the reconciler
		// adopts it on its next pass.
		log.Error().Err(err).Str("task_id", t.ID).Str("workload", name).Msg("workload created but dispatch outcome not recorded")
		return t, err
	}
	log.Info().Str("task_id", t.ID).Str("workload", name).Str("namespace", d.namespace).Msg("task dispatched")
	d.events.PublishTask(dispatched)
	return dispatched, nil
}

// describe derives the workload name and builds the descriptor.
func (d *Dispatcher) describe(ctx context.Context, t Task) (string, cluster.Descriptor, *DispatchError) {
	name, err := WorkloadName(t.ID)
	if err != nil {
		return "", cluster.Descriptor{}, &DispatchError{TaskID: t.ID, Reason: ReasonInvalid, Err: err}
	}
	fail := func(reason DispatchReason, err error) (string, cluster.Descriptor, *DispatchError) {
		return name, cluster.Descriptor{}, &DispatchError{TaskID: t.ID, Workload: name, Reason: reason, Err: err}
	}
	script, ok := t.Payload()
	if !ok {
		if d.artifacts == nil {
			return fail(ReasonPayload, errors.New("no artifact store configured"))
		}
		data, err := d.artifacts.Get(ctx, t.CodeFileRef)
		if err != nil {
			return fail(ReasonPayload, fmt.Errorf("read code file %s: %w", t.CodeFileName, err))
		}
		script = string(data)
	}
	shape, err := ParseDataShape(t.DataShape)
	if err != nil {
		return fail(ReasonInvalid, err)
	}
	labels := map[string]string{"mltask": "true", "mltaskd/task-id": t.ID}
	for k, v := range d.labels {
		labels[k] = v
	}
	return name, cluster.Descriptor{
		Name:        name,
		Namespace:   d.namespace,
		DataShape:   shape,
		DatasetSize: t.DatasetSize,
		LabelCount:  t.LabelCount,
		Script:      script,
		Labels:      labels,
	}, nil
}

// record persists a dispatch outcome. It runs on a context detached from the
// caller so an expired request or dispatch deadline cannot drop the write.
func (d *Dispatcher) record(ctx context.Context, op string, fn func(context.Context) (Task, error)) (Task, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
	defer cancel()
	var out Task
	err := cluster.Retry(wctx, d.retry, op, retryableStoreErr, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

func retryableStoreErr(err error) bool {
	return !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrNotFound)
}
