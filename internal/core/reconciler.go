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

// ReconcilerConfig controls the status poll-back loop.
type ReconcilerConfig struct {
	Interval time.Duration
	// ReadyGrace is how long a ready task may wait for its dispatch before
	// the reconciler settles it.
	ReadyGrace time.Duration
}

// Reconciler polls cluster workloads and moves tasks forward to running,
// completed or failed. It also settles ready tasks whose dispatch outcome was
// never recorded.
type Reconciler struct {
	cfg       ReconcilerConfig
	repo      TaskRepository
	submitter cluster.Submitter
	namespace string
	now       Clock
	events    Publisher
	inflight  func(id string) bool
}

// NewReconciler builds a reconciler sharing the service's store, cluster
// driver and publisher.
func (s *Service) NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.ReadyGrace <= 0 {
		cfg.ReadyGrace = 2 * time.Minute
	}
	return &Reconciler{
		cfg:       cfg,
		repo:      s.repo,
		submitter: s.dispatcher.submitter,
		namespace: s.dispatcher.namespace,
		now:       s.now,
		events:    s.events,
		inflight:  s.InFlight,
	}
}

// Run reconciles every interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	log.Info().Dur("interval", r.cfg.Interval).Msg("status reconciler started")
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := r.ReconcileOnce(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("reconcile pass failed")
				continue
			}
			if n > 0 {
				log.Debug().Int("transitions", n).Msg("reconcile pass done")
			}
		}
	}
}

// ReconcileOnce performs a single pass and returns the number of tasks it
// moved.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	tasks, err := r.repo.ListByStatus(ctx, StatusReady, StatusDispatched, StatusRunning)
	if err != nil {
		return 0, err
	}
	moved := 0
	var errs []error
	for _, t := range tasks {
		changed, err := r.reconcile(ctx, t)
		if err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", t.ID, err))
			continue
		}
		if changed {
			moved++
		}
	}
	telemetry.GaugeGlobal("mltaskd_reconcile_active_tasks", float64(len(tasks)), map[string]string{"component": "reconciler"})
	return moved, errors.Join(errs...)
}

func (r *Reconciler) reconcile(ctx context.Context, t Task) (bool, error) {
	name := t.WorkloadName
	if t.Status == StatusReady {
		if r.now().Sub(t.CreatedAt) < r.cfg.ReadyGrace {
			return false, nil
		}
		// the dispatch owns the task until it records an outcome
		if r.inflight != nil && r.inflight(t.ID) {
			return false, nil
		}
		var err error
		if name, err = WorkloadName(t.ID); err != nil {
			return r.apply(ctx, t, StatusFailed, err.Error())
		}
	}

	st, err := r.submitter.Status(ctx, r.namespace, name)
	if errors.Is(err, cluster.ErrWorkloadNotFound) {
		if t.Status == StatusReady {
			return r.apply(ctx, t, StatusFailed, "dispatch interrupted before the workload was created")
		}
		return r.apply(ctx, t, StatusFailed, fmt.Sprintf("workload %s no longer exists", name))
	}
	if err != nil {
		return false, err
	}

	adopted := false
	if t.Status == StatusReady {
		updated, err := r.repo.MarkDispatched(ctx, t.ID, name, r.now())
		if err != nil {
			return false, ignoreRace(err)
		}
		log.Info().Str("task_id", t.ID).Str("workload", name).Msg("adopted existing workload")
		r.events.PublishTask(updated)
		t = updated
		adopted = true
	}

	var to Status
	reason := ""
	switch st.Phase {
	case cluster.PhaseRunning:
		if t.Status == StatusDispatched {
			to = StatusRunning
		}
	case cluster.PhaseCompleted:
		to = StatusCompleted
	case cluster.PhaseFailed:
		to, reason = StatusFailed, "workload failed"
		if st.Message != "" {
			reason += ": " + st.Message
		}
	}
	if to == "" {
		return adopted, nil
	}
	changed, err := r.apply(ctx, t, to, reason)
	return changed || adopted, err
}

func (r *Reconciler) apply(ctx context.Context, t Task, to Status, reason string) (bool, error) {
	updated, err := r.repo.UpdateStatus(ctx, t.ID, to, reason, r.now())
	if err != nil {
		return false, ignoreRace(err)
	}
	log.Info().Str("task_id", t.ID).Str("from", string(t.Status)).Str("to", string(to)).Str("reason", reason).Msg("task status reconciled")
	telemetry.CounterGlobal("mltaskd_reconcile_transitions", 1, map[string]string{
		"component": "reconciler",
		"to":        string(to),
	})
	r.events.PublishTask(updated)
	return true, nil
}

// ignoreRace drops transition conflicts: another writer already moved the
// task and the next pass will see the new state.
func ignoreRace(err error) error {
	if errors.Is(err, ErrInvalidTransition) {
		return nil
	}
	return err
}
