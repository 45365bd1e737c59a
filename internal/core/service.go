package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carbonetes/mltaskd/internal/cluster"
	"github.com/carbonetes/mltaskd/internal/telemetry"
)

// ServiceConfig carries the dispatch settings taken from Config.
type ServiceConfig struct {
	Namespace       string
	DispatchTimeout time.Duration
	Concurrency     int
	Labels          map[string]string
}

type Option func(*Service)

func WithIDGenerator(g IDGenerator) Option { return func(s *Service) { s.ids = g } }
func WithClock(c Clock) Option             { return func(s *Service) { s.now = c } }
func WithPublisher(p Publisher) Option     { return func(s *Service) { s.events = p } }
func WithRetry(r cluster.RetryConfig) Option {
	return func(s *Service) { s.retry = r }
}
func WithArtifactKey(k ArtifactKeyFunc) Option { return func(s *Service) { s.key = k } }

// Service is the entrypoint used by the HTTP API and the CLI: it accepts
// submissions, dispatches them in the background and answers status queries.
type Service struct {
	repo       TaskRepository
	resolver   *Resolver
	dispatcher *Dispatcher
	events     Publisher

	ids   IDGenerator
	now   Clock
	retry cluster.RetryConfig
	key   ArtifactKeyFunc

	sem      chan struct{}
	wg       sync.WaitGroup
	inflight sync.Map
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewService(cfg ServiceConfig, repo TaskRepository, artifacts ArtifactStore, submitter cluster.Submitter, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, ErrStoreNil
	}
	if submitter == nil {
		return nil, ErrSubmitterNil
	}
	s := &Service{
		repo:   repo,
		events: nopPublisher{},
		ids:    UUIDGenerator{},
		now:    time.Now,
		retry:  cluster.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	s.resolver = NewResolver(repo, artifacts, s.ids, s.now, s.key)
	s.dispatcher = &Dispatcher{
		repo:      repo,
		artifacts: artifacts,
		submitter: submitter,
		namespace: cfg.Namespace,
		timeout:   cfg.DispatchTimeout,
		retry:     s.retry,
		labels:    cfg.Labels,
		now:       s.now,
		events:    s.events,
	}
	s.sem = make(chan struct{}, cfg.Concurrency)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Submit registers a task and starts its dispatch. The returned task is the
// durable ready record; the dispatch outcome is visible through later queries.
func (s *Service) Submit(ctx context.Context, sub Submission) (Task, error) {
	start := time.Now()
	t, err := s.resolver.Resolve(ctx, sub)
	if err != nil {
		telemetry.CounterGlobal("mltaskd_submissions_rejected", 1, map[string]string{
			"component": "service",
			"error":     errorKind(err),
		})
		return Task{}, err
	}
	telemetry.CounterGlobal("mltaskd_submissions_accepted", 1, map[string]string{"component": "service"})
	telemetry.TimerGlobal("mltaskd_submit_duration", time.Since(start), map[string]string{"component": "service"})
	s.events.PublishTask(t)
	s.dispatchAsync(t)
	return t, nil
}

// Dispatch runs the dispatch of a ready task synchronously.
func (s *Service) Dispatch(ctx context.Context, id string) (Task, error) {
	if !s.claim(id) {
		return Task{}, fmt.Errorf("%w: dispatch of %s already in progress", ErrNotDispatchable, id)
	}
	defer s.inflight.Delete(id)
	return s.dispatcher.Dispatch(ctx, Task{ID: id})
}

// claim marks id as owned by a dispatch. It reports false when another
// dispatch, queued or running, already holds it.
func (s *Service) claim(id string) bool {
	_, busy := s.inflight.LoadOrStore(id, struct{}{})
	return !busy
}

// InFlight reports whether a dispatch of id is queued or running.
func (s *Service) InFlight(id string) bool {
	_, ok := s.inflight.Load(id)
	return ok
}

// dispatchAsync claims t before it waits for a slot, so the reconciler never
// settles a task whose dispatch is only queued.
func (s *Service) dispatchAsync(t Task) {
	if !s.claim(t.ID) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inflight.Delete(t.ID)
		select {
		case s.sem <- struct{}{}:
		case <-s.ctx.Done():
			log.Warn().Str("task_id", t.ID).Msg("service closing, dispatch left to reconciler")
			return
		}
		defer func() { <-s.sem }()
		if _, err := s.dispatcher.Dispatch(s.ctx, t); err != nil {
			log.Debug().Err(err).Str("task_id", t.ID).Msg("async dispatch finished with error")
		}
	}()
}

// ListTasks returns every task, most recent first.
func (s *Service) ListTasks(ctx context.Context) ([]Task, error) {
	tasks, err := s.repo.ListOrderedByCreation(ctx)
	if err != nil {
		return nil, persistErr("list tasks", err)
	}
	if tasks == nil {
		tasks = []Task{}
	}
	return tasks, nil
}

func (s *Service) GetTask(ctx context.Context, id string) (Task, error) {
	return s.repo.Get(ctx, id)
}

// Ping reports whether the task store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Wait blocks until every background dispatch started so far has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close waits for in-flight dispatches until ctx ends, then stops new ones.
func (s *Service) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func errorKind(err error) string {
	var ve *ValidationError
	var pe *PersistenceError
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &pe):
		return "persistence"
	}
	return "unknown"
}
