package cluster

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type stubSubmitter struct{ name string }

func (s stubSubmitter) Name() string { return s.name }
func (s stubSubmitter) Create(ctx context.Context, d Descriptor) (string, error) {
	return d.Name, nil
}
func (s stubSubmitter) Status(ctx context.Context, ns, name string) (WorkloadStatus, error) {
	return WorkloadStatus{}, nil
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register("stub", func() (Submitter, error) { return stubSubmitter{name: "stub"}, nil })
	reg.Register("broken", func() (Submitter, error) { return nil, errors.New("no credentials") })

	s, err := reg.Get("stub")
	if err != nil || s.Name() != "stub" {
		t.Fatalf("get stub: %v", err)
	}
	if _, err := reg.Get("broken"); err == nil {
		t.Fatalf("expected factory error")
	}
	if _, err := reg.Get("missing"); err == nil {
		t.Fatalf("expected unregistered error")
	}
	if names := reg.Names(); len(names) != 2 || names[0] != "broken" {
		t.Fatalf("names %v", names)
	}
}

func TestReasonOf(t *testing.T) {
	cases := []struct {
		err  error
		want Reason
	}{
		{nil, ""},
		{&Error{Reason: ReasonConflict, Err: errors.New("exists")}, ReasonConflict},
		{fmt.Errorf("wrapped: %w", &Error{Reason: ReasonInvalid, Err: errors.New("bad")}), ReasonInvalid},
		{context.DeadlineExceeded, ReasonTimeout},
		{errors.New("boom"), ReasonUnknown},
	}
	for _, c := range cases {
		if got := ReasonOf(c.err); got != c.want {
			t.Errorf("ReasonOf(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestNormalizePhase(t *testing.T) {
	cases := map[string]Phase{
		"running":    PhaseRunning,
		"Succeeded":  PhaseCompleted,
		"completed":  PhaseCompleted,
		"Failed":     PhaseFailed,
		"":           PhaseUnknown,
		"pending":    PhaseUnknown,
		"dispatched": PhaseUnknown,
	}
	for in, want := range cases {
		if got := NormalizePhase(in); got != want {
			t.Errorf("NormalizePhase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRetry(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}

	calls := 0
	err := Retry(context.Background(), cfg, "flaky", nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}

	calls = 0
	permanent := errors.New("permanent")
	err = Retry(context.Background(), cfg, "permanent", func(error) bool { return false }, func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestDelayIsCapped(t *testing.T) {
	cfg := RetryConfig{InitialDelay: time.Second, MaxDelay: 2 * time.Second, BackoffFactor: 10}
	for attempt := 0; attempt < 5; attempt++ {
		if d := cfg.Delay(attempt); d > cfg.MaxDelay {
			t.Fatalf("attempt %d delay %v exceeds cap", attempt, d)
		}
	}
}
