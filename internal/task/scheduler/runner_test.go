package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "medremind/pkg/logx"
)

func TestRunnerRunsAtStartAndOnSchedule(t *testing.T) {
	t.Parallel()
	r := NewRunner(logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, Job{
			Name:       "pump",
			Schedule:   "20ms",
			RunAtStart: true,
			Run: func(context.Context) error {
				if runs.Add(1) == 3 {
					cancel()
				}
				return nil
			},
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].Name != "pump" || snap[0].Runs != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRunnerSurvivesErrorsAndPanics(t *testing.T) {
	t.Parallel()
	r := NewRunner(logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, Job{
			Name:     "flaky",
			Schedule: "10ms",
			Run: func(context.Context) error {
				switch runs.Add(1) {
				case 1:
					return errors.New("boom")
				case 2:
					panic("kaboom")
				default:
					cancel()
					return nil
				}
			},
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
	snap := r.Snapshot()
	if snap[0].Failures != 2 {
		t.Fatalf("failures = %d, want 2", snap[0].Failures)
	}
}

func TestRunnerNeverOverlaps(t *testing.T) {
	t.Parallel()
	r := NewRunner(logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var inFlight, maxSeen atomic.Int32
	_ = r.Run(ctx, Job{
		Name:       "slow",
		Schedule:   "1ms",
		RunAtStart: true,
		Run: func(context.Context) error {
			n := inFlight.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		},
	})
	if maxSeen.Load() != 1 {
		t.Fatalf("max concurrent runs = %d", maxSeen.Load())
	}
}

func TestRunnerAppliesTimeout(t *testing.T) {
	t.Parallel()
	r := NewRunner(logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan error, 1)
	go func() {
		_ = r.Run(ctx, Job{
			Name:       "bounded",
			Schedule:   "1h",
			RunAtStart: true,
			Timeout:    10 * time.Millisecond,
			Run: func(c context.Context) error {
				<-c.Done()
				got <- c.Err()
				return c.Err()
			},
		})
	}()
	select {
	case err := <-got:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout not applied")
	}
}

func TestRunnerRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	r := NewRunner(logx.Nop())
	err := r.Run(context.Background(), Job{Name: "x", Schedule: "nope", Run: func(context.Context) error { return nil }})
	if err == nil {
		t.Fatal("expected error")
	}
}
