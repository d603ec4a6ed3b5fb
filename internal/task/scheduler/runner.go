package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "medremind/pkg/logx"
)

// Job is a periodic unit of work.
type Job struct {
	Name       string
	Schedule   string
	RunAtStart bool
	// Timeout bounds a single run. Zero means no bound beyond ctx.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// JobState is the observable state of a job driven by a Runner.
type JobState struct {
	Name         string        `json:"name"`
	Schedule     string        `json:"schedule"`
	Runs         uint64        `json:"runs"`
	Failures     uint64        `json:"failures"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	NextRun      time.Time     `json:"next_run,omitempty"`
}

// Runner drives jobs on their schedules. Each job gets its own loop; runs of
// the same job never overlap.
type Runner struct {
	log logx.Logger
	loc *time.Location
	now func() time.Time

	mu     sync.Mutex
	states map[string]*JobState
}

type RunnerOption func(*Runner)

// WithLocation sets the time zone cron specs are evaluated in.
func WithLocation(loc *time.Location) RunnerOption {
	return func(r *Runner) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithClock overrides the wall clock used to compute triggers.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRunner(log logx.Logger, opts ...RunnerOption) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{log: log, loc: time.Local, now: time.Now, states: map[string]*JobState{}}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run blocks, executing job on its schedule until ctx is canceled. Run
// errors and panics are logged and never stop the loop. A canceled ctx is a
// clean stop and returns nil; only an invalid schedule is returned as error.
func (r *Runner) Run(ctx context.Context, job Job) error {
	if strings.TrimSpace(job.Name) == "" || job.Run == nil {
		return errors.New("scheduler: job name and func required")
	}
	ps, err := ParseSchedule(job.Schedule)
	if err != nil {
		return fmt.Errorf("%s: %w", job.Name, err)
	}
	sched, err := ps.Schedule(r.loc)
	if err != nil {
		return fmt.Errorf("%s: %w", job.Name, err)
	}

	log := r.log.With(logx.String("job", job.Name))
	st := r.state(job)

	if job.RunAtStart {
		r.runOnce(ctx, log, job, st)
	}
	for {
		next := nextAfter(sched, r.now().In(r.loc))
		r.mu.Lock()
		st.NextRun = next
		r.mu.Unlock()
		log.Debug("next run scheduled", logx.Time("next", next))

		wait := next.Sub(r.now())
		if wait < 0 {
			wait = 0
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		r.runOnce(ctx, log, job, st)
	}
}

func nextAfter(s cron.Schedule, now time.Time) time.Time {
	next := s.Next(now)
	if next.IsZero() {
		// Unsatisfiable cron (e.g. Feb 30); park far in the future.
		return now.Add(24 * 365 * time.Hour)
	}
	return next
}

func (r *Runner) runOnce(ctx context.Context, log logx.Logger, job Job, st *JobState) {
	if ctx.Err() != nil {
		return
	}
	runCtx := ctx
	cancel := func() {}
	if job.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
	}
	start := time.Now()
	err := guard(runCtx, job.Run)
	cancel()
	took := time.Since(start)

	r.mu.Lock()
	st.Runs++
	st.LastRun = start
	st.LastDuration = took
	st.LastError = ""
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	}
	r.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		log.Warn("job run failed", logx.Duration("took", took), logx.Err(err))
		return
	}
	log.Debug("job run done", logx.Duration("took", took))
}

func guard(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return fn(ctx)
}

func (r *Runner) state(job Job) *JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := &JobState{Name: job.Name, Schedule: job.Schedule}
	r.states[job.Name] = st
	return st
}

// Snapshot returns a copy of every job state, sorted by name.
func (r *Runner) Snapshot() []JobState {
	r.mu.Lock()
	out := make([]JobState, 0, len(r.states))
	for _, st := range r.states {
		out = append(out, *st)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
