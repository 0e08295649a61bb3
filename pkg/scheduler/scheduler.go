// Package scheduler turns trigger events into workflow runs: it expands
// matrix strategies, enforces concurrency groups and tracks run and job
// statuses.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/eroell/pertci/pkg/models"
	"github.com/eroell/pertci/pkg/plan"
	"github.com/eroell/pertci/pkg/store"
	"github.com/eroell/pertci/pkg/utils"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotTriggered is returned when an event does not match any of the
	// workflow's trigger filters.
	ErrNotTriggered = errors.New("scheduler: event does not trigger workflow")

	// ErrCancelled is reported by runs preempted by a newer run in the same
	// concurrency group.
	ErrCancelled = errors.New("scheduler: run cancelled by a newer run")
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// JobRunner executes a single compiled job instance. The Docker executor is
// the production implementation.
type JobRunner interface {
	Run(ctx context.Context, p *plan.JobPlan, stdout, stderr io.Writer) error
}

type Options struct {
	Runner JobRunner
	Store  store.Store
	// Dir is the project root, used to resolve hashFiles in cache keys.
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

type Scheduler struct {
	mu       sync.Mutex
	inflight map[string]*Run
	runner   JobRunner
	statuses store.Store
	dir      string
	stdout   io.Writer
	stderr   io.Writer
}

func New(opts Options) *Scheduler {
	if opts.Store == nil {
		opts.Store = store.NewMemStore()
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return &Scheduler{
		inflight: make(map[string]*Run),
		runner:   opts.Runner,
		statuses: opts.Store,
		dir:      opts.Dir,
		stdout:   opts.Stdout,
		stderr:   opts.Stderr,
	}
}

// Run is one materialized workflow run.
type Run struct {
	ID       string
	Workflow string
	GroupKey string

	sched     *Scheduler
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	preempted bool
	mu        sync.Mutex
}

// Wait blocks until every job instance has finished and returns the first
// job error, or ErrCancelled when the run was preempted.
func (r *Run) Wait() error {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Status returns the run's current status.
func (r *Run) Status() Status {
	v, err := r.sched.statuses.Get("run:" + r.ID)
	if err != nil {
		return StatusRunning
	}
	return v.(Status)
}

// JobStatus returns the status of one job instance within the run.
func (r *Run) JobStatus(instance string) Status {
	v, err := r.sched.statuses.Get(fmt.Sprintf("job:%s:%s", r.ID, instance))
	if err != nil {
		return StatusRunning
	}
	return v.(Status)
}

func (r *Run) preempt() {
	r.mu.Lock()
	r.preempted = true
	r.mu.Unlock()
	r.cancel()
}

// Dispatch starts a run for the workflow if the event triggers it. When the
// workflow's concurrency group has cancel-in-progress set, an in-flight run
// with the same group key is preempted before the new run starts. Every
// job plan is compiled up front so configuration errors surface before
// anything executes.
func (s *Scheduler) Dispatch(ctx context.Context, wf models.Workflow, ev models.Event, secrets map[string]string) (*Run, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if !wf.On.Matches(ev) {
		return nil, fmt.Errorf("%w: %s on %s %s", ErrNotTriggered, wf.Name, ev.Kind, ev.Branch)
	}

	key, err := plan.ConcurrencyKey(wf, ev)
	if err != nil {
		return nil, fmt.Errorf("unable to render concurrency group for %s: %v", wf.Name, err)
	}

	plans := make([]*plan.JobPlan, 0)
	for _, job := range wf.Jobs {
		for _, entry := range job.Expand() {
			p, err := plan.Compile(wf, job, entry, ev, secrets, s.dir)
			if err != nil {
				return nil, err
			}
			plans = append(plans, p)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		ID:       uuid.NewString(),
		Workflow: wf.Name,
		GroupKey: key,
		sched:    s,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if prev, ok := s.inflight[key]; ok && wf.Concurrency.CancelInProgress {
		prev.preempt()
	}
	s.inflight[key] = run
	s.mu.Unlock()

	s.setStatus("run:"+run.ID, StatusRunning)
	go run.execute(runCtx, plans)
	return run, nil
}

// execute runs every job instance concurrently. The errgroup deliberately
// shares no context between siblings: one entry failing never cancels the
// others, they all run to completion (fail-fast disabled). Preemption goes
// through runCtx and stops every instance at once.
func (r *Run) execute(ctx context.Context, plans []*plan.JobPlan) {
	defer r.cancel()

	var eg errgroup.Group
	for _, p := range plans {
		p := p
		instance := p.InstanceName()
		r.sched.setStatus(r.jobKey(instance), StatusRunning)
		stdout := utils.NewColorLogger(instance, r.sched.stdout, true)
		stderr := utils.NewColorLogger(instance, r.sched.stderr, false)

		eg.Go(func() error {
			err := r.sched.runner.Run(ctx, p, stdout, stderr)
			switch {
			case err == nil:
				r.sched.setStatus(r.jobKey(instance), StatusSuccess)
			case ctx.Err() != nil:
				r.sched.setStatus(r.jobKey(instance), StatusCancelled)
			default:
				r.sched.setStatus(r.jobKey(instance), StatusFailed)
			}
			if err != nil {
				return fmt.Errorf("job %s: %w", instance, err)
			}
			return nil
		})
	}
	err := eg.Wait()

	r.mu.Lock()
	preempted := r.preempted
	if preempted {
		r.err = ErrCancelled
	} else {
		r.err = err
	}
	r.mu.Unlock()

	switch {
	case preempted:
		r.sched.setStatus("run:"+r.ID, StatusCancelled)
	case err != nil:
		r.sched.setStatus("run:"+r.ID, StatusFailed)
	default:
		r.sched.setStatus("run:"+r.ID, StatusSuccess)
	}

	r.sched.mu.Lock()
	if r.sched.inflight[r.GroupKey] == r {
		delete(r.sched.inflight, r.GroupKey)
	}
	r.sched.mu.Unlock()

	close(r.done)
}

func (r *Run) jobKey(instance string) string {
	return fmt.Sprintf("job:%s:%s", r.ID, instance)
}

func (s *Scheduler) setStatus(key string, status Status) {
	if err := s.statuses.Set(key, status); errors.Is(err, store.ErrKeyExists) {
		s.statuses.Update(key, status)
	}
}
