package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/me/provsched/internal/executor"
	"github.com/me/provsched/internal/logging"
	"github.com/me/provsched/internal/schedule"
	"github.com/me/provsched/pkg/model"
)

// Config holds engine configuration.
type Config struct {
	// MaxParallel bounds the number of jobs running at once. 0 means no limit.
	MaxParallel int

	// PollInterval is used between polls of an asynchronous executor when the
	// job's timewait is zero.
	PollInterval time.Duration

	// StopGrace is how long a timed-out attempt may keep running after its
	// deadline. An attempt that has not returned by then is not retried.
	StopGrace time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{PollInterval: 2 * time.Second, StopGrace: 10 * time.Second}
}

// Engine executes a validated schedule table.
type Engine struct {
	table    *schedule.Table
	registry *executor.Registry
	cleanup  *Controller
	config   Config
	logger   *slog.Logger
}

// NewEngine creates an Engine over tbl. Failed jobs are handed to cleanup.
func NewEngine(tbl *schedule.Table, cleanup *Controller, cfg Config, logger *slog.Logger) *Engine {
	defaults := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaults.StopGrace
	}
	return &Engine{
		table:    tbl,
		registry: tbl.Registry(),
		cleanup:  cleanup,
		config:   cfg,
		logger:   logger.With("component", "engine"),
	}
}

// jobDone is sent by a job goroutine once the job is terminal.
type jobDone struct {
	name  string
	state model.JobState
}

// run is the dispatcher-owned state of one Run call.
type run struct {
	rs       *RunState
	entries  map[string]model.ScheduleEntry
	queue    []string
	deferred []string
	inflight int
	done     chan jobDone
}

// Run executes the schedule starting from entry and returns the run report.
//
// Structural problems (unvalidated table, unknown entry job) are returned
// before any job runs. Job failures are never returned as errors; they are
// reflected in the report. Cancelling ctx stops new dispatches and pending
// retries; Run still waits for in-flight attempts and their cleanup.
func (e *Engine) Run(ctx context.Context, entry []string) (*model.Report, error) {
	if !e.table.Validated() {
		return nil, model.ErrNotValidated
	}
	for _, name := range entry {
		if !e.registry.Has(name) {
			return nil, &model.UnknownJobError{Job: name}
		}
	}

	e.registry.Freeze()
	e.table.Freeze()

	names := e.registry.Names()
	r := &run{
		rs:      NewRunState(names),
		entries: make(map[string]model.ScheduleEntry, len(names)),
		queue:   slices.Clone(entry),
		done:    make(chan jobDone),
	}
	for _, n := range names {
		r.entries[n] = e.table.Entry(n)
	}

	startedAt := time.Now().UTC()
	e.logger.Info("run started", "entry", entry, "jobs", len(names), "max_parallel", e.config.MaxParallel)

	cancelled := e.loop(ctx, r)

	if cancelled {
		for _, name := range append(r.queue, r.deferred...) {
			if st, _ := r.rs.State(name); st == model.JobStatePending {
				if err := r.rs.Cancel(name); err == nil {
					e.logger.Info("job cancelled", "job", name)
				}
			}
		}
	}

	report := e.buildReport(r, entry, startedAt, cancelled)
	e.logger.Info("run finished",
		"status", report.Status,
		"elapsed", report.Elapsed,
		"jobs", report.Summary(),
	)
	return report, nil
}

// loop is the dispatcher. It owns the queue and returns true if the run was
// cancelled.
func (e *Engine) loop(ctx context.Context, r *run) bool {
	cancelled := false
	ctxDone := ctx.Done()

	for {
		if !cancelled && ctx.Err() != nil {
			e.logger.Info("run cancelled, waiting for in-flight jobs", "in_flight", r.inflight)
			cancelled = true
			ctxDone = nil
		}
		if !cancelled {
			e.dispatch(ctx, r)
		}

		if r.inflight == 0 {
			if cancelled || len(r.queue) == 0 && len(r.deferred) == 0 {
				return cancelled
			}
			if len(r.queue) == 0 {
				// Nothing can complete, so deferred jobs will never become runnable.
				for _, name := range r.deferred {
					e.skip(r, name, fmt.Errorf("dependencies of %q can never be satisfied", name))
				}
				r.deferred = nil
				continue
			}
		}

		select {
		case d := <-r.done:
			r.inflight--
			if d.state == model.JobStateSucceeded && !cancelled && ctx.Err() == nil {
				r.queue = append(r.queue, r.entries[d.name].OnSuccess...)
			}
			r.queue = append(r.queue, r.deferred...)
			r.deferred = nil
		case <-ctxDone:
			e.logger.Info("run cancelled, waiting for in-flight jobs", "in_flight", r.inflight)
			cancelled = true
			ctxDone = nil
		}
	}
}

// dispatch drains the queue: terminal or started jobs are dropped, blocked
// jobs are skipped, unready jobs are deferred and runnable jobs are started
// until MaxParallel is reached.
func (e *Engine) dispatch(ctx context.Context, r *run) {
	for i := 0; i < len(r.queue); i++ {
		name := r.queue[i]
		if st, _ := r.rs.State(name); st != model.JobStatePending {
			continue
		}

		deps := r.entries[name].Dependencies
		satisfied, blocked := AreDependenciesSatisfied(deps, r.rs)
		switch {
		case blocked:
			dep := BlockingDependency(deps, r.rs)
			depState, _ := r.rs.State(dep)
			e.skip(r, name, fmt.Errorf("dependency %q is %s", dep, depState))
		case !satisfied:
			if !slices.Contains(r.deferred, name) {
				r.deferred = append(r.deferred, name)
				e.logger.Debug("job deferred", "job", name)
			}
		case e.config.MaxParallel > 0 && r.inflight >= e.config.MaxParallel:
			r.queue = r.queue[i:]
			return
		default:
			e.start(ctx, r, name)
		}
	}
	r.queue = r.queue[:0]
}

func (e *Engine) skip(r *run, name string, reason error) {
	if err := r.rs.Skip(name, reason); err != nil {
		e.logger.Error("skip job", "job", name, "error", err)
		return
	}
	e.logger.Info("job skipped", "job", name, "reason", reason)
}

func (e *Engine) start(ctx context.Context, r *run, name string) {
	job, err := e.registry.Get(name)
	if err != nil {
		e.skip(r, name, err)
		return
	}
	if !r.rs.TryStart(name) {
		return
	}
	r.inflight++
	entry := r.entries[name]
	go func() {
		r.done <- jobDone{name: name, state: e.runJob(ctx, job, entry, r.rs)}
	}()
}

// runJob drives one job through its attempts and returns its terminal state.
func (e *Engine) runJob(ctx context.Context, job *executor.Job, entry model.ScheduleEntry, rs *RunState) model.JobState {
	logger := logging.ForJob(e.logger, job.Name, entry.AutomationPhase)
	// Cleanup and instance clearing run even after the run is cancelled.
	bg := context.WithoutCancel(ctx)

	for {
		attempt := rs.Attempts(job.Name)
		logger.Info("job started", "attempt", attempt, "max_attempts", entry.MaxAttempts())

		out := e.attempt(ctx, job, entry, attempt)
		if out.err == nil {
			if uerr := rs.Succeed(job.Name); uerr != nil {
				logger.Error("record success", "error", uerr)
			}
			logger.Info("job succeeded", "attempt", attempt)
			e.clearInstance(bg, job, entry, out.res, rs)
			return model.JobStateSucceeded
		}

		if uerr := rs.Fail(job.Name, out.err); uerr != nil {
			logger.Error("record failure", "error", uerr)
		}
		logger.Info("job failed", "attempt", attempt, "kind", model.KindOf(out.err), "error", out.err)

		stopped := e.awaitStop(out)
		left := e.cancelAttempt(bg, job, out.result())

		if attempt >= entry.MaxAttempts() {
			return e.failFinal(bg, job, entry, left, rs, model.FailureNone)
		}
		if !stopped {
			logger.Warn("attempt still running after its timeout, not retrying", "attempt", attempt, "grace", e.config.StopGrace)
			return e.failFinal(bg, job, entry, left, rs, model.FailureNone)
		}
		if !wait(ctx, entry.Timewait) {
			logger.Info("retry abandoned, run cancelled", "attempt", attempt)
			return e.failFinal(bg, job, entry, left, rs, model.FailureCancelled)
		}
		if uerr := rs.Retry(job.Name); uerr != nil {
			logger.Error("record retry", "error", uerr)
			return e.failFinal(bg, job, entry, left, rs, model.FailureNone)
		}
	}
}

// leftover is the instance a failed attempt left behind.
type leftover struct {
	res       *executor.Result
	cancelled bool // the executor's Cancel was called for res
	removed   bool // and it succeeded
}

func (e *Engine) failFinal(ctx context.Context, job *executor.Job, entry model.ScheduleEntry, left leftover, rs *RunState, kind model.FailureKind) model.JobState {
	if err := rs.FailFinal(job.Name, kind); err != nil {
		e.logger.Error("record final failure", "job", job.Name, "error", err)
	}
	e.logger.Info("job failed permanently", "job", job.Name, "attempts", rs.Attempts(job.Name))
	if e.cleanup != nil {
		e.cleanup.HandleFailure(ctx, job, entry, rs)
	}
	switch {
	case left.removed:
		rs.SetInstanceCleared(job.Name)
	case !left.cancelled:
		e.clearInstance(ctx, job, entry, left.res, rs)
	}
	return model.JobStateFailedFinal
}

// cancelAttempt stops and removes the instance of a failed attempt when the
// executor supports it.
func (e *Engine) cancelAttempt(ctx context.Context, job *executor.Job, res *executor.Result) leftover {
	left := leftover{res: res}
	c, ok := job.Executor.(executor.Canceller)
	if !ok || res == nil || res.ExternalID == "" {
		return left
	}
	left.cancelled = true
	if err := guard(func() error { return c.Cancel(ctx, res.ExternalID) }); err != nil {
		e.logger.Warn("cancel attempt", "job", job.Name, "external_id", res.ExternalID, "error", err)
		return left
	}
	e.logger.Debug("attempt instance removed", "job", job.Name, "external_id", res.ExternalID)
	left.removed = true
	return left
}

// clearInstance removes the job's ephemeral instance when its policy is clear.
func (e *Engine) clearInstance(ctx context.Context, job *executor.Job, entry model.ScheduleEntry, res *executor.Result, rs *RunState) {
	if entry.Policy() != model.CleanupPolicyClear {
		return
	}
	cl, ok := job.Executor.(executor.InstanceCleaner)
	if !ok {
		return
	}
	err := guard(func() error { return cl.ClearInstance(ctx, job.Name, res) })
	switch {
	case errors.Is(err, executor.ErrNoInstance):
		e.logger.Debug("no instance to clear", "job", job.Name)
	case err != nil:
		e.logger.Warn("clear instance", "job", job.Name, "error", err)
	default:
		rs.SetInstanceCleared(job.Name)
	}
}

// submission holds the external ID of an asynchronous attempt once submitted.
type submission struct {
	mu sync.Mutex
	id string
}

func (s *submission) set(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

func (s *submission) get() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// attemptOutcome is the result of one attempt. stopped is closed once the
// executor call has returned, which may be after a timeout.
type attemptOutcome struct {
	res       *executor.Result
	err       error
	stopped   <-chan struct{}
	submitted *submission
}

// result returns the attempt's result, carrying the submitted external ID
// when the executor returned none (or never returned).
func (o attemptOutcome) result() *executor.Result {
	if o.res != nil && o.res.ExternalID != "" {
		return o.res
	}
	id := o.submitted.get()
	if id == "" {
		return o.res
	}
	if o.res == nil {
		return &executor.Result{ExternalID: id}
	}
	res := *o.res
	res.ExternalID = id
	return &res
}

// awaitStop waits up to StopGrace for the attempt's executor call to return.
func (e *Engine) awaitStop(out attemptOutcome) bool {
	select {
	case <-out.stopped:
		return true
	default:
	}
	t := time.NewTimer(e.config.StopGrace)
	defer t.Stop()
	select {
	case <-out.stopped:
		return true
	case <-t.C:
		return false
	}
}

// attempt runs one attempt under the job timeout. The executor context is
// detached from run cancellation so in-flight work is bounded only by the
// timeout.
func (e *Engine) attempt(ctx context.Context, job *executor.Job, entry model.ScheduleEntry, n int) attemptOutcome {
	var (
		actx   context.Context
		cancel context.CancelFunc
	)
	if entry.Timeout > 0 {
		actx, cancel = context.WithTimeout(context.WithoutCancel(ctx), entry.Timeout)
	} else {
		actx, cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	defer cancel()

	req := executor.Request{
		Job:     job.Name,
		Phase:   entry.AutomationPhase,
		Attempt: n,
		Args:    job.Args,
	}

	type outcome struct {
		res *executor.Result
		err error
	}
	ch := make(chan outcome, 1)
	stopped := make(chan struct{})
	sub := &submission{}
	go func() {
		defer close(stopped)
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: fmt.Errorf("executor panic: %v", p)}
			}
		}()
		res, err := e.invoke(actx, job.Executor, req, entry.Timewait, sub.set)
		ch <- outcome{res: res, err: err}
	}()

	out := attemptOutcome{stopped: stopped, submitted: sub}
	select {
	case o := <-ch:
		out.res = o.res
		switch {
		case o.err == nil:
		case errors.Is(actx.Err(), context.DeadlineExceeded):
			out.err = &model.TimeoutError{Job: job.Name, Timeout: entry.Timeout}
		default:
			out.err = &model.ExecutorError{Job: job.Name, Attempt: n, Err: o.err}
		}
	case <-actx.Done():
		out.err = &model.TimeoutError{Job: job.Name, Timeout: entry.Timeout}
	}
	return out
}

// invoke calls the executor, using Submit and Poll for asynchronous ones.
// onSubmit receives the external ID as soon as the attempt is submitted.
func (e *Engine) invoke(ctx context.Context, exec executor.Executor, req executor.Request, timewait time.Duration, onSubmit func(string)) (*executor.Result, error) {
	p, ok := exec.(executor.Poller)
	if !ok {
		return exec.Execute(ctx, req)
	}

	id, err := p.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	onSubmit(id)
	interval := timewait
	if interval <= 0 {
		interval = e.config.PollInterval
	}
	for {
		res, done, err := p.Poll(ctx, id)
		if done {
			if res == nil {
				res = &executor.Result{ExternalID: id}
			}
			return res, err
		}
		if err != nil {
			e.logger.Warn("poll error", "job", req.Job, "external_id", id, "error", err)
		} else {
			e.logger.Debug("job still running", "job", req.Job, "external_id", id)
		}
		if !wait(ctx, interval) {
			return &executor.Result{ExternalID: id}, ctx.Err()
		}
	}
}

// wait sleeps for d and reports false if ctx ends first.
func wait(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (e *Engine) buildReport(r *run, entry []string, startedAt time.Time, cancelled bool) *model.Report {
	completedAt := time.Now().UTC()
	report := &model.Report{
		Entry:       slices.Clone(entry),
		Jobs:        make(map[string]*model.JobReport, len(r.entries)),
		StartedAt:   startedAt,
		CompletedAt: &completedAt,
		Elapsed:     completedAt.Sub(startedAt),
	}
	for i, name := range e.registry.Names() {
		jr := r.rs.JobReport(name)
		jr.Position = i
		jr.AutomationPhase = r.entries[name].AutomationPhase
		jr.HumanDescription = r.entries[name].HumanDescription
		report.Jobs[name] = jr
	}
	report.Status = report.Outcome(cancelled)
	return report
}
