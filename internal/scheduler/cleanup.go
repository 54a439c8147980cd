package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/provsched/internal/executor"
	"github.com/me/provsched/pkg/model"
)

// Controller decides what happens to the resources of a job that ended
// FAILED_FINAL.
//
// Jobs whose entry sets keep_resources_on_failure get a retain decision and
// nothing is deleted. Every other failed job gets exactly one teardown
// directive, sent to the job's executor when it implements
// executor.Teardowner and has a teardown configured, otherwise to the
// fallback teardowner. Teardown is best effort: errors are logged and
// recorded but never change the job's status. A teardown that panics or
// outlives the teardown timeout is recorded as TEARDOWN_FAILED.
type Controller struct {
	fallback executor.Teardowner
	timeout  time.Duration
	logger   *slog.Logger
}

// DefaultTeardownTimeout bounds a single teardown directive.
const DefaultTeardownTimeout = 10 * time.Minute

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithTeardownTimeout sets how long one teardown may run. Values <= 0 keep
// the default.
func WithTeardownTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewController creates a Controller. fallback may be nil.
func NewController(fallback executor.Teardowner, logger *slog.Logger, opts ...ControllerOption) *Controller {
	c := &Controller{
		fallback: fallback,
		timeout:  DefaultTeardownTimeout,
		logger:   logger.With("component", "cleanup"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandleFailure applies the cleanup decision for job and records it in rs.
func (c *Controller) HandleFailure(ctx context.Context, job *executor.Job, entry model.ScheduleEntry, rs *RunState) model.CleanupAction {
	if entry.KeepResourcesOnFailure {
		c.logger.Info("retaining resources of failed job", "job", job.Name, "resources", len(entry.Resources))
		rs.SetCleanup(job.Name, model.CleanupRetain, nil)
		return model.CleanupRetain
	}

	d := model.TeardownDirective{Job: job.Name, Resources: entry.Resources}
	if err := c.teardown(ctx, job, d); err != nil {
		terr := &model.TeardownError{Job: job.Name, Err: err}
		c.logger.Error("teardown failed", "job", job.Name, "error", err)
		rs.SetCleanup(job.Name, model.CleanupTeardownFailed, terr)
		return model.CleanupTeardownFailed
	}

	c.logger.Info("teardown completed", "job", job.Name, "resources", len(d.Resources))
	rs.SetCleanup(job.Name, model.CleanupTeardown, nil)
	return model.CleanupTeardown
}

// teardown sends d to exactly one handler and waits at most c.timeout.
func (c *Controller) teardown(ctx context.Context, job *executor.Job, d model.TeardownDirective) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- guard(func() error { return c.route(ctx, job, d) })
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return fmt.Errorf("teardown timed out after %s", c.timeout)
	}
}

func (c *Controller) route(ctx context.Context, job *executor.Job, d model.TeardownDirective) error {
	if td, ok := job.Executor.(executor.Teardowner); ok {
		err := td.Teardown(ctx, d)
		if !errors.Is(err, executor.ErrNoTeardown) {
			return err
		}
	}
	if c.fallback == nil {
		return executor.ErrNoTeardown
	}
	return c.fallback.Teardown(ctx, d)
}

// guard calls fn and turns a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}
