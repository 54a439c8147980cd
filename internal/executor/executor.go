package executor

import (
	"context"

	"github.com/me/provsched/pkg/model"
)

// Request describes one attempt of a job handed to its executor.
type Request struct {
	Job     string
	Phase   string
	Attempt int
	Args    map[string]any
}

// Result is the opaque outcome of a successful (or partially captured) attempt.
type Result struct {
	ExternalID string
	ExitCode   int
	Stdout     string
	Stderr     string
	Payload    map[string]any
}

// Executor performs the provisioning or configuration action behind a job.
// A nil error means the attempt succeeded.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Poller is implemented by executors that run work asynchronously. The engine
// calls Submit once per attempt and then Poll every timewait until done.
type Poller interface {
	Executor

	// Submit starts the attempt and returns an external ID to poll.
	Submit(ctx context.Context, req Request) (externalID string, err error)

	// Poll reports whether the attempt has finished. err is the attempt's
	// failure once done is true, or a transient polling error otherwise.
	Poll(ctx context.Context, externalID string) (res *Result, done bool, err error)
}

// Teardowner deletes resources provisioned by a failed job. Best effort.
type Teardowner interface {
	Teardown(ctx context.Context, d model.TeardownDirective) error
}

// InstanceCleaner removes a job's ephemeral instance state (work dir,
// container) when the job's cleanup policy is clear. It returns
// ErrNoInstance when res names nothing to remove.
type InstanceCleaner interface {
	ClearInstance(ctx context.Context, job string, res *Result) error
}

// Canceller stops and removes the instance left by an attempt that failed or
// timed out, so that no earlier attempt is still running when the next one
// starts.
type Canceller interface {
	Cancel(ctx context.Context, externalID string) error
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, req Request) (*Result, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// TeardownFunc adapts a plain function to the Teardowner interface.
type TeardownFunc func(ctx context.Context, d model.TeardownDirective) error

// Teardown calls f.
func (f TeardownFunc) Teardown(ctx context.Context, d model.TeardownDirective) error {
	return f(ctx, d)
}
