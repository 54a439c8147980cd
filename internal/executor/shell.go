package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/me/provsched/pkg/model"
)

// ShellSpec describes the commands behind a shell job.
type ShellSpec struct {
	Command  string
	Teardown string
	Env      map[string]string
}

// ShellExecutor runs a job as a local `sh -c` process inside a per-job work
// directory. It completes synchronously.
type ShellExecutor struct {
	spec    ShellSpec
	workDir string
	logger  *slog.Logger
	runner  CommandRunner
}

// NewShellExecutor creates a ShellExecutor rooted at workDir.
// If workDir is empty, os.TempDir() is used.
func NewShellExecutor(spec ShellSpec, workDir string, logger *slog.Logger) *ShellExecutor {
	return NewShellExecutorWithRunner(spec, workDir, logger, OSCommandRunner{})
}

// NewShellExecutorWithRunner is NewShellExecutor with an injected CommandRunner.
func NewShellExecutorWithRunner(spec ShellSpec, workDir string, logger *slog.Logger, runner CommandRunner) *ShellExecutor {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &ShellExecutor{
		spec:    spec,
		workDir: workDir,
		logger:  logger.With("component", "shell-executor"),
		runner:  runner,
	}
}

// jobDir is the job's ephemeral instance directory.
func (e *ShellExecutor) jobDir(job string) string {
	return filepath.Join(e.workDir, job)
}

// Execute runs the job command. The job directory is the external ID.
func (e *ShellExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	if e.spec.Command == "" {
		return nil, fmt.Errorf("job %s: command is empty", req.Job)
	}
	dir := e.jobDir(req.Job)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("job %s: create work dir: %w", req.Job, err)
	}
	env, err := requestEnv(req, e.spec.Env)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", req.Job, err)
	}

	stdout, stderr, exitCode, runErr := e.runner.Run(ctx, Command{
		Name: "sh",
		Args: []string{"-c", e.spec.Command},
		Dir:  dir,
		Env:  env,
	})
	res := &Result{ExternalID: dir, ExitCode: exitCode, Stdout: stdout, Stderr: stderr}
	if runErr != nil {
		return res, fmt.Errorf("job %s: run command: %w", req.Job, runErr)
	}

	e.logger.Debug("shell job finished",
		"job", req.Job,
		"attempt", req.Attempt,
		"exit_code", exitCode,
	)
	if exitCode != 0 {
		return res, exitError(exitCode, stderr)
	}
	return res, nil
}

// Teardown runs the teardown command once per resource in the directive.
func (e *ShellExecutor) Teardown(ctx context.Context, d model.TeardownDirective) error {
	if e.spec.Teardown == "" {
		return ErrNoTeardown
	}
	var errs []error
	for _, r := range resourcesOrJob(d) {
		_, stderr, exitCode, err := e.runner.Run(ctx, Command{
			Name: "sh",
			Args: []string{"-c", e.spec.Teardown},
			Dir:  e.workDir,
			Env:  teardownEnv(d.Job, r, e.spec.Env),
		})
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("teardown %s/%s: %w", r.ResourceType, r.Hostname, err))
		case exitCode != 0:
			errs = append(errs, fmt.Errorf("teardown %s/%s: %w", r.ResourceType, r.Hostname, exitError(exitCode, stderr)))
		}
	}
	return errors.Join(errs...)
}

// ClearInstance removes the job's work directory.
func (e *ShellExecutor) ClearInstance(_ context.Context, job string, _ *Result) error {
	dir := e.jobDir(job)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return ErrNoInstance
	}
	return os.RemoveAll(dir)
}
