package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/me/provsched/pkg/model"
)

// DockerSpec describes a job that runs inside a container.
type DockerSpec struct {
	Image    string
	Command  string // optional; run via `sh -c` instead of the image entrypoint
	Teardown string
	Env      map[string]string
}

// DockerExecutor runs jobs in detached Docker containers using the Docker CLI
// and is polled for completion.
type DockerExecutor struct {
	spec         DockerSpec
	logger       *slog.Logger
	runner       CommandRunner
	pollInterval time.Duration
}

// NewDockerExecutor creates a DockerExecutor for spec.
func NewDockerExecutor(spec DockerSpec, logger *slog.Logger) *DockerExecutor {
	return NewDockerExecutorWithRunner(spec, logger, OSCommandRunner{})
}

// NewDockerExecutorWithRunner is NewDockerExecutor with an injected CommandRunner.
func NewDockerExecutorWithRunner(spec DockerSpec, logger *slog.Logger, runner CommandRunner) *DockerExecutor {
	return &DockerExecutor{
		spec:         spec,
		logger:       logger.With("component", "docker-executor"),
		runner:       runner,
		pollInterval: 2 * time.Second,
	}
}

// Submit starts a detached container and returns its name.
func (e *DockerExecutor) Submit(ctx context.Context, req Request) (string, error) {
	if e.spec.Image == "" {
		return "", fmt.Errorf("job %s: image is empty", req.Job)
	}
	env, err := requestEnv(req, e.spec.Env)
	if err != nil {
		return "", fmt.Errorf("job %s: %w", req.Job, err)
	}

	name := fmt.Sprintf("provsched-%s-%d-%s", sanitizeName(req.Job), req.Attempt, uuid.New().String()[:8])
	args := []string{"run", "-d", "--name", name}
	args = append(args, envFlags(env)...)
	args = append(args, e.spec.Image)
	if e.spec.Command != "" {
		args = append(args, "sh", "-c", e.spec.Command)
	}

	_, stderr, exitCode, runErr := e.runner.Run(ctx, Command{Name: "docker", Args: args})
	if runErr != nil {
		return "", fmt.Errorf("job %s: docker run: %w", req.Job, runErr)
	}
	if exitCode != 0 {
		return "", fmt.Errorf("job %s: docker run: %w", req.Job, exitError(exitCode, stderr))
	}

	e.logger.Debug("container started", "job", req.Job, "container", name, "image", e.spec.Image)
	return name, nil
}

// Poll inspects the container. Once it has exited, logs are collected and a
// non-zero exit code is returned as the attempt failure.
func (e *DockerExecutor) Poll(ctx context.Context, container string) (*Result, bool, error) {
	stdout, stderr, exitCode, err := e.runner.Run(ctx, Command{
		Name: "docker",
		Args: []string{"inspect", "-f", "{{.State.Status}} {{.State.ExitCode}}", container},
	})
	if err != nil {
		return nil, false, fmt.Errorf("docker inspect %s: %w", container, err)
	}
	if exitCode != 0 {
		return nil, false, fmt.Errorf("docker inspect %s: %w", container, exitError(exitCode, stderr))
	}

	status, code, err := parseInspect(stdout)
	if err != nil {
		return nil, false, fmt.Errorf("docker inspect %s: %w", container, err)
	}
	e.logger.Debug("container polled", "container", container, "status", status)
	if status != "exited" && status != "dead" {
		return nil, false, nil
	}

	res := &Result{ExternalID: container, ExitCode: code}
	res.Stdout, res.Stderr, _, _ = e.runner.Run(ctx, Command{Name: "docker", Args: []string{"logs", container}})
	if code != 0 {
		return res, true, exitError(code, res.Stderr)
	}
	return res, true, nil
}

// Execute submits and polls until the container exits or ctx is done.
func (e *DockerExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	name, err := e.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		res, done, err := e.Poll(ctx, name)
		if done {
			return res, err
		}
		if err != nil {
			e.logger.Warn("poll error", "container", name, "error", err)
		}
		select {
		case <-ctx.Done():
			return &Result{ExternalID: name}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Teardown runs the teardown command in a throwaway container once per resource.
func (e *DockerExecutor) Teardown(ctx context.Context, d model.TeardownDirective) error {
	if e.spec.Teardown == "" {
		return ErrNoTeardown
	}
	for _, r := range resourcesOrJob(d) {
		args := []string{"run", "--rm"}
		args = append(args, envFlags(teardownEnv(d.Job, r, e.spec.Env))...)
		args = append(args, e.spec.Image, "sh", "-c", e.spec.Teardown)
		_, stderr, exitCode, err := e.runner.Run(ctx, Command{Name: "docker", Args: args})
		if err != nil {
			return fmt.Errorf("teardown %s/%s: %w", r.ResourceType, r.Hostname, err)
		}
		if exitCode != 0 {
			return fmt.Errorf("teardown %s/%s: %w", r.ResourceType, r.Hostname, exitError(exitCode, stderr))
		}
	}
	return nil
}

// ClearInstance removes the job's container.
func (e *DockerExecutor) ClearInstance(ctx context.Context, _ string, res *Result) error {
	if res == nil {
		return ErrNoInstance
	}
	return e.remove(ctx, res.ExternalID)
}

// Cancel force-removes the container of a failed or timed-out attempt,
// stopping it first if it is still running.
func (e *DockerExecutor) Cancel(ctx context.Context, container string) error {
	return e.remove(ctx, container)
}

func (e *DockerExecutor) remove(ctx context.Context, container string) error {
	if container == "" {
		return ErrNoInstance
	}
	_, stderr, exitCode, err := e.runner.Run(ctx, Command{Name: "docker", Args: []string{"rm", "-f", container}})
	if err != nil {
		return fmt.Errorf("docker rm %s: %w", container, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("docker rm %s: %w", container, exitError(exitCode, stderr))
	}
	e.logger.Debug("container removed", "container", container)
	return nil
}

func envFlags(env []string) []string {
	flags := make([]string, 0, 2*len(env))
	for _, kv := range env {
		flags = append(flags, "-e", kv)
	}
	return flags
}

func parseInspect(out string) (string, int, error) {
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return "", 0, fmt.Errorf("unexpected inspect output %q", strings.TrimSpace(out))
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", 0, fmt.Errorf("parse exit code %q: %w", fields[1], err)
	}
	return fields[0], code, nil
}

// sanitizeName maps a job name onto the characters Docker accepts.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
