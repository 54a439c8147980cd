package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/me/provsched/pkg/model"
)

// ErrNoTeardown is returned when an executor has no teardown command configured.
var ErrNoTeardown = errors.New("no teardown command configured")

// ErrNoInstance is returned when there is no instance to clear or cancel.
var ErrNoInstance = errors.New("no instance to remove")

// Command is a process invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string // appended to the inherited environment
}

// CommandRunner abstracts command execution for testing.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (stdout, stderr string, exitCode int, err error)
}

// OSCommandRunner is the real implementation using os/exec.
type OSCommandRunner struct{}

// Run executes cmd. A non-zero exit is reported through exitCode, not err.
func (OSCommandRunner) Run(ctx context.Context, c Command) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()

	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		return stdout, stderr, 0, nil
	case errors.As(runErr, &exitErr):
		return stdout, stderr, exitErr.ExitCode(), nil
	default:
		return stdout, stderr, -1, runErr
	}
}

// exitError builds the attempt failure for a non-zero exit.
func exitError(exitCode int, stderr string) error {
	msg := strings.TrimSpace(stderr)
	if len(msg) > 512 {
		msg = "..." + msg[len(msg)-512:]
	}
	if msg == "" {
		return fmt.Errorf("exit code %d", exitCode)
	}
	return fmt.Errorf("exit code %d: %s", exitCode, msg)
}

// requestEnv returns the PROVSCHED_* variables for an attempt plus the job's
// static environment, sorted for deterministic command lines.
func requestEnv(req Request, static map[string]string) ([]string, error) {
	env := []string{
		"PROVSCHED_JOB=" + req.Job,
		"PROVSCHED_PHASE=" + req.Phase,
		"PROVSCHED_ATTEMPT=" + strconv.Itoa(req.Attempt),
	}
	if len(req.Args) > 0 {
		data, err := json.Marshal(req.Args)
		if err != nil {
			return nil, fmt.Errorf("marshal args: %w", err)
		}
		env = append(env, "PROVSCHED_ARGS="+string(data))
	}
	return append(env, staticEnv(static)...), nil
}

// teardownEnv returns the variables describing one resource to delete.
func teardownEnv(job string, r model.Resource, static map[string]string) []string {
	env := []string{
		"PROVSCHED_JOB=" + job,
		"PROVSCHED_HOSTNAME=" + r.Hostname,
		"PROVSCHED_RESOURCE_TYPE=" + r.ResourceType,
	}
	return append(env, staticEnv(static)...)
}

func staticEnv(static map[string]string) []string {
	keys := make([]string, 0, len(static))
	for k := range static {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+static[k])
	}
	return env
}

// resourcesOrJob returns the directive's resources, or one empty resource so
// a teardown command still runs once for a job that declared none.
func resourcesOrJob(d model.TeardownDirective) []model.Resource {
	if len(d.Resources) == 0 {
		return []model.Resource{{}}
	}
	return d.Resources
}
