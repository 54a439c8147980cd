package schedule

import (
	"fmt"
	"log/slog"
	"maps"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/me/provsched/internal/executor"
	"github.com/me/provsched/pkg/model"
	"gopkg.in/yaml.v3"
)

// Duration decodes either integer seconds (`timeout: 1800`) or a Go duration
// string (`timeout: 30m`).
type Duration time.Duration

// maxSeconds is the largest whole-second count a time.Duration can hold.
const maxSeconds = math.MaxInt64 / int64(time.Second)

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if secs, err := strconv.ParseInt(node.Value, 10, 64); err == nil {
		if secs > maxSeconds || secs < -maxSeconds {
			return fmt.Errorf("line %d: duration %q out of range", node.Line, node.Value)
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, node.Value)
	}
	*d = Duration(v)
	return nil
}

// Document is the YAML form of a schedule file.
type Document struct {
	Name     string    `yaml:"name"`
	Entry    []string  `yaml:"entry"`
	Defaults JobSpec   `yaml:"defaults"`
	Jobs     []JobSpec `yaml:"jobs"`
}

// JobSpec is one job in a schedule file. Pointer fields fall back to the
// document defaults when unset.
type JobSpec struct {
	Name     string             `yaml:"name"`
	Executor model.ExecutorType `yaml:"executor"`
	Command  string             `yaml:"command"`
	Image    string             `yaml:"image"`
	Teardown string             `yaml:"teardown"`
	Env      map[string]string  `yaml:"env"`
	Args     map[string]any     `yaml:"args"`

	Timeout                *Duration           `yaml:"timeout"`
	Timewait               *Duration           `yaml:"timewait"`
	Cleanup                model.CleanupPolicy `yaml:"cleanup"`
	KeepResourcesOnFailure *bool               `yaml:"keep_resources_on_failure"`
	Retries                *int                `yaml:"retries"`
	Dependencies           []string            `yaml:"dependencies"`
	OnSuccess              []string            `yaml:"on_success"`
	Resources              []model.Resource    `yaml:"resources"`
	AutomationPhase        string              `yaml:"automation_phase"`
	HumanDescription       string              `yaml:"human_description"`
}

// Plan is a loaded schedule: registered jobs, a validated table and the
// entry jobs to start from.
type Plan struct {
	Name     string
	Entry    []string
	Registry *executor.Registry
	Table    *Table
}

// Loader builds Plans from schedule documents.
type Loader struct {
	workDir string
	runner  executor.CommandRunner
	logger  *slog.Logger
}

// NewLoader creates a Loader whose shell jobs run under workDir.
func NewLoader(workDir string, logger *slog.Logger) *Loader {
	return NewLoaderWithRunner(workDir, logger, executor.OSCommandRunner{})
}

// NewLoaderWithRunner is NewLoader with an injected CommandRunner for the
// executors it creates.
func NewLoaderWithRunner(workDir string, logger *slog.Logger, runner executor.CommandRunner) *Loader {
	return &Loader{
		workDir: workDir,
		runner:  runner,
		logger:  logger.With("component", "loader"),
	}
}

// Parse decodes a YAML schedule document.
func (l *Loader) Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	if len(doc.Jobs) == 0 {
		return nil, fmt.Errorf("schedule %q declares no jobs", doc.Name)
	}
	return &doc, nil
}

// LoadFile reads, parses and builds the schedule at path.
func (l *Loader) LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule: %w", err)
	}
	return l.Load(data)
}

// Load parses and builds a schedule document.
func (l *Loader) Load(data []byte) (*Plan, error) {
	doc, err := l.Parse(data)
	if err != nil {
		return nil, err
	}
	return l.Build(doc)
}

// Build registers every job, defines its entry and validates the table.
// Without an explicit entry list the first job in the document is the entry.
func (l *Loader) Build(doc *Document) (*Plan, error) {
	reg := executor.NewRegistry(l.logger)
	table := NewTable(reg, l.logger)

	for i, js := range doc.Jobs {
		spec := merge(doc.Defaults, js)
		if strings.TrimSpace(spec.Name) == "" {
			return nil, &model.InvalidEntryError{Job: fmt.Sprintf("#%d", i), Field: "name", Reason: "is required"}
		}
		exec, err := l.executorFor(spec)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(spec.Name, exec, executor.WithArgs(spec.Args)); err != nil {
			return nil, err
		}
	}

	for _, js := range doc.Jobs {
		spec := merge(doc.Defaults, js)
		if err := table.Define(spec.Name, entryFor(spec)); err != nil {
			return nil, err
		}
	}

	if err := table.Validate(); err != nil {
		return nil, err
	}

	entry := doc.Entry
	if len(entry) == 0 {
		entry = []string{doc.Jobs[0].Name}
	}
	for _, name := range entry {
		if !reg.Has(name) {
			return nil, &model.UnknownJobError{Job: name}
		}
	}

	l.logger.Info("schedule loaded", "name", doc.Name, "jobs", reg.Len(), "entry", entry)
	return &Plan{Name: doc.Name, Entry: entry, Registry: reg, Table: table}, nil
}

func (l *Loader) executorFor(spec JobSpec) (executor.Executor, error) {
	switch spec.Executor {
	case "", model.ExecutorTypeShell:
		if spec.Command == "" {
			return nil, &model.InvalidEntryError{Job: spec.Name, Field: "command", Reason: "is required for shell jobs"}
		}
		return executor.NewShellExecutorWithRunner(executor.ShellSpec{
			Command:  spec.Command,
			Teardown: spec.Teardown,
			Env:      spec.Env,
		}, l.workDir, l.logger, l.runner), nil
	case model.ExecutorTypeDocker:
		if spec.Image == "" {
			return nil, &model.InvalidEntryError{Job: spec.Name, Field: "image", Reason: "is required for docker jobs"}
		}
		return executor.NewDockerExecutorWithRunner(executor.DockerSpec{
			Image:    spec.Image,
			Command:  spec.Command,
			Teardown: spec.Teardown,
			Env:      spec.Env,
		}, l.logger, l.runner), nil
	default:
		return nil, &model.InvalidEntryError{Job: spec.Name, Field: "executor", Reason: fmt.Sprintf("unknown executor %q", spec.Executor)}
	}
}

// merge overlays a job spec on the document defaults.
func merge(def, js JobSpec) JobSpec {
	out := js
	if out.Executor == "" {
		out.Executor = def.Executor
	}
	if out.Image == "" {
		out.Image = def.Image
	}
	if out.Teardown == "" {
		out.Teardown = def.Teardown
	}
	if out.Timeout == nil {
		out.Timeout = def.Timeout
	}
	if out.Timewait == nil {
		out.Timewait = def.Timewait
	}
	if out.Cleanup == "" {
		out.Cleanup = def.Cleanup
	}
	if out.KeepResourcesOnFailure == nil {
		out.KeepResourcesOnFailure = def.KeepResourcesOnFailure
	}
	if out.Retries == nil {
		out.Retries = def.Retries
	}
	if out.AutomationPhase == "" {
		out.AutomationPhase = def.AutomationPhase
	}
	if len(def.Env) > 0 {
		env := maps.Clone(def.Env)
		maps.Copy(env, js.Env)
		out.Env = env
	}
	return out
}

func entryFor(spec JobSpec) model.ScheduleEntry {
	e := model.ScheduleEntry{
		CleanupPolicy:    spec.Cleanup,
		Dependencies:     spec.Dependencies,
		OnSuccess:        spec.OnSuccess,
		Resources:        spec.Resources,
		AutomationPhase:  spec.AutomationPhase,
		HumanDescription: spec.HumanDescription,
	}
	if spec.Timeout != nil {
		e.Timeout = time.Duration(*spec.Timeout)
	}
	if spec.Timewait != nil {
		e.Timewait = time.Duration(*spec.Timewait)
	}
	if spec.KeepResourcesOnFailure != nil {
		e.KeepResourcesOnFailure = *spec.KeepResourcesOnFailure
	}
	if spec.Retries != nil {
		e.Retries = *spec.Retries
	}
	return e
}
