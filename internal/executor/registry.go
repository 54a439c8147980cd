package executor

import (
	"log/slog"
	"maps"
	"sync"

	"github.com/me/provsched/pkg/model"
)

// Job is a named unit of work bound to its executor. Immutable once registered.
type Job struct {
	Name     string
	Position int
	Executor Executor
	Args     map[string]any
}

// JobOption configures a job at registration time.
type JobOption func(*Job)

// WithArgs attaches the arguments passed to every attempt of the job.
func WithArgs(args map[string]any) JobOption {
	return func(j *Job) {
		j.Args = maps.Clone(args)
	}
}

// Registry holds the ordered set of jobs for one invocation.
// It is frozen when a run starts; later registrations fail.
type Registry struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	order  []string
	frozen bool
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		jobs:   make(map[string]*Job),
		logger: logger.With("component", "job-registry"),
	}
}

// Register adds a job under name.
func (r *Registry) Register(name string, exec Executor, opts ...JobOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return &model.RegistryFrozenError{Job: name}
	}
	if _, ok := r.jobs[name]; ok {
		return &model.DuplicateJobError{Job: name}
	}

	job := &Job{Name: name, Position: len(r.order), Executor: exec}
	for _, opt := range opts {
		opt(job)
	}
	r.jobs[name] = job
	r.order = append(r.order, name)
	r.logger.Debug("job registered", "job", name, "position", job.Position)
	return nil
}

// Get returns the job registered under name.
func (r *Registry) Get(name string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[name]
	if !ok {
		return nil, &model.UnknownJobError{Job: name}
	}
	return job, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.jobs[name]
	return ok
}

// Names returns job names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Freeze rejects further registrations. Safe to call more than once.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}
