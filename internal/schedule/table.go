package schedule

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/me/provsched/internal/executor"
	"github.com/me/provsched/pkg/model"
)

// Table holds the ScheduleEntry of every registered job.
//
// Entries are defined during setup, checked once with Validate and frozen
// when a run starts. A job that was registered but never defined runs with
// the zero entry.
type Table struct {
	mu        sync.RWMutex
	registry  *executor.Registry
	entries   map[string]model.ScheduleEntry
	order     []string
	validated bool
	frozen    bool
	logger    *slog.Logger
}

// NewTable creates an empty Table over the jobs of reg.
func NewTable(reg *executor.Registry, logger *slog.Logger) *Table {
	return &Table{
		registry: reg,
		entries:  make(map[string]model.ScheduleEntry),
		logger:   logger.With("component", "schedule"),
	}
}

// Define attaches entry to the registered job name, replacing any previous
// entry. Defining invalidates an earlier Validate.
func (t *Table) Define(name string, entry model.ScheduleEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.frozen {
		return model.ErrScheduleFrozen
	}
	if !t.registry.Has(name) {
		return &model.UnknownJobError{Job: name}
	}
	if err := checkEntry(name, entry); err != nil {
		return err
	}

	t.entries[name] = entry.Clone()
	t.validated = false
	return nil
}

func checkEntry(name string, e model.ScheduleEntry) error {
	switch {
	case e.Retries < 0:
		return &model.InvalidEntryError{Job: name, Field: "retries", Reason: "must be >= 0"}
	case e.Timeout < 0:
		return &model.InvalidEntryError{Job: name, Field: "timeout", Reason: "must be >= 0"}
	case e.Timewait < 0:
		return &model.InvalidEntryError{Job: name, Field: "timewait", Reason: "must be >= 0"}
	case !e.CleanupPolicy.Valid():
		return &model.InvalidEntryError{Job: name, Field: "cleanup_policy", Reason: "must be clear or keep"}
	}
	return nil
}

// Entry returns a copy of the entry for name, or the zero entry.
func (t *Table) Entry(name string) model.ScheduleEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[name].Clone()
}

// Validate checks that every dependencies and on_success reference names a
// registered job and that the dependency relation is acyclic. on_success
// edges are sequencing only and are not part of the cycle check.
func (t *Table) Validate() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := t.registry.Names()
	position := make(map[string]int, len(names))
	for i, n := range names {
		position[n] = i
	}

	for _, name := range names {
		e := t.entries[name]
		for _, dep := range e.Dependencies {
			if _, ok := position[dep]; !ok {
				return &model.DanglingReferenceError{Job: name, Field: "dependencies", Ref: dep}
			}
		}
		for _, next := range e.OnSuccess {
			if _, ok := position[next]; !ok {
				return &model.DanglingReferenceError{Job: name, Field: "on_success", Ref: next}
			}
		}
	}

	order, err := topoSort(names, position, t.entries)
	if err != nil {
		return err
	}

	t.order = order
	t.validated = true
	t.logger.Debug("schedule validated", "jobs", len(names), "order", order)
	return nil
}

// topoSort runs Kahn's algorithm over the dependency edges. Ties are broken
// by registration position so the order is deterministic.
func topoSort(names []string, position map[string]int, entries map[string]model.ScheduleEntry) ([]string, error) {
	// forward[A] = [B] means B depends on A.
	forward := make(map[string][]string, len(names))
	inDegree := make(map[string]int, len(names))
	for _, n := range names {
		inDegree[n] = 0
	}

	for _, name := range names {
		seen := make(map[string]bool)
		for _, dep := range entries[name].Dependencies {
			if dep == name {
				return nil, &model.CyclicDependencyError{Jobs: []string{name}}
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			forward[dep] = append(forward[dep], name)
			inDegree[name]++
		}
	}

	byPosition := func(s []string) {
		sort.Slice(s, func(i, j int) bool { return position[s[i]] < position[s[j]] })
	}

	var queue []string
	for _, n := range names {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	order := make([]string, 0, len(names))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		for _, succ := range forward[node] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
		byPosition(queue)
	}

	if len(order) != len(names) {
		var cycle []string
		for _, n := range names {
			if inDegree[n] > 0 {
				cycle = append(cycle, n)
			}
		}
		return nil, &model.CyclicDependencyError{Jobs: cycle}
	}
	return order, nil
}

// Validated reports whether the current definitions passed Validate.
func (t *Table) Validated() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.validated
}

// Order returns the dependency order computed by the last successful Validate.
func (t *Table) Order() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.order...)
}

// Freeze rejects further Define calls.
func (t *Table) Freeze() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frozen = true
}

// Registry returns the job registry the table was built over.
func (t *Table) Registry() *executor.Registry {
	return t.registry
}

// MaxDuration is the worst-case wall clock of the whole schedule: every job
// exhausting its retries at full timeout plus timewait between attempts.
// Jobs without a timeout contribute nothing.
func (t *Table) MaxDuration() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total time.Duration
	for _, e := range t.entries {
		total += time.Duration(e.MaxAttempts())*e.Timeout + time.Duration(e.Retries)*e.Timewait
	}
	return total
}
