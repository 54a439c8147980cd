package model

import (
	"slices"
	"time"
)

// CleanupPolicy governs whether a job's ephemeral instance state is removed
// once the job reaches a terminal status.
type CleanupPolicy string

const (
	CleanupPolicyClear CleanupPolicy = "clear"
	CleanupPolicyKeep  CleanupPolicy = "keep"
)

// Valid reports whether p is a known policy. The empty policy is treated as clear.
func (p CleanupPolicy) Valid() bool {
	switch p {
	case "", CleanupPolicyClear, CleanupPolicyKeep:
		return true
	}
	return false
}

// Resource identifies something a job provisions, for teardown purposes.
type Resource struct {
	Hostname     string `json:"hostname,omitempty" yaml:"hostname"`
	ResourceType string `json:"resource_type,omitempty" yaml:"resource_type"`
}

// ScheduleEntry is the scheduling policy attached to one registered job.
type ScheduleEntry struct {
	Timeout                time.Duration `json:"timeout"`
	Timewait               time.Duration `json:"timewait"`
	CleanupPolicy          CleanupPolicy `json:"cleanup_policy"`
	KeepResourcesOnFailure bool          `json:"keep_resources_on_failure"`
	Retries                int           `json:"retries"`
	Dependencies           []string      `json:"dependencies,omitempty"`
	OnSuccess              []string      `json:"on_success,omitempty"`
	Resources              []Resource    `json:"resources,omitempty"`
	AutomationPhase        string        `json:"automation_phase,omitempty"`
	HumanDescription       string        `json:"human_description,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate a defined entry.
func (e ScheduleEntry) Clone() ScheduleEntry {
	e.Dependencies = slices.Clone(e.Dependencies)
	e.OnSuccess = slices.Clone(e.OnSuccess)
	e.Resources = slices.Clone(e.Resources)
	return e
}

// Policy returns the effective cleanup policy (clear when unset).
func (e ScheduleEntry) Policy() CleanupPolicy {
	if e.CleanupPolicy == "" {
		return CleanupPolicyClear
	}
	return e.CleanupPolicy
}

// MaxAttempts is the total number of executor invocations allowed.
func (e ScheduleEntry) MaxAttempts() int {
	return e.Retries + 1
}

// TeardownDirective asks the teardown collaborator to delete whatever a
// failed job provisioned.
type TeardownDirective struct {
	Job       string     `json:"job"`
	Resources []Resource `json:"resources,omitempty"`
}

// ExecutorType identifies which executor backend runs a job from a schedule file.
type ExecutorType string

const (
	ExecutorTypeShell  ExecutorType = "shell"
	ExecutorTypeDocker ExecutorType = "docker"
)
