package model

// JobState represents the lifecycle state of a Job within one run.
type JobState string

const (
	JobStatePending     JobState = "PENDING"
	JobStateRunning     JobState = "RUNNING"
	JobStateSucceeded   JobState = "SUCCEEDED"
	JobStateFailed      JobState = "FAILED"
	JobStateFailedFinal JobState = "FAILED_FINAL"
	JobStateSkipped     JobState = "SKIPPED"
	JobStateCancelled   JobState = "CANCELLED"
)

// String returns the string representation of the job state.
func (s JobState) String() string {
	return string(s)
}

// IsTerminal returns true if the job is in a final state.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailedFinal, JobStateSkipped, JobStateCancelled:
		return true
	}
	return false
}

// ValidJobTransitions defines the allowed state transitions for Jobs.
// FAILED is the transient state between a failed attempt and either a
// retry (back to RUNNING) or FAILED_FINAL.
var ValidJobTransitions = map[JobState][]JobState{
	JobStatePending: {JobStateRunning, JobStateSkipped, JobStateCancelled},
	JobStateRunning: {JobStateSucceeded, JobStateFailed},
	JobStateFailed:  {JobStateRunning, JobStateFailedFinal},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s JobState) CanTransitionTo(next JobState) bool {
	for _, allowed := range ValidJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RunStatus represents the overall outcome of a scheduling run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// String returns the string representation of the run status.
func (s RunStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusRunning
}

// FailureKind classifies why a job attempt failed.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureTimeout   FailureKind = "timeout"
	FailureExecutor  FailureKind = "executor_failure"
	FailureCancelled FailureKind = "cancelled"
)

// CleanupAction records what the failure/cleanup controller decided for a job.
type CleanupAction string

const (
	CleanupNone           CleanupAction = ""
	CleanupRetain         CleanupAction = "RETAIN"
	CleanupTeardown       CleanupAction = "TEARDOWN"
	CleanupTeardownFailed CleanupAction = "TEARDOWN_FAILED"
)
