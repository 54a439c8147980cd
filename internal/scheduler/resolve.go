package scheduler

import "github.com/me/provsched/pkg/model"

// StateLookup exposes the current state of jobs in a run.
type StateLookup interface {
	State(job string) (model.JobState, bool)
}

// AreDependenciesSatisfied checks the dependencies of a job against the
// current run state.
//
// Returns:
//   - satisfied=true,  blocked=false: all deps are SUCCEEDED (or no deps).
//   - satisfied=false, blocked=true:  a dep is unknown, FAILED_FINAL, SKIPPED or CANCELLED.
//   - satisfied=false, blocked=false: deps exist but are not yet finished.
func AreDependenciesSatisfied(deps []string, states StateLookup) (satisfied bool, blocked bool) {
	for _, dep := range deps {
		st, ok := states.State(dep)
		if !ok {
			return false, true
		}

		switch st {
		case model.JobStateFailedFinal, model.JobStateSkipped, model.JobStateCancelled:
			return false, true
		case model.JobStateSucceeded:
			continue
		default:
			// Still pending, running or between retries.
			return false, false
		}
	}

	return true, false
}

// IsRunnable reports whether every dependency has SUCCEEDED.
func IsRunnable(deps []string, states StateLookup) bool {
	ok, _ := AreDependenciesSatisfied(deps, states)
	return ok
}

// BlockingDependency returns the first dependency that prevents the job from
// ever running, or "" if none does.
func BlockingDependency(deps []string, states StateLookup) string {
	for _, dep := range deps {
		st, ok := states.State(dep)
		if !ok {
			return dep
		}
		switch st {
		case model.JobStateFailedFinal, model.JobStateSkipped, model.JobStateCancelled:
			return dep
		}
	}
	return ""
}
