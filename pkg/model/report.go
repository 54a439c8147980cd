package model

import (
	"sort"
	"time"
)

// JobReport is the final record of one job in a run.
type JobReport struct {
	Name             string        `json:"name"`
	Position         int           `json:"position"`
	Status           JobState      `json:"status"`
	Attempts         int           `json:"attempts"`
	Elapsed          time.Duration `json:"elapsed"`
	Error            string        `json:"error,omitempty"`
	FailureKind      FailureKind   `json:"failure_kind,omitempty"`
	Cleanup          CleanupAction `json:"cleanup,omitempty"`
	CleanupError     string        `json:"cleanup_error,omitempty"`
	InstanceCleared  bool          `json:"instance_cleared"`
	AutomationPhase  string        `json:"automation_phase,omitempty"`
	HumanDescription string        `json:"human_description,omitempty"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
}

// Report is the structured outcome of a scheduling run.
type Report struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Source      string                `json:"source,omitempty"`
	Status      RunStatus             `json:"status"`
	Entry       []string              `json:"entry"`
	Jobs        map[string]*JobReport `json:"jobs"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	Elapsed     time.Duration         `json:"elapsed"`
}

// JobSummary counts jobs by final state.
type JobSummary struct {
	Total       int `json:"total"`
	Pending     int `json:"pending"`
	Succeeded   int `json:"succeeded"`
	FailedFinal int `json:"failed_final"`
	Skipped     int `json:"skipped"`
	Cancelled   int `json:"cancelled"`
}

// Header returns a copy of r without per-job detail.
func (r *Report) Header() *Report {
	h := *r
	h.Jobs = nil
	return &h
}

// Ordered returns the job reports in registration order.
func (r *Report) Ordered() []*JobReport {
	out := make([]*JobReport, 0, len(r.Jobs))
	for _, jr := range r.Jobs {
		out = append(out, jr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Summary tallies the job states in the report.
func (r *Report) Summary() JobSummary {
	s := JobSummary{Total: len(r.Jobs)}
	for _, jr := range r.Jobs {
		switch jr.Status {
		case JobStateSucceeded:
			s.Succeeded++
		case JobStateFailedFinal:
			s.FailedFinal++
		case JobStateSkipped:
			s.Skipped++
		case JobStateCancelled:
			s.Cancelled++
		default:
			s.Pending++
		}
	}
	return s
}

// Outcome derives the run status from the job states. cancelled wins over
// failure; any FAILED_FINAL or SKIPPED job marks the run FAILED.
func (r *Report) Outcome(cancelled bool) RunStatus {
	if cancelled {
		return RunStatusCancelled
	}
	s := r.Summary()
	if s.FailedFinal > 0 || s.Skipped > 0 {
		return RunStatusFailed
	}
	return RunStatusCompleted
}
