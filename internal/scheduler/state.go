package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/me/provsched/pkg/model"
)

type jobRecord struct {
	state           model.JobState
	attempts        int
	err             error
	kind            model.FailureKind
	cleanup         model.CleanupAction
	cleanupErr      error
	instanceCleared bool
	startedAt       *time.Time
	completedAt     *time.Time
}

// RunState is the per-run record of every job's status. It is owned by one
// run and safe for concurrent use by that run's job goroutines.
type RunState struct {
	mu   sync.Mutex
	jobs map[string]*jobRecord
}

// NewRunState creates a RunState with every named job PENDING.
func NewRunState(names []string) *RunState {
	jobs := make(map[string]*jobRecord, len(names))
	for _, n := range names {
		jobs[n] = &jobRecord{state: model.JobStatePending}
	}
	return &RunState{jobs: jobs}
}

// State returns the current state of job.
func (s *RunState) State(job string) (model.JobState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[job]
	if !ok {
		return "", false
	}
	return rec.state, true
}

// Attempts returns how many times job has been started.
func (s *RunState) Attempts(job string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.jobs[job]; ok {
		return rec.attempts
	}
	return 0
}

// TryStart claims job for execution. Only one caller wins the
// PENDING -> RUNNING transition.
func (s *RunState) TryStart(job string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[job]
	if !ok || rec.state != model.JobStatePending {
		return false
	}
	now := time.Now().UTC()
	rec.state = model.JobStateRunning
	rec.attempts = 1
	rec.startedAt = &now
	return true
}

// Retry moves a FAILED job back to RUNNING for its next attempt.
func (s *RunState) Retry(job string) error {
	return s.update(job, model.JobStateRunning, func(rec *jobRecord) {
		rec.attempts++
	})
}

// Succeed marks a RUNNING job SUCCEEDED.
func (s *RunState) Succeed(job string) error {
	return s.update(job, model.JobStateSucceeded, func(rec *jobRecord) {
		rec.err = nil
		rec.kind = model.FailureNone
		rec.complete()
	})
}

// Fail records a failed attempt.
func (s *RunState) Fail(job string, err error) error {
	return s.update(job, model.JobStateFailed, func(rec *jobRecord) {
		rec.err = err
		rec.kind = model.KindOf(err)
	})
}

// FailFinal marks a FAILED job FAILED_FINAL. A non-empty kind overrides the
// kind of the last attempt.
func (s *RunState) FailFinal(job string, kind model.FailureKind) error {
	return s.update(job, model.JobStateFailedFinal, func(rec *jobRecord) {
		if kind != model.FailureNone {
			rec.kind = kind
		}
		rec.complete()
	})
}

// Skip marks a PENDING job SKIPPED without running it.
func (s *RunState) Skip(job string, reason error) error {
	return s.update(job, model.JobStateSkipped, func(rec *jobRecord) {
		rec.err = reason
		rec.complete()
	})
}

// Cancel marks a PENDING job CANCELLED.
func (s *RunState) Cancel(job string) error {
	return s.update(job, model.JobStateCancelled, func(rec *jobRecord) {
		rec.kind = model.FailureCancelled
		rec.complete()
	})
}

// SetCleanup records the cleanup controller's decision for job.
func (s *RunState) SetCleanup(job string, action model.CleanupAction, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.jobs[job]; ok {
		rec.cleanup = action
		rec.cleanupErr = err
	}
}

// SetInstanceCleared records that job's ephemeral instance was removed.
func (s *RunState) SetInstanceCleared(job string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.jobs[job]; ok {
		rec.instanceCleared = true
	}
}

func (s *RunState) update(job string, to model.JobState, fn func(*jobRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[job]
	if !ok {
		return &model.UnknownJobError{Job: job}
	}
	if !rec.state.CanTransitionTo(to) {
		return fmt.Errorf("job %q: invalid transition %s -> %s", job, rec.state, to)
	}
	rec.state = to
	fn(rec)
	return nil
}

func (rec *jobRecord) complete() {
	now := time.Now().UTC()
	rec.completedAt = &now
}

// JobReport builds the report entry for job.
func (s *RunState) JobReport(job string) *model.JobReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[job]
	if !ok {
		return nil
	}
	jr := &model.JobReport{
		Name:            job,
		Status:          rec.state,
		Attempts:        rec.attempts,
		FailureKind:     rec.kind,
		Cleanup:         rec.cleanup,
		InstanceCleared: rec.instanceCleared,
		StartedAt:       rec.startedAt,
		CompletedAt:     rec.completedAt,
	}
	if rec.err != nil {
		jr.Error = rec.err.Error()
	}
	if rec.cleanupErr != nil {
		jr.CleanupError = rec.cleanupErr.Error()
	}
	if rec.startedAt != nil && rec.completedAt != nil {
		jr.Elapsed = rec.completedAt.Sub(*rec.startedAt)
	}
	return jr
}
