// Package scheduler drives a validated schedule table to completion: it
// resolves dependencies, dispatches runnable jobs to their executors with
// timeout and retry policy, and hands final failures to the cleanup
// controller.
package scheduler

import (
	"context"

	"github.com/me/provsched/pkg/model"
)

// Scheduler runs a schedule from a set of entry jobs.
type Scheduler interface {
	// Run blocks until every reachable job is terminal or ctx is cancelled
	// and the in-flight attempts have returned.
	Run(ctx context.Context, entry []string) (*model.Report, error)
}

var _ Scheduler = (*Engine)(nil)
