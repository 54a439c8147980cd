package store

import (
	"context"

	"github.com/me/provsched/pkg/model"
)

// Store defines the persistence layer for run reports.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.Report) error
	SaveReport(ctx context.Context, report *model.Report) error
	GetRun(ctx context.Context, id string) (*model.Report, error)
	ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Report, int, error)
	DeleteRun(ctx context.Context, id string) error

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
