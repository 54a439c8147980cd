package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/provsched/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Runs ---

// CreateRun inserts the run row, normally while the run is still RUNNING.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Report) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)

	entryJSON, err := json.Marshal(run.Entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	status := run.Status
	if status == "" {
		status = model.RunStatusRunning
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, name, source, status, entry, elapsed_ns, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, run.Source, string(status), string(entryJSON), int64(run.Elapsed),
		run.StartedAt.Format(time.RFC3339Nano), formatTimePtr(run.CompletedAt),
	)
	return err
}

// SaveReport updates the run row and replaces its job rows in one transaction.
func (s *SQLiteStore) SaveReport(ctx context.Context, report *model.Report) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", report.ID, "jobs", len(report.Jobs))

	entryJSON, err := json.Marshal(report.Entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET name = ?, source = ?, status = ?, entry = ?, elapsed_ns = ?, started_at = ?, completed_at = ?
		 WHERE id = ?`,
		report.Name, report.Source, string(report.Status), string(entryJSON), int64(report.Elapsed),
		report.StartedAt.Format(time.RFC3339Nano), formatTimePtr(report.CompletedAt), report.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", report.ID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM job_runs WHERE run_id = ?`, report.ID); err != nil {
		return fmt.Errorf("clear job rows: %w", err)
	}
	for _, jr := range report.Ordered() {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO job_runs (run_id, name, position, status, attempts, elapsed_ns, error, failure_kind,
			   cleanup, cleanup_error, instance_cleared, automation_phase, human_description, started_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			report.ID, jr.Name, jr.Position, string(jr.Status), jr.Attempts, int64(jr.Elapsed),
			jr.Error, string(jr.FailureKind), string(jr.Cleanup), jr.CleanupError, jr.InstanceCleared,
			jr.AutomationPhase, jr.HumanDescription,
			formatTimePtr(jr.StartedAt), formatTimePtr(jr.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("insert job %s: %w", jr.Name, err)
		}
	}

	return tx.Commit()
}

// GetRun returns the run with its job reports, or nil if it does not exist.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Report, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)

	run, err := s.scanRun(s.db.QueryRowContext(ctx,
		`SELECT id, name, source, status, entry, elapsed_ns, started_at, completed_at
		 FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, position, status, attempts, elapsed_ns, error, failure_kind, cleanup, cleanup_error,
		   instance_cleared, automation_phase, human_description, started_at, completed_at
		 FROM job_runs WHERE run_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	run.Jobs = make(map[string]*model.JobReport)
	for rows.Next() {
		var jr model.JobReport
		var status, kind, cleanup string
		var elapsed int64
		var startedAt, completedAt *string

		if err := rows.Scan(&jr.Name, &jr.Position, &status, &jr.Attempts, &elapsed, &jr.Error, &kind,
			&cleanup, &jr.CleanupError, &jr.InstanceCleared, &jr.AutomationPhase, &jr.HumanDescription,
			&startedAt, &completedAt); err != nil {
			return nil, err
		}
		jr.Status = model.JobState(status)
		jr.FailureKind = model.FailureKind(kind)
		jr.Cleanup = model.CleanupAction(cleanup)
		jr.Elapsed = time.Duration(elapsed)
		jr.StartedAt = parseTimePtr(startedAt)
		jr.CompletedAt = parseTimePtr(completedAt)
		run.Jobs[jr.Name] = &jr
	}
	return run, rows.Err()
}

// ListRuns returns run headers (without job detail), newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Report, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "runs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	// Build WHERE clause dynamically based on filters.
	var whereClauses []string
	var countArgs []any

	if opts.Status != "" {
		whereClauses = append(whereClauses, "status = ?")
		countArgs = append(countArgs, opts.Status)
	}
	if opts.Name != "" {
		whereClauses = append(whereClauses, "name = ?")
		countArgs = append(countArgs, opts.Name)
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+whereSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := `SELECT id, name, source, status, entry, elapsed_ns, started_at, completed_at
		FROM runs` + whereSQL + ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	listArgs := append(countArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*model.Report
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

// DeleteRun removes a run and its job rows.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "runs", "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM job_runs WHERE run_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanRun(row scanner) (*model.Report, error) {
	var run model.Report
	var status, entryJSON, startedAt string
	var elapsed int64
	var completedAt *string

	if err := row.Scan(&run.ID, &run.Name, &run.Source, &status, &entryJSON, &elapsed, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	run.Status = model.RunStatus(status)
	if err := json.Unmarshal([]byte(entryJSON), &run.Entry); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	run.Elapsed = time.Duration(elapsed)
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	run.CompletedAt = parseTimePtr(completedAt)
	return &run, nil
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}
