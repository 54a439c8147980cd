package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/me/provsched/internal/executor"
	"github.com/me/provsched/internal/schedule"
	"github.com/me/provsched/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder counts invocations and keeps the order in which jobs started.
type recorder struct {
	mu    sync.Mutex
	order []string
	calls map[string]int
}

func newRecorder() *recorder {
	return &recorder{calls: make(map[string]int)}
}

func (r *recorder) record(job string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, job)
	r.calls[job]++
	return r.calls[job]
}

func (r *recorder) count(job string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[job]
}

func (r *recorder) sequence() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.order, ",")
}

// fn builds an executor that records each call and then runs body.
func (r *recorder) fn(body func(ctx context.Context, req executor.Request) error) executor.Func {
	return func(ctx context.Context, req executor.Request) (*executor.Result, error) {
		r.record(req.Job)
		if body == nil {
			return &executor.Result{}, nil
		}
		return &executor.Result{}, body(ctx, req)
	}
}

type testJob struct {
	name  string
	exec  executor.Executor
	entry model.ScheduleEntry
}

// newTestEngine registers and defines jobs, validates the table and returns
// an engine with the given fallback teardowner.
func newTestEngine(t *testing.T, cfg Config, fallback executor.Teardowner, jobs ...testJob) *Engine {
	t.Helper()
	logger := testLogger()
	reg := executor.NewRegistry(logger)
	for _, j := range jobs {
		if err := reg.Register(j.name, j.exec); err != nil {
			t.Fatalf("Register(%s): %v", j.name, err)
		}
	}
	tbl := schedule.NewTable(reg, logger)
	for _, j := range jobs {
		if err := tbl.Define(j.name, j.entry); err != nil {
			t.Fatalf("Define(%s): %v", j.name, err)
		}
	}
	if err := tbl.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return NewEngine(tbl, NewController(fallback, logger), cfg, logger)
}

func runEngine(t *testing.T, eng *Engine, entry ...string) *model.Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	report, err := eng.Run(ctx, entry)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return report
}

func assertStatus(t *testing.T, report *model.Report, want map[string]model.JobState) {
	t.Helper()
	for job, st := range want {
		jr, ok := report.Jobs[job]
		if !ok {
			t.Errorf("job %s missing from report", job)
			continue
		}
		if jr.Status != st {
			t.Errorf("job %s status = %s, want %s (error=%q)", job, jr.Status, st, jr.Error)
		}
	}
}

func TestEngine_OnSuccessChain(t *testing.T) {
	rec := newRecorder()
	eng := newTestEngine(t, DefaultConfig(), nil,
		testJob{"A", rec.fn(nil), model.ScheduleEntry{OnSuccess: []string{"B"}}},
		testJob{"B", rec.fn(nil), model.ScheduleEntry{Dependencies: []string{"A"}, OnSuccess: []string{"C"}}},
		testJob{"C", rec.fn(nil), model.ScheduleEntry{Dependencies: []string{"A", "B"}}},
	)

	report := runEngine(t, eng, "A")

	if got := rec.sequence(); got != "A,B,C" {
		t.Errorf("order = %s, want A,B,C", got)
	}
	assertStatus(t, report, map[string]model.JobState{
		"A": model.JobStateSucceeded,
		"B": model.JobStateSucceeded,
		"C": model.JobStateSucceeded,
	})
	if report.Status != model.RunStatusCompleted {
		t.Errorf("run status = %s, want COMPLETED", report.Status)
	}
	for _, jr := range report.Jobs {
		if jr.Attempts != 1 {
			t.Errorf("job %s attempts = %d, want 1", jr.Name, jr.Attempts)
		}
	}
}

func TestEngine_EmptyDependenciesRunImmediately(t *testing.T) {
	rec := newRecorder()
	eng := newTestEngine(t, DefaultConfig(), nil,
		testJob{"solo", rec.fn(nil), model.ScheduleEntry{}},
	)
	report := runEngine(t, eng, "solo")
	assertStatus(t, report, map[string]model.JobState{"solo": model.JobStateSucceeded})
}

func TestEngine_RetriesBoundInvocations(t *testing.T) {
	for _, retries := range []int{0, 1, 2} {
		rec := newRecorder()
		boom := errors.New("exit code 1")
		eng := newTestEngine(t, DefaultConfig(), nil,
			testJob{"flaky", rec.fn(func(context.Context, executor.Request) error { return boom }),
				model.ScheduleEntry{Retries: retries, Timewait: time.Millisecond, KeepResourcesOnFailure: true}},
		)

		report := runEngine(t, eng, "flaky")

		if got := rec.count("flaky"); got != retries+1 {
			t.Errorf("retries=%d: invocations = %d, want %d", retries, got, retries+1)
		}
		jr := report.Jobs["flaky"]
		if jr.Status != model.JobStateFailedFinal || jr.Attempts != retries+1 {
			t.Errorf("retries=%d: report = %+v", retries, jr)
		}
		if jr.FailureKind != model.FailureExecutor || !strings.Contains(jr.Error, "exit code 1") {
			t.Errorf("retries=%d: failure = %q/%q", retries, jr.FailureKind, jr.Error)
		}
	}
}

func TestEngine_RetryThenSucceed(t *testing.T) {
	rec := newRecorder()
	eng := newTestEngine(t, DefaultConfig(), nil,
		testJob{"sshkey", rec.fn(func(_ context.Context, req executor.Request) error {
			if req.Attempt == 1 {
				return errors.New("throttled")
			}
			return nil
		}), model.ScheduleEntry{Retries: 1, OnSuccess: []string{"create"}}},
		testJob{"create", rec.fn(nil), model.ScheduleEntry{Dependencies: []string{"sshkey"}}},
	)

	report := runEngine(t, eng, "sshkey")

	assertStatus(t, report, map[string]model.JobState{
		"sshkey": model.JobStateSucceeded,
		"create": model.JobStateSucceeded,
	})
	if report.Jobs["sshkey"].Attempts != 2 {
		t.Errorf("sshkey attempts = %d, want 2", report.Jobs["sshkey"].Attempts)
	}
	if report.Jobs["sshkey"].Error != "" {
		t.Errorf("sshkey error = %q, want none after success", report.Jobs["sshkey"].Error)
	}
}

func TestEngine_FailedDependencySkipsDependents(t *testing.T) {
	rec := newRecorder()
	eng := newTestEngine(t, DefaultConfig(), nil,
		testJob{"A", rec.fn(func(context.Context, executor.Request) error { return errors.New("boom") }),
			model.ScheduleEntry{KeepResourcesOnFailure: true, OnSuccess: []string{"B"}}},
		testJob{"B", rec.fn(nil), model.ScheduleEntry{Dependencies: []string{"A"}}},
		testJob{"C", rec.fn(nil), model.ScheduleEntry{Dependencies: []string{"B"}}},
		testJob{"D", rec.fn(nil), model.ScheduleEntry{}},
	)

	report := runEngine(t, eng, "A", "B", "C", "D")

	assertStatus(t, report, map[string]model.JobState{
		"A": model.JobStateFailedFinal,
		"B": model.JobStateSkipped,
		"C": model.JobStateSkipped,
		"D": model.JobStateSucceeded,
	})
	if rec.count("B") != 0 || rec.count("C") != 0 {
		t.Errorf("skipped jobs were invoked: B=%d C=%d", rec.count("B"), rec.count("C"))
	}
	if !strings.Contains(report.Jobs["B"].Error, `"A"`) {
		t.Errorf("B skip reason = %q", report.Jobs["B"].Error)
	}
	if report.Status != model.RunStatusFailed {
		t.Errorf("run status = %s, want FAILED", report.Status)
	}
}

func TestEngine_TeardownPolicy(t *testing.T) {
	tests := []struct {
		name          string
		keep          bool
		wantTeardowns int
		wantCleanup   model.CleanupAction
	}{
		{"keep resources", true, 0, model.CleanupRetain},
		{"tear down", false, 1, model.CleanupTeardown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecorder()
			var mu sync.Mutex
			var directives []model.TeardownDirective
			fallback := executor.TeardownFunc(func(_ context.Context, d model.TeardownDirective) error {
				mu.Lock()
				defer mu.Unlock()
				directives = append(directives, d)
				return nil
			})
			eng := newTestEngine(t, DefaultConfig(), fallback,
				testJob{"bastion", rec.fn(func(context.Context, executor.Request) error { return errors.New("boom") }),
					model.ScheduleEntry{
						Retries:                2,
						KeepResourcesOnFailure: tt.keep,
						Resources:              []model.Resource{{Hostname: "kafka-demo-config", ResourceType: "server"}},
					}},
			)

			report := runEngine(t, eng, "bastion")

			if len(directives) != tt.wantTeardowns {
				t.Fatalf("teardowns = %d, want %d", len(directives), tt.wantTeardowns)
			}
			if tt.wantTeardowns == 1 && directives[0].Resources[0].Hostname != "kafka-demo-config" {
				t.Errorf("directive = %+v", directives[0])
			}
			if got := report.Jobs["bastion"].Cleanup; got != tt.wantCleanup {
				t.Errorf("cleanup = %q, want %q", got, tt.wantCleanup)
			}
		})
	}
}

func TestEngine_TeardownFailureDoesNotAbortRun(t *testing.T) {
	rec := newRecorder()
	fallback := executor.TeardownFunc(func(context.Context, model.TeardownDirective) error {
		return errors.New("permission denied")
	})
	eng := newTestEngine(t, DefaultConfig(), fallback,
		testJob{"bad", rec.fn(func(context.Context, executor.Request) error { return errors.New("boom") }), model.ScheduleEntry{}},
		testJob{"good", rec.fn(nil), model.ScheduleEntry{}},
	)

	report := runEngine(t, eng, "bad", "good")

	assertStatus(t, report, map[string]model.JobState{
		"bad":  model.JobStateFailedFinal,
		"good": model.JobStateSucceeded,
	})
	jr := report.Jobs["bad"]
	if jr.Cleanup != model.CleanupTeardownFailed || !strings.Contains(jr.CleanupError, "permission denied") {
		t.Errorf("cleanup = %q/%q", jr.Cleanup, jr.CleanupError)
	}
}

func TestEngine_Timeout(t *testing.T) {
	rec := newRecorder()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	eng := newTestEngine(t, Config{StopGrace: 10 * time.Millisecond}, nil,
		testJob{"hang", rec.fn(func(context.Context, executor.Request) error {
			// Ignores its context; the engine only waits StopGrace for it.
			<-release
			return nil
		}), model.ScheduleEntry{Timeout: 20 * time.Millisecond, KeepResourcesOnFailure: true}},
	)

	report := runEngine(t, eng, "hang")

	jr := report.Jobs["hang"]
	if jr.Status != model.JobStateFailedFinal || jr.FailureKind != model.FailureTimeout {
		t.Errorf("report = %+v", jr)
	}
}

func TestEngine_TimeoutThenRetry(t *testing.T) {
	rec := newRecorder()
	eng := newTestEngine(t, DefaultConfig(), nil,
		testJob{"slow", rec.fn(func(ctx context.Context, req executor.Request) error {
			if req.Attempt == 1 {
				<-ctx.Done()
				return ctx.Err()
			}
			return nil
		}), model.ScheduleEntry{Timeout: 20 * time.Millisecond, Retries: 1}},
	)

	report := runEngine(t, eng, "slow")

	jr := report.Jobs["slow"]
	if jr.Status != model.JobStateSucceeded || jr.Attempts != 2 {
		t.Errorf("report = %+v", jr)
	}
}

func TestEngine_TimedOutAttemptStillRunningIsNotRetried(t *testing.T) {
	rec := newRecorder()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	eng := newTestEngine(t, Config{StopGrace: 20 * time.Millisecond}, nil,
		testJob{"hang", rec.fn(func(context.Context, executor.Request) error {
			<-release
			return nil
		}), model.ScheduleEntry{Timeout: 20 * time.Millisecond, Retries: 2, KeepResourcesOnFailure: true}},
	)

	report := runEngine(t, eng, "hang")

	jr := report.Jobs["hang"]
	if jr.Status != model.JobStateFailedFinal || jr.FailureKind != model.FailureTimeout || jr.Attempts != 1 {
		t.Errorf("report = %+v", jr)
	}
	if got := rec.count("hang"); got != 1 {
		t.Errorf("invocations = %d, want 1 while the first attempt is still running", got)
	}
}

// fakePoller completes after a fixed number of polls.
type fakePoller struct {
	mu        sync.Mutex
	submits   int
	polls     int
	executes  int
	doneAfter int
	fail      bool
}

func (p *fakePoller) Execute(context.Context, executor.Request) (*executor.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executes++
	return &executor.Result{}, nil
}

func (p *fakePoller) Submit(_ context.Context, req executor.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits++
	return "ext-" + req.Job, nil
}

func (p *fakePoller) Poll(_ context.Context, id string) (*executor.Result, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	if p.polls < p.doneAfter {
		return nil, false, nil
	}
	if p.fail {
		return &executor.Result{ExternalID: id, ExitCode: 2}, true, errors.New("exit code 2")
	}
	return &executor.Result{ExternalID: id}, true, nil
}

func TestEngine_PollerPath(t *testing.T) {
	p := &fakePoller{doneAfter: 3}
	eng := newTestEngine(t, DefaultConfig(), nil,
		testJob{"create", p, model.ScheduleEntry{Timewait: time.Millisecond}},
	)

	report := runEngine(t, eng, "create")

	assertStatus(t, report, map[string]model.JobState{"create": model.JobStateSucceeded})
	if p.submits != 1 || p.polls != 3 || p.executes != 0 {
		t.Errorf("submits=%d polls=%d executes=%d, want 1/3/0", p.submits, p.polls, p.executes)
	}
}

func TestEngine_PollerFailureRetries(t *testing.T) {
	p := &fakePoller{doneAfter: 1, fail: true}
	eng := newTestEngine(t, DefaultConfig(), nil,
		testJob{"create", p, model.ScheduleEntry{Retries: 1, KeepResourcesOnFailure: true}},
	)

	report := runEngine(t, eng, "create")

	jr := report.Jobs["create"]
	if jr.Status != model.JobStateFailedFinal || jr.Attempts != 2 || p.submits != 2 {
		t.Errorf("report = %+v, submits = %d", jr, p.submits)
	}
}

func TestEngine_StructuralErrors(t *testing.T) {
	t.Run("not validated", func(t *testing.T) {
		logger := testLogger()
		reg := executor.NewRegistry(logger)
		reg.Register("a", executor.Func(func(context.Context, executor.Request) (*executor.Result, error) {
			t.Error("executor must not run")
			return nil, nil
		}))
		eng := NewEngine(schedule.NewTable(reg, logger), NewController(nil, logger), DefaultConfig(), logger)

		if _, err := eng.Run(context.Background(), []string{"a"}); !errors.Is(err, model.ErrNotValidated) {
			t.Fatalf("err = %v, want ErrNotValidated", err)
		}
	})

	t.Run("unknown entry", func(t *testing.T) {
		rec := newRecorder()
		eng := newTestEngine(t, DefaultConfig(), nil, testJob{"a", rec.fn(nil), model.ScheduleEntry{}})

		_, err := eng.Run(context.Background(), []string{"a", "ghost"})
		var unk *model.UnknownJobError
		if !errors.As(err, &unk) || unk.Job != "ghost" {
			t.Fatalf("err = %v, want UnknownJobError{ghost}", err)
		}
		if rec.count("a") != 0 {
			t.Error("no job may run after a structural error")
		}
	})
}

func TestEngine_FreezesRegistryAndTable(t *testing.T) {
	rec := newRecorder()
	eng := newTestEngine(t, DefaultConfig(), nil, testJob{"a", rec.fn(nil), model.ScheduleEntry{}})
	runEngine(t, eng, "a")

	err := eng.registry.Register("late", rec.fn(nil))
	var frz *model.RegistryFrozenError
	if !errors.As(err, &frz) {
		t.Errorf("Register after run = %v, want RegistryFrozenError", err)
	}
	if err := eng.table.Define("a", model.ScheduleEntry{}); !errors.Is(err, model.ErrScheduleFrozen) {
		t.Errorf("Define after run = %v, want ErrScheduleFrozen", err)
	}
}

func TestEngine_UnreachableDependencySkipped(t *testing.T) {
	rec := newRecorder()
	eng := newTestEngine(t, DefaultConfig(), nil,
		testJob{"A", rec.fn(nil), model.ScheduleEntry{}},
		testJob{"B", rec.fn(nil), model.ScheduleEntry{Dependencies: []string{"A"}}},
	)

	report := runEngine(t, eng, "B")

	assertStatus(t, report, map[string]model.JobState{
		"A": model.JobStatePending,
		"B": model.JobStateSkipped,
	})
	if rec.count("A")+rec.count("B") != 0 {
		t.Error("no job should have run")
	}
}

func TestEngine_DeferredUntilDependencySucceeds(t *testing.T) {
	rec := newRecorder()
	eng := newTestEngine(t, DefaultConfig(), nil,
		testJob{"sshkey", rec.fn(func(context.Context, executor.Request) error {
			time.Sleep(10 * time.Millisecond)
			return nil
		}), model.ScheduleEntry{}},
		testJob{"create", rec.fn(nil), model.ScheduleEntry{Dependencies: []string{"sshkey"}}},
	)

	// create is queued first but must wait for sshkey.
	report := runEngine(t, eng, "create", "sshkey")

	if got := rec.sequence(); got != "sshkey,create" {
		t.Errorf("order = %s, want sshkey,create", got)
	}
	assertStatus(t, report, map[string]model.JobState{"create": model.JobStateSucceeded})
}

func TestEngine_NoDoubleRun(t *testing.T) {
	rec := newRecorder()
	eng := newTestEngine(t, DefaultConfig(), nil,
		testJob{"A", rec.fn(nil), model.ScheduleEntry{OnSuccess: []string{"C"}}},
		testJob{"B", rec.fn(nil), model.ScheduleEntry{OnSuccess: []string{"C"}}},
		testJob{"C", rec.fn(func(context.Context, executor.Request) error {
			time.Sleep(5 * time.Millisecond)
			return nil
		}), model.ScheduleEntry{}},
	)

	runEngine(t, eng, "A", "B", "A", "C")

	for _, job := range []string{"A", "B", "C"} {
		if got := rec.count(job); got != 1 {
			t.Errorf("job %s invoked %d times, want 1", job, got)
		}
	}
}

func TestEngine_MaxParallel(t *testing.T) {
	var mu sync.Mutex
	var running, peak int
	body := func(context.Context, executor.Request) error {
		mu.Lock()
		running++
		peak = max(peak, running)
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}

	for _, tt := range []struct {
		limit    int
		wantPeak int
	}{{1, 1}, {2, 2}} {
		rec := newRecorder()
		running, peak = 0, 0
		eng := newTestEngine(t, Config{MaxParallel: tt.limit}, nil,
			testJob{"a", rec.fn(body), model.ScheduleEntry{}},
			testJob{"b", rec.fn(body), model.ScheduleEntry{}},
			testJob{"c", rec.fn(body), model.ScheduleEntry{}},
			testJob{"d", rec.fn(body), model.ScheduleEntry{}},
		)
		report := runEngine(t, eng, "a", "b", "c", "d")
		if report.Summary().Succeeded != 4 {
			t.Errorf("limit %d: summary = %+v", tt.limit, report.Summary())
		}
		if peak > tt.wantPeak {
			t.Errorf("limit %d: peak concurrency = %d", tt.limit, peak)
		}
	}
}

func TestEngine_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := newRecorder()
	eng := newTestEngine(t, DefaultConfig(), nil,
		testJob{"A", rec.fn(func(context.Context, executor.Request) error {
			cancel()
			return nil
		}), model.ScheduleEntry{OnSuccess: []string{"B"}}},
		testJob{"B", rec.fn(nil), model.ScheduleEntry{Dependencies: []string{"A"}}},
		testJob{"C", rec.fn(nil), model.ScheduleEntry{Dependencies: []string{"A"}}},
	)

	report, err := eng.Run(ctx, []string{"A", "C"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	assertStatus(t, report, map[string]model.JobState{
		"A": model.JobStateSucceeded,
		"B": model.JobStatePending,
		"C": model.JobStateCancelled,
	})
	if report.Status != model.RunStatusCancelled {
		t.Errorf("run status = %s, want CANCELLED", report.Status)
	}
	if rec.count("B")+rec.count("C") != 0 {
		t.Error("no job may start after cancellation")
	}
}

func TestEngine_CancellationAbandonsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var teardowns int
	fallback := executor.TeardownFunc(func(context.Context, model.TeardownDirective) error {
		teardowns++
		return nil
	})
	rec := newRecorder()
	eng := newTestEngine(t, DefaultConfig(), fallback,
		testJob{"create", rec.fn(func(context.Context, executor.Request) error {
			cancel()
			return errors.New("boom")
		}), model.ScheduleEntry{Retries: 3, Timewait: time.Hour}},
	)

	report, err := eng.Run(ctx, []string{"create"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	jr := report.Jobs["create"]
	if jr.Status != model.JobStateFailedFinal || jr.FailureKind != model.FailureCancelled || jr.Attempts != 1 {
		t.Errorf("report = %+v", jr)
	}
	if teardowns != 1 {
		t.Errorf("teardowns = %d, want 1", teardowns)
	}
}

func TestEngine_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := newRecorder()
	eng := newTestEngine(t, DefaultConfig(), nil, testJob{"a", rec.fn(nil), model.ScheduleEntry{}})

	report, err := eng.Run(ctx, []string{"a"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertStatus(t, report, map[string]model.JobState{"a": model.JobStateCancelled})
	if rec.count("a") != 0 {
		t.Error("job ran on a cancelled context")
	}
}

func TestEngine_PanickingExecutor(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig(), nil,
		testJob{"a", executor.Func(func(context.Context, executor.Request) (*executor.Result, error) {
			panic("nil map")
		}), model.ScheduleEntry{KeepResourcesOnFailure: true}},
	)
	report := runEngine(t, eng, "a")
	jr := report.Jobs["a"]
	if jr.Status != model.JobStateFailedFinal || !strings.Contains(jr.Error, "panic") {
		t.Errorf("report = %+v", jr)
	}
}

// clearingExecutor records ClearInstance calls.
type clearingExecutor struct {
	mu      sync.Mutex
	fail    bool
	cleared []string
}

func (e *clearingExecutor) Execute(_ context.Context, req executor.Request) (*executor.Result, error) {
	if e.fail {
		return &executor.Result{ExternalID: "inst-" + req.Job}, errors.New("boom")
	}
	return &executor.Result{ExternalID: "inst-" + req.Job}, nil
}

func (e *clearingExecutor) ClearInstance(_ context.Context, job string, res *executor.Result) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleared = append(e.cleared, job+"="+res.ExternalID)
	return nil
}

func TestEngine_InstanceCleanupPolicy(t *testing.T) {
	tests := []struct {
		name        string
		policy      model.CleanupPolicy
		fail        bool
		wantCleared bool
	}{
		{"default clears", "", false, true},
		{"clear after failure", model.CleanupPolicyClear, true, true},
		{"keep", model.CleanupPolicyKeep, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &clearingExecutor{fail: tt.fail}
			eng := newTestEngine(t, DefaultConfig(), nil,
				testJob{"bastion", exec, model.ScheduleEntry{CleanupPolicy: tt.policy, KeepResourcesOnFailure: true}},
			)
			report := runEngine(t, eng, "bastion")

			if got := report.Jobs["bastion"].InstanceCleared; got != tt.wantCleared {
				t.Errorf("InstanceCleared = %v, want %v", got, tt.wantCleared)
			}
			if tt.wantCleared && (len(exec.cleared) != 1 || exec.cleared[0] != "bastion=inst-bastion") {
				t.Errorf("cleared = %v", exec.cleared)
			}
			if !tt.wantCleared && len(exec.cleared) != 0 {
				t.Errorf("cleared = %v, want none", exec.cleared)
			}
		})
	}
}

func TestEngine_ReportCarriesEntryLabels(t *testing.T) {
	rec := newRecorder()
	eng := newTestEngine(t, DefaultConfig(), nil,
		testJob{"sshkey", rec.fn(nil), model.ScheduleEntry{AutomationPhase: "infrastructure", HumanDescription: "Create and upload ssh-key"}},
		testJob{"bastion", rec.fn(nil), model.ScheduleEntry{}},
	)
	report := runEngine(t, eng, "sshkey")

	jr := report.Jobs["sshkey"]
	if jr.AutomationPhase != "infrastructure" || jr.HumanDescription != "Create and upload ssh-key" {
		t.Errorf("labels = %q/%q", jr.AutomationPhase, jr.HumanDescription)
	}
	if report.Jobs["bastion"].Position != 1 {
		t.Errorf("bastion position = %d, want 1", report.Jobs["bastion"].Position)
	}
	if report.CompletedAt == nil || report.Elapsed < 0 {
		t.Errorf("run timestamps = %v/%v", report.CompletedAt, report.Elapsed)
	}
}

// scriptedDocker answers docker CLI calls. Containers report inspectStatus
// until removed; rm exits with rmExit.
type scriptedDocker struct {
	mu            sync.Mutex
	inspectStatus string
	rmExit        int
	events        []string
	running       map[string]bool
	overlap       bool
}

func newScriptedDocker(status string, rmExit int) *scriptedDocker {
	return &scriptedDocker{inspectStatus: status, rmExit: rmExit, running: make(map[string]bool)}
}

func (d *scriptedDocker) Run(_ context.Context, c executor.Command) (string, string, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch c.Args[0] {
	case "run":
		name := c.Args[slices.Index(c.Args, "--name")+1]
		if len(d.running) > 0 {
			d.overlap = true
		}
		d.running[name] = true
		d.events = append(d.events, "run:"+name)
		return name + "\n", "", 0, nil
	case "inspect":
		return d.inspectStatus + "\n", "", 0, nil
	case "logs":
		return "", "provisioning failed", 0, nil
	case "rm":
		name := c.Args[len(c.Args)-1]
		d.events = append(d.events, "rm:"+name)
		if d.rmExit != 0 {
			return "", "permission denied", d.rmExit, nil
		}
		delete(d.running, name)
		return "", "", 0, nil
	}
	return "", "", -1, fmt.Errorf("unexpected docker call %v", c.Args)
}

func (d *scriptedDocker) count(prefix string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, ev := range d.events {
		if strings.HasPrefix(ev, prefix) {
			n++
		}
	}
	return n
}

func TestEngine_DockerAttemptInstances(t *testing.T) {
	tests := []struct {
		name        string
		status      string
		rmExit      int
		entry       model.ScheduleEntry
		wantState   model.JobState
		wantKind    model.FailureKind
		wantRuns    int
		wantRemoves int
		wantCleared bool
	}{
		{
			name:      "timeout then retry removes each container",
			status:    "running 0",
			entry:     model.ScheduleEntry{Timeout: 30 * time.Millisecond, Timewait: time.Millisecond, Retries: 1, KeepResourcesOnFailure: true},
			wantState: model.JobStateFailedFinal, wantKind: model.FailureTimeout,
			wantRuns: 2, wantRemoves: 2, wantCleared: true,
		},
		{
			name:      "failed exit removes each container",
			status:    "exited 3",
			entry:     model.ScheduleEntry{Timewait: time.Millisecond, Retries: 1, KeepResourcesOnFailure: true},
			wantState: model.JobStateFailedFinal, wantKind: model.FailureExecutor,
			wantRuns: 2, wantRemoves: 2, wantCleared: true,
		},
		{
			name:      "removal failure is not reported as cleared",
			status:    "running 0",
			rmExit:    1,
			entry:     model.ScheduleEntry{Timeout: 30 * time.Millisecond, Timewait: time.Millisecond, KeepResourcesOnFailure: true},
			wantState: model.JobStateFailedFinal, wantKind: model.FailureTimeout,
			wantRuns: 1, wantRemoves: 1, wantCleared: false,
		},
		{
			name:      "success clears the container once",
			status:    "exited 0",
			entry:     model.ScheduleEntry{Timewait: time.Millisecond},
			wantState: model.JobStateSucceeded,
			wantRuns:  1, wantRemoves: 1, wantCleared: true,
		},
		{
			name:      "success with keep leaves the container",
			status:    "exited 0",
			entry:     model.ScheduleEntry{Timewait: time.Millisecond, CleanupPolicy: model.CleanupPolicyKeep},
			wantState: model.JobStateSucceeded,
			wantRuns:  1, wantRemoves: 0, wantCleared: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docker := newScriptedDocker(tt.status, tt.rmExit)
			exec := executor.NewDockerExecutorWithRunner(executor.DockerSpec{Image: "config0/ansible-run-env"}, testLogger(), docker)
			eng := newTestEngine(t, DefaultConfig(), nil, testJob{"create", exec, tt.entry})

			report := runEngine(t, eng, "create")

			jr := report.Jobs["create"]
			if jr.Status != tt.wantState || jr.FailureKind != tt.wantKind {
				t.Errorf("status = %s/%q, want %s/%q", jr.Status, jr.FailureKind, tt.wantState, tt.wantKind)
			}
			if got := docker.count("run:"); got != tt.wantRuns {
				t.Errorf("containers started = %d, want %d (%v)", got, tt.wantRuns, docker.events)
			}
			if got := docker.count("rm:"); got != tt.wantRemoves {
				t.Errorf("containers removed = %d, want %d (%v)", got, tt.wantRemoves, docker.events)
			}
			if jr.InstanceCleared != tt.wantCleared {
				t.Errorf("InstanceCleared = %v, want %v", jr.InstanceCleared, tt.wantCleared)
			}
			if docker.overlap {
				t.Errorf("a container was started while another attempt's container was still running: %v", docker.events)
			}
		})
	}
}

func TestEngine_TeardownPanicDoesNotAbortRun(t *testing.T) {
	fallback := executor.TeardownFunc(func(context.Context, model.TeardownDirective) error {
		panic("teardown collaborator blew up")
	})
	rec := newRecorder()
	eng := newTestEngine(t, DefaultConfig(), fallback,
		testJob{"a", rec.fn(func(context.Context, executor.Request) error {
			return errors.New("boom")
		}), model.ScheduleEntry{}},
		testJob{"b", rec.fn(nil), model.ScheduleEntry{}},
	)

	report := runEngine(t, eng, "a", "b")

	assertStatus(t, report, map[string]model.JobState{
		"a": model.JobStateFailedFinal,
		"b": model.JobStateSucceeded,
	})
	jr := report.Jobs["a"]
	if jr.Cleanup != model.CleanupTeardownFailed || !strings.Contains(jr.CleanupError, "teardown collaborator blew up") {
		t.Errorf("cleanup = %q/%q", jr.Cleanup, jr.CleanupError)
	}
}

// panickingCleaner panics when asked to clear its instance.
type panickingCleaner struct {
	executor.Func
}

func (panickingCleaner) ClearInstance(context.Context, string, *executor.Result) error {
	panic("rm failed hard")
}

func TestEngine_ClearInstancePanicIsContained(t *testing.T) {
	exec := panickingCleaner{Func: func(context.Context, executor.Request) (*executor.Result, error) {
		return &executor.Result{ExternalID: "inst"}, nil
	}}
	eng := newTestEngine(t, DefaultConfig(), nil, testJob{"bastion", exec, model.ScheduleEntry{}})

	report := runEngine(t, eng, "bastion")

	jr := report.Jobs["bastion"]
	if jr.Status != model.JobStateSucceeded || jr.InstanceCleared {
		t.Errorf("report = %+v", jr)
	}
}
