package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/me/provsched/internal/schedule"
	"github.com/me/provsched/pkg/model"
)

// timeNow is replaced in tests.
var timeNow = func() time.Time { return time.Now().UTC() }

// printPlan prints a validated schedule without running it.
func printPlan(w io.Writer, plan *schedule.Plan, entry []string) {
	fmt.Fprintf(w, "Schedule: %s (valid)\n", plan.Name)
	fmt.Fprintf(w, "  Entry:        %s\n", strings.Join(entry, ", "))
	fmt.Fprintf(w, "  Max duration: %s\n", plan.Table.MaxDuration())
	fmt.Fprintln(w, "  Order:")
	for i, name := range plan.Table.Order() {
		e := plan.Table.Entry(name)
		line := fmt.Sprintf("    %d. %s", i+1, name)
		if len(e.Dependencies) > 0 {
			line += " (after " + strings.Join(e.Dependencies, ", ") + ")"
		}
		if e.HumanDescription != "" {
			line += ": " + e.HumanDescription
		}
		fmt.Fprintln(w, line)
	}
}

// printReport prints a run report as a table, jobs in registration order.
func printReport(w io.Writer, r *model.Report) {
	fmt.Fprintf(w, "Run: %s\n", r.ID)
	if r.Name != "" {
		fmt.Fprintf(w, "  Schedule: %s\n", r.Name)
	}
	fmt.Fprintf(w, "  Status:   %s\n", r.Status)
	fmt.Fprintf(w, "  Elapsed:  %s\n", r.Elapsed.Round(time.Millisecond))

	s := r.Summary()
	fmt.Fprintf(w, "  Jobs:     %d total, %d succeeded, %d failed, %d skipped, %d cancelled, %d not reached\n",
		s.Total, s.Succeeded, s.FailedFinal, s.Skipped, s.Cancelled, s.Pending)

	fmt.Fprintf(w, "\n  %-20s  %-12s  %-8s  %-10s  %-15s  %s\n", "JOB", "STATUS", "ATTEMPTS", "ELAPSED", "CLEANUP", "ERROR")
	for _, jr := range r.Ordered() {
		cleanup := string(jr.Cleanup)
		if cleanup == "" {
			cleanup = "-"
		}
		fmt.Fprintf(w, "  %-20s  %-12s  %-8d  %-10s  %-15s  %s\n",
			jr.Name, jr.Status, jr.Attempts, jr.Elapsed.Round(time.Millisecond), cleanup, jobError(jr))
	}
}

func jobError(jr *model.JobReport) string {
	msg := jr.Error
	if jr.CleanupError != "" {
		if msg != "" {
			msg += "; "
		}
		msg += "cleanup: " + jr.CleanupError
	}
	return msg
}
