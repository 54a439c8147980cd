package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/me/provsched/internal/schedule"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "validate <schedule-file>",
		Short: "Validate a schedule and print its dependency order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if !remote {
				plan, err := schedule.NewLoader("", logger).LoadFile(args[0])
				if err != nil {
					return fmt.Errorf("invalid schedule: %w", err)
				}
				printPlan(out, plan, plan.Entry)
				return nil
			}

			doc, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read schedule: %w", err)
			}
			resp, err := client.PostYAML("/api/v1/schedules/validate", doc)
			if err != nil {
				if resp != nil && resp.Error != nil {
					for _, d := range resp.Error.Details {
						fmt.Fprintf(out, "  %s: %s\n", firstNonEmpty(d.Path, d.Field, "schedule"), d.Message)
					}
				}
				return fmt.Errorf("invalid schedule: %w", err)
			}

			var data struct {
				Name        string   `json:"name"`
				Entry       []string `json:"entry"`
				Order       []string `json:"order"`
				MaxDuration string   `json:"max_duration"`
			}
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			fmt.Fprintf(out, "Schedule: %s (valid)\n", data.Name)
			fmt.Fprintf(out, "  Entry:        %v\n", data.Entry)
			fmt.Fprintf(out, "  Max duration: %s\n", data.MaxDuration)
			fmt.Fprintln(out, "  Order:")
			for i, name := range data.Order {
				fmt.Fprintf(out, "    %d. %s\n", i+1, name)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&remote, "remote", false, "Validate through the report API server instead of locally")
	return cmd
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
