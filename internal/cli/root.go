package cli

import (
	"log/slog"

	"github.com/me/provsched/internal/config"
	"github.com/me/provsched/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// NewRootCmd creates the root cobra command for the provsched CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "provsched",
		Short: "provsched: dependency-ordered provisioning job scheduler",
		Long: `provsched runs schedules of provisioning jobs in dependency order,
with per-job timeouts, retries and teardown of failed resources.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", config.DefaultServerURL(), "Report API server URL (or "+config.EnvServer+" env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", logging.FormatText, "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newRunsCmd(),
	)

	return root
}
