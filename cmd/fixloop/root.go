package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fixloop/internal/appversion"
	"fixloop/pkg/config"
	"fixloop/pkg/protocol"
)

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

// newRootCmd creates the root fixloop command with all subcommands attached.
func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "fixloop",
		Short: "Issue-remediation engine for AI agent jobs",
		Long: "fixloop launches CI-hosted agent jobs against issues under a daily budget\n" +
			"and a concurrency cap, tracks each spawn to completion, and keeps issues\n" +
			"with linked production errors open until the deployed fix is verified.",
		Version:       fmt.Sprintf("fixloop %s", appversion.Full()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (.toml, .yaml); env FIXLOOP_CONFIG")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	cmd.AddCommand(
		newServeCmd(flags),
		newBudgetCmd(flags),
		newFixStatusCmd(flags),
		newSpawnCmd(flags),
		newCancelCmd(flags),
		newLogsCmd(flags),
		newMigrateCmd(flags),
		newVersionCmd(),
	)
	return cmd
}

// resolvedPath is the --config flag, falling back to FIXLOOP_CONFIG.
func (f *globalFlags) resolvedPath() string {
	if f.configPath != "" {
		return f.configPath
	}
	return os.Getenv("FIXLOOP_CONFIG")
}

// load loads the resolved config file and applies --log-level.
func (f *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.resolvedPath())
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fixloop version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "fixloop %s\n", appversion.Full())
			return nil
		},
	}
}

// exitCode maps error kinds to distinct process exit codes so scripts can
// tell a denied spawn from a broken one.
func exitCode(err error) int {
	switch errorKind(err) {
	case protocol.KindAdmissionDenied:
		return 3
	case protocol.KindInvalidState, protocol.KindPreconditionFailed, protocol.KindCloseBlocked:
		return 4
	case protocol.KindNotFound, protocol.KindValidation:
		return 2
	case protocol.KindUpstreamUnavailable:
		return 5
	default:
		return 1
	}
}
