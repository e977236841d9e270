// Package cli wires the snowmirror commands.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// NewRootCommand creates the root command for the snowmirror CLI.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snowmirror",
		Short: "Incremental ServiceNow record mirror",
		Long: `snowmirror keeps a local, queryable mirror of ServiceNow task records
in sync by pulling recent changes through a circuit-breaker-guarded client
and reconciling them into a validated local store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewSyncCommand())
	cmd.AddCommand(NewRecordCommand())

	return cmd
}

// Execute runs the CLI, exiting non-zero on error.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
