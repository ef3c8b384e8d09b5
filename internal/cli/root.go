// Package cli implements the easyalarm command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd(version, commit string) *cobra.Command {
	root := &cobra.Command{
		Use:   "easyalarm",
		Short: "Calendar alarm notification delivery engine",
		Long: `easyalarm keeps alarm trigger rows in line with calendar changes and
delivers due alarms through the registered notification services.

Configuration is read from the environment and an optional .env file.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newValidateCmd(),
		newConfigCmd(),
		newVersionCmd(version, commit),
	)
	return root
}

// Execute runs the CLI and exits non-zero on error.
func Execute(version, commit string) {
	if err := newRootCmd(version, commit).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
