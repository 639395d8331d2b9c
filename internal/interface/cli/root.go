// Package cli wires the cobra commands. Commands load settings from the
// restockd home directory and hand everything to the runner.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

const homeEnv = "RESTOCKD_HOME"

// NewRoot builds the root command with all subcommands attached.
func NewRoot() *cobra.Command {
	var home string

	cmd := &cobra.Command{
		Use:           "restockd",
		Short:         "Stock monitor and purchase automation core",
		Long:          "restockd watches product availability and drives crash-safe, rate-adaptive purchase attempts.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&home, "home", "",
		"base directory for state and settings (default $RESTOCKD_HOME or .restockd)")

	cmd.AddCommand(newRunCmd(&home))
	cmd.AddCommand(newStatusCmd(&home))
	return cmd
}

// resolveHome picks the base directory: flag, then environment, then the
// default dot directory next to the working directory.
func resolveHome(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(homeEnv); env != "" {
		return env
	}
	return ".restockd"
}
