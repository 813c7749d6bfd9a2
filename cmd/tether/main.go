// Package main is the entry point for the tether CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/five82/tether/internal/app"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("tether:"), err)
		return 1
	}
	return 0
}

type rootFlags struct {
	configPath string
	verbose    bool
	noColor    bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:   "tether",
		Short: "Find and follow a local download daemon",
		Long: `tether discovers a companion daemon on a localhost port range, keeps
the discovered port and UI preferences in a shared store, and mirrors the
connection status across every running context.

  tether worker      Run discovery in the background and serve the bus
  tether popup       Interactive status view
  tether watch       Print state changes as they happen
  tether discover    Run one discovery and exit`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flags.noColor {
				color.NoColor = true
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default ~/.config/tether/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&flags.noColor, "no-color", false, "disable colored output")
	rootCmd.SuggestionsMinimumDistance = 2

	rootCmd.AddCommand(
		newWorkerCmd(flags),
		newPopupCmd(flags),
		newWatchCmd(flags),
		newDiscoverCmd(flags),
		newStatusCmd(flags),
		newValidateCmd(),
		newResetCmd(flags),
		newLogsCmd(flags),
	)
	return rootCmd
}

// setup opens the shared environment for a subcommand. name tags every log
// record; logStderr mirrors logs to stderr for headless contexts.
func setup(flags *rootFlags, name string, logStderr bool) (*app.Env, error) {
	return app.Setup(app.Options{
		ConfigPath: flags.configPath,
		Verbose:    flags.verbose,
		LogStderr:  logStderr,
		Context:    name,
	})
}
