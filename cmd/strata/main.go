// Package main implements the strata CLI.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"strata/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Strata tensor-program auto-scheduler",
	Long:  `Strata searches loop-nest schedules for tensor programs and returns the best one found`,
}

func main() {
	rootCmd.Version = version.Version

	rootCmd.AddCommand(tuneCmd)
	rootCmd.AddCommand(sketchesCmd)
	rootCmd.AddCommand(workloadsCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().String("color", "auto", "color mode (auto|on|off); no command reads this flag")
	rootCmd.PersistentFlags().Bool("quiet", false, "quiet mode; no command reads this flag")
	rootCmd.PersistentFlags().Bool("timings", false, "show timing information")
	rootCmd.PersistentFlags().String("trace", "off", "trace level (off|search|phase|candidate)")
	rootCmd.PersistentFlags().String("trace-output", "-", "trace output path (- for stderr, .ndjson for JSON lines)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// isTerminal reports whether f is attached to a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
