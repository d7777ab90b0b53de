// Command clauditor is the security watchdog binary. It loads a TOML
// configuration file and either runs the monitoring daemon loop, replays a
// journal as a digest report, or walks an operator through installation via
// the wizard subcommand.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "clauditor: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "clauditor",
		Short:         "Host-resident watchdog for a less-trusted automation account",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newDaemonCmd())
	root.AddCommand(newDigestCmd())
	root.AddCommand(newWizardCmd())
	return root
}

// newLogger constructs the JSON-structured logger every subcommand uses for
// its own operational messages, matching the teacher's cmd/agent idiom.
func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}
