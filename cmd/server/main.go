// Package main provides the restfleet command. It runs fleet members and
// talks to a running fleet through its coordination store and control
// services.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCommand builds the command tree.
func newRootCommand() *cobra.Command {
	global := &GlobalFlags{}

	root := &cobra.Command{
		Use:   "restfleet",
		Short: "Multi-process REST server fleet",
		Long: `restfleet runs a fleet of cooperating server processes on one host.

The first instance started becomes the secretary and spawns the rest of the
declared topology. HTTP instances share the ssl, plain and admin ports; a hot
standby takes them over when the owner dies.`,
		SilenceUsage: true,
	}
	global.Register(root.PersistentFlags())

	root.AddCommand(
		newServeCommand(global),
		newShutdownCommand(global),
		newStatusCommand(global),
		newTopCommand(global),
	)
	return root
}

// cliLogger logs to stderr for the short-lived commands.
func cliLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
