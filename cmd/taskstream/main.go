package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// NewRootCommand builds the taskstream CLI.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "taskstream",
		Short: "Agent task lifecycle and event-streaming server",
		Long: `taskstream runs asynchronous agent tasks and streams their progress
to browser clients over server-sent events, with replay on reconnect
and token-gated access.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCommand())
	return rootCmd
}
