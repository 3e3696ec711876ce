// Command mcpcore operates the MCP Tool Integration Core standalone:
// connect to configured tool servers, list and call their tools, read
// resources/prompts, and drive the streaming middleware end to end from
// stdin text to stdout SSE, for manual testing and operational use.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/mcpcore/internal/observability"
)

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "mcpcore",
		Short:         "Operate the MCP Tool Integration Core standalone",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(newRootLogger(logLevel))
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")

	root.AddCommand(
		buildServersCmd(),
		buildConnectCmd(),
		buildToolsCmd(),
		buildCallCmd(),
		buildResourcesCmd(),
		buildPromptsCmd(),
		buildStreamCmd(),
	)
	return root
}

// newRootLogger builds the process-wide logger through the redacting,
// context-correlating wrapper (SPEC_FULL.md's ambient logging section),
// rather than a bare slog handler, so CLI output gets the same secret
// redaction the long-running server components rely on.
func newRootLogger(level string) *slog.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: "text",
		Output: os.Stderr,
	}).Slog()
}
