package main

import (
	"github.com/spf13/cobra"
)

// buildServersCmd lists configured MCP servers and their connection
// status (SPEC_FULL.md §5 CLI, grounded on the teacher's "nexus mcp
// servers" command).
func buildServersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List configured MCP servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServers(cmd)
		},
	}
}

func buildConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <server>",
		Short: "Connect to one configured MCP server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd, args[0])
		},
	}
}

func buildToolsCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List MCP tools, optionally scoped to one server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd, server)
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "Only connect and list tools for this server")
	return cmd
}

func buildCallCmd() *cobra.Command {
	var (
		server         string
		rawArgs        []string
		conversationID string
	)
	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Call one MCP tool and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, server, args[0], rawArgs, conversationID)
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "Server to dispatch to (optional; inferred from tool name if omitted)")
	cmd.Flags().StringArrayVar(&rawArgs, "arg", nil, "Tool argument (key=value), repeatable")
	cmd.Flags().StringVar(&conversationID, "conversation", "cli", "Conversation ID used for rate limiting and loop detection")
	return cmd
}

func buildResourcesCmd() *cobra.Command {
	var (
		server string
		uri    string
	)
	cmd := &cobra.Command{
		Use:   "resources",
		Short: "List MCP resources, or read one with --uri",
		RunE: func(cmd *cobra.Command, args []string) error {
			if uri != "" {
				return runReadResource(cmd, server, uri)
			}
			return runResources(cmd, server)
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "Server to list/read from (required to read a resource)")
	cmd.Flags().StringVar(&uri, "uri", "", "Resource URI to read; lists resources when omitted")
	return cmd
}

func buildPromptsCmd() *cobra.Command {
	var (
		server  string
		name    string
		rawArgs []string
	)
	cmd := &cobra.Command{
		Use:   "prompts",
		Short: "List MCP prompts, or fetch one with --name",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name != "" {
				return runGetPrompt(cmd, server, name, rawArgs)
			}
			return runPrompts(cmd, server)
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "Server to list/fetch from (required to fetch a prompt)")
	cmd.Flags().StringVar(&name, "name", "", "Prompt name to fetch; lists prompts when omitted")
	cmd.Flags().StringArrayVar(&rawArgs, "arg", nil, "Prompt argument (key=value), repeatable")
	return cmd
}

func buildStreamCmd() *cobra.Command {
	var conversationID string
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Drive the streaming middleware: read chunked text from stdin, write SSE to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStream(cmd, conversationID)
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "cli", "Conversation ID for the streamed session")
	return cmd
}
