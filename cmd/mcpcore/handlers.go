package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/mcpcore/internal/mcp"
)

// runServers starts the Manager (connecting every enabled server) and
// prints each configured server's connection/health state, in the
// style of the teacher's "nexus mcp servers" handler.
func runServers(cmd *cobra.Command) error {
	c, err := newCore()
	if err != nil {
		return err
	}
	defer c.stop()

	if err := c.start(cmd.Context()); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	statuses := c.manager.Status()
	if len(statuses) == 0 {
		fmt.Fprintln(out, "No MCP servers configured.")
		return nil
	}
	fmt.Fprintln(out, "MCP Servers:")
	for _, st := range statuses {
		state := "disconnected"
		if st.Connected {
			state = "connected"
			if !st.Healthy {
				state = "connected (unhealthy)"
			}
		}
		fmt.Fprintf(out, "  %s - %s\n", st.Name, state)
		if st.Connected {
			fmt.Fprintf(out, "    Tools: %d\n", st.ToolCount)
		}
	}
	return nil
}

// runConnect connects to exactly one configured server.
func runConnect(cmd *cobra.Command, server string) error {
	c, err := newCore()
	if err != nil {
		return err
	}
	defer c.stop()

	if err := c.manager.Connect(cmd.Context(), server); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Connected to %s\n", server)
	return nil
}

// runTools lists tools, either across every server (starting the
// Manager) or for one server (connecting only that one).
func runTools(cmd *cobra.Command, server string) error {
	c, err := newCore()
	if err != nil {
		return err
	}
	defer c.stop()

	if server != "" {
		if err := c.manager.Connect(cmd.Context(), server); err != nil {
			return err
		}
	} else if err := c.start(cmd.Context()); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	tools := c.manager.GetAllTools()
	if len(tools) == 0 {
		fmt.Fprintln(out, "No tools available.")
		return nil
	}
	for _, tool := range tools {
		if server != "" && tool.ServerName != server {
			continue
		}
		fmt.Fprintf(out, "  %s/%s: %s\n", tool.ServerName, tool.Name, tool.Description)
	}
	return nil
}

// runCall dispatches one tool call through the connection pool so the
// full policy pipeline (permissions, loop detection, rate limits,
// retries) applies exactly as it does for a real conversation.
func runCall(cmd *cobra.Command, server, tool string, rawArgs []string, conversationID string) error {
	c, err := newCore()
	if err != nil {
		return err
	}
	defer c.stop()

	if server != "" {
		if err := c.manager.Connect(cmd.Context(), server); err != nil {
			return err
		}
	} else if err := c.start(cmd.Context()); err != nil {
		return err
	}

	args, err := parseAnyArgs(rawArgs)
	if err != nil {
		return err
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}

	result, callErr := c.pool.CallTool(cmd.Context(), conversationID, tool, argsJSON, server)
	if callErr != nil {
		return callErr
	}
	printToolResult(cmd, result)
	return nil
}

// runResources lists resources for one server (resource listing is
// per-server in this protocol; the Manager has no cross-server
// aggregate, unlike GetAllTools).
func runResources(cmd *cobra.Command, server string) error {
	if server == "" {
		return fmt.Errorf("--server is required to list resources")
	}
	c, err := newCore()
	if err != nil {
		return err
	}
	defer c.stop()

	if err := c.manager.Connect(cmd.Context(), server); err != nil {
		return err
	}
	client, ok := c.manager.Client(server)
	if !ok {
		return fmt.Errorf("server %q is not connected", server)
	}

	out := cmd.OutOrStdout()
	resources := client.Resources()
	if len(resources) == 0 {
		fmt.Fprintf(out, "No resources for %s\n", server)
		return nil
	}
	for _, res := range resources {
		fmt.Fprintf(out, "  %s (%s)\n", res.URI, res.Name)
	}
	return nil
}

func runReadResource(cmd *cobra.Command, server, uri string) error {
	if server == "" {
		return fmt.Errorf("--server is required to read a resource")
	}
	c, err := newCore()
	if err != nil {
		return err
	}
	defer c.stop()

	if err := c.manager.Connect(cmd.Context(), server); err != nil {
		return err
	}
	content, err := c.manager.GetResource(cmd.Context(), server, uri)
	if err != nil {
		return err
	}
	if content == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "No content.")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), *content)
	return nil
}

func runPrompts(cmd *cobra.Command, server string) error {
	if server == "" {
		return fmt.Errorf("--server is required to list prompts")
	}
	c, err := newCore()
	if err != nil {
		return err
	}
	defer c.stop()

	if err := c.manager.Connect(cmd.Context(), server); err != nil {
		return err
	}
	client, ok := c.manager.Client(server)
	if !ok {
		return fmt.Errorf("server %q is not connected", server)
	}

	out := cmd.OutOrStdout()
	prompts := client.Prompts()
	if len(prompts) == 0 {
		fmt.Fprintf(out, "No prompts for %s\n", server)
		return nil
	}
	for _, p := range prompts {
		fmt.Fprintf(out, "  %s: %s\n", p.Name, p.Description)
	}
	return nil
}

func runGetPrompt(cmd *cobra.Command, server, name string, rawArgs []string) error {
	if server == "" {
		return fmt.Errorf("--server is required to fetch a prompt")
	}
	c, err := newCore()
	if err != nil {
		return err
	}
	defer c.stop()

	if err := c.manager.Connect(cmd.Context(), server); err != nil {
		return err
	}
	args, err := parseStringArgs(rawArgs)
	if err != nil {
		return err
	}
	result, err := c.manager.GetPrompt(cmd.Context(), server, name, args)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(payload))
	return nil
}

// runStream drives the streaming middleware over stdin/stdout: each
// stdin line becomes one text StreamChunk, and the middleware's SSE
// events (including tool calls dispatched through the secure wrapper)
// are written to stdout as they're produced (SPEC_FULL.md §4.6).
func runStream(cmd *cobra.Command, conversationID string) error {
	c, err := newCore()
	if err != nil {
		return err
	}
	defer c.stop()

	if err := c.start(cmd.Context()); err != nil {
		return err
	}

	registry := mcp.NewExecutionRegistry()
	wrapper := mcp.NewSecureToolWrapper(c.pool, registry, 0)
	wrapper.SetMetrics(c.metrics)

	mw := mcp.NewMiddleware(conversationID, wrapper, nil)

	chunks := make(chan mcp.StreamChunk)
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	go func() {
		defer close(chunks)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			select {
			case chunks <- mcp.StreamChunk{Text: scanner.Text() + "\n"}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return mw.Run(ctx, chunks, cmd.OutOrStdout())
}

// parseAnyArgs turns "key=value" pairs into a typed argument map,
// coercing obvious scalars (bool, int, float) and falling back to
// string, the way a human-typed CLI invocation needs to (SPEC_FULL.md
// §5 CLI; grounded on the teacher's parseAnyArgs for "mcp call").
func parseAnyArgs(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --arg %q: expected key=value", pair)
		}
		out[key] = coerceArgValue(value)
	}
	return out, nil
}

func coerceArgValue(value string) any {
	if value == "true" || value == "false" {
		return value == "true"
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	if strings.HasPrefix(value, "{") || strings.HasPrefix(value, "[") {
		var v any
		if err := json.Unmarshal([]byte(value), &v); err == nil {
			return v
		}
	}
	return value
}

// parseStringArgs is the prompt-argument counterpart of parseAnyArgs:
// prompt arguments are always strings on the wire (types.go's
// PromptGetResult/GetPrompt take map[string]string).
func parseStringArgs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --arg %q: expected key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

func printToolResult(cmd *cobra.Command, result *mcp.ToolCallResult) {
	out := cmd.OutOrStdout()
	if result == nil || len(result.Content) == 0 {
		fmt.Fprintln(out, "No result.")
		return
	}
	if result.IsError {
		fmt.Fprint(out, "error: ")
	}
	for _, item := range result.Content {
		if item.Type == "text" {
			fmt.Fprintln(out, item.Text)
			continue
		}
		payload, err := json.Marshal(item)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		fmt.Fprintln(out, string(payload))
	}
}
