// Command mcp-shell-server is the built-in "shell" MCP tool server
// (spec.md §4.3 step 1): a stdio JSON-RPC 2.0 process the Manager
// launches by absolute path, exposing a single run_shell_command tool
// backed by internal/shell's process bookkeeping.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/mcpcore/internal/mcp"
	"github.com/haasonsaas/mcpcore/internal/shell"
)

const defaultCommandTimeout = 60 * time.Second

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	registry := shell.NewProcessRegistry(logger)
	registry.StartSweeper()
	defer registry.StopSweeper()

	host := mcp.NewHost("shell", "1.0.0", logger)
	host.AddTool(&mcp.ToolDescriptor{
		Name:        "run_shell_command",
		Description: "Runs a shell command to completion and returns its combined stdout/stderr.",
		InputSchema: mustSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command":         map[string]any{"type": "string", "description": "the shell command line to execute"},
				"cwd":             map[string]any{"type": "string", "description": "working directory, defaults to the server's cwd"},
				"timeout_seconds": map[string]any{"type": "integer", "description": "hard wall-clock timeout, default 60"},
			},
			"required": []string{"command"},
		}),
	}, func(ctx context.Context, args map[string]any) (*mcp.ToolCallResult, *mcp.CallError) {
		return runShellCommand(ctx, registry, logger, args)
	})

	if err := host.Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
		logger.Error("serve exited", "error", err)
		os.Exit(1)
	}
}

func runShellCommand(ctx context.Context, registry *shell.ProcessRegistry, logger *slog.Logger, args map[string]any) (*mcp.ToolCallResult, *mcp.CallError) {
	command, ok := args["command"].(string)
	if !ok || command == "" {
		return nil, &mcp.CallError{Code: mcp.ErrCodeInvalidParams, Message: "missing required field \"command\""}
	}

	cwd, _ := args["cwd"].(string)

	timeout := defaultCommandTimeout
	if raw, ok := args["timeout_seconds"]; ok {
		if secs, ok := raw.(float64); ok && secs > 0 {
			timeout = time.Duration(secs * float64(time.Second))
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id := uuid.NewString()
	for registry.IsSessionIDTaken(id) {
		id = uuid.NewString()
	}

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	if cwd != "" {
		cmd.Dir = cwd
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return mcp.ErrorResult("failed to open stdout pipe: %v", err), nil
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return mcp.ErrorResult("failed to open stderr pipe: %v", err), nil
	}

	if err := cmd.Start(); err != nil {
		return mcp.ErrorResult("failed to start command: %v", err), nil
	}
	logger.Debug("started shell command", "id", id, "pid", cmd.Process.Pid, "command", command)

	session := &shell.ProcessSession{
		ID:             id,
		Command:        command,
		PID:            cmd.Process.Pid,
		StartedAt:      time.Now(),
		CWD:            cwd,
		MaxOutputChars: shell.DefaultPendingOutputChars,
	}
	registry.AddSession(session)
	defer registry.DeleteSession(id)

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() { defer pumps.Done(); pumpStream(registry, session, "stdout", stdoutPipe) }()
	go func() { defer pumps.Done(); pumpStream(registry, session, "stderr", stderrPipe) }()
	pumps.Wait()

	waitErr := cmd.Wait()

	var exitCode *int
	status := shell.ProcessStatusCompleted
	if waitErr != nil {
		status = shell.ProcessStatusFailed
		if runCtx.Err() != nil {
			status = shell.ProcessStatusKilled
		}
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code := exitErr.ExitCode()
			exitCode = &code
		}
	} else {
		code := 0
		exitCode = &code
	}
	registry.MarkExited(session, exitCode, "", status)

	stdout, stderr := registry.DrainSession(session)
	output := session.Aggregated
	if output == "" {
		output = stdout + stderr
	}

	if status != shell.ProcessStatusCompleted {
		suffix := ""
		if exitCode != nil {
			suffix = fmt.Sprintf(" (exit code %d)", *exitCode)
		}
		if runCtx.Err() != nil {
			suffix = fmt.Sprintf(" (timed out after %s)", timeout)
		}
		return mcp.ErrorResult("command failed%s\n\n%s", suffix, output), nil
	}

	return mcp.TextResult(output), nil
}

// pumpStream copies one pipe's output, line by line, into the session's
// pending buffers via AppendOutput, matching the teacher's registry's
// chunked-output bookkeeping contract.
func pumpStream(registry *shell.ProcessRegistry, session *shell.ProcessSession, stream string, r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		registry.AppendOutput(session, stream, scanner.Text()+"\n")
	}
}

func mustSchema(v map[string]any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"object"}`)
	}
	return data
}
