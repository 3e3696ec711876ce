package main

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/haasonsaas/mcpcore/internal/shell"
)

func newTestRegistry() *shell.ProcessRegistry {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return shell.NewProcessRegistry(logger)
}

func TestRunShellCommandSuccess(t *testing.T) {
	registry := newTestRegistry()
	logger := slog.Default()

	result, callErr := runShellCommand(context.Background(), registry, logger, map[string]any{
		"command": "echo hello",
	})
	if callErr != nil {
		t.Fatalf("unexpected protocol error: %v", callErr)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %+v", result)
	}
	if !strings.Contains(result.Content[0].Text, "hello") {
		t.Fatalf("expected output to contain hello, got %q", result.Content[0].Text)
	}
}

func TestRunShellCommandNonZeroExit(t *testing.T) {
	registry := newTestRegistry()
	logger := slog.Default()

	result, callErr := runShellCommand(context.Background(), registry, logger, map[string]any{
		"command": "exit 7",
	})
	if callErr != nil {
		t.Fatalf("unexpected protocol error: %v", callErr)
	}
	if !result.IsError {
		t.Fatalf("expected a tool-level error result for a non-zero exit")
	}
	if !strings.Contains(result.Content[0].Text, "exit code 7") {
		t.Fatalf("expected exit code in message, got %q", result.Content[0].Text)
	}
}

func TestRunShellCommandMissingCommand(t *testing.T) {
	registry := newTestRegistry()
	_, callErr := runShellCommand(context.Background(), registry, slog.Default(), map[string]any{})
	if callErr == nil {
		t.Fatal("expected an error for a missing command field")
	}
}

func TestRunShellCommandTimeout(t *testing.T) {
	registry := newTestRegistry()
	result, callErr := runShellCommand(context.Background(), registry, slog.Default(), map[string]any{
		"command":         "sleep 5",
		"timeout_seconds": float64(1),
	})
	if callErr != nil {
		t.Fatalf("unexpected protocol error: %v", callErr)
	}
	if !result.IsError || !strings.Contains(result.Content[0].Text, "timed out") {
		t.Fatalf("expected a timeout error result, got %+v", result)
	}
}

func TestMustSchemaFallsBackOnError(t *testing.T) {
	out := mustSchema(map[string]any{"bad": make(chan int)})
	if string(out) != `{"type":"object"}` {
		t.Fatalf("expected fallback schema, got %s", out)
	}
}
