// Command mcp-time-server is the built-in "time" MCP tool server
// (spec.md §4.3 step 1): a stdio JSON-RPC 2.0 process the Manager
// launches by absolute path, exposing clock/timezone tools backed by
// internal/datetime.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/haasonsaas/mcpcore/internal/datetime"
	"github.com/haasonsaas/mcpcore/internal/mcp"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	host := mcp.NewHost("time", "1.0.0", logger)

	host.AddTool(&mcp.ToolDescriptor{
		Name:        "get_current_time",
		Description: "Returns the current time, optionally in a given IANA timezone.",
		InputSchema: schemaJSON(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{"type": "string", "description": "IANA timezone name, e.g. America/New_York"},
				"format":   map[string]any{"type": "string", "description": `"12" or "24"`},
			},
		}),
	}, handleGetCurrentTime)

	host.AddTool(&mcp.ToolDescriptor{
		Name:        "convert_timestamp",
		Description: "Normalizes a timestamp (unix seconds/ms or ISO 8601 string) to milliseconds and UTC ISO form, and reports its age relative to now.",
		InputSchema: schemaJSON(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timestamp": map[string]any{"description": "unix seconds, unix ms, or an ISO 8601 string"},
			},
			"required": []string{"timestamp"},
		}),
	}, handleConvertTimestamp)

	if err := host.Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
		logger.Error("serve exited", "error", err)
		os.Exit(1)
	}
}

func handleGetCurrentTime(_ context.Context, args map[string]any) (*mcp.ToolCallResult, *mcp.CallError) {
	configured, _ := args["timezone"].(string)
	tz := datetime.ResolveUserTimezone(configured)

	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
		tz = "UTC"
	}

	formatPref := datetime.TimeFormatAuto
	if f, ok := args["format"].(string); ok {
		switch f {
		case "12":
			formatPref = datetime.TimeFormat12
		case "24":
			formatPref = datetime.TimeFormat24
		}
	}
	resolved := datetime.ResolveUserTimeFormat(formatPref)

	now := time.Now().In(loc)
	text := fmt.Sprintf("%s (%s)", datetime.FormatUserTime(now, tz, resolved), tz)
	return mcp.TextResult(text), nil
}

func handleConvertTimestamp(_ context.Context, args map[string]any) (*mcp.ToolCallResult, *mcp.CallError) {
	raw, ok := args["timestamp"]
	if !ok {
		return nil, &mcp.CallError{Code: mcp.ErrCodeInvalidParams, Message: "missing required field \"timestamp\""}
	}

	result := datetime.NormalizeTimestamp(raw)
	if result == nil {
		return mcp.ErrorResult("could not parse timestamp %v", raw), nil
	}

	parsed, err := time.Parse(time.RFC3339Nano, result.TimestampUTC)
	if err != nil {
		return mcp.TextResult(fmt.Sprintf("%d ms (%s)", result.TimestampMs, result.TimestampUTC)), nil
	}

	relative := datetime.FormatRelativeTime(parsed, time.Now())
	text := fmt.Sprintf("%d ms (%s) — %s", result.TimestampMs, result.TimestampUTC, relative)
	return mcp.TextResult(text), nil
}

func schemaJSON(v map[string]any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"object"}`)
	}
	return data
}
