package main

import (
	"strings"
	"testing"
)

func TestHandleGetCurrentTime(t *testing.T) {
	result, callErr := handleGetCurrentTime(nil, map[string]any{"timezone": "UTC", "format": "24"})
	if callErr != nil {
		t.Fatalf("unexpected error: %v", callErr)
	}
	if len(result.Content) != 1 || !strings.Contains(result.Content[0].Text, "UTC") {
		t.Fatalf("expected UTC in result text, got %+v", result)
	}
}

func TestHandleConvertTimestampMissingField(t *testing.T) {
	_, callErr := handleConvertTimestamp(nil, map[string]any{})
	if callErr == nil {
		t.Fatal("expected an error for a missing timestamp field")
	}
}

func TestHandleConvertTimestampUnparseable(t *testing.T) {
	result, callErr := handleConvertTimestamp(nil, map[string]any{"timestamp": "not-a-timestamp"})
	if callErr != nil {
		t.Fatalf("unexpected protocol error: %v", callErr)
	}
	if !result.IsError {
		t.Fatalf("expected a tool-level error result, got %+v", result)
	}
}

func TestHandleConvertTimestampUnixSeconds(t *testing.T) {
	result, callErr := handleConvertTimestamp(nil, map[string]any{"timestamp": float64(1700000000)})
	if callErr != nil {
		t.Fatalf("unexpected error: %v", callErr)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %+v", result)
	}
	if !strings.Contains(result.Content[0].Text, "ms") {
		t.Fatalf("expected ms in formatted output, got %q", result.Content[0].Text)
	}
}

func TestSchemaJSONFallsBackOnError(t *testing.T) {
	// map[string]any with a channel value is unmarshalable; schemaJSON
	// must fall back to a minimal valid schema instead of panicking.
	out := schemaJSON(map[string]any{"bad": make(chan int)})
	if string(out) != `{"type":"object"}` {
		t.Fatalf("expected fallback schema, got %s", out)
	}
}
