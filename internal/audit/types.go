// Package audit provides structured audit logging for tool invocations,
// permission decisions, and server lifecycle events in the MCP tool core.
package audit

import (
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	EventToolInvocation EventType = "tool.invocation"
	EventToolCompletion EventType = "tool.completion"
	EventToolDenied     EventType = "tool.denied"
	EventToolBlocked    EventType = "tool.blocked"
	EventToolRetry      EventType = "tool.retry"

	EventPermissionGranted EventType = "permission.granted"
	EventPermissionDenied  EventType = "permission.denied"

	EventServerConnected    EventType = "server.connected"
	EventServerDisconnected EventType = "server.disconnected"
	EventServerRestarted    EventType = "server.restarted"
)

// Level represents audit log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event represents a single audit log entry.
type Event struct {
	// ID is a unique identifier for this audit event.
	ID string `json:"id"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// Level is the severity level.
	Level Level `json:"level"`

	// Timestamp when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// ConversationID identifies the conversation the event belongs to.
	ConversationID string `json:"conversation_id,omitempty"`

	// ServerID identifies the MCP server involved.
	ServerID string `json:"server_id,omitempty"`

	// ToolName identifies the tool for tool-related events.
	ToolName string `json:"tool_name,omitempty"`

	// ExecutionID links to a specific execution token.
	ExecutionID string `json:"execution_id,omitempty"`

	// Action describes what happened.
	Action string `json:"action"`

	// Details contains event-specific structured data.
	Details map[string]any `json:"details,omitempty"`

	// Duration is the time taken for timed operations.
	Duration time.Duration `json:"duration,omitempty"`

	// Error contains error information if applicable.
	Error string `json:"error,omitempty"`
}

// ToolInvocationDetails contains details for tool invocation events.
type ToolInvocationDetails struct {
	ToolName string `json:"tool_name"`
	ServerID string `json:"server_id"`
	ArgsHash string `json:"args_hash,omitempty"` // canonicalized-argument hash, never raw input
	Attempt  int    `json:"attempt"`
}

// ToolCompletionDetails contains details for tool completion events.
type ToolCompletionDetails struct {
	ToolName   string `json:"tool_name"`
	Success    bool   `json:"success"`
	OutputSize int    `json:"output_size,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// PermissionDetails contains details for permission-related events.
type PermissionDetails struct {
	ToolName      string `json:"tool_name"`
	ServerID      string `json:"server_id,omitempty"`
	Decision      string `json:"decision"`
	PolicyMatched string `json:"policy_matched,omitempty"`
}

// OutputFormat specifies the audit log output format.
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// Config configures the audit logger.
type Config struct {
	// Enabled determines if audit logging is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Level is the minimum level to log.
	Level Level `json:"level" yaml:"level"`

	// Format specifies the output format.
	Format OutputFormat `json:"format" yaml:"format"`

	// Output specifies where to write logs.
	// Supported: "stdout", "stderr", "file:/path/to/file.log"
	Output string `json:"output" yaml:"output"`

	// IncludeToolInput determines if raw tool arguments are logged.
	// When false (the default), only a hash of the canonicalized
	// arguments is recorded.
	IncludeToolInput bool `json:"include_tool_input" yaml:"include_tool_input"`

	// MaxFieldSize limits the size of logged fields.
	MaxFieldSize int `json:"max_field_size" yaml:"max_field_size"`

	// EventTypes filters which event types to log (empty = all).
	EventTypes []EventType `json:"event_types" yaml:"event_types"`

	// SampleRate controls what fraction of events are logged (0.0 to 1.0).
	SampleRate float64 `json:"sample_rate" yaml:"sample_rate"`

	// BufferSize is the size of the async write buffer.
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`

	// FlushInterval is how often to flush the buffer.
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// DefaultConfig returns a default audit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		Level:            LevelInfo,
		Format:           FormatJSON,
		Output:           "stdout",
		IncludeToolInput: false,
		MaxFieldSize:     1024,
		SampleRate:       1.0,
		BufferSize:       1000,
		FlushInterval:    5 * time.Second,
	}
}
