// Package mcp implements the Model Context Protocol tool integration core:
// it launches and supervises MCP tool-server subprocesses, advertises their
// tools to an LLM pipeline, and enforces permission, rate-limit, and
// loop-detection policy before every call.
package mcp

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ServerConfig holds configuration for a single MCP tool server. The
// protocol is JSON-RPC 2.0 over a child process's stdio (one JSON object
// per line, UTF-8) — there is no other transport.
type ServerConfig struct {
	Name        string            `yaml:"name" json:"name"`
	Command     string            `yaml:"command" json:"command"`
	Args        []string          `yaml:"args" json:"args,omitempty"`
	Env         map[string]string `yaml:"env" json:"env,omitempty"`
	Enabled     bool              `yaml:"enabled" json:"enabled"`
	Builtin     bool              `yaml:"builtin" json:"builtin,omitempty"`
	Description string            `yaml:"description" json:"description,omitempty"`
	WorkDir     string            `yaml:"workdir" json:"workdir,omitempty"`
	Timeout     time.Duration     `yaml:"timeout" json:"timeout,omitempty"`

	// external is derived, not configured: true when Command/Args contain
	// "fetch", "uvx", or "npx" (§4.3 step 3), which selects extended
	// timeouts and retry behavior.
	external bool
}

// Normalize enforces the "command as scalar, args as sequence" invariant:
// when a raw, possibly-sequence-shaped command is supplied as a single
// string containing embedded arguments it is left alone (callers provide
// already-split commands); RawCommand handles the sequence-input case
// documented in spec.md §3/§4.3.
func (c *ServerConfig) Normalize() {
	cmd := strings.TrimSpace(c.Command)
	c.Command = cmd
	lower := strings.ToLower(cmd + " " + strings.Join(c.Args, " "))
	c.external = strings.Contains(lower, "fetch") || strings.Contains(lower, "uvx") || strings.Contains(lower, "npx")
}

// IsExternal reports whether this server is subject to the extended
// timeout/retry policy for external servers (§4.1, §4.3).
func (c *ServerConfig) IsExternal() bool {
	return c.external
}

// NormalizeCommandSequence implements "if input command is a sequence,
// head becomes command and tail prepends to args" (spec.md §3) for
// configs decoded from a raw `command: [...]` YAML/JSON5 list.
func NormalizeCommandSequence(command []string, args []string) (string, []string) {
	if len(command) == 0 {
		return "", args
	}
	if len(command) == 1 {
		return command[0], args
	}
	return command[0], append(append([]string{}, command[1:]...), args...)
}

// Validate checks the server configuration for obvious misconfiguration.
func (c *ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("server name is required")
	}
	if c.Command == "" {
		return fmt.Errorf("command is required for server %q", c.Name)
	}
	if c.WorkDir != "" {
		if cleaned := filepath.Clean(c.WorkDir); strings.Contains(cleaned, "..") {
			return fmt.Errorf("workdir contains path traversal: %q", c.WorkDir)
		}
	}
	return nil
}

// ToolDescriptor is a tool as advertised by a server via tools/list.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`

	// ServerName is annotated by the Manager when aggregating tools
	// across servers (§4.3 get_all_tools); it is not part of the wire
	// format advertised by the server itself.
	ServerName string `json:"-"`
}

// ResourceDescriptor is a resource as advertised via resources/list.
type ResourceDescriptor struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PromptDescriptor is a prompt template as advertised via prompts/list.
type PromptDescriptor struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description,omitempty"`
	Arguments   []PromptArgumentDescriptor `json:"arguments,omitempty"`
}

// PromptArgumentDescriptor describes one prompt parameter.
type PromptArgumentDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ResourceContent holds fetched resource content.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// PromptMessage is one message in a prompts/get response.
type PromptMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Content is a single piece of tool/prompt content.
type Content struct {
	Type     string           `json:"type"`
	Text     string           `json:"text,omitempty"`
	Data     string           `json:"data,omitempty"`
	MimeType string           `json:"mimeType,omitempty"`
	Resource *ResourceContent `json:"resource,omitempty"`
}

// ToolCallResult is the result of tools/call.
type ToolCallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// CallError is the structured error shape call_tool returns in place of
// raising (spec.md §7: "the core never raises exceptions across the API
// boundary"). Error is never both nil and IsError true.
type CallError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`

	// Suppressed marks a timeout below the third-consecutive-occurrence
	// surfacing threshold (spec.md §7): the caller should record it but
	// must not render anything user-visible for it.
	Suppressed bool `json:"-"`
}

func (e *CallError) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// Error code assignments, stable per spec.md §6.
const (
	ErrCodeIOTimeout        = -32000
	ErrCodePolicyBlocked    = -32001
	ErrCodeServerUnhealthy  = -32002
	ErrCodeMethodNotFound   = -32601
	ErrCodeInvalidParams    = -32602
	ErrCodeInternal         = -32603
)

// JSON-RPC 2.0 wire types (§6).

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ServerInfo/ClientInfo/Capabilities mirror the initialize handshake.

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type Capabilities struct {
	Tools     *struct{ ListChanged bool `json:"listChanged,omitempty"` } `json:"tools,omitempty"`
	Resources *struct{ Subscribe, ListChanged bool }                     `json:"resources,omitempty"`
	Prompts   *struct{ ListChanged bool `json:"listChanged,omitempty"` } `json:"prompts,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

type listToolsResult struct {
	Tools []*ToolDescriptor `json:"tools"`
}

type listResourcesResult struct {
	Resources []*ResourceDescriptor `json:"resources"`
}

type listPromptsResult struct {
	Prompts []*PromptDescriptor `json:"prompts"`
}

type readResourceResult struct {
	Contents []*ResourceContent `json:"contents"`
}

// PromptGetResult is the result of a prompts/get call.
type PromptGetResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

const protocolVersion = "2024-11-05"
