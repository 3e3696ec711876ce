package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// ToolHandler implements one tool's tools/call behavior for an in-process
// MCP server (one of the built-in binaries launched by the Manager, e.g.
// mcp-time-server / mcp-shell-server). It receives the raw, already-
// unwrapped arguments object and returns a result or a structured error —
// never a bare Go error across this boundary (spec.md §7).
type ToolHandler func(ctx context.Context, args map[string]any) (*ToolCallResult, *CallError)

// Host is a minimal line-delimited JSON-RPC 2.0 stdio server: the
// counterpart to stdioTransport/ServerClient, implementing just enough of
// the wire protocol (initialize, notifications/initialized, tools/list,
// tools/call) for a built-in tool server binary to speak to a ServerClient
// (spec.md §6 "Child-process protocol"). Resources/prompts are not
// advertised by built-in servers, so their capabilities are omitted.
type Host struct {
	Name    string
	Version string
	Logger  *slog.Logger

	tools    []*ToolDescriptor
	handlers map[string]ToolHandler
}

// NewHost constructs an empty tool host.
func NewHost(name, version string, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		Name:     name,
		Version:  version,
		Logger:   logger.With("mcp_host", name),
		handlers: make(map[string]ToolHandler),
	}
}

// AddTool registers one tool's descriptor and handler.
func (h *Host) AddTool(desc *ToolDescriptor, handler ToolHandler) {
	h.tools = append(h.tools, desc)
	h.handlers[desc.Name] = handler
}

// Serve reads newline-delimited JSON-RPC requests from r and writes
// responses to w until r is exhausted or ctx is canceled. One line in,
// at most one line out, matching the client's at-most-one-in-flight
// expectation (there is nothing to pipeline against: built-in servers
// process requests synchronously, one at a time, same as the client
// writes them).
func (h *Host) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req jsonrpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			h.Logger.Warn("malformed request line", "error", err)
			continue
		}

		// Notifications (no id, non-zero-valued already excluded since we
		// only ever send/receive numeric ids) carry method
		// "notifications/initialized" with nothing to reply to.
		if req.Method == "notifications/initialized" {
			continue
		}

		resp := h.dispatch(ctx, &req)
		if resp == nil {
			continue
		}
		data, err := json.Marshal(resp)
		if err != nil {
			h.Logger.Error("failed to marshal response", "error", err)
			continue
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		if f, ok := w.(interface{ Flush() error }); ok {
			f.Flush()
		}
	}
	return scanner.Err()
}

func (h *Host) dispatch(ctx context.Context, req *jsonrpcRequest) *jsonrpcResponse {
	switch req.Method {
	case "initialize":
		return h.handleInitialize(req)
	case "tools/list":
		return h.handleToolsList(req)
	case "tools/call":
		return h.handleToolsCall(ctx, req)
	case "resources/list":
		return &jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Result: mustJSON(listResourcesResult{})}
	case "prompts/list":
		return &jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Result: mustJSON(listPromptsResult{})}
	default:
		return &jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &jsonrpcError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}}
	}
}

func (h *Host) handleInitialize(req *jsonrpcRequest) *jsonrpcResponse {
	result := initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: Capabilities{
			Tools: &struct {
				ListChanged bool `json:"listChanged,omitempty"`
			}{},
		},
		ServerInfo: ServerInfo{Name: h.Name, Version: h.Version},
	}
	return &jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Result: mustJSON(result)}
}

func (h *Host) handleToolsList(req *jsonrpcRequest) *jsonrpcResponse {
	return &jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Result: mustJSON(listToolsResult{Tools: h.tools})}
}

func (h *Host) handleToolsCall(ctx context.Context, req *jsonrpcRequest) *jsonrpcResponse {
	var params callToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return &jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &jsonrpcError{Code: ErrCodeInvalidParams, Message: err.Error()}}
		}
	}

	handler, ok := h.handlers[params.Name]
	if !ok {
		return &jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &jsonrpcError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("unknown tool %q", params.Name)}}
	}

	args := map[string]any{}
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return &jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &jsonrpcError{Code: ErrCodeInvalidParams, Message: err.Error()}}
		}
	}

	result, callErr := handler(ctx, args)
	if callErr != nil {
		return &jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &jsonrpcError{Code: callErr.Code, Message: callErr.Message}}
	}
	return &jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Result: mustJSON(result)}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

// TextResult builds the common single-text-block ToolCallResult shape.
func TextResult(text string) *ToolCallResult {
	return &ToolCallResult{Content: []Content{{Type: "text", Text: text}}}
}

// ErrorResult builds an IsError ToolCallResult carrying a human-readable
// message, for tool-level failures that should surface as content rather
// than a JSON-RPC error (e.g. a shell command that exited non-zero).
func ErrorResult(format string, args ...any) *ToolCallResult {
	return &ToolCallResult{IsError: true, Content: []Content{{Type: "text", Text: fmt.Sprintf(format, args...)}}}
}
