package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

const (
	flushLengthThreshold  = 500
	maxRepeatedLines      = 10
	repetitionWindowLines = 100
	maxConsecutiveEmpty   = 5
	preservedToolOutputs  = 10
	preservedOutputCap    = 5000
)

// StreamChunk is one item from the upstream model-produced sequence the
// middleware consumes: a plain string, a structured chunk carrying
// Content, a log patch, or an error/terminal marker (spec.md §4.6).
type StreamChunk struct {
	Text                 string
	Content              string
	HasContent           bool
	ContinuationBoundary bool
	Error                string
	Type                 string
	Terminal             bool
}

// StreamEvent is the tagged union of SSE payloads the middleware emits.
type StreamEvent struct {
	Content          string            `json:"content,omitempty"`
	ToolCall         map[string]any    `json:"tool_call,omitempty"`
	ToolResult       string            `json:"tool_result,omitempty"`
	ToolError        string            `json:"tool_error,omitempty"`
	Warning          string            `json:"warning,omitempty"`
	PreservedContent *PreservedContent `json:"preservedContent,omitempty"`
	Error            string            `json:"error,omitempty"`
	Type             string            `json:"type,omitempty"`
}

// PreservedContent carries whatever was salvageable when the upstream
// failed mid-stream (spec.md §4.6 "Large-chunk preservation on error").
type PreservedContent struct {
	Content     string   `json:"content"`
	ToolOutputs []string `json:"tool_outputs"`
}

// ToolExecutor dispatches a parsed tool call and returns its rendered
// text (the Secure Tool Wrapper, in production wiring).
type ToolExecutor interface {
	Execute(ctx context.Context, conversationID, toolName string, args map[string]any) (string, error)
}

// Middleware implements the per-request streaming state machine of
// spec.md §4.6: content buffering, tool-call extraction/dispatch,
// repetition guarding, and preserved-content recovery on upstream
// failure.
type Middleware struct {
	parser   *Parser
	executor ToolExecutor
	logger   *slog.Logger

	conversationID string

	mu                sync.Mutex
	contentBuffer     strings.Builder
	accumulated       strings.Builder
	inToolBlock       bool
	sentinelStart     int
	seenCallHashes    map[string]bool
	consecutiveEmpty  int
	recentLines       []string
	lineCounts        map[string]int
	recentToolOutputs []string

	scrubber      *Scrubber
	executedTools map[string]bool
}

// NewMiddleware constructs a middleware instance for one request/stream.
func NewMiddleware(conversationID string, executor ToolExecutor, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	sentinel := ToolSentinel()
	return &Middleware{
		parser:         NewParser(sentinel),
		executor:       executor,
		logger:         logger.With("component", "mcp-stream-middleware"),
		conversationID: conversationID,
		seenCallHashes: make(map[string]bool),
		lineCounts:     make(map[string]int),
		scrubber:       NewScrubber(sentinel),
		executedTools:  make(map[string]bool),
	}
}

// Run drains chunks and writes SSE `data:`-prefixed lines to w, finishing
// with a final `data: [DONE]` line. It flushes after every chunk so w
// must wrap an http.Flusher-capable ResponseWriter for true streaming.
func (m *Middleware) Run(ctx context.Context, chunks <-chan StreamChunk, w io.Writer) error {
	flusher, _ := w.(http.Flusher)

	writeEvent := func(ev StreamEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}
	done := func() error {
		_, err := io.WriteString(w, "data: [DONE]\n\n")
		if flusher != nil {
			flusher.Flush()
		}
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return m.handleUpstreamFailure(writeEvent, done, ctx.Err())
		case chunk, ok := <-chunks:
			if !ok {
				if err := m.flush(ctx, writeEvent); err != nil {
					return err
				}
				return done()
			}
			if err := m.handleChunk(ctx, chunk, writeEvent, done); err != nil {
				return err
			}
			if chunk.Terminal {
				return nil
			}
		}
	}
}

func (m *Middleware) handleChunk(ctx context.Context, chunk StreamChunk, writeEvent func(StreamEvent) error, done func() error) error {
	if chunk.ContinuationBoundary {
		return writeEvent(StreamEvent{Type: "continuation_boundary"})
	}
	if chunk.Error != "" || chunk.Type != "" {
		if err := writeEvent(StreamEvent{Error: chunk.Error, Type: chunk.Type}); err != nil {
			return err
		}
		if chunk.Terminal {
			return done()
		}
		return nil
	}

	text := chunk.Text
	if chunk.HasContent {
		text = chunk.Content
	}
	if text == "" {
		m.mu.Lock()
		m.consecutiveEmpty++
		bail := m.consecutiveEmpty >= maxConsecutiveEmpty
		if bail {
			m.contentBuffer.Reset()
			m.consecutiveEmpty = 0
		}
		m.mu.Unlock()
		return nil
	}

	m.mu.Lock()
	m.consecutiveEmpty = 0
	m.contentBuffer.WriteString(text)
	m.accumulated.WriteString(text)
	buffered := m.contentBuffer.String()
	m.mu.Unlock()

	if m.repetitionViolated(text) {
		if err := writeEvent(StreamEvent{Warning: "repetitive_content"}); err != nil {
			return err
		}
		return done()
	}

	if m.holdCondition(buffered) {
		return nil
	}
	if m.flushCondition(buffered) {
		return m.flush(ctx, writeEvent)
	}
	return nil
}

// holdCondition reports whether the buffer contains an unclosed
// sentinel block or an unclosed bare known-tool tag, in which case it
// must not be flushed yet (spec.md §4.6 "Hold conditions").
func (m *Middleware) holdCondition(buffered string) bool {
	sentinelOpen := "<" + m.parser.sentinel + ">"
	sentinelClose := "</" + m.parser.sentinel + ">"
	if strings.Contains(buffered, sentinelOpen) && !strings.Contains(buffered, sentinelClose) {
		return true
	}
	for name := range bareToolAllowList {
		openTag, closeTag := "<"+name+">", "</"+name+">"
		if strings.Contains(buffered, openTag) && !strings.Contains(buffered, closeTag) {
			return true
		}
	}
	return false
}

// flushCondition reports whether any of spec.md §4.6's flush conditions
// is satisfied.
func (m *Middleware) flushCondition(buffered string) bool {
	if m.parser.Parse(buffered) != nil {
		return true
	}
	if len(buffered) >= flushLengthThreshold {
		return true
	}
	return !looksLikeToolCallStart(buffered, m.parser.sentinel)
}

func looksLikeToolCallStart(buffered, sentinel string) bool {
	trimmed := strings.TrimSpace(buffered)
	if trimmed == "" {
		return false
	}
	if strings.HasPrefix(trimmed, "<") {
		return true
	}
	open := "<" + sentinel
	return strings.Contains(trimmed, open[:min(len(open), len(trimmed))])
}

// flush emits either a tool-call/result pair or a plain content event
// for the current buffer, then clears it (spec.md §4.6 "On flush").
func (m *Middleware) flush(ctx context.Context, writeEvent func(StreamEvent) error) error {
	m.mu.Lock()
	buffered := m.contentBuffer.String()
	m.contentBuffer.Reset()
	m.mu.Unlock()

	if buffered == "" {
		return nil
	}

	call := m.parser.Parse(buffered)
	if call == nil {
		m.mu.Lock()
		executed := make(map[string]bool, len(m.executedTools))
		for name := range m.executedTools {
			executed[name] = true
		}
		m.mu.Unlock()
		return writeEvent(StreamEvent{Content: m.scrubber.Scrub(buffered, executed)})
	}

	if err := ValidateToolCall(call); err != nil {
		return writeEvent(StreamEvent{ToolError: err.Error()})
	}

	hash := CanonicalArgsHash(call)
	m.mu.Lock()
	alreadySeen := m.seenCallHashes[hash]
	m.seenCallHashes[hash] = true
	m.mu.Unlock()
	if alreadySeen {
		return nil
	}

	if err := writeEvent(StreamEvent{ToolCall: map[string]any{"name": call.ToolName, "arguments": call.Arguments}}); err != nil {
		return err
	}

	if m.executor == nil {
		return writeEvent(StreamEvent{ToolError: "no tool executor configured"})
	}

	result, err := m.executor.Execute(ctx, m.conversationID, call.ToolName, call.Arguments)
	if errors.Is(err, errSuppressedToolCall) {
		// spec.md §7: the first two consecutive timeouts for a tool are
		// silent — no tool_error, no tool_result, nothing user-visible.
		return nil
	}
	if err != nil {
		return writeEvent(StreamEvent{ToolError: err.Error()})
	}

	m.mu.Lock()
	m.executedTools[call.ToolName] = true
	m.recentToolOutputs = append(m.recentToolOutputs, truncate(result, preservedOutputCap))
	if len(m.recentToolOutputs) > preservedToolOutputs {
		m.recentToolOutputs = m.recentToolOutputs[len(m.recentToolOutputs)-preservedToolOutputs:]
	}
	m.mu.Unlock()

	return writeEvent(StreamEvent{ToolResult: result})
}

// repetitionViolated tracks the last ~100 non-empty lines and reports
// true once any single line has appeared more than maxRepeatedLines
// times (spec.md §4.6 "Repetition guard").
func (m *Middleware) repetitionViolated(text string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m.recentLines = append(m.recentLines, line)
		m.lineCounts[line]++
		if len(m.recentLines) > repetitionWindowLines {
			oldest := m.recentLines[0]
			m.recentLines = m.recentLines[1:]
			m.lineCounts[oldest]--
			if m.lineCounts[oldest] <= 0 {
				delete(m.lineCounts, oldest)
			}
		}
		if m.lineCounts[line] > maxRepeatedLines {
			return true
		}
	}
	return false
}

func (m *Middleware) handleUpstreamFailure(writeEvent func(StreamEvent) error, done func() error, cause error) error {
	m.mu.Lock()
	content := m.accumulated.String()
	outputs := append([]string{}, m.recentToolOutputs...)
	m.mu.Unlock()

	m.logger.Warn("stream interrupted", "error", cause)

	if err := writeEvent(StreamEvent{
		Warning: "partial_response_preserved",
		PreservedContent: &PreservedContent{
			Content:     content,
			ToolOutputs: outputs,
		},
	}); err != nil {
		return err
	}
	return done()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
