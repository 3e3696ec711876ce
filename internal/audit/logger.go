package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger writes structured audit events for tool invocations, permission
// decisions, and server lifecycle transitions. It never logs raw tool
// arguments or output unless explicitly configured to, preferring a
// content hash instead.
type Logger struct {
	config     Config
	output     io.WriteCloser
	slogger    *slog.Logger
	buffer     chan *Event
	wg         sync.WaitGroup
	done       chan struct{}
	eventTypes map[EventType]bool
}

// NewLogger creates a new audit logger from config. A disabled logger is
// still safe to call methods on; they become no-ops.
func NewLogger(config Config) (*Logger, error) {
	if config.SampleRate == 0 {
		config.SampleRate = 1.0
	}
	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaxFieldSize == 0 {
		config.MaxFieldSize = 1024
	}

	l := &Logger{
		config:     config,
		eventTypes: make(map[EventType]bool, len(config.EventTypes)),
		done:       make(chan struct{}),
	}
	for _, et := range config.EventTypes {
		l.eventTypes[et] = true
	}

	if !config.Enabled {
		return l, nil
	}

	output, err := openOutput(config.Output)
	if err != nil {
		return nil, fmt.Errorf("open audit output: %w", err)
	}
	l.output = output

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: l.slogLevel()}
	if config.Format == FormatText {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}
	l.slogger = slog.New(handler)

	l.buffer = make(chan *Event, config.BufferSize)
	l.wg.Add(1)
	go l.writeLoop()

	return l, nil
}

func openOutput(dest string) (io.WriteCloser, error) {
	switch dest {
	case "", "stdout":
		return nopCloser{os.Stdout}, nil
	case "stderr":
		return nopCloser{os.Stderr}, nil
	default:
		if path, ok := strings.CutPrefix(dest, "file:"); ok {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, err
			}
			return f, nil
		}
		return nil, fmt.Errorf("unsupported audit output destination: %q", dest)
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Close flushes buffered events and closes the output.
func (l *Logger) Close() error {
	if !l.config.Enabled || l.output == nil {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	return l.output.Close()
}

// Log records an audit event, applying level, event-type, and sampling
// filters. Non-blocking: if the write buffer is full the event is
// written synchronously instead of dropped.
func (l *Logger) Log(_ context.Context, event *Event) {
	if !l.config.Enabled || event == nil {
		return
	}
	if !l.shouldLog(event.Level) {
		return
	}
	if len(l.eventTypes) > 0 && !l.eventTypes[event.Type] {
		return
	}
	if l.config.SampleRate < 1.0 && rand.Float64() >= l.config.SampleRate {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case l.buffer <- event:
	default:
		l.writeEvent(event)
	}
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		case <-ticker.C:
			l.flushBuffer()
		case <-l.done:
			l.flushBuffer()
			return
		}
	}
}

func (l *Logger) flushBuffer() {
	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		default:
			return
		}
	}
}

func (l *Logger) writeEvent(event *Event) {
	if l.slogger == nil {
		return
	}
	attrs := []any{
		"audit_id", event.ID,
		"audit_type", string(event.Type),
		"action", event.Action,
	}
	if event.ConversationID != "" {
		attrs = append(attrs, "conversation_id", event.ConversationID)
	}
	if event.ServerID != "" {
		attrs = append(attrs, "server_id", event.ServerID)
	}
	if event.ToolName != "" {
		attrs = append(attrs, "tool_name", event.ToolName)
	}
	if event.ExecutionID != "" {
		attrs = append(attrs, "execution_id", event.ExecutionID)
	}
	if event.Duration > 0 {
		attrs = append(attrs, "duration_ms", event.Duration.Milliseconds())
	}
	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}
	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}

	ctx := context.Background()
	switch event.Level {
	case LevelDebug:
		l.slogger.DebugContext(ctx, "audit", attrs...)
	case LevelWarn:
		l.slogger.WarnContext(ctx, "audit", attrs...)
	case LevelError:
		l.slogger.ErrorContext(ctx, "audit", attrs...)
	default:
		l.slogger.InfoContext(ctx, "audit", attrs...)
	}
}

func (l *Logger) shouldLog(level Level) bool {
	rank := map[Level]int{LevelDebug: 0, LevelInfo: 1, LevelWarn: 2, LevelError: 3}
	configRank, ok := rank[l.config.Level]
	if !ok {
		configRank = rank[LevelInfo]
	}
	eventRank, ok := rank[level]
	if !ok {
		eventRank = rank[LevelInfo]
	}
	return eventRank >= configRank
}

func (l *Logger) slogLevel() slog.Level {
	switch l.config.Level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *Logger) truncate(s string) string {
	if len(s) <= l.config.MaxFieldSize {
		return s
	}
	return s[:l.config.MaxFieldSize] + "...(truncated)"
}

// LogToolInvocation records that a tool call was dispatched to a server.
func (l *Logger) LogToolInvocation(ctx context.Context, toolName, serverID string, args []byte, conversationID string, attempt int) {
	details := map[string]any{}
	if l.config.IncludeToolInput {
		details["input"] = l.truncate(string(args))
	} else {
		details["input_hash"] = hashString(string(args))
	}
	details["attempt"] = attempt

	l.Log(ctx, &Event{
		Type:           EventToolInvocation,
		Level:          LevelInfo,
		ConversationID: conversationID,
		ServerID:       serverID,
		ToolName:       toolName,
		Action:         "tool_invoked",
		Details:        details,
	})
}

// LogToolCompletion records the outcome of a tool call.
func (l *Logger) LogToolCompletion(ctx context.Context, toolName string, success bool, output string, duration time.Duration, conversationID string) {
	level := LevelInfo
	if !success {
		level = LevelWarn
	}
	details := map[string]any{
		"success":     success,
		"output_size": len(output),
	}
	l.Log(ctx, &Event{
		Type:           EventToolCompletion,
		Level:          level,
		ConversationID: conversationID,
		ToolName:       toolName,
		Action:         "tool_completed",
		Duration:       duration,
		Details:        details,
	})
}

// LogToolDenied records that the permissions store or loop detector
// blocked a tool call before dispatch.
func (l *Logger) LogToolDenied(ctx context.Context, toolName, reason, policyMatched, conversationID string) {
	l.Log(ctx, &Event{
		Type:           EventToolDenied,
		Level:          LevelWarn,
		ConversationID: conversationID,
		ToolName:       toolName,
		Action:         "tool_denied",
		Details: map[string]any{
			"reason":         reason,
			"policy_matched": policyMatched,
		},
	})
}

// LogPermissionDecision records an explicit permission grant or denial.
func (l *Logger) LogPermissionDecision(ctx context.Context, granted bool, toolName, serverID, conversationID string) {
	eventType := EventPermissionGranted
	level := LevelInfo
	if !granted {
		eventType = EventPermissionDenied
		level = LevelWarn
	}
	l.Log(ctx, &Event{
		Type:           eventType,
		Level:          level,
		ConversationID: conversationID,
		ToolName:       toolName,
		ServerID:       serverID,
		Action:         "permission_decision",
		Details: map[string]any{
			"granted": granted,
		},
	})
}

// LogError records a terminal error not otherwise covered above.
func (l *Logger) LogError(ctx context.Context, eventType EventType, action, errMsg string, details map[string]any, conversationID string) {
	l.Log(ctx, &Event{
		Type:           eventType,
		Level:          LevelError,
		ConversationID: conversationID,
		Action:         action,
		Error:          errMsg,
		Details:        details,
	})
}

// ConversationLogger binds a conversation ID to subsequent audit calls,
// so callers don't need to thread it through every invocation.
type ConversationLogger struct {
	logger         *Logger
	conversationID string
}

// WithConversation returns a logger bound to the given conversation ID.
func (l *Logger) WithConversation(conversationID string) *ConversationLogger {
	return &ConversationLogger{logger: l, conversationID: conversationID}
}

func (c *ConversationLogger) LogToolInvocation(ctx context.Context, toolName, serverID string, args []byte, attempt int) {
	c.logger.LogToolInvocation(ctx, toolName, serverID, args, c.conversationID, attempt)
}

func (c *ConversationLogger) LogToolCompletion(ctx context.Context, toolName string, success bool, output string, duration time.Duration) {
	c.logger.LogToolCompletion(ctx, toolName, success, output, duration, c.conversationID)
}

func (c *ConversationLogger) LogToolDenied(ctx context.Context, toolName, reason, policyMatched string) {
	c.logger.LogToolDenied(ctx, toolName, reason, policyMatched, c.conversationID)
}

func (c *ConversationLogger) LogPermissionDecision(ctx context.Context, granted bool, toolName, serverID string) {
	c.logger.LogPermissionDecision(ctx, granted, toolName, serverID, c.conversationID)
}

// hashString returns a short, non-reversible fingerprint for privacy-
// sensitive fields such as tool arguments.
func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
