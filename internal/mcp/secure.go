package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/mcpcore/internal/metrics"
)

const (
	secureWrapperTimeout     = 30 * time.Second
	secureWrapperMinInterval = 1 * time.Second
	defaultMaxOutputChars    = 10000
	executionTokenTTL        = 300 * time.Second
)

// errSuppressedToolCall signals that a tool execution failed in a way
// that must stay invisible to the stream consumer (spec.md §7: a
// consecutive timeout below the surfacing threshold). The Middleware
// recognizes this sentinel and emits no tool_error/tool_result event
// for it at all, rather than rendering it like any other failure.
var errSuppressedToolCall = errors.New("tool call suppressed: consecutive timeout below surfacing threshold")

// TriggerType classifies why an execution token was created (spec.md
// §3 "Execution Token").
type TriggerType string

const (
	TriggerToolCall       TriggerType = "tool_call"
	TriggerContextRequest TriggerType = "context_request"
	TriggerLintCheck      TriggerType = "lint_check"
	TriggerDiffValidation TriggerType = "diff_validation"
)

// ExecutionToken signs one tool invocation for audit purposes.
type ExecutionToken struct {
	ID             string
	ToolName       string
	Arguments      string
	ConversationID string
	TriggerType    TriggerType
	Timestamp      time.Time
	Signature      string

	completed bool
	failed    bool
	err       string
}

func newExecutionToken(toolName, argsJSON, conversationID string, trigger TriggerType) *ExecutionToken {
	timestamp := time.Now()
	tok := &ExecutionToken{
		ID:             uuid.NewString(),
		ToolName:       toolName,
		Arguments:      argsJSON,
		ConversationID: conversationID,
		TriggerType:    trigger,
		Timestamp:      timestamp,
	}
	tok.Signature = signExecutionToken(toolName, argsJSON, conversationID, string(trigger), timestamp)
	return tok
}

func signExecutionToken(toolName, argsJSON, conversationID, trigger string, timestamp time.Time) string {
	sum := sha256.Sum256([]byte(toolName + "\x00" + argsJSON + "\x00" + conversationID + "\x00" + trigger + "\x00" + timestamp.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}

// ExecutionRegistry tracks in-flight and recently-completed execution
// tokens, purging anything older than executionTokenTTL (spec.md §3
// "Execution Token" lifecycle).
type ExecutionRegistry struct {
	mu     sync.Mutex
	tokens map[string]*ExecutionToken
}

// NewExecutionRegistry constructs an empty registry.
func NewExecutionRegistry() *ExecutionRegistry {
	return &ExecutionRegistry{tokens: make(map[string]*ExecutionToken)}
}

func (r *ExecutionRegistry) register(tok *ExecutionToken) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purgeLocked()
	r.tokens[tok.ID] = tok
}

func (r *ExecutionRegistry) complete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tok, ok := r.tokens[id]; ok {
		tok.completed = true
	}
}

func (r *ExecutionRegistry) fail(id, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tok, ok := r.tokens[id]; ok {
		tok.failed = true
		tok.err = errMsg
	}
}

func (r *ExecutionRegistry) purgeLocked() {
	cutoff := time.Now().Add(-executionTokenTTL)
	for id, tok := range r.tokens {
		if tok.Timestamp.Before(cutoff) {
			delete(r.tokens, id)
		}
	}
}

// Active returns a snapshot of every non-purged token.
func (r *ExecutionRegistry) Active() []*ExecutionToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purgeLocked()
	out := make([]*ExecutionToken, 0, len(r.tokens))
	for _, tok := range r.tokens {
		out = append(out, tok)
	}
	return out
}

// SecureToolWrapper exposes one MCP tool as a uniformly-shaped callable
// for upstream consumers (spec.md §4.9): it tokens and registers every
// invocation, rate-limits per (tool, conversation), dispatches through
// the Connection Pool with a hard timeout, and truncates the rendered
// result.
type SecureToolWrapper struct {
	pool     *ConnectionPool
	registry *ExecutionRegistry
	maxChars int
	metrics  *metrics.Metrics

	mu       sync.Mutex
	lastCall map[string]time.Time
}

// SetMetrics attaches a Metrics collector; nil (the default) disables
// metrics recording (SPEC_FULL.md §4.0/§4.9).
func (w *SecureToolWrapper) SetMetrics(mx *metrics.Metrics) { w.metrics = mx }

// NewSecureToolWrapper constructs a wrapper in front of the given pool.
// maxChars <= 0 uses the spec default of 10000.
func NewSecureToolWrapper(pool *ConnectionPool, registry *ExecutionRegistry, maxChars int) *SecureToolWrapper {
	if maxChars <= 0 {
		maxChars = defaultMaxOutputChars
	}
	return &SecureToolWrapper{
		pool:     pool,
		registry: registry,
		maxChars: maxChars,
		lastCall: make(map[string]time.Time),
	}
}

// Execute implements ToolExecutor so a SecureToolWrapper can be handed
// directly to the streaming Middleware.
func (w *SecureToolWrapper) Execute(ctx context.Context, conversationID, toolName string, args map[string]any) (string, error) {
	return w.Invoke(ctx, conversationID, toolName, args, TriggerToolCall)
}

// Invoke performs one tokened, rate-limited, timeout-bounded call and
// returns a human-readable rendering of the result.
func (w *SecureToolWrapper) Invoke(ctx context.Context, conversationID, toolName string, args map[string]any, trigger TriggerType) (string, error) {
	if err := w.waitForInterval(ctx, conversationID, toolName); err != nil {
		return "", err
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshal arguments: %w", err)
	}

	tok := newExecutionToken(toolName, string(argsJSON), conversationID, trigger)
	w.registry.register(tok)

	callCtx, cancel := context.WithTimeout(ctx, secureWrapperTimeout)
	defer cancel()

	start := time.Now()
	result, callErr := w.pool.CallTool(callCtx, conversationID, toolName, json.RawMessage(argsJSON), "")
	if w.metrics != nil {
		w.metrics.RecordToolExecution(toolName, callErr == nil, time.Since(start))
	}
	if callErr != nil {
		w.registry.fail(tok.ID, callErr.Error())
		if ce, ok := callErr.(*CallError); ok && ce.Suppressed {
			return "", errSuppressedToolCall
		}
		return fmt.Sprintf("❌ **MCP Server Error**: %s", callErr.Error()), nil
	}
	w.registry.complete(tok.ID)

	formatted := formatToolResult(result)
	formatted = truncateWithSuffix(formatted, w.maxChars)
	return fmt.Sprintf("%s\n\n_(executed in %s)_", formatted, time.Since(start).Round(time.Millisecond)), nil
}

func (w *SecureToolWrapper) waitForInterval(ctx context.Context, conversationID, toolName string) error {
	key := poolKey(conversationID, toolName)

	w.mu.Lock()
	last, ok := w.lastCall[key]
	now := time.Now()
	var wait time.Duration
	if ok {
		elapsed := now.Sub(last)
		if elapsed < secureWrapperMinInterval {
			wait = secureWrapperMinInterval - elapsed
		}
	}
	w.lastCall[key] = now.Add(wait)
	w.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// formatToolResult renders a ToolCallResult per spec.md §4.9 "Result
// formatting".
func formatToolResult(result *ToolCallResult) string {
	if result == nil {
		return ""
	}
	if result.IsError {
		var b strings.Builder
		for _, c := range result.Content {
			b.WriteString(c.Text)
		}
		return fmt.Sprintf("❌ **MCP Server Error**: %s", b.String())
	}
	var b strings.Builder
	for _, c := range result.Content {
		b.WriteString(c.Text)
	}
	return b.String()
}

func truncateWithSuffix(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n\n_(Output truncated)_"
}

// AssembledToolSetCache caches the list of secure tool wrappers derived
// from the current permissions and Manager tool list, keyed implicitly
// by a version stamp the caller supplies (spec.md §4.9 "Assembled tool
// set cache"). TTL 300 s; invalidated on any permission write or Manager
// cache invalidation via Invalidate().
type AssembledToolSetCache struct {
	mu       sync.Mutex
	version  string
	cachedAt time.Time
	tools    []*ToolDescriptor
}

// NewAssembledToolSetCache constructs an empty cache.
func NewAssembledToolSetCache() *AssembledToolSetCache {
	return &AssembledToolSetCache{}
}

// Get returns the cached tool list if it matches version and is within
// the TTL, else calls rebuild and caches the result under version.
func (c *AssembledToolSetCache) Get(version string, rebuild func() []*ToolDescriptor) []*ToolDescriptor {
	c.mu.Lock()
	if c.version == version && time.Since(c.cachedAt) < toolsCacheTTL {
		tools := c.tools
		c.mu.Unlock()
		return tools
	}
	c.mu.Unlock()

	tools := rebuild()

	c.mu.Lock()
	c.version = version
	c.cachedAt = time.Now()
	c.tools = tools
	c.mu.Unlock()
	return tools
}

// Invalidate forces the next Get to rebuild regardless of version.
func (c *AssembledToolSetCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cachedAt = time.Time{}
	c.version = ""
}
