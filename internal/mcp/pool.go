package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/mcpcore/internal/ratelimit"
)

const minCallInterval = 500 * time.Millisecond

const shellServerName = "shell"

// envMaxSequentialTools names the env var that overrides the default
// per-conversation burst cap (SPEC_FULL.md §4.2).
const envMaxSequentialTools = "MCP_MAX_SEQUENTIAL_TOOLS"

const defaultMaxSequentialTools = 20

// ConnectionPool is the single process-wide gate in front of the
// Manager (spec.md §4.2): it enforces a minimum inter-call interval per
// (tool_name, conversation_id), caps bursts of sequential calls per
// conversation as a secondary, additive guard, pins shell-command tools
// to the `shell` server regardless of what the caller passed, and
// otherwise delegates straight through. It owns no subprocess
// lifetimes; the Manager does.
type ConnectionPool struct {
	manager *Manager
	bursts  *ratelimit.Limiter

	mu       sync.Mutex
	lastCall map[string]time.Time
}

// NewConnectionPool constructs a pool in front of the given manager. The
// burst limiter refills one slot per second up to
// MCP_MAX_SEQUENTIAL_TOOLS (default 20) tokens, so a conversation can
// burst up to that many back-to-back tool calls before being throttled,
// independent of the per-(tool,conversation) minimum interval above.
func NewConnectionPool(manager *Manager) *ConnectionPool {
	maxSequential := defaultMaxSequentialTools
	if raw := os.Getenv(envMaxSequentialTools); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			maxSequential = n
		}
	}
	return &ConnectionPool{
		manager: manager,
		bursts: ratelimit.NewLimiter(ratelimit.Config{
			Enabled:           true,
			RequestsPerSecond: 1,
			BurstSize:         maxSequential,
		}),
		lastCall: make(map[string]time.Time),
	}
}

func poolKey(conversationID, toolName string) string {
	return conversationID + "\x00" + toolName
}

// isShellTool reports whether name is run_shell_command, with or
// without the mcp_ prefix (spec.md §4.2).
func isShellTool(name string) bool {
	return strings.TrimPrefix(name, "mcp_") == "run_shell_command"
}

// CallTool enforces the minimum interval, pins shell tools to the
// `shell` server, records the call time, and delegates to the Manager.
func (p *ConnectionPool) CallTool(ctx context.Context, conversationID, toolName string, rawArgs json.RawMessage, serverName string) (*ToolCallResult, error) {
	if isShellTool(toolName) {
		serverName = shellServerName
	}

	if conversationID != "" {
		if !p.bursts.Allow(conversationID) {
			return nil, &CallError{Code: ErrCodePolicyBlocked, Message: fmt.Sprintf("too many sequential tool calls in conversation %q", conversationID)}
		}
		if err := p.waitForInterval(ctx, conversationID, toolName); err != nil {
			return nil, err
		}
	}

	return p.manager.CallTool(ctx, toolName, rawArgs, serverName, conversationID)
}

func (p *ConnectionPool) waitForInterval(ctx context.Context, conversationID, toolName string) error {
	key := poolKey(conversationID, toolName)

	p.mu.Lock()
	last, ok := p.lastCall[key]
	now := time.Now()
	var wait time.Duration
	if ok {
		elapsed := now.Sub(last)
		if elapsed < minCallInterval {
			wait = minCallInterval - elapsed
		}
	}
	p.lastCall[key] = now.Add(wait)
	p.mu.Unlock()

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
