package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/mcpcore/internal/audit"
	"github.com/haasonsaas/mcpcore/internal/cache"
	"github.com/haasonsaas/mcpcore/internal/metrics"
)

const unhealthyLogDedupeTTL = 30 * time.Second

const toolsCacheTTL = 300 * time.Second

// loopWindow/loopThreshold/loopRecentGap implement the loop-detection
// gate of spec.md §3/§4.3: a call is blocked as repetitive if >= 5
// identical (tool, canonical-args) pairs occurred within loopWindow AND
// the most recent identical call is within loopRecentGap.
const (
	loopWindow    = 60 * time.Second
	loopThreshold = 5
	loopRecentGap = 10 * time.Second
)

type callRecord struct {
	argsJSON string
	at       time.Time
}

// Manager is the single authoritative entry point for tool discovery,
// policy enforcement, and dispatch (spec.md §4.3).
type Manager struct {
	logger  *slog.Logger
	audit   *audit.Logger
	metrics *metrics.Metrics

	enabled bool

	mu      sync.RWMutex
	configs map[string]*ServerConfig
	clients map[string]*ServerClient

	permissions *PermissionsStore
	dynamic     *DynamicToolRegistry

	cacheMu  sync.Mutex
	cachedAt time.Time
	cached   []*ToolDescriptor

	recentMu sync.Mutex
	recent   map[string][]callRecord // key: conversationID + "\x00" + tool

	// unhealthyLogs suppresses repeated "server unhealthy" warnings for
	// the same server within unhealthyLogDedupeTTL, so a client hammering
	// a down server doesn't flood the logs with one line per call.
	unhealthyLogs *cache.DedupeCache
}

// NewManager constructs a manager from a server-config map (e.g. from
// LoadServerConfigs). If env ZIYA_ENABLE_MCP is not truthy, the returned
// manager is a disabled stub that advertises no tools (spec.md §4.3).
func NewManager(configs map[string]*ServerConfig, permissions *PermissionsStore, logger *slog.Logger, auditLogger *audit.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:      logger.With("component", "mcp-manager"),
		audit:       auditLogger,
		enabled:     EnvTruthy(EnvEnableMCP),
		configs:     configs,
		clients:     make(map[string]*ServerClient),
		permissions: permissions,
		dynamic:     NewDynamicToolRegistry(),
		recent:      make(map[string][]callRecord),
		unhealthyLogs: cache.NewDedupeCache(cache.DedupeCacheOptions{
			TTL:     unhealthyLogDedupeTTL,
			MaxSize: 256,
		}),
	}
	if permissions != nil {
		permissions.OnChange(m.invalidateCache)
	}
	m.dynamic.OnChange(m.invalidateCache)
	return m
}

// Enabled reports whether MCP is active in this process.
func (m *Manager) Enabled() bool { return m.enabled }

// SetMetrics attaches a Metrics collector; nil (the default) disables
// metrics recording entirely (SPEC_FULL.md §4.0).
func (m *Manager) SetMetrics(mx *metrics.Metrics) { m.metrics = mx }

// Dynamic exposes the dynamic-tool registry so callers can react to
// attachment changes (spec.md §4.8).
func (m *Manager) Dynamic() *DynamicToolRegistry { return m.dynamic }

// Start connects every enabled server concurrently (spec.md §4.3
// "Initialization": "all connect() calls launched concurrently, joined").
func (m *Manager) Start(ctx context.Context) error {
	if !m.enabled {
		m.logger.Info("MCP disabled; no servers will be started")
		return nil
	}

	var wg sync.WaitGroup
	for name, cfg := range m.configs {
		if !cfg.Enabled {
			continue
		}
		wg.Add(1)
		go func(name string, cfg *ServerConfig) {
			defer wg.Done()
			if err := m.Connect(ctx, name); err != nil {
				m.logger.Error("failed to connect MCP server", "server", name, "error", err)
			}
		}(name, cfg)
	}
	wg.Wait()
	return nil
}

// Connect connects one configured server by name.
func (m *Manager) Connect(ctx context.Context, name string) error {
	m.mu.RLock()
	cfg, hasCfg := m.configs[name]
	_, alreadyConnected := m.clients[name]
	m.mu.RUnlock()

	if !hasCfg {
		return fmt.Errorf("server %q not found in config", name)
	}
	if alreadyConnected {
		return nil
	}

	client := NewServerClient(cfg, m.logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.clients[name] = client
	m.mu.Unlock()
	m.invalidateCache()

	if m.metrics != nil {
		m.metrics.SetServerHealth(name, true)
	}
	if m.audit != nil {
		m.audit.Log(ctx, &audit.Event{Type: audit.EventServerConnected, Level: audit.LevelInfo, ServerID: name, Action: "server_connected"})
	}
	return nil
}

// Disconnect disconnects one server.
func (m *Manager) Disconnect(name string) error {
	m.mu.Lock()
	client, ok := m.clients[name]
	if ok {
		delete(m.clients, name)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.invalidateCache()
	if m.metrics != nil {
		m.metrics.SetServerHealth(name, false)
	}
	return client.Disconnect()
}

// RestartServer disconnects the existing client (if any) and reconnects
// with an optionally-updated config, invalidating the tools cache
// (spec.md §4.3 "Restart").
func (m *Manager) RestartServer(ctx context.Context, name string, newConfig *ServerConfig) error {
	m.mu.Lock()
	if client, ok := m.clients[name]; ok {
		client.Disconnect()
		delete(m.clients, name)
	}
	if newConfig != nil {
		newConfig.Normalize()
		m.configs[name] = newConfig
	}
	cfg := m.configs[name]
	m.mu.Unlock()

	m.invalidateCache()
	if cfg == nil {
		return fmt.Errorf("server %q not found in config", name)
	}
	return m.Connect(ctx, name)
}

// Shutdown disconnects every client concurrently and clears the cache
// (spec.md §4.3 "Shutdown").
func (m *Manager) Shutdown() {
	m.mu.Lock()
	clients := make([]*ServerClient, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[string]*ServerClient)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *ServerClient) {
			defer wg.Done()
			c.Disconnect()
		}(c)
	}
	wg.Wait()
	m.invalidateCache()
}

func (m *Manager) client(name string) (*ServerClient, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[name]
	return c, ok
}

func (m *Manager) invalidateCache() {
	m.cacheMu.Lock()
	m.cached = nil
	m.cachedAt = time.Time{}
	m.cacheMu.Unlock()
}

// GetAllTools returns the cached tool list if fresh, else rebuilds it
// from every connected+enabled server plus any active dynamic tools
// (spec.md §3 "Tools Cache", §4.3 "Tool aggregation", testable
// properties 8 and 9).
func (m *Manager) GetAllTools() []*ToolDescriptor {
	m.cacheMu.Lock()
	if m.cached != nil && time.Since(m.cachedAt) < toolsCacheTTL {
		cached := m.cached
		m.cacheMu.Unlock()
		return cached
	}
	m.cacheMu.Unlock()

	m.mu.RLock()
	var tools []*ToolDescriptor
	for name, client := range m.clients {
		cfg := m.configs[name]
		if cfg == nil || !cfg.Enabled || !client.IsConnected() {
			continue
		}
		tools = append(tools, client.Tools()...)
	}
	m.mu.RUnlock()

	for _, dt := range m.dynamic.Active() {
		tools = append(tools, &ToolDescriptor{Name: dt.Name(), Description: dt.Description(), ServerName: "dynamic"})
	}

	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	m.cacheMu.Lock()
	m.cached = tools
	m.cachedAt = time.Now()
	m.cacheMu.Unlock()

	if m.metrics != nil {
		m.metrics.SetToolsCacheSize(len(tools))
	}
	return tools
}

// FindTool returns the connected client that advertises the given tool
// name, or nil if none does.
func (m *Manager) FindTool(name string) (*ServerClient, *ToolDescriptor) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, client := range m.clients {
		for _, t := range client.Tools() {
			if t.Name == name {
				return client, t
			}
		}
	}
	return nil, nil
}

// CallTool is the unified entry point of spec.md §4.3: dynamic-tool
// short-circuit, permission gate, loop-detection gate, name/argument
// normalization, dispatch, and unhealthy-server reconnect.
func (m *Manager) CallTool(ctx context.Context, toolName string, rawArgs json.RawMessage, serverName, conversationID string) (*ToolCallResult, error) {
	if dt, ok := m.dynamic.Find(toolName); ok {
		text, err := dt.Execute(ctx, rawArgs)
		if err != nil {
			return nil, &CallError{Code: ErrCodeInternal, Message: err.Error()}
		}
		return &ToolCallResult{Content: []Content{{Type: "text", Text: text}}}, nil
	}

	lookupName := strings.TrimPrefix(toolName, "mcp_")

	if m.permissions != nil && m.permissions.Effective(serverName, lookupName) == PermissionDisabled {
		if m.audit != nil {
			m.audit.LogToolDenied(ctx, toolName, "permission_disabled", string(PermissionDisabled), conversationID)
		}
		return nil, &CallError{Code: ErrCodePolicyBlocked, Message: fmt.Sprintf("tool %q is disabled by policy", toolName)}
	}

	if conversationID != "" {
		canon, _ := canonicalArgsJSON(rawArgs)
		if m.isLoopBlocked(conversationID, lookupName, canon) {
			if m.audit != nil {
				m.audit.LogToolDenied(ctx, toolName, "loop_detected", "", conversationID)
			}
			return nil, &CallError{Code: ErrCodePolicyBlocked, Message: fmt.Sprintf("Tool call blocked: %q called repeatedly with identical arguments", toolName)}
		}
		m.recordCall(conversationID, lookupName, canon)
	}

	var client *ServerClient
	if serverName != "" {
		c, ok := m.client(serverName)
		if !ok {
			return nil, &CallError{Code: ErrCodeServerUnhealthy, Message: fmt.Sprintf("server %q not connected", serverName)}
		}
		client = c
	} else {
		c, tool := m.FindTool(lookupName)
		if c == nil || tool == nil {
			return nil, &CallError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("no connected server advertises tool %q", lookupName)}
		}
		client = c
	}

	if !client.Healthy() {
		if m.metrics != nil {
			m.metrics.SetServerHealth(client.Name(), false)
		}
		if err := client.MaybeReconnect(ctx); err != nil {
			if !m.unhealthyLogs.Check(client.Name()) {
				m.logger.Warn("server unhealthy and reconnect failed", "server", client.Name(), "error", err)
			}
			return nil, &CallError{Code: ErrCodeServerUnhealthy, Message: fmt.Sprintf("server %q is unhealthy: %v", client.Name(), err)}
		}
		if m.metrics != nil {
			m.metrics.SetServerHealth(client.Name(), true)
		}
	}

	start := time.Now()
	result, err := client.CallTool(ctx, lookupName, rawArgs)
	duration := time.Since(start)
	if ce, ok := err.(*CallError); ok && ce.Code == ErrCodeIOTimeout {
		if client.ConsecutiveTimeouts(lookupName) < timeoutSurfaceThreshold {
			ce.Suppressed = true
		}
	}
	if m.metrics != nil {
		m.metrics.RecordToolExecution(lookupName, err == nil, duration)
	}
	if m.audit != nil {
		m.audit.LogToolInvocation(ctx, toolName, client.Name(), rawArgs, conversationID, 1)
		m.audit.LogToolCompletion(ctx, toolName, err == nil, resultText(result), duration, conversationID)
	}
	return result, err
}

func resultText(r *ToolCallResult) string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range r.Content {
		b.WriteString(c.Text)
	}
	return b.String()
}

// canonicalArgsJSON produces the canonical form used for loop-detection
// hashing: encoding/json already sorts map keys on Marshal, so decoding
// then re-encoding is sufficient (spec.md §4.5/§4.6).
func canonicalArgsJSON(rawArgs json.RawMessage) (string, error) {
	if len(rawArgs) == 0 {
		return "{}", nil
	}
	var v any
	if err := json.Unmarshal(rawArgs, &v); err != nil {
		return string(rawArgs), err
	}
	canon, err := json.Marshal(v)
	if err != nil {
		return string(rawArgs), err
	}
	return string(canon), nil
}

func recentKey(conversationID, tool string) string {
	return conversationID + "\x00" + tool
}

func (m *Manager) isLoopBlocked(conversationID, tool, canonArgs string) bool {
	m.recentMu.Lock()
	defer m.recentMu.Unlock()

	key := recentKey(conversationID, tool)
	now := time.Now()
	records := m.recent[key]

	var matching []callRecord
	for _, r := range records {
		if now.Sub(r.at) > loopWindow {
			continue
		}
		if r.argsJSON == canonArgs {
			matching = append(matching, r)
		}
	}

	if len(matching) < loopThreshold {
		return false
	}

	mostRecent := matching[0].at
	for _, r := range matching {
		if r.at.After(mostRecent) {
			mostRecent = r.at
		}
	}
	return now.Sub(mostRecent) <= loopRecentGap
}

func (m *Manager) recordCall(conversationID, tool, canonArgs string) {
	m.recentMu.Lock()
	defer m.recentMu.Unlock()

	key := recentKey(conversationID, tool)
	now := time.Now()
	records := append(m.recent[key], callRecord{argsJSON: canonArgs, at: now})

	// prune anything older than the window while we're here
	pruned := records[:0]
	for _, r := range records {
		if now.Sub(r.at) <= loopWindow {
			pruned = append(pruned, r)
		}
	}
	m.recent[key] = pruned
}

// Client exposes a connected server's client by name for callers (the
// CLI, secondary servers) that need direct resource/prompt access beyond
// the tool-call surface CallTool covers.
func (m *Manager) Client(name string) (*ServerClient, bool) {
	return m.client(name)
}

// GetResource reads one resource from a connected server.
func (m *Manager) GetResource(ctx context.Context, serverName, uri string) (*string, error) {
	client, ok := m.client(serverName)
	if !ok {
		return nil, &CallError{Code: ErrCodeServerUnhealthy, Message: fmt.Sprintf("server %q not connected", serverName)}
	}
	return client.GetResource(ctx, uri)
}

// GetPrompt fetches one prompt template from a connected server.
func (m *Manager) GetPrompt(ctx context.Context, serverName, promptName string, arguments map[string]string) (*PromptGetResult, error) {
	client, ok := m.client(serverName)
	if !ok {
		return nil, &CallError{Code: ErrCodeServerUnhealthy, Message: fmt.Sprintf("server %q not connected", serverName)}
	}
	return client.GetPrompt(ctx, promptName, arguments)
}

// Status summarizes every configured server for CLI/diagnostic use.
type ServerStatus struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	Healthy   bool   `json:"healthy"`
	ToolCount int    `json:"tool_count"`
}

func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]ServerStatus, 0, len(names))
	for _, name := range names {
		st := ServerStatus{Name: name}
		if client, ok := m.clients[name]; ok {
			st.Connected = client.IsConnected()
			st.Healthy = client.Healthy()
			st.ToolCount = len(client.Tools())
		}
		statuses = append(statuses, st)
	}
	return statuses
}
