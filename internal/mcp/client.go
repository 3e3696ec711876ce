package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/mcpcore/internal/backoff"
)

const (
	defaultToolRateLimitSeconds = 2.0
	reconnectCooldown           = 30 * time.Second
	genericTimeout              = 30 * time.Second
	externalTimeout             = 60 * time.Second
	genericUnhealthyThreshold   = 3
	externalUnhealthyThreshold  = 5

	// timeoutSurfaceThreshold implements spec.md §7/"S2": the first two
	// consecutive timeouts for a tool are silent, the third and every one
	// after it are surfaced to the user.
	timeoutSurfaceThreshold = 3
)

// externalServerPatterns flags a server name as "external" for the
// extended-timeout/extended-retry path (spec.md §4.1 dispatch step 4).
var externalServerPatterns = []string{"fetch", "web", "http", "api", "external"}

// transientErrorPatterns identify recoverable errors from an external
// server worth an exponential-backoff retry.
var transientErrorPatterns = []string{
	"extractarticle.js", "non-zero exit status", "cache", "processing", "temporary", "busy",
}

// cacheContaminationPatterns identify a different external-server failure
// mode: a stale/wrong cached response, worth one quick retry.
var cacheContaminationPatterns = []string{"cached", "previous", "mixed", "wrong url"}

// securityBlockMarker never triggers a retry; the server is refusing the
// call deliberately.
const securityBlockMarker = "SECURITY BLOCK"

// ServerClient owns one MCP tool-server subprocess: it speaks JSON-RPC
// over its stdio, tracks health, and validates/normalizes tool arguments
// against the server's advertised schema before every dispatch.
type ServerClient struct {
	cfg    *ServerConfig
	logger *slog.Logger
	t      transport

	mu           sync.RWMutex
	connected    bool
	capabilities Capabilities
	serverInfo   ServerInfo
	tools        []*ToolDescriptor
	resources    []*ResourceDescriptor
	prompts      []*PromptDescriptor

	lastSuccessfulCall   time.Time
	consecutiveFailures  int
	lastReconnectAttempt time.Time

	toolMu           sync.Mutex
	toolLastCallTime map[string]time.Time
	toolRateLimit    map[string]float64

	// consecutiveTimeouts per tool, for the "third consecutive occurrence
	// is surfaced, earlier ones are silent" rule (spec.md §7).
	consecutiveTimeouts map[string]int

	schemaCache map[string]*compiledSchema
}

type compiledSchema struct {
	raw        map[string]any
	properties map[string]string // name -> json-schema "type"
	required   map[string]bool
	jsSchema   *jsonschema.Schema
}

// NewServerClient constructs a client for one configured tool server. The
// subprocess is not started until Connect.
func NewServerClient(cfg *ServerConfig, logger *slog.Logger) *ServerClient {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Normalize()
	return &ServerClient{
		cfg:                 cfg,
		logger:              logger.With("mcp_server", cfg.Name),
		t:                   newStdioTransport(cfg, logger),
		toolLastCallTime:    make(map[string]time.Time),
		toolRateLimit:       make(map[string]float64),
		consecutiveTimeouts: make(map[string]int),
		schemaCache:         make(map[string]*compiledSchema),
	}
}

func (c *ServerClient) isExternal() bool {
	if c.cfg.IsExternal() {
		return true
	}
	name := strings.ToLower(c.cfg.Name)
	for _, p := range externalServerPatterns {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}

func (c *ServerClient) callTimeout() time.Duration {
	if c.isExternal() {
		return externalTimeout
	}
	return genericTimeout
}

func (c *ServerClient) unhealthyThreshold() int {
	if c.isExternal() {
		return externalUnhealthyThreshold
	}
	return genericUnhealthyThreshold
}

// Connect spawns the subprocess, performs the initialize handshake, and
// fetches tools/resources/prompts (spec.md §4.1 connect()).
func (c *ServerClient) Connect(ctx context.Context) error {
	if err := c.t.Connect(ctx); err != nil {
		return err
	}

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"roots": map[string]any{"listChanged": true},
		},
		"clientInfo": ClientInfo{Name: "mcpcore", Version: "1.0.0"},
	}
	result, err := c.t.call(ctx, "initialize", params, c.callTimeout())
	if err != nil {
		c.t.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initRes initializeResult
	if err := json.Unmarshal(result, &initRes); err != nil {
		c.t.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}

	c.mu.Lock()
	c.capabilities = initRes.Capabilities
	c.serverInfo = initRes.ServerInfo
	c.connected = true
	c.mu.Unlock()

	if err := c.t.notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	c.refreshCapabilities(ctx)
	c.logger.Info("connected to MCP server", "name", initRes.ServerInfo.Name, "protocol", initRes.ProtocolVersion)
	return nil
}

func (c *ServerClient) refreshCapabilities(ctx context.Context) {
	if result, err := c.t.call(ctx, "tools/list", nil, c.callTimeout()); err == nil {
		var res listToolsResult
		if json.Unmarshal(result, &res) == nil {
			for _, t := range res.Tools {
				t.ServerName = c.cfg.Name
			}
			c.mu.Lock()
			c.tools = res.Tools
			c.mu.Unlock()
		}
	}
	if c.capabilities.Resources != nil {
		if result, err := c.t.call(ctx, "resources/list", nil, c.callTimeout()); err == nil {
			var res listResourcesResult
			if json.Unmarshal(result, &res) == nil {
				c.mu.Lock()
				c.resources = res.Resources
				c.mu.Unlock()
			}
		}
	}
	if c.capabilities.Prompts != nil {
		if result, err := c.t.call(ctx, "prompts/list", nil, c.callTimeout()); err == nil {
			var res listPromptsResult
			if json.Unmarshal(result, &res) == nil {
				c.mu.Lock()
				c.prompts = res.Prompts
				c.mu.Unlock()
			}
		}
	}
}

// Disconnect sends a graceful terminate and kills the process if it
// doesn't exit within 5s (handled inside stdioTransport.Close).
func (c *ServerClient) Disconnect() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return c.t.Close()
}

// IsConnected is true iff the child process is running AND the
// initialize handshake completed (spec.md §3 invariant).
func (c *ServerClient) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.t.connected()
}

func (c *ServerClient) Name() string { return c.cfg.Name }

func (c *ServerClient) Config() *ServerConfig { return c.cfg }

func (c *ServerClient) Tools() []*ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*ToolDescriptor, len(c.tools))
	copy(out, c.tools)
	return out
}

func (c *ServerClient) Resources() []*ResourceDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*ResourceDescriptor{}, c.resources...)
}

func (c *ServerClient) Prompts() []*PromptDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*PromptDescriptor{}, c.prompts...)
}

func (c *ServerClient) Logs() []string { return c.t.logs() }

// Healthy reports whether consecutive failures stay below this client's
// threshold (3 generic / 5 external, spec.md §4.1 "Health model").
func (c *ServerClient) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.consecutiveFailures < c.unhealthyThreshold()
}

// MaybeReconnect reconnects a disconnected/unhealthy client, rate
// limited to once per 30s (spec.md §4.1 step 1, §4.3 step 6).
func (c *ServerClient) MaybeReconnect(ctx context.Context) error {
	c.mu.Lock()
	if time.Since(c.lastReconnectAttempt) < reconnectCooldown {
		c.mu.Unlock()
		return fmt.Errorf("reconnect attempted too recently")
	}
	c.lastReconnectAttempt = time.Now()
	c.mu.Unlock()

	c.Disconnect()
	return c.Connect(ctx)
}

// SetToolRateLimit overrides the per-tool minimum interval (default 2s).
func (c *ServerClient) SetToolRateLimit(tool string, seconds float64) {
	c.toolMu.Lock()
	defer c.toolMu.Unlock()
	c.toolRateLimit[tool] = seconds
}

func (c *ServerClient) rateLimitFor(tool string) time.Duration {
	c.toolMu.Lock()
	defer c.toolMu.Unlock()
	seconds, ok := c.toolRateLimit[tool]
	if !ok {
		seconds = defaultToolRateLimitSeconds
	}
	return time.Duration(seconds * float64(time.Second))
}

// waitForToolRateLimit sleeps the remainder of the per-tool interval if
// the tool was called too recently (§4.1 dispatch step 2).
func (c *ServerClient) waitForToolRateLimit(ctx context.Context, tool string) error {
	interval := c.rateLimitFor(tool)
	c.toolMu.Lock()
	last, ok := c.toolLastCallTime[tool]
	c.toolMu.Unlock()
	if ok {
		if remaining := interval - time.Since(last); remaining > 0 {
			if err := backoff.SleepWithContext(ctx, remaining); err != nil {
				return err
			}
		}
	}
	c.toolMu.Lock()
	c.toolLastCallTime[tool] = time.Now()
	c.toolMu.Unlock()
	return nil
}

func (c *ServerClient) findTool(name string) *ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tools {
		if t.Name == name {
			return t
		}
	}
	return nil
}

func (c *ServerClient) recordSuccess() {
	c.mu.Lock()
	c.lastSuccessfulCall = time.Now()
	c.consecutiveFailures = 0
	c.mu.Unlock()
}

func (c *ServerClient) recordFailure() {
	c.mu.Lock()
	c.consecutiveFailures++
	c.mu.Unlock()
}

// CallTool validates and normalizes arguments against the tool's
// advertised schema, then dispatches with the retry/timeout policy of
// spec.md §4.1. It never returns a raw Go error for request-shaped
// failures — those come back as *CallError inside the returned result's
// IsError flag via the caller (Manager), matching §7's "never raises
// exceptions across the API boundary" for the policy layer; at the
// transport layer, Go idiom keeps returning (result, error).
func (c *ServerClient) CallTool(ctx context.Context, name string, rawArgs json.RawMessage) (*ToolCallResult, error) {
	tool := c.findTool(name)

	args, err := c.prepareArguments(tool, rawArgs)
	if err != nil {
		return nil, &CallError{Code: ErrCodeInvalidParams, Message: err.Error()}
	}

	if !c.IsConnected() {
		return nil, &CallError{Code: ErrCodeServerUnhealthy, Message: fmt.Sprintf("server %q is not connected", c.cfg.Name)}
	}

	if err := c.waitForToolRateLimit(ctx, name); err != nil {
		return nil, err
	}

	result, err := c.dispatchWithRetry(ctx, name, args)
	if err != nil {
		c.recordFailure()
		var ce *CallError
		if cErr, ok := err.(*CallError); ok {
			ce = cErr
		}
		if ce != nil && ce.Code == ErrCodeIOTimeout {
			c.consecutiveTimeouts[name]++
		}
		return nil, err
	}

	c.recordSuccess()
	c.consecutiveTimeouts[name] = 0
	cleaned := scrubCacheContamination(result)
	return cleaned, nil
}

// ConsecutiveTimeouts reports the running count of back-to-back timeouts
// for a tool, used by upstream callers to implement "third consecutive
// occurrence is surfaced, earlier ones are silent" (spec.md §7).
func (c *ServerClient) ConsecutiveTimeouts(tool string) int {
	return c.consecutiveTimeouts[tool]
}

// dispatchWithRetry implements §4.1 step 4-6: timeouts are never
// retried; security blocks are never retried; transient external errors
// get exponential backoff up to 5 attempts with a one-shot smart retry;
// cache-contamination gets up to two quick retries; anything else gets
// one 0.5s-delayed retry.
func (c *ServerClient) dispatchWithRetry(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	params := callToolParams{Name: name}
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, &CallError{Code: ErrCodeInvalidParams, Message: err.Error()}
		}
		params.Arguments = data
	}

	call := func() (*ToolCallResult, error) {
		raw, err := c.t.call(ctx, "tools/call", params, c.callTimeout())
		if err != nil {
			return nil, err
		}
		var res ToolCallResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("parse tools/call result: %w", err)
		}
		return &res, nil
	}

	result, err := call()
	if err == nil {
		return result, nil
	}

	var ce *CallError
	if asCe, ok := err.(*CallError); ok {
		ce = asCe
	}
	if ce != nil && ce.Code == ErrCodeIOTimeout {
		return nil, err // timeouts are never retried
	}

	msg := err.Error()
	lowerMsg := strings.ToLower(msg)
	if strings.Contains(msg, securityBlockMarker) {
		return nil, err // security blocks never retried
	}

	if c.isExternal() && containsAny(lowerMsg, transientErrorPatterns) {
		// first-failure smart retry: tool-specific parameter mutation
		if mutated, ok := smartRetryMutation(name, lowerMsg, args); ok {
			params.Arguments, _ = json.Marshal(mutated)
		}
		return c.retryWithBackoff(ctx, call)
	}

	if containsAny(lowerMsg, cacheContaminationPatterns) {
		return c.retryFixedDelay(ctx, call, 500*time.Millisecond, 2)
	}

	return c.retryFixedDelay(ctx, call, 500*time.Millisecond, 1)
}

func (c *ServerClient) retryWithBackoff(ctx context.Context, call func() (*ToolCallResult, error)) (*ToolCallResult, error) {
	policy := backoff.BackoffPolicy{InitialMs: 1000, MaxMs: 16000, Factor: 2, Jitter: 0}
	res, err := backoff.RetryWithBackoff(ctx, policy, 5, func(_ int) (*ToolCallResult, error) {
		return call()
	})
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

func (c *ServerClient) retryFixedDelay(ctx context.Context, call func() (*ToolCallResult, error), delay time.Duration, attempts int) (*ToolCallResult, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := backoff.SleepWithContext(ctx, delay); err != nil {
			return nil, err
		}
		result, err := call()
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// smartRetryMutation implements the one tool-specific mutation spec.md
// §4.1 names explicitly: forcing raw:true for the fetch tool's
// ExtractArticle.js failures.
func smartRetryMutation(tool, lowerMsg string, args map[string]any) (map[string]any, bool) {
	if tool != "fetch" {
		return nil, false
	}
	if !strings.Contains(lowerMsg, "extractarticle.js") {
		return nil, false
	}
	if _, set := args["raw"]; set {
		return nil, false
	}
	mutated := make(map[string]any, len(args)+1)
	for k, v := range args {
		mutated[k] = v
	}
	mutated["raw"] = true
	return mutated, true
}

func containsAny(haystack string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(haystack, p) {
			return true
		}
	}
	return false
}

// scrubCacheContamination strips known cache-contamination prefixes from
// external-server content lines (§4.1 step 7), keeping remaining lines.
func scrubCacheContamination(result *ToolCallResult) *ToolCallResult {
	if result == nil {
		return result
	}
	for i, item := range result.Content {
		if item.Type != "text" || item.Text == "" {
			continue
		}
		lines := strings.Split(item.Text, "\n")
		kept := lines[:0]
		for _, line := range lines {
			lower := strings.ToLower(line)
			if containsAny(lower, cacheContaminationPatterns) {
				continue
			}
			kept = append(kept, line)
		}
		result.Content[i].Text = strings.Join(kept, "\n")
	}
	return result
}

// GetResource fetches one resource's text (or nil if absent).
func (c *ServerClient) GetResource(ctx context.Context, uri string) (*string, error) {
	raw, err := c.t.call(ctx, "resources/read", map[string]any{"uri": uri}, c.callTimeout())
	if err != nil {
		return nil, err
	}
	var res readResourceResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, err
	}
	if len(res.Contents) == 0 {
		return nil, nil
	}
	text := res.Contents[0].Text
	return &text, nil
}

// GetPrompt fetches a rendered prompt (or nil if absent).
func (c *ServerClient) GetPrompt(ctx context.Context, name string, arguments map[string]string) (*PromptGetResult, error) {
	raw, err := c.t.call(ctx, "prompts/get", map[string]any{"name": name, "arguments": arguments}, c.callTimeout())
	if err != nil {
		return nil, err
	}
	var res PromptGetResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ---- argument normalization & validation (§4.1 call_tool preamble) ----

// prepareArguments implements: string-parse, tool_input unwrap, required
// field check, and type coercion, in the order spec.md §4.1 lists them.
func (c *ServerClient) prepareArguments(tool *ToolDescriptor, rawArgs json.RawMessage) (map[string]any, error) {
	args, err := decodeArguments(rawArgs)
	if err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	if tool == nil {
		return args, nil
	}

	schema, err := c.compileSchema(tool)
	if err != nil {
		c.logger.Warn("failed to compile tool schema, skipping validation", "tool", tool.Name, "error", err)
		return args, nil
	}
	if schema == nil {
		return args, nil
	}

	args = unwrapToolInput(schema, args)

	for field := range schema.required {
		if _, ok := args[field]; !ok {
			return nil, fmt.Errorf("missing required field %q", field)
		}
	}

	for key, wantType := range schema.properties {
		val, ok := args[key]
		if !ok {
			continue
		}
		coerced, err := coerceType(val, wantType)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		args[key] = coerced
	}

	if schema.jsSchema != nil {
		// Round-trip through JSON so numeric types match what the
		// schema compiler expects (it validates decoded JSON values,
		// not Go's int64/float64 distinctions).
		data, err := json.Marshal(args)
		if err == nil {
			var generic any
			if json.Unmarshal(data, &generic) == nil {
				if err := schema.jsSchema.Validate(generic); err != nil {
					return nil, fmt.Errorf("schema validation: %w", err)
				}
			}
		}
	}

	return args, nil
}

// decodeArguments handles the "args is a JSON string" case from §4.1:
// if arguments is a bare JSON string, parse it into an object first.
func decodeArguments(rawArgs json.RawMessage) (map[string]any, error) {
	if len(bytes.TrimSpace(rawArgs)) == 0 {
		return map[string]any{}, nil
	}

	var asString string
	if err := json.Unmarshal(rawArgs, &asString); err == nil {
		var nested map[string]any
		if err := json.Unmarshal([]byte(asString), &nested); err != nil {
			return nil, fmt.Errorf("arguments string did not parse as JSON object: %w", err)
		}
		return nested, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(rawArgs, &obj); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object or a JSON-encoded string: %w", err)
	}
	return obj, nil
}

// unwrapToolInput implements the schema-driven wrap/unwrap decision
// (§4.3 step 4): wrap a single bare value under "tool_input" only when
// the schema declares exactly that one property; otherwise, if the
// caller already wrapped under tool_input, unwrap it (string→parse,
// map→use) before validating against the real property set.
func unwrapToolInput(schema *compiledSchema, args map[string]any) map[string]any {
	if len(schema.properties) == 1 {
		if _, ok := schema.properties["tool_input"]; ok {
			if _, alreadyWrapped := args["tool_input"]; !alreadyWrapped && len(args) > 0 {
				return map[string]any{"tool_input": args}
			}
			return args
		}
	}

	wrapped, ok := args["tool_input"]
	if !ok || len(args) != 1 {
		return args
	}
	switch v := wrapped.(type) {
	case string:
		var nested map[string]any
		if json.Unmarshal([]byte(v), &nested) == nil {
			return nested
		}
		return args
	case map[string]any:
		return v
	default:
		return args
	}
}

// coerceType converts a bare string/number value into the JSON-Schema
// "type" the tool declares, and turns a bare string into a single-element
// array when the schema says array (§4.1 call_tool).
func coerceType(val any, wantType string) (any, error) {
	switch wantType {
	case "integer":
		switch v := val.(type) {
		case float64:
			return int64(v), nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot coerce %q to integer", v)
			}
			return n, nil
		}
	case "number":
		switch v := val.(type) {
		case float64:
			return v, nil
		case string:
			n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot coerce %q to number", v)
			}
			return n, nil
		}
	case "boolean":
		switch v := val.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("cannot coerce %q to boolean", v)
			}
			return b, nil
		}
	case "array":
		switch v := val.(type) {
		case []any:
			return v, nil
		case string:
			return []any{v}, nil
		}
	}
	return val, nil
}

// compileSchema parses a tool's inputSchema into both the lightweight
// properties/required view used for coercion and a compiled
// santhosh-tekuri/jsonschema validator used as a final structural check.
func (c *ServerClient) compileSchema(tool *ToolDescriptor) (*compiledSchema, error) {
	if tool == nil || len(tool.InputSchema) == 0 {
		return nil, nil
	}

	c.mu.RLock()
	cached, ok := c.schemaCache[tool.Name]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	var raw map[string]any
	if err := json.Unmarshal(tool.InputSchema, &raw); err != nil {
		return nil, err
	}

	props := map[string]string{}
	if rawProps, ok := raw["properties"].(map[string]any); ok {
		for name, spec := range rawProps {
			if specMap, ok := spec.(map[string]any); ok {
				if t, ok := specMap["type"].(string); ok {
					props[name] = t
				}
			}
		}
	}

	required := map[string]bool{}
	if rawReq, ok := raw["required"].([]any); ok {
		for _, r := range rawReq {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	compiler := jsonschema.NewCompiler()
	schemaURL := "tool://" + tool.Name
	if err := compiler.AddResource(schemaURL, bytes.NewReader(tool.InputSchema)); err != nil {
		return nil, err
	}
	jsSchema, err := compiler.Compile(schemaURL)
	if err != nil {
		jsSchema = nil // fall back to coercion-only validation
	}

	result := &compiledSchema{raw: raw, properties: props, required: required, jsSchema: jsSchema}
	c.mu.Lock()
	c.schemaCache[tool.Name] = result
	c.mu.Unlock()
	return result, nil
}
