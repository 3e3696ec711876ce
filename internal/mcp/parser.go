package mcp

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"os"
	"regexp"
	"strings"
)

// EnvToolSentinel names the environment variable that overrides the
// sentinel tag used to delimit tool calls in free-form model output
// (spec.md §4.5). TOOL_SENTINEL is the default.
const EnvToolSentinel = "TOOL_SENTINEL"

const defaultSentinel = "TOOL_SENTINEL"

// bareToolAllowList is the small set of tool names recognized in their
// bare `<TOOL_NAME>...</TOOL_NAME>` surface form (spec.md §4.5 form 5),
// without requiring a wrapping sentinel tag.
var bareToolAllowList = map[string]bool{
	"run_shell_command": true,
	"get_current_time":  true,
}

// ParsedToolCall is the result of successfully extracting one tool
// invocation from model output.
type ParsedToolCall struct {
	ToolName  string
	Arguments map[string]any
}

// ToolSentinel returns the configured sentinel tag name.
func ToolSentinel() string {
	if v := strings.TrimSpace(os.Getenv(EnvToolSentinel)); v != "" {
		return v
	}
	return defaultSentinel
}

// Parser extracts tool invocations from free-form model output in any of
// the five surface forms spec.md §4.5 treats equivalently.
type Parser struct {
	sentinel string

	nameArgsRe    *regexp.Regexp
	nameOnlyRe    *regexp.Regexp
	shortNameRe   *regexp.Regexp
	invokeRe      *regexp.Regexp
	parameterRe   *regexp.Regexp
	bareRe        map[string]*regexp.Regexp
}

// NewParser builds a parser bound to the given sentinel tag name. Pass
// ToolSentinel() for the environment-configured default.
func NewParser(sentinel string) *Parser {
	if sentinel == "" {
		sentinel = defaultSentinel
	}
	s := regexp.QuoteMeta(sentinel)

	p := &Parser{
		sentinel: sentinel,
		nameArgsRe: regexp.MustCompile(`(?s)<` + s + `>\s*<name>(.*?)</name>\s*<arguments>(.*?)</arguments>\s*</` + s + `>`),
		shortNameRe: regexp.MustCompile(`(?s)<` + s + `>\s*<n>(.*?)</n>\s*<arguments>(.*?)</arguments>\s*</` + s + `>`),
		nameOnlyRe: regexp.MustCompile(`(?s)<` + s + `>\s*<name>(.*?)</name>\s*(\{.*?\})\s*</` + s + `>`),
		invokeRe:    regexp.MustCompile(`(?s)<` + s + `>\s*<invoke\s+name="([^"]*)">(.*?)</invoke>\s*</` + s + `>`),
		parameterRe: regexp.MustCompile(`(?s)<parameter\s+name="([^"]*)">(.*?)</parameter>`),
		bareRe:      make(map[string]*regexp.Regexp),
	}
	for name := range bareToolAllowList {
		tag := regexp.QuoteMeta(name)
		p.bareRe[name] = regexp.MustCompile(`(?s)<` + tag + `>(.*?)</` + tag + `>`)
	}
	return p
}

// Parse scans text for the first coherent tool call using the five
// surface forms, in the order spec.md §4.5 lists them, and returns nil
// if none could be extracted.
func (p *Parser) Parse(text string) *ParsedToolCall {
	if m := p.nameArgsRe.FindStringSubmatch(text); m != nil {
		return p.build(m[1], m[2])
	}
	if m := p.shortNameRe.FindStringSubmatch(text); m != nil {
		return p.build(m[1], m[2])
	}
	if m := p.nameOnlyRe.FindStringSubmatch(text); m != nil {
		return p.build(m[1], m[2])
	}
	if m := p.invokeRe.FindStringSubmatch(text); m != nil {
		return p.buildFromInvoke(m[1], m[2])
	}
	for name, re := range p.bareRe {
		if m := re.FindStringSubmatch(text); m != nil {
			return p.build(name, strings.TrimSpace(m[1]))
		}
	}
	return nil
}

func (p *Parser) build(rawName, rawArgs string) *ParsedToolCall {
	name := strings.TrimSpace(rawName)
	if name == "" {
		return nil
	}
	args, ok := parseArguments(rawArgs)
	if !ok {
		return nil
	}
	return &ParsedToolCall{ToolName: name, Arguments: args}
}

func (p *Parser) buildFromInvoke(rawName, body string) *ParsedToolCall {
	name := strings.TrimSpace(rawName)
	if name == "" {
		return nil
	}
	args := map[string]any{}
	for _, m := range p.parameterRe.FindAllStringSubmatch(body, -1) {
		key := strings.TrimSpace(m[1])
		if key == "" {
			continue
		}
		args[key] = strings.TrimSpace(m[2])
	}
	return &ParsedToolCall{ToolName: name, Arguments: args}
}

// parseArguments decodes a JSON object blob, applying the repair
// pipeline of spec.md §4.5 in order when the blob does not parse as-is.
func parseArguments(blob string) (map[string]any, bool) {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return map[string]any{}, true
	}

	if args, ok := tryUnmarshalObject(blob); ok {
		return args, true
	}

	repaired := repairJSON(blob)
	return tryUnmarshalObject(repaired)
}

func tryUnmarshalObject(blob string) (map[string]any, bool) {
	var args map[string]any
	if err := json.Unmarshal([]byte(blob), &args); err != nil {
		return nil, false
	}
	return args, true
}

var (
	commandFieldRe   = regexp.MustCompile(`(?s)"command"\s*:\s*"(.*?)"(\s*[,}])`)
	unquotedKeyRe    = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)
	trailingCommaRe  = regexp.MustCompile(`,(\s*[}\]])`)
	unquotedScalarRe = regexp.MustCompile(`:\s*([A-Za-z][A-Za-z0-9_./-]*)\s*([,}])`)
)

// repairJSON applies the ordered repair passes of spec.md §4.5 to a
// blob that failed to parse as JSON.
func repairJSON(blob string) string {
	if containsShellLikeCommand(blob) {
		blob = escapeCommandField(blob)
	}
	blob = unquotedKeyRe.ReplaceAllString(blob, `$1"$2"$3`)
	blob = trailingCommaRe.ReplaceAllString(blob, "$1")
	blob = unquotedScalarRe.ReplaceAllStringFunc(blob, func(m string) string {
		sub := unquotedScalarRe.FindStringSubmatch(m)
		val := sub[1]
		if val == "true" || val == "false" || val == "null" || isNumeric(val) {
			return m
		}
		return `: "` + val + `"` + sub[2]
	})
	if !strings.HasPrefix(strings.TrimSpace(blob), "{") {
		escaped := strings.ReplaceAll(blob, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, `"`, `\"`)
		return `{"command": "` + escaped + `"}`
	}
	return blob
}

func containsShellLikeCommand(blob string) bool {
	if len(blob) > 400 {
		return true
	}
	for _, pattern := range []string{"printf", "awk", `\"`} {
		if strings.Contains(blob, pattern) {
			return true
		}
	}
	return false
}

func escapeCommandField(blob string) string {
	return commandFieldRe.ReplaceAllStringFunc(blob, func(m string) string {
		sub := commandFieldRe.FindStringSubmatch(m)
		value := sub[1]
		value = strings.ReplaceAll(value, `\`, `\\`)
		value = strings.ReplaceAll(value, `"`, `\"`)
		return `"command": "` + value + `"` + sub[2]
	})
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	seenDigit := false
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			seenDigit = true
		case r == '-' && i == 0, r == '.':
		default:
			return false
		}
	}
	return seenDigit
}

// ValidateToolCall checks that a parsed call has the minimum shape
// required for dispatch (spec.md §4.5 validate_tool_call).
func ValidateToolCall(call *ParsedToolCall) error {
	if call == nil {
		return &CallError{Code: ErrCodeInvalidParams, Message: "no tool call could be extracted"}
	}
	if strings.TrimSpace(call.ToolName) == "" {
		return &CallError{Code: ErrCodeInvalidParams, Message: "tool call missing a name"}
	}
	if call.Arguments == nil {
		return &CallError{Code: ErrCodeInvalidParams, Message: "tool call arguments must be a mapping"}
	}
	if isShellTool(call.ToolName) {
		cmd, ok := call.Arguments["command"].(string)
		if !ok || strings.TrimSpace(cmd) == "" {
			return &CallError{Code: ErrCodeInvalidParams, Message: "run_shell_command requires a non-empty command"}
		}
	}
	return nil
}

// CanonicalArgsHash returns the MD5 of the canonical-form (tool_name,
// arguments) pair, used by the streaming tool extractor (§4.6) to dedupe
// calls it has already executed within one stream.
func CanonicalArgsHash(call *ParsedToolCall) string {
	canon, err := json.Marshal(struct {
		Tool string         `json:"tool"`
		Args map[string]any `json:"args"`
	}{Tool: call.ToolName, Args: call.Arguments})
	if err != nil {
		return md5Hex(call.ToolName)
	}
	return md5Hex(string(canon))
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
