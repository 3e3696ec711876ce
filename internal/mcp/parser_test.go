package mcp

import "testing"

func TestParserExtractsNameArgumentsForm(t *testing.T) {
	p := NewParser("TOOL_SENTINEL")
	text := `before <TOOL_SENTINEL><name>get_current_time</name><arguments>{"timezone":"UTC"}</arguments></TOOL_SENTINEL> after`

	call := p.Parse(text)
	if call == nil {
		t.Fatal("expected a parsed call")
	}
	if call.ToolName != "get_current_time" {
		t.Errorf("expected tool name %q, got %q", "get_current_time", call.ToolName)
	}
	if call.Arguments["timezone"] != "UTC" {
		t.Errorf("expected timezone UTC, got %v", call.Arguments["timezone"])
	}
}

func TestParserExtractsShortNameForm(t *testing.T) {
	p := NewParser("TOOL_SENTINEL")
	text := `<TOOL_SENTINEL><n>run_shell_command</n><arguments>{"command":"ls -la"}</arguments></TOOL_SENTINEL>`

	call := p.Parse(text)
	if call == nil {
		t.Fatal("expected a parsed call")
	}
	if call.ToolName != "run_shell_command" {
		t.Errorf("expected tool name %q, got %q", "run_shell_command", call.ToolName)
	}
}

func TestParserExtractsNameWithoutArgumentsTagForm(t *testing.T) {
	p := NewParser("TOOL_SENTINEL")
	text := `<TOOL_SENTINEL><name>search</name>{"query":"foo"}</TOOL_SENTINEL>`

	call := p.Parse(text)
	if call == nil {
		t.Fatal("expected a parsed call")
	}
	if call.Arguments["query"] != "foo" {
		t.Errorf("expected query foo, got %v", call.Arguments["query"])
	}
}

func TestParserExtractsInvokeParameterForm(t *testing.T) {
	p := NewParser("TOOL_SENTINEL")
	text := `<TOOL_SENTINEL><invoke name="run_shell_command"><parameter name="command">ls -la</parameter></invoke></TOOL_SENTINEL>`

	call := p.Parse(text)
	if call == nil {
		t.Fatal("expected a parsed call")
	}
	if call.ToolName != "run_shell_command" {
		t.Errorf("expected tool name %q, got %q", "run_shell_command", call.ToolName)
	}
	if call.Arguments["command"] != "ls -la" {
		t.Errorf("expected command 'ls -la', got %v", call.Arguments["command"])
	}
}

func TestParserExtractsBareAllowListedForm(t *testing.T) {
	p := NewParser("TOOL_SENTINEL")
	text := `<run_shell_command>{"command":"pwd"}</run_shell_command>`

	call := p.Parse(text)
	if call == nil {
		t.Fatal("expected a parsed call")
	}
	if call.ToolName != "run_shell_command" {
		t.Errorf("expected tool name %q, got %q", "run_shell_command", call.ToolName)
	}
}

func TestParserReturnsNilForPlainText(t *testing.T) {
	p := NewParser("TOOL_SENTINEL")
	if call := p.Parse("just a normal sentence, nothing to see here"); call != nil {
		t.Errorf("expected nil, got %+v", call)
	}
}

func TestParserRepairsUnquotedKeysAndTrailingCommas(t *testing.T) {
	p := NewParser("TOOL_SENTINEL")
	text := `<TOOL_SENTINEL><name>search</name><arguments>{query: "foo",}</arguments></TOOL_SENTINEL>`

	call := p.Parse(text)
	if call == nil {
		t.Fatal("expected repaired JSON to parse")
	}
	if call.Arguments["query"] != "foo" {
		t.Errorf("expected query foo, got %v", call.Arguments["query"])
	}
}

func TestParserRepairsUnquotedScalarValue(t *testing.T) {
	p := NewParser("TOOL_SENTINEL")
	text := `<TOOL_SENTINEL><name>search</name><arguments>{"mode": fast}</arguments></TOOL_SENTINEL>`

	call := p.Parse(text)
	if call == nil {
		t.Fatal("expected repaired JSON to parse")
	}
	if call.Arguments["mode"] != "fast" {
		t.Errorf("expected mode fast, got %v", call.Arguments["mode"])
	}
}

func TestValidateToolCallRequiresName(t *testing.T) {
	err := ValidateToolCall(&ParsedToolCall{Arguments: map[string]any{}})
	if err == nil {
		t.Fatal("expected error for missing tool name")
	}
}

func TestValidateToolCallRequiresNonEmptyCommandForShellTools(t *testing.T) {
	err := ValidateToolCall(&ParsedToolCall{ToolName: "run_shell_command", Arguments: map[string]any{}})
	if err == nil {
		t.Fatal("expected error for missing command")
	}

	err = ValidateToolCall(&ParsedToolCall{ToolName: "mcp_run_shell_command", Arguments: map[string]any{"command": "ls"}})
	if err != nil {
		t.Errorf("expected valid call, got error %v", err)
	}
}

func TestCanonicalArgsHashIsStableAndOrderIndependent(t *testing.T) {
	a := &ParsedToolCall{ToolName: "search", Arguments: map[string]any{"query": "foo", "limit": 5.0}}
	b := &ParsedToolCall{ToolName: "search", Arguments: map[string]any{"limit": 5.0, "query": "foo"}}

	if CanonicalArgsHash(a) != CanonicalArgsHash(b) {
		t.Error("expected hash to be independent of map key order")
	}
}

func TestParserWrapsBareTextAsCommandWhenNotJSONLike(t *testing.T) {
	p := NewParser("TOOL_SENTINEL")
	text := `<TOOL_SENTINEL><name>run_shell_command</name><arguments>echo hello</arguments></TOOL_SENTINEL>`

	call := p.Parse(text)
	if call == nil {
		t.Fatal("expected the fallback wrap to produce a parsed call")
	}
	if call.Arguments["command"] != "echo hello" {
		t.Errorf("expected command 'echo hello', got %v", call.Arguments["command"])
	}
}

func TestCanonicalArgsHashDiffersOnDifferentArgs(t *testing.T) {
	a := &ParsedToolCall{ToolName: "search", Arguments: map[string]any{"query": "foo"}}
	b := &ParsedToolCall{ToolName: "search", Arguments: map[string]any{"query": "bar"}}

	if CanonicalArgsHash(a) == CanonicalArgsHash(b) {
		t.Error("expected different hashes for different arguments")
	}
}
