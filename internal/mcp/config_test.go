package mcp

import (
	"strings"
	"testing"
)

func TestEnvTruthyRecognizesTruthyValues(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"1", true},
		{"yes", true},
		{"True", true},
		{" 1 ", true},
		{"false", false},
		{"0", false},
		{"", false},
		{"no", false},
		{"enable", false},
	}

	const envName = "MCPCORE_TEST_TRUTHY_CHECK"
	for _, tc := range cases {
		t.Setenv(envName, tc.value)
		if got := EnvTruthy(envName); got != tc.want {
			t.Errorf("EnvTruthy(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestBuiltinServerConfigsShape(t *testing.T) {
	servers := builtinServerConfigs()

	timeSrv, ok := servers["time"]
	if !ok {
		t.Fatal("expected a built-in \"time\" server")
	}
	if !timeSrv.Enabled || !timeSrv.Builtin {
		t.Error("expected the time server to be enabled and marked builtin")
	}
	if !strings.HasSuffix(timeSrv.Command, "mcp-time-server") {
		t.Errorf("expected command to end with mcp-time-server, got %q", timeSrv.Command)
	}

	shellSrv, ok := servers["shell"]
	if !ok {
		t.Fatal("expected a built-in \"shell\" server")
	}
	if !shellSrv.Enabled || !shellSrv.Builtin {
		t.Error("expected the shell server to be enabled and marked builtin")
	}
	if !strings.HasSuffix(shellSrv.Command, "mcp-shell-server") {
		t.Errorf("expected command to end with mcp-shell-server, got %q", shellSrv.Command)
	}
}

func TestMergeUserOverrideOntoBuiltinPreservesRelativePath(t *testing.T) {
	builtin := &ServerConfig{Name: "time", Command: "/opt/mcpcore/mcp-time-server", Enabled: true, Builtin: true}
	override := &ServerConfig{Name: "time", Command: "mcp-time-server", Enabled: true}

	mergeUserOverrideOntoBuiltin(builtin, override)

	if builtin.Command != "/opt/mcpcore/mcp-time-server" {
		t.Errorf("expected absolute builtin path to survive a relative override, got %q", builtin.Command)
	}
}

func TestMergeUserOverrideOntoBuiltinAppliesAbsoluteOverride(t *testing.T) {
	builtin := &ServerConfig{Name: "time", Command: "/opt/mcpcore/mcp-time-server", Enabled: true, Builtin: true}
	override := &ServerConfig{Name: "time", Command: "/custom/mcp-time-server", Enabled: false}

	mergeUserOverrideOntoBuiltin(builtin, override)

	if builtin.Command != "/custom/mcp-time-server" {
		t.Errorf("expected absolute override to replace builtin command, got %q", builtin.Command)
	}
	if builtin.Enabled {
		t.Error("expected override's enabled flag to take effect")
	}
}

func TestMergeUserOverrideOntoBuiltinAppliesEnvAndDescription(t *testing.T) {
	builtin := &ServerConfig{Name: "fetch", Command: "/opt/mcpcore/mcp-fetch", Enabled: true}
	override := &ServerConfig{
		Name:        "fetch",
		Env:         map[string]string{"FETCH_TIMEOUT": "30"},
		Description: "custom fetch server",
		Enabled:     true,
	}

	mergeUserOverrideOntoBuiltin(builtin, override)

	if builtin.Env["FETCH_TIMEOUT"] != "30" {
		t.Errorf("expected env override to apply, got %v", builtin.Env)
	}
	if builtin.Description != "custom fetch server" {
		t.Errorf("expected description override to apply, got %q", builtin.Description)
	}
}

func TestParseRawServerEntryHandlesScalarCommand(t *testing.T) {
	entry := map[string]any{
		"command": "npx",
		"args":    []any{"-y", "mcp-server-fetch"},
		"enabled": true,
	}

	cfg := parseRawServerEntry("fetch", entry)

	if cfg.Command != "npx" {
		t.Errorf("expected command npx, got %q", cfg.Command)
	}
	if len(cfg.Args) != 2 || cfg.Args[0] != "-y" || cfg.Args[1] != "mcp-server-fetch" {
		t.Errorf("unexpected args %v", cfg.Args)
	}
}

func TestParseRawServerEntryHandlesSequenceCommand(t *testing.T) {
	entry := map[string]any{
		"command": []any{"uvx", "mcp-server-git"},
		"args":    []any{"--repo", "."},
	}

	cfg := parseRawServerEntry("git", entry)

	if cfg.Command != "uvx" {
		t.Errorf("expected command uvx, got %q", cfg.Command)
	}
	want := []string{"mcp-server-git", "--repo", "."}
	if len(cfg.Args) != len(want) {
		t.Fatalf("expected args %v, got %v", want, cfg.Args)
	}
	for i, w := range want {
		if cfg.Args[i] != w {
			t.Errorf("arg[%d] = %q, want %q", i, cfg.Args[i], w)
		}
	}
}

func TestParseRawServerEntryDefaultsToEnabled(t *testing.T) {
	cfg := parseRawServerEntry("custom", map[string]any{"command": "custom-server"})
	if !cfg.Enabled {
		t.Error("expected a server entry without an explicit enabled flag to default to enabled")
	}
}

func TestToStringSliceHandlesScalarAndSequence(t *testing.T) {
	if got := toStringSlice("solo"); len(got) != 1 || got[0] != "solo" {
		t.Errorf("expected a single-element slice, got %v", got)
	}
	if got := toStringSlice([]any{"a", "b"}); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("expected [a b], got %v", got)
	}
	if got := toStringSlice(42); got != nil {
		t.Errorf("expected nil for an unsupported type, got %v", got)
	}
}
