package mcp

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/mcpcore/internal/config"
)

// EnvEnableMCP, when unset or falsy, makes the whole core a no-op stub
// (spec.md §6).
const EnvEnableMCP = "ZIYA_ENABLE_MCP"

// userConfigFileName is the file name searched for in CWD and the
// executable's parent directory before falling back to the home
// directory path below (spec.md §6).
const userConfigFileName = "mcp_config.json"

// homeConfigRelPath is the fixed fallback location.
const homeConfigRelPath = ".ziya/mcp_config.json"

// EnvTruthy reports whether an environment variable holds one of the
// recognized truthy string values.
func EnvTruthy(name string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	return v == "true" || v == "1" || v == "yes"
}

// builtinServerConfigs returns the manager's built-in servers: "time" and
// "shell", each pointing at an absolute path to a sibling built-in
// server binary resolved from the running executable's directory — the
// Go analogue of the original's absolute in-package script paths
// (spec.md §4.3 step 1, GLOSSARY "Built-in server binary").
func builtinServerConfigs() map[string]*ServerConfig {
	dir := executableDir()
	return map[string]*ServerConfig{
		"time": {
			Name:        "time",
			Command:     filepath.Join(dir, "mcp-time-server"),
			Enabled:     true,
			Builtin:     true,
			Description: "built-in clock/timezone tool server",
		},
		"shell": {
			Name:        "shell",
			Command:     filepath.Join(dir, "mcp-shell-server"),
			Enabled:     true,
			Builtin:     true,
			Description: "built-in shell command execution tool server",
		},
	}
}

func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// findUserConfigPath searches CWD, the executable's parent directory,
// then the fixed home-directory fallback, in that order (spec.md §4.3
// step 2, §6).
func findUserConfigPath() (string, bool) {
	candidates := []string{
		filepath.Join(".", userConfigFileName),
	}
	if dir := executableDir(); dir != "." {
		candidates = append(candidates, filepath.Join(dir, "..", userConfigFileName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, homeConfigRelPath))
	}

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, true
		}
	}
	return "", false
}

// LoadServerConfigs builds the effective server-config map: built-ins
// first, then a deep merge of the user config's mcpServers mapping over
// them (spec.md §4.3 steps 1-3).
func LoadServerConfigs() (map[string]*ServerConfig, error) {
	servers := builtinServerConfigs()

	path, found := findUserConfigPath()
	if !found {
		for _, s := range servers {
			s.Normalize()
		}
		return servers, nil
	}

	raw, err := config.LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("load mcp config %s: %w", path, err)
	}

	mcpServersRaw, ok := raw["mcpServers"].(map[string]any)
	if !ok {
		for _, s := range servers {
			s.Normalize()
		}
		return servers, nil
	}

	for name, entryRaw := range mcpServersRaw {
		entryMap, ok := entryRaw.(map[string]any)
		if !ok {
			continue
		}
		override := parseRawServerEntry(name, entryMap)
		if existing, isBuiltin := servers[name]; isBuiltin {
			mergeUserOverrideOntoBuiltin(existing, override)
			continue
		}
		servers[name] = override
	}

	for _, s := range servers {
		s.Normalize()
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	return servers, nil
}

// parseRawServerEntry decodes one mcpServers entry, handling `command`
// as either a scalar or a sequence (spec.md §3 invariant, §4.3 step 2).
func parseRawServerEntry(name string, entry map[string]any) *ServerConfig {
	cfg := &ServerConfig{Name: name, Enabled: true}

	var args []string
	if rawArgs, ok := entry["args"]; ok {
		args = toStringSlice(rawArgs)
	}

	switch cmd := entry["command"].(type) {
	case string:
		cfg.Command = cmd
	case []any:
		seq := make([]string, 0, len(cmd))
		for _, c := range cmd {
			if s, ok := c.(string); ok {
				seq = append(seq, s)
			}
		}
		cfg.Command, args = NormalizeCommandSequence(seq, args)
	}
	cfg.Args = args

	if rawEnv, ok := entry["env"].(map[string]any); ok {
		cfg.Env = map[string]string{}
		for k, v := range rawEnv {
			if s, ok := v.(string); ok {
				cfg.Env[k] = s
			}
		}
	}
	if enabled, ok := entry["enabled"].(bool); ok {
		cfg.Enabled = enabled
	}
	if desc, ok := entry["description"].(string); ok {
		cfg.Description = desc
	}
	return cfg
}

func toStringSlice(v any) []string {
	switch typed := v.(type) {
	case string:
		return []string{typed}
	case []any:
		out := make([]string, 0, len(typed))
		for _, e := range typed {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// mergeUserOverrideOntoBuiltin applies a user's override for a built-in
// server while preserving the built-in's absolute script path if the
// override supplies a relative one (spec.md §4.3 step 2, testable
// scenario S5).
func mergeUserOverrideOntoBuiltin(builtin, override *ServerConfig) {
	if override.Command != "" && filepath.IsAbs(override.Command) {
		builtin.Command = override.Command
	}
	if len(override.Args) > 0 {
		builtin.Args = override.Args
	}
	if override.Env != nil {
		builtin.Env = override.Env
	}
	if override.Description != "" {
		builtin.Description = override.Description
	}
	builtin.Enabled = override.Enabled
}

// LookPath resolves a bare command name against PATH, used by built-in
// server binaries that want to shell out (kept here so both the manager
// and the shell built-in server agree on resolution rules).
func LookPath(name string) (string, error) {
	return exec.LookPath(name)
}
