package mcp

import (
	"context"
	"encoding/json"
	"testing"
)

type stubDynamicTool struct {
	name        string
	ext         string
	metDeps     bool
	executeText string
}

func (s *stubDynamicTool) Name() string        { return s.name }
func (s *stubDynamicTool) Description() string { return "stub tool for " + s.ext }
func (s *stubDynamicTool) Extension() string   { return s.ext }
func (s *stubDynamicTool) DependenciesMet() bool { return s.metDeps }
func (s *stubDynamicTool) Execute(ctx context.Context, rawArgs json.RawMessage) (string, error) {
	return s.executeText, nil
}

func TestDynamicToolRegistryActivatesOnAttach(t *testing.T) {
	reg := NewDynamicToolRegistry()
	reg.RegisterFactory(".csv", func(path string) DynamicTool {
		return &stubDynamicTool{name: "csv_summary", ext: ".csv", metDeps: true}
	})

	reg.SetAttachedFiles([]string{"/tmp/report.csv"})

	tools := reg.Active()
	if len(tools) != 1 {
		t.Fatalf("expected 1 active tool, got %d", len(tools))
	}
	if _, ok := reg.Find("csv_summary"); !ok {
		t.Error("expected csv_summary to be findable")
	}
}

func TestDynamicToolRegistrySkipsUnmetDependencies(t *testing.T) {
	reg := NewDynamicToolRegistry()
	reg.RegisterFactory(".csv", func(path string) DynamicTool {
		return &stubDynamicTool{name: "csv_summary", ext: ".csv", metDeps: false}
	})

	reg.SetAttachedFiles([]string{"/tmp/report.csv"})

	if len(reg.Active()) != 0 {
		t.Error("expected no active tools when dependencies are unmet")
	}
}

func TestDynamicToolRegistryRemovesOnDetach(t *testing.T) {
	reg := NewDynamicToolRegistry()
	reg.RegisterFactory(".csv", func(path string) DynamicTool {
		return &stubDynamicTool{name: "csv_summary", ext: ".csv", metDeps: true}
	})

	reg.SetAttachedFiles([]string{"/tmp/report.csv"})
	if len(reg.Active()) != 1 {
		t.Fatalf("expected 1 active tool after attach")
	}

	reg.SetAttachedFiles(nil)
	if len(reg.Active()) != 0 {
		t.Error("expected no active tools after detaching all files")
	}
}

func TestDynamicToolRegistryOnChangeFiresOnTransition(t *testing.T) {
	reg := NewDynamicToolRegistry()
	reg.RegisterFactory(".csv", func(path string) DynamicTool {
		return &stubDynamicTool{name: "csv_summary", ext: ".csv", metDeps: true}
	})

	changes := 0
	reg.OnChange(func() { changes++ })

	reg.SetAttachedFiles([]string{"/tmp/a.csv"})
	reg.SetAttachedFiles([]string{"/tmp/a.csv"}) // no-op, same active set
	reg.SetAttachedFiles(nil)

	if changes != 2 {
		t.Errorf("expected 2 change notifications, got %d", changes)
	}
}
