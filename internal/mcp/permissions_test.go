package mcp

import (
	"path/filepath"
	"testing"
)

func TestPermissionsStoreDefaultsToEnabled(t *testing.T) {
	store := NewPermissionsStore(filepath.Join(t.TempDir(), "mcp_permissions.json"))
	if level := store.Effective("shell", "run_shell_command"); level != PermissionEnabled {
		t.Errorf("expected default level %q, got %q", PermissionEnabled, level)
	}
}

func TestPermissionsStorePrecedenceToolOverServer(t *testing.T) {
	store := NewPermissionsStore(filepath.Join(t.TempDir(), "mcp_permissions.json"))
	if err := store.SetServerPermission("shell", PermissionDisabled); err != nil {
		t.Fatalf("SetServerPermission() error = %v", err)
	}
	if err := store.SetToolPermission("shell", "run_shell_command", PermissionAsk); err != nil {
		t.Fatalf("SetToolPermission() error = %v", err)
	}

	if level := store.Effective("shell", "run_shell_command"); level != PermissionAsk {
		t.Errorf("expected tool-level override %q to win, got %q", PermissionAsk, level)
	}
	if level := store.Effective("shell", "other_tool"); level != PermissionDisabled {
		t.Errorf("expected server-level override %q for an unoverridden tool, got %q", PermissionDisabled, level)
	}
}

func TestPermissionsStorePersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mcp_permissions.json")

	first := NewPermissionsStore(path)
	if err := first.SetServerPermission("fetch", PermissionDisabled); err != nil {
		t.Fatalf("SetServerPermission() error = %v", err)
	}

	second := NewPermissionsStore(path)
	if level := second.Effective("fetch", ""); level != PermissionDisabled {
		t.Errorf("expected persisted level %q, got %q", PermissionDisabled, level)
	}
}

func TestPermissionsStoreOnChangeFiresOnWrite(t *testing.T) {
	store := NewPermissionsStore(filepath.Join(t.TempDir(), "mcp_permissions.json"))
	fired := false
	store.OnChange(func() { fired = true })

	if err := store.SetServerPermission("shell", PermissionAsk); err != nil {
		t.Fatalf("SetServerPermission() error = %v", err)
	}
	if !fired {
		t.Error("expected OnChange callback to fire after a write")
	}
}
