package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// alwaysTimeoutTransport simulates a server that times out on every
// tools/call dispatch, for exercising the consecutive-timeout
// suppression policy (spec.md §7, "S2") without a real subprocess.
type alwaysTimeoutTransport struct{}

func (alwaysTimeoutTransport) Connect(ctx context.Context) error { return nil }
func (alwaysTimeoutTransport) Close() error                      { return nil }
func (alwaysTimeoutTransport) connected() bool                   { return true }
func (alwaysTimeoutTransport) logs() []string                    { return nil }
func (alwaysTimeoutTransport) notify(ctx context.Context, method string, params any) error {
	return nil
}
func (alwaysTimeoutTransport) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return nil, &CallError{Code: ErrCodeIOTimeout, Message: "timed out waiting for tools/call"}
}

func newAlwaysTimeoutClient(t *testing.T, name string) *ServerClient {
	t.Helper()
	c := NewServerClient(&ServerConfig{Name: name, Command: "echo", Enabled: true}, nil)
	c.t = alwaysTimeoutTransport{}
	c.connected = true
	c.SetToolRateLimit("slow_tool", 0)
	return c
}

func TestServerClientConsecutiveTimeoutsIncrementsOnEachTimeout(t *testing.T) {
	c := newAlwaysTimeoutClient(t, "timeout-server")

	for i := 1; i <= 3; i++ {
		if _, err := c.CallTool(context.Background(), "slow_tool", nil); err == nil {
			t.Fatalf("call %d: expected a timeout error", i)
		}
		if got := c.ConsecutiveTimeouts("slow_tool"); got != i {
			t.Errorf("call %d: ConsecutiveTimeouts() = %d, want %d", i, got, i)
		}
	}
}

func TestManagerSuppressesFirstTwoConsecutiveTimeouts(t *testing.T) {
	mgr := newTestManager(t, true)
	client := newAlwaysTimeoutClient(t, "timeout-server")
	mgr.mu.Lock()
	mgr.clients["timeout-server"] = client
	mgr.mu.Unlock()

	for i := 1; i <= 2; i++ {
		_, err := mgr.CallTool(context.Background(), "slow_tool", nil, "timeout-server", "")
		ce, ok := err.(*CallError)
		if !ok {
			t.Fatalf("call %d: expected *CallError, got %T", i, err)
		}
		if !ce.Suppressed {
			t.Errorf("call %d: expected Suppressed=true for a below-threshold timeout", i)
		}
	}

	_, err := mgr.CallTool(context.Background(), "slow_tool", nil, "timeout-server", "")
	ce, ok := err.(*CallError)
	if !ok {
		t.Fatalf("expected *CallError, got %T", err)
	}
	if ce.Suppressed {
		t.Error("expected the third consecutive timeout to be surfaced (Suppressed=false)")
	}
}
