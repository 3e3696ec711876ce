package mcp

import (
	"context"
	"encoding/json"
	"time"
)

// transport is the single stdio JSON-RPC transport every server client
// speaks. It is an interface only so tests can substitute an in-memory
// pipe; production code always gets a *stdioTransport.
type transport interface {
	Connect(ctx context.Context) error
	Close() error
	// call sends one request and waits up to timeout for its response.
	// At most one call may be in flight at a time (§5 serialization
	// guarantee) — the implementation itself enforces this with a mutex,
	// so concurrent callers are serialized rather than racing.
	call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	notify(ctx context.Context, method string, params any) error
	connected() bool
	// logs returns the last (at most 100) lines written to stderr.
	logs() []string
}
