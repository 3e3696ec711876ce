package main

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/mcpcore/internal/audit"
	"github.com/haasonsaas/mcpcore/internal/mcp"
	"github.com/haasonsaas/mcpcore/internal/metrics"
)

// core bundles the long-lived objects every subcommand needs: the
// Manager (connection pool and all), the permissions store, and a
// metrics collector, wired exactly the way a production caller would
// wire them (SPEC_FULL.md §4.0).
type core struct {
	manager     *mcp.Manager
	pool        *mcp.ConnectionPool
	permissions *mcp.PermissionsStore
	metrics     *metrics.Metrics
	audit       *audit.Logger
}

// newCore loads server configs (built-in + user overrides), constructs
// the permissions store and audit logger, and wires a fresh Manager.
// It does not connect to any server — callers call Start explicitly.
func newCore() (*core, error) {
	configs, err := mcp.LoadServerConfigs()
	if err != nil {
		return nil, err
	}

	permissions := mcp.NewPermissionsStore(mcp.DefaultPermissionsPath())
	auditLogger, err := audit.NewLogger(audit.Config{
		Enabled: true,
		Level:   audit.LevelInfo,
		Format:  audit.FormatJSON,
		Output:  "stderr",
	})
	if err != nil {
		return nil, err
	}
	mgr := mcp.NewManager(configs, permissions, slog.Default(), auditLogger)

	mx := metrics.New()
	mgr.SetMetrics(mx)

	return &core{
		manager:     mgr,
		pool:        mcp.NewConnectionPool(mgr),
		permissions: permissions,
		metrics:     mx,
		audit:       auditLogger,
	}, nil
}

// start connects every enabled server if MCP is enabled in this process.
func (c *core) start(ctx context.Context) error {
	if !c.manager.Enabled() {
		return nil
	}
	return c.manager.Start(ctx)
}

func (c *core) stop() {
	c.manager.Shutdown()
	if err := c.audit.Close(); err != nil {
		slog.Default().Warn("failed to close audit logger", "error", err)
	}
}
