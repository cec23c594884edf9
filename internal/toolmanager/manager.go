// Package toolmanager implements ToolManager: the façade that owns exactly
// one [pool.Pool] and one [registry.Registry], and is the only entry point
// shell code (cmd/toolmesh-host, the queue's message processor) uses to
// reach tool servers.
package toolmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basilisklabs/toolmesh/internal/breaker"
	"github.com/basilisklabs/toolmesh/internal/config"
	"github.com/basilisklabs/toolmesh/internal/events"
	"github.com/basilisklabs/toolmesh/internal/pool"
	"github.com/basilisklabs/toolmesh/internal/protocol"
	"github.com/basilisklabs/toolmesh/internal/registry"
	"github.com/basilisklabs/toolmesh/internal/server"
)

// ToolCall is one requested tool invocation. ToolID is the registry's full
// key (serverId + "/" + name); ServerID is the caller's claimed owning
// server, checked against the registry entry's own ServerID before
// execution.
type ToolCall struct {
	ServerID  string
	ToolID    string
	Arguments map[string]any
}

// ToolResult is executeTool's outcome. It never reports a tool or transport
// failure as a Go error — only a program error (unknown tool, server
// mismatch) does that; everything else lands in Error/Success.
type ToolResult struct {
	ToolID        string
	Success       bool
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	ExecutionTime time.Duration
}

// Manager is the ToolManager façade.
type Manager struct {
	logger   *slog.Logger
	pool     *pool.Pool
	registry *registry.Registry
	bus      *events.Bus
	retryCfg retryConfig

	mu       sync.RWMutex
	servers  map[string]config.ServerConfig
	breakers map[string]*breaker.Breaker
}

// New builds a Manager around its own pool and registry, per the spec's
// ownership rule: a ToolManager owns exactly one ConnectionPool and one
// ToolRegistry, never shares them with another Manager. A nil bus is
// replaced with a no-op bus.
func New(poolCfg config.PoolConfig, retryCfg config.RetryConfig, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = events.NewBus(nil)
	}
	return &Manager{
		logger:   logger,
		pool:     pool.New(poolCfg, bus, logger),
		registry: registry.New(),
		bus:      bus,
		retryCfg: retryConfigFromConfig(retryCfg),
		servers:  make(map[string]config.ServerConfig),
		breakers: make(map[string]*breaker.Breaker),
	}
}

func retryConfigFromConfig(c config.RetryConfig) retryConfig {
	cfg := defaultRetryConfig()
	if c.MaxAttempts > 0 {
		cfg.MaxAttempts = c.MaxAttempts
	}
	if c.BaseDelay > 0 {
		cfg.InitialBackoff = c.BaseDelay
	}
	if c.MaxDelay > 0 {
		cfg.MaxBackoff = c.MaxDelay
	}
	if c.JitterFraction > 0 {
		cfg.Jitter = c.JitterFraction
	}
	return cfg
}

// Registry exposes the owned ToolRegistry, e.g. for GeneratePromptCatalog.
func (m *Manager) Registry() *registry.Registry { return m.registry }

// RegisterServers connects every enabled server config, warms its
// connection pool, and populates the registry with its advertised tools.
// One server's failure does not fail the batch: each failure is recorded
// against that server alone and returned in the result map, keyed by server
// name.
func (m *Manager) RegisterServers(ctx context.Context, configs []config.ServerConfig) map[string]error {
	failures := make(map[string]error)
	for _, cfg := range configs {
		if err := m.registerOne(ctx, cfg); err != nil {
			m.logger.Error("server registration failed", "server", cfg.Name, "error", err)
			failures[cfg.Name] = err
		}
	}
	return failures
}

func (m *Manager) registerOne(ctx context.Context, cfg config.ServerConfig) error {
	bcfg := breaker.Config{Name: cfg.Name}
	if cfg.MaxRetries > 0 {
		bcfg.FailureThreshold = cfg.MaxRetries
	}
	br := breaker.New(bcfg, m.logger)

	m.mu.Lock()
	m.servers[cfg.Name] = cfg
	m.breakers[cfg.Name] = br
	m.mu.Unlock()

	newClient := func() *server.Client {
		return server.NewWithBreaker(cfg, m.logger, br)
	}

	if err := m.pool.InitializeServer(ctx, cfg.Name, newClient); err != nil {
		return fmt.Errorf("toolmanager: initialize server %q: %w", cfg.Name, err)
	}

	if err := m.refreshOne(ctx, cfg.Name); err != nil {
		return err
	}
	m.bus.Publish(cfg.Name, events.ComponentInitialized, cfg.Name)
	return nil
}

// RefreshToolRegistry re-lists tools on every registered server and
// atomically replaces that server's registry entries. A server that fails
// to respond keeps its last-known tool set.
func (m *Manager) RefreshToolRegistry(ctx context.Context) map[string]error {
	m.mu.RLock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	failures := make(map[string]error)
	for _, name := range names {
		if err := m.refreshOne(ctx, name); err != nil {
			failures[name] = err
		}
	}
	return failures
}

func (m *Manager) refreshOne(ctx context.Context, name string) error {
	client, connID, err := m.pool.Acquire(ctx, name, m.connectTimeout(name))
	if err != nil {
		return fmt.Errorf("toolmanager: acquire %q: %w", name, err)
	}
	defer m.pool.Release(name, connID)

	tools, err := client.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("toolmanager: list tools on %q: %w", name, err)
	}

	m.registry.RemoveServerTools(name)
	m.registry.RegisterFromToolList(name, tools)
	return nil
}

// connectTimeout is the Acquire timeout used for name. It is negative, so
// Acquire waits up to the pool's configured ConnectionTimeout.
func (m *Manager) connectTimeout(string) time.Duration {
	return -1
}

// ExecuteTool runs one ToolCall to completion, per spec's seven-step
// algorithm: look up the tool, verify server ownership, validate the
// arguments against the tool's inputSchema, retry transport
// failures with the configured backoff policy, and report the outcome as a
// ToolResult rather than a Go error. The open-breaker fail-fast check lives
// in [server.Client]'s precondition, which every acquired connection runs
// before its first request — checking it again here would double-count
// against the breaker's half-open trial budget. The only errors ExecuteTool
// itself returns are programmer errors: unknown tool, server/tool mismatch,
// or an uninitialized manager.
func (m *Manager) ExecuteTool(ctx context.Context, call ToolCall) (ToolResult, error) {
	def, ok := m.registry.GetToolDefinition(call.ToolID)
	if !ok {
		return ToolResult{}, fmt.Errorf("toolmanager: unknown tool %q", call.ToolID)
	}
	if def.ServerID != call.ServerID {
		return ToolResult{}, fmt.Errorf("toolmanager: tool %q registered under server %q, not %q", call.ToolID, def.ServerID, call.ServerID)
	}
	if err := protocol.ValidateArguments(def.InputSchema, call.Arguments); err != nil {
		return ToolResult{ToolID: call.ToolID, Success: false, Error: err.Error()}, nil
	}

	start := time.Now()
	var result *protocol.CallToolResult
	retryErr := doWithRetry(ctx, m.retryCfg, func() error {
		client, connID, acquireErr := m.pool.Acquire(ctx, call.ServerID, m.connectTimeout(call.ServerID))
		if acquireErr != nil {
			return acquireErr
		}
		defer m.pool.Release(call.ServerID, connID)

		var callErr error
		result, callErr = client.CallTool(ctx, def.Name, call.Arguments)
		return callErr
	})
	elapsed := time.Since(start)

	if retryErr != nil {
		return ToolResult{ToolID: call.ToolID, Success: false, Error: retryErr.Error(), ExecutionTime: elapsed}, nil
	}

	if result.IsError {
		return ToolResult{ToolID: call.ToolID, Success: false, Output: result.Content, Error: "tool reported an error", ExecutionTime: elapsed}, nil
	}

	if updateErr := m.registry.UpdateToolUsage(call.ToolID, elapsed); updateErr != nil {
		m.logger.Warn("usage stats update failed", "tool", call.ToolID, "error", updateErr)
	}
	m.bus.Publish(call.ServerID, events.ToolExecuted, call.ToolID)
	return ToolResult{ToolID: call.ToolID, Success: true, Output: result.Content, ExecutionTime: elapsed}, nil
}

// ExecuteBatch runs every call concurrently and returns results in the same
// order as calls.
func (m *Manager) ExecuteBatch(ctx context.Context, calls []ToolCall) ([]ToolResult, error) {
	results := make([]ToolResult, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			res, err := m.ExecuteTool(gctx, call)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ServerStatus reports one server's connection status.
func (m *Manager) ServerStatus(name string) (server.Status, error) {
	client, err := m.pool.Peek(name)
	if err != nil {
		return server.Status{}, fmt.Errorf("toolmanager: %w", err)
	}
	return client.Status(), nil
}

// AllServerStatuses reports every registered server's connection status.
func (m *Manager) AllServerStatuses() map[string]server.Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	out := make(map[string]server.Status, len(names))
	for _, name := range names {
		if status, err := m.ServerStatus(name); err == nil {
			out[name] = status
		}
	}
	return out
}

// CircuitBreakerStatus reports one server's circuit breaker snapshot. All
// pooled connections for a server share one breaker, so this reflects the
// server's breaker state regardless of which connection last tripped it.
func (m *Manager) CircuitBreakerStatus(name string) (breaker.Snapshot, error) {
	br, err := m.breakerFor(name)
	if err != nil {
		return breaker.Snapshot{}, err
	}
	return br.Snapshot(), nil
}

func (m *Manager) breakerFor(name string) (*breaker.Breaker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	br, ok := m.breakers[name]
	if !ok {
		return nil, fmt.Errorf("toolmanager: unknown server %q", name)
	}
	return br, nil
}

// Shutdown disconnects every server and releases all pooled connections.
// closeServerPool (reached via CloseAll) disconnects each pooled client, so
// no separate per-server disconnect loop is needed here.
func (m *Manager) Shutdown() error {
	m.pool.CloseAll()
	m.bus.Publish("toolmanager", events.ComponentShutdown, nil)
	return nil
}
