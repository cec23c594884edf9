// Package server implements ServerClient: the lifecycle of one configured
// tool server, binding together a [process.Manager], [transport.Stdio],
// [protocol.Handler], and [breaker.Breaker].
package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basilisklabs/toolmesh/internal/breaker"
	"github.com/basilisklabs/toolmesh/internal/config"
	"github.com/basilisklabs/toolmesh/internal/process"
	"github.com/basilisklabs/toolmesh/internal/protocol"
	"github.com/basilisklabs/toolmesh/internal/transport"
)

// Status mirrors spec's ServerStatus shape.
type Status struct {
	ServerID      string
	State         ConnState
	LastConnected *time.Time
	LastError     string
	ResponseTime  time.Duration
}

// ConnState is the coarse connection state reported by Status.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

// Client is the lifecycle owner of one configured server. It exclusively
// owns its process handle, transport, and protocol handler; its circuit
// breaker may be shared with other clients of the same server (see
// [NewWithBreaker]).
type Client struct {
	cfg    config.ServerConfig
	logger *slog.Logger

	procMgr *process.Manager
	breaker *breaker.Breaker

	mu           sync.Mutex
	handle       *process.Handle
	tr           *transport.Stdio
	proto        *protocol.Handler
	connectedAt  *time.Time
	lastErr      error
	lastResponse time.Duration
	state        ConnState
}

// New builds a Client for cfg. The breaker is configured with spec's
// default thresholds unless cfg.MaxRetries overrides FailureThreshold.
func New(cfg config.ServerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	bcfg := breaker.Config{Name: cfg.Name}
	if cfg.MaxRetries > 0 {
		bcfg.FailureThreshold = cfg.MaxRetries
	}
	return NewWithBreaker(cfg, logger, breaker.New(bcfg, logger))
}

// NewWithBreaker builds a Client for cfg using br as its circuit breaker,
// rather than constructing a fresh one. [toolmanager.Manager] uses this, in
// the client factory it hands to [pool.Pool], to share one breaker across
// every pooled connection for a given server — a breaker
// trips per server, not per TCP/stdio connection instance.
func NewWithBreaker(cfg config.ServerConfig, logger *slog.Logger, br *breaker.Breaker) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		procMgr: process.New(logger),
		breaker: br,
		state:   StateDisconnected,
	}
}

// Breaker exposes the client's circuit breaker for status reporting.
func (c *Client) Breaker() *breaker.Breaker { return c.breaker }

// Connect spawns the child process, wires up the transport and protocol
// handler, and performs the initialize handshake. It is a no-op if already
// connected, and fails fast if the breaker is OPEN.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.breaker.Allow(); err != nil {
		return fmt.Errorf("server %s: %w", c.cfg.Name, err)
	}

	c.setState(StateConnecting)

	framing := transport.FramingLine
	handle, err := c.procMgr.Spawn(ctx, process.Spec{Command: c.cfg.Command, Args: c.cfg.Args, Env: c.cfg.Env})
	if err != nil {
		c.fail(err)
		return fmt.Errorf("server %s: spawn: %w", c.cfg.Name, err)
	}

	tr := transport.New(framing, handle.Stdin, handle.Stdout, c.logger)
	proto := protocol.New(protocol.ClientInfo{Name: "toolmesh", Version: "0.1.0"}, c.logger)

	if err := proto.Start(ctx, tr); err != nil {
		handle.Terminate()
		c.fail(err)
		return fmt.Errorf("server %s: start protocol: %w", c.cfg.Name, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	if _, err := proto.Initialize(initCtx); err != nil {
		proto.Stop()
		handle.Terminate()
		c.fail(err)
		return fmt.Errorf("server %s: initialize: %w", c.cfg.Name, err)
	}

	now := time.Now()
	c.mu.Lock()
	c.handle = handle
	c.tr = tr
	c.proto = proto
	c.connectedAt = &now
	c.lastErr = nil
	c.state = StateConnected
	c.mu.Unlock()

	c.breaker.RecordSuccess()
	return nil
}

func (c *Client) fail(err error) {
	c.breaker.RecordFailure()
	c.mu.Lock()
	c.lastErr = err
	c.state = StateError
	c.mu.Unlock()
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Disconnect best-effort stops the protocol handler and terminates the
// child process (SIGTERM, then SIGKILL after 5s grace). Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	proto, handle := c.proto, c.handle
	c.proto, c.handle, c.tr = nil, nil, nil
	c.connectedAt = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if proto != nil {
		proto.Stop()
	}
	if handle != nil {
		return handle.Terminate()
	}
	return nil
}

// IsConnected reports whether the protocol handler is active and the
// process is alive.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	handle, tr := c.handle, c.tr
	c.mu.Unlock()
	return handle != nil && tr != nil && handle.Alive() && tr.IsActive()
}

// ListTools delegates to the protocol handler, recording a circuit-breaker
// outcome.
func (c *Client) ListTools(ctx context.Context) ([]protocol.Tool, error) {
	if err := c.precondition(); err != nil {
		return nil, err
	}

	proto := c.protoRef()
	start := time.Now()
	tools, err := proto.ListTools(ctx)
	c.recordResponseTime(start)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, err
	}
	c.breaker.RecordSuccess()
	return tools, nil
}

// CallTool delegates to the protocol handler, recording a circuit-breaker
// outcome.
func (c *Client) CallTool(ctx context.Context, name string, arguments any) (*protocol.CallToolResult, error) {
	if err := c.precondition(); err != nil {
		return nil, err
	}

	proto := c.protoRef()
	start := time.Now()
	result, err := proto.CallTool(ctx, name, arguments)
	c.recordResponseTime(start)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, err
	}
	c.breaker.RecordSuccess()
	return result, nil
}

func (c *Client) precondition() error {
	if err := c.breaker.Allow(); err != nil {
		return fmt.Errorf("server %s: %w", c.cfg.Name, err)
	}
	if !c.IsConnected() {
		return fmt.Errorf("server %s: not connected", c.cfg.Name)
	}
	return nil
}

func (c *Client) protoRef() *protocol.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proto
}

func (c *Client) recordResponseTime(start time.Time) {
	c.mu.Lock()
	c.lastResponse = time.Since(start)
	c.mu.Unlock()
}

// Status returns the client's current externally visible status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		ServerID:      c.cfg.Name,
		State:         c.state,
		ResponseTime:  c.lastResponse,
		LastConnected: c.connectedAt,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// StderrTail returns the most recent stderr lines captured from the child
// process, for inclusion in diagnostics. Empty if not connected.
func (c *Client) StderrTail() string {
	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()
	if handle == nil {
		return ""
	}
	return strings.TrimSpace(process.StderrTail(handle))
}
