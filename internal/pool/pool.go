// Package pool implements the per-server connection pool: eager warm-up,
// acquire/release with a FIFO waiter queue, idle reclamation, and periodic
// health checking.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/basilisklabs/toolmesh/internal/config"
	"github.com/basilisklabs/toolmesh/internal/events"
	"github.com/basilisklabs/toolmesh/internal/server"
)

// Config is the per-server pool tuning, sourced from [config.PoolConfig].
type Config struct {
	MinConnections         int
	MaxConnections         int
	IdleTimeout            time.Duration
	ConnectionTimeout      time.Duration
	HealthCheckInterval    time.Duration
	MaxHealthCheckFailures int
}

func fromRuntimeConfig(c config.PoolConfig) Config {
	return Config{
		MinConnections:         c.MinConnections,
		MaxConnections:         c.MaxConnections,
		IdleTimeout:            c.IdleTimeout,
		ConnectionTimeout:      c.ConnectionTimeout,
		HealthCheckInterval:    c.HealthCheckInterval,
		MaxHealthCheckFailures: c.MaxHealthCheckFailures,
	}
}

// Stats is the externally visible PoolStats for one server.
type Stats struct {
	TotalConnections  int
	ActiveConnections int
	IdleConnections   int
	WaitingRequests   int
	TotalRequests     int64
	FailedRequests    int64
	AverageWaitTime   time.Duration
}

// connection is a PooledConnection: a server.Client plus pool bookkeeping.
// A connection belongs to exactly one server's pool.
type connection struct {
	id                  int64
	client              *server.Client
	inUse               bool
	pending             bool
	lastUsed            time.Time
	created             time.Time
	healthCheckFailures int
	idleTimer           *time.Timer
}

type waiter struct {
	ch      chan *connection
	timeout *time.Timer
}

// serverPool holds all state for one server's connections.
type serverPool struct {
	name   string
	mu     sync.Mutex
	conns  []*connection
	nextID int64
	waitq  []*waiter

	totalRequests   int64
	failedRequests  int64
	waitTimeTotal   time.Duration
	waitTimeSamples int64

	healthCancel context.CancelFunc
	newClient    func() *server.Client
}

// Pool is the top-level connection pool manager, holding one [serverPool]
// per registered server.
type Pool struct {
	cfg    Config
	logger *slog.Logger
	bus    *events.Bus

	mu      sync.Mutex
	servers map[string]*serverPool

	healthLimiter *rate.Limiter
}

// New builds a Pool using defaults from cfg. A health-check rate limiter
// (10 probes per second, burst 10) paces liveness probes across all
// servers, so a large fleet of idle servers doesn't spike CPU/process-table
// pressure on every tick. A nil bus is replaced with a no-op bus, so callers
// that don't care about the event surface can pass nil.
func New(cfg config.PoolConfig, bus *events.Bus, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = events.NewBus(nil)
	}
	return &Pool{
		cfg:           fromRuntimeConfig(cfg),
		logger:        logger,
		bus:           bus,
		servers:       make(map[string]*serverPool),
		healthLimiter: rate.NewLimiter(rate.Limit(10), 10),
	}
}

// InitializeServer creates an empty pool for name, eagerly creates
// MinConnections connections in parallel (via errgroup), and starts
// periodic health checks. newClient builds a fresh, not-yet-connected
// [server.Client] each time the pool needs to grow.
func (p *Pool) InitializeServer(ctx context.Context, name string, newClient func() *server.Client) error {
	sp := &serverPool{name: name, newClient: newClient}

	p.mu.Lock()
	p.servers[name] = sp
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	results := make([]*connection, p.cfg.MinConnections)
	for i := 0; i < p.cfg.MinConnections; i++ {
		i := i
		g.Go(func() error {
			c := newClient()
			if err := c.Connect(gctx); err != nil {
				return fmt.Errorf("pool %s: warm-up connection %d: %w", name, i, err)
			}
			results[i] = &connection{client: c, created: time.Now(), lastUsed: time.Now()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sp.mu.Lock()
	for _, c := range results {
		if c == nil {
			continue
		}
		c.id = sp.nextID
		sp.nextID++
		sp.conns = append(sp.conns, c)
	}
	sp.mu.Unlock()

	for range results {
		p.bus.Publish(name, events.ConnectionCreated, name)
	}

	hctx, cancel := context.WithCancel(context.Background())
	sp.healthCancel = cancel
	go p.runHealthChecks(hctx, sp)

	return nil
}

// Acquire returns an idle, healthy connection for name, growing the pool if
// under MaxConnections, or else waiting in FIFO order up to timeout.
func (p *Pool) Acquire(ctx context.Context, name string, timeout time.Duration) (*server.Client, int64, error) {
	sp, err := p.serverPoolFor(name)
	if err != nil {
		return nil, 0, err
	}
	if timeout == 0 {
		return nil, 0, fmt.Errorf("pool %s: acquire timed out after 0s", name)
	}
	if timeout < 0 {
		timeout = p.cfg.ConnectionTimeout
	}

	start := time.Now()

	sp.mu.Lock()
	sp.totalRequests++

	if c := sp.popIdleLocked(); c != nil {
		sp.mu.Unlock()
		p.recordWait(sp, time.Since(start))
		p.bus.Publish(name, events.ConnectionAcquired, name)
		return c.client, c.id, nil
	}

	if len(sp.conns) < p.cfg.MaxConnections {
		// Reserve the slot under sp.mu before the slow Connect handshake, so
		// concurrent acquires arriving while this one is still connecting see
		// len(sp.conns) already at the reserved count and don't also grow.
		c := &connection{id: sp.nextID, inUse: true, pending: true, created: time.Now(), lastUsed: time.Now()}
		sp.nextID++
		sp.conns = append(sp.conns, c)
		sp.mu.Unlock()

		if err := p.growReserved(ctx, sp, c); err != nil {
			sp.mu.Lock()
			sp.failedRequests++
			sp.removeConnLocked(c.id)
			sp.mu.Unlock()
			return nil, 0, err
		}
		p.recordWait(sp, time.Since(start))
		p.bus.Publish(name, events.ConnectionCreated, name)
		p.bus.Publish(name, events.ConnectionAcquired, name)
		return c.client, c.id, nil
	}

	p.bus.Publish(name, events.PoolFull, name)
	w := &waiter{ch: make(chan *connection, 1)}
	sp.waitq = append(sp.waitq, w)
	sp.mu.Unlock()

	w.timeout = time.AfterFunc(timeout, func() { p.expireWaiter(sp, w) })

	select {
	case c := <-w.ch:
		w.timeout.Stop()
		if c == nil {
			return nil, 0, fmt.Errorf("pool %s: %w", name, errServerClosing)
		}
		p.recordWait(sp, time.Since(start))
		p.bus.Publish(name, events.ConnectionAcquired, name)
		return c.client, c.id, nil
	case <-ctx.Done():
		p.removeWaiter(sp, w)
		sp.mu.Lock()
		sp.failedRequests++
		sp.mu.Unlock()
		return nil, 0, fmt.Errorf("pool %s: acquire cancelled: %w", name, ctx.Err())
	case <-time.After(timeout):
		p.removeWaiter(sp, w)
		sp.mu.Lock()
		sp.failedRequests++
		sp.mu.Unlock()
		return nil, 0, fmt.Errorf("pool %s: acquire timed out after %s", name, timeout)
	}
}

func (sp *serverPool) popIdleLocked() *connection {
	for _, c := range sp.conns {
		if !c.inUse {
			if c.idleTimer != nil {
				c.idleTimer.Stop()
				c.idleTimer = nil
			}
			c.inUse = true
			c.lastUsed = time.Now()
			return c
		}
	}
	return nil
}

// growReserved connects c's client outside sp.mu — c was already appended to
// sp.conns (pending, inUse) under the lock by the caller, so it counts
// against MaxConnections for the whole handshake, not just after it
// succeeds. On success it fills in c.client and clears pending; on failure
// the caller removes the placeholder via removeConnLocked.
func (p *Pool) growReserved(ctx context.Context, sp *serverPool, c *connection) error {
	client := sp.newClient()
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("pool %s: grow: %w", sp.name, err)
	}

	sp.mu.Lock()
	c.client = client
	c.pending = false
	sp.mu.Unlock()
	return nil
}

// removeConnLocked removes the connection with the given id from sp.conns.
// Callers must hold sp.mu.
func (sp *serverPool) removeConnLocked(id int64) {
	for i, c := range sp.conns {
		if c.id == id {
			sp.conns = append(sp.conns[:i], sp.conns[i+1:]...)
			return
		}
	}
}

// Release marks connectionID idle again and restarts its idle-reclamation
// timer.
func (p *Pool) Release(name string, connectionID int64) error {
	sp, err := p.serverPoolFor(name)
	if err != nil {
		return err
	}

	sp.mu.Lock()
	var target *connection
	for _, c := range sp.conns {
		if c.id == connectionID {
			target = c
			break
		}
	}
	if target == nil {
		sp.mu.Unlock()
		return fmt.Errorf("pool %s: unknown connection %d", name, connectionID)
	}

	if len(sp.waitq) > 0 {
		w := sp.waitq[0]
		sp.waitq = sp.waitq[1:]
		target.lastUsed = time.Now()
		sp.mu.Unlock()
		p.bus.Publish(name, events.ConnectionReleased, name)
		w.ch <- target
		return nil
	}

	target.inUse = false
	target.lastUsed = time.Now()
	target.idleTimer = time.AfterFunc(p.cfg.IdleTimeout, func() { p.reclaimIdle(sp, target.id) })
	sp.mu.Unlock()
	p.bus.Publish(name, events.ConnectionReleased, name)
	return nil
}

func (p *Pool) reclaimIdle(sp *serverPool, connectionID int64) {
	sp.mu.Lock()
	if len(sp.conns) <= p.cfg.MinConnections {
		sp.mu.Unlock()
		return
	}
	idx := -1
	for i, c := range sp.conns {
		if c.id == connectionID && !c.inUse {
			idx = i
			break
		}
	}
	if idx < 0 {
		sp.mu.Unlock()
		return
	}
	c := sp.conns[idx]
	sp.conns = append(sp.conns[:idx], sp.conns[idx+1:]...)
	sp.mu.Unlock()

	c.client.Disconnect()
	p.bus.Publish(sp.name, events.ConnectionClosed, sp.name)
}

func (p *Pool) recordWait(sp *serverPool, d time.Duration) {
	sp.mu.Lock()
	sp.waitTimeTotal += d
	sp.waitTimeSamples++
	sp.mu.Unlock()
}

func (p *Pool) expireWaiter(sp *serverPool, w *waiter) {
	p.removeWaiter(sp, w)
}

func (p *Pool) removeWaiter(sp *serverPool, w *waiter) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	for i, cand := range sp.waitq {
		if cand == w {
			sp.waitq = append(sp.waitq[:i], sp.waitq[i+1:]...)
			return
		}
	}
}

// Stats returns a snapshot of per-server pool statistics.
func (p *Pool) Stats(name string) (Stats, error) {
	sp, err := p.serverPoolFor(name)
	if err != nil {
		return Stats{}, err
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()

	var active, idle int
	for _, c := range sp.conns {
		if c.inUse {
			active++
		} else {
			idle++
		}
	}
	var avgWait time.Duration
	if sp.waitTimeSamples > 0 {
		avgWait = sp.waitTimeTotal / time.Duration(sp.waitTimeSamples)
	}
	return Stats{
		TotalConnections:  len(sp.conns),
		ActiveConnections: active,
		IdleConnections:   idle,
		WaitingRequests:   len(sp.waitq),
		TotalRequests:     sp.totalRequests,
		FailedRequests:    sp.failedRequests,
		AverageWaitTime:   avgWait,
	}, nil
}

// Peek returns one of name's pooled connections' underlying [server.Client],
// without acquiring it, for read-only status/breaker reporting. All pooled
// connections for a server share one breaker (see [server.NewWithBreaker]), so any
// connection is representative.
func (p *Pool) Peek(name string) (*server.Client, error) {
	sp, err := p.serverPoolFor(name)
	if err != nil {
		return nil, err
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	for _, c := range sp.conns {
		if !c.pending {
			return c.client, nil
		}
	}
	return nil, fmt.Errorf("pool: server %q has no connections", name)
}

// HasAvailableConnection reports whether name has an idle healthy
// connection, or room to grow.
func (p *Pool) HasAvailableConnection(name string) bool {
	sp, err := p.serverPoolFor(name)
	if err != nil {
		return false
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	for _, c := range sp.conns {
		if !c.inUse {
			return true
		}
	}
	return len(sp.conns) < p.cfg.MaxConnections
}

// CloseServer stops health checks, closes every connection, and rejects all
// waiters for name.
func (p *Pool) CloseServer(name string) error {
	p.mu.Lock()
	sp, ok := p.servers[name]
	if ok {
		delete(p.servers, name)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	p.closeServerPool(sp)
	return nil
}

func (p *Pool) closeServerPool(sp *serverPool) {
	if sp.healthCancel != nil {
		sp.healthCancel()
	}

	sp.mu.Lock()
	conns := sp.conns
	sp.conns = nil
	waiters := sp.waitq
	sp.waitq = nil
	sp.mu.Unlock()

	for _, w := range waiters {
		w.ch <- nil
	}
	for _, c := range conns {
		if c.idleTimer != nil {
			c.idleTimer.Stop()
		}
		if c.client == nil {
			// Still being connected by a concurrent growReserved; that call
			// does not check whether the pool was closed, so its process is
			// left running, and there's no handle here yet to terminate.
			continue
		}
		c.client.Disconnect()
		p.bus.Publish(sp.name, events.ConnectionClosed, sp.name)
	}
}

// CloseAll closes every registered server's pool.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	servers := p.servers
	p.servers = make(map[string]*serverPool)
	p.mu.Unlock()

	for _, sp := range servers {
		p.closeServerPool(sp)
	}
}

func (p *Pool) serverPoolFor(name string) (*serverPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.servers[name]
	if !ok {
		return nil, fmt.Errorf("pool: unknown server %q", name)
	}
	return sp, nil
}

var errServerClosing = fmt.Errorf("server closing")
