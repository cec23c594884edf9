package pool

import (
	"context"
	"time"

	"github.com/basilisklabs/toolmesh/internal/events"
)

// runHealthChecks probes every non-busy connection in sp on each tick of
// HealthCheckInterval. Probes are throttled through the pool's shared rate
// limiter so a large fleet of servers doesn't burst health-check load.
func (p *Pool) runHealthChecks(ctx context.Context, sp *serverPool) {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.healthCheckOnce(ctx, sp)
		}
	}
}

func (p *Pool) healthCheckOnce(ctx context.Context, sp *serverPool) {
	sp.mu.Lock()
	candidates := make([]*connection, 0, len(sp.conns))
	for _, c := range sp.conns {
		if !c.inUse {
			candidates = append(candidates, c)
		}
	}
	sp.mu.Unlock()

	for _, c := range candidates {
		if err := p.healthLimiter.Wait(ctx); err != nil {
			return
		}
		p.probe(ctx, sp, c)
	}
}

func (p *Pool) probe(ctx context.Context, sp *serverPool, c *connection) {
	healthy := c.client.IsConnected()
	if healthy {
		if _, err := c.client.ListTools(ctx); err != nil {
			healthy = false
		}
	}

	if healthy {
		sp.mu.Lock()
		c.healthCheckFailures = 0
		sp.mu.Unlock()
		p.bus.Publish(sp.name, events.HealthCheckPassed, sp.name)
		return
	}

	sp.mu.Lock()
	c.healthCheckFailures++
	failures := c.healthCheckFailures
	sp.mu.Unlock()

	p.bus.Publish(sp.name, events.HealthCheckFailed, sp.name)

	if failures < p.cfg.MaxHealthCheckFailures {
		return
	}

	p.evictAndMaybeReplace(ctx, sp, c)
}

// evictAndMaybeReplace removes c from the pool and, if the pool then sits
// below MinConnections, spawns a replacement connection.
func (p *Pool) evictAndMaybeReplace(ctx context.Context, sp *serverPool, c *connection) {
	sp.mu.Lock()
	idx := -1
	for i, cand := range sp.conns {
		if cand.id == c.id {
			idx = i
			break
		}
	}
	belowMin := false
	if idx >= 0 {
		sp.conns = append(sp.conns[:idx], sp.conns[idx+1:]...)
		belowMin = len(sp.conns) < p.cfg.MinConnections
	}
	sp.mu.Unlock()

	if idx < 0 {
		return
	}
	c.client.Disconnect()
	p.bus.Publish(sp.name, events.ConnectionClosed, sp.name)

	if !belowMin {
		return
	}

	replacement := sp.newClient()
	if err := replacement.Connect(ctx); err != nil {
		return
	}
	sp.mu.Lock()
	sp.conns = append(sp.conns, &connection{id: sp.nextID, client: replacement, created: time.Now(), lastUsed: time.Now()})
	sp.nextID++
	sp.mu.Unlock()
	p.bus.Publish(sp.name, events.ConnectionCreated, sp.name)
}
