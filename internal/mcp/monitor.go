package mcp

import (
	"context"
	"math/rand"
	"time"

	. "github.com/loopline/agentd/internal/logging"
)

const (
	pingInterval         = 30 * time.Second
	pingTimeout          = 5 * time.Second
	breakerThreshold     = 3
	defaultFailureWindow = 60 * time.Second

	backoffBase = 1 * time.Second
	backoffCap  = 60 * time.Second
)

// Monitor pings connected servers and drives reconnects for failed ones.
// Enough ping failures inside the failure window trip the breaker: the
// connection is torn down and reconnect attempts follow exponential backoff
// with jitter. Thresholds and window are per-server settings with defaults
// of 3 failures in 60s.
type Monitor struct {
	registry *Registry
	interval time.Duration
}

// NewMonitor creates a monitor over a registry.
func NewMonitor(registry *Registry) *Monitor {
	return &Monitor{registry: registry, interval: pingInterval}
}

// Run blocks, checking server health every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	m.registry.mu.RLock()
	conns := make([]*connection, 0, len(m.registry.conns))
	for _, c := range m.registry.conns {
		conns = append(conns, c)
	}
	m.registry.mu.RUnlock()

	for _, conn := range conns {
		switch conn.state {
		case StateConnected:
			m.ping(ctx, conn)
		case StateError, StateDisconnected:
			if conn.server.IsEnabled {
				m.reconnect(ctx, conn)
			}
		}
	}
}

func (m *Monitor) ping(ctx context.Context, conn *connection) {
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	err := conn.client.Ping(pctx)
	cancel()

	m.registry.mu.Lock()
	if err == nil {
		conn.pingFailures = 0
		m.registry.mu.Unlock()
		return
	}
	// failures older than the window no longer count toward the breaker
	window := conn.server.FailureWindow(defaultFailureWindow)
	now := time.Now()
	if conn.pingFailures == 0 || now.Sub(conn.firstFailure) > window {
		conn.pingFailures = 0
		conn.firstFailure = now
	}
	conn.pingFailures++
	failures := conn.pingFailures
	m.registry.mu.Unlock()

	L_warn("mcp: ping failed", "server", conn.server.Name, "failures", failures, "error", err)
	if failures >= conn.server.MaxFailures(breakerThreshold) {
		conn.client.Close()
		m.registry.cache.Invalidate(conn.server.ID)
		m.registry.setState(conn, StateError, err)
	}
}

func (m *Monitor) reconnect(ctx context.Context, conn *connection) {
	m.registry.mu.Lock()
	attempt := conn.attempt
	conn.attempt++
	m.registry.mu.Unlock()

	delay := reconnectDelay(attempt)
	L_debug("mcp: reconnect scheduled", "server", conn.server.Name, "attempt", attempt+1, "delay", delay)

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}
	m.registry.connect(ctx, conn)
	if conn.state == StateConnected {
		m.registry.RefreshTools(ctx)
	}
}

// reconnectDelay is base*2^attempt capped at backoffCap, with ±10% jitter.
func reconnectDelay(attempt int) time.Duration {
	delay := backoffBase
	for i := 0; i < attempt && delay < backoffCap; i++ {
		delay *= 2
	}
	if delay > backoffCap {
		delay = backoffCap
	}
	jitter := time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
	return delay + jitter
}
