// Package health tracks rolling error counts per capability (OrderApi,
// AccountApi, PriceSource, ...) so an operator can poll which upstream
// dependency is currently degraded.
package health

import (
	"sync"
	"time"

	"github.com/openalpha/ladder-mm/internal/core"
)

const (
	defaultCapacity = 1000
	defaultWindow   = 5 * time.Minute
	defaultThreshold = 50
)

// Status is a point-in-time read of one capability's rolling error count.
type Status struct {
	Healthy    bool
	ErrorCount int
}

type capability struct {
	mu         sync.Mutex
	timestamps []time.Time // ring buffer
	index      int
	capacity   int
	threshold  int
	window     time.Duration
}

func newCapability(capacity, threshold int, window time.Duration) *capability {
	return &capability{
		timestamps: make([]time.Time, 0, capacity),
		capacity:   capacity,
		threshold:  threshold,
		window:     window,
	}
}

func (c *capability) recordError(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timestamps) < c.capacity {
		c.timestamps = append(c.timestamps, now)
		return
	}
	c.timestamps[c.index] = now
	c.index = (c.index + 1) % c.capacity
}

func (c *capability) recentErrorCount(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := now.Add(-c.window)
	count := 0
	for _, ts := range c.timestamps {
		if ts.After(cutoff) {
			count++
		}
	}
	return count
}

func (c *capability) status(now time.Time) Status {
	errCount := c.recentErrorCount(now)
	return Status{Healthy: errCount <= c.threshold, ErrorCount: errCount}
}

// Manager aggregates rolling error counts across registered capabilities.
type Manager struct {
	logger core.ILogger

	mu           sync.RWMutex
	capabilities map[string]*capability
}

// New creates a Manager. Capabilities are created lazily on the first
// RecordError or Status call naming them, with the default ring buffer
// capacity (1000), window (5m) and unhealthy threshold (50 errors/window).
func New(logger core.ILogger) *Manager {
	return &Manager{
		logger:       logger.WithField("component", "health_manager"),
		capabilities: make(map[string]*capability),
	}
}

func (m *Manager) get(name string) *capability {
	m.mu.RLock()
	c, ok := m.capabilities[name]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.capabilities[name]; ok {
		return c
	}
	c = newCapability(defaultCapacity, defaultThreshold, defaultWindow)
	m.capabilities[name] = c
	return c
}

// RecordError appends an error observation for the named capability at now.
func (m *Manager) RecordError(name string, now time.Time) {
	c := m.get(name)
	c.recordError(now)
	if status := c.status(now); !status.Healthy {
		m.logger.Warn("capability unhealthy", "capability", name, "error_count", status.ErrorCount)
	}
}

// RecordSuccess is a no-op hook kept for symmetry with RecordError; errors
// age out of the rolling window on their own, so successes need not be
// tracked to recover a capability's health.
func (m *Manager) RecordSuccess(name string) {}

// Status reports the current rolling status of one capability. An
// unregistered capability is reported healthy with a zero error count.
func (m *Manager) Status(name string, now time.Time) Status {
	return m.get(name).status(now)
}

// Snapshot reports the current status of every capability that has
// recorded at least one error or been queried through Status so far.
func (m *Manager) Snapshot(now time.Time) map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.capabilities))
	for name, c := range m.capabilities {
		out[name] = c.status(now)
	}
	return out
}

// IsHealthy reports whether every tracked capability is within its
// error-rate threshold.
func (m *Manager) IsHealthy(now time.Time) bool {
	for _, status := range m.Snapshot(now) {
		if !status.Healthy {
			return false
		}
	}
	return true
}
