// Package engine drives counter synchronization: it decides when a fetch
// is due, records snapshots, tracks the query scope, and turns counter
// changes into chat alerts.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"countersync/internal/counters"
)

// Clock abstracts time so tests can drive the scheduler.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock (with Go's monotonic reading).
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// Connectivity reports whether the remote service is reachable at all.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	PollInterval time.Duration // due interval after a valid fetch (default 30s)
	RetryFloor   time.Duration // due interval after a failed fetch (default 30s)
	Clock        Clock
	Connectivity Connectivity // nil means always online
	Logger       *slog.Logger
}

// Cache holds the current snapshot and decides when the next fetch is due.
//
// current is overwritten by every Record, valid or not, so a failed fetch
// still advances LastUpdate and the retry floor throttles the next attempt.
// lastValid is the most recent valid snapshot and is what change detection
// compares against.
type Cache struct {
	cfg CacheConfig

	mu        sync.RWMutex
	current   counters.Snapshot
	lastValid counters.Snapshot
	gen       uint64
}

// NewCache creates an empty, invalid cache; the first ShouldFetch is due.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.RetryFloor <= 0 {
		cfg.RetryFloor = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache{cfg: cfg}
}

// ShouldFetch reports whether a fetch is due now.
func (c *Cache) ShouldFetch(ctx context.Context) bool {
	if c.cfg.Connectivity != nil && !c.cfg.Connectivity.Online(ctx) {
		return false
	}

	c.mu.RLock()
	last, valid := c.current.LastUpdate, c.current.Valid
	c.mu.RUnlock()

	if last.IsZero() {
		return true
	}
	now := c.cfg.Clock.Now()
	if now.Before(last) {
		// Clock went backwards; don't wait out a bogus interval.
		return true
	}
	elapsed := now.Sub(last)
	if valid {
		return elapsed >= c.cfg.PollInterval
	}
	return elapsed >= c.cfg.RetryFloor
}

// Generation identifies the scope epoch. Capture it before a fetch and pass
// it to Record so a fetch that straddles a scope change is discarded.
func (c *Cache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// Record stores s as the current snapshot. It returns the last valid
// snapshot from before this call (zero value on cold start) and whether s
// was accepted. s is rejected only when gen is stale.
func (c *Cache) Record(s counters.Snapshot, gen uint64) (prev counters.Snapshot, accepted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		c.cfg.Logger.Info("discarding snapshot fetched under a previous scope",
			"fetch_generation", gen, "current_generation", c.gen)
		return c.lastValid, false
	}

	prev = c.lastValid
	c.current = s
	if s.Valid {
		c.lastValid = s
	}
	return prev, true
}

// Snapshot returns the most recently recorded snapshot without blocking on
// any fetch. It may be invalid.
func (c *Cache) Snapshot() counters.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// LastValid returns the most recent valid snapshot, or a zero snapshot.
func (c *Cache) LastValid() counters.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastValid
}

// ForceUpdate marks the cache invalid with a zero LastUpdate so the next
// ShouldFetch is due regardless of interval. Counter values are kept for
// readers; an in-flight fetch is discarded when it records.
func (c *Cache) ForceUpdate() {
	c.mu.Lock()
	c.current.Valid = false
	c.current.LastUpdate = time.Time{}
	c.gen++
	c.mu.Unlock()
	c.cfg.Logger.Debug("cache invalidated")
}
