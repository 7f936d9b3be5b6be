package engine

import (
	"context"
	"log/slog"
	"time"

	"countersync/internal/counters"
)

// Fetcher produces a snapshot for a scope.
type Fetcher interface {
	Fetch(ctx context.Context, groupID uint32) counters.Snapshot
}

// Publisher mirrors snapshots and alerts to an event bus. Publishing is
// best-effort and must not block the loop for long.
type Publisher interface {
	PublishSnapshot(ctx context.Context, groupID uint32, s counters.Snapshot)
	PublishAlert(ctx context.Context, a Alert)
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	Fetcher   Fetcher
	Cache     *Cache
	Scope     *Scope
	Notifier  *Notifier
	Publisher Publisher // optional

	// TickInterval is how often the loop asks the cache whether a fetch is
	// due (default 1s). The cache's intervals govern actual fetch cadence.
	TickInterval time.Duration

	Logger *slog.Logger
}

// Poller is the single scheduling loop: tick, check due, fetch, record,
// notify. A fetch blocks the loop for its duration.
type Poller struct {
	cfg PollerConfig
}

// NewPoller creates a polling loop.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poller{cfg: cfg}
}

// Run ticks until ctx is canceled.
func (p *Poller) Run(ctx context.Context) error {
	p.cfg.Logger.Info("counter poller started",
		"tick", p.cfg.TickInterval,
		"poll_interval", p.cfg.Cache.cfg.PollInterval,
		"retry_floor", p.cfg.Cache.cfg.RetryFloor,
		"group_id", p.cfg.Scope.Group())

	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	p.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one scheduling step and reports whether a fetch was recorded.
func (p *Poller) Tick(ctx context.Context) bool {
	if !p.cfg.Cache.ShouldFetch(ctx) {
		return false
	}

	gen := p.cfg.Cache.Generation()
	groupID := p.cfg.Scope.Group()

	snap := p.cfg.Fetcher.Fetch(ctx, groupID)

	prev, accepted := p.cfg.Cache.Record(snap, gen)
	if !accepted {
		return false
	}
	if !snap.Valid {
		p.cfg.Logger.Warn("counter fetch failed, will retry after floor",
			"retry_floor", p.cfg.Cache.cfg.RetryFloor)
	}

	alerts := p.cfg.Notifier.Observe(ctx, prev, snap, groupID)

	if p.cfg.Publisher != nil {
		p.cfg.Publisher.PublishSnapshot(ctx, groupID, snap)
		for _, a := range alerts {
			p.cfg.Publisher.PublishAlert(ctx, a)
		}
	}
	return true
}
