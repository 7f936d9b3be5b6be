package engine

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"countersync/internal/counters"
	"countersync/internal/outbox"
)

// scriptedFetcher returns queued snapshots in order and records the scope
// each fetch ran under. onFetch runs mid-fetch.
type scriptedFetcher struct {
	clock   Clock
	results []counters.Snapshot
	groups  []uint32
	onFetch func()
}

func (f *scriptedFetcher) Fetch(_ context.Context, groupID uint32) counters.Snapshot {
	f.groups = append(f.groups, groupID)
	if f.onFetch != nil {
		f.onFetch()
	}
	var s counters.Snapshot
	if len(f.results) > 0 {
		s, f.results = f.results[0], f.results[1:]
	}
	s.LastUpdate = f.clock.Now()
	return s
}

type recordingPublisher struct {
	mu        sync.Mutex
	snapshots []counters.Snapshot
	alerts    []Alert
}

func (p *recordingPublisher) PublishSnapshot(_ context.Context, _ uint32, s counters.Snapshot) {
	p.mu.Lock()
	p.snapshots = append(p.snapshots, s)
	p.mu.Unlock()
}

func (p *recordingPublisher) PublishAlert(_ context.Context, a Alert) {
	p.mu.Lock()
	p.alerts = append(p.alerts, a)
	p.mu.Unlock()
}

type pollerHarness struct {
	clock   *fakeClock
	cache   *Cache
	scope   *Scope
	fetcher *scriptedFetcher
	pub     *recordingPublisher
	queue   *outbox.Queue
	poller  *Poller
}

func newPollerHarness(results ...counters.Snapshot) *pollerHarness {
	h := &pollerHarness{clock: newFakeClock(), pub: &recordingPublisher{}, queue: outbox.New(32, slog.Default())}
	h.cache = newTestCache(h.clock)
	h.scope = NewScope(h.cache, 0, slog.Default())
	h.fetcher = &scriptedFetcher{clock: h.clock, results: results}
	h.poller = NewPoller(PollerConfig{
		Fetcher:   h.fetcher,
		Cache:     h.cache,
		Scope:     h.scope,
		Notifier:  NewNotifier(NotifierConfig{Clock: h.clock, Outbox: h.queue}),
		Publisher: h.pub,
		Logger:    slog.Default(),
	})
	return h
}

func TestPoller_TickFetchesWhenDue(t *testing.T) {
	h := newPollerHarness(valid(1, 0, 0), valid(1, 0, 0))

	if !h.poller.Tick(context.Background()) {
		t.Fatal("first tick should fetch")
	}
	h.clock.Advance(10 * time.Second)
	if h.poller.Tick(context.Background()) {
		t.Error("tick inside poll interval should not fetch")
	}
	h.clock.Advance(20 * time.Second)
	if !h.poller.Tick(context.Background()) {
		t.Error("tick at poll interval should fetch")
	}
	if len(h.fetcher.groups) != 2 {
		t.Errorf("fetches = %d, want 2", len(h.fetcher.groups))
	}
	if len(h.pub.snapshots) != 2 {
		t.Errorf("published snapshots = %d, want 2", len(h.pub.snapshots))
	}
}

func TestPoller_FailedFetchThrottledByFloor(t *testing.T) {
	h := newPollerHarness(counters.Snapshot{}, counters.Snapshot{})

	h.poller.Tick(context.Background())
	if h.cache.Snapshot().Valid {
		t.Fatal("expected invalid snapshot")
	}
	for i := 0; i < 29; i++ {
		h.clock.Advance(time.Second)
		if h.poller.Tick(context.Background()) {
			t.Fatalf("retried after %ds, before the floor", i+1)
		}
	}
	h.clock.Advance(time.Second)
	if !h.poller.Tick(context.Background()) {
		t.Error("expected retry at the floor")
	}
}

func TestPoller_ScopeChangeDuringFetchDiscardsResult(t *testing.T) {
	h := newPollerHarness(valid(3, 0, 0), valid(4, 0, 0))
	h.fetcher.onFetch = func() {
		h.fetcher.onFetch = nil
		h.scope.SetGroup(253)
	}

	if h.poller.Tick(context.Background()) {
		t.Error("a fetch straddling a scope change must not be recorded")
	}
	if !h.poller.Tick(context.Background()) {
		t.Fatal("expected immediate refetch under the new scope")
	}
	if got := h.fetcher.groups; len(got) != 2 || got[0] != 0 || got[1] != 253 {
		t.Errorf("fetch scopes = %v, want [0 253]", got)
	}
	if h.cache.Snapshot().UnreadMessages != 4 {
		t.Error("expected the second snapshot to be cached")
	}
}

func TestPoller_PublishesAlerts(t *testing.T) {
	h := newPollerHarness(valid(0, 0, 0), valid(2, 0, 0))

	h.poller.Tick(context.Background())
	h.clock.Advance(30 * time.Second)
	h.poller.Tick(context.Background())

	if len(h.pub.alerts) != 1 || h.pub.alerts[0].Metric != MetricUnread {
		t.Errorf("published alerts = %+v", h.pub.alerts)
	}
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	h := newPollerHarness(valid(1, 0, 0))
	h.poller.cfg.TickInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.poller.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
