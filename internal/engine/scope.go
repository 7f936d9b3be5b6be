package engine

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Invalidator is the cache operation a scope change triggers.
type Invalidator interface {
	ForceUpdate()
}

// Scope owns the selected group. 0 means global.
type Scope struct {
	group  atomic.Uint32
	cache  Invalidator
	logger *slog.Logger

	mu        sync.Mutex
	listeners []func(groupID uint32)
}

// NewScope creates a scope starting at initial (0 for global).
func NewScope(cache Invalidator, initial uint32, logger *slog.Logger) *Scope {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scope{cache: cache, logger: logger}
	s.group.Store(initial)
	return s
}

// Group returns the selected group id, 0 when global.
func (s *Scope) Group() uint32 {
	return s.group.Load()
}

// SetGroup selects a group and invalidates the cache. SetGroup(0) is the
// same as ClearGroup.
func (s *Scope) SetGroup(id uint32) {
	old := s.group.Swap(id)
	// The new group must be visible before the cache generation moves.
	s.cache.ForceUpdate()
	s.logger.Info("scope changed", "group_id", id, "previous_group_id", old)

	s.mu.Lock()
	listeners := append([]func(uint32){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(id)
	}
}

// ClearGroup switches back to global scope.
func (s *Scope) ClearGroup() {
	s.SetGroup(0)
}

// OnChange registers fn to run after every scope change.
func (s *Scope) OnChange(fn func(groupID uint32)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// EngagedFlag is the externally set "user is actively working" signal that
// turns rate-limited alerts into advisory ones. Safe for concurrent use.
type EngagedFlag struct {
	v atomic.Bool
}

// Set updates the flag.
func (f *EngagedFlag) Set(engaged bool) { f.v.Store(engaged) }

// Engaged reports the current value.
func (f *EngagedFlag) Engaged() bool { return f.v.Load() }
