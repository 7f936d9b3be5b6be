package counters

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	methodUserCurrent = "user.current"
	methodServerTime  = "server.time"
)

// Session holds the prerequisites every task query needs: the current
// identity and the server's "today". Both are read by the polling loop and
// the command loop concurrently, so each is a single atomically replaced
// value. A failed resolution is never cached; the next caller retries.
type Session struct {
	client   Requester
	now      func() time.Time
	todayTTL time.Duration
	logger   *slog.Logger

	identity atomic.Uint32
	today    atomic.Pointer[todayEntry]
}

type todayEntry struct {
	date      string // YYYY-MM-DD
	fetchedAt time.Time
}

// NewSession creates a session. now defaults to time.Now and todayTTL to 60s.
func NewSession(client Requester, now func() time.Time, todayTTL time.Duration, logger *slog.Logger) *Session {
	if now == nil {
		now = time.Now
	}
	if todayTTL <= 0 {
		todayTTL = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{client: client, now: now, todayTTL: todayTTL, logger: logger}
}

// Identity returns the current user ID, resolving it once via user.current.
func (s *Session) Identity(ctx context.Context) (uint32, bool) {
	if id := s.identity.Load(); id != 0 {
		return id, true
	}
	body := s.client.Request(ctx, methodUserCurrent, nil)
	if body == "" {
		s.logger.Debug("identity resolution failed: empty response")
		return 0, false
	}
	id, ok := extractUserID(body)
	if !ok {
		s.logger.Warn("identity resolution failed: unexpected user.current shape")
		return 0, false
	}
	if s.identity.CompareAndSwap(0, id) {
		s.logger.Info("resolved work API identity", "user_id", id)
	}
	return s.identity.Load(), true
}

// Today returns the server's calendar date, refreshed at most once per TTL.
// The local clock is only used to age the cached value, never as the date.
func (s *Session) Today(ctx context.Context) (string, bool) {
	now := s.now()
	if e := s.today.Load(); e != nil {
		age := now.Sub(e.fetchedAt)
		if age >= 0 && age < s.todayTTL {
			return e.date, true
		}
	}

	body := s.client.Request(ctx, methodServerTime, nil)
	if body == "" {
		return "", false
	}
	date, ok := extractServerDate(body)
	if !ok {
		s.logger.Warn("server.time date format not recognized", "body", truncate(body, 128))
		return "", false
	}
	s.today.Store(&todayEntry{date: date, fetchedAt: now})
	return date, true
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
