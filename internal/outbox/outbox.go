// Package outbox is the bounded FIFO between the polling loop and the chat
// delivery worker.
//
// The polling loop is the producer and must never block on delivery, so
// Enqueue drops the message when the queue is full and counts the drop.
// The delivery worker is the consumer and drains with TryDequeue.
package outbox

import (
	"log/slog"
	"sync/atomic"
)

// Kind says how the delivery worker should route a message.
type Kind int

const (
	// KindAlert is a new chat message for a significant counter change.
	KindAlert Kind = iota
	// KindStatus replaces the persistent status line.
	KindStatus
	// KindReply answers an inbound command.
	KindReply
)

func (k Kind) String() string {
	switch k {
	case KindAlert:
		return "alert"
	case KindStatus:
		return "status"
	case KindReply:
		return "reply"
	}
	return "unknown"
}

// Message is one unit of outbound chat text.
type Message struct {
	Kind      Kind
	Text      string
	Formatted bool // render markup; false sends plain text
}

// Queue is a bounded, drop-on-full FIFO. Safe for concurrent use.
type Queue struct {
	ch      chan Message
	dropped atomic.Uint64
	logger  *slog.Logger
}

// DefaultSize is the queue capacity when none is configured.
const DefaultSize = 10

// New creates a queue holding at most size messages.
func New(size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{ch: make(chan Message, size), logger: logger}
}

// Enqueue adds m without blocking. It reports false if the queue was full
// and m was dropped.
func (q *Queue) Enqueue(m Message) bool {
	select {
	case q.ch <- m:
		return true
	default:
		n := q.dropped.Add(1)
		q.logger.Warn("outbox full, dropping message", "kind", m.Kind.String(), "dropped_total", n)
		return false
	}
}

// TryDequeue returns the oldest message, or false if the queue is empty.
func (q *Queue) TryDequeue() (Message, bool) {
	select {
	case m := <-q.ch:
		return m, true
	default:
		return Message{}, false
	}
}

// C exposes the receive side for select loops.
func (q *Queue) C() <-chan Message {
	return q.ch
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Dropped returns how many messages have been discarded since creation.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}
