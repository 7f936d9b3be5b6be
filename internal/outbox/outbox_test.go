package outbox

import (
	"log/slog"
	"sync"
	"testing"
)

func TestQueue_FIFO(t *testing.T) {
	q := New(3, slog.Default())

	q.Enqueue(Message{Kind: KindAlert, Text: "a"})
	q.Enqueue(Message{Kind: KindStatus, Text: "b"})
	q.Enqueue(Message{Kind: KindReply, Text: "c"})

	for _, want := range []string{"a", "b", "c"} {
		m, ok := q.TryDequeue()
		if !ok {
			t.Fatalf("expected message %q, queue empty", want)
		}
		if m.Text != want {
			t.Errorf("got %q, want %q", m.Text, want)
		}
	}
	if _, ok := q.TryDequeue(); ok {
		t.Error("expected empty queue")
	}
}

func TestQueue_DropsWhenFull(t *testing.T) {
	q := New(2, slog.Default())

	if !q.Enqueue(Message{Text: "1"}) || !q.Enqueue(Message{Text: "2"}) {
		t.Fatal("expected first two enqueues to succeed")
	}
	if q.Enqueue(Message{Text: "3"}) {
		t.Error("expected enqueue on full queue to report drop")
	}
	if q.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", q.Dropped())
	}
	if q.Len() != 2 {
		t.Errorf("Len = %d, want 2", q.Len())
	}

	// The oldest messages survive; the newest is the one lost.
	m, _ := q.TryDequeue()
	if m.Text != "1" {
		t.Errorf("head = %q, want 1", m.Text)
	}
}

func TestQueue_DefaultSize(t *testing.T) {
	q := New(0, nil)
	if q.Cap() != DefaultSize {
		t.Errorf("Cap = %d, want %d", q.Cap(), DefaultSize)
	}
}

func TestQueue_ConcurrentProducerConsumer(t *testing.T) {
	q := New(4, slog.Default())
	const total = 1000

	var wg sync.WaitGroup
	wg.Add(1)
	accepted := 0
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			if q.Enqueue(Message{Text: "x"}) {
				accepted++
			}
		}
	}()

	received := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		if _, ok := q.TryDequeue(); ok {
			received++
			continue
		}
		select {
		case <-done:
			for {
				if _, ok := q.TryDequeue(); !ok {
					break
				}
				received++
			}
			if received != accepted {
				t.Errorf("received %d, accepted %d", received, accepted)
			}
			if uint64(total-accepted) != q.Dropped() {
				t.Errorf("dropped %d, want %d", q.Dropped(), total-accepted)
			}
			return
		default:
		}
	}
}

func TestKind_String(t *testing.T) {
	if KindStatus.String() != "status" || Kind(99).String() != "unknown" {
		t.Error("unexpected Kind strings")
	}
}
