package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"countersync/internal/outbox"
)

// mockChat implements Chat for testing.
type mockChat struct {
	mu        sync.Mutex
	sent      []string
	formatted []bool
	updates   []string
	updateErr error
	inbound   []InboundMessage
	sinces    []string
	nextTS    int
}

func (m *mockChat) Send(_ context.Context, text string, formatted bool) (MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, text)
	m.formatted = append(m.formatted, formatted)
	m.nextTS++
	return MessageRef{ChannelID: "C1", Timestamp: fmt.Sprintf("%d.0", m.nextTS), LastText: text}, nil
}

func (m *mockChat) Update(_ context.Context, ref MessageRef, text string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updates = append(m.updates, ref.Timestamp+"="+text)
	return nil
}

func (m *mockChat) Receive(_ context.Context, since string) ([]InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinces = append(m.sinces, since)
	msgs := m.inbound
	m.inbound = nil
	return msgs, nil
}

func (m *mockChat) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func TestWorker_DeliversAlertsInOrder(t *testing.T) {
	chat := &mockChat{}
	q := outbox.New(8, slog.Default())
	w := NewWorker(WorkerConfig{Chat: chat, Outbox: q, Logger: slog.Default()})

	q.Enqueue(outbox.Message{Kind: outbox.KindAlert, Text: "one", Formatted: true})
	q.Enqueue(outbox.Message{Kind: outbox.KindReply, Text: "two"})

	for w.DrainOnce(context.Background()) {
	}
	if len(chat.sent) != 2 || chat.sent[0] != "one" || chat.sent[1] != "two" {
		t.Fatalf("sent = %v", chat.sent)
	}
	if !chat.formatted[0] || chat.formatted[1] {
		t.Errorf("formatted flags = %v", chat.formatted)
	}
}

func TestWorker_StatusEditedInPlace(t *testing.T) {
	chat := &mockChat{}
	q := outbox.New(8, slog.Default())
	sm := newTestStateManager(t)
	w := NewWorker(WorkerConfig{Chat: chat, Outbox: q, State: sm})

	q.Enqueue(outbox.Message{Kind: outbox.KindStatus, Text: "s1"})
	q.Enqueue(outbox.Message{Kind: outbox.KindStatus, Text: "s1"})
	q.Enqueue(outbox.Message{Kind: outbox.KindStatus, Text: "s2"})
	for w.DrainOnce(context.Background()) {
	}

	if len(chat.sent) != 1 {
		t.Errorf("status posts = %d, want 1", len(chat.sent))
	}
	if len(chat.updates) != 1 || chat.updates[0] != "1.0=s2" {
		t.Errorf("updates = %v, want [1.0=s2]", chat.updates)
	}
	ref, ok := sm.GetStatusMessage()
	if !ok || ref.Timestamp != "1.0" || ref.LastText != "s2" {
		t.Errorf("persisted status = %+v", ref)
	}

	// A restarted worker keeps editing the same message.
	w2 := NewWorker(WorkerConfig{Chat: chat, Outbox: q, State: sm})
	q.Enqueue(outbox.Message{Kind: outbox.KindStatus, Text: "s3"})
	w2.DrainOnce(context.Background())
	if len(chat.sent) != 1 || chat.updates[len(chat.updates)-1] != "1.0=s3" {
		t.Errorf("after restart: sent=%v updates=%v", chat.sent, chat.updates)
	}
}

func TestWorker_StatusRepostsWhenEditFails(t *testing.T) {
	chat := &mockChat{}
	q := outbox.New(8, slog.Default())
	w := NewWorker(WorkerConfig{Chat: chat, Outbox: q})

	q.Enqueue(outbox.Message{Kind: outbox.KindStatus, Text: "s1"})
	w.DrainOnce(context.Background())

	chat.updateErr = errors.New("message_not_found")
	q.Enqueue(outbox.Message{Kind: outbox.KindStatus, Text: "s2"})
	w.DrainOnce(context.Background())

	if len(chat.sent) != 2 || chat.sent[1] != "s2" {
		t.Errorf("sent = %v, want repost of s2", chat.sent)
	}
}

func TestWorker_PollCommandsFiltersSender(t *testing.T) {
	chat := &mockChat{inbound: []InboundMessage{
		{SenderID: "U_OTHER", Text: "253", Timestamp: "10.0"},
		{SenderID: "U_ME", Text: "77", Timestamp: "11.0"},
	}}
	q := outbox.New(8, slog.Default())
	scope := &mockScope{}
	sm := newTestStateManager(t)
	in := NewInterpreter(InterpreterConfig{Scope: scope, Outbox: q})
	w := NewWorker(WorkerConfig{Chat: chat, Outbox: q, Interpreter: in, State: sm, AuthorizedUser: "U_ME"})
	w.cursor = "9.0"

	w.PollCommands(context.Background())

	if len(scope.sets) != 1 || scope.sets[0] != 77 {
		t.Errorf("scope changes = %v, want [77]", scope.sets)
	}
	if sm.GetLastInboundTS() != "11.0" {
		t.Errorf("cursor = %q, want 11.0", sm.GetLastInboundTS())
	}

	w.PollCommands(context.Background())
	if chat.sinces[1] != "11.0" {
		t.Errorf("second poll since = %q, want 11.0", chat.sinces[1])
	}
}

func TestWorker_RunPostsStartupAndDrains(t *testing.T) {
	chat := &mockChat{}
	q := outbox.New(8, slog.Default())
	w := NewWorker(WorkerConfig{
		Chat:            chat,
		Outbox:          q,
		StartupText:     "countersync connected",
		DrainInterval:   time.Millisecond,
		CommandInterval: time.Hour,
	})
	q.Enqueue(outbox.Message{Kind: outbox.KindAlert, Text: "alert"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for chat.sentCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	chat.mu.Lock()
	defer chat.mu.Unlock()
	if len(chat.sent) != 2 || chat.sent[0] != "countersync connected" || chat.sent[1] != "alert" {
		t.Errorf("sent = %v", chat.sent)
	}
}

func TestSlackTimestamp(t *testing.T) {
	ts := slackTimestamp(time.Unix(1700000000, 123456000))
	if ts != "1700000000.123456" {
		t.Errorf("slackTimestamp = %q", ts)
	}
}
