package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"countersync/internal/outbox"
)

// WorkerConfig configures the delivery worker.
type WorkerConfig struct {
	Chat        Chat
	Outbox      *outbox.Queue
	Interpreter *Interpreter  // optional; nil disables inbound commands
	State       *StateManager // optional; persists status ref and cursor

	// AuthorizedUser is the only sender whose messages are interpreted.
	AuthorizedUser string

	DrainInterval   time.Duration // default 100ms
	CommandInterval time.Duration // default 2s

	// StartupText is posted once when the worker starts ("" to skip).
	StartupText string

	Logger *slog.Logger
}

// Worker drains the outbox to chat and polls chat for commands. It owns
// every chat network call so the polling loop never blocks on delivery.
type Worker struct {
	cfg WorkerConfig

	status *MessageRef
	cursor string
}

// NewWorker creates a delivery worker.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 100 * time.Millisecond
	}
	if cfg.CommandInterval <= 0 {
		cfg.CommandInterval = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	w := &Worker{cfg: cfg}
	if cfg.State != nil {
		if ref, ok := cfg.State.GetStatusMessage(); ok {
			w.status = &ref
		}
		w.cursor = cfg.State.GetLastInboundTS()
	}
	return w
}

// Run delivers and polls until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	if w.cfg.StartupText != "" {
		if _, err := w.cfg.Chat.Send(ctx, w.cfg.StartupText, false); err != nil {
			w.cfg.Logger.Warn("startup message failed", "error", err)
		}
	}
	if w.cursor == "" {
		// Don't replay channel history from before this process existed.
		w.cursor = slackTimestamp(time.Now())
	}

	w.cfg.Logger.Info("delivery worker started",
		"drain_interval", w.cfg.DrainInterval,
		"command_interval", w.cfg.CommandInterval,
		"commands", w.cfg.Interpreter != nil)

	drain := time.NewTicker(w.cfg.DrainInterval)
	defer drain.Stop()
	commands := time.NewTicker(w.cfg.CommandInterval)
	defer commands.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-drain.C:
			w.DrainOnce(ctx)
		case <-commands.C:
			w.PollCommands(ctx)
		}
	}
}

// DrainOnce delivers at most one queued message and reports whether one
// was taken from the queue.
func (w *Worker) DrainOnce(ctx context.Context) bool {
	m, ok := w.cfg.Outbox.TryDequeue()
	if !ok {
		return false
	}
	switch m.Kind {
	case outbox.KindStatus:
		w.updateStatus(ctx, m.Text)
	default:
		if _, err := w.cfg.Chat.Send(ctx, m.Text, m.Formatted); err != nil {
			w.cfg.Logger.Warn("chat delivery failed", "kind", m.Kind.String(), "error", err)
		}
	}
	return true
}

// updateStatus edits the persistent status message, posting a new one if
// there is none or the old one can no longer be edited.
func (w *Worker) updateStatus(ctx context.Context, text string) {
	if w.status != nil {
		if w.status.LastText == text {
			return
		}
		err := w.cfg.Chat.Update(ctx, *w.status, text, false)
		if err == nil {
			w.status.LastText = text
			w.persistStatus()
			return
		}
		w.cfg.Logger.Warn("status message update failed, posting new", "ts", w.status.Timestamp, "error", err)
	}

	ref, err := w.cfg.Chat.Send(ctx, text, false)
	if err != nil {
		w.cfg.Logger.Warn("status message post failed", "error", err)
		return
	}
	ref.LastText = text
	w.status = &ref
	w.persistStatus()
}

func (w *Worker) persistStatus() {
	if w.cfg.State == nil || w.status == nil {
		return
	}
	if err := w.cfg.State.SetStatusMessage(*w.status); err != nil {
		w.cfg.Logger.Warn("failed to persist status message", "error", err)
	}
}

// PollCommands fetches new inbound messages and feeds the authorized
// sender's text to the interpreter.
func (w *Worker) PollCommands(ctx context.Context) {
	if w.cfg.Interpreter == nil {
		return
	}
	msgs, err := w.cfg.Chat.Receive(ctx, w.cursor)
	if err != nil {
		w.cfg.Logger.Warn("inbound poll failed", "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	for _, m := range msgs {
		w.cursor = m.Timestamp
		if m.SenderID != w.cfg.AuthorizedUser {
			w.cfg.Logger.Debug("ignoring message from unauthorized sender", "sender", m.SenderID)
			continue
		}
		w.cfg.Interpreter.Handle(ctx, m.Text)
	}

	if w.cfg.State != nil {
		if err := w.cfg.State.SetLastInboundTS(w.cursor); err != nil {
			w.cfg.Logger.Warn("failed to persist inbound cursor", "error", err)
		}
	}
}

func slackTimestamp(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}
