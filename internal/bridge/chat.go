package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// InboundMessage is one chat message addressed to the bot.
type InboundMessage struct {
	SenderID  string
	Text      string
	Timestamp string // ordering cursor
}

// Chat is the chat transport used by the delivery worker.
type Chat interface {
	// Send posts a new message and returns its reference.
	Send(ctx context.Context, text string, formatted bool) (MessageRef, error)
	// Update edits a previously posted message in place.
	Update(ctx context.Context, ref MessageRef, text string, formatted bool) error
	// Receive returns human messages newer than since, oldest first.
	Receive(ctx context.Context, since string) ([]InboundMessage, error)
}

// SlackChat implements Chat on one Slack channel.
type SlackChat struct {
	api     *slack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackChat creates a Slack transport bound to channel.
func NewSlackChat(api *slack.Client, channel string, logger *slog.Logger) *SlackChat {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackChat{api: api, channel: channel, logger: logger}
}

func messageOptions(text string, formatted bool) []slack.MsgOption {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if !formatted {
		opts = append(opts, slack.MsgOptionDisableMarkdown())
	}
	return opts
}

// Send posts text to the channel.
func (s *SlackChat) Send(ctx context.Context, text string, formatted bool) (MessageRef, error) {
	channelID, ts, err := s.api.PostMessageContext(ctx, s.channel, messageOptions(text, formatted)...)
	if err != nil {
		return MessageRef{}, fmt.Errorf("post message: %w", err)
	}
	return MessageRef{ChannelID: channelID, Timestamp: ts, LastText: text}, nil
}

// Update edits ref in place.
func (s *SlackChat) Update(ctx context.Context, ref MessageRef, text string, formatted bool) error {
	_, _, _, err := s.api.UpdateMessageContext(ctx, ref.ChannelID, ref.Timestamp, messageOptions(text, formatted)...)
	if err != nil {
		return fmt.Errorf("update message %s: %w", ref.Timestamp, err)
	}
	return nil
}

// Receive reads channel history after since. Bot posts (including our own
// alerts) and message edits are skipped.
func (s *SlackChat) Receive(ctx context.Context, since string) ([]InboundMessage, error) {
	resp, err := s.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: s.channel,
		Oldest:    since,
		Limit:     50,
	})
	if err != nil {
		return nil, fmt.Errorf("conversation history: %w", err)
	}

	// History is newest first.
	out := make([]InboundMessage, 0, len(resp.Messages))
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		m := resp.Messages[i]
		if m.BotID != "" || m.SubType != "" {
			continue
		}
		out = append(out, InboundMessage{SenderID: m.User, Text: m.Text, Timestamp: m.Timestamp})
	}
	return out, nil
}
