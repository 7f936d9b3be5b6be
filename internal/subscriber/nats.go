// Package subscriber connects countersync to NATS. It mirrors snapshots and
// alerts onto {prefix}.snapshot and {prefix}.alert, and watches
// {prefix}.engaged to drive the engaged flag.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"countersync/internal/counters"
	"countersync/internal/engine"
)

// Config holds configuration for the bus.
type Config struct {
	// NatsURL is the NATS server URL (e.g., "nats://host:4222").
	NatsURL string

	// NatsToken is the auth token for NATS (optional).
	NatsToken string

	// SubjectPrefix roots every subject (default "countersync").
	SubjectPrefix string

	// Name is the client connection name (default "countersync").
	Name string
}

// EngagedSetter receives engaged flag updates.
type EngagedSetter interface {
	Set(engaged bool)
}

// SnapshotEvent is published on {prefix}.snapshot after every recorded fetch.
type SnapshotEvent struct {
	GroupID  uint32            `json:"group_id"`
	Snapshot counters.Snapshot `json:"snapshot"`
}

// Bus publishes engine output to NATS and applies engaged updates.
type Bus struct {
	cfg     Config
	engaged EngagedSetter
	logger  *slog.Logger

	mu sync.RWMutex
	nc *nats.Conn
}

// NewBus creates a bus. engaged may be nil to ignore the engaged subject.
func NewBus(cfg Config, engaged EngagedSetter, logger *slog.Logger) *Bus {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "countersync"
	}
	if cfg.Name == "" {
		cfg.Name = "countersync"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{cfg: cfg, engaged: engaged, logger: logger}
}

// Subject returns {prefix}.{name}.
func (b *Bus) Subject(name string) string {
	return b.cfg.SubjectPrefix + "." + name
}

// Start keeps a NATS connection open until ctx is canceled, reconnecting
// with exponential backoff when the connection cannot be established or is
// closed for good.
func (b *Bus) Start(ctx context.Context) error {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("bus stopped: %w", ctx.Err())
		default:
		}

		err := b.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("bus stopped: %w", ctx.Err())
			}
			b.logger.Warn("NATS connection error, reconnecting",
				"error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return fmt.Errorf("bus stopped: %w", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		} else {
			backoff = time.Second
		}
	}
}

// connect holds one connection until ctx ends or the client gives up.
func (b *Bus) connect(ctx context.Context) error {
	closed := make(chan struct{})
	var once sync.Once

	opts := []nats.Option{
		nats.Name(b.cfg.Name),
		nats.ClosedHandler(func(*nats.Conn) { once.Do(func() { close(closed) }) }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if b.cfg.NatsToken != "" {
		opts = append(opts, nats.Token(b.cfg.NatsToken))
	}

	nc, err := nats.Connect(b.cfg.NatsURL, opts...)
	if err != nil {
		return fmt.Errorf("NATS connect: %w", err)
	}
	defer nc.Close()

	if b.engaged != nil {
		sub, err := nc.Subscribe(b.Subject("engaged"), b.handleEngaged)
		if err != nil {
			return fmt.Errorf("NATS subscribe: %w", err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	b.setConn(nc)
	defer b.setConn(nil)

	b.logger.Info("NATS bus connected", "url", b.cfg.NatsURL, "prefix", b.cfg.SubjectPrefix)

	select {
	case <-ctx.Done():
		return nil
	case <-closed:
		return errors.New("NATS connection closed")
	}
}

func (b *Bus) setConn(nc *nats.Conn) {
	b.mu.Lock()
	b.nc = nc
	b.mu.Unlock()
}

func (b *Bus) conn() *nats.Conn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nc
}

// PublishSnapshot mirrors a recorded snapshot. Dropped while disconnected.
func (b *Bus) PublishSnapshot(_ context.Context, groupID uint32, s counters.Snapshot) {
	b.publish(b.Subject("snapshot"), SnapshotEvent{GroupID: groupID, Snapshot: s})
}

// PublishAlert mirrors an alert. Dropped while disconnected.
func (b *Bus) PublishAlert(_ context.Context, a engine.Alert) {
	b.publish(b.Subject("alert"), a)
}

func (b *Bus) publish(subject string, v any) {
	nc := b.conn()
	if nc == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Warn("failed to marshal bus event", "subject", subject, "error", err)
		return
	}
	if err := nc.Publish(subject, data); err != nil {
		b.logger.Warn("failed to publish bus event", "subject", subject, "error", err)
	}
}

func (b *Bus) handleEngaged(msg *nats.Msg) {
	engaged, err := ParseEngaged(msg.Data)
	if err != nil {
		b.logger.Debug("skipping malformed engaged message", "subject", msg.Subject, "error", err)
		return
	}
	b.engaged.Set(engaged)
	b.logger.Info("engaged flag set via NATS", "engaged", engaged)
}

// ParseEngaged accepts {"engaged": bool} or a bare true/false, 1/0, on/off.
func ParseEngaged(data []byte) (bool, error) {
	raw := strings.TrimSpace(string(data))
	if strings.HasPrefix(raw, "{") {
		var payload struct {
			Engaged *bool `json:"engaged"`
		}
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return false, fmt.Errorf("decode engaged payload: %w", err)
		}
		if payload.Engaged == nil {
			return false, errors.New("engaged field missing")
		}
		return *payload.Engaged, nil
	}
	switch strings.ToLower(strings.Trim(raw, `"`)) {
	case "true", "1", "on":
		return true, nil
	case "false", "0", "off":
		return false, nil
	}
	return false, fmt.Errorf("unrecognized engaged value %q", raw)
}
