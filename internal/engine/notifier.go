package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"countersync/internal/counters"
	"countersync/internal/outbox"
)

// Metric names a counter that can raise alerts.
type Metric string

const (
	MetricUnread  Metric = "unread"
	MetricUndone  Metric = "undone"
	MetricExpired Metric = "expired" // group-delayed when a group is selected
)

// Policy is the hysteresis and rate limit for one metric.
type Policy struct {
	Delta  uint16        // minimum change since the last alert
	Window time.Duration // minimum time since the last alert
}

// Default policies.
var (
	DefaultUnreadPolicy  = Policy{Delta: 3, Window: 5 * time.Minute}
	DefaultUndonePolicy  = Policy{Delta: 2, Window: 10 * time.Minute}
	DefaultExpiredPolicy = Policy{Delta: 1, Window: 15 * time.Minute}
)

// NotifyState is the per-metric alert memory.
type NotifyState struct {
	LastNotifiedValue uint16    `json:"last_notified_value"`
	LastNotifyAt      time.Time `json:"last_notify_at"`
	Policy            Policy    `json:"-"`
}

// Alert is one queued notification.
type Alert struct {
	Metric    Metric    `json:"metric"`
	Value     uint16    `json:"value"`
	Previous  uint16    `json:"previous"`
	Advisory  bool      `json:"advisory"`
	GroupID   uint32    `json:"group_id,omitempty"`
	GroupName string    `json:"group_name,omitempty"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}

// Enqueuer accepts outbound chat messages without blocking.
type Enqueuer interface {
	Enqueue(m outbox.Message) bool
}

// Engaged reports whether the user is actively working.
type Engaged interface {
	Engaged() bool
}

// NotifierConfig configures a Notifier. Zero policies take the defaults.
type NotifierConfig struct {
	Unread  Policy
	Undone  Policy
	Expired Policy

	Clock   Clock
	Engaged Engaged // nil means never engaged
	Outbox  Enqueuer

	// GroupName resolves a group's display name for expired alerts.
	GroupName func(ctx context.Context, groupID uint32) string

	Logger *slog.Logger
}

// Notifier decides per metric whether a snapshot change warrants an alert
// and keeps the persistent status line current.
type Notifier struct {
	cfg NotifierConfig

	mu        sync.Mutex
	states    map[Metric]*NotifyState
	seeded    bool
	lastGroup uint32
}

// NewNotifier creates a notifier with no history; the first valid snapshot
// seeds it silently.
func NewNotifier(cfg NotifierConfig) *Notifier {
	if cfg.Unread == (Policy{}) {
		cfg.Unread = DefaultUnreadPolicy
	}
	if cfg.Undone == (Policy{}) {
		cfg.Undone = DefaultUndonePolicy
	}
	if cfg.Expired == (Policy{}) {
		cfg.Expired = DefaultExpiredPolicy
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Notifier{
		cfg: cfg,
		states: map[Metric]*NotifyState{
			MetricUnread:  {Policy: cfg.Unread},
			MetricUndone:  {Policy: cfg.Undone},
			MetricExpired: {Policy: cfg.Expired},
		},
	}
}

// State returns a copy of a metric's notify state.
func (n *Notifier) State(m Metric) (NotifyState, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	st, ok := n.states[m]
	if !ok {
		return NotifyState{}, false
	}
	return *st, true
}

// Observe evaluates cur against prev (the last valid snapshot before cur)
// under the given scope. It always enqueues a status line update, enqueues
// any alerts, and returns them.
func (n *Notifier) Observe(ctx context.Context, prev, cur counters.Snapshot, groupID uint32) []Alert {
	n.enqueue(outbox.Message{Kind: outbox.KindStatus, Text: StatusLine(prev, cur, groupID)})

	if !cur.Valid {
		return nil
	}

	alerts := n.evaluate(prev, cur, groupID)

	// The name lookup is a remote call; it runs after the lock is released.
	for i := range alerts {
		a := &alerts[i]
		if a.GroupID != 0 && !a.Advisory && n.cfg.GroupName != nil {
			a.GroupName = n.cfg.GroupName(ctx, a.GroupID)
		}
		a.Text = alertText(*a)
		n.enqueue(outbox.Message{Kind: outbox.KindAlert, Text: a.Text, Formatted: true})
		n.cfg.Logger.Info("counter alert",
			"metric", a.Metric,
			"value", a.Value,
			"previous", a.Previous,
			"advisory", a.Advisory)
	}
	return alerts
}

func (n *Notifier) evaluate(prev, cur counters.Snapshot, groupID uint32) []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.cfg.Clock.Now()

	if !n.seeded || !prev.Valid {
		n.seedLocked(cur, groupID, now)
		n.cfg.Logger.Info("notifier seeded",
			"unread", cur.UnreadMessages, "undone", cur.UndoneTasks, "expired", cur.Headline(groupID))
		return nil
	}

	var alerts []Alert
	if a, ok := n.evaluateLocked(MetricUnread, prev.UnreadMessages, cur.UnreadMessages, now); ok {
		alerts = append(alerts, a)
	}
	if a, ok := n.evaluateLocked(MetricUndone, prev.UndoneTasks, cur.UndoneTasks, now); ok {
		alerts = append(alerts, a)
	}

	if groupID != n.lastGroup {
		// The previous headline was a different scope's figure.
		st := n.states[MetricExpired]
		st.LastNotifiedValue = cur.Headline(groupID)
		st.LastNotifyAt = now
		n.lastGroup = groupID
	} else if a, ok := n.evaluateLocked(MetricExpired, prev.Headline(groupID), cur.Headline(groupID), now); ok {
		a.GroupID = groupID
		alerts = append(alerts, a)
	}
	return alerts
}

func (n *Notifier) seedLocked(cur counters.Snapshot, groupID uint32, now time.Time) {
	n.states[MetricUnread].LastNotifiedValue = cur.UnreadMessages
	n.states[MetricUndone].LastNotifiedValue = cur.UndoneTasks
	n.states[MetricExpired].LastNotifiedValue = cur.Headline(groupID)
	for _, st := range n.states {
		st.LastNotifyAt = now
	}
	n.seeded = true
	n.lastGroup = groupID
}

// evaluateLocked applies the alert rules to one metric. Unchanged values
// never alert. A crossing between zero and non-zero always alerts. Other
// changes alert when both the delta and the window are satisfied; failing
// that, an advisory alert is produced while the user is engaged.
func (n *Notifier) evaluateLocked(m Metric, prev, cur uint16, now time.Time) (Alert, bool) {
	if prev == cur {
		return Alert{}, false
	}
	st := n.states[m]
	a := Alert{Metric: m, Value: cur, Previous: prev, At: now}

	zeroCrossing := (prev == 0) != (cur == 0)
	if zeroCrossing || (absDiff(cur, st.LastNotifiedValue) >= st.Policy.Delta && windowElapsed(st.LastNotifyAt, now, st.Policy.Window)) {
		st.LastNotifiedValue = cur
		st.LastNotifyAt = now
		return a, true
	}

	if n.cfg.Engaged != nil && n.cfg.Engaged.Engaged() {
		a.Advisory = true
		return a, true
	}
	return Alert{}, false
}

func (n *Notifier) enqueue(m outbox.Message) {
	if n.cfg.Outbox == nil {
		return
	}
	n.cfg.Outbox.Enqueue(m)
}

func windowElapsed(last, now time.Time, window time.Duration) bool {
	if now.Before(last) {
		return true
	}
	return now.Sub(last) >= window
}

func absDiff(a, b uint16) uint16 {
	if a > b {
		return a - b
	}
	return b - a
}

var metricLabels = map[Metric]string{
	MetricUnread:  "📨 *Unread Messages",
	MetricUndone:  "📋 *Undone Tasks",
	MetricExpired: "⏰ *Expired Tasks",
}

func alertText(a Alert) string {
	var b strings.Builder
	b.WriteString(metricLabels[a.Metric])
	if a.Advisory {
		b.WriteString(" (suppressed)")
	}
	b.WriteString(":* ")
	b.WriteString(strconv.Itoa(int(a.Value)))
	if !a.Advisory {
		if a.Value > a.Previous {
			b.WriteString(" ⬆️")
		} else {
			b.WriteString(" ⬇️")
		}
		if a.GroupName != "" {
			fmt.Fprintf(&b, "\n📁 *Group:* %s", a.GroupName)
		}
	}
	return b.String()
}

// StatusLine renders the persistent one-line summary: unread dialogs,
// undone tasks and the scope's expired figure. An invalid cur falls back
// to the last valid values, marked stale, only if they were fetched under
// the same scope.
func StatusLine(lastValid, cur counters.Snapshot, groupID uint32) string {
	s, stale := cur, false
	if !cur.Valid {
		if !lastValid.Valid || lastValid.GroupID != groupID {
			return "📌 Work: waiting for data"
		}
		s, stale = lastValid, true
	}
	line := fmt.Sprintf("📌 Work: 📨 %d • 📋 %d • ⏰ %d", s.UnreadMessages, s.UndoneTasks, s.Headline(groupID))
	if groupID != 0 {
		line += fmt.Sprintf(" (group %d)", groupID)
	}
	if stale {
		line += " (stale)"
	}
	return line
}
