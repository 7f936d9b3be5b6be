// Package config provides countersync configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds service configuration. Values come from env vars or defaults.
type Config struct {
	// --- Work-tracking service ---

	// WorkAPIBaseURL is the scheme+host of the work-tracking service
	// (env: WORKAPI_BASE_URL), e.g. "https://example.bitrix24.ru".
	WorkAPIBaseURL string

	// WorkAPIWebhookPath is the inbound webhook path that authenticates every
	// call (env: WORKAPI_WEBHOOK_PATH), e.g. "/rest/356/abcdef/".
	// Normalized by NormalizeWebhookPath.
	WorkAPIWebhookPath string

	// WorkAPICredentialsFile is an optional YAML file holding base_url and
	// webhook_path (env: WORKAPI_CREDENTIALS_FILE). When set it overrides the
	// two env vars above and is watched for changes.
	WorkAPICredentialsFile string

	// WorkAPITimeout bounds a single REST call (env: WORKAPI_TIMEOUT). Default: 5s.
	WorkAPITimeout time.Duration

	// --- Polling ---

	// PollInterval is how often a valid snapshot is refreshed (env: POLL_INTERVAL).
	// Default: 30s.
	PollInterval time.Duration

	// RetryFloor is the minimum delay before retrying after a failed fetch
	// (env: RETRY_FLOOR). Default: 30s.
	RetryFloor time.Duration

	// TickInterval is how often the scheduler asks whether a fetch is due
	// (env: TICK_INTERVAL). Default: 1s.
	TickInterval time.Duration

	// TodayTTL bounds how long the server "today" date is reused (env: TODAY_TTL).
	// Default: 60s.
	TodayTTL time.Duration

	// --- Notifications ---

	UnreadDelta   int           // env: NOTIFY_UNREAD_DELTA, default 3
	UnreadWindow  time.Duration // env: NOTIFY_UNREAD_WINDOW, default 5m
	UndoneDelta   int           // env: NOTIFY_UNDONE_DELTA, default 2
	UndoneWindow  time.Duration // env: NOTIFY_UNDONE_WINDOW, default 10m
	ExpiredDelta  int           // env: NOTIFY_EXPIRED_DELTA, default 1
	ExpiredWindow time.Duration // env: NOTIFY_EXPIRED_WINDOW, default 15m

	// --- Slack ---

	// SlackBotToken is the bot OAuth token (env: SLACK_BOT_TOKEN).
	// Empty disables chat delivery; alerts are still computed and logged.
	SlackBotToken string

	// SlackChannel is the channel (or DM) alerts go to and commands come from
	// (env: SLACK_CHANNEL).
	SlackChannel string

	// SlackAuthorizedUser is the only Slack user ID whose messages are
	// interpreted as commands (env: SLACK_AUTHORIZED_USER).
	SlackAuthorizedUser string

	// OutboxSize is the capacity of the outbound message queue (env: OUTBOX_SIZE).
	// Default: 10.
	OutboxSize int

	// DrainInterval is how often the delivery worker drains the queue
	// (env: DRAIN_INTERVAL). Default: 100ms.
	DrainInterval time.Duration

	// CommandPollInterval is how often the delivery worker polls Slack for
	// inbound commands (env: COMMAND_POLL_INTERVAL). Default: 2s.
	CommandPollInterval time.Duration

	// --- NATS (optional) ---

	// NatsURL is the NATS server URL (env: NATS_URL). Empty disables the bus.
	NatsURL string

	// NatsToken is the auth token for NATS (env: NATS_TOKEN).
	NatsToken string

	// NatsSubjectPrefix prefixes every published/subscribed subject
	// (env: NATS_SUBJECT_PREFIX). Default: "countersync".
	NatsSubjectPrefix string

	// --- Leader Election ---

	// LeaderElection enables K8s lease-based leader election (env: ENABLE_LEADER_ELECTION).
	// Only the leader polls and alerts; two pollers would double every alert.
	LeaderElection bool

	// LeaderElectionID is the name of the Lease resource (env: LEADER_ELECTION_ID).
	// Default: "countersync-leader".
	LeaderElectionID string

	// LeaderElectionIdentity is this replica's identity (env: POD_NAME).
	// Default: hostname.
	LeaderElectionIdentity string

	// Namespace is the K8s namespace holding the Lease (env: NAMESPACE).
	Namespace string

	// KubeConfig is the path to a kubeconfig file (env: KUBECONFIG).
	// Empty means in-cluster config.
	KubeConfig string

	// --- Service ---

	// StatePath is where scope and the status message ref are persisted (env: STATE_PATH).
	StatePath string

	// ListenAddr is the HTTP listen address for health and the snapshot API
	// (env: LISTEN_ADDR). Default: ":8093".
	ListenAddr string

	// LogLevel controls log verbosity: debug, info, warn, error (env: LOG_LEVEL).
	LogLevel string
}

// Parse reads configuration from environment variables.
func Parse() *Config {
	return &Config{
		// Work-tracking service
		WorkAPIBaseURL:     strings.TrimRight(os.Getenv("WORKAPI_BASE_URL"), "/"),
		WorkAPIWebhookPath: NormalizeWebhookPath(os.Getenv("WORKAPI_WEBHOOK_PATH")),
		WorkAPITimeout:     envDurationOr("WORKAPI_TIMEOUT", 5*time.Second),

		WorkAPICredentialsFile: os.Getenv("WORKAPI_CREDENTIALS_FILE"),

		// Polling
		PollInterval: envDurationOr("POLL_INTERVAL", 30*time.Second),
		RetryFloor:   envDurationOr("RETRY_FLOOR", 30*time.Second),
		TickInterval: envDurationOr("TICK_INTERVAL", time.Second),
		TodayTTL:     envDurationOr("TODAY_TTL", 60*time.Second),

		// Notifications
		UnreadDelta:   envIntOr("NOTIFY_UNREAD_DELTA", 3),
		UnreadWindow:  envDurationOr("NOTIFY_UNREAD_WINDOW", 5*time.Minute),
		UndoneDelta:   envIntOr("NOTIFY_UNDONE_DELTA", 2),
		UndoneWindow:  envDurationOr("NOTIFY_UNDONE_WINDOW", 10*time.Minute),
		ExpiredDelta:  envIntOr("NOTIFY_EXPIRED_DELTA", 1),
		ExpiredWindow: envDurationOr("NOTIFY_EXPIRED_WINDOW", 15*time.Minute),

		// Slack
		SlackBotToken:       os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannel:        os.Getenv("SLACK_CHANNEL"),
		SlackAuthorizedUser: os.Getenv("SLACK_AUTHORIZED_USER"),
		OutboxSize:          envIntOr("OUTBOX_SIZE", 10),
		DrainInterval:       envDurationOr("DRAIN_INTERVAL", 100*time.Millisecond),
		CommandPollInterval: envDurationOr("COMMAND_POLL_INTERVAL", 2*time.Second),

		// NATS
		NatsURL:           os.Getenv("NATS_URL"),
		NatsToken:         os.Getenv("NATS_TOKEN"),
		NatsSubjectPrefix: envOr("NATS_SUBJECT_PREFIX", "countersync"),

		// Leader Election
		LeaderElection:         envBoolOr("ENABLE_LEADER_ELECTION", false),
		LeaderElectionID:       envOr("LEADER_ELECTION_ID", "countersync-leader"),
		LeaderElectionIdentity: envOr("POD_NAME", hostname()),
		Namespace:              envOr("NAMESPACE", "default"),
		KubeConfig:             os.Getenv("KUBECONFIG"),

		// Service
		StatePath:  envOr("STATE_PATH", "/tmp/countersync-state.json"),
		ListenAddr: envOr("LISTEN_ADDR", ":8093"),
		LogLevel:   envOr("LOG_LEVEL", "info"),
	}
}

// NormalizeWebhookPath cleans up a webhook path that was pasted with its
// protocol and host, and ensures it starts and ends with "/".
//
//	"https://x.bitrix24.ru/rest/1/abc" → "/rest/1/abc/"
//	"rest/1/abc"                      → "/rest/1/abc/"
func NormalizeWebhookPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if i := strings.Index(p, "://"); i >= 0 {
		rest := p[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			p = rest[j:]
		} else {
			p = rest
		}
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
