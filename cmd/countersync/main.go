// Command countersync polls a work-tracking service for a user's unread
// messages and overdue tasks, keeps a cached snapshot, and raises
// rate-limited alerts in a Slack channel.
//
// Subsystems:
//   - Poller: single scheduling loop (fetch, record, notify)
//   - Delivery worker: drains the outbox to Slack and polls for scope commands
//   - NATS bus (optional): mirrors snapshots and alerts, drives the engaged flag
//   - HTTP server: health endpoints and the snapshot/scope API used by csctl
//
// With ENABLE_LEADER_ELECTION set, only the lease holder runs the poller and
// worker so replicas never double-alert.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/slack-go/slack"
	"golang.org/x/sync/errgroup"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"countersync/internal/bridge"
	"countersync/internal/config"
	"countersync/internal/counters"
	"countersync/internal/engine"
	"countersync/internal/outbox"
	"countersync/internal/subscriber"
	"countersync/internal/workapi"
)

var (
	version = "dev"
	commit  = "unknown"
)

const startupText = "countersync connected"

func main() {
	cfg := config.Parse()

	var err error
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting countersync",
		"version", version,
		"commit", commit,
		"workapi", cfg.WorkAPIBaseURL,
		"slack_channel", cfg.SlackChannel,
		"listen_addr", cfg.ListenAddr)

	var creds config.Credentials
	if cfg.WorkAPICredentialsFile != "" {
		creds, err = config.LoadCredentials(cfg.WorkAPICredentialsFile)
		if err != nil {
			logger.Error("failed to load work API credentials", "error", err)
			os.Exit(1)
		}
		cfg.Apply(creds)
	}

	client, err := workapi.New(workapi.Config{
		BaseURL:     cfg.WorkAPIBaseURL,
		WebhookPath: cfg.WorkAPIWebhookPath,
		Timeout:     cfg.WorkAPITimeout,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to create work API client", "error", err)
		os.Exit(1)
	}

	state, err := bridge.NewStateManager(cfg.StatePath)
	if err != nil {
		logger.Error("failed to load state", "path", cfg.StatePath, "error", err)
		os.Exit(1)
	}
	logger.Info("state manager loaded", "path", cfg.StatePath, "group_id", state.GetGroupID())

	svc := build(cfg, client, state, logger)

	if cfg.WorkAPICredentialsFile != "" {
		svc.creds, err = config.NewCredentialsWatcher(cfg.WorkAPICredentialsFile, creds, func(c config.Credentials) {
			client.Reload(c.BaseURL, c.WebhookPath)
			svc.cache.ForceUpdate()
		}, logger)
		if err != nil {
			logger.Warn("credentials file will not be watched", "error", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, version)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !svc.cache.LastValid().Valid {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"not_ready","reason":"no_valid_snapshot"}`)
			return
		}
		fmt.Fprintf(w, `{"status":"ok"}`)
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"version": version,
			"commit":  commit,
			"workapi": cfg.WorkAPIBaseURL,
		})
	})
	svc.api.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("starting HTTP server", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
		}
	}()

	runFn := func(ctx context.Context) {
		if err := svc.run(ctx); err != nil {
			logger.Error("countersync stopped", "error", err)
			os.Exit(1)
		}
	}

	if cfg.LeaderElection {
		k8sClient, err := buildK8sClient(cfg.KubeConfig)
		if err != nil {
			logger.Error("failed to create K8s client", "error", err)
			os.Exit(1)
		}
		runLeaderElection(ctx, logger, cfg, k8sClient, runFn)
	} else {
		runFn(ctx)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", "error", err)
	}
	logger.Info("countersync stopped")
}

// service bundles the wired subsystems.
type service struct {
	cache  *engine.Cache
	scope  *engine.Scope
	api    *engine.API
	poller *engine.Poller
	worker *bridge.Worker
	bus    *subscriber.Bus            // nil when NATS is not configured
	creds  *config.CredentialsWatcher // nil without a credentials file
	logger *slog.Logger
}

// build wires the engine, delivery worker, and optional bus from config.
func build(cfg *config.Config, client *workapi.Client, state *bridge.StateManager, logger *slog.Logger) *service {
	fetcher := counters.New(counters.Config{
		Client:   client,
		TodayTTL: cfg.TodayTTL,
		Logger:   logger,
	})

	cache := engine.NewCache(engine.CacheConfig{
		PollInterval: cfg.PollInterval,
		RetryFloor:   cfg.RetryFloor,
		Connectivity: client,
		Logger:       logger,
	})

	scope := engine.NewScope(cache, state.GetGroupID(), logger)
	scope.OnChange(func(groupID uint32) {
		if err := state.SetGroupID(groupID); err != nil {
			logger.Warn("failed to persist group scope", "group_id", groupID, "error", err)
		}
	})

	engaged := &engine.EngagedFlag{}
	queue := outbox.New(cfg.OutboxSize, logger)

	notifier := engine.NewNotifier(engine.NotifierConfig{
		Unread:    policy(cfg.UnreadDelta, cfg.UnreadWindow),
		Undone:    policy(cfg.UndoneDelta, cfg.UndoneWindow),
		Expired:   policy(cfg.ExpiredDelta, cfg.ExpiredWindow),
		Engaged:   engaged,
		Outbox:    queue,
		GroupName: fetcher.GroupName,
		Logger:    logger,
	})

	svc := &service{
		cache:  cache,
		scope:  scope,
		api:    engine.NewAPI(cache, scope, engaged, logger),
		logger: logger,
	}

	pollerCfg := engine.PollerConfig{
		Fetcher:      fetcher,
		Cache:        cache,
		Scope:        scope,
		Notifier:     notifier,
		TickInterval: cfg.TickInterval,
		Logger:       logger,
	}
	if cfg.NatsURL != "" {
		svc.bus = subscriber.NewBus(subscriber.Config{
			NatsURL:       cfg.NatsURL,
			NatsToken:     cfg.NatsToken,
			SubjectPrefix: cfg.NatsSubjectPrefix,
		}, engaged, logger)
		pollerCfg.Publisher = svc.bus
		logger.Info("NATS bus enabled", "url", cfg.NatsURL, "prefix", cfg.NatsSubjectPrefix)
	}
	svc.poller = engine.NewPoller(pollerCfg)

	var chat bridge.Chat
	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		chat = bridge.NewSlackChat(slack.New(cfg.SlackBotToken), cfg.SlackChannel, logger)
		logger.Info("Slack delivery enabled", "channel", cfg.SlackChannel)
	} else {
		chat = &logChat{logger: logger}
		logger.Warn("SLACK_BOT_TOKEN or SLACK_CHANNEL not set, alerts are logged only")
	}

	var interpreter *bridge.Interpreter
	if cfg.SlackAuthorizedUser != "" {
		interpreter = bridge.NewInterpreter(bridge.InterpreterConfig{
			Scope:  scope,
			Lookup: fetcher,
			Cache:  cache,
			Outbox: queue,
			State:  state,
			Logger: logger,
		})
	} else {
		logger.Warn("SLACK_AUTHORIZED_USER not set, scope commands disabled")
	}

	svc.worker = bridge.NewWorker(bridge.WorkerConfig{
		Chat:            chat,
		Outbox:          queue,
		Interpreter:     interpreter,
		State:           state,
		AuthorizedUser:  cfg.SlackAuthorizedUser,
		DrainInterval:   cfg.DrainInterval,
		CommandInterval: cfg.CommandPollInterval,
		StartupText:     startupText,
		Logger:          logger,
	})

	return svc
}

// policy converts env thresholds to a notifier policy, clamping the delta
// into [1, 65535].
func policy(delta int, window time.Duration) engine.Policy {
	switch {
	case delta < 1:
		delta = 1
	case delta > math.MaxUint16:
		delta = math.MaxUint16
	}
	return engine.Policy{Delta: uint16(delta), Window: window}
}

// run starts every subsystem and blocks until ctx is canceled or one of
// them fails.
func (s *service) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return untilCanceled(gctx, "poller", s.poller.Run(gctx)) })
	g.Go(func() error { return untilCanceled(gctx, "delivery worker", s.worker.Run(gctx)) })

	if s.bus != nil {
		g.Go(func() error {
			if err := s.bus.Start(gctx); err != nil && gctx.Err() == nil {
				s.logger.Error("NATS bus stopped", "error", err)
			}
			return nil
		})
	}
	if s.creds != nil {
		g.Go(func() error { return untilCanceled(gctx, "credentials watcher", s.creds.Run(gctx)) })
	}

	return g.Wait()
}

// untilCanceled drops the error a subsystem returns because its context ended.
func untilCanceled(ctx context.Context, name string, err error) error {
	if err == nil || ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// runLeaderElection starts the leader election loop. Only the leader runs
// runFn. When leadership is lost, the process exits so that Kubernetes
// restarts it and it can rejoin the election.
func runLeaderElection(ctx context.Context, logger *slog.Logger, cfg *config.Config, k8sClient kubernetes.Interface, runFn func(ctx context.Context)) {
	id := cfg.LeaderElectionIdentity
	logger.Info("starting leader election",
		"id", id,
		"lease", cfg.LeaderElectionID,
		"namespace", cfg.Namespace)

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      cfg.LeaderElectionID,
			Namespace: cfg.Namespace,
		},
		Client: k8sClient.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: id,
		},
	}

	leaderelection.RunOrDie(ctx, leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   15 * time.Second,
		RenewDeadline:   10 * time.Second,
		RetryPeriod:     2 * time.Second,
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				logger.Info("elected as leader, starting poller")
				runFn(ctx)
			},
			OnStoppedLeading: func() {
				if ctx.Err() != nil {
					return
				}
				logger.Error("lost leader election, exiting")
				os.Exit(1)
			},
			OnNewLeader: func(identity string) {
				if identity == id {
					return
				}
				logger.Info("new leader elected", "leader", identity)
			},
		},
	})
}

func buildK8sClient(kubeconfig string) (kubernetes.Interface, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("building k8s config: %w", err)
	}
	return kubernetes.NewForConfig(restCfg)
}

// logChat stands in for Slack when no bot token is configured.
type logChat struct {
	logger *slog.Logger
	n      int
}

func (l *logChat) Send(_ context.Context, text string, _ bool) (bridge.MessageRef, error) {
	l.n++
	l.logger.Info("chat message", "text", text)
	return bridge.MessageRef{ChannelID: "log", Timestamp: fmt.Sprintf("%d", l.n), LastText: text}, nil
}

func (l *logChat) Update(_ context.Context, _ bridge.MessageRef, text string, _ bool) error {
	l.logger.Debug("chat status", "text", text)
	return nil
}

func (l *logChat) Receive(context.Context, string) ([]bridge.InboundMessage, error) {
	return nil, nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}
