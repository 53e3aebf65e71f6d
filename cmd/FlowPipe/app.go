package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/api"
	"github.com/BTreeMap/FlowPipe/internal/classifier"
	"github.com/BTreeMap/FlowPipe/internal/config"
	"github.com/BTreeMap/FlowPipe/internal/events"
	"github.com/BTreeMap/FlowPipe/internal/execlog"
	"github.com/BTreeMap/FlowPipe/internal/fallback"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/genai"
	"github.com/BTreeMap/FlowPipe/internal/knowledge"
	"github.com/BTreeMap/FlowPipe/internal/lockfile"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/observability"
	"github.com/BTreeMap/FlowPipe/internal/scheduler"
	"github.com/BTreeMap/FlowPipe/internal/session"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/redis/go-redis/v9"
)

const (
	shutdownTimeout = 15 * time.Second
	redisKeyPrefix  = "flowpipe:"
	redisSessionTTL = 7 * 24 * time.Hour
	reloadJobName   = "flow-catalog-reload"
	reloadTimeout   = 30 * time.Second
)

// run wires every component and blocks until SIGINT/SIGTERM or a fatal server error.
func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	shutdownTracing, err := observability.InitTracing(ctx, buildTracingConfig(flags))
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("Tracing shutdown failed", "error", err)
		}
	}()

	st, err := store.New(*flags.appDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	cfgCache := config.NewCache(config.FileLoader(*flags.botConfig), config.DefaultCacheTTL)
	botCfg, err := cfgCache.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to load bot configuration: %w", err)
	}

	catalog := flow.NewCatalog(st)
	n, err := catalog.Reload()
	if err != nil {
		return fmt.Errorf("failed to load flows: %w", err)
	}
	slog.Info("Flows loaded", "count", n)

	completer, err := buildCompleter(flags, botCfg)
	if err != nil {
		return err
	}
	cls := buildClassifier(completer, catalog)

	bus := events.NewChannelBus(watermill.NewSlogLogger(slog.Default()))
	defer bus.Close()
	metrics := events.NewMetrics()
	publisher := events.Multi{bus, metrics, events.SlogPublisher{Logger: slog.Default(), Level: slog.LevelDebug}}

	sessions, closeSessions, err := buildSessions(ctx, flags, st)
	if err != nil {
		return err
	}
	defer closeSessions()

	svc, twilioWebhook, err := buildMessagingService(flags)
	if err != nil {
		return err
	}
	sender := messaging.NewRateLimitedService(svc, DefaultSendRate, DefaultSendBurst)

	deps := flow.Deps{
		Catalog:    catalog,
		Sessions:   sessions,
		Repo:       st,
		Sender:     sender,
		Classifier: cls,
		Logger:     execlog.New(st, publisher),
		Events:     publisher,
		Config:     cfgCache,
	}
	// Assigned only when present so the interfaces stay nil otherwise.
	if completer != nil {
		deps.Completer = completer
		deps.Fallback = fallback.New(fallback.Deps{
			Completer: completer,
			Retriever: knowledge.NewRetriever(st),
			Profiles:  st,
			History:   st,
			Sender:    sender,
			Config:    cfgCache,
		})
	}
	engine := flow.NewEngine(deps)

	handler := messaging.NewResponseHandler(sender, engine,
		messaging.WithDedup(st),
		messaging.WithChannel(*flags.backend),
	)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	handler.Start(ctx)

	sched := scheduler.NewScheduler(scheduler.WithJobTimeout(reloadTimeout))
	if err := sched.AddJob(scheduler.Job{
		Name: reloadJobName,
		Expr: *flags.reloadCron,
		Run: func(context.Context) error {
			_, err := catalog.Reload()
			return err
		},
	}); err != nil {
		return fmt.Errorf("failed to schedule flow reload: %w", err)
	}

	srv := api.NewServer(api.Deps{
		Inbound:       handler,
		Catalog:       catalog,
		Executions:    st,
		Config:        cfgCache,
		Events:        bus,
		Metrics:       metrics.Handler(),
		TwilioWebhook: twilioWebhook,
	})

	addr := *flags.apiAddr
	if addr == "" {
		addr = api.DefaultAddr
	}
	slog.Info("FlowPipe started", "addr", addr, "backend", *flags.backend, "generative", completer != nil)
	runErr := srv.Run(ctx, addr)
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sched.Stop(shutdownCtx); err != nil {
		slog.Warn("Scheduler stop failed", "error", err)
	}
	if err := svc.Stop(); err != nil {
		slog.Warn("Messaging service stop failed", "error", err)
	}
	handler.Wait()

	if runErr != nil && !errors.Is(runErr, http.ErrServerClosed) {
		return runErr
	}
	return nil
}

// buildCompleter returns nil when no API key is configured; generative features are then disabled.
func buildCompleter(flags Flags, cfg *config.Bot) (*genai.Client, error) {
	if *flags.openaiKey == "" {
		slog.Warn("OPENAI_API_KEY not set, generative replies and LLM classification disabled")
		return nil, nil
	}
	opts := []genai.Option{
		genai.WithAPIKey(*flags.openaiKey),
		genai.WithModel(cfg.Model),
		genai.WithTemperature(cfg.Temperature),
		genai.WithMaxTokens(cfg.MaxTokens),
	}
	if *flags.openaiBaseURL != "" {
		opts = append(opts, genai.WithBaseURL(*flags.openaiBaseURL))
	}
	if *flags.genaiDebug {
		opts = append(opts, genai.WithDebugDir(*flags.stateDir))
	}
	client, err := genai.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return client, nil
}

// buildClassifier prefers the model and falls back to keyword rules when it fails.
func buildClassifier(completer *genai.Client, catalog *flow.Catalog) classifier.Classifier {
	keywords := classifier.NewKeywordClassifier()
	if completer == nil {
		return keywords
	}
	llm := classifier.NewLLMClassifier(completer, classifier.WithIntentSource(catalogIntents(catalog)))
	return classifier.WithFallback(llm, keywords)
}

// catalogIntents offers the model the default intents plus those of the currently loaded flows.
func catalogIntents(catalog *flow.Catalog) func() []string {
	return func() []string {
		intents := append([]string(nil), classifier.DefaultIntents...)
		seen := make(map[string]bool, len(intents))
		for _, i := range intents {
			seen[i] = true
		}
		for _, f := range catalog.Flows() {
			for _, i := range f.Intents {
				if !seen[i] {
					seen[i] = true
					intents = append(intents, i)
				}
			}
		}
		return intents
	}
}

// buildSessions keeps sessions in Redis when configured, otherwise in the application database.
func buildSessions(ctx context.Context, flags Flags, st store.Store) (*session.Manager, func(), error) {
	if *flags.redisAddr == "" {
		return session.NewManager(session.NewSQLStore(st)), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: *flags.redisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", *flags.redisAddr, err)
	}
	slog.Info("Using Redis for sessions and contact locks", "addr", *flags.redisAddr)
	mgr := session.NewManager(
		session.NewRedisStore(client, session.WithPrefix(redisKeyPrefix+"session:"), session.WithTTL(redisSessionTTL)),
		session.WithLocker(session.NewRedisLocker(client, redisKeyPrefix)),
	)
	return mgr, func() { client.Close() }, nil
}

// buildMessagingService creates the channel service and, for Twilio, its inbound webhook.
func buildMessagingService(flags Flags) (messaging.Service, http.Handler, error) {
	switch *flags.backend {
	case BackendTwilio:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		return svc, http.HandlerFunc(svc.TwilioWebhookHandler), nil
	case BackendMock:
		slog.Warn("Using mock messaging service, no messages will be delivered")
		return messaging.NewMockService(), nil, nil
	case BackendWhatsApp:
		client, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown messaging backend %q", *flags.backend)
	}
}
