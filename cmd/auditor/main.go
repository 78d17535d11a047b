// Command auditor runs the Sentinel Auditor service: webhook ingress, the
// evaluation pipeline workers and the operator API.
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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/ocx/sentinel-auditor/internal/api"
	"github.com/ocx/sentinel-auditor/internal/circuitbreaker"
	"github.com/ocx/sentinel-auditor/internal/config"
	"github.com/ocx/sentinel-auditor/internal/core"
	"github.com/ocx/sentinel-auditor/internal/database"
	"github.com/ocx/sentinel-auditor/internal/enforcer"
	"github.com/ocx/sentinel-auditor/internal/events"
	"github.com/ocx/sentinel-auditor/internal/infra"
	"github.com/ocx/sentinel-auditor/internal/ledger"
	"github.com/ocx/sentinel-auditor/internal/llm"
	"github.com/ocx/sentinel-auditor/internal/metrics"
	"github.com/ocx/sentinel-auditor/internal/orchestrator"
	"github.com/ocx/sentinel-auditor/internal/ratelimit"
	"github.com/ocx/sentinel-auditor/internal/stages"
	"github.com/ocx/sentinel-auditor/internal/telemetry"
	"github.com/ocx/sentinel-auditor/internal/trace"
	"github.com/ocx/sentinel-auditor/internal/vector"
	"github.com/ocx/sentinel-auditor/internal/webhooks"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	cfg, err := config.LoadConfig(os.Getenv("AUDITOR_CONFIG"))
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("auditor stopped", "error", err)
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	var h slog.Handler
	if cfg.IsProduction() {
		h = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		h = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(h).With("service", cfg.Telemetry.ServiceName))
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName, logger)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	rdb, err := infra.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer rdb.Close()

	keys := ledger.Keys{Namespace: cfg.Redis.Namespace}
	bans := ledger.New(rdb, keys, ledger.PolicyFromConfig(cfg.Enforcement))
	limiter := ratelimit.New(rdb, keys, ratelimit.Config{
		Capacity: cfg.RateLimit.Capacity,
		Window:   cfg.RateLimit.Window(),
		Timeout:  cfg.Enforcement.StoreTimeout(),
	})

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig("upstream"))
	fast := llm.NewChatClient(cfg.Models.Fast, breakers.Get("fast-model"))
	deep := llm.NewChatClient(cfg.Models.HighFidelity, breakers.Get("high-fidelity-model"))

	var supa *database.SupabaseClient
	if cfg.Supabase.URL != "" {
		supa, err = database.NewSupabaseClient(cfg.Supabase.URL, cfg.Supabase.ServiceKey)
		if err != nil {
			return fmt.Errorf("supabase: %w", err)
		}
	}

	var searcher stages.Searcher = unconfiguredIndex{}
	if supa != nil && cfg.Retrieval.EmbeddingEndpoint != "" {
		embedder := vector.NewHTTPEmbedder(cfg.Retrieval.EmbeddingEndpoint, cfg.Retrieval.EmbeddingAPIKey,
			cfg.Retrieval.EmbeddingModel, breakers.Get("embedding"))
		searcher = vector.NewIndex(embedder, supa, cfg.Supabase.MatchFunction, cfg.Retrieval.MatchThreshold)
	} else {
		logger.Warn("policy index not configured, retrieval will run degraded")
	}

	bus, closeBus, err := newEventBus(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	enf := enforcer.New(bans, enforcer.ConfigFrom(cfg.Enforcement), bus, m)

	traces, err := newTraceStore(ctx, cfg, rdb, keys, supa, logger)
	if err != nil {
		return err
	}

	orch := orchestrator.New(orchestrator.Deps{
		Traces:  traces,
		Limiter: limiter,
		Bans:    bans,
		Triage:  stages.NewTriage(fast, cfg.Triage.MaxSearchTerms),
		Retrieval: stages.NewRetrieval(searcher, stages.RetrievalConfig{
			TopK:       cfg.Retrieval.TopK,
			Timeout:    cfg.Retrieval.Timeout(),
			RetryDelay: 200 * time.Millisecond,
		}),
		Judgment:   stages.NewJudgment(fast, cfg.Judgment.UngroundedConfidenceCap),
		Escalation: stages.NewEscalation(deep, cfg.Judgment.UngroundedConfidenceCap),
		Enforcer:   enf,
		Events:     bus,
		Metrics:    m,
	}, orchestrator.Config{
		ConfidenceThreshold: cfg.Judgment.ConfidenceThreshold,
		SkipLowRisk:         cfg.Triage.SkipLowRisk,
		Timeout:             cfg.Server.PipelineTimeout(),
	})

	dispatcher := webhooks.NewDispatcher(orch, cfg.Server.Workers, cfg.Server.QueueSize, m)

	srv := api.NewServer(api.Deps{
		Actors:     bans,
		Pardoner:   enf,
		RateLimits: limiter,
		Traces:     traces,
		Webhook:    webhooks.NewHandler(cfg.Server.WebhookSecret, dispatcher, m),
		Ping:       func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		Gatherer:   reg,
		Events:     bus.EventBus,
		Breakers:   breakers,
		Queue:      dispatcher,
		AdminToken: cfg.Server.AdminToken,
		APIRate:    cfg.Server.APIRequestsPerSecond,
	})
	sweepStop := make(chan struct{})
	defer close(sweepStop)
	go srv.Limiter().Run(sweepStop, time.Minute)

	if p, ok := traces.(trace.Pruner); ok && cfg.Trace.Backend == "postgres" {
		go trace.RunJanitor(ctx, p, cfg.Trace.Retention(), time.Hour)
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the SSE stream is long-lived
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("auditor listening", "port", cfg.Server.Port, "env", cfg.Server.Env,
			"workers", cfg.Server.Workers, "trace_backend", cfg.Trace.Backend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Error("dispatcher shutdown, in-flight events abandoned", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown", "error", err)
	}
	logger.Info("auditor stopped")
	return nil
}

// eventBus pairs the in-process bus used by the SSE stream with the emitter
// handed to the pipeline, which also publishes to Pub/Sub when configured.
type eventBus struct {
	*events.EventBus
	emitter events.EventEmitter
}

func (b *eventBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	b.emitter.Emit(eventType, source, subject, data)
}

func newEventBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*eventBus, func(), error) {
	if cfg.Events.PubSubProject == "" || cfg.Events.PubSubTopic == "" {
		local := events.NewEventBus()
		return &eventBus{EventBus: local, emitter: local}, func() {}, nil
	}

	ps, err := events.NewPubSubEventBus(ctx, cfg.Events.PubSubProject, cfg.Events.PubSubTopic)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub: %w", err)
	}
	logger.Info("publishing auditor events to pubsub", "project", cfg.Events.PubSubProject, "topic", cfg.Events.PubSubTopic)
	closeFn := func() {
		if err := ps.Close(); err != nil {
			logger.Error("pubsub close", "error", err)
		}
	}
	return &eventBus{EventBus: ps.EventBus, emitter: ps}, closeFn, nil
}

func newTraceStore(ctx context.Context, cfg *config.Config, rdb *redis.Client, keys ledger.Keys,
	supa *database.SupabaseClient, logger *slog.Logger) (trace.Store, error) {
	var store trace.Store
	switch cfg.Trace.Backend {
	case "postgres":
		db, err := trace.OpenPostgres(ctx, cfg.Trace.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := trace.Migrate(ctx, db, "up"); err != nil {
			return nil, err
		}
		store = trace.NewPostgresStore(db)
	default:
		store = trace.NewRedisStore(rdb, keys, cfg.Trace.Retention())
	}

	if cfg.Trace.MirrorToSupabase {
		if supa == nil {
			logger.Warn("trace mirror requested without supabase credentials, skipping")
		} else {
			store = trace.NewMirrorStore(store, supa, cfg.Supabase.TraceTable)
		}
	}
	return store, nil
}

// unconfiguredIndex makes retrieval degrade visibly when no policy index is
// wired, instead of reporting an empty policy set.
type unconfiguredIndex struct{}

func (unconfiguredIndex) Search(context.Context, []string, int) ([]core.Policy, error) {
	return nil, errors.New("policy index not configured")
}
