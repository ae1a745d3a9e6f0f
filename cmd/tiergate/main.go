package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/felipepmaragno/tiergate/internal/alert"
	"github.com/felipepmaragno/tiergate/internal/api"
	"github.com/felipepmaragno/tiergate/internal/auth"
	"github.com/felipepmaragno/tiergate/internal/circuitbreaker"
	"github.com/felipepmaragno/tiergate/internal/config"
	"github.com/felipepmaragno/tiergate/internal/gcpauth"
	"github.com/felipepmaragno/tiergate/internal/ledger"
	"github.com/felipepmaragno/tiergate/internal/provider"
	"github.com/felipepmaragno/tiergate/internal/provider/anthropic"
	"github.com/felipepmaragno/tiergate/internal/provider/bedrock"
	"github.com/felipepmaragno/tiergate/internal/provider/gemini"
	"github.com/felipepmaragno/tiergate/internal/provider/openai"
	"github.com/felipepmaragno/tiergate/internal/quota"
	"github.com/felipepmaragno/tiergate/internal/ratelimit"
	"github.com/felipepmaragno/tiergate/internal/router"
	"github.com/felipepmaragno/tiergate/internal/secrets"
	"github.com/felipepmaragno/tiergate/internal/telemetry"
	"github.com/felipepmaragno/tiergate/internal/tier"
	"github.com/felipepmaragno/tiergate/internal/usageevents"
)

const (
	serviceName = "tiergate"
	version     = "0.1.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting tiergate", "addr", cfg.Addr, "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Version:     version,
		Endpoint:    cfg.OTLPEndpoint,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}

	var awsCfg aws.Config
	if cfg.UsesAWS() {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			slog.Error("failed to load aws config", "error", err)
			os.Exit(1)
		}
	}

	var redisClient *redis.Client
	var checkers []api.HealthChecker
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		checkers = append(checkers, api.NewRedisHealthChecker(redisClient))
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
	}

	var secretStore secrets.SecretStore
	if cfg.ProviderKeysSecret != "" || cfg.VertexServiceAccountSecret != "" {
		secretStore = secrets.NewAWSSecretsManager(awsCfg)
	}

	keys := secrets.ProviderKeys{
		OpenAI:    cfg.OpenAIAPIKey,
		Anthropic: cfg.AnthropicAPIKey,
		Gemini:    cfg.GeminiAPIKey,
		Ledger:    cfg.LedgerAPIKey,
	}
	if cfg.ProviderKeysSecret != "" {
		bundle, err := secrets.LoadProviderKeys(ctx, secretStore, cfg.ProviderKeysSecret)
		if err != nil {
			slog.Error("failed to load provider keys", "secret", cfg.ProviderKeysSecret, "error", err)
			os.Exit(1)
		}
		keys = keys.Merge(bundle)
	}

	// Alerts and usage events
	dedup := alert.Deduplicator(alert.NewInMemoryDeduplicator())
	if redisClient != nil {
		dedup = alert.NewRedisDeduplicator(redisClient, alert.DedupTTL)
	}
	var notifier alert.Notifier = alert.NewInMemoryNotifier()
	if cfg.SNSTopicARN != "" {
		notifier = alert.NewSNSNotifier(awsCfg, cfg.SNSTopicARN)
		slog.Info("publishing alerts to sns", "topic", cfg.SNSTopicARN)
	}
	alerter := alert.New(dedup, notifier, slog.Default())

	var events *usageevents.AsyncPublisher
	if cfg.UsageQueueURL != "" {
		events = usageevents.NewAsyncPublisher(usageevents.NewSQSPublisher(awsCfg, cfg.UsageQueueURL), 1024, slog.Default())
		slog.Info("exporting usage events to sqs", "queue", cfg.UsageQueueURL)
	}

	// Quota
	var store quota.Store = quota.NewInMemoryStore()
	switch {
	case db != nil:
		store = quota.NewPostgresStore(db)
		slog.Info("using postgres usage store")
	case redisClient != nil:
		store = quota.NewRedisStore(redisClient)
		slog.Info("using redis usage store")
	default:
		slog.Info("using in-memory usage store")
	}

	credits, err := newLedger(cfg, db, keys.Ledger)
	if err != nil {
		slog.Error("failed to configure credit ledger", "error", err)
		os.Exit(1)
	}

	engine := quota.NewEngine(store, credits,
		quota.WithIPDailyCeiling(cfg.IPDailyCeiling),
		quota.WithAlerter(alerter),
	)

	var backend ratelimit.RateLimiter = ratelimit.NewInMemoryRateLimiter()
	if redisClient != nil {
		backend = ratelimit.NewRedisRateLimiter(redisClient)
		slog.Info("using redis rate limiter")
	}

	// Upstreams
	providers, err := newProviders(ctx, cfg, keys, awsCfg, secretStore)
	if err != nil {
		slog.Error("failed to configure providers", "error", err)
		os.Exit(1)
	}
	if len(providers) == 0 {
		slog.Error("no providers configured")
		os.Exit(1)
	}

	breakerOpts := []circuitbreaker.ManagerOption{
		circuitbreaker.WithStateListener(func(ctx context.Context, provider string, from, to circuitbreaker.State) {
			slog.Warn("circuit breaker state changed", "provider", provider, "from", from, "to", to)
			switch to {
			case circuitbreaker.StateOpen:
				alerter.ProviderStateChanged(ctx, provider, true)
			case circuitbreaker.StateClosed:
				alerter.ProviderStateChanged(ctx, provider, false)
			}
		}),
	}
	if cfg.UseDistributedCircuitBreaker && redisClient != nil {
		breakerOpts = append(breakerOpts, circuitbreaker.WithFactory(func(provider string, c circuitbreaker.Config) circuitbreaker.CircuitBreaker {
			return circuitbreaker.NewRedis(redisClient, provider, c)
		}))
		slog.Info("using distributed circuit breaker")
	}

	routerOpts := []router.Option{
		router.WithCircuitBreakers(circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), breakerOpts...)),
		router.WithIdleTimeout(cfg.StreamIdleTimeout),
		router.WithBedrock(cfg.BedrockEnabled),
	}
	if a, ok := providers[tier.ProviderAnthropic].(*anthropic.Provider); ok {
		routerOpts = append(routerOpts, router.WithPassthrough(a))
	}

	proxies, err := auth.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		slog.Error("invalid TRUSTED_PROXIES", "error", err)
		os.Exit(1)
	}

	hcfg := api.HandlerConfig{
		Router:      router.New(providers, engine, routerOpts...),
		Engine:      engine,
		Identifier:  auth.NewIdentifier(cfg.AuthJWTSecret, slog.Default(), auth.WithTrustedProxies(proxies)),
		RateLimiter: ratelimit.NewLimiter(backend),
		Admin:       auth.NewAdminAuthenticator(cfg.AdminTokenHash),
		Checkers:    checkers,
		Version:     version,
	}
	if events != nil {
		hcfg.Events = events
	}
	handler := api.NewHandler(hcfg)

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     otelhttp.NewHandler(handler, "tiergate"),
		ReadTimeout: 30 * time.Second,
		// streams can run for minutes; the idle watchdog bounds dead upstreams
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, cfg.DrainTimeout)
	defer drainCancel()
	if events != nil {
		if err := events.Close(drainCtx); err != nil {
			slog.Warn("usage events not fully drained", "error", err)
		}
	}
	alerter.Wait()

	if err := shutdownTracing(drainCtx); err != nil {
		slog.Warn("failed to flush traces", "error", err)
	}

	slog.Info("server stopped")
}

func newLedger(cfg *config.Config, db *sql.DB, apiKey string) (quota.Ledger, error) {
	switch cfg.LedgerBackend {
	case config.LedgerPostgres:
		slog.Info("using postgres credit ledger")
		return ledger.NewPostgresLedger(db), nil
	case config.LedgerMemory:
		slog.Info("using in-memory credit ledger")
		return ledger.NewInMemoryLedger(), nil
	default:
		if cfg.LedgerURL == "" {
			slog.Warn("no credit ledger configured, exhausted callers cannot pay with credits")
			return nil, nil
		}
		slog.Info("using http credit ledger", "url", cfg.LedgerURL)
		return ledger.NewHTTPLedger(cfg.LedgerURL, apiKey), nil
	}
}

func newProviders(ctx context.Context, cfg *config.Config, keys secrets.ProviderKeys, awsCfg aws.Config, store secrets.SecretStore) (map[tier.Provider]provider.Provider, error) {
	providers := make(map[tier.Provider]provider.Provider)

	if keys.OpenAI != "" {
		providers[tier.ProviderOpenAI] = openai.New(keys.OpenAI, cfg.OpenAIBaseURL)
		slog.Info("registered provider", "provider", "openai")
	}

	if keys.Anthropic != "" {
		providers[tier.ProviderAnthropic] = anthropic.New(keys.Anthropic, cfg.AnthropicBaseURL)
		slog.Info("registered provider", "provider", "anthropic")
	}

	if cfg.BedrockEnabled {
		providers[tier.ProviderBedrock] = bedrock.NewWithConfig(awsCfg)
		slog.Info("registered provider", "provider", "bedrock", "region", cfg.AWSRegion)
	}

	gcfg := gemini.Config{
		APIKey:   keys.Gemini,
		BaseURL:  cfg.GeminiBaseURL,
		Project:  cfg.VertexProjectID,
		Location: cfg.VertexLocation,
	}
	if cfg.VertexProjectID != "" {
		sa, err := loadServiceAccount(ctx, cfg, store)
		if err != nil {
			return nil, err
		}
		if sa != nil {
			tokens, err := gcpauth.NewTokenCache(sa, gcpauth.WithLogger(slog.Default().With("component", "gcpauth")))
			if err != nil {
				return nil, err
			}
			gcfg.Tokens = tokens
		}
	}
	if gcfg.Tokens != nil || gcfg.APIKey != "" {
		p := gemini.New(gcfg)
		providers[tier.ProviderGemini] = p
		slog.Info("registered provider", "provider", "gemini", "vertex", p.Vertex())
	}

	return providers, nil
}

func loadServiceAccount(ctx context.Context, cfg *config.Config, store secrets.SecretStore) ([]byte, error) {
	switch {
	case cfg.VertexServiceAccountSecret != "":
		return secrets.LoadServiceAccount(ctx, store, cfg.VertexServiceAccountSecret)
	case cfg.VertexServiceAccountFile != "":
		return os.ReadFile(cfg.VertexServiceAccountFile)
	default:
		return nil, nil
	}
}

func setupLogger(level string) {
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

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
