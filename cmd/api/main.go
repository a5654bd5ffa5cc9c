package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"cmis-platform-sync/internal/application"
	"cmis-platform-sync/internal/infrastructure/api"
	"cmis-platform-sync/internal/infrastructure/connectors"
	"cmis-platform-sync/internal/infrastructure/encryption"
	"cmis-platform-sync/internal/infrastructure/locks"
	"cmis-platform-sync/internal/infrastructure/metrics"
	"cmis-platform-sync/internal/infrastructure/queue"
	"cmis-platform-sync/internal/infrastructure/ratelimit"
	"cmis-platform-sync/internal/infrastructure/repository"
	"cmis-platform-sync/internal/infrastructure/webhook"

	"cmis-platform-sync/internal/domain"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("No .env file found, using process environment")
	}

	mongoURI := envOr("MONGODB_URI", "mongodb://localhost:27017")
	redisAddr := envOr("REDIS_ADDR", "localhost:6379")
	appURL := envOr("APP_URL", "http://localhost:8080")
	port := envOr("PORT", "8080")

	encryptionKey := os.Getenv("ENCRYPTION_KEY")
	if encryptionKey == "" {
		logger.Fatal().Msg("ENCRYPTION_KEY environment variable is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage.
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to MongoDB")
	}
	defer mongoClient.Disconnect(context.Background())
	db := mongoClient.Database(envOr("MONGODB_DATABASE", "cmis_platform_sync"))

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
	defer redisClient.Close()

	encryptionService, err := encryption.NewService(encryptionKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize encryption service")
	}

	// Repositories.
	integrationRepo := repository.NewMongoIntegrationRepository(db)
	activityRepo := repository.NewMongoActivityRepository(db)
	runRepo := repository.NewMongoSyncRunRepository(db)
	sessionRepo := repository.NewMongoSessionRepository(db)

	// Observability.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Platform connectors.
	limiter := ratelimit.NewLimiter(nil, logger)
	redirectURI := appURL + "/auth/callback"
	connectorRegistry := connectors.NewRegistry(
		connectors.NewMetaConnector(connectors.MetaConfig{
			AppID:       os.Getenv("META_APP_ID"),
			AppSecret:   os.Getenv("META_APP_SECRET"),
			RedirectURI: redirectURI,
			VerifyToken: os.Getenv("META_VERIFY_TOKEN"),
		}, limiter, logger),
		connectors.NewTikTokConnector(connectors.TikTokConfig{
			ClientKey:    os.Getenv("TIKTOK_CLIENT_KEY"),
			ClientSecret: os.Getenv("TIKTOK_CLIENT_SECRET"),
			RedirectURI:  redirectURI,
			VerifyToken:  os.Getenv("TIKTOK_VERIFY_TOKEN"),
		}, limiter, logger),
		connectors.NewLinkedInConnector(connectors.LinkedInConfig{
			ClientID:     os.Getenv("LINKEDIN_CLIENT_ID"),
			ClientSecret: os.Getenv("LINKEDIN_CLIENT_SECRET"),
			RedirectURI:  redirectURI,
			VerifyToken:  os.Getenv("LINKEDIN_VERIFY_TOKEN"),
		}, limiter, logger),
		connectors.NewShopifyConnector(connectors.ShopifyConfig{
			APIKey:    os.Getenv("SHOPIFY_API_KEY"),
			APISecret: os.Getenv("SHOPIFY_API_SECRET"),
		}, logger),
	)

	// Webhook signature verification, one secret per platform. Platforms
	// without a configured secret reject all deliveries.
	verifiers := map[string]*webhook.Verifier{
		domain.PlatformMeta:     webhook.NewVerifier(os.Getenv("META_APP_SECRET")),
		domain.PlatformTikTok:   webhook.NewVerifier(os.Getenv("TIKTOK_CLIENT_SECRET")),
		domain.PlatformLinkedIn: webhook.NewVerifier(os.Getenv("LINKEDIN_WEBHOOK_SECRET")),
		domain.PlatformShopify:  webhook.NewVerifier(os.Getenv("SHOPIFY_WEBHOOK_SECRET")),
	}

	// Application services.
	integrationLocks := locks.NewIntegrationLocks()
	syncQueue := queue.NewRedisQueue(redisClient, logger)
	eventDedup := queue.NewRedisEventDedup(redisClient)

	tokenManager := application.NewTokenManager(
		integrationRepo, connectorRegistry, encryptionService,
		envDuration("TOKEN_REFRESH_LOOKAHEAD", application.DefaultRefreshLookahead), m, logger,
	)
	orchestrator := application.NewSyncOrchestrator(
		syncQueue, integrationRepo, activityRepo, runRepo,
		connectorRegistry, tokenManager, ratelimit.DefaultRetryPolicy(),
		integrationLocks, m, logger,
		application.OrchestratorConfig{Workers: envInt("SYNC_WORKERS", 4)},
	)
	integrationService := application.NewIntegrationService(
		integrationRepo, sessionRepo, connectorRegistry, tokenManager, orchestrator, logger,
	)
	ingestService := application.NewWebhookIngestService(
		integrationRepo, activityRepo, connectorRegistry, verifiers, eventDedup, m, logger,
	)
	statusService := application.NewStatusService(
		integrationRepo, runRepo, tokenManager,
		application.DefaultKindIntervals[domain.KindPost], logger,
	)
	scheduler := application.NewScheduler(integrationRepo, orchestrator, nil, logger)

	// Background workers.
	go func() {
		if err := orchestrator.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("Sync workers stopped")
		}
	}()
	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start scheduler")
	}
	defer scheduler.Stop()

	// HTTP server.
	server := api.NewServer(
		integrationService, statusService, ingestService, activityRepo,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), logger,
	)

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("port", port).Msg("Starting API server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown failed")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
