/**
 * @description
 * This is the main entry point for the booking-service. It is responsible for
 * initializing all components of the service, including configuration, the database
 * connection pool, the payment gateway and venue clients, message brokers, the
 * application services, the TFC expiry scheduler and the HTTP server. It wires
 * everything together and starts the service.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Webhook de-duplication cache.
 * - github.com/prometheus/client_golang: Service metrics.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/stripeclient, pkg/venueclient: Clients for Stripe and the venue service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/playhive/booking-service/internal/api"
	"github.com/playhive/booking-service/internal/app"
	"github.com/playhive/booking-service/internal/config"
	"github.com/playhive/booking-service/internal/domain"
	"github.com/playhive/booking-service/internal/store"
	"github.com/playhive/booking-service/pkg/logging"
	rmrabbit "github.com/playhive/booking-service/pkg/rabbitmq"
	"github.com/playhive/booking-service/pkg/stripeclient"
	"github.com/playhive/booking-service/pkg/venueclient"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using environment variables")
	}

	// Config warnings go out at the LOG_LEVEL from the environment; the loaded
	// value takes over once config is read.
	logger := logging.NewLoggerWithService("booking-service", os.Getenv("LOG_LEVEL"))

	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".", logger)
	if err != nil {
		logger.WithError(err).Fatal("config load failed")
	}
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))

	bootLog := logger.WithField("component", "bootstrap")
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		bootLog.Fatal("DATABASE_URL must be configured")
	}
	if strings.TrimSpace(cfg.AuthJWTSecret) == "" && strings.TrimSpace(cfg.AuthJWKSURL) == "" {
		bootLog.Fatal("one of AUTH_JWT_SECRET or AUTH_JWKS_URL must be configured")
	}
	if strings.TrimSpace(cfg.StripeWebhookSecret) == "" {
		bootLog.Warn("STRIPE_WEBHOOK_SECRET not configured; every webhook delivery will be rejected")
	}
	bootLog.WithField("port", cfg.ServerPort).Info("starting booking-service")

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		bootLog.WithError(err).Fatal("database url parse failed")
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		bootLog.WithError(err).Fatal("database connection failed")
	}
	defer dbpool.Close()
	bootLog.Info("database connected")

	if cfg.DatabaseAutoMigrate {
		migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
		if err := store.Migrate(migrateCtx, dbpool); err != nil {
			cancelMigrate()
			bootLog.WithError(err).Fatal("schema migration failed")
		}
		cancelMigrate()
		bootLog.Info("schema migrated")
	}

	// Initialize the RabbitMQ producer to publish booking events.
	var publisher rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		bootLog.WithError(err).Warn("rabbitmq producer unavailable; using fallback")
		publisher = &rmrabbit.EventProducerFallback{Logger: logger}
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		bootLog.Info("rabbitmq producer connected")
	}
	notifier := app.NewEventNotifier(publisher, cfg.NotificationExchange, logger)

	// Redis only short-circuits duplicate webhook deliveries. The ledger guards
	// stay authoritative, so the service boots without it.
	var deduper app.EventDeduper
	if cfg.RedisURL == "" {
		bootLog.Warn("redis url missing; webhook de-duplication cache disabled")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			bootLog.WithError(parseErr).Warn("redis url parse failed; webhook de-duplication cache disabled")
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				bootLog.WithError(pingErr).Warn("redis ping failed; webhook de-duplication cache disabled")
				redisClient.Close()
			} else {
				defer redisClient.Close()
				deduper = app.NewRedisEventDeduper(redisClient, cfg.RedisKeyPrefix, cfg.WebhookDedupeTTL())
				bootLog.Info("redis connected")
			}
		}
	}

	// Initialize the client for Stripe.
	stripeClient := stripeclient.NewClient(stripeclient.Config{
		SecretKey:         cfg.StripeSecretKey,
		WebhookSecret:     cfg.StripeWebhookSecret,
		MaxNetworkRetries: cfg.StripeMaxNetworkRetries,
		Logger:            logger,
	})

	// Missing venue-service config should not prevent booking-service from
	// booting; card payments then settle to the platform account.
	var venues app.VenueDirectory
	if strings.TrimSpace(cfg.VenueServiceURL) == "" {
		bootLog.Warn("venue-service client not configured; payouts will route to the platform account")
	} else {
		venues = venueclient.NewClient(cfg.VenueServiceURL, cfg.VenueServiceAPIKey)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := app.NewMetrics(registry)

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)
	authz := app.NewRolePolicy()

	paymentService := app.NewPaymentService(app.PaymentDeps{
		Repo:     repository,
		Gateway:  stripeClient,
		Venues:   venues,
		Notifier: notifier,
		Authz:    authz,
		Metrics:  metrics,
		Logger:   logger,
	}, app.PaymentConfig{
		DefaultCurrency:    cfg.DefaultCurrency,
		PlatformFeePercent: cfg.PlatformFeePercent,
		RefundWindow:       cfg.RefundWindow(),
	})

	tfcManager := app.NewTFCManager(app.TFCDeps{
		Repo:     repository,
		Authz:    authz,
		Notifier: notifier,
		Metrics:  metrics,
		Logger:   logger,
	}, app.TFCConfig{
		DefaultHoldDays: cfg.TFCDefaultHoldDays,
		Instructions:    cfg.TFCPaymentInstructions,
		SweepBatchSize:  cfg.TFCSweepBatchSize,
		CreditValidity:  cfg.WalletCreditValidity(),
	})

	reconciler := app.NewWebhookReconciler(app.WebhookDeps{
		Repo:     repository,
		Verifier: stripeClient,
		Deduper:  deduper,
		Notifier: notifier,
		Metrics:  metrics,
		Logger:   logger,
	}, cfg.WebhookTimeout())

	// Deliveries relayed over the bus go through the same reconciler as direct ones.
	if strings.TrimSpace(cfg.WebhookRelayQueue) != "" {
		relayConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, logger)
		if err != nil {
			bootLog.WithError(err).Fatal("rabbitmq consumer init failed")
		}
		defer relayConsumer.Close()

		relayBindings := map[string]func([]byte) bool{
			domain.WebhookRelayRoutingKey: reconciler.HandleRelayMessage,
		}
		if err := relayConsumer.ConsumeWithBindings(cfg.NotificationExchange, cfg.WebhookRelayQueue, relayBindings); err != nil {
			bootLog.WithError(err).Fatal("webhook relay consumer start failed")
		}
		bootLog.WithField("queue", cfg.WebhookRelayQueue).Info("webhook relay consumer started")
	}

	scheduler := app.NewScheduler(tfcManager, cfg.TFCExpirySchedule, logger)
	if err := scheduler.Start(); err != nil {
		bootLog.WithError(err).Fatal("tfc expiry scheduler start failed")
	}

	// Initialize the API handlers and routes.
	handlers := api.NewHandlers(paymentService, tfcManager, reconciler, logger)
	router := api.BookingRoutes(handlers, api.RouterConfig{
		Auth: api.AuthConfig{
			JWTSecret: cfg.AuthJWTSecret,
			JWKSURL:   cfg.AuthJWKSURL,
			Audience:  cfg.AuthAudience,
			Issuer:    cfg.AuthIssuer,
		},
		AllowedOrigins: cfg.AllowedOrigins(),
		Gatherer:       registry,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpLog := logger.WithField("component", "http")
	go func() {
		httpLog.WithField("addr", serverAddr).Info("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpLog.WithError(err).Fatal("server stopped unexpectedly")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	httpLog.Info("shutdown started")

	// Let an in-flight sweep finish before the pool closes.
	select {
	case <-scheduler.Stop().Done():
	case <-time.After(30 * time.Second):
		logger.WithField("component", "scheduler").Warn("expiry sweep still running at shutdown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		httpLog.WithError(err).Error("shutdown failed")
	}

	httpLog.Info("shutdown complete")
}
