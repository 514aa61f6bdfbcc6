package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/tillpoint/pos/internal/events"
	"github.com/tillpoint/pos/internal/handlers"
	"github.com/tillpoint/pos/internal/payments"
	"github.com/tillpoint/pos/internal/platform/config"
	pfirestore "github.com/tillpoint/pos/internal/platform/firestore"
	"github.com/tillpoint/pos/internal/platform/observability"
	"github.com/tillpoint/pos/internal/platform/secrets"
	"github.com/tillpoint/pos/internal/repositories"
	firestoreRepo "github.com/tillpoint/pos/internal/repositories/firestore"
	"github.com/tillpoint/pos/internal/repositories/memory"
	"github.com/tillpoint/pos/internal/services"
)

const (
	readinessProbeProductID = "__readyz__"
	meterName               = "github.com/tillpoint/pos"
)

var version = "dev"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("posd")
	ctx = observability.WithLogger(ctx, logger)

	cfg, closeSecrets, err := loadConfig(ctx, logger)
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	defer closeSecrets()

	var healthOpts []handlers.HealthOption
	healthOpts = append(healthOpts, handlers.WithHealthVersion(version, startedAt))

	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise store", zap.Error(err), zap.String("backend", cfg.Storage.Backend))
	}
	defer closeStore()
	healthOpts = append(healthOpts, handlers.WithReadinessCheck("store", storeReadiness(store)))

	publisher, readiness, closeEvents, err := newPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise event publisher", zap.Error(err), zap.String("backend", cfg.Events.Backend))
	}
	defer closeEvents()
	if readiness != nil {
		healthOpts = append(healthOpts, handlers.WithReadinessCheck("events", readiness))
	}

	serviceLogger := observability.ServiceLogger(logger.Named("services"))
	meter := otel.GetMeterProvider().Meter(meterName)

	checkoutDeps := services.CheckoutServiceDeps{
		Store:         store,
		Events:        publisher,
		Points:        services.FixedPointsPolicy(cfg.Checkout.LoyaltyPointsPerUnit),
		Currency:      cfg.Store.Currency,
		AllowOversell: !cfg.Checkout.EnforceStock,
		Meter:         meter,
		Logger:        serviceLogger,
	}
	if cfg.Payments.StripeAPIKey != "" {
		gateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
			APIKey:    cfg.Payments.StripeAPIKey,
			AccountID: cfg.Payments.StripeAccountID,
			Logger:    serviceLogger,
		})
		if err != nil {
			logger.Fatal("failed to initialise stripe gateway", zap.Error(err))
		}
		checkoutDeps.Cards = gateway
		checkoutDeps.Refunds = gateway
	}
	checkout, err := services.NewCheckoutService(checkoutDeps)
	if err != nil {
		logger.Fatal("failed to initialise checkout service", zap.Error(err))
	}
	ledger, err := services.NewStockLedger(services.StockLedgerDeps{
		Store:  store,
		Events: publisher,
		Meter:  meter,
		Logger: serviceLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise stock ledger", zap.Error(err))
	}
	carts, err := services.NewCartRegistry(cfg.Store.TaxRate, nil)
	if err != nil {
		logger.Fatal("failed to initialise cart registry", zap.Error(err))
	}

	projectID := cfg.Firestore.ProjectID
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.CashierMiddleware,
		observability.RequestLoggerMiddleware,
	}

	cartHandlers := handlers.NewCartHandlers(carts, store.Products(), checkout,
		handlers.WithIdempotencyHeader(cfg.Server.IdempotencyHeader),
		handlers.WithDisplayCurrency(cfg.Store.Currency),
	)
	saleHandlers := handlers.NewSaleHandlers(checkout)
	catalogHandlers := handlers.NewCatalogHandlers(store, ledger)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthOpts...)),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithSaleRoutes(saleHandlers.Routes),
		handlers.WithProductRoutes(catalogHandlers.ProductRoutes),
		handlers.WithCustomerRoutes(catalogHandlers.CustomerRoutes),
	)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(
		zap.String("addr", server.Addr),
		zap.String("store", cfg.Store.Name),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("events", cfg.Events.Backend),
	)
	go func() {
		serverLogger.Info("register api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// loadConfig resolves secret:// references through Secret Manager only when
// the environment carries any.
func loadConfig(ctx context.Context, logger *zap.Logger) (config.Config, func(), error) {
	noop := func() {}
	hasRefs, err := config.HasSecretReferences()
	if err != nil {
		return config.Config{}, noop, err
	}
	if !hasRefs {
		cfg, err := config.Load(ctx)
		return cfg, noop, err
	}

	resolver, err := secrets.NewResolver(ctx, secretsProjectID(), secrets.WithLogger(logger.Named("secrets")))
	if err != nil {
		return config.Config{}, noop, err
	}
	closeResolver := func() {
		if err := resolver.Close(); err != nil {
			logger.Warn("secret resolver close error", zap.Error(err))
		}
	}
	cfg, err := config.Load(ctx, config.WithSecretResolver(resolver))
	if err != nil {
		closeResolver()
		return config.Config{}, noop, err
	}
	return cfg, closeResolver, nil
}

func secretsProjectID() string {
	for _, key := range []string{"POS_SECRETS_PROJECT_ID", "POS_FIRESTORE_PROJECT_ID", "GOOGLE_CLOUD_PROJECT"} {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return ""
}

func newStore(ctx context.Context, cfg config.Config) (repositories.Store, func(), error) {
	switch cfg.Storage.Backend {
	case config.StorageBackendFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore)
		if _, err := provider.Client(ctx); err != nil {
			return nil, func() {}, err
		}
		store, err := firestoreRepo.NewStore(provider, firestoreRepo.WithTransactionTimeout(cfg.Checkout.LockTimeout))
		if err != nil {
			_ = provider.Close(ctx)
			return nil, func() {}, err
		}
		return store, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Close(closeCtx)
		}, nil
	default:
		return memory.NewStore(memory.WithLockTimeout(cfg.Checkout.LockTimeout)), func() {}, nil
	}
}

func newPublisher(ctx context.Context, cfg config.Config) (services.EventPublisher, handlers.ReadinessCheck, func(), error) {
	switch cfg.Events.Backend {
	case config.EventsBackendPubSub:
		client, err := pubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			return nil, nil, func() {}, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(cfg.Events.PubSubTopic)
		publisher, err := events.NewPubSubPublisher(topic)
		if err != nil {
			_ = client.Close()
			return nil, nil, func() {}, err
		}
		readiness := func(ctx context.Context) error {
			ok, err := topic.Exists(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("topic %s does not exist", cfg.Events.PubSubTopic)
			}
			return nil
		}
		return publisher, readiness, func() {
			publisher.Stop()
			_ = client.Close()
		}, nil
	case config.EventsBackendKafka:
		publisher, err := events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		if err != nil {
			return nil, nil, func() {}, err
		}
		return publisher, nil, func() { _ = publisher.Close() }, nil
	default:
		return events.NopPublisher{}, nil, func() {}, nil
	}
}

func storeReadiness(store repositories.Store) handlers.ReadinessCheck {
	return func(ctx context.Context) error {
		_, err := store.Products().Get(ctx, readinessProbeProductID)
		if err == nil || repositories.IsNotFound(err) {
			return nil
		}
		return err
	}
}
