package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/partstream/api/internal/catalog"
	"github.com/partstream/api/internal/commerce"
	"github.com/partstream/api/internal/handlers"
	"github.com/partstream/api/internal/platform/config"
	"github.com/partstream/api/internal/platform/events"
	pfirestore "github.com/partstream/api/internal/platform/firestore"
	"github.com/partstream/api/internal/platform/observability"
	"github.com/partstream/api/internal/platform/ratelimit"
	"github.com/partstream/api/internal/platform/secrets"
	platformstorage "github.com/partstream/api/internal/platform/storage"
	firestoreRepo "github.com/partstream/api/internal/repositories/firestore"
	"github.com/partstream/api/internal/services"
)

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("partstream")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets("Catalog.APIKey", "Commerce.AccessToken"),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	registry, err := firestoreRepo.NewRegistry(firestoreProvider, cfg.Sync.BucketCount)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	notifier, closeNotifier, err := newChangeNotifier(ctx, logger, cfg.Events)
	if err != nil {
		logger.Fatal("failed to initialise change notifier", zap.Error(err))
	}
	defer closeNotifier()

	storageClient, err := cloudstorage.NewClient(ctx)
	if err != nil {
		logger.Fatal("failed to initialise storage client", zap.Error(err))
	}
	defer func() {
		if err := storageClient.Close(); err != nil {
			logger.Warn("storage close error", zap.Error(err))
		}
	}()

	imageMirror, err := platformstorage.NewImageMirror(storageClient, cfg.Storage.ImagesBucket, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		logger.Fatal("failed to initialise image mirror", zap.Error(err))
	}

	limiter, err := ratelimit.NewTokenBucket(cfg.RateLimit.Capacity, cfg.RateLimit.RefillInterval, time.Now)
	if err != nil {
		logger.Fatal("failed to initialise rate limiter", zap.Error(err))
	}

	boeing, err := catalog.NewBoeingClient(catalog.BoeingClientConfig{
		BaseURL: cfg.Catalog.BaseURL,
		APIKey:  cfg.Catalog.APIKey,
		Timeout: cfg.Catalog.Timeout,
		Logger:  observability.ServiceLogHook(logger.Named("catalog")),
	})
	if err != nil {
		logger.Fatal("failed to initialise catalog client", zap.Error(err))
	}

	shopify, err := commerce.NewShopifyClient(commerce.ShopifyClientConfig{
		ShopDomain:  cfg.Commerce.ShopDomain,
		AccessToken: cfg.Commerce.AccessToken,
		APIVersion:  cfg.Commerce.APIVersion,
		LocationID:  cfg.Commerce.LocationID,
		Timeout:     cfg.Commerce.Timeout,
		Logger:      observability.ServiceLogHook(logger.Named("commerce")),
	})
	if err != nil {
		logger.Fatal("failed to initialise commerce client", zap.Error(err))
	}

	sagaLogger := logger.Named("saga")
	saga, err := services.NewPublishSaga(services.PublishSagaDeps{
		Commerce:  shopify,
		Published: registry.PublishedProducts(),
		Alert: func(ctx context.Context, err *services.SagaInconsistencyError) {
			sagaLogger.Error("publish saga left systems divergent; manual reconciliation required",
				zap.String("sku", err.SKU),
				zap.String("external_id", err.ExternalID),
				zap.NamedError("persist_error", err.PersistErr),
				zap.NamedError("compensate_error", err.CompensateErr),
			)
		},
		Logger: observability.ServiceLogHook(sagaLogger),
	})
	if err != nil {
		logger.Fatal("failed to initialise publish saga", zap.Error(err))
	}

	coordinator, err := services.NewBatchCoordinator(services.BatchCoordinatorDeps{
		Batches:      registry.Batches(),
		Notifier:     notifier,
		MaxBatchSize: cfg.Pipeline.MaxBatchSize,
		Logger:       observability.ServiceLogHook(logger.Named("batches")),
	})
	if err != nil {
		logger.Fatal("failed to initialise batch coordinator", zap.Error(err))
	}

	syncService, err := services.NewSyncService(services.SyncServiceDeps{
		Schedule:              registry.SyncSchedule(),
		Catalog:               boeing,
		Saga:                  saga,
		Limiter:               limiter,
		Notifier:              notifier,
		BucketCount:           cfg.Sync.BucketCount,
		DeactivationThreshold: cfg.Sync.DeactivationThreshold,
		Workers:               cfg.Sync.Workers,
		ItemTimeout:           cfg.Pipeline.ItemTimeout,
		Logger:                observability.ServiceLogHook(logger.Named("sync")),
	})
	if err != nil {
		logger.Fatal("failed to initialise sync service", zap.Error(err))
	}

	pipeline, err := services.NewPipelineService(services.PipelineServiceDeps{
		Coordinator: coordinator,
		Catalog:     boeing,
		Saga:        saga,
		Staged:      registry.StagedProducts(),
		Limiter:     limiter,
		Notifier:    notifier,
		Mirror:      imageMirror,
		Enroller:    syncService,
		Workers:     cfg.Pipeline.StageWorkers,
		ItemTimeout: cfg.Pipeline.ItemTimeout,
		Logger:      observability.ServiceLogHook(logger.Named("pipeline")),
	})
	if err != nil {
		logger.Fatal("failed to initialise pipeline service", zap.Error(err))
	}

	scheduler, err := services.NewSyncScheduler(services.SyncSchedulerDeps{
		Sync:         syncService,
		BucketCount:  cfg.Sync.BucketCount,
		TickInterval: schedulerInterval(cfg.Sync),
		Logger:       observability.ServiceLogHook(logger.Named("scheduler")),
	})
	if err != nil {
		logger.Fatal("failed to initialise sync scheduler", zap.Error(err))
	}

	schedulerCtx, stopScheduler := context.WithCancel(ctx)
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		if err := scheduler.Run(schedulerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sync scheduler stopped", zap.Error(err))
		}
	}()

	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(cfg.Firestore.ProjectID),
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(handlers.WithReadinessCheck(registry.Health()))),
		handlers.WithBatchRoutes(handlers.NewBatchHandlers(pipeline, coordinator).Routes),
		handlers.WithSyncRoutes(handlers.NewSyncHandlers(syncService).Routes),
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

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("partstream api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	stopScheduler()
	<-schedulerDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
	}
	if project := strings.TrimSpace(env["API_SECRET_PROJECT_ID"]); project != "" {
		opts = append(opts, secrets.WithDefaultProject(project))
	} else if project := strings.TrimSpace(env["API_FIRESTORE_PROJECT_ID"]); project != "" {
		opts = append(opts, secrets.WithDefaultProject(project))
	}
	if environment := strings.TrimSpace(env["API_ENVIRONMENT"]); environment != "" {
		opts = append(opts, secrets.WithEnvironment(environment))
	}
	if fallback := strings.TrimSpace(env["API_SECRETS_FALLBACK_FILE"]); fallback != "" {
		opts = append(opts, secrets.WithFallbackFile(fallback))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// newChangeNotifier returns the Pub/Sub notifier, or a no-op when the events
// surface is disabled, plus a close function for the underlying client.
func newChangeNotifier(ctx context.Context, logger *zap.Logger, cfg config.EventsConfig) (events.Notifier, func(), error) {
	if cfg.Disabled {
		logger.Info("record-change events disabled; using no-op notifier")
		return events.NoopNotifier{}, func() {}, nil
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}

	topic := client.Topic(cfg.Topic)
	notifier, err := events.NewPubSubNotifier(topic)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	closeFn := func() {
		topic.Stop()
		if err := client.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}
	return notifier, closeFn, nil
}

// schedulerInterval picks the production hourly cadence unless testing mode
// asks for the accelerated rotation.
func schedulerInterval(cfg config.SyncConfig) time.Duration {
	if cfg.TestingMode && cfg.TestingInterval > 0 {
		return cfg.TestingInterval
	}
	if cfg.TickInterval > 0 {
		return cfg.TickInterval
	}
	return time.Hour
}
