package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keepsake-labs/keepsake/config"
	"github.com/keepsake-labs/keepsake/internal/adapters/devprovider"
	"github.com/keepsake-labs/keepsake/internal/core"
	"github.com/keepsake-labs/keepsake/internal/data"
	"github.com/keepsake-labs/keepsake/internal/inference"
	"github.com/keepsake-labs/keepsake/internal/observability/metrics"
	"github.com/keepsake-labs/keepsake/internal/observability/notify"
	"github.com/keepsake-labs/keepsake/internal/observability/notify/slack"
	"github.com/keepsake-labs/keepsake/internal/service"
	"github.com/keepsake-labs/keepsake/internal/service/opsnotifier"
	"github.com/keepsake-labs/keepsake/internal/stream"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs         *service.JobService
	Delivery     *service.DeliveryService
	Webhooks     *service.WebhookSinkService
	Dispatcher   *service.WebhookDispatcher
	Orchestrator *service.Orchestrator
	Ops          *opsnotifier.Service

	Feed  core.EventFeed
	Store core.ObjectStore
	Cache core.CacheRepository
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	JobRepo      *data.JobRepo
	ArtifactRepo *data.ArtifactRepo
	WebhookRepo  *data.WebhookSinkRepo
	CacheRepo    *data.RedisCacheRepo
}

// buildRepositories builds repositories backing service ports; no business rules here.
func buildRepositories(deps *ServiceDeps) *serviceRepositories {
	repos := &serviceRepositories{
		JobRepo: data.NewJobRepo(deps.DB, data.RepoConfig{
			MaxRequeues: deps.Config.Worker.MaxRequeues,
			Logger:      deps.Logger,
		}),
		ArtifactRepo: data.NewArtifactRepo(deps.DB),
		WebhookRepo:  data.NewWebhookSinkRepo(deps.DB),
	}
	if deps.RedisClient != nil {
		repos.CacheRepo = data.NewRedisCacheRepo(deps.RedisClient)
	}
	return repos
}

// NewObjectStore selects the artifact store backend from configuration.
//
//nolint:ireturn // the backend is selected at runtime from configuration.
func NewObjectStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (core.ObjectStore, error) {
	switch cfg.Backend {
	case config.StorageBackendS3:
		client, err := data.NewS3Client(ctx, data.S3ClientConfig{
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			UsePathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("build s3 client: %w", err)
		}
		store, err := data.NewS3ObjectStore(data.S3Options{Client: client, Bucket: cfg.S3Bucket})
		if err != nil {
			return nil, fmt.Errorf("build s3 object store: %w", err)
		}
		logger.Info("object store ready", "backend", "s3", "bucket", cfg.S3Bucket)
		return store, nil
	default:
		store, err := data.NewLocalObjectStore(cfg.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("build local object store: %w", err)
		}
		logger.Info("object store ready", "backend", "local", "dir", cfg.LocalDir)
		return store, nil
	}
}

// buildFeed selects the live event feed backend. The Redis backend requires a
// Redis client; without one the feed silently stays in-process, which is
// wrong when http and worker run in separate processes, so it is an error.
//
//nolint:ireturn // the backend is selected at runtime from configuration.
func buildFeed(deps *ServiceDeps) (core.EventFeed, error) {
	buffer := deps.Config.Delivery.SubscriberBuffer
	if deps.Config.Feed.Backend == config.FeedBackendRedis {
		if deps.RedisClient == nil {
			return nil, errors.New("redis feed backend requires a redis connection")
		}
		return stream.NewRedisFeed(stream.RedisFeedOptions{
			Client: deps.RedisClient,
			Buffer: buffer,
			Logger: deps.Logger,
		})
	}
	return stream.NewFeed(stream.FeedOptions{
		Buffer: buffer,
		Logger: deps.Logger,
	}), nil
}

// buildOpsNotifier wires the operational notification fan-out. With
// notifications disabled the notifier still exists but carries no sinks.
func buildOpsNotifier(cfg *config.AppConfig, logger *slog.Logger) *opsnotifier.Service {
	notifCfg := cfg.Observability.Notifications

	var sinks []opsnotifier.SinkRegistration
	if notifCfg.Enabled && notifCfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:   notifCfg.Slack.WebhookURL,
			Channel:      notifCfg.Slack.Channel,
			Username:     notifCfg.Slack.Username,
			Timeout:      notifCfg.Timeout,
			RetryLimit:   notifCfg.RetryLimit,
			JobURLPrefix: cfg.HTTP.BaseURL + "/api/jobs/",
		})
		if err != nil {
			logger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, opsnotifier.SinkRegistration{Name: "slack", Sink: client})
		}
	}

	return opsnotifier.NewService(opsnotifier.Options{
		Logger:         logger.With("component", "ops_notifier"),
		Sinks:          sinks,
		SuppressWindow: notifCfg.Timeout * 10,
	})
}

// buildProviderChain assembles the resilient provider fallback chain from the
// configured provider names. Each provider is wrapped with call metrics;
// breaker transitions feed the breaker gauge and, on open, the ops notifier.
func buildProviderChain(cfg *config.AppConfig, ops *opsnotifier.Service, logger *slog.Logger) (*inference.Chain, error) {
	providers := make([]inference.Provider, 0, len(cfg.Inference.Providers))
	for _, name := range cfg.Inference.Providers {
		provider, err := buildProvider(name)
		if err != nil {
			return nil, err
		}
		providers = append(providers, metrics.InstrumentProvider(provider))
	}

	onChange := func(provider string, from, to inference.BreakerState) {
		metrics.ObserveBreakerChange(provider, from, to)
		if to == inference.BreakerOpen && ops != nil {
			ops.Notify(context.Background(), notify.EventPayload{
				Kind:     notify.KindCircuitOpen,
				Provider: provider,
				Error:    "provider circuit opened after consecutive failures",
			})
		}
	}

	return inference.NewChain(inference.ChainOptions{
		Providers:              providers,
		MaxAttempts:            cfg.Inference.MaxAttempts,
		CallTimeout:            cfg.Inference.CallTimeout,
		Backoff:                &inference.JitterBackoff{Initial: cfg.Inference.BackoffInitial, Max: cfg.Inference.BackoffMax},
		BreakerThreshold:       cfg.Inference.BreakerThreshold,
		BreakerCooldown:        cfg.Inference.BreakerCooldown,
		MaxInFlightPerProvider: int64(cfg.Inference.MaxInFlight),
		RatePerSecond:          cfg.Inference.RatePerSecond,
		RateBurst:              cfg.Inference.RateBurst,
		OnBreakerChange:        onChange,
		Logger:                 logger,
	})
}

// buildProvider maps a configured provider name to an implementation. Real
// deployments register remote providers here; the dev provider serves local
// development and every name it is asked to impersonate.
//
//nolint:ireturn // providers are selected by configured name.
func buildProvider(name string) (inference.Provider, error) {
	provider, err := devprovider.NewProvider(devprovider.Config{Name: name})
	if err != nil {
		return nil, fmt.Errorf("build provider %q: %w", name, err)
	}
	return provider, nil
}

// NewServices wires the full service graph from infrastructure connections.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service dependencies and config are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config

	repos := buildRepositories(deps)

	store, err := NewObjectStore(context.Background(), cfg.Storage, logger)
	if err != nil {
		return ServiceContainer{}, err
	}

	feed, err := buildFeed(deps)
	if err != nil {
		return ServiceContainer{}, err
	}

	ops := buildOpsNotifier(cfg, logger)

	chain, err := buildProviderChain(cfg, ops, logger)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build provider chain: %w", err)
	}

	var statusCache *core.StatusCacheService
	if repos.CacheRepo != nil {
		statusCache = core.NewStatusCacheService(core.StatusCacheServiceOptions{
			Cache:  repos.CacheRepo,
			Config: core.StatusCacheConfig{TTL: cfg.Cache.StatusTTL},
		})
	}

	jobs := service.MustNewJobService(service.JobServiceOptions{
		Repo:         repos.JobRepo,
		Artifacts:    repos.ArtifactRepo,
		Store:        store,
		DefaultLease: cfg.Worker.JobLease,
		StatusCache:  statusCache,
		Logger:       logger,
	})

	delivery := service.MustNewDeliveryService(service.DeliveryOptions{
		Reader:      jobs,
		Feed:        feed,
		DefaultWait: cfg.Delivery.DefaultWait,
		MaxWait:     cfg.Delivery.MaxWait,
		Logger:      logger,
	})

	webhooks := service.MustNewWebhookSinkService(service.WebhookSinkServiceOptions{
		Repo:   repos.WebhookRepo,
		Logger: logger,
	})

	dispatcher := service.MustNewWebhookDispatcher(service.WebhookDispatcherOptions{
		Sinks:  repos.WebhookRepo,
		Logger: logger,
	})

	engine := service.MustNewFanoutEngine(service.FanoutOptions{
		Jobs:           repos.JobRepo,
		Artifacts:      repos.ArtifactRepo,
		Store:          store,
		Feed:           feed,
		Transformer:    chain,
		ArtifactTTL:    cfg.Storage.ArtifactTTL,
		ThumbnailWidth: cfg.Storage.ThumbnailWidth,
		Logger:         logger,
	})

	orchestrator := service.MustNewOrchestrator(service.OrchestratorOptions{
		Jobs:      repos.JobRepo,
		Artifacts: repos.ArtifactRepo,
		Analyzer:  chain,
		Engine:    engine,
		Feed:      feed,
		JobBudget: cfg.Inference.JobBudget,
		Hooks:     dispatcher,
		Ops:       ops,
		Logger:    logger,
	})

	return ServiceContainer{
		Jobs:         jobs,
		Delivery:     delivery,
		Webhooks:     webhooks,
		Dispatcher:   dispatcher,
		Orchestrator: orchestrator,
		Ops:          ops,
		Feed:         feed,
		Store:        store,
		Cache:        repos.CacheRepo,
	}, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

// startHTTPServerIfEnabled starts the HTTP server if enabled.
func startHTTPServerIfEnabled(deps *serviceStartupDeps) *http.Server {
	if deps == nil || deps.cfg == nil || !deps.enabledServices[config.ServiceModeHTTP] {
		return nil
	}
	return StartHTTPServer(&HTTPServerConfig{
		Config:   deps.cfg.Config,
		Services: deps.cfg.Services,
		DB:       deps.cfg.DB,
		Logger:   deps.logger,
	})
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name,
					"error", errMsg,
				)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)

	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}

	return handles
}

func newWorkerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeWorker,
		name: "generation worker",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			var workerCfg config.WorkerConfig
			if deps.cfg.Config != nil {
				workerCfg = deps.cfg.Config.Worker
			}
			return RunWorker(ctx, WorkerRunConfig{
				Services:    deps.cfg.Services,
				Lease:       workerCfg.JobLease,
				Concurrency: workerCfg.Concurrency,
				Logger:      deps.logger,
			})
		},
	}
}

func newSweeperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeSweeper,
		name: "sweeper",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			var sweepCfg config.SweepConfig
			maxRequeues := 0
			if deps.cfg.Config != nil {
				sweepCfg = deps.cfg.Config.Sweep
				maxRequeues = deps.cfg.Config.Worker.MaxRequeues
			}
			return RunSweeper(ctx, SweeperRunConfig{
				DB:          deps.cfg.DB,
				Services:    deps.cfg.Services,
				Config:      sweepCfg,
				MaxRequeues: maxRequeues,
				Logger:      deps.logger,
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newWorkerBackgroundService(deps),
		newSweeperBackgroundService(deps),
	}
}

// ServiceStartupResult holds the results of starting all services.
type ServiceStartupResult struct {
	HTTPServer *http.Server
	Background []backgroundServiceHandle
}

// startServices starts all enabled services and returns their completion channels.
func startServices(deps *serviceStartupDeps) ServiceStartupResult {
	return ServiceStartupResult{
		HTTPServer: startHTTPServerIfEnabled(deps),
		Background: startBackgroundServices(deps, buildBackgroundServices(deps)),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	ctx := context.Background()
	serviceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	// Determine which services are enabled
	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	// Start all enabled services
	result := startServices(&serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	})

	// Wait for shutdown signal or error
	return waitForShutdown(shutdownConfig{
		ctx:         serviceCtx,
		cancel:      cancel,
		errCh:       errCh,
		httpServer:  result.HTTPServer,
		services:    cfg.Services,
		logger:      logger,
		backgrounds: result.Background,
	})
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count + 1
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	ctx         context.Context
	cancel      context.CancelFunc
	errCh       <-chan error
	httpServer  *http.Server
	services    ServiceContainer
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel() // Cancel service context before waiting
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel() // Cancel service context before waiting
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop attempts to gracefully stop all services.
func gracefulStop(cfg shutdownConfig) error {
	// Gracefully stop HTTP server if running
	if cfg.httpServer != nil {
		// Create a timeout context for HTTP shutdown
		shutdownCtx, cancel := context.WithTimeout(cfg.ctx, shutdownWaitTimeout)
		defer cancel()

		if err := ShutdownHTTPServer(ShutdownConfig{
			Context:  shutdownCtx,
			Server:   cfg.httpServer,
			Services: cfg.services,
			Logger:   cfg.logger,
		}); err != nil {
			return err
		}
	}

	// Wait for background services to finish
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	// In-flight webhook deliveries detach from request contexts; give them
	// their drain window before the process exits.
	if cfg.services.Dispatcher != nil {
		cfg.services.Dispatcher.Close()
	}

	return nil
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
