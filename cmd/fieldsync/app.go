package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/artifacts"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/cache"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/config"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/database"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/farms"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/health"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/jobruns"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/jobs"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/observations"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/quota"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/reports"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/scheduler"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/server"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/upstream"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// application holds the wired services shared by every command.
type application struct {
	config    config.AppConfig
	logger    *zap.Logger
	db        *gorm.DB
	metrics   *metrics.Metrics
	weather   *jobs.WeatherJob
	ndvi      *jobs.NDVIJob
	reports   *jobs.ReportJob
	health    *health.Aggregator
	shares    *reports.Repository
	artifacts *artifacts.FileStore
	closers   []func() error
}

// appOptions lets tests replace the pieces that touch the outside world.
type appOptions struct {
	Clock      func() time.Time
	HTTPClient upstream.HTTPDoer
	Sleep      upstream.SleepFunc
	DB         *gorm.DB
}

func newApplication(ctx context.Context, cfg config.AppConfig, logger *zap.Logger, options appOptions) (*application, error) {
	clock := options.Clock
	if clock == nil {
		clock = time.Now
	}
	app := &application{config: cfg, logger: logger, metrics: metrics.New()}

	db := options.DB
	if db == nil {
		opened, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN, logger)
		if err != nil {
			return nil, err
		}
		sqlDB, err := opened.DB()
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, sqlDB.Close)
		db = opened
	}
	app.db = db

	limiterStore, err := app.rateLimitStore(ctx, clock)
	if err != nil {
		app.Close()
		return nil, err
	}
	limiter := ratelimit.New(ratelimit.Config{
		Store:    limiterStore,
		Clock:    clock,
		Observer: app.metrics,
		Logger:   logger.Named("ratelimit"),
	})

	var cacheStore cache.Store = cache.NewGormStore(db)
	if cfg.CacheBackend == config.BackendMemory {
		cacheStore = cache.NewMemoryStore()
	}
	cacheService, err := cache.NewService(cache.ServiceConfig{
		Store:    cacheStore,
		Clock:    clock,
		Observer: app.metrics,
		Logger:   logger.Named("cache"),
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	registry, err := farms.NewRegistry(farms.RegistryConfig{Database: db, Logger: logger})
	if err != nil {
		app.Close()
		return nil, err
	}
	observationRepository, err := observations.NewRepository(observations.RepositoryConfig{Database: db, Clock: clock, Logger: logger})
	if err != nil {
		app.Close()
		return nil, err
	}
	gate, err := quota.NewGate(quota.GateConfig{
		Database: db,
		Resolver: registry,
		Plans:    cfg.Plans,
		Disabled: !cfg.QuotaEnabled,
		Clock:    clock,
		Logger:   logger.Named("quota"),
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	recorder, err := jobruns.NewRecorder(jobruns.RecorderConfig{
		Database: db,
		Clock:    clock,
		Observer: app.metrics,
		Logger:   logger.Named("jobruns"),
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.shares, err = reports.NewRepository(reports.RepositoryConfig{Database: db, Clock: clock, Logger: logger})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.artifacts, err = artifacts.NewFileStore(artifacts.FileStoreConfig{Root: cfg.ArtifactsRoot, BaseURL: cfg.ArtifactsBaseURL})
	if err != nil {
		app.Close()
		return nil, err
	}

	httpClient := options.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.FetchTimeout}
	}
	fetcher := upstream.NewFetcher(upstream.FetcherConfig{
		Client:    httpClient,
		BaseDelay: cfg.FetchBaseDelay,
		Sleep:     options.Sleep,
		Observer:  app.metrics,
		Logger:    logger.Named("upstream"),
	})
	nasaPower := upstream.NewNASAPowerClient(upstream.NASAPowerConfig{
		BaseURL:    cfg.NASAPower.BaseURL,
		Fetcher:    fetcher,
		Limiter:    limiter,
		Limit:      providerLimit(cfg.NASAPower),
		MaxRetries: cfg.FetchMaxRetries,
	})
	sentinelHub := upstream.NewSentinelHubClient(upstream.SentinelHubConfig{
		BaseURL:      cfg.SentinelHub.BaseURL,
		ClientID:     cfg.SentinelHub.ClientID,
		ClientSecret: cfg.SentinelHub.ClientSecret,
		Fetcher:      fetcher,
		Limiter:      limiter,
		Limit:        providerLimit(cfg.SentinelHub.ProviderConfig),
		MaxRetries:   cfg.FetchMaxRetries,
	})
	wapor := upstream.NewWaPORClient(upstream.WaPORConfig{
		BaseURL:    cfg.WaPOR.BaseURL,
		Fetcher:    fetcher,
		Limiter:    limiter,
		Limit:      providerLimit(cfg.WaPOR),
		MaxRetries: cfg.FetchMaxRetries,
	})
	if !sentinelHub.Configured() {
		logger.Warn("sentinel hub credentials missing, ndvi sync uses synthetic values")
	}

	runnerConfig := jobs.RunnerConfig{
		Recorder:    recorder,
		Observer:    app.metrics,
		Concurrency: cfg.JobsConcurrency,
		Clock:       clock,
		Logger:      logger,
	}
	if app.weather, err = jobs.NewWeatherJob(jobs.WeatherJobConfig{
		RunnerConfig: runnerConfig,
		Fields:       registry,
		Weather:      nasaPower,
		Cache:        cacheService,
		Store:        observationRepository,
	}); err != nil {
		app.Close()
		return nil, err
	}
	if app.ndvi, err = jobs.NewNDVIJob(jobs.NDVIJobConfig{
		RunnerConfig: runnerConfig,
		Fields:       registry,
		Source:       sentinelHub,
		Quota:        gate,
		Cache:        cacheService,
		Store:        observationRepository,
	}); err != nil {
		app.Close()
		return nil, err
	}
	if app.reports, err = jobs.NewReportJob(jobs.ReportJobConfig{
		RunnerConfig:  runnerConfig,
		Organizations: registry,
		Catalog:       wapor,
		Quota:         gate,
		Cache:         cacheService,
		Renderer:      reports.NewPDFRenderer(),
		Artifacts:     app.artifacts,
		Reports:       app.shares,
	}); err != nil {
		app.Close()
		return nil, err
	}
	if app.health, err = health.NewAggregator(health.AggregatorConfig{
		Runs:      recorder,
		Freshness: observationRepository,
		Registry:  registry,
		Cache:     cacheService,
		Clock:     clock,
		Logger:    logger.Named("health"),
	}); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *application) rateLimitStore(ctx context.Context, clock func() time.Time) (ratelimit.Store, error) {
	if a.config.RateLimitBackend != config.BackendRedis {
		return ratelimit.NewMemoryStore(clock), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.config.RedisAddress,
		Password: a.config.RedisPassword,
		DB:       a.config.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	a.logger.Info("rate limiter uses redis", zap.String("address", a.config.RedisAddress))
	return ratelimit.NewRedisStore(client, clock), nil
}

func providerLimit(provider config.ProviderConfig) upstream.Limit {
	return upstream.Limit{Requests: provider.MaxRequests, Window: provider.Window}
}

// httpHandler builds the gin router. The service secret must be configured.
func (a *application) httpHandler() (http.Handler, error) {
	if err := a.config.RequireServiceSecret(); err != nil {
		return nil, err
	}
	validator, err := auth.NewServiceTokenValidator(auth.ServiceTokenValidatorConfig{Secret: a.config.ServiceSecret})
	if err != nil {
		return nil, err
	}
	return server.NewHTTPHandler(server.Dependencies{
		WeatherJob: a.weather,
		NDVIJob:    a.ndvi,
		ReportJob:  a.reports,
		Health:     a.health,
		Shares:     a.shares,
		Artifacts:  a.artifacts,
		Tokens:     validator,
		Metrics:    a.metrics.Handler(),
		Logger:     a.logger,
	})
}

// schedulerTasks maps the configured cron specs to batch invocations.
func (a *application) schedulerTasks() []scheduler.Task {
	return []scheduler.Task{
		{
			Name: jobs.JobWeather,
			Spec: a.config.Schedule.Weather,
			Run: func(ctx context.Context) error {
				_, err := a.weather.Run(ctx, jobs.WeatherRequest{Mode: jobs.ModeBatch})
				return err
			},
		},
		{
			Name: jobs.JobNDVI,
			Spec: a.config.Schedule.NDVI,
			Run: func(ctx context.Context) error {
				_, err := a.ndvi.Run(ctx, jobs.NDVIRequest{Mode: jobs.ModeBatch})
				return err
			},
		},
		{
			Name: jobs.JobReports,
			Spec: a.config.Schedule.Reports,
			Run: func(ctx context.Context) error {
				_, err := a.reports.Run(ctx, jobs.ReportRequest{Mode: jobs.ModeBatch})
				return err
			},
		},
	}
}

// Close releases the connections opened by newApplication.
func (a *application) Close() error {
	var errs []error
	for index := len(a.closers) - 1; index >= 0; index-- {
		if err := a.closers[index](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
