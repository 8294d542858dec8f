package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/envirocomply/envirocomply-core/internal/alerts"
	"github.com/envirocomply/envirocomply-core/internal/audit"
	"github.com/envirocomply/envirocomply-core/internal/cache"
	"github.com/envirocomply/envirocomply-core/internal/config"
	"github.com/envirocomply/envirocomply-core/internal/db"
	"github.com/envirocomply/envirocomply-core/internal/knowledge"
	"github.com/envirocomply/envirocomply-core/internal/llm"
	"github.com/envirocomply/envirocomply-core/internal/orchestrator"
	"github.com/envirocomply/envirocomply-core/internal/scoring"
	"github.com/envirocomply/envirocomply-core/internal/stages"
	"github.com/envirocomply/envirocomply-core/internal/tracing"
)

// app is the wired pipeline and its resources.
type app struct {
	logger   *zap.Logger
	store    *db.SQLiteStore
	sink     *audit.FileSink
	recorder *audit.Recorder
	alerts   *alerts.Engine
	orch     *orchestrator.Orchestrator
	tracer   *tracing.Provider
	redis    *redis.Client
}

// newApp opens the store and builds the pipeline described by cfg.
func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	if a.store, err = db.NewSQLiteStore(cfg.Database.SQLitePath); err != nil {
		return nil, err
	}

	a.tracer, err = tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, err
	}

	var sink audit.Sink
	if cfg.Logging.AuditLogPath != "" {
		a.sink, err = audit.NewFileSink(audit.SinkConfig{
			Path:       cfg.Logging.AuditLogPath,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		})
		if err != nil {
			return nil, err
		}
		sink = a.sink
	}
	a.recorder = audit.NewRecorder(a.store, sink, logger)

	inferer, err := llm.New(llm.Config{
		Provider:       cfg.LLM.Provider,
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		Timeout:        time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		MaxTokens:      cfg.LLM.MaxTokens,
		Temperature:    cfg.LLM.Temperature,
		RunTokenBudget: cfg.LLM.RunTokenBudget,
		MaxRetries:     cfg.LLM.MaxRetries,
	}, logger)
	if err != nil {
		return nil, err
	}

	scorerOpts := []scoring.Option{scoring.WithLogger(logger)}
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		ttl := time.Duration(cfg.Redis.LockTTLSeconds) * time.Second
		scorerOpts = append(scorerOpts, scoring.WithLocker(scoring.NewRedisLocker(a.redis, ttl)))
		logger.Info("Gap dedup locks shared through redis", zap.String("addr", opts.Addr))
	}
	scorer := scoring.NewScorer(scoring.Config{
		CriticalRiskThreshold: cfg.Scoring.CriticalRiskThreshold,
		HighRiskThreshold:     cfg.Scoring.HighRiskThreshold,
		MediumRiskThreshold:   cfg.Scoring.MediumRiskThreshold,
		CriticalDeadlineDays:  cfg.Scoring.CriticalDeadlineDays,
		HighDeadlineDays:      cfg.Scoring.HighDeadlineDays,
		ProximityHorizonDays:  cfg.Scoring.ProximityHorizonDays,
		MaxDedupRetries:       cfg.Scoring.MaxDedupRetries,
	}, a.store, scorerOpts...)

	var catalog knowledge.Catalog = a.store
	if cfg.Cache.EnableCaching {
		ttl := time.Duration(cfg.Cache.TTLSeconds) * time.Second
		catalog = knowledge.NewFallbackCatalog(a.store, cache.NewCache(ttl, 1024), cfg.Cache.TTLSeconds, logger)
	}

	registry := stages.DefaultRegistry(stages.Deps{
		Catalog: catalog,
		Gaps:    a.store,
		Reports: a.store,
		Scorer:  scorer,
		Inferer: inferer,
		Logger:  logger,
	})

	a.alerts = alerts.NewEngine(alerts.Config{
		CriticalDeadlineDays: cfg.Scoring.CriticalDeadlineDays,
		HighDeadlineDays:     cfg.Scoring.HighDeadlineDays,
	}, a.store, logger)

	a.orch = orchestrator.New(orchestrator.Config{
		StageTimeout:        time.Duration(cfg.Orchestrator.StageTimeoutSeconds) * time.Second,
		MaxConcurrentRuns:   cfg.Orchestrator.MaxConcurrentRuns,
		DefaultLookbackDays: cfg.Orchestrator.DefaultLookbackDays,
	}, registry, a.recorder,
		orchestrator.WithAlerts(a.alerts),
		orchestrator.WithInferer(inferer),
		orchestrator.WithLogger(logger),
		orchestrator.WithTracerProvider(a.tracer),
	)
	return a, nil
}

// close releases everything newApp opened.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.tracer != nil {
		errs = append(errs, a.tracer.Shutdown(ctx))
	}
	if a.sink != nil {
		errs = append(errs, a.sink.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
