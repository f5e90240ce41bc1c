package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/deepnoodle-ai/worldflow"
	"github.com/deepnoodle-ai/worldflow/badger"
	"github.com/deepnoodle-ai/worldflow/generation"
	"github.com/deepnoodle-ai/worldflow/postgres"
	"github.com/deepnoodle-ai/worldflow/redis"
	"github.com/deepnoodle-ai/worldflow/sqlite"
	"github.com/deepnoodle-ai/worldflow/telemetry"
	"github.com/deepnoodle-ai/worldflow/worldgen"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"
)

// app wires the engine for one CLI invocation
type app struct {
	settings  Settings
	logger    *slog.Logger
	engine    *worldflow.Engine
	generator generation.Generator
	registry  *prometheus.Registry
	closers   []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// requireGenerator fails commands that execute steps without a provider.
func (a *app) requireGenerator() error {
	if a.generator == nil {
		return errors.New("no generation provider configured: set OPENAI_API_KEY or api_key in the settings file")
	}
	return nil
}

func newGenerator(settings Settings, logger *slog.Logger) (generation.Generator, error) {
	if settings.APIKey == "" {
		return nil, nil
	}
	var temperature float32 = 0.8
	if settings.Temperature != nil {
		temperature = *settings.Temperature
	}
	client, err := generation.NewOpenAI(generation.OpenAIOptions{
		APIKey:      settings.APIKey,
		BaseURL:     settings.BaseURL,
		Model:       settings.Model,
		Temperature: temperature,
		Logger:      logger,
		MaxRetries:  2,
	})
	if err != nil {
		return nil, err
	}
	var g generation.Generator = client
	if settings.RateLimit > 0 {
		burst := max(1, int(settings.RateLimit))
		g = generation.NewRateLimited(g, rate.NewLimiter(rate.Limit(settings.RateLimit), burst))
	}
	return g, nil
}

func openCheckpointer(ctx context.Context, s StoreSettings, logger *slog.Logger) (worldflow.Checkpointer, func() error, error) {
	noop := func() error { return nil }
	switch s.Backend {
	case "memory":
		return worldflow.NewMemoryCheckpointer(), noop, nil
	case "", "file":
		cp, err := worldflow.NewFileCheckpointer(s.Path)
		return cp, noop, err
	case "sqlite":
		path := s.Path
		if path == "" {
			path = "worldflow.db"
		}
		cp, err := sqlite.New(ctx, sqlite.Options{Path: path})
		if err != nil {
			return nil, nil, err
		}
		return cp, cp.Close, nil
	case "badger":
		path := s.Path
		if path == "" {
			path = filepath.Join(".", "worldflow-badger")
		}
		cp, err := badger.Open(badger.Options{Path: path, SyncWrites: true, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return cp, cp.Close, nil
	case "postgres":
		cp, err := postgres.New(ctx, postgres.Options{DSN: s.DSN, TablePrefix: s.Prefix})
		if err != nil {
			return nil, nil, err
		}
		return cp, cp.Close, nil
	case "redis":
		cp, err := redis.New(ctx, redis.Options{Addr: s.RedisAddr, Prefix: s.Prefix})
		if err != nil {
			return nil, nil, err
		}
		return cp, cp.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", s.Backend)
}

func newApp(ctx context.Context, settings Settings, logger *slog.Logger, genFactory func(Settings, *slog.Logger) (generation.Generator, error)) (*app, error) {
	a := &app{settings: settings, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	cp, closeStore, err := openCheckpointer(ctx, settings.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", settings.Store.Backend, err)
	}
	a.closers = append(a.closers, closeStore)

	if a.generator, err = genFactory(settings, logger); err != nil {
		a.Close()
		return nil, err
	}

	pipeline, err := worldgen.NewPipeline(pipelineOptions(settings.Pipeline))
	if err != nil {
		a.Close()
		return nil, err
	}
	var stepLogger worldflow.StepLogger
	if settings.LogsDir != "" {
		stepLogger = worldflow.NewFileStepLogger(settings.LogsDir)
	}
	a.engine, err = pipeline.Engine(worldflow.EngineOptions{
		Checkpointer: cp,
		Generator:    a.generator,
		Config:       &worldflow.Config{Model: settings.Model, Temperature: settings.Temperature},
		Logger:       logger,
		Callbacks: worldflow.NewCallbackChain(
			telemetry.NewMetrics(a.registry),
			telemetry.NewTracing(nil),
		),
		Progress:           progressLog(settings.Server),
		StepLogger:         stepLogger,
		DefaultStepTimeout: settings.StepTimeout,
		MaxConcurrency:     settings.MaxConcurrency,
		StepCallBudget:     settings.StepCallBudget,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func pipelineOptions(s PipelineSettings) worldgen.Options {
	opts := worldgen.Options{
		MaxClarifications: s.MaxClarifications,
		CacheAnalysis:     s.CacheAnalysis,
		MaxIterations:     s.MaxIterations,
		Retries:           s.Retries,
	}
	if s.MinFacts > 0 {
		opts.Analyzer = &worldgen.FactCountAnalyzer{MinFacts: s.MinFacts}
	}
	return opts
}

func progressLog(settings ServerSettings) *worldflow.ProgressLog {
	if settings.ProgressRetention > 0 {
		return worldflow.NewProgressLog(worldflow.WithRetention(settings.ProgressRetention))
	}
	return worldflow.NewProgressLog()
}
