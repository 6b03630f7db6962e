package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/dshills/minutegraph/agents"
	"github.com/dshills/minutegraph/graph"
	"github.com/dshills/minutegraph/graph/emit"
	"github.com/dshills/minutegraph/graph/model"
	"github.com/dshills/minutegraph/graph/model/anthropic"
	"github.com/dshills/minutegraph/graph/model/google"
	"github.com/dshills/minutegraph/graph/model/openai"
	"github.com/dshills/minutegraph/graph/store"
	"github.com/dshills/minutegraph/internal/config"
	"github.com/dshills/minutegraph/minutes"
	"github.com/dshills/minutegraph/render"
	"github.com/dshills/minutegraph/server"
)

// mockMinutes is what the mock provider drafts for any transcript.
const mockMinutes = `{"minutes": {
  "title": "Mock meeting",
  "date": "01/01/2025",
  "attendees": [{"name": "Alice", "position": "Chair", "role": "Facilitator"}, {"name": "Bob", "position": "Secretary", "role": "Note taker"}],
  "summary": "Alice opened the meeting and Bob recorded the decisions.",
  "takeaways": ["The agenda was approved."],
  "conclusions": ["Work continues as planned."],
  "next_meeting": ["Review progress."],
  "tasks": [{"responsible": "Bob", "date": "08/01/2025", "description": "Circulate these minutes."}],
  "message_to_critique": "Drafted by the mock provider."
}}`

// app holds the wired service components.
type app struct {
	logger   *slog.Logger
	store    store.Store[graph.ProcessState]
	engine   *graph.Engine
	registry *prometheus.Registry
	checks   map[string]server.HealthCheck

	closers []func(context.Context) error
}

// appOptions are the command-specific knobs on top of the config file.
type appOptions struct {
	// events, when set, receives every engine event as text or JSON lines.
	events     io.Writer
	eventsJSON bool

	// traces receives console-exported spans. Defaults to standard error.
	traces io.Writer
}

// newApp wires store, models and engine from cfg. Call Close when done.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (*app, error) {
	a := &app{
		logger:   logger,
		registry: prometheus.NewRegistry(),
		checks:   make(map[string]server.HealthCheck),
	}

	st, locker, err := a.buildStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	a.store = st

	writerModel, criticModel, err := a.buildModels(ctx, cfg.Model)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	emitter, err := a.buildEmitter(ctx, cfg.Telemetry, opts)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	engineOpts := []graph.Option{
		graph.WithMaxSteps(cfg.Workflow.MaxSteps),
		graph.WithStepTimeout(cfg.Workflow.StepTimeoutDuration()),
		graph.WithLockTTL(cfg.Workflow.LockTTLDuration()),
		graph.WithEmitter(emitter),
	}
	if locker != nil {
		engineOpts = append(engineOpts, graph.WithLocker(locker))
	}
	if cfg.Telemetry.Metrics {
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		engineOpts = append(engineOpts, graph.WithMetrics(graph.NewPrometheusMetrics(a.registry)))
	}

	engine, err := graph.New(st, engineOpts...)
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	agentCfg := agents.Config{Language: cfg.Workflow.Language}
	steps := graph.NewSteps(
		agents.NewWriter(writerModel, agentCfg),
		agents.NewCritic(criticModel, agentCfg),
		render.NewMarkdown(render.LabelsFor(cfg.Workflow.Language)),
		cfg.Workflow.TargetLength,
	)
	if err := steps.Register(engine); err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("failed to register steps: %w", err)
	}
	a.engine = engine

	logger.Debug("engine ready",
		"store", cfg.Store.Backend,
		"provider", cfg.Model.Provider,
		"language", cfg.Workflow.Language,
	)
	return a, nil
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases everything newApp acquired, in reverse order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) buildStore(cfg config.StoreConfig) (store.Store[graph.ProcessState], graph.Locker, error) {
	var (
		st     store.Store[graph.ProcessState]
		locker graph.Locker
		err    error
	)

	switch cfg.Backend {
	case "memory":
		st = store.NewMemStore[graph.ProcessState]()
	case "sqlite":
		st, err = store.NewSQLiteStore[graph.ProcessState](cfg.Path)
	case "mysql":
		st, err = store.NewMySQLStore[graph.ProcessState](cfg.DSN)
	case "postgres":
		st, err = store.NewPostgresStore[graph.ProcessState](cfg.DSN)
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		st = store.NewRedisStore[graph.ProcessState](client,
			store.WithRedisPrefix(cfg.Redis.Prefix+"process:"),
			store.WithRedisTTL(cfg.Redis.TTLDuration()),
		)
		locker = store.NewRedisLocker(client, cfg.Redis.Prefix)
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s store: %w", cfg.Backend, err)
	}

	a.onClose(func(context.Context) error { return st.Close() })
	if p, ok := st.(store.Pinger); ok {
		a.checks["store"] = p.Ping
	}
	return st, locker, nil
}

// buildModels returns the drafting and critique models. Real providers share
// one client; the mock provider scripts each role separately.
func (a *app) buildModels(ctx context.Context, cfg config.ModelConfig) (model.ChatModel, model.ChatModel, error) {
	opts := model.Options{
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		JSON:        true,
	}

	var (
		m   model.ChatModel
		err error
	)
	switch cfg.Provider {
	case "mock":
		return model.NewMockChatModel(mockMinutes), model.NewMockChatModel(minutes.NoIssues), nil
	case "openai":
		m, err = openai.NewChatModel(cfg.APIKey, cfg.Name, opts)
	case "anthropic":
		m, err = anthropic.NewChatModel(cfg.APIKey, cfg.Name, opts)
	case "google":
		var gm *google.ChatModel
		gm, err = google.NewChatModel(ctx, cfg.APIKey, cfg.Name, opts)
		if err == nil {
			a.onClose(func(context.Context) error { return gm.Close() })
			m = gm
		}
	default:
		return nil, nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s model: %w", cfg.Provider, err)
	}

	retrying := model.WithRetry(m, cfg.RetryCount(), cfg.RetryDelayDuration())
	return retrying, retrying, nil
}

func (a *app) buildEmitter(ctx context.Context, cfg config.TelemetryConfig, opts appOptions) (emit.Emitter, error) {
	emitters := []emit.Emitter{emit.NewSlogEmitter(a.logger)}

	if opts.events != nil {
		emitters = append(emitters, emit.NewLogEmitter(opts.events, opts.eventsJSON))
	}

	if cfg.Tracing {
		exporter, err := newSpanExporter(ctx, cfg, opts.traces)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s trace exporter: %w", cfg.Exporter, err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(resource.NewSchemaless(
				attribute.String("service.name", "minutegraph"),
				attribute.String("service.version", version),
			)),
		)
		otel.SetTracerProvider(tp)
		// Shutdown flushes spans still queued in the batcher.
		a.onClose(tp.Shutdown)
		emitters = append(emitters, emit.NewOTelEmitter(tp.Tracer("minutegraph")))
		a.logger.Debug("tracing enabled", "exporter", cfg.Exporter)
	}

	return emit.NewMultiEmitter(emitters...), nil
}

func newSpanExporter(ctx context.Context, cfg config.TelemetryConfig, console io.Writer) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		var opts []otlptracehttp.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
		}
		return otlptracehttp.New(ctx, opts...)
	case "console":
		if console == nil {
			console = os.Stderr
		}
		return stdouttrace.New(stdouttrace.WithWriter(console))
	default:
		return nil, fmt.Errorf("unknown exporter %q", cfg.Exporter)
	}
}
