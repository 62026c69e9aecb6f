package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/carepath/report-pipeline/internal/cost"
	"github.com/carepath/report-pipeline/internal/events"
	"github.com/carepath/report-pipeline/internal/pipeline"
	"github.com/carepath/report-pipeline/internal/registry"
	"github.com/carepath/report-pipeline/internal/store"
	"github.com/carepath/report-pipeline/internal/telemetry"
	anthropicpkg "github.com/carepath/report-pipeline/pkg/anthropic"
	"github.com/carepath/report-pipeline/pkg/notify"
	"github.com/carepath/report-pipeline/pkg/notion"
	"github.com/carepath/report-pipeline/pkg/pdf"
)

// pipelineEnv holds the initialized store, collaborators and orchestrator
// used by the job, review, serve and worker commands.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Orchestrator
	Registry *registry.Registry
	Events   events.Publisher
	Notion   notion.Client // nil unless notion.token is set

	shutdownTelemetry func(context.Context) error
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.Events != nil {
		_ = pe.Events.Close()
	}
	if pe.shutdownTelemetry != nil {
		if err := pe.shutdownTelemetry(context.Background()); err != nil {
			zap.L().Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates config for mode, opens the store and builds the
// orchestrator. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &pipelineEnv{Events: events.Nop{}}
	ok := false
	defer func() {
		if !ok {
			env.Close()
		}
	}()

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	env.shutdownTelemetry = shutdown

	env.Store, err = openStore(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.Notion.Token != "" {
		env.Notion = notion.NewClient(cfg.Notion.Token)
	}

	env.Registry, err = loadRegistry(ctx, env.Notion)
	if err != nil {
		return nil, err
	}

	metrics, err := telemetry.NewMetrics(nil)
	if err != nil {
		return nil, err
	}
	opts := []pipeline.Option{pipeline.WithMetrics(metrics)}

	if cfg.Anthropic.Key != "" {
		client := anthropicpkg.NewClient(cfg.Anthropic.Key,
			anthropicpkg.WithRateLimit(cfg.Anthropic.RequestsPerSecond, cfg.Anthropic.Burst),
		)
		pricing := cost.NewCalculator(cfg.Pricing.Anthropic)
		opts = append(opts, pipeline.WithEvaluator(&pipeline.AnthropicEvaluator{Client: client, Pricing: pricing}))
		if cfg.Content.Generator == "anthropic" {
			opts = append(opts, pipeline.WithGenerator(&pipeline.AnthropicGenerator{
				Client:    client,
				Model:     cfg.Anthropic.Model,
				MaxTokens: cfg.Anthropic.MaxTokens,
				Pricing:   pricing,
			}))
		}
	} else {
		zap.L().Warn("REPORT_ANTHROPIC_KEY not set, safety checks will be UNKNOWN and route to review")
	}

	if cfg.Render.Renderer == "chromedp" {
		opts = append(opts, pipeline.WithRenderer(
			pdf.NewChromeRenderer(cfg.Render.OutputDir, cfg.Render.ChromePath, cfg.Render.Timeout()),
		))
	}

	if cfg.Delivery.WebhookURL != "" {
		opts = append(opts, pipeline.WithSender(
			notify.NewWebhookSender(cfg.Delivery.WebhookURL, cfg.Delivery.SigningSecret, cfg.Delivery.Timeout()),
		))
	} else {
		zap.L().Warn("delivery.webhook_url not set, notifications will fail until configured")
	}

	if cfg.Redis.Addr != "" {
		pub, err := events.NewRedisPublisher(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		env.Events = pub
		zap.L().Info("job events publishing to redis", zap.String("channel", cfg.Redis.Channel))
	}
	opts = append(opts, pipeline.WithEvents(env.Events))

	env.Pipeline = pipeline.New(cfg, env.Store, env.Registry, opts...)
	ok = true
	return env, nil
}

// loadRegistry layers --registry files and published Notion prompts over
// the embedded registry.
func loadRegistry(ctx context.Context, nc notion.Client) (*registry.Registry, error) {
	reg, err := registry.Default()
	if err != nil {
		return nil, eris.Wrap(err, "load embedded registry")
	}
	for _, path := range registryFiles {
		doc, err := registry.LoadFile(path)
		if err != nil {
			return nil, err
		}
		if reg, err = reg.With(doc); err != nil {
			return nil, eris.Wrapf(err, "merge registry %s", path)
		}
	}
	if nc != nil && cfg.Notion.PromptDB != "" {
		doc, err := registry.LoadPromptsFromNotion(ctx, nc, cfg.Notion.PromptDB)
		if err != nil {
			return nil, err
		}
		if reg, err = reg.With(doc); err != nil {
			return nil, eris.Wrap(err, "merge notion prompts")
		}
	}
	zap.L().Info("registry loaded",
		zap.Int("prompts", len(reg.PromptRefs())),
		zap.Strings("rule_sets", reg.RuleSetVersions()),
	)
	return reg, nil
}
