package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/carepath/report-pipeline/internal/cost"
	"github.com/carepath/report-pipeline/internal/model"
	"github.com/carepath/report-pipeline/internal/registry"
	"github.com/carepath/report-pipeline/pkg/anthropic"
)

// SectionData is what section prompt templates are executed against.
type SectionData struct {
	OverallScore  int
	OverallLevel  model.RiskLevel
	Factors       []model.RiskFactor
	TopFactors    []model.RiskFactor
	Interventions []model.RankedIntervention
	Answers       map[string]any
}

func newSectionData(risk model.RiskPayload, ranking model.RankingPayload, answers map[string]any) SectionData {
	top := make([]model.RiskFactor, len(risk.Factors))
	copy(top, risk.Factors)
	sort.SliceStable(top, func(i, j int) bool {
		if top[i].Score != top[j].Score {
			return top[i].Score > top[j].Score
		}
		return top[i].Key < top[j].Key
	})
	return SectionData{
		OverallScore:  risk.OverallScore,
		OverallLevel:  risk.OverallLevel,
		Factors:       risk.Factors,
		TopFactors:    top,
		Interventions: ranking.Interventions,
		Answers:       answers,
	}
}

// SectionRequest asks a generator for one section.
type SectionRequest struct {
	Key    model.SectionKey
	Prompt registry.Prompt
	Data   SectionData
}

// GeneratedSection is a generator's draft, before guardrails.
type GeneratedSection struct {
	Content string
	Flags   []string
}

// SectionGenerator produces section drafts.
type SectionGenerator interface {
	Generate(ctx context.Context, req SectionRequest) (*GeneratedSection, error)
}

// TemplateGenerator executes the prompt template directly. Its output is a
// pure function of the request.
type TemplateGenerator struct{}

func (TemplateGenerator) Generate(_ context.Context, req SectionRequest) (*GeneratedSection, error) {
	text, err := executeText(req.Prompt.Ref(), req.Prompt.Template, req.Data)
	if err != nil {
		return nil, err
	}
	return &GeneratedSection{Content: text, Flags: []string{"template"}}, nil
}

func executeText(name, body string, data any) (string, error) {
	tpl, err := template.New(name).Option("missingkey=zero").Parse(body)
	if err != nil {
		return "", eris.Wrapf(err, "pipeline: parse template %s", name)
	}
	var b strings.Builder
	if err := tpl.Execute(&b, data); err != nil {
		return "", eris.Wrapf(err, "pipeline: execute template %s", name)
	}
	return b.String(), nil
}

// AnthropicGenerator drafts a section from the template, then has the model
// rewrite it under the prompt's system instructions.
type AnthropicGenerator struct {
	Client    anthropic.Client
	Model     string
	MaxTokens int64
	// Pricing is optional; without it usage is logged unpriced.
	Pricing *cost.Calculator
}

// promptCacheTTL is the cache breakpoint lifetime for prompt system text.
const promptCacheTTL = "5m"

func logUsage(pricing *cost.Calculator, modelID string, stage model.Stage, u anthropic.Usage) {
	fields := []zap.Field{
		zap.String("model", modelID),
		zap.String("stage", string(stage)),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_write_tokens", u.CacheWriteTokens),
		zap.Int64("cache_read_tokens", u.CacheReadTokens),
	}
	if pricing != nil && pricing.Known(modelID) {
		fields = append(fields, zap.Float64("estimated_cost_usd",
			pricing.Claude(modelID, u.InputTokens, u.OutputTokens, u.CacheWriteTokens, u.CacheReadTokens)))
	}
	zap.L().Info("pipeline: model usage", fields...)
}

const rewriteInstruction = "Rewrite the draft below as the final section text. " +
	"Keep every @factor:<key> and @intervention:<key> token exactly as written. " +
	"Return only the section text.\n\n<draft>\n%s\n</draft>"

func (g *AnthropicGenerator) Generate(ctx context.Context, req SectionRequest) (*GeneratedSection, error) {
	draft, err := executeText(req.Prompt.Ref(), req.Prompt.Template, req.Data)
	if err != nil {
		return nil, err
	}

	resp, err := g.Client.Complete(ctx, anthropic.Request{
		Model:     g.Model,
		MaxTokens: g.MaxTokens,
		System:    req.Prompt.System,
		CacheTTL:  promptCacheTTL,
		Prompt:    fmt.Sprintf(rewriteInstruction, draft),
	})
	if err != nil {
		return nil, classifyAnthropic(err)
	}
	logUsage(g.Pricing, g.Model, model.StageContent, resp.Usage)

	flags := []string{"model_generated"}
	if resp.Truncated() {
		flags = append(flags, "truncated")
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil, eris.Errorf("pipeline: empty model output for %s", req.Key)
	}
	return &GeneratedSection{Content: text, Flags: flags}, nil
}
