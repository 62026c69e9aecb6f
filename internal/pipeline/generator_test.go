package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/carepath/report-pipeline/internal/cost"
	"github.com/carepath/report-pipeline/internal/model"
	"github.com/carepath/report-pipeline/internal/registry"
	"github.com/carepath/report-pipeline/internal/resilience"
	"github.com/carepath/report-pipeline/pkg/anthropic"
)

var overviewPrompt = registry.Prompt{
	ID:       "section.overview",
	Version:  "v9",
	System:   "Write for a patient.",
	Template: "Overall risk is {{.OverallLevel}} ({{.OverallScore}}).",
}

func TestAnthropicGenerator_RewritesDraft(t *testing.T) {
	mc := new(mockAnthropic)
	ctx := context.Background()
	mc.On("Complete", ctx, mock.MatchedBy(func(req anthropic.Request) bool {
		return req.Model == "claude-test" &&
			req.System == "Write for a patient." &&
			req.CacheTTL == promptCacheTTL &&
			req.Temperature == nil &&
			assert.Contains(t, req.Prompt, "<draft>\nOverall risk is moderate (42).\n</draft>")
	})).Return(&anthropic.Completion{
		Text:       "  Your overall risk is moderate.  ",
		StopReason: "max_tokens",
		Usage:      anthropic.Usage{InputTokens: 100, OutputTokens: 20},
	}, nil).Once()

	g := &AnthropicGenerator{Client: mc, Model: "claude-test", MaxTokens: 256, Pricing: cost.NewCalculator(nil)}
	got, err := g.Generate(ctx, SectionRequest{
		Key:    model.SectionOverview,
		Prompt: overviewPrompt,
		Data:   SectionData{OverallScore: 42, OverallLevel: model.RiskModerate},
	})
	require.NoError(t, err)
	assert.Equal(t, "Your overall risk is moderate.", got.Content)
	assert.Equal(t, []string{"model_generated", "truncated"}, got.Flags)
	mc.AssertExpectations(t)
}

func TestAnthropicGenerator_EmptyOutput(t *testing.T) {
	mc := new(mockAnthropic)
	mc.On("Complete", mock.Anything, mock.Anything).Return(&anthropic.Completion{Text: " \n"}, nil).Once()

	g := &AnthropicGenerator{Client: mc, Model: "claude-test", MaxTokens: 256}
	_, err := g.Generate(context.Background(), SectionRequest{Key: model.SectionOverview, Prompt: overviewPrompt})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty model output")
}

func TestAnthropicGenerator_ClientErrorNotTransient(t *testing.T) {
	mc := new(mockAnthropic)
	mc.On("Complete", mock.Anything, mock.Anything).Return(nil, assert.AnError).Once()

	g := &AnthropicGenerator{Client: mc, Model: "claude-test"}
	_, err := g.Generate(context.Background(), SectionRequest{Key: model.SectionOverview, Prompt: overviewPrompt})
	require.ErrorIs(t, err, assert.AnError)
	assert.False(t, resilience.IsTransient(err))
}

func TestAnthropicEvaluator_Deterministic(t *testing.T) {
	mc := new(mockAnthropic)
	ctx := context.Background()
	mc.On("Complete", ctx, mock.MatchedBy(func(req anthropic.Request) bool {
		return req.Temperature != nil && *req.Temperature == 0 &&
			req.Model == "claude-test" && req.MaxTokens == 512 &&
			assert.Contains(t, req.Prompt, "overview")
	})).Return(&anthropic.Completion{
		Text:  `{"summary":"ok","severity":"NONE","action":"PASS","findings":[]}`,
		Model: "claude-test",
		Usage: anthropic.Usage{InputTokens: 900, OutputTokens: 40},
	}, nil).Once()

	e := &AnthropicEvaluator{Client: mc}
	got, err := e.Evaluate(ctx, EvaluationRequest{
		Prompt:    registry.Prompt{ID: "safety.evaluate", Version: "v1", Template: "{{range .Sections}}{{.Key}}: {{.Content}}\n{{end}}"},
		Sections:  []EvaluationSection{{Key: "overview", Content: "text"}},
		Model:     "claude-test",
		MaxTokens: 512,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(900), got.InputTokens)
	assert.Equal(t, int64(40), got.OutputTokens)
	assert.Contains(t, got.Raw, `"action":"PASS"`)
	mc.AssertExpectations(t)
}
