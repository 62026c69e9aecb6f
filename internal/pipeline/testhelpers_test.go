package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/carepath/report-pipeline/internal/config"
	"github.com/carepath/report-pipeline/internal/model"
	"github.com/carepath/report-pipeline/internal/registry"
	"github.com/carepath/report-pipeline/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Anthropic:  config.AnthropicConfig{Model: "claude-test"},
		Risk:       config.RiskConfig{AlgorithmVersion: "risk-1.0.0"},
		Ranking:    config.RankingConfig{AlgorithmVersion: "ranking-1.0.0", MaxInterventions: 5},
		Content:    config.ContentConfig{Generator: "template", PromptVersion: "v1", Concurrency: 2},
		Validation: config.ValidationConfig{RulesEngineVersion: "rules-2026.1"},
		Safety:     config.SafetyConfig{PromptVersion: "v1", Model: "claude-test", MaxTokens: 512, TimeoutSecs: 5},
		Render:     config.RenderConfig{Renderer: "html", OutputDir: t.TempDir(), TemplateVersion: "report-pdf@1", TimeoutSecs: 5},
		Delivery:   config.DeliveryConfig{Channel: "webhook", TimeoutSecs: 5, RequireConsent: true},
		Retry:      config.RetryConfig{MaxAttempts: 2, InitialBackoffMs: 1, MaxBackoffMs: 2, Multiplier: 2, JitterFraction: 0},
		Circuit:    config.CircuitConfig{FailureThreshold: 50, ResetTimeoutSecs: 1},
		Temporal:   config.TemporalConfig{MaxSteps: 16},
	}
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func defaultRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Default()
	require.NoError(t, err)
	return reg
}

// sampleAnswers score moderate overall (40) with cholesterol, family
// history and activity as the top factors.
func sampleAnswers() model.Answers {
	return model.Answers{
		"age":                       52,
		"systolic_bp":               142,
		"diastolic_bp":              88,
		"total_cholesterol":         215,
		"hdl":                       38,
		"family_history_cvd":        true,
		"bmi":                       29.1,
		"diabetes":                  "none",
		"activity_minutes_per_week": 60,
		"smoking":                   "former",
		"alcohol_drinks_per_week":   4,
		"sleep_hours":               6.5,
		"stress_level":              5,
		"notes":                     "I moved here from Springfield last spring",
	}
}

func createJob(t *testing.T, o *Orchestrator) *model.ProcessingJob {
	t.Helper()
	job, err := o.CreateJob(context.Background(), "asm-7f3a", "q-2026.1", sampleAnswers())
	require.NoError(t, err)
	return job
}

// rowCounts counts every persisted row that belongs to a job.
func rowCounts(t *testing.T, st store.Store, jobID string) map[string]int {
	t.Helper()
	ctx := context.Background()
	out := map[string]int{}
	for _, kind := range model.ArtifactKinds() {
		list, err := st.ListArtifacts(ctx, kind, jobID)
		require.NoError(t, err)
		out[string(kind)] = len(list)
	}
	events, err := st.ListAudit(ctx, jobID)
	require.NoError(t, err)
	out["audit"] = len(events)
	for _, s := range []model.NotificationStatus{model.NotificationPending, model.NotificationSent, model.NotificationDelivered, model.NotificationFailed} {
		n, err := st.CountNotifications(ctx, s)
		require.NoError(t, err)
		out["notifications"] += n
	}
	for _, s := range []model.ReviewStatus{model.ReviewPending, model.ReviewApproved, model.ReviewRejected} {
		n, err := st.CountReviews(ctx, s)
		require.NoError(t, err)
		out["reviews"] += n
	}
	return out
}
