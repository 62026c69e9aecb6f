package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepath/report-pipeline/internal/model"
	"github.com/carepath/report-pipeline/internal/registry"
	"github.com/carepath/report-pipeline/internal/resilience"
)

func advanceTo(t *testing.T, o *Orchestrator, jobID string, stage model.Stage) {
	t.Helper()
	for range 8 {
		job, err := o.store.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job.Stage == stage {
			return
		}
		out, err := o.Advance(context.Background(), jobID)
		require.NoError(t, err)
		require.False(t, out.Status == model.OutcomeFailed, "advance failed: %s", out.Message)
	}
	t.Fatalf("job %s never reached %s", jobID, stage)
}

func TestProcessContentStage_ReusesSections(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	o := New(testConfig(t), st, defaultRegistry(t))
	job := createJob(t, o)
	advanceTo(t, o, job.ID, model.StageContent)

	first, err := o.ProcessContentStage(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, first.Generated, 4)
	for _, s := range first.Sections {
		assert.Equal(t, "section."+string(s.Payload.SectionKey)+"@v1", s.Payload.PromptRef)
		assert.NotContains(t, s.Payload.Content, "@factor:")
		assert.NotContains(t, s.Payload.Content, "@intervention:")
	}

	second, err := o.ProcessContentStage(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, second.Generated)
	for i := range first.Sections {
		assert.Equal(t, first.Sections[i].ID, second.Sections[i].ID)
	}
	assert.Equal(t, 4, rowCounts(t, st, job.ID)[string(model.KindReportSection)])
}

func TestProcessContentStage_GuardrailRejectsWholeBatch(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	cfg := testConfig(t)
	cfg.Delivery.RequireConsent = false
	leaky := generatorFunc(func(ctx context.Context, req SectionRequest) (*GeneratedSection, error) {
		if req.Key == model.SectionOverview {
			return &GeneratedSection{Content: "Questions? Write to pat.doe@example.com any time."}, nil
		}
		return TemplateGenerator{}.Generate(ctx, req)
	})
	o := New(cfg, st, defaultRegistry(t), WithGenerator(leaky), WithEvaluator(passingEvaluator()), WithSender(&countingSender{}))
	job := createJob(t, o)
	advanceTo(t, o, job.ID, model.StageContent)

	_, err := o.ProcessContentStage(ctx, job.ID)
	require.Error(t, err)
	assert.Equal(t, CodeGuardrailViolation, CodeOf(err))
	assert.NotContains(t, err.Error(), "pat.doe@example.com")

	assert.Zero(t, rowCounts(t, st, job.ID)[string(model.KindReportSection)])
	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, model.StageContent, got.Stage)
	assert.Equal(t, string(CodeGuardrailViolation), got.ErrorCode)

	// Advancing a failed job reports the failure without doing work.
	out, err := o.Advance(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailed, out.Status)

	_, err = o.ProcessContentStage(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobFailed)

	fixed := New(cfg, st, defaultRegistry(t), WithEvaluator(passingEvaluator()), WithSender(&countingSender{}))
	_, err = fixed.Retry(ctx, job.ID)
	require.NoError(t, err)
	res, err := fixed.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, res.Delivery.State)

	events, err := st.ListAudit(ctx, job.ID)
	require.NoError(t, err)
	var actions []string
	for _, e := range events {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, "stage_failed")
	assert.Contains(t, actions, "job_retried")
}

func TestProcessContentStage_TransientGeneratorFailure(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	calls := 0
	flaky := generatorFunc(func(_ context.Context, req SectionRequest) (*GeneratedSection, error) {
		if req.Key == model.SectionNextSteps {
			calls++
			return nil, resilience.Transient(errors.New("upstream overloaded"), 529)
		}
		return &GeneratedSection{Content: "Keep moving."}, nil
	})
	cfg := testConfig(t)
	cfg.Content.Concurrency = 1
	o := New(cfg, st, defaultRegistry(t), WithGenerator(flaky))
	job := createJob(t, o)
	advanceTo(t, o, job.ID, model.StageContent)

	_, err := o.ProcessContentStage(ctx, job.ID)
	require.Error(t, err)
	assert.Equal(t, CodeTransientTransport, CodeOf(err))
	assert.Equal(t, 2, calls)
	assert.Zero(t, rowCounts(t, st, job.ID)[string(model.KindReportSection)])
}

func TestProcessResultsStage_DoesNotMoveJob(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	reg, err := defaultRegistry(t).With(registry.Document{Prompts: []registry.Prompt{{
		ID:       "section.overview",
		Version:  "v2",
		System:   "s",
		Template: "Your overall risk level is {{.OverallLevel}}.",
	}}})
	require.NoError(t, err)
	o := New(testConfig(t), st, reg)
	job := createJob(t, o)
	advanceTo(t, o, job.ID, model.StageContent)

	res, err := o.ProcessResultsStage(ctx, job.ID, "")
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	assert.NotEmpty(t, res.ResultID)

	again, err := o.ProcessResultsStage(ctx, job.ID, "v1")
	require.NoError(t, err)
	assert.False(t, again.IsNew)
	assert.Equal(t, res.ResultID, again.ResultID)

	// v2 only registers the overview prompt; the others are unknown.
	_, err = o.ProcessResultsStage(ctx, job.ID, "v2")
	require.Error(t, err)
	assert.Equal(t, CodeUnknownAlgorithmVersion, CodeOf(err))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageContent, got.Stage)
	assert.Equal(t, model.JobStatusInProgress, got.Status)
}
