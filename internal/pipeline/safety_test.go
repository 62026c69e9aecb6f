package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/carepath/report-pipeline/internal/config"
	"github.com/carepath/report-pipeline/internal/model"
	"github.com/carepath/report-pipeline/internal/resilience"
)

func TestParseEvaluation(t *testing.T) {
	valid := `{"summary":"ok","severity":"low","action":"FLAG","findings":[{"category":"tone","severity":"low","section_key":"overview","description":"terse"}]}`

	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", valid, false},
		{"empty findings", passEvaluation, false},
		{"fenced", "```json\n" + passEvaluation + "\n```", false},
		{"bare fence", "```\n" + passEvaluation + "\n```", false},
		{"prose", "Here is my review: " + passEvaluation, true},
		{"trailing text", passEvaluation + " thanks", true},
		{"two objects", passEvaluation + passEvaluation, true},
		{"unknown field", `{"summary":"ok","severity":"none","action":"PASS","findings":[],"confidence":0.9}`, true},
		{"missing findings", `{"summary":"ok","severity":"none","action":"PASS"}`, true},
		{"null findings", `{"summary":"ok","severity":"none","action":"PASS","findings":null}`, true},
		{"empty summary", `{"summary":" ","severity":"none","action":"PASS","findings":[]}`, true},
		{"bad action", `{"summary":"ok","severity":"none","action":"UNKNOWN","findings":[]}`, true},
		{"bad severity", `{"summary":"ok","severity":"severe","action":"PASS","findings":[]}`, true},
		{"unknown section", `{"summary":"ok","severity":"low","action":"FLAG","findings":[{"category":"c","severity":"low","section_key":"appendix","description":"d"}]}`, true},
		{"finding without description", `{"summary":"ok","severity":"low","action":"FLAG","findings":[{"category":"c","severity":"low"}]}`, true},
		{"not json", "PASS", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := parseEvaluation(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, doc.Findings)
		})
	}
}

func TestFailureCode(t *testing.T) {
	timeout := resilience.Transient(context.DeadlineExceeded, 0)
	assert.Equal(t, FailureTimeout, failureCode(&resilience.ExhaustedError{Attempts: 2, Err: timeout}))
	assert.Equal(t, FailureCircuitOpen, failureCode(resilience.ErrOpen))
	assert.Equal(t, FailureUnavailable, failureCode(errors.New("502 bad gateway")))
}

// safetyReady returns an orchestrator whose job sits at the safety stage.
func safetyReady(t *testing.T, opts ...Option) (*Orchestrator, *model.ProcessingJob) {
	t.Helper()
	st := newTestStore(t)
	cfg := testConfig(t)
	prep := New(cfg, st, defaultRegistry(t))
	job := createJob(t, prep)
	advanceTo(t, prep, job.ID, model.StageSafetyCheck)
	return New(cfg, st, defaultRegistry(t), opts...), job
}

func TestProcessSafetyStage_SendsRedactedSections(t *testing.T) {
	ev := new(mockEvaluator)
	o, job := safetyReady(t, WithEvaluator(ev))
	ctx := context.Background()

	ev.On("Evaluate", mock.Anything, mock.MatchedBy(func(req EvaluationRequest) bool {
		return req.Prompt.Ref() == "safety.evaluate@v1" &&
			req.Model == "claude-test" &&
			req.MaxTokens == 512 &&
			len(req.Sections) == 4 &&
			req.Sections[0].Key == model.SectionOverview
	})).Return(&Evaluation{Raw: passEvaluation, InputTokens: 1200, OutputTokens: 30}, nil).Once()

	res, err := o.ProcessSafetyStage(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SafetyPass, res.Action)
	assert.Equal(t, model.SeverityNone, res.Severity)
	assert.False(t, res.ReviewRequired)

	// Cached by evaluation key: the evaluator is not called again.
	again, err := o.ProcessSafetyStage(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, res.ResultID, again.ResultID)
	ev.AssertExpectations(t)

	_, err = o.store.GetReview(ctx, job.ID)
	assert.Error(t, err)
}

func TestProcessSafetyStage_TimeoutFailsClosed(t *testing.T) {
	slow := evaluatorFunc(func(ctx context.Context, _ EvaluationRequest) (*Evaluation, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o, job := safetyReady(t, WithEvaluator(slow), WithSender(&countingSender{}))
	o.cfg.Retry.MaxAttempts = 1
	o.cfg.Safety.TimeoutSecs = 1
	ctx := context.Background()

	start := time.Now()
	res, err := o.ProcessSafetyStage(ctx, job.ID)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, model.SafetyUnknown, res.Action)
	assert.Equal(t, model.SeverityUnknown, res.Severity)
	assert.True(t, res.ReviewRequired)

	list, err := o.store.ListArtifacts(ctx, model.KindSafetyResult, job.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	stored, err := decodeArtifact[model.SafetyPayload](&list[0])
	require.NoError(t, err)
	assert.Equal(t, FailureTimeout, stored.payload.FailureCode)

	review, err := o.store.GetReview(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"safety_unknown:" + res.ResultID}, review.Reasons)

	got, err := o.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageDelivery, got.Stage)
	assert.Equal(t, model.JobStatusInProgress, got.Status)

	require.NoError(t, o.SetConsent(ctx, job.ID, "", true))
	out, err := o.Run(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, out.Delivery)
	assert.Equal(t, model.DeliveryNotReady, out.Delivery.State)
	assert.Equal(t, []string{ReasonReviewPending}, out.Delivery.Reasons)
}

func TestProcessSafetyStage_FailureModes(t *testing.T) {
	tripped := resilience.NewBreaker("test", config.CircuitConfig{FailureThreshold: 1, ResetTimeoutSecs: 3600})
	_ = tripped.Do(context.Background(), func(context.Context) error { return errors.New("down") })
	require.Equal(t, resilience.Open, tripped.State())

	tests := []struct {
		name    string
		opts    []Option
		failure string
	}{
		{
			name: "schema invalid",
			opts: []Option{WithEvaluator(evaluatorFunc(func(context.Context, EvaluationRequest) (*Evaluation, error) {
				return &Evaluation{Raw: "Looks fine to me. PASS"}, nil
			}))},
			failure: FailureSchemaInvalid,
		},
		{
			name: "evaluator error",
			opts: []Option{WithEvaluator(evaluatorFunc(func(context.Context, EvaluationRequest) (*Evaluation, error) {
				return nil, errors.New("invalid api key")
			}))},
			failure: FailureUnavailable,
		},
		{
			name:    "circuit open",
			opts:    []Option{WithEvaluator(passingEvaluator()), WithBreaker(tripped)},
			failure: FailureCircuitOpen,
		},
		{
			name:    "no evaluator",
			opts:    nil,
			failure: FailureNoEvaluator,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, job := safetyReady(t, tt.opts...)
			ctx := context.Background()

			res, err := o.ProcessSafetyStage(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.SafetyUnknown, res.Action)
			assert.True(t, res.ReviewRequired)

			list, err := o.store.ListArtifacts(ctx, model.KindSafetyResult, job.ID)
			require.NoError(t, err)
			require.Len(t, list, 1)
			stored, err := decodeArtifact[model.SafetyPayload](&list[0])
			require.NoError(t, err)
			assert.Equal(t, tt.failure, stored.payload.FailureCode)
		})
	}
}

func TestProcessSafetyStage_UnknownPromptVersion(t *testing.T) {
	o, job := safetyReady(t, WithEvaluator(passingEvaluator()))
	o.cfg.Safety.PromptVersion = "v42"

	res, err := o.ProcessSafetyStage(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SafetyUnknown, res.Action)
}

func TestProcessSafetyStage_CallerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	blocking := evaluatorFunc(func(ctx context.Context, _ EvaluationRequest) (*Evaluation, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o, job := safetyReady(t, WithEvaluator(blocking))

	_, err := o.ProcessSafetyStage(ctx, job.ID)
	require.Error(t, err)

	list, err := o.store.ListArtifacts(context.Background(), model.KindSafetyResult, job.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
	got, err := o.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageSafetyCheck, got.Stage)
	assert.NotEqual(t, model.JobStatusFailed, got.Status)
}
