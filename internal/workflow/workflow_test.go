package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap"

	"github.com/carepath/report-pipeline/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// scriptedAdvancer replays a fixed list of outcomes; the last one repeats.
type scriptedAdvancer struct {
	mu       sync.Mutex
	outcomes []*model.StageOutcome
	failures int
	calls    int
}

func (s *scriptedAdvancer) Advance(_ context.Context, jobID string) (*model.StageOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("database is locked")
	}
	i := min(s.calls, len(s.outcomes)-1)
	s.calls++
	out := *s.outcomes[i]
	out.JobID = jobID
	return &out, nil
}

func (s *scriptedAdvancer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func advanced(stage model.Stage) *model.StageOutcome {
	return &model.StageOutcome{Stage: stage, NextStage: stage.Next(), Status: model.OutcomeAdvanced}
}

func delivery(state model.DeliveryState, reasons ...string) *model.StageOutcome {
	return &model.StageOutcome{
		Stage:     model.StageCompleted,
		NextStage: model.StageCompleted,
		Status:    model.OutcomeDelivery,
		Delivery:  &model.DeliveryResult{State: state, Reasons: reasons},
	}
}

func fullRun(final ...*model.StageOutcome) []*model.StageOutcome {
	out := []*model.StageOutcome{
		advanced(model.StageRisk),
		advanced(model.StageRanking),
		advanced(model.StageContent),
		advanced(model.StageValidation),
		advanced(model.StageSafetyCheck),
		{Stage: model.StageDelivery, NextStage: model.StageCompleted, Status: model.OutcomeCompleted},
	}
	return append(out, final...)
}

type WorkflowSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite
	env *testsuite.TestWorkflowEnvironment
}

func TestWorkflowSuite(t *testing.T) {
	suite.Run(t, new(WorkflowSuite))
}

func (s *WorkflowSuite) SetupTest() {
	s.env = s.NewTestWorkflowEnvironment()
}

func (s *WorkflowSuite) AfterTest(_, _ string) {
	s.env.AssertExpectations(s.T())
}

func (s *WorkflowSuite) register(adv *scriptedAdvancer) {
	s.env.RegisterActivity(&Activities{Pipeline: adv})
}

func (s *WorkflowSuite) result() *Result {
	s.Require().True(s.env.IsWorkflowCompleted())
	s.Require().NoError(s.env.GetWorkflowError())
	var res Result
	s.Require().NoError(s.env.GetWorkflowResult(&res))
	return &res
}

func (s *WorkflowSuite) TestRunsUntilDelivered() {
	adv := &scriptedAdvancer{outcomes: fullRun(delivery(model.DeliveryDelivered))}
	s.register(adv)

	s.env.ExecuteWorkflow(ReportWorkflow, Input{JobID: "job-1"})

	res := s.result()
	s.Equal(7, res.Steps)
	s.Equal("job-1", res.Outcome.JobID)
	s.Equal(model.DeliveryDelivered, res.Outcome.Delivery.State)
	s.Equal(7, adv.Calls())
}

func (s *WorkflowSuite) TestStopsAtFailure() {
	failed := &model.StageOutcome{Stage: model.StageContent, NextStage: model.StageContent, Status: model.OutcomeFailed, ErrorCode: "guardrail_violation"}
	adv := &scriptedAdvancer{outcomes: []*model.StageOutcome{advanced(model.StageRisk), advanced(model.StageRanking), failed}}
	s.register(adv)

	s.env.ExecuteWorkflow(ReportWorkflow, Input{JobID: "job-2", WaitTimeout: time.Hour})

	res := s.result()
	s.Equal(3, res.Steps)
	s.Equal(model.OutcomeFailed, res.Outcome.Status)
	s.Equal("guardrail_violation", res.Outcome.ErrorCode)
}

func (s *WorkflowSuite) TestHonorsStepBudget() {
	adv := &scriptedAdvancer{outcomes: []*model.StageOutcome{advanced(model.StageRisk)}}
	s.register(adv)

	s.env.ExecuteWorkflow(ReportWorkflow, Input{JobID: "job-3", MaxSteps: 4})

	res := s.result()
	s.Equal(4, res.Steps)
	s.Equal(4, adv.Calls())
}

func (s *WorkflowSuite) TestResumesOnSignal() {
	adv := &scriptedAdvancer{outcomes: fullRun(
		delivery(model.DeliveryNotReady, "review_pending"),
		delivery(model.DeliveryDelivered),
	)}
	s.register(adv)
	s.env.RegisterDelayedCallback(func() {
		s.env.SignalWorkflow(SignalJobUpdated, "review approved")
	}, 30*time.Minute)

	s.env.ExecuteWorkflow(ReportWorkflow, Input{JobID: "job-4", WaitTimeout: 24 * time.Hour})

	res := s.result()
	s.Equal(8, res.Steps)
	s.Equal(model.DeliveryDelivered, res.Outcome.Delivery.State)
}

func (s *WorkflowSuite) TestWaitTimesOut() {
	adv := &scriptedAdvancer{outcomes: fullRun(delivery(model.DeliveryReady, "consent_missing"))}
	s.register(adv)

	s.env.ExecuteWorkflow(ReportWorkflow, Input{JobID: "job-5", WaitTimeout: time.Hour})

	res := s.result()
	s.Equal(7, res.Steps)
	s.Equal(model.DeliveryReady, res.Outcome.Delivery.State)
	s.Equal([]string{"consent_missing"}, res.Outcome.Delivery.Reasons)
}

func (s *WorkflowSuite) TestRetriesActivityErrors() {
	adv := &scriptedAdvancer{failures: 2, outcomes: fullRun(delivery(model.DeliveryDelivered))}
	s.register(adv)

	s.env.ExecuteWorkflow(ReportWorkflow, Input{JobID: "job-6"})

	res := s.result()
	s.Equal(model.DeliveryDelivered, res.Outcome.Delivery.State)
	s.Equal(7, adv.Calls())
}

func (s *WorkflowSuite) TestRequiresJobID() {
	s.register(&scriptedAdvancer{outcomes: fullRun()})

	s.env.ExecuteWorkflow(ReportWorkflow, Input{})

	s.True(s.env.IsWorkflowCompleted())
	s.Error(s.env.GetWorkflowError())
}

func TestWaiting(t *testing.T) {
	assert.True(t, waiting(delivery(model.DeliveryNotReady, "review_pending")))
	assert.True(t, waiting(delivery(model.DeliveryFailed, "send_failed")))
	assert.False(t, waiting(delivery(model.DeliveryDelivered)))
	assert.False(t, waiting(&model.StageOutcome{Status: model.OutcomeFailed}))
	assert.Equal(t, "report-abc", WorkflowID("abc"))
}
