// Package workflow drives report jobs with Temporal. The workflow only loops
// the orchestrator's Advance; every decision about what to run lives in the
// pipeline, so replaying a workflow never changes what a job produces.
package workflow

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/carepath/report-pipeline/internal/model"
)

// SignalJobUpdated tells a waiting workflow that a review was decided or
// consent changed.
const SignalJobUpdated = "job-updated"

const (
	defaultMaxSteps = 16
	maxWaits        = 10
)

// Input starts a report workflow.
type Input struct {
	JobID    string `json:"job_id"`
	MaxSteps int    `json:"max_steps"`
	// WaitTimeout is how long a halted job waits for SignalJobUpdated
	// before the workflow returns. Zero returns at the first halt.
	WaitTimeout time.Duration `json:"wait_timeout"`
}

// Result is the last outcome the workflow saw.
type Result struct {
	JobID   string              `json:"job_id"`
	Steps   int                 `json:"steps"`
	Outcome *model.StageOutcome `json:"outcome"`
}

// Advancer is the part of the orchestrator the activities need.
type Advancer interface {
	Advance(ctx context.Context, jobID string) (*model.StageOutcome, error)
}

// Activities wraps the orchestrator for registration with a worker.
type Activities struct {
	Pipeline Advancer
}

// Advance runs one orchestrator step.
func (a *Activities) Advance(ctx context.Context, jobID string) (*model.StageOutcome, error) {
	info := activity.GetInfo(ctx)
	out, err := a.Pipeline.Advance(ctx, jobID)
	if err != nil {
		zap.L().Warn("workflow: advance failed",
			zap.String("job_id", jobID),
			zap.Int32("attempt", info.Attempt),
			zap.Error(err),
		)
		return nil, eris.Wrapf(err, "workflow: advance %s", jobID)
	}
	return out, nil
}

// waiting reports whether the outcome needs an outside action that a signal
// can announce.
func waiting(out *model.StageOutcome) bool {
	if out.Status != model.OutcomeDelivery || out.Delivery == nil {
		return false
	}
	switch out.Delivery.State {
	case model.DeliveryNotReady, model.DeliveryReady, model.DeliveryFailed:
		return true
	}
	return false
}

// ReportWorkflow advances a job until it halts. A job halted at delivery may
// wait for SignalJobUpdated and then resume.
func ReportWorkflow(ctx workflow.Context, in Input) (*Result, error) {
	if in.JobID == "" {
		return nil, temporal.NewNonRetryableApplicationError("job id is required", "InvalidInput", nil)
	}
	maxSteps := in.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}

	log := workflow.GetLogger(ctx)
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
		},
	})

	signals := workflow.GetSignalChannel(ctx, SignalJobUpdated)
	res := &Result{JobID: in.JobID}
	var a *Activities
	waits := 0

	for res.Steps < maxSteps {
		var out model.StageOutcome
		if err := workflow.ExecuteActivity(ctx, a.Advance, in.JobID).Get(ctx, &out); err != nil {
			return res, err
		}
		res.Steps++
		res.Outcome = &out
		log.Info("workflow: step", "job_id", in.JobID, "stage", string(out.Stage), "status", string(out.Status))

		if !out.Halted() {
			continue
		}
		if in.WaitTimeout <= 0 || !waiting(&out) || waits >= maxWaits {
			return res, nil
		}

		waits++
		signalled := false
		timerCtx, cancelTimer := workflow.WithCancel(ctx)
		sel := workflow.NewSelector(ctx)
		sel.AddReceive(signals, func(c workflow.ReceiveChannel, _ bool) {
			var note string
			c.Receive(ctx, &note)
			signalled = true
		})
		sel.AddFuture(workflow.NewTimer(timerCtx, in.WaitTimeout), func(workflow.Future) {})
		sel.Select(ctx)
		cancelTimer()
		if !signalled {
			log.Info("workflow: wait timed out", "job_id", in.JobID)
			return res, nil
		}
	}
	return res, nil
}
