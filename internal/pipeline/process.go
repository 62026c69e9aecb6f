package pipeline

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/carepath/report-pipeline/internal/model"
)

// OutcomeError is returned by the per-stage entry points when the stage
// did not succeed. The job has already been updated as Advance would.
type OutcomeError struct {
	Outcome *model.StageOutcome
}

func (e *OutcomeError) Error() string {
	return fmt.Sprintf("stage %s %s: %s: %s", e.Outcome.Stage, e.Outcome.Status, e.Outcome.ErrorCode, e.Outcome.Message)
}

// RiskStageResult is returned by ProcessRiskStage.
type RiskStageResult struct {
	BundleID    string `json:"bundle_id"`
	IsNewBundle bool   `json:"is_new_bundle"`
}

// RankingStageResult is returned by ProcessRankingStage.
type RankingStageResult struct {
	RankingID string `json:"ranking_id"`
	IsNew     bool   `json:"is_new"`
}

// ContentStageResult is returned by ProcessContentStage.
type ContentStageResult struct {
	Sections  []model.ReportSection `json:"sections"`
	Generated []model.SectionKey    `json:"generated"`
}

// ResultsStageResult is returned by ProcessResultsStage. ResultID is the
// fingerprint of the section set.
type ResultsStageResult struct {
	ResultID string `json:"result_id"`
	IsNew    bool   `json:"is_new"`
}

// ValidationStageResult is returned by ProcessValidationStage.
type ValidationStageResult struct {
	ResultID       string                    `json:"result_id"`
	Result         model.ValidationOutcome   `json:"result"`
	Findings       []model.ValidationFinding `json:"findings"`
	ReviewRequired bool                      `json:"review_required"`
}

// SafetyStageResult is returned by ProcessSafetyStage.
type SafetyStageResult struct {
	ResultID       string                `json:"result_id"`
	Action         model.SafetyAction    `json:"action"`
	Severity       model.SafetySeverity  `json:"severity"`
	Findings       []model.SafetyFinding `json:"findings"`
	ReviewRequired bool                  `json:"review_required"`
}

// RenderStageResult is returned by ProcessRenderStage.
type RenderStageResult struct {
	PDFID string `json:"pdf_id"`
	Path  string `json:"path"`
	IsNew bool   `json:"is_new"`
}

// process runs one named stage for a job through execute.
func (o *Orchestrator) process(ctx context.Context, jobID string, stage model.Stage, fn stageHandler) (*model.StageOutcome, error) {
	job, err := o.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == model.JobStatusFailed {
		return nil, eris.Wrapf(ErrJobFailed, "job %s failed at %s (%s)", job.ID, job.Stage, job.ErrorCode)
	}
	if job.Status == model.JobStatusPending && job.Stage == stage {
		if err := o.store.UpdateJobProgress(ctx, job.ID, model.JobProgress{Status: model.JobStatusInProgress, Stage: job.Stage}); err != nil {
			return nil, eris.Wrap(err, "pipeline: start job")
		}
		job.Status = model.JobStatusInProgress
	}

	out, err := o.execute(ctx, job, stage, func(ctx context.Context) (*stepResult, error) {
		return fn(ctx, job)
	})
	if err != nil {
		return nil, err
	}
	if out.Status == model.OutcomeFailed || out.Status == model.OutcomePreconditionFailed {
		return out, &OutcomeError{Outcome: out}
	}
	return out, nil
}

// ProcessRiskStage computes (or finds) the job's risk bundle.
func (o *Orchestrator) ProcessRiskStage(ctx context.Context, jobID string) (*RiskStageResult, error) {
	var res RiskStageResult
	_, err := o.process(ctx, jobID, model.StageRisk, func(ctx context.Context, job *model.ProcessingJob) (*stepResult, error) {
		b, isNew, err := o.runRisk(ctx, job)
		if err != nil {
			return nil, err
		}
		res = RiskStageResult{BundleID: b.ID, IsNewBundle: isNew}
		return &stepResult{artifact: &b.ArtifactRef, isNew: isNew}, nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ProcessRankingStage ranks interventions for the job's risk bundle.
func (o *Orchestrator) ProcessRankingStage(ctx context.Context, jobID string) (*RankingStageResult, error) {
	var res RankingStageResult
	_, err := o.process(ctx, jobID, model.StageRanking, func(ctx context.Context, job *model.ProcessingJob) (*stepResult, error) {
		r, isNew, err := o.runRanking(ctx, job)
		if err != nil {
			return nil, err
		}
		res = RankingStageResult{RankingID: r.ID, IsNew: isNew}
		return &stepResult{artifact: &r.ArtifactRef, isNew: isNew}, nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ProcessContentStage generates any section whose inputs changed.
func (o *Orchestrator) ProcessContentStage(ctx context.Context, jobID string) (*ContentStageResult, error) {
	var res ContentStageResult
	_, err := o.process(ctx, jobID, model.StageContent, func(ctx context.Context, job *model.ProcessingJob) (*stepResult, error) {
		c, err := o.runContent(ctx, job, o.cfg.Content.PromptVersion)
		if err != nil {
			return nil, err
		}
		res = ContentStageResult{Sections: c.Sections, Generated: c.Generated}
		return contentStep(c), nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ProcessResultsStage generates the job's sections with the given prompt
// version, or the configured one when empty. It never moves the job, so it
// can be used to prepare sections for a prompt version before switching to
// it.
func (o *Orchestrator) ProcessResultsStage(ctx context.Context, jobID, promptVersion string) (*ResultsStageResult, error) {
	job, err := o.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == model.JobStatusFailed {
		return nil, eris.Wrapf(ErrJobFailed, "job %s failed at %s (%s)", job.ID, job.Stage, job.ErrorCode)
	}
	if promptVersion == "" {
		promptVersion = o.cfg.Content.PromptVersion
	}

	ctx, span := o.tracer.Start(ctx, "pipeline.results", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("prompt.version", promptVersion),
	))
	defer span.End()

	c, err := o.runContent(ctx, job, promptVersion)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &ResultsStageResult{ResultID: c.SetHash, IsNew: len(c.Generated) > 0}, nil
}

// ProcessValidationStage runs Layer-1 validation over the job's sections.
func (o *Orchestrator) ProcessValidationStage(ctx context.Context, jobID string) (*ValidationStageResult, error) {
	var res ValidationStageResult
	_, err := o.process(ctx, jobID, model.StageValidation, func(ctx context.Context, job *model.ProcessingJob) (*stepResult, error) {
		v, isNew, err := o.runValidation(ctx, job)
		if err != nil {
			return nil, err
		}
		review := v.Payload.Result != model.ValidationPass
		res = ValidationStageResult{
			ResultID:       v.ID,
			Result:         v.Payload.Result,
			Findings:       v.Payload.Findings,
			ReviewRequired: review,
		}
		return &stepResult{artifact: &v.ArtifactRef, isNew: isNew, review: review}, nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ProcessSafetyStage runs the Layer-2 safety evaluation.
func (o *Orchestrator) ProcessSafetyStage(ctx context.Context, jobID string) (*SafetyStageResult, error) {
	var res SafetyStageResult
	_, err := o.process(ctx, jobID, model.StageSafetyCheck, func(ctx context.Context, job *model.ProcessingJob) (*stepResult, error) {
		s, isNew, err := o.runSafety(ctx, job)
		if err != nil {
			return nil, err
		}
		review := s.Payload.Action != model.SafetyPass
		res = SafetyStageResult{
			ResultID:       s.ID,
			Action:         s.Payload.Action,
			Severity:       s.Payload.Severity,
			Findings:       s.Payload.Findings,
			ReviewRequired: review,
		}
		return &stepResult{artifact: &s.ArtifactRef, isNew: isNew, review: review}, nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ProcessRenderStage renders the report. When the job is at the delivery
// stage this completes it.
func (o *Orchestrator) ProcessRenderStage(ctx context.Context, jobID string) (*RenderStageResult, error) {
	var res RenderStageResult
	_, err := o.process(ctx, jobID, model.StageDelivery, func(ctx context.Context, job *model.ProcessingJob) (*stepResult, error) {
		p, isNew, err := o.runRender(ctx, job)
		if err != nil {
			return nil, err
		}
		res = RenderStageResult{PDFID: p.ID, Path: p.Payload.Path, IsNew: isNew}
		return &stepResult{artifact: &p.ArtifactRef, isNew: isNew, complete: true}, nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ProcessDeliveryStage runs the notification state machine.
func (o *Orchestrator) ProcessDeliveryStage(ctx context.Context, jobID string) (*model.DeliveryResult, error) {
	job, err := o.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == model.JobStatusFailed {
		return nil, eris.Wrapf(ErrJobFailed, "job %s failed at %s (%s)", job.ID, job.Stage, job.ErrorCode)
	}
	return o.deliveryStep(ctx, job)
}

// RunStage dispatches to the entry point for a stage name. "results"
// accepts a prompt version; "render" and "delivery" name the report
// assembly and notification steps.
func (o *Orchestrator) RunStage(ctx context.Context, jobID, name, promptVersion string) (any, error) {
	switch name {
	case string(model.StageRisk):
		return o.ProcessRiskStage(ctx, jobID)
	case string(model.StageRanking):
		return o.ProcessRankingStage(ctx, jobID)
	case string(model.StageContent):
		return o.ProcessContentStage(ctx, jobID)
	case "results":
		return o.ProcessResultsStage(ctx, jobID, promptVersion)
	case string(model.StageValidation):
		return o.ProcessValidationStage(ctx, jobID)
	case string(model.StageSafetyCheck), "safety":
		return o.ProcessSafetyStage(ctx, jobID)
	case "render":
		return o.ProcessRenderStage(ctx, jobID)
	case string(model.StageDelivery):
		return o.ProcessDeliveryStage(ctx, jobID)
	}
	return nil, eris.Wrapf(ErrUnknownStage, "%q", name)
}
