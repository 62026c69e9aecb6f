package pipeline

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/carepath/report-pipeline/internal/audit"
	"github.com/carepath/report-pipeline/internal/fingerprint"
	"github.com/carepath/report-pipeline/internal/model"
	"github.com/carepath/report-pipeline/internal/registry"
)

// runValidation applies the configured rule set to the job's sections. A
// result other than PASS opens a review; the job still advances.
func (o *Orchestrator) runValidation(ctx context.Context, job *model.ProcessingJob) (*model.ValidationResult, bool, error) {
	set, err := o.requireSections(ctx, job, model.StageValidation)
	if err != nil {
		return nil, false, err
	}
	version := o.cfg.Validation.RulesEngineVersion
	hash, err := fingerprint.Hash("validation", set.hash, version)
	if err != nil {
		return nil, false, newStageError(CodeInternal, model.StageValidation, err)
	}

	result, created, err := o.findOrValidate(ctx, job, set, version, hash)
	if err != nil {
		return nil, false, err
	}
	if result.Payload.Result != model.ValidationPass {
		if err := o.requestReview(ctx, job, model.StageValidation, reviewReason("validation", string(result.Payload.Result), result.ID)); err != nil {
			return nil, false, err
		}
	}
	return result, created, nil
}

func (o *Orchestrator) findOrValidate(ctx context.Context, job *model.ProcessingJob, set *sectionSet, version, hash string) (*model.ValidationResult, bool, error) {
	existing, err := findArtifact[model.ValidationPayload](ctx, o.store, model.KindValidationResult, job.ID, "", hash)
	if err != nil {
		return nil, false, newStageError(CodeInternal, model.StageValidation, err)
	}
	if existing != nil {
		return &model.ValidationResult{ArtifactRef: existing.ref, Payload: existing.payload}, false, nil
	}

	var (
		outcome  model.ValidationOutcome
		findings []model.ValidationFinding
	)
	rs, err := o.registry.RuleSet(version)
	switch {
	case errors.Is(err, registry.ErrUnknownVersion):
		outcome = model.ValidationUnknown
		findings = []model.ValidationFinding{{
			RuleKey:  "rule_set",
			Severity: model.FindingError,
			Message:  "rules engine version " + version + " is not registered",
		}}
	case err != nil:
		return nil, false, newStageError(CodeInternal, model.StageValidation, err)
	default:
		outcome, findings = Validate(RuleInput{
			Sections: set.content(),
			Risk:     set.risk.Payload,
			Ranking:  set.ranking.Payload,
		}, rs)
	}
	if findings == nil {
		findings = []model.ValidationFinding{}
	}

	if outcome == model.ValidationUnknown {
		zap.L().Warn("pipeline: validation outcome unknown",
			zap.String("job_id", job.ID),
			zap.String("rules_engine_version", version),
			zap.Int("findings", len(findings)),
		)
	}

	payload := model.ValidationPayload{
		RulesEngineVersion: version,
		SectionsHash:       set.hash,
		Result:             outcome,
		Findings:           findings,
	}
	stored, created, err := putArtifact(ctx, o.store, model.KindValidationResult, job.ID, "", hash, version, payload)
	if err != nil {
		return nil, false, newStageError(CodeInternal, model.StageValidation, err)
	}
	return &model.ValidationResult{ArtifactRef: stored.ref, Payload: stored.payload}, created, nil
}

// requireValidation returns the validation result for the job's current
// sections and configured rules version.
func (o *Orchestrator) requireValidation(ctx context.Context, job *model.ProcessingJob, set *sectionSet, stage model.Stage) (*model.ValidationResult, error) {
	hash, err := fingerprint.Hash("validation", set.hash, o.cfg.Validation.RulesEngineVersion)
	if err != nil {
		return nil, newStageError(CodeInternal, stage, err)
	}
	found, err := findArtifact[model.ValidationPayload](ctx, o.store, model.KindValidationResult, job.ID, "", hash)
	if err != nil {
		return nil, newStageError(CodeInternal, stage, err)
	}
	if found == nil {
		return nil, preconditionf(stage, "no validation result for current sections")
	}
	return &model.ValidationResult{ArtifactRef: found.ref, Payload: found.payload}, nil
}

// reviewReason names a non-passing outcome together with the artifact that
// produced it. A fresh artifact therefore adds a new reason and reopens a
// review that was decided against an earlier one.
func reviewReason(layer, outcome, artifactID string) string {
	return layer + "_" + strings.ToLower(outcome) + ":" + artifactID
}

// requestReview adds reason to the job's review. Repeating a reason is a
// no-op.
func (o *Orchestrator) requestReview(ctx context.Context, job *model.ProcessingJob, stage model.Stage, reason string) error {
	review, changed, err := o.store.RequestReview(ctx, job.ID, []string{reason})
	if err != nil {
		return newStageError(CodeInternal, stage, err)
	}
	if !changed {
		return nil
	}
	zap.L().Info("pipeline: review requested",
		zap.String("job_id", job.ID),
		zap.String("stage", string(stage)),
		zap.Strings("reasons", review.Reasons),
	)
	if _, err := o.audit.Record(ctx, audit.Entry{
		JobID:     job.ID,
		Action:    audit.ActionReviewRequested,
		Stage:     stage,
		DedupeKey: reason,
		Detail:    map[string]any{"reason": reason},
	}); err != nil {
		return newStageError(CodeInternal, stage, err)
	}
	return nil
}
