package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/carepath/report-pipeline/internal/cost"
	"github.com/carepath/report-pipeline/internal/fingerprint"
	"github.com/carepath/report-pipeline/internal/model"
	"github.com/carepath/report-pipeline/internal/registry"
	"github.com/carepath/report-pipeline/internal/resilience"
	"github.com/carepath/report-pipeline/pkg/anthropic"
)

const safetyPromptID = "safety.evaluate"

// Failure codes recorded on an UNKNOWN safety result.
const (
	FailureTimeout              = "timeout"
	FailureCircuitOpen          = "circuit_open"
	FailureUnavailable          = "unavailable"
	FailureSchemaInvalid        = "schema_invalid"
	FailureUnknownPromptVersion = "unknown_prompt_version"
	FailureNoEvaluator          = "evaluator_unavailable"
)

// EvaluationSection is one redacted section sent for evaluation.
type EvaluationSection struct {
	Key     model.SectionKey
	Content string
}

// EvaluationRequest is the input to an Evaluator.
type EvaluationRequest struct {
	Prompt    registry.Prompt
	Sections  []EvaluationSection
	Model     string
	MaxTokens int64
}

// Evaluation is an evaluator's raw answer. Raw is parsed by the pipeline,
// not the evaluator.
type Evaluation struct {
	Raw          string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Evaluator performs the Layer-2 safety evaluation.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvaluationRequest) (*Evaluation, error)
}

// AnthropicEvaluator evaluates sections with a Claude model.
type AnthropicEvaluator struct {
	Client  anthropic.Client
	Pricing *cost.Calculator
}

func (e *AnthropicEvaluator) Evaluate(ctx context.Context, req EvaluationRequest) (*Evaluation, error) {
	user, err := executeText(req.Prompt.Ref(), req.Prompt.Template, req)
	if err != nil {
		return nil, err
	}
	zero := 0.0
	resp, err := e.Client.Complete(ctx, anthropic.Request{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		System:      req.Prompt.System,
		CacheTTL:    promptCacheTTL,
		Prompt:      user,
		Temperature: &zero,
	})
	if err != nil {
		return nil, classifyAnthropic(err)
	}
	logUsage(e.Pricing, req.Model, model.StageSafetyCheck, resp.Usage)
	return &Evaluation{
		Raw:          resp.Text,
		Model:        resp.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

type evaluationDoc struct {
	Summary  string                 `json:"summary"`
	Severity model.SafetySeverity   `json:"severity"`
	Action   model.SafetyAction     `json:"action"`
	Findings *[]model.SafetyFinding `json:"findings"`
}

func modelSeverity(s model.SafetySeverity) bool {
	switch s {
	case model.SeverityNone, model.SeverityLow, model.SeverityMedium, model.SeverityHigh, model.SeverityCritical:
		return true
	}
	return false
}

func knownSection(k model.SectionKey) bool {
	for _, key := range model.SectionKeys() {
		if key == k {
			return true
		}
	}
	return false
}

// parseEvaluation strictly decodes an evaluator answer. A single Markdown
// code fence around the object is tolerated; anything else outside it is not.
func parseEvaluation(raw string) (*evaluationDoc, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.DisallowUnknownFields()
	var doc evaluationDoc
	if err := dec.Decode(&doc); err != nil {
		return nil, eris.Wrap(err, "decode evaluation")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, eris.New("trailing data after evaluation object")
	}

	if strings.TrimSpace(doc.Summary) == "" {
		return nil, eris.New("summary is required")
	}
	if !modelSeverity(doc.Severity) {
		return nil, eris.Errorf("invalid severity %q", doc.Severity)
	}
	switch doc.Action {
	case model.SafetyPass, model.SafetyFlag, model.SafetyBlock:
	default:
		return nil, eris.Errorf("invalid action %q", doc.Action)
	}
	if doc.Findings == nil {
		return nil, eris.New("findings is required")
	}
	for i, f := range *doc.Findings {
		if strings.TrimSpace(f.Category) == "" || strings.TrimSpace(f.Description) == "" {
			return nil, eris.Errorf("finding %d: category and description are required", i)
		}
		if !modelSeverity(f.Severity) {
			return nil, eris.Errorf("finding %d: invalid severity %q", i, f.Severity)
		}
		if f.SectionKey != "" && !knownSection(f.SectionKey) {
			return nil, eris.Errorf("finding %d: unknown section %q", i, f.SectionKey)
		}
	}
	return &doc, nil
}

func failureCode(err error) string {
	switch {
	case errors.Is(err, resilience.ErrOpen):
		return FailureCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	}
	return FailureUnavailable
}

type safetyInputs struct {
	set           *sectionSet
	promptVersion string
	model         string
	maxTokens     int64
	hash          string
}

func (o *Orchestrator) safetyInputs(ctx context.Context, job *model.ProcessingJob, stage model.Stage) (*safetyInputs, error) {
	set, err := o.requireSections(ctx, job, stage)
	if err != nil {
		return nil, err
	}
	in := &safetyInputs{
		set:           set,
		promptVersion: o.cfg.Safety.PromptVersion,
		model:         o.cfg.Safety.Model,
		maxTokens:     o.cfg.Safety.MaxTokens,
	}
	if in.model == "" {
		in.model = o.cfg.Anthropic.Model
	}
	in.hash, err = fingerprint.Hash(set.hash, in.promptVersion, map[string]any{
		"model":      in.model,
		"max_tokens": in.maxTokens,
	})
	if err != nil {
		return nil, newStageError(CodeInternal, stage, err)
	}
	return in, nil
}

// runSafety evaluates the job's sections once per evaluation key. Any
// failure to get a valid evaluation is stored as UNKNOWN; a result other
// than PASS opens a review.
func (o *Orchestrator) runSafety(ctx context.Context, job *model.ProcessingJob) (*model.SafetyCheckResult, bool, error) {
	in, err := o.safetyInputs(ctx, job, model.StageSafetyCheck)
	if err != nil {
		return nil, false, err
	}
	if _, err := o.requireValidation(ctx, job, in.set, model.StageSafetyCheck); err != nil {
		return nil, false, err
	}

	result, created, err := o.findOrEvaluate(ctx, job, in)
	if err != nil {
		return nil, false, err
	}
	if result.Payload.Action != model.SafetyPass {
		if err := o.requestReview(ctx, job, model.StageSafetyCheck, reviewReason("safety", string(result.Payload.Action), result.ID)); err != nil {
			return nil, false, err
		}
	}
	return result, created, nil
}

func (o *Orchestrator) findOrEvaluate(ctx context.Context, job *model.ProcessingJob, in *safetyInputs) (*model.SafetyCheckResult, bool, error) {
	existing, err := findArtifact[model.SafetyPayload](ctx, o.store, model.KindSafetyResult, job.ID, "", in.hash)
	if err != nil {
		return nil, false, newStageError(CodeInternal, model.StageSafetyCheck, err)
	}
	if existing != nil {
		return &model.SafetyCheckResult{ArtifactRef: existing.ref, Payload: existing.payload}, false, nil
	}

	payload := model.SafetyPayload{
		EvaluationKeyHash: in.hash,
		PromptVersion:     in.promptVersion,
		SectionsHash:      in.set.hash,
		Model:             in.model,
		Findings:          []model.SafetyFinding{},
	}
	version := registry.Ref(safetyPromptID, in.promptVersion)

	if err := o.evaluate(ctx, job, in, &payload); err != nil {
		return nil, false, err
	}

	if payload.Action == model.SafetyUnknown {
		zap.L().Warn("pipeline: safety evaluation unknown",
			zap.String("job_id", job.ID),
			zap.String("failure_code", payload.FailureCode),
			zap.String("evaluation_key", fingerprint.Short(in.hash)),
		)
	}

	stored, created, err := putArtifact(ctx, o.store, model.KindSafetyResult, job.ID, "", in.hash, version, payload)
	if err != nil {
		return nil, false, newStageError(CodeInternal, model.StageSafetyCheck, err)
	}
	return &model.SafetyCheckResult{ArtifactRef: stored.ref, Payload: stored.payload}, created, nil
}

// evaluate fills payload's verdict. It only returns an error when the
// caller's context is gone; every evaluator failure becomes UNKNOWN.
func (o *Orchestrator) evaluate(ctx context.Context, job *model.ProcessingJob, in *safetyInputs, payload *model.SafetyPayload) error {
	unknown := func(code, summary string) {
		payload.Action = model.SafetyUnknown
		payload.Severity = model.SeverityUnknown
		payload.FailureCode = code
		payload.Summary = summary
	}

	prompt, err := o.registry.Prompt(safetyPromptID, in.promptVersion)
	if err != nil {
		unknown(FailureUnknownPromptVersion, "safety prompt "+registry.Ref(safetyPromptID, in.promptVersion)+" is not registered")
		return nil
	}
	if o.evaluator == nil {
		unknown(FailureNoEvaluator, "no safety evaluator is configured")
		return nil
	}

	answers, err := normalizeAnswers(job.Answers)
	if err != nil {
		return newStageError(CodeInternal, model.StageSafetyCheck, err)
	}
	redactor := NewRedactor(answers)
	req := EvaluationRequest{Prompt: prompt, Model: in.model, MaxTokens: in.maxTokens}
	for _, s := range in.set.sections {
		req.Sections = append(req.Sections, EvaluationSection{
			Key:     s.Payload.SectionKey,
			Content: redactor.Redact(s.Payload.Content),
		})
	}

	policy := o.retryPolicy("anthropic", o.cfg.Safety.Timeout())
	eval, err := resilience.Guard(ctx, policy, o.breaker, func(ctx context.Context) (*Evaluation, error) {
		return o.evaluator.Evaluate(ctx, req)
	})
	if ctx.Err() != nil {
		return newStageError(CodeTransientTransport, model.StageSafetyCheck, ctx.Err())
	}
	if err != nil {
		zap.L().Warn("pipeline: safety evaluator failed",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		unknown(failureCode(err), "safety evaluation could not be completed")
		return nil
	}

	payload.InputTokens = eval.InputTokens
	payload.OutputTokens = eval.OutputTokens
	doc, err := parseEvaluation(eval.Raw)
	if err != nil {
		zap.L().Warn("pipeline: safety evaluation rejected",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		unknown(FailureSchemaInvalid, "safety evaluation did not match the expected schema")
		return nil
	}

	payload.Action = doc.Action
	payload.Severity = doc.Severity
	payload.Summary = strings.TrimSpace(doc.Summary)
	payload.Findings = *doc.Findings
	return nil
}

// requireSafety returns the safety result for the job's current evaluation
// key.
func (o *Orchestrator) requireSafety(ctx context.Context, job *model.ProcessingJob, stage model.Stage) (*model.SafetyCheckResult, *sectionSet, error) {
	in, err := o.safetyInputs(ctx, job, stage)
	if err != nil {
		return nil, nil, err
	}
	found, err := findArtifact[model.SafetyPayload](ctx, o.store, model.KindSafetyResult, job.ID, "", in.hash)
	if err != nil {
		return nil, nil, newStageError(CodeInternal, stage, err)
	}
	if found == nil {
		return nil, nil, preconditionf(stage, "no safety result for current sections")
	}
	return &model.SafetyCheckResult{ArtifactRef: found.ref, Payload: found.payload}, in.set, nil
}
