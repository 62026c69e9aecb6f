// Package pipeline drives a processing job through risk scoring, ranking,
// content generation, validation, safety review, rendering and delivery.
// Every stage is idempotent on a hash of its inputs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carepath/report-pipeline/internal/audit"
	"github.com/carepath/report-pipeline/internal/config"
	"github.com/carepath/report-pipeline/internal/events"
	"github.com/carepath/report-pipeline/internal/model"
	"github.com/carepath/report-pipeline/internal/registry"
	"github.com/carepath/report-pipeline/internal/resilience"
	"github.com/carepath/report-pipeline/internal/store"
	"github.com/carepath/report-pipeline/internal/telemetry"
	"github.com/carepath/report-pipeline/pkg/notify"
	"github.com/carepath/report-pipeline/pkg/pdf"
)

const defaultMaxSteps = 16

// Orchestrator runs stages for jobs. It holds no per-job state; concurrent
// callers on the same job are reconciled by the store's unique keys.
type Orchestrator struct {
	cfg       *config.Config
	store     store.Store
	registry  *registry.Registry
	generator SectionGenerator
	evaluator Evaluator
	renderer  pdf.Renderer
	sender    notify.Sender
	audit     *audit.Sink
	events    events.Publisher
	tracer    trace.Tracer
	metrics   *telemetry.Metrics
	breaker   *resilience.Breaker
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithGenerator sets the section generator.
func WithGenerator(g SectionGenerator) Option {
	return func(o *Orchestrator) { o.generator = g }
}

// WithEvaluator sets the safety evaluator. Without one every safety check
// is UNKNOWN.
func WithEvaluator(e Evaluator) Option {
	return func(o *Orchestrator) { o.evaluator = e }
}

// WithRenderer sets the report renderer.
func WithRenderer(r pdf.Renderer) Option {
	return func(o *Orchestrator) { o.renderer = r }
}

// WithSender sets the notification transport.
func WithSender(s notify.Sender) Option {
	return func(o *Orchestrator) { o.sender = s }
}

// WithEvents sets the job transition publisher.
func WithEvents(p events.Publisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

// WithMetrics sets the stage instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer overrides the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithBreaker sets the circuit breaker shared by model calls.
func WithBreaker(cb *resilience.Breaker) Option {
	return func(o *Orchestrator) { o.breaker = cb }
}

// WithClock overrides the clock used to age in-flight notification sends.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator. Unset collaborators default to the
// deterministic template generator, the HTML renderer and a no-op event
// publisher.
func New(cfg *config.Config, st store.Store, reg *registry.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		store:     st,
		registry:  reg,
		generator: TemplateGenerator{},
		renderer:  &pdf.HTMLRenderer{OutputDir: cfg.Render.OutputDir},
		audit:     audit.NewSink(st),
		events:    events.Nop{},
		tracer:    telemetry.Tracer(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.breaker == nil {
		o.breaker = resilience.NewBreaker("anthropic", cfg.Circuit)
	}
	return o
}

// CreateJob registers a new job at the risk stage.
func (o *Orchestrator) CreateJob(ctx context.Context, assessmentRef, questionnaireVersion string, answers model.Answers) (*model.ProcessingJob, error) {
	if assessmentRef == "" {
		return nil, eris.New("pipeline: assessment reference is required")
	}
	if _, err := normalizeAnswers(answers); err != nil {
		return nil, eris.Wrap(err, "pipeline: answers")
	}
	job := &model.ProcessingJob{
		AssessmentRef:        assessmentRef,
		QuestionnaireVersion: questionnaireVersion,
		Answers:              answers,
		Status:               model.JobStatusPending,
		Stage:                model.StageRisk,
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "pipeline: create job")
	}
	zap.L().Info("pipeline: job created",
		zap.String("job_id", job.ID),
		zap.String("questionnaire_version", questionnaireVersion),
	)
	return job, nil
}

// SetConsent records whether the job may be notified on channel. An empty
// channel means the configured delivery channel.
func (o *Orchestrator) SetConsent(ctx context.Context, jobID, channel string, granted bool) error {
	if channel == "" {
		channel = o.cfg.Delivery.Channel
	}
	if _, err := o.store.GetJob(ctx, jobID); err != nil {
		return err
	}
	return o.store.SetConsent(ctx, model.Consent{JobID: jobID, Channel: channel, Granted: granted})
}

// DecideReview approves or rejects a job's review.
func (o *Orchestrator) DecideReview(ctx context.Context, jobID string, status model.ReviewStatus, reviewer, note string) (*model.Review, error) {
	if reviewer == "" {
		return nil, eris.New("pipeline: reviewer is required")
	}
	review, err := o.store.DecideReview(ctx, jobID, status, reviewer, note)
	if err != nil {
		return nil, err
	}
	decidedAt := ""
	if review.DecidedAt != nil {
		decidedAt = review.DecidedAt.UTC().Format(time.RFC3339Nano)
	}
	if _, err := o.audit.Record(ctx, audit.Entry{
		JobID:     jobID,
		Action:    audit.ActionReviewDecided,
		DedupeKey: string(status) + ":" + decidedAt,
		Detail:    map[string]any{"status": string(status), "reviewer": reviewer},
	}); err != nil {
		return nil, err
	}
	zap.L().Info("pipeline: review decided",
		zap.String("job_id", jobID),
		zap.String("status", string(status)),
	)
	return review, nil
}

// stepResult is what a stage handler reports back to execute.
type stepResult struct {
	artifact *model.ArtifactRef
	isNew    bool
	hash     string
	review   bool
	complete bool
}

// execute runs fn as stage for job, then records the outcome. The job only
// moves when stage is its current stage. Precondition failures change
// nothing; any other failure marks the job failed.
func (o *Orchestrator) execute(ctx context.Context, job *model.ProcessingJob, stage model.Stage, fn func(ctx context.Context) (*stepResult, error)) (*model.StageOutcome, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline."+string(stage), trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("pipeline.stage", string(stage)),
	))
	defer span.End()

	log := zap.L().With(zap.String("job_id", job.ID), zap.String("stage", string(stage)))
	start := time.Now()
	res, err := fn(ctx)
	durationMs := float64(time.Since(start).Milliseconds())

	out := &model.StageOutcome{JobID: job.ID, Stage: stage, NextStage: job.Stage}
	current := stage == job.Stage

	if err != nil {
		if ctx.Err() != nil {
			span.SetStatus(codes.Error, "canceled")
			return nil, eris.Wrapf(err, "pipeline: %s interrupted", stage)
		}
		out.ErrorCode = string(CodeOf(err))
		out.Message = truncate(err.Error(), maxErrorText)
		span.SetAttributes(attribute.String("pipeline.error_code", out.ErrorCode))

		if IsPrecondition(err) {
			out.Status = model.OutcomePreconditionFailed
			log.Warn("pipeline: stage precondition failed",
				zap.String("error_code", out.ErrorCode),
				zap.Error(err),
			)
			o.metrics.RecordStage(ctx, string(stage), string(out.Status), durationMs)
			return out, nil
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, out.ErrorCode)
		out.Status = model.OutcomeFailed
		log.Error("pipeline: stage failed",
			zap.String("error_code", out.ErrorCode),
			zap.Float64("duration_ms", durationMs),
			zap.Error(err),
		)
		if current {
			if err := o.fail(ctx, job, stage, out); err != nil {
				return nil, err
			}
		}
		o.metrics.RecordStage(ctx, string(stage), string(out.Status), durationMs)
		return out, nil
	}

	out.Artifact = res.artifact
	out.IsNew = res.isNew
	out.ReviewRequired = res.review
	out.Status = model.OutcomeAdvanced

	if current {
		next := model.JobProgress{Status: model.JobStatusInProgress, Stage: stage.Next()}
		if res.complete {
			next = model.JobProgress{Status: model.JobStatusCompleted, Stage: model.StageCompleted}
			out.Status = model.OutcomeCompleted
		}
		if err := o.store.UpdateJobProgress(ctx, job.ID, next); err != nil {
			return nil, eris.Wrapf(err, "pipeline: advance job from %s", stage)
		}
		job.Status, job.Stage, job.ErrorCode, job.ErrorMessage = next.Status, next.Stage, "", ""
		out.NextStage = next.Stage
	}

	hash := res.hash
	artifactID := ""
	if res.artifact != nil {
		hash = res.artifact.InputsHash
		artifactID = res.artifact.ID
	}
	if _, err := o.audit.Record(ctx, audit.Entry{
		JobID:      job.ID,
		Action:     audit.ActionStageCompleted,
		Stage:      stage,
		ArtifactID: artifactID,
		DedupeKey:  string(stage) + ":" + hash,
		Detail:     map[string]any{"is_new": res.isNew, "review_required": res.review},
	}); err != nil {
		return nil, err
	}

	log.Info("pipeline: stage complete",
		zap.String("next_stage", string(out.NextStage)),
		zap.Bool("is_new", res.isNew),
		zap.Bool("review_required", res.review),
		zap.Float64("duration_ms", durationMs),
	)
	o.publish(ctx, job, string(out.Status), artifactID, "")
	o.metrics.RecordStage(ctx, string(stage), string(out.Status), durationMs)
	return out, nil
}

// fail marks the job failed at stage.
func (o *Orchestrator) fail(ctx context.Context, job *model.ProcessingJob, stage model.Stage, out *model.StageOutcome) error {
	progress := model.JobProgress{
		Status:       model.JobStatusFailed,
		Stage:        stage,
		ErrorCode:    out.ErrorCode,
		ErrorMessage: out.Message,
	}
	if err := o.store.UpdateJobProgress(ctx, job.ID, progress); err != nil {
		return eris.Wrapf(err, "pipeline: mark job failed at %s", stage)
	}
	job.Status, job.ErrorCode, job.ErrorMessage = progress.Status, progress.ErrorCode, progress.ErrorMessage

	updated, err := o.store.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if _, err := o.audit.Record(ctx, audit.Entry{
		JobID:     job.ID,
		Action:    audit.ActionStageFailed,
		Stage:     stage,
		DedupeKey: fmt.Sprintf("%s:%s:%s", stage, out.ErrorCode, updated.UpdatedAt.UTC().Format(time.RFC3339Nano)),
		Detail:    map[string]any{"error_code": out.ErrorCode},
	}); err != nil {
		return err
	}
	o.publish(ctx, job, string(model.OutcomeFailed), "", out.ErrorCode)
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, job *model.ProcessingJob, status, artifactID, code string) {
	err := o.events.Publish(ctx, events.Event{
		JobID:      job.ID,
		Stage:      string(job.Stage),
		Status:     status,
		ArtifactID: artifactID,
		ErrorCode:  code,
		At:         time.Now().UTC(),
	})
	if err != nil {
		zap.L().Warn("pipeline: publish event failed",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) loadJob(ctx context.Context, jobID string) (*model.ProcessingJob, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load job %s", jobID)
	}
	return job, nil
}

// Advance runs the job's current stage and moves it forward on success.
// Once the job is completed, Advance drives report delivery.
func (o *Orchestrator) Advance(ctx context.Context, jobID string) (*model.StageOutcome, error) {
	job, err := o.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case model.JobStatusFailed:
		return &model.StageOutcome{
			JobID:     job.ID,
			Stage:     job.Stage,
			NextStage: job.Stage,
			Status:    model.OutcomeFailed,
			ErrorCode: job.ErrorCode,
			Message:   job.ErrorMessage,
		}, nil
	case model.JobStatusCompleted:
		res, err := o.deliveryStep(ctx, job)
		if err != nil {
			return nil, err
		}
		return &model.StageOutcome{
			JobID:     job.ID,
			Stage:     model.StageCompleted,
			NextStage: model.StageCompleted,
			Status:    model.OutcomeDelivery,
			IsNew:     res.IsNew,
			Delivery:  res,
		}, nil
	case model.JobStatusPending:
		if err := o.store.UpdateJobProgress(ctx, job.ID, model.JobProgress{Status: model.JobStatusInProgress, Stage: job.Stage}); err != nil {
			return nil, eris.Wrap(err, "pipeline: start job")
		}
		job.Status = model.JobStatusInProgress
	}

	handler, ok := o.handler(job.Stage)
	if !ok {
		return nil, eris.Errorf("pipeline: job %s is at unknown stage %q", job.ID, job.Stage)
	}
	return o.execute(ctx, job, job.Stage, func(ctx context.Context) (*stepResult, error) {
		return handler(ctx, job)
	})
}

type stageHandler func(ctx context.Context, job *model.ProcessingJob) (*stepResult, error)

func (o *Orchestrator) handler(stage model.Stage) (stageHandler, bool) {
	switch stage {
	case model.StageRisk:
		return func(ctx context.Context, job *model.ProcessingJob) (*stepResult, error) {
			b, isNew, err := o.runRisk(ctx, job)
			if err != nil {
				return nil, err
			}
			return &stepResult{artifact: &b.ArtifactRef, isNew: isNew}, nil
		}, true
	case model.StageRanking:
		return func(ctx context.Context, job *model.ProcessingJob) (*stepResult, error) {
			r, isNew, err := o.runRanking(ctx, job)
			if err != nil {
				return nil, err
			}
			return &stepResult{artifact: &r.ArtifactRef, isNew: isNew}, nil
		}, true
	case model.StageContent:
		return func(ctx context.Context, job *model.ProcessingJob) (*stepResult, error) {
			c, err := o.runContent(ctx, job, o.cfg.Content.PromptVersion)
			if err != nil {
				return nil, err
			}
			return contentStep(c), nil
		}, true
	case model.StageValidation:
		return func(ctx context.Context, job *model.ProcessingJob) (*stepResult, error) {
			v, isNew, err := o.runValidation(ctx, job)
			if err != nil {
				return nil, err
			}
			return &stepResult{artifact: &v.ArtifactRef, isNew: isNew, review: v.Payload.Result != model.ValidationPass}, nil
		}, true
	case model.StageSafetyCheck:
		return func(ctx context.Context, job *model.ProcessingJob) (*stepResult, error) {
			s, isNew, err := o.runSafety(ctx, job)
			if err != nil {
				return nil, err
			}
			return &stepResult{artifact: &s.ArtifactRef, isNew: isNew, review: s.Payload.Action != model.SafetyPass}, nil
		}, true
	case model.StageDelivery:
		return func(ctx context.Context, job *model.ProcessingJob) (*stepResult, error) {
			p, isNew, err := o.runRender(ctx, job)
			if err != nil {
				return nil, err
			}
			return &stepResult{artifact: &p.ArtifactRef, isNew: isNew, complete: true}, nil
		}, true
	}
	return nil, false
}

func contentStep(c *ContentResult) *stepResult {
	return &stepResult{isNew: len(c.Generated) > 0, hash: c.SetHash}
}

// deliveryStep runs the delivery state machine and records its result.
func (o *Orchestrator) deliveryStep(ctx context.Context, job *model.ProcessingJob) (*model.DeliveryResult, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.delivery", trace.WithAttributes(attribute.String("job.id", job.ID)))
	defer span.End()

	res, err := o.deliver(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery")
		return nil, err
	}
	span.SetAttributes(attribute.String("delivery.state", string(res.State)))
	o.metrics.RecordDelivery(ctx, string(res.State))
	if res.State == model.DeliveryDelivered || res.State == model.DeliveryFailed {
		o.publish(ctx, job, string(res.State), "", "")
	}
	return res, nil
}

// Run advances the job until it halts or the step budget runs out.
func (o *Orchestrator) Run(ctx context.Context, jobID string) (*model.StageOutcome, error) {
	maxSteps := o.cfg.Temporal.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	var last *model.StageOutcome
	for range maxSteps {
		out, err := o.Advance(ctx, jobID)
		if err != nil {
			return nil, err
		}
		last = out
		if out.Halted() {
			return out, nil
		}
	}
	return last, nil
}

// Retry re-arms a failed job at the stage that failed.
func (o *Orchestrator) Retry(ctx context.Context, jobID string) (*model.ProcessingJob, error) {
	job, err := o.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusFailed {
		return nil, eris.Errorf("pipeline: job %s is %s, only failed jobs can be retried", job.ID, job.Status)
	}
	failedAt := job.UpdatedAt.UTC().Format(time.RFC3339Nano)
	if err := o.store.UpdateJobProgress(ctx, job.ID, model.JobProgress{Status: model.JobStatusInProgress, Stage: job.Stage}); err != nil {
		return nil, eris.Wrap(err, "pipeline: retry job")
	}
	if _, err := o.audit.Record(ctx, audit.Entry{
		JobID:     job.ID,
		Action:    audit.ActionJobRetried,
		Stage:     job.Stage,
		DedupeKey: failedAt,
		Detail:    map[string]any{"error_code": job.ErrorCode},
	}); err != nil {
		return nil, err
	}
	zap.L().Info("pipeline: job re-armed",
		zap.String("job_id", job.ID),
		zap.String("stage", string(job.Stage)),
		zap.String("previous_error", job.ErrorCode),
	)
	job.Status, job.ErrorCode, job.ErrorMessage = model.JobStatusInProgress, "", ""
	o.publish(ctx, job, "retried", "", "")
	return job, nil
}

// ErrUnknownStage is returned by RunStage for names that are not stages.
var ErrUnknownStage = errors.New("pipeline: unknown stage")
