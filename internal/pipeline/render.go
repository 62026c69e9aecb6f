package pipeline

import (
	"context"
	"errors"
	"html/template"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/carepath/report-pipeline/internal/fingerprint"
	"github.com/carepath/report-pipeline/internal/model"
	"github.com/carepath/report-pipeline/internal/registry"
	"github.com/carepath/report-pipeline/internal/resilience"
	"github.com/carepath/report-pipeline/pkg/pdf"
)

const reportTitle = "Preventive Health Report"

var sectionHeadings = map[model.SectionKey]string{
	model.SectionOverview:        "Overview",
	model.SectionRiskSummary:     "Risk Summary",
	model.SectionPriorityActions: "Priority Actions",
	model.SectionNextSteps:       "Next Steps",
}

type renderSection struct {
	Heading string
	Body    string
}

type renderData struct {
	Title           string
	Sections        []renderSection
	Reference       string
	TemplateVersion string
}

type renderInputs struct {
	set        *sectionSet
	validation *model.ValidationResult
	safety     *model.SafetyCheckResult
	template   registry.Template
	hash       string
}

func (o *Orchestrator) renderInputs(ctx context.Context, job *model.ProcessingJob, stage model.Stage) (*renderInputs, error) {
	safety, set, err := o.requireSafety(ctx, job, stage)
	if err != nil {
		return nil, err
	}
	validation, err := o.requireValidation(ctx, job, set, stage)
	if err != nil {
		return nil, err
	}
	version := o.cfg.Render.TemplateVersion
	tpl, err := o.registry.Template(version)
	if errors.Is(err, registry.ErrUnknownVersion) {
		return nil, newStageError(CodeUnknownAlgorithmVersion, stage, err)
	}
	if err != nil {
		return nil, newStageError(CodeInternal, stage, err)
	}
	hash, err := fingerprint.Hash(version, set.hash, validation.ID, safety.ID)
	if err != nil {
		return nil, newStageError(CodeInternal, stage, err)
	}
	return &renderInputs{set: set, validation: validation, safety: safety, template: tpl, hash: hash}, nil
}

func renderHTML(tpl registry.Template, job *model.ProcessingJob, sections []model.ReportSection) (string, error) {
	t, err := template.New(tpl.Version).Parse(tpl.Body)
	if err != nil {
		return "", eris.Wrapf(err, "pipeline: parse report template %s", tpl.Version)
	}
	data := renderData{
		Title:           reportTitle,
		Reference:       job.ID,
		TemplateVersion: tpl.Version,
	}
	for _, s := range sections {
		data.Sections = append(data.Sections, renderSection{
			Heading: sectionHeadings[s.Payload.SectionKey],
			Body:    s.Payload.Content,
		})
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", eris.Wrapf(err, "pipeline: execute report template %s", tpl.Version)
	}
	return b.String(), nil
}

// runRender assembles the report document for the job's current artifacts.
func (o *Orchestrator) runRender(ctx context.Context, job *model.ProcessingJob) (*model.PDFArtifact, bool, error) {
	in, err := o.renderInputs(ctx, job, model.StageDelivery)
	if err != nil {
		return nil, false, err
	}

	existing, err := findArtifact[model.PDFPayload](ctx, o.store, model.KindPDF, job.ID, "", in.hash)
	if err != nil {
		return nil, false, newStageError(CodeInternal, model.StageDelivery, err)
	}
	if existing != nil {
		return &model.PDFArtifact{ArtifactRef: existing.ref, Payload: existing.payload}, false, nil
	}

	html, err := renderHTML(in.template, job, in.set.sections)
	if err != nil {
		return nil, false, newStageError(CodeInternal, model.StageDelivery, err)
	}

	doc := pdf.Document{Name: job.ID + "-" + fingerprint.Short(in.hash), HTML: html}
	policy := o.retryPolicy("renderer", o.cfg.Render.Timeout())
	policy.Retryable = func(err error) bool { return !errors.Is(err, context.Canceled) }
	res, err := resilience.Retry(ctx, policy, func(ctx context.Context) (*pdf.Result, error) {
		return o.renderer.Render(ctx, doc)
	})
	if err != nil {
		if resilience.IsExhausted(err) {
			return nil, false, newStageError(CodeTransientTransport, model.StageDelivery, err)
		}
		return nil, false, newStageError(CodeInternal, model.StageDelivery, err)
	}

	payload := model.PDFPayload{
		Path:            res.Path,
		SHA256:          res.SHA256,
		SizeBytes:       res.SizeBytes,
		TemplateVersion: in.template.Version,
		SectionsHash:    in.set.hash,
	}
	stored, created, err := putArtifact(ctx, o.store, model.KindPDF, job.ID, "", in.hash, in.template.Version, payload)
	if err != nil {
		return nil, false, newStageError(CodeInternal, model.StageDelivery, err)
	}
	return &model.PDFArtifact{ArtifactRef: stored.ref, Payload: stored.payload}, created, nil
}

// requirePDF returns the rendered report for the job's current artifacts.
func (o *Orchestrator) requirePDF(ctx context.Context, job *model.ProcessingJob, stage model.Stage) (*model.PDFArtifact, error) {
	in, err := o.renderInputs(ctx, job, stage)
	if err != nil {
		return nil, err
	}
	found, err := findArtifact[model.PDFPayload](ctx, o.store, model.KindPDF, job.ID, "", in.hash)
	if err != nil {
		return nil, newStageError(CodeInternal, stage, err)
	}
	if found == nil {
		return nil, preconditionf(stage, "no rendered report for current artifacts")
	}
	return &model.PDFArtifact{ArtifactRef: found.ref, Payload: found.payload}, nil
}
