package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/carepath/report-pipeline/internal/fingerprint"
	"github.com/carepath/report-pipeline/internal/model"
	"github.com/carepath/report-pipeline/internal/registry"
	"github.com/carepath/report-pipeline/internal/resilience"
)

// sectionPromptID returns the registry id of a section prompt.
func sectionPromptID(key model.SectionKey) string {
	return "section." + string(key)
}

// sectionSet is the full, ordered set of sections for a job's current
// upstream artifacts.
type sectionSet struct {
	risk     *model.RiskBundle
	ranking  *model.PriorityRanking
	sections []model.ReportSection
	hash     string
}

// content returns section key -> content.
func (s *sectionSet) content() map[model.SectionKey]string {
	out := make(map[model.SectionKey]string, len(s.sections))
	for _, sec := range s.sections {
		out[sec.Payload.SectionKey] = sec.Payload.Content
	}
	return out
}

// sectionsHash fingerprints a section set by key and content digest.
func sectionsHash(sections []model.ReportSection) (string, error) {
	type entry struct {
		Key    model.SectionKey `json:"key"`
		Digest string           `json:"digest"`
	}
	entries := make([]entry, 0, len(sections))
	for _, s := range sections {
		entries = append(entries, entry{Key: s.Payload.SectionKey, Digest: fingerprint.Bytes([]byte(s.Payload.Content))})
	}
	slices.SortFunc(entries, func(a, b entry) int { return strings.Compare(string(a.Key), string(b.Key)) })
	return fingerprint.Hash("sections", entries)
}

type plannedSection struct {
	key    model.SectionKey
	prompt registry.Prompt
	hash   string
}

func (o *Orchestrator) planSections(risk *model.RiskBundle, ranking *model.PriorityRanking, promptVersion string) ([]plannedSection, error) {
	plan := make([]plannedSection, 0, len(model.SectionKeys()))
	for _, key := range model.SectionKeys() {
		prompt, err := o.registry.Prompt(sectionPromptID(key), promptVersion)
		if errors.Is(err, registry.ErrUnknownVersion) {
			return nil, newStageError(CodeUnknownAlgorithmVersion, model.StageContent, err)
		}
		if err != nil {
			return nil, newStageError(CodeInternal, model.StageContent, err)
		}
		h, err := fingerprint.Hash(risk.InputsHash, ranking.InputsHash, prompt.Ref(), prompt.Digest())
		if err != nil {
			return nil, newStageError(CodeInternal, model.StageContent, err)
		}
		plan = append(plan, plannedSection{key: key, prompt: prompt, hash: h})
	}
	return plan, nil
}

// ContentResult is what the content stage produced or found.
type ContentResult struct {
	Sections  []model.ReportSection
	Generated []model.SectionKey
	SetHash   string
}

// runContent generates every section whose inputs changed. Sections whose
// hash already exists are reused untouched. Either all missing sections pass
// the guardrail and are stored, or none are.
func (o *Orchestrator) runContent(ctx context.Context, job *model.ProcessingJob, promptVersion string) (*ContentResult, error) {
	risk, err := o.requireRisk(ctx, job, model.StageContent)
	if err != nil {
		return nil, err
	}
	ranking, err := o.requireRanking(ctx, job, risk, model.StageContent)
	if err != nil {
		return nil, err
	}
	plan, err := o.planSections(risk, ranking, promptVersion)
	if err != nil {
		return nil, err
	}

	sections := make([]model.ReportSection, len(plan))
	var missing []int
	for i, p := range plan {
		found, err := findArtifact[model.SectionPayload](ctx, o.store, model.KindReportSection, job.ID, string(p.key), p.hash)
		if err != nil {
			return nil, newStageError(CodeInternal, model.StageContent, err)
		}
		if found == nil {
			missing = append(missing, i)
			continue
		}
		sections[i] = model.ReportSection{ArtifactRef: found.ref, Payload: found.payload}
	}

	var generated []model.SectionKey
	if len(missing) > 0 {
		answers, err := normalizeAnswers(job.Answers)
		if err != nil {
			return nil, newStageError(CodeInternal, model.StageContent, err)
		}
		drafts, err := o.generateSections(ctx, plan, missing, risk, ranking, answers)
		if err != nil {
			return nil, err
		}
		for _, i := range missing {
			p := plan[i]
			stored, _, err := putArtifact(ctx, o.store, model.KindReportSection, job.ID, string(p.key), p.hash, p.prompt.Ref(), drafts[i])
			if err != nil {
				return nil, newStageError(CodeInternal, model.StageContent, err)
			}
			sections[i] = model.ReportSection{ArtifactRef: stored.ref, Payload: stored.payload}
			generated = append(generated, p.key)
		}
	}

	setHash, err := sectionsHash(sections)
	if err != nil {
		return nil, newStageError(CodeInternal, model.StageContent, err)
	}
	return &ContentResult{Sections: sections, Generated: generated, SetHash: setHash}, nil
}

// generateSections drafts the missing sections concurrently and runs the
// guardrail over each. Any violation fails the whole batch.
func (o *Orchestrator) generateSections(
	ctx context.Context,
	plan []plannedSection,
	missing []int,
	risk *model.RiskBundle,
	ranking *model.PriorityRanking,
	answers map[string]any,
) (map[int]model.SectionPayload, error) {
	data := newSectionData(risk.Payload, ranking.Payload, answers)
	guard := NewGuardrail(risk.Payload, ranking.Payload, answers)
	policy := o.retryPolicy("anthropic", 0)

	var (
		mu         sync.Mutex
		drafts     = make(map[int]model.SectionPayload, len(missing))
		violations []Violation
	)

	g, gctx := errgroup.WithContext(ctx)
	limit := o.cfg.Content.Concurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)

	for _, i := range missing {
		p := plan[i]
		g.Go(func() error {
			req := SectionRequest{Key: p.key, Prompt: p.prompt, Data: data}
			gen, err := resilience.Guard(gctx, policy, o.breaker, func(ctx context.Context) (*GeneratedSection, error) {
				return o.generator.Generate(ctx, req)
			})
			if err != nil {
				return eris.Wrapf(err, "generate %s", p.key)
			}

			resolved, vs := guard.Check(p.key, gen.Content)
			flags := slices.Clone(gen.Flags)
			if resolved != gen.Content {
				flags = append(flags, "references_resolved")
			}
			slices.Sort(flags)

			mu.Lock()
			defer mu.Unlock()
			violations = append(violations, vs...)
			drafts[i] = model.SectionPayload{
				SectionKey:     p.key,
				PromptRef:      p.prompt.Ref(),
				Content:        strings.TrimSpace(resolved),
				GuardrailFlags: flags,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if resilience.IsTransient(err) || resilience.IsExhausted(err) || errors.Is(err, resilience.ErrOpen) {
			return nil, newStageError(CodeTransientTransport, model.StageContent, err)
		}
		return nil, newStageError(CodeInternal, model.StageContent, err)
	}

	if len(violations) > 0 {
		slices.SortFunc(violations, func(a, b Violation) int {
			if c := strings.Compare(string(a.Section), string(b.Section)); c != 0 {
				return c
			}
			return strings.Compare(a.Rule+a.Detail, b.Rule+b.Detail)
		})
		details := make([]string, 0, len(violations))
		for _, v := range violations {
			details = append(details, fmt.Sprintf("%s/%s: %s", v.Section, v.Rule, v.Detail))
		}
		zap.L().Warn("pipeline: guardrail rejected generated content",
			zap.Int("violations", len(violations)),
			zap.Strings("details", details),
		)
		return nil, newStageError(CodeGuardrailViolation, model.StageContent,
			&GuardrailError{Violations: violations})
	}
	return drafts, nil
}

// GuardrailError carries the violations that rejected a batch of sections.
type GuardrailError struct {
	Violations []Violation
}

func (e *GuardrailError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, string(v.Section)+"/"+v.Rule)
	}
	return "guardrail violations: " + strings.Join(parts, ", ")
}

// requireSections resolves the job's full section set for the configured
// prompt version. Any missing section is a precondition failure.
func (o *Orchestrator) requireSections(ctx context.Context, job *model.ProcessingJob, stage model.Stage) (*sectionSet, error) {
	risk, err := o.requireRisk(ctx, job, stage)
	if err != nil {
		return nil, err
	}
	ranking, err := o.requireRanking(ctx, job, risk, stage)
	if err != nil {
		return nil, err
	}
	plan, err := o.planSections(risk, ranking, o.cfg.Content.PromptVersion)
	if err != nil {
		return nil, err
	}

	set := &sectionSet{risk: risk, ranking: ranking}
	for _, p := range plan {
		found, err := findArtifact[model.SectionPayload](ctx, o.store, model.KindReportSection, job.ID, string(p.key), p.hash)
		if err != nil {
			return nil, newStageError(CodeInternal, stage, err)
		}
		if found == nil {
			return nil, preconditionf(stage, "section %s missing for current inputs", p.key)
		}
		set.sections = append(set.sections, model.ReportSection{ArtifactRef: found.ref, Payload: found.payload})
	}
	set.hash, err = sectionsHash(set.sections)
	if err != nil {
		return nil, newStageError(CodeInternal, stage, err)
	}
	return set, nil
}
