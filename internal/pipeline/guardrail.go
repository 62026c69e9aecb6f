package pipeline

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/carepath/report-pipeline/internal/fingerprint"
	"github.com/carepath/report-pipeline/internal/model"
)

type phiPattern struct {
	name string
	re   *regexp.Regexp
}

// phiPatterns match identifiers that must never appear in generated content.
var phiPatterns = []phiPattern{
	{"email", regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"phone", regexp.MustCompile(`(?:\+?1[-.\s]?)?\(?\b\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)},
	{"mrn", regexp.MustCompile(`(?i)\b(?:MRN|medical record (?:number|no\.?))\b`)},
	{"dob", regexp.MustCompile(`(?i)\b(?:DOB|date of birth|born on)\b`)},
	{"street_address", regexp.MustCompile(`\b\d{1,5}\s+(?:[A-Z][a-z]+\s+){1,3}(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct|Way)\b`)},
}

var (
	referencePattern   = regexp.MustCompile(`@(factor|intervention):([a-z0-9_]+)`)
	placeholderMarkers = []string{"{{", "}}", "<no value>"}
	unsupportedClaims  = regexp.MustCompile(`(?i)\b(?:cures?|guarantee[sd]?|miracle|100% effective|eliminates? (?:your )?risk|reverses? (?:the )?disease)\b`)
)

// enumeratedAnswers hold values from a fixed vocabulary and may appear in
// content verbatim.
var enumeratedAnswers = map[string]bool{
	"diabetes": true,
	"smoking":  true,
	"sex":      true,
}

// minVerbatimLen is the shortest free-text answer treated as identifying.
const minVerbatimLen = 8

// Violation is one guardrail finding. Detail never echoes the matched text.
type Violation struct {
	Section model.SectionKey `json:"section"`
	Rule    string           `json:"rule"`
	Detail  string           `json:"detail"`
}

// Guardrail checks generated sections before they are persisted.
type Guardrail struct {
	factors       map[string]string
	interventions map[string]string
	freeText      []string
}

// NewGuardrail builds a guardrail for one job's risk bundle, ranking and
// normalized answers.
func NewGuardrail(risk model.RiskPayload, ranking model.RankingPayload, answers map[string]any) *Guardrail {
	g := &Guardrail{
		factors:       make(map[string]string, len(risk.Factors)),
		interventions: make(map[string]string, len(ranking.Interventions)),
	}
	for _, f := range risk.Factors {
		g.factors[f.Key] = f.Label
	}
	for _, iv := range ranking.Interventions {
		g.interventions[iv.Key] = iv.Title
	}
	for k, v := range answers {
		s, ok := v.(string)
		if !ok || enumeratedAnswers[k] {
			continue
		}
		s = strings.ToLower(fingerprint.NormalizeString(s))
		if len([]rune(s)) >= minVerbatimLen {
			g.freeText = append(g.freeText, s)
		}
	}
	slices.Sort(g.freeText)
	return g
}

// Check resolves @factor/@intervention references in content and returns
// the resolved text with every violation found.
func (g *Guardrail) Check(key model.SectionKey, content string) (string, []Violation) {
	var vs []Violation
	add := func(rule, detail string) {
		vs = append(vs, Violation{Section: key, Rule: rule, Detail: detail})
	}

	resolved := referencePattern.ReplaceAllStringFunc(content, func(ref string) string {
		m := referencePattern.FindStringSubmatch(ref)
		var label string
		var ok bool
		if m[1] == "factor" {
			label, ok = g.factors[m[2]]
		} else {
			label, ok = g.interventions[m[2]]
		}
		if !ok {
			add("unresolved_reference", fmt.Sprintf("unknown %s reference %q", m[1], m[2]))
			return ref
		}
		return label
	})

	for _, p := range phiPatterns {
		if p.re.MatchString(resolved) {
			add("phi", "content matches the "+p.name+" pattern")
		}
	}

	lower := strings.ToLower(resolved)
	for i, s := range g.freeText {
		if strings.Contains(lower, s) {
			add("verbatim_answer", fmt.Sprintf("content repeats free-text answer #%d", i+1))
		}
	}

	for _, marker := range placeholderMarkers {
		if strings.Contains(resolved, marker) {
			add("unresolved_placeholder", fmt.Sprintf("content contains %q", marker))
		}
	}

	if unsupportedClaims.MatchString(resolved) {
		add("unsupported_claim", "content makes an unsupported clinical claim")
	}

	return resolved, vs
}

// Redactor masks identifiers before content leaves the process.
type Redactor struct {
	freeText []*regexp.Regexp
}

// NewRedactor masks the PHI patterns plus any of the given free-text values.
// Values are matched case-insensitively.
func NewRedactor(answers map[string]any) *Redactor {
	g := NewGuardrail(model.RiskPayload{}, model.RankingPayload{}, answers)
	r := &Redactor{freeText: make([]*regexp.Regexp, 0, len(g.freeText))}
	for _, v := range g.freeText {
		r.freeText = append(r.freeText, regexp.MustCompile(`(?i)`+regexp.QuoteMeta(v)))
	}
	return r
}

const redacted = "[REDACTED]"

// Redact returns s with every match replaced.
func (r *Redactor) Redact(s string) string {
	for _, p := range phiPatterns {
		s = p.re.ReplaceAllString(s, redacted)
	}
	for _, re := range r.freeText {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}
