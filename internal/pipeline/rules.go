package pipeline

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/carepath/report-pipeline/internal/model"
	"github.com/carepath/report-pipeline/internal/registry"
)

// RuleInput is what every validation rule sees.
type RuleInput struct {
	Sections map[model.SectionKey]string
	Risk     model.RiskPayload
	Ranking  model.RankingPayload
}

// ruleFunc evaluates one rule. Returned findings carry no severity; the
// engine stamps the rule set's severity on them.
type ruleFunc func(in RuleInput, params map[string]any) ([]model.ValidationFinding, error)

// ruleCatalog is the compiled set of rule implementations a rule set may
// reference.
var ruleCatalog = map[string]ruleFunc{
	"required_sections":      ruleRequiredSections,
	"max_section_length":     ruleMaxSectionLength,
	"no_dosage_instructions": ruleNoDosage,
	"no_diagnostic_language": ruleNoDiagnosis,
	"risk_level_consistency": ruleRiskLevelConsistency,
	"intervention_coverage":  ruleInterventionCoverage,
	"disclaimer_present":     ruleDisclaimerPresent,
}

var (
	dosagePattern     = regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s*(?:mg|mcg|µg|g|ml|iu|units?|tablets?|pills?|capsules?)\b|\b(?:take|dose of|dosage)\s+\d`)
	diagnosisPattern  = regexp.MustCompile(`(?i)\b(?:you have been diagnosed|you are diagnosed|diagnosed with|you (?:have|suffer from) (?:hypertension|diabetes|heart disease|cancer|depression|obesity))\b`)
	overallLevelRegex = regexp.MustCompile(`(?i)overall risk level(?:\s+is|:)?\s+(low|moderate|high)\b`)
)

func stringsParam(params map[string]any, key string) ([]string, bool, error) {
	raw, ok := params[key]
	if !ok {
		return nil, false, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, true, eris.Errorf("param %s must be a list", key)
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			return nil, true, eris.Errorf("param %s must contain strings", key)
		}
		out = append(out, s)
	}
	return out, true, nil
}

func intParam(params map[string]any, key string) (int, bool, error) {
	raw, ok := params[key]
	if !ok {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case int:
		return v, true, nil
	case int64:
		return int(v), true, nil
	case float64:
		return int(v), true, nil
	}
	return 0, true, eris.Errorf("param %s must be a number", key)
}

func ruleRequiredSections(in RuleInput, params map[string]any) ([]model.ValidationFinding, error) {
	required, ok, err := stringsParam(params, "sections")
	if err != nil {
		return nil, err
	}
	if !ok {
		for _, k := range model.SectionKeys() {
			required = append(required, string(k))
		}
	}
	var out []model.ValidationFinding
	for _, k := range required {
		key := model.SectionKey(k)
		if strings.TrimSpace(in.Sections[key]) == "" {
			out = append(out, model.ValidationFinding{SectionKey: key, Message: "required section is missing or empty"})
		}
	}
	return out, nil
}

func ruleMaxSectionLength(in RuleInput, params map[string]any) ([]model.ValidationFinding, error) {
	limit, ok, err := intParam(params, "max_chars")
	if err != nil {
		return nil, err
	}
	if !ok || limit <= 0 {
		return nil, eris.New("max_chars must be a positive number")
	}
	var out []model.ValidationFinding
	for _, key := range model.SectionKeys() {
		if n := utf8.RuneCountInString(in.Sections[key]); n > limit {
			out = append(out, model.ValidationFinding{
				SectionKey: key,
				Message:    fmt.Sprintf("section has %d characters, limit is %d", n, limit),
			})
		}
	}
	return out, nil
}

func patternRule(re *regexp.Regexp, msg string) ruleFunc {
	return func(in RuleInput, _ map[string]any) ([]model.ValidationFinding, error) {
		var out []model.ValidationFinding
		for _, key := range model.SectionKeys() {
			if re.MatchString(in.Sections[key]) {
				out = append(out, model.ValidationFinding{SectionKey: key, Message: msg})
			}
		}
		return out, nil
	}
}

var (
	ruleNoDosage    = patternRule(dosagePattern, "section contains medication or dosing instructions")
	ruleNoDiagnosis = patternRule(diagnosisPattern, "section uses diagnostic language")
)

func ruleRiskLevelConsistency(in RuleInput, _ map[string]any) ([]model.ValidationFinding, error) {
	content, ok := in.Sections[model.SectionRiskSummary]
	if !ok {
		return nil, nil
	}
	matches := overallLevelRegex.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return []model.ValidationFinding{{
			SectionKey: model.SectionRiskSummary,
			Message:    "risk summary does not state the overall risk level",
		}}, nil
	}
	var out []model.ValidationFinding
	for _, m := range matches {
		if model.RiskLevel(strings.ToLower(m[1])) != in.Risk.OverallLevel {
			out = append(out, model.ValidationFinding{
				SectionKey: model.SectionRiskSummary,
				Message:    fmt.Sprintf("stated overall level %q does not match computed level %q", strings.ToLower(m[1]), in.Risk.OverallLevel),
			})
		}
	}
	return out, nil
}

func ruleInterventionCoverage(in RuleInput, _ map[string]any) ([]model.ValidationFinding, error) {
	content := strings.ToLower(in.Sections[model.SectionPriorityActions])
	var out []model.ValidationFinding
	for _, iv := range in.Ranking.Interventions {
		if !strings.Contains(content, strings.ToLower(iv.Title)) {
			out = append(out, model.ValidationFinding{
				SectionKey: model.SectionPriorityActions,
				Message:    fmt.Sprintf("ranked intervention %s is not mentioned", iv.Key),
			})
		}
	}
	return out, nil
}

func ruleDisclaimerPresent(in RuleInput, params map[string]any) ([]model.ValidationFinding, error) {
	phrase, _ := params["phrase"].(string)
	if strings.TrimSpace(phrase) == "" {
		return nil, eris.New("phrase param is required")
	}
	phrase = strings.ToLower(phrase)
	for _, key := range model.SectionKeys() {
		if strings.Contains(strings.ToLower(in.Sections[key]), phrase) {
			return nil, nil
		}
	}
	return []model.ValidationFinding{{Message: fmt.Sprintf("no section contains the disclaimer %q", phrase)}}, nil
}

func validSeverity(s string) bool {
	switch model.FindingSeverity(s) {
	case model.FindingInfo, model.FindingWarning, model.FindingError:
		return true
	}
	return false
}

// Validate runs a rule set over the sections. It never returns an error:
// anything that prevents a confident verdict yields UNKNOWN with a finding
// that says why.
func Validate(in RuleInput, rs registry.RuleSet) (outcome model.ValidationOutcome, findings []model.ValidationFinding) {
	unknown := func(rule, msg string) {
		outcome = model.ValidationUnknown
		findings = append(findings, model.ValidationFinding{
			RuleKey:  rule,
			Severity: model.FindingError,
			Message:  msg,
		})
	}

	if rs.Version == "" || len(rs.Rules) == 0 {
		unknown("rule_set", "rule set is missing or empty")
		return outcome, findings
	}

	for _, spec := range rs.Rules {
		fn, ok := ruleCatalog[spec.Key]
		if !ok {
			unknown(spec.Key, "rule is not implemented by this engine")
			continue
		}
		if !validSeverity(spec.Severity) {
			unknown(spec.Key, fmt.Sprintf("invalid severity %q", spec.Severity))
			continue
		}
		found, err := runRule(fn, in, spec.Params)
		if err != nil {
			unknown(spec.Key, "rule could not be evaluated: "+err.Error())
			continue
		}
		for _, f := range found {
			f.RuleKey = spec.Key
			f.Severity = model.FindingSeverity(spec.Severity)
			findings = append(findings, f)
		}
	}

	if outcome == model.ValidationUnknown {
		return outcome, findings
	}
	for _, f := range findings {
		if f.Severity == model.FindingError {
			return model.ValidationFail, findings
		}
	}
	return model.ValidationPass, findings
}

func runRule(fn ruleFunc, in RuleInput, params map[string]any) (out []model.ValidationFinding, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("panic: %v", r)
		}
	}()
	return fn(in, params)
}
