package model

import (
	"encoding/json"
	"time"
)

// ArtifactKind identifies the class of artifact a stage produces. Each kind
// is stored in its own table.
type ArtifactKind string

const (
	KindRiskBundle       ArtifactKind = "risk_bundle"
	KindPriorityRanking  ArtifactKind = "priority_ranking"
	KindReportSection    ArtifactKind = "report_section"
	KindValidationResult ArtifactKind = "validation_result"
	KindSafetyResult     ArtifactKind = "safety_result"
	KindPDF              ArtifactKind = "pdf"
)

// ArtifactKinds returns every artifact kind.
func ArtifactKinds() []ArtifactKind {
	return []ArtifactKind{
		KindRiskBundle,
		KindPriorityRanking,
		KindReportSection,
		KindValidationResult,
		KindSafetyResult,
		KindPDF,
	}
}

// ArtifactRef is the envelope shared by every persisted artifact. Rows are
// immutable: a different InputsHash always means a new row.
type ArtifactRef struct {
	ID         string       `json:"id"`
	JobID      string       `json:"job_id"`
	Kind       ArtifactKind `json:"kind"`
	Scope      string       `json:"scope,omitempty"`
	InputsHash string       `json:"inputs_hash"`
	Version    string       `json:"version"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Artifact is an ArtifactRef plus its canonical JSON payload, as stored.
type Artifact struct {
	ArtifactRef
	Payload json.RawMessage `json:"payload"`
}

// RiskLevel buckets a 0-100 risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
)

// LevelForScore maps a 0-100 score to a RiskLevel.
func LevelForScore(score int) RiskLevel {
	switch {
	case score >= 60:
		return RiskHigh
	case score >= 30:
		return RiskModerate
	default:
		return RiskLow
	}
}

// RiskFactor is one computed clinical risk factor.
type RiskFactor struct {
	Key      string    `json:"key"`
	Label    string    `json:"label"`
	Score    int       `json:"score"`
	Level    RiskLevel `json:"level"`
	Evidence []string  `json:"evidence"`
}

// RiskPayload is the content of a risk bundle.
type RiskPayload struct {
	AlgorithmVersion string       `json:"algorithm_version"`
	Factors          []RiskFactor `json:"factors"`
	OverallScore     int          `json:"overall_score"`
	OverallLevel     RiskLevel    `json:"overall_level"`
	MissingInputs    []string     `json:"missing_inputs,omitempty"`
}

// Factor returns the factor with the given key.
func (p RiskPayload) Factor(key string) (RiskFactor, bool) {
	for _, f := range p.Factors {
		if f.Key == key {
			return f, true
		}
	}
	return RiskFactor{}, false
}

// RiskBundle is a persisted risk computation.
type RiskBundle struct {
	ArtifactRef
	Payload RiskPayload `json:"payload"`
}

// RankedIntervention is one prioritized intervention.
type RankedIntervention struct {
	Rank         int     `json:"rank"`
	Key          string  `json:"key"`
	Title        string  `json:"title"`
	TargetFactor string  `json:"target_factor"`
	Priority     float64 `json:"priority"`
	Effort       string  `json:"effort"`
}

// RankingPayload is the content of a priority ranking.
type RankingPayload struct {
	AlgorithmVersion string               `json:"algorithm_version"`
	RiskBundleID     string               `json:"risk_bundle_id"`
	Interventions    []RankedIntervention `json:"interventions"`
}

// Intervention returns the ranked intervention with the given key.
func (p RankingPayload) Intervention(key string) (RankedIntervention, bool) {
	for _, iv := range p.Interventions {
		if iv.Key == key {
			return iv, true
		}
	}
	return RankedIntervention{}, false
}

// PriorityRanking is a persisted ranking.
type PriorityRanking struct {
	ArtifactRef
	Payload RankingPayload `json:"payload"`
}

// SectionKey names a generated report section.
type SectionKey string

const (
	SectionOverview        SectionKey = "overview"
	SectionRiskSummary     SectionKey = "risk_summary"
	SectionPriorityActions SectionKey = "priority_actions"
	SectionNextSteps       SectionKey = "next_steps"
)

// SectionKeys returns every section key in report order.
func SectionKeys() []SectionKey {
	return []SectionKey{
		SectionOverview,
		SectionRiskSummary,
		SectionPriorityActions,
		SectionNextSteps,
	}
}

// SectionPayload is the content of a generated section.
type SectionPayload struct {
	SectionKey     SectionKey `json:"section_key"`
	PromptRef      string     `json:"prompt_ref"`
	Content        string     `json:"content"`
	GuardrailFlags []string   `json:"guardrail_flags"`
}

// ReportSection is a persisted section. Scope carries the section key.
type ReportSection struct {
	ArtifactRef
	Payload SectionPayload `json:"payload"`
}

// ValidationOutcome is the Layer-1 verdict.
type ValidationOutcome string

const (
	ValidationPass    ValidationOutcome = "PASS"
	ValidationFail    ValidationOutcome = "FAIL"
	ValidationUnknown ValidationOutcome = "UNKNOWN"
)

// FindingSeverity grades a validation finding.
type FindingSeverity string

const (
	FindingInfo    FindingSeverity = "info"
	FindingWarning FindingSeverity = "warning"
	FindingError   FindingSeverity = "error"
)

// ValidationFinding is one rule observation.
type ValidationFinding struct {
	RuleKey    string          `json:"rule_key"`
	Severity   FindingSeverity `json:"severity"`
	SectionKey SectionKey      `json:"section_key,omitempty"`
	Message    string          `json:"message"`
}

// ValidationPayload is the content of a validation result.
type ValidationPayload struct {
	RulesEngineVersion string              `json:"rules_engine_version"`
	SectionsHash       string              `json:"sections_hash"`
	Result             ValidationOutcome   `json:"result"`
	Findings           []ValidationFinding `json:"findings"`
}

// ValidationResult is a persisted Layer-1 result.
type ValidationResult struct {
	ArtifactRef
	Payload ValidationPayload `json:"payload"`
}

// SafetyAction is the Layer-2 verdict. SafetyUnknown is never produced by
// the model; it records a failed or invalid evaluation.
type SafetyAction string

const (
	SafetyPass    SafetyAction = "PASS"
	SafetyFlag    SafetyAction = "FLAG"
	SafetyBlock   SafetyAction = "BLOCK"
	SafetyUnknown SafetyAction = "UNKNOWN"
)

// SafetySeverity grades a safety evaluation.
type SafetySeverity string

const (
	SeverityNone     SafetySeverity = "none"
	SeverityLow      SafetySeverity = "low"
	SeverityMedium   SafetySeverity = "medium"
	SeverityHigh     SafetySeverity = "high"
	SeverityCritical SafetySeverity = "critical"
	SeverityUnknown  SafetySeverity = "unknown"
)

// SafetyFinding is one issue raised by the evaluator.
type SafetyFinding struct {
	Category    string         `json:"category"`
	Severity    SafetySeverity `json:"severity"`
	SectionKey  SectionKey     `json:"section_key,omitempty"`
	Description string         `json:"description"`
}

// SafetyPayload is the content of a safety check result.
type SafetyPayload struct {
	EvaluationKeyHash string          `json:"evaluation_key_hash"`
	PromptVersion     string          `json:"prompt_version"`
	SectionsHash      string          `json:"sections_hash"`
	Model             string          `json:"model"`
	Action            SafetyAction    `json:"action"`
	Severity          SafetySeverity  `json:"severity"`
	Summary           string          `json:"summary"`
	Findings          []SafetyFinding `json:"findings"`
	FailureCode       string          `json:"failure_code,omitempty"`
	InputTokens       int64           `json:"input_tokens,omitempty"`
	OutputTokens      int64           `json:"output_tokens,omitempty"`
}

// SafetyCheckResult is a persisted Layer-2 result. InputsHash holds the
// evaluation key hash.
type SafetyCheckResult struct {
	ArtifactRef
	Payload SafetyPayload `json:"payload"`
}

// PDFPayload describes a rendered report.
type PDFPayload struct {
	Path            string `json:"path"`
	SHA256          string `json:"sha256"`
	SizeBytes       int64  `json:"size_bytes"`
	TemplateVersion string `json:"template_version"`
	SectionsHash    string `json:"sections_hash"`
}

// PDFArtifact is a persisted PDF reference.
type PDFArtifact struct {
	ArtifactRef
	Payload PDFPayload `json:"payload"`
}
