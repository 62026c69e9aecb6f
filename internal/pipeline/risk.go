package pipeline

import (
	"context"
	"math"
	"slices"

	"github.com/rotisserie/eris"

	"github.com/carepath/report-pipeline/internal/fingerprint"
	"github.com/carepath/report-pipeline/internal/model"
)

// riskAlgorithm computes a risk payload from normalized answers. Entries in
// riskAlgorithms never change once released; new behavior gets a new
// version.
type riskAlgorithm func(answers map[string]any) (model.RiskPayload, error)

var riskAlgorithms = map[string]riskAlgorithm{
	"risk-1.0.0": computeRiskV1,
}

// RiskVersions lists the registered risk algorithm versions.
func RiskVersions() []string {
	out := make([]string, 0, len(riskAlgorithms))
	for v := range riskAlgorithms {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

type factorFunc func(a map[string]any) (score int, evidence []string, ok bool)

type factorDef struct {
	key   string
	label string
	fn    factorFunc
}

var riskFactorsV1 = []factorDef{
	{"age", "Age", ageFactor},
	{"blood_pressure", "Blood pressure", bloodPressureFactor},
	{"cholesterol", "Cholesterol", cholesterolFactor},
	{"family_history", "Family history of heart disease", familyHistoryFactor},
	{"bmi", "Body weight (BMI)", bmiFactor},
	{"diabetes", "Blood sugar", diabetesFactor},
	{"physical_activity", "Physical activity", activityFactor},
	{"smoking", "Smoking", smokingFactor},
	{"alcohol", "Alcohol use", alcoholFactor},
	{"sleep", "Sleep", sleepFactor},
	{"stress", "Stress", stressFactor},
}

func computeRiskV1(a map[string]any) (model.RiskPayload, error) {
	p := model.RiskPayload{AlgorithmVersion: "risk-1.0.0"}
	total := 0
	for _, def := range riskFactorsV1 {
		score, evidence, ok := def.fn(a)
		if !ok {
			p.MissingInputs = append(p.MissingInputs, def.key)
			continue
		}
		slices.Sort(evidence)
		p.Factors = append(p.Factors, model.RiskFactor{
			Key:      def.key,
			Label:    def.label,
			Score:    score,
			Level:    model.LevelForScore(score),
			Evidence: evidence,
		})
		total += score
	}
	if len(p.Factors) == 0 {
		return p, eris.New("no risk factor could be computed from the answers")
	}
	p.OverallScore = int(math.Round(float64(total) / float64(len(p.Factors))))
	p.OverallLevel = model.LevelForScore(p.OverallScore)
	return p, nil
}

func ageFactor(a map[string]any) (int, []string, bool) {
	age, ok := numberAnswer(a, "age")
	if !ok {
		return 0, nil, false
	}
	switch {
	case age < 45:
		return 10, []string{"age"}, true
	case age < 65:
		return 35, []string{"age"}, true
	default:
		return 60, []string{"age"}, true
	}
}

func bloodPressureFactor(a map[string]any) (int, []string, bool) {
	sys, ok1 := numberAnswer(a, "systolic_bp")
	dia, ok2 := numberAnswer(a, "diastolic_bp")
	if !ok1 || !ok2 {
		return 0, nil, false
	}
	ev := []string{"systolic_bp", "diastolic_bp"}
	switch {
	case sys < 120 && dia < 80:
		return 10, ev, true
	case sys < 130 && dia < 80:
		return 30, ev, true
	case sys < 140 || dia < 90:
		return 55, ev, true
	case sys < 160:
		return 75, ev, true
	default:
		return 90, ev, true
	}
}

func cholesterolFactor(a map[string]any) (int, []string, bool) {
	total, ok := numberAnswer(a, "total_cholesterol")
	if !ok {
		return 0, nil, false
	}
	ev := []string{"total_cholesterol"}
	var score int
	switch {
	case total < 200:
		score = 10
	case total < 240:
		score = 45
	default:
		score = 75
	}
	if hdl, ok := numberAnswer(a, "hdl"); ok {
		ev = append(ev, "hdl")
		if hdl < 40 {
			score = min(score+15, 100)
		}
	}
	return score, ev, true
}

func familyHistoryFactor(a map[string]any) (int, []string, bool) {
	v, ok := boolAnswer(a, "family_history_cvd")
	if !ok {
		return 0, nil, false
	}
	if v {
		return 60, []string{"family_history_cvd"}, true
	}
	return 10, []string{"family_history_cvd"}, true
}

func bmiFactor(a map[string]any) (int, []string, bool) {
	bmi, ok := numberAnswer(a, "bmi")
	if !ok {
		return 0, nil, false
	}
	ev := []string{"bmi"}
	switch {
	case bmi < 18.5:
		return 40, ev, true
	case bmi < 25:
		return 10, ev, true
	case bmi < 30:
		return 40, ev, true
	case bmi < 35:
		return 65, ev, true
	default:
		return 85, ev, true
	}
}

func diabetesFactor(a map[string]any) (int, []string, bool) {
	v, ok := stringAnswer(a, "diabetes")
	if !ok {
		return 0, nil, false
	}
	ev := []string{"diabetes"}
	switch v {
	case "none", "no":
		return 5, ev, true
	case "prediabetes":
		return 50, ev, true
	case "type1", "type2", "type_1", "type_2":
		return 80, ev, true
	}
	return 0, nil, false
}

func activityFactor(a map[string]any) (int, []string, bool) {
	mins, ok := numberAnswer(a, "activity_minutes_per_week")
	if !ok {
		return 0, nil, false
	}
	ev := []string{"activity_minutes_per_week"}
	switch {
	case mins >= 150:
		return 10, ev, true
	case mins >= 75:
		return 35, ev, true
	case mins >= 30:
		return 60, ev, true
	default:
		return 80, ev, true
	}
}

func smokingFactor(a map[string]any) (int, []string, bool) {
	v, ok := stringAnswer(a, "smoking")
	if !ok {
		return 0, nil, false
	}
	ev := []string{"smoking"}
	switch v {
	case "never":
		return 5, ev, true
	case "former":
		return 30, ev, true
	case "current":
		return 90, ev, true
	}
	return 0, nil, false
}

func alcoholFactor(a map[string]any) (int, []string, bool) {
	drinks, ok := numberAnswer(a, "alcohol_drinks_per_week")
	if !ok {
		return 0, nil, false
	}
	ev := []string{"alcohol_drinks_per_week"}
	switch {
	case drinks <= 7:
		return 10, ev, true
	case drinks <= 14:
		return 40, ev, true
	default:
		return 70, ev, true
	}
}

func sleepFactor(a map[string]any) (int, []string, bool) {
	h, ok := numberAnswer(a, "sleep_hours")
	if !ok {
		return 0, nil, false
	}
	ev := []string{"sleep_hours"}
	switch {
	case h >= 7 && h <= 9:
		return 10, ev, true
	case (h >= 6 && h < 7) || (h > 9 && h <= 10):
		return 40, ev, true
	default:
		return 65, ev, true
	}
}

func stressFactor(a map[string]any) (int, []string, bool) {
	lvl, ok := numberAnswer(a, "stress_level")
	if !ok {
		return 0, nil, false
	}
	ev := []string{"stress_level"}
	switch {
	case lvl <= 3:
		return 10, ev, true
	case lvl <= 6:
		return 40, ev, true
	default:
		return 70, ev, true
	}
}

// riskInputs is the recomputable identity of a job's risk bundle.
type riskInputs struct {
	version string
	answers map[string]any
	hash    string
}

func (o *Orchestrator) riskInputs(job *model.ProcessingJob) (*riskInputs, error) {
	version := o.cfg.Risk.AlgorithmVersion
	if _, ok := riskAlgorithms[version]; !ok {
		return nil, newStageError(CodeUnknownAlgorithmVersion, model.StageRisk,
			eris.Errorf("risk algorithm %q is not registered", version))
	}
	answers, err := normalizeAnswers(job.Answers)
	if err != nil {
		return nil, newStageError(CodeInternal, model.StageRisk, err)
	}
	hash, err := fingerprint.Hash(version, answers)
	if err != nil {
		return nil, newStageError(CodeInternal, model.StageRisk, err)
	}
	return &riskInputs{version: version, answers: answers, hash: hash}, nil
}

// runRisk returns the job's risk bundle for the current inputs, computing
// and storing it when absent.
func (o *Orchestrator) runRisk(ctx context.Context, job *model.ProcessingJob) (*model.RiskBundle, bool, error) {
	in, err := o.riskInputs(job)
	if err != nil {
		return nil, false, err
	}

	if existing, err := findArtifact[model.RiskPayload](ctx, o.store, model.KindRiskBundle, job.ID, "", in.hash); err != nil {
		return nil, false, newStageError(CodeInternal, model.StageRisk, err)
	} else if existing != nil {
		return &model.RiskBundle{ArtifactRef: existing.ref, Payload: existing.payload}, false, nil
	}

	payload, err := riskAlgorithms[in.version](in.answers)
	if err != nil {
		return nil, false, newStageError(CodeSchemaViolation, model.StageRisk, err)
	}

	stored, created, err := putArtifact[model.RiskPayload](ctx, o.store, model.KindRiskBundle, job.ID, "", in.hash, in.version, payload)
	if err != nil {
		return nil, false, newStageError(CodeInternal, model.StageRisk, err)
	}
	return &model.RiskBundle{ArtifactRef: stored.ref, Payload: stored.payload}, created, nil
}

// requireRisk returns the stored bundle for the job's current inputs or a
// precondition failure attributed to stage.
func (o *Orchestrator) requireRisk(ctx context.Context, job *model.ProcessingJob, stage model.Stage) (*model.RiskBundle, error) {
	in, err := o.riskInputs(job)
	if err != nil {
		return nil, err
	}
	found, err := findArtifact[model.RiskPayload](ctx, o.store, model.KindRiskBundle, job.ID, "", in.hash)
	if err != nil {
		return nil, newStageError(CodeInternal, stage, err)
	}
	if found == nil {
		return nil, preconditionf(stage, "no risk bundle for current answers")
	}
	return &model.RiskBundle{ArtifactRef: found.ref, Payload: found.payload}, nil
}
