package pipeline

import (
	"context"
	"math"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/carepath/report-pipeline/internal/fingerprint"
	"github.com/carepath/report-pipeline/internal/model"
)

type intervention struct {
	key    string
	title  string
	impact float64
	effort string
}

// interventionCatalog maps a risk factor to the interventions that target it.
var interventionCatalog = map[string][]intervention{
	"blood_pressure": {
		{"home_bp_monitoring", "Check your blood pressure at home each week", 0.8, "low"},
		{"reduce_sodium", "Reduce salt in your diet", 0.7, "medium"},
	},
	"cholesterol": {
		{"lipid_panel_followup", "Schedule a follow-up cholesterol test", 0.7, "low"},
		{"heart_healthy_diet", "Shift toward a heart-healthy eating pattern", 0.8, "medium"},
	},
	"family_history": {
		{"cardiology_screening", "Ask your care team about heart screening", 0.6, "medium"},
	},
	"bmi": {
		{"weight_management_program", "Join a structured weight management program", 0.8, "high"},
	},
	"diabetes": {
		{"glucose_monitoring", "Keep track of your blood sugar", 0.8, "low"},
		{"diabetes_education", "Take a diabetes self-management class", 0.7, "medium"},
	},
	"physical_activity": {
		{"walking_plan", "Build up to 150 minutes of moderate activity per week", 0.9, "medium"},
	},
	"smoking": {
		{"smoking_cessation", "Get support to quit smoking", 1.0, "high"},
	},
	"alcohol": {
		{"alcohol_reduction", "Cut back on alcohol", 0.7, "medium"},
	},
	"sleep": {
		{"sleep_hygiene", "Set a regular sleep routine", 0.6, "low"},
	},
	"stress": {
		{"stress_management", "Practice a daily stress-management technique", 0.6, "low"},
	},
	"age": {
		{"preventive_screening", "Keep up with age-appropriate screenings", 0.5, "low"},
	},
}

var effortCost = map[string]float64{"low": 1, "medium": 2, "high": 3}

var categoryWeight = map[string]float64{
	"blood_pressure":    1.2,
	"cholesterol":       1.2,
	"family_history":    1.2,
	"age":               1.2,
	"bmi":               1.1,
	"diabetes":          1.1,
	"physical_activity": 1.1,
}

// minRankedScore is the factor score below which no intervention is
// suggested.
const minRankedScore = 30

// RankingConfig is the part of the ranking that feeds its hash.
type RankingConfig struct {
	MaxInterventions int `json:"max_interventions"`
}

type rankingAlgorithm func(risk model.RiskPayload, cfg RankingConfig) []model.RankedIntervention

var rankingAlgorithms = map[string]rankingAlgorithm{
	"ranking-1.0.0": rankV1,
}

func rankV1(risk model.RiskPayload, cfg RankingConfig) []model.RankedIntervention {
	var out []model.RankedIntervention
	for _, f := range risk.Factors {
		if f.Score < minRankedScore {
			continue
		}
		weight, ok := categoryWeight[f.Key]
		if !ok {
			weight = 1.0
		}
		for _, iv := range interventionCatalog[f.Key] {
			priority := float64(f.Score) * iv.impact * weight / effortCost[iv.effort]
			out = append(out, model.RankedIntervention{
				Key:          iv.key,
				Title:        iv.title,
				TargetFactor: f.Key,
				Priority:     math.Round(priority*100) / 100,
				Effort:       iv.effort,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Key < out[j].Key
	})
	if cfg.MaxInterventions > 0 && len(out) > cfg.MaxInterventions {
		out = out[:cfg.MaxInterventions]
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

func (o *Orchestrator) rankingHash(risk *model.RiskBundle) (string, RankingConfig, error) {
	version := o.cfg.Ranking.AlgorithmVersion
	if _, ok := rankingAlgorithms[version]; !ok {
		return "", RankingConfig{}, newStageError(CodeUnknownAlgorithmVersion, model.StageRanking,
			eris.Errorf("ranking algorithm %q is not registered", version))
	}
	cfg := RankingConfig{MaxInterventions: o.cfg.Ranking.MaxInterventions}
	h, err := fingerprint.Hash(version, risk.ID, risk.InputsHash, cfg)
	if err != nil {
		return "", cfg, newStageError(CodeInternal, model.StageRanking, err)
	}
	return h, cfg, nil
}

func (o *Orchestrator) runRanking(ctx context.Context, job *model.ProcessingJob) (*model.PriorityRanking, bool, error) {
	risk, err := o.requireRisk(ctx, job, model.StageRanking)
	if err != nil {
		return nil, false, err
	}
	hash, cfg, err := o.rankingHash(risk)
	if err != nil {
		return nil, false, err
	}

	if existing, err := findArtifact[model.RankingPayload](ctx, o.store, model.KindPriorityRanking, job.ID, "", hash); err != nil {
		return nil, false, newStageError(CodeInternal, model.StageRanking, err)
	} else if existing != nil {
		return &model.PriorityRanking{ArtifactRef: existing.ref, Payload: existing.payload}, false, nil
	}

	version := o.cfg.Ranking.AlgorithmVersion
	payload := model.RankingPayload{
		AlgorithmVersion: version,
		RiskBundleID:     risk.ID,
		Interventions:    rankingAlgorithms[version](risk.Payload, cfg),
	}
	stored, created, err := putArtifact(ctx, o.store, model.KindPriorityRanking, job.ID, "", hash, version, payload)
	if err != nil {
		return nil, false, newStageError(CodeInternal, model.StageRanking, err)
	}
	return &model.PriorityRanking{ArtifactRef: stored.ref, Payload: stored.payload}, created, nil
}

func (o *Orchestrator) requireRanking(ctx context.Context, job *model.ProcessingJob, risk *model.RiskBundle, stage model.Stage) (*model.PriorityRanking, error) {
	hash, _, err := o.rankingHash(risk)
	if err != nil {
		return nil, err
	}
	found, err := findArtifact[model.RankingPayload](ctx, o.store, model.KindPriorityRanking, job.ID, "", hash)
	if err != nil {
		return nil, newStageError(CodeInternal, stage, err)
	}
	if found == nil {
		return nil, preconditionf(stage, "no priority ranking for current risk bundle")
	}
	return &model.PriorityRanking{ArtifactRef: found.ref, Payload: found.payload}, nil
}
