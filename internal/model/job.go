package model

import (
	"time"
)

// JobStatus represents the overall state of a processing job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Stage is the pipeline position of a job. ProcessingJob.Stage is the single
// source of truth for where a job is.
type Stage string

const (
	StageRisk        Stage = "risk"
	StageRanking     Stage = "ranking"
	StageContent     Stage = "content"
	StageValidation  Stage = "validation"
	StageSafetyCheck Stage = "safety_check"
	StageDelivery    Stage = "delivery"
	StageCompleted   Stage = "completed"
)

// stageOrder lists stages in execution order.
var stageOrder = []Stage{
	StageRisk,
	StageRanking,
	StageContent,
	StageValidation,
	StageSafetyCheck,
	StageDelivery,
	StageCompleted,
}

// Next returns the stage that follows s. StageCompleted and unknown stages
// return themselves.
func (s Stage) Next() Stage {
	for i, st := range stageOrder {
		if st == s && i+1 < len(stageOrder) {
			return stageOrder[i+1]
		}
	}
	return s
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, st := range stageOrder {
		if st == s {
			return true
		}
	}
	return false
}

// Stages returns all stages in execution order.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// Answers holds assessment answers keyed by question key. Values are the
// decoded JSON scalars (string, float64, bool) or nested lists.
type Answers map[string]any

// ProcessingJob tracks one assessment's progress through the pipeline.
// AssessmentRef is an opaque reference to the assessment in the surrounding
// application; no patient identity is stored here.
type ProcessingJob struct {
	ID                   string    `json:"id"`
	AssessmentRef        string    `json:"assessment_ref"`
	QuestionnaireVersion string    `json:"questionnaire_version"`
	Answers              Answers   `json:"answers"`
	Status               JobStatus `json:"status"`
	Stage                Stage     `json:"stage"`
	ErrorCode            string    `json:"error_code,omitempty"`
	ErrorMessage         string    `json:"error_message,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// IsTerminal reports whether the job has finished processing, successfully
// or not.
func (j *ProcessingJob) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// JobProgress is the mutable part of a job written after each stage.
type JobProgress struct {
	Status       JobStatus `json:"status"`
	Stage        Stage     `json:"stage"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}
