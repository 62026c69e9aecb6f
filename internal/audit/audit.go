// Package audit records pipeline actions as append-only, deduplicated audit
// events.
package audit

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/carepath/report-pipeline/internal/model"
)

// Actions written by the pipeline.
const (
	ActionStageCompleted   = "stage_completed"
	ActionStageFailed      = "stage_failed"
	ActionReviewRequested  = "review_requested"
	ActionReviewDecided    = "review_decided"
	ActionJobRetried       = "job_retried"
	ActionNotificationSent = "notification_sent"
	ActionNotificationFail = "notification_failed"
	ActionNotificationCB   = "notification_status"
)

// Recorder is the slice of the store the sink needs.
type Recorder interface {
	RecordAudit(ctx context.Context, e *model.AuditEvent) (bool, error)
}

// Entry is one auditable action. DedupeKey makes repeated writes of the
// same logical event a no-op.
type Entry struct {
	JobID      string
	Action     string
	Stage      model.Stage
	ArtifactID string
	DedupeKey  string
	Detail     map[string]any
}

// Sink writes entries to the store.
type Sink struct {
	rec Recorder
}

// NewSink returns a sink over rec.
func NewSink(rec Recorder) *Sink {
	return &Sink{rec: rec}
}

// Record writes e and reports whether it was new.
func (s *Sink) Record(ctx context.Context, e Entry) (bool, error) {
	if e.JobID == "" || e.Action == "" || e.DedupeKey == "" {
		return false, eris.New("audit: job id, action and dedupe key are required")
	}

	var detail json.RawMessage
	if len(e.Detail) > 0 {
		b, err := json.Marshal(e.Detail)
		if err != nil {
			return false, eris.Wrap(err, "audit: marshal detail")
		}
		detail = b
	}

	created, err := s.rec.RecordAudit(ctx, &model.AuditEvent{
		JobID:      e.JobID,
		Action:     e.Action,
		Stage:      e.Stage,
		ArtifactID: e.ArtifactID,
		DedupeKey:  e.DedupeKey,
		Detail:     detail,
	})
	if err != nil {
		return false, eris.Wrapf(err, "audit: record %s", e.Action)
	}
	if created {
		zap.L().Debug("audit: recorded",
			zap.String("job_id", e.JobID),
			zap.String("action", e.Action),
			zap.String("stage", string(e.Stage)),
		)
	}
	return created, nil
}
