package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/carepath/report-pipeline/internal/model"
)

// scannable is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

const jobSelect = `SELECT id, assessment_ref, questionnaire_version, answers, status, stage, error_code, error_message, created_at, updated_at FROM jobs`

func scanJob(row scannable) (*model.ProcessingJob, error) {
	var j model.ProcessingJob
	var answers []byte
	err := row.Scan(&j.ID, &j.AssessmentRef, &j.QuestionnaireVersion, &answers,
		&j.Status, &j.Stage, &j.ErrorCode, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan job")
	}
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &j.Answers); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal answers")
		}
	}
	return &j, nil
}

const artifactSelectCols = `id, job_id, scope, inputs_hash, version, payload, created_at`

func scanArtifact(row scannable, kind model.ArtifactKind) (*model.Artifact, error) {
	var a model.Artifact
	var payload string
	err := row.Scan(&a.ID, &a.JobID, &a.Scope, &a.InputsHash, &a.Version, &payload, &a.CreatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: scan %s", kind)
	}
	a.Kind = kind
	a.Payload = json.RawMessage(payload)
	return &a, nil
}

const reviewSelect = `SELECT job_id, reasons, status, reviewer, note, external_ref, created_at, decided_at FROM reviews`

func scanReview(row scannable) (*model.Review, error) {
	var r model.Review
	var reasons string
	var decidedAt *time.Time
	err := row.Scan(&r.JobID, &reasons, &r.Status, &r.Reviewer, &r.Note, &r.ExternalRef, &r.CreatedAt, &decidedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan review")
	}
	if err := json.Unmarshal([]byte(reasons), &r.Reasons); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal review reasons")
	}
	r.DecidedAt = decidedAt
	return &r, nil
}

const notificationSelect = `SELECT id, job_id, type, channel, recipient_ref, status, attempts, last_error, created_at, updated_at FROM notifications`

func scanNotification(row scannable) (*model.NotificationRecord, error) {
	var n model.NotificationRecord
	err := row.Scan(&n.ID, &n.JobID, &n.Type, &n.Channel, &n.RecipientRef, &n.Status,
		&n.Attempts, &n.LastError, &n.CreatedAt, &n.UpdatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan notification")
	}
	return &n, nil
}

const auditSelect = `SELECT id, job_id, action, stage, artifact_id, dedupe_key, detail, created_at FROM audit_events`

func scanAudit(row scannable) (*model.AuditEvent, error) {
	var e model.AuditEvent
	var detail []byte
	err := row.Scan(&e.ID, &e.JobID, &e.Action, &e.Stage, &e.ArtifactID, &e.DedupeKey, &detail, &e.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "store: scan audit event")
	}
	if len(detail) > 0 {
		e.Detail = json.RawMessage(detail)
	}
	return &e, nil
}

func marshalReasons(reasons []string) ([]byte, error) {
	if reasons == nil {
		reasons = []string{}
	}
	b, err := json.Marshal(reasons)
	return b, eris.Wrap(err, "store: marshal review reasons")
}
