package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/carepath/report-pipeline/internal/db"
	"github.com/carepath/report-pipeline/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer at a time; a single connection also keeps the pragmas below
	// in effect for every statement.
	conn.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: conn}, nil
}

func sqliteArtifactTable(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	job_id      TEXT NOT NULL REFERENCES jobs(id),
	scope       TEXT NOT NULL DEFAULT '',
	inputs_hash TEXT NOT NULL,
	version     TEXT NOT NULL,
	payload     TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (job_id, scope, inputs_hash)
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_job_id ON %[1]s(job_id);
`, table)
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id                    TEXT PRIMARY KEY,
	assessment_ref        TEXT NOT NULL,
	questionnaire_version TEXT NOT NULL DEFAULT '',
	answers               TEXT NOT NULL,
	status                TEXT NOT NULL DEFAULT 'pending',
	stage                 TEXT NOT NULL DEFAULT 'risk',
	error_code            TEXT NOT NULL DEFAULT '',
	error_message         TEXT NOT NULL DEFAULT '',
	created_at            DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at            DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS reviews (
	job_id       TEXT PRIMARY KEY REFERENCES jobs(id),
	reasons      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	reviewer     TEXT NOT NULL DEFAULT '',
	note         TEXT NOT NULL DEFAULT '',
	external_ref TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	decided_at   DATETIME
);

CREATE TABLE IF NOT EXISTS consents (
	job_id     TEXT NOT NULL REFERENCES jobs(id),
	channel    TEXT NOT NULL,
	granted    INTEGER NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (job_id, channel)
);

CREATE TABLE IF NOT EXISTS notifications (
	id            TEXT PRIMARY KEY,
	job_id        TEXT NOT NULL REFERENCES jobs(id),
	type          TEXT NOT NULL,
	channel       TEXT NOT NULL,
	recipient_ref TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	attempts      INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (job_id, type)
);

CREATE TABLE IF NOT EXISTS audit_events (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	job_id      TEXT NOT NULL,
	action      TEXT NOT NULL,
	stage       TEXT NOT NULL DEFAULT '',
	artifact_id TEXT NOT NULL DEFAULT '',
	dedupe_key  TEXT NOT NULL,
	detail      TEXT,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (job_id, action, dedupe_key)
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_reviews_status ON reviews(status);
CREATE INDEX IF NOT EXISTS idx_notifications_status ON notifications(status);
CREATE INDEX IF NOT EXISTS idx_audit_events_job_id ON audit_events(job_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	ddl := sqliteMigration
	for _, kind := range model.ArtifactKinds() {
		ddl += sqliteArtifactTable(artifactTables[kind])
	}
	_, err := s.db.ExecContext(ctx, ddl)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.ProcessingJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	if job.Status == "" {
		job.Status = model.JobStatusPending
	}
	if job.Stage == "" {
		job.Stage = model.StageRisk
	}

	answers, err := json.Marshal(job.Answers)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal answers")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, assessment_ref, questionnaire_version, answers, status, stage, error_code, error_message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.AssessmentRef, job.QuestionnaireVersion, string(answers),
		string(job.Status), string(job.Stage), job.ErrorCode, job.ErrorMessage, now, now,
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.ProcessingJob, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, jobID)
	j, err := scanJob(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}
	return j, nil
}

func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, jobID string, p model.JobProgress) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, stage = ?, error_code = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(p.Status), string(p.Stage), p.ErrorCode, p.ErrorMessage, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job progress %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.ProcessingJob, error) {
	q := sq.Select("id", "assessment_ref", "questionnaire_version", "answers", "status", "stage",
		"error_code", "error_message", "created_at", "updated_at").
		From("jobs").
		OrderBy("created_at DESC").
		Limit(listLimit(filter.Limit))
	q = applyJobFilter(q, filter)
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build list jobs")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close() //nolint:errcheck

	var jobs []model.ProcessingJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) CountJobs(ctx context.Context, filter JobFilter) (int, error) {
	q := applyJobFilter(sq.Select("COUNT(*)").From("jobs"), filter)
	query, args, err := q.ToSql()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: build count jobs")
	}
	var n int
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count jobs")
}

// --- Artifacts ---

func (s *SQLiteStore) PutArtifact(ctx context.Context, a *model.Artifact) (*model.Artifact, bool, error) {
	table, err := artifactTable(a.Kind)
	if err != nil {
		return nil, false, err
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	query, args, err := db.InsertOnce{
		Table:   table,
		Columns: artifactColumns,
		Key:     artifactConflictKeys,
	}.ToSQL(sq.Question, a.ID, a.JobID, a.Scope, a.InputsHash, a.Version, string(a.Payload), a.CreatedAt)
	if err != nil {
		return nil, false, err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil && !db.IsUniqueViolation(err) {
		return nil, false, eris.Wrapf(err, "sqlite: insert %s", a.Kind)
	}
	if err == nil {
		if n, _ := res.RowsAffected(); n == 1 {
			return a, true, nil
		}
	}

	// Lost the race or already present: return the winner.
	existing, err := s.FindArtifact(ctx, ArtifactKey{Kind: a.Kind, JobID: a.JobID, Scope: a.Scope, InputsHash: a.InputsHash})
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *SQLiteStore) FindArtifact(ctx context.Context, key ArtifactKey) (*model.Artifact, error) {
	table, err := artifactTable(key.Kind)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+artifactSelectCols+` FROM `+table+` WHERE job_id = ? AND scope = ? AND inputs_hash = ?`,
		key.JobID, key.Scope, key.InputsHash,
	)
	a, err := scanArtifact(row, key.Kind)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find %s for job %s", key.Kind, key.JobID)
	}
	return a, nil
}

func (s *SQLiteStore) GetArtifact(ctx context.Context, kind model.ArtifactKind, id string) (*model.Artifact, error) {
	table, err := artifactTable(kind)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactSelectCols+` FROM `+table+` WHERE id = ?`, id)
	a, err := scanArtifact(row, kind)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get %s %s", kind, id)
	}
	return a, nil
}

func (s *SQLiteStore) ListArtifacts(ctx context.Context, kind model.ArtifactKind, jobID string) ([]model.Artifact, error) {
	table, err := artifactTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactSelectCols+` FROM `+table+` WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list %s", kind)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: list %s iterate", kind)
}

// --- Reviews ---

// reviewCASAttempts bounds optimistic retries when concurrent writers add
// reasons to the same review.
const reviewCASAttempts = 5

func (s *SQLiteStore) RequestReview(ctx context.Context, jobID string, reasons []string) (*model.Review, bool, error) {
	initial, _ := mergeReasons(nil, reasons)
	reasonsJSON, err := marshalReasons(initial)
	if err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()

	query, args, err := db.InsertOnce{
		Table:   "reviews",
		Columns: []string{"job_id", "reasons", "status", "created_at", "updated_at"},
		Key:     []string{"job_id"},
	}.ToSQL(sq.Question, jobID, string(reasonsJSON), string(model.ReviewPending), now, now)
	if err != nil {
		return nil, false, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: insert review %s", jobID)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return &model.Review{JobID: jobID, Reasons: initial, Status: model.ReviewPending, CreatedAt: now}, true, nil
	}

	for range reviewCASAttempts {
		existing, err := s.GetReview(ctx, jobID)
		if err != nil {
			return nil, false, err
		}
		merged, grew := mergeReasons(existing.Reasons, reasons)
		if !grew {
			return existing, false, nil
		}
		oldJSON, err := marshalReasons(existing.Reasons)
		if err != nil {
			return nil, false, err
		}
		newJSON, err := marshalReasons(merged)
		if err != nil {
			return nil, false, err
		}

		// New evidence reopens a decided review.
		res, err := s.db.ExecContext(ctx,
			`UPDATE reviews SET reasons = ?, status = ?, reviewer = '', note = '', decided_at = NULL, updated_at = ?
			 WHERE job_id = ? AND reasons = ?`,
			string(newJSON), string(model.ReviewPending), time.Now().UTC(), jobID, string(oldJSON),
		)
		if err != nil {
			return nil, false, eris.Wrapf(err, "sqlite: update review %s", jobID)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			existing.Reasons = merged
			existing.Status = model.ReviewPending
			existing.Reviewer, existing.Note, existing.DecidedAt = "", "", nil
			return existing, true, nil
		}
	}
	return nil, false, eris.Errorf("sqlite: request review %s: too much contention", jobID)
}

func (s *SQLiteStore) GetReview(ctx context.Context, jobID string) (*model.Review, error) {
	r, err := scanReview(s.db.QueryRowContext(ctx, reviewSelect+` WHERE job_id = ?`, jobID))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get review %s", jobID)
	}
	return r, nil
}

func (s *SQLiteStore) DecideReview(ctx context.Context, jobID string, status model.ReviewStatus, reviewer, note string) (*model.Review, error) {
	if status != model.ReviewApproved && status != model.ReviewRejected {
		return nil, eris.Errorf("sqlite: invalid review decision %q", status)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE reviews SET status = ?, reviewer = ?, note = ?, decided_at = ?, updated_at = ? WHERE job_id = ?`,
		string(status), reviewer, note, now, now, jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: decide review %s", jobID)
	}
	if err := checkRowsAffected(res, "review", jobID); err != nil {
		return nil, err
	}
	return s.GetReview(ctx, jobID)
}

func (s *SQLiteStore) SetReviewExternalRef(ctx context.Context, jobID, ref string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reviews SET external_ref = ?, updated_at = ? WHERE job_id = ?`,
		ref, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set review external ref %s", jobID)
	}
	return checkRowsAffected(res, "review", jobID)
}

func (s *SQLiteStore) ListReviews(ctx context.Context, filter ReviewFilter) ([]model.Review, error) {
	q := sq.Select("job_id", "reasons", "status", "reviewer", "note", "external_ref", "created_at", "decided_at").
		From("reviews").
		OrderBy("created_at ASC").
		Limit(listLimit(filter.Limit))
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build list reviews")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list reviews")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list reviews iterate")
}

func (s *SQLiteStore) CountReviews(ctx context.Context, status model.ReviewStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reviews WHERE status = ?`, string(status)).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count reviews")
}

// --- Consent ---

func (s *SQLiteStore) SetConsent(ctx context.Context, c model.Consent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO consents (job_id, channel, granted, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (job_id, channel) DO UPDATE SET granted = excluded.granted, updated_at = excluded.updated_at`,
		c.JobID, c.Channel, c.Granted, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: set consent %s/%s", c.JobID, c.Channel)
}

func (s *SQLiteStore) GetConsent(ctx context.Context, jobID, channel string) (*model.Consent, error) {
	var c model.Consent
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, channel, granted, updated_at FROM consents WHERE job_id = ? AND channel = ?`,
		jobID, channel,
	).Scan(&c.JobID, &c.Channel, &c.Granted, &c.UpdatedAt)
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get consent %s/%s", jobID, channel)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get consent %s/%s", jobID, channel)
	}
	return &c, nil
}

// --- Notifications ---

func (s *SQLiteStore) CreateNotification(ctx context.Context, n *model.NotificationRecord) (*model.NotificationRecord, bool, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	n.CreatedAt, n.UpdatedAt = now, now
	if n.Status == "" {
		n.Status = model.NotificationPending
	}

	query, args, err := db.InsertOnce{
		Table:   "notifications",
		Columns: []string{"id", "job_id", "type", "channel", "recipient_ref", "status", "attempts", "last_error", "created_at", "updated_at"},
		Key:     []string{"job_id", "type"},
	}.ToSQL(sq.Question, n.ID, n.JobID, string(n.Type), n.Channel, n.RecipientRef, string(n.Status), n.Attempts, n.LastError, now, now)
	if err != nil {
		return nil, false, err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil && !db.IsUniqueViolation(err) {
		return nil, false, eris.Wrapf(err, "sqlite: insert notification for job %s", n.JobID)
	}
	if err == nil {
		if rows, _ := res.RowsAffected(); rows == 1 {
			return n, true, nil
		}
	}

	existing, err := s.FindNotification(ctx, n.JobID, n.Type)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *SQLiteStore) GetNotification(ctx context.Context, id string) (*model.NotificationRecord, error) {
	n, err := scanNotification(s.db.QueryRowContext(ctx, notificationSelect+` WHERE id = ?`, id))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get notification %s", id)
	}
	return n, nil
}

func (s *SQLiteStore) FindNotification(ctx context.Context, jobID string, typ model.NotificationType) (*model.NotificationRecord, error) {
	n, err := scanNotification(s.db.QueryRowContext(ctx,
		notificationSelect+` WHERE job_id = ? AND type = ?`, jobID, string(typ)))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find notification %s/%s", jobID, typ)
	}
	return n, nil
}

func (s *SQLiteStore) TransitionNotification(ctx context.Context, id string, from, to model.NotificationStatus, lastErr string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, attempts = attempts + ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), attemptDelta(from), lastErr, time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: transition notification %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) ReclaimNotification(ctx context.Context, id string, attempts int, lastErr string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET attempts = attempts + 1, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND attempts = ?`,
		lastErr, time.Now().UTC(), id, string(model.NotificationPending), attempts,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: reclaim notification %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) CountNotifications(ctx context.Context, status model.NotificationStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE status = ?`, string(status)).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count notifications")
}

// --- Audit ---

func (s *SQLiteStore) RecordAudit(ctx context.Context, e *model.AuditEvent) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var detail any
	if len(e.Detail) > 0 {
		detail = string(e.Detail)
	}

	query, args, err := db.InsertOnce{
		Table:   "audit_events",
		Columns: []string{"id", "job_id", "action", "stage", "artifact_id", "dedupe_key", "detail", "created_at"},
		Key:     []string{"job_id", "action", "dedupe_key"},
	}.ToSQL(sq.Question, e.ID, e.JobID, e.Action, string(e.Stage), e.ArtifactID, e.DedupeKey, detail, e.CreatedAt)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert audit event %s", e.Action)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) ListAudit(ctx context.Context, jobID string) ([]model.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, auditSelect+` WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list audit %s", jobID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AuditEvent
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list audit iterate")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

// attemptDelta counts a delivery attempt each time a record leaves pending.
func attemptDelta(from model.NotificationStatus) int {
	if from == model.NotificationPending {
		return 1
	}
	return 0
}
