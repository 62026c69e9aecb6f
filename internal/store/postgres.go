package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/carepath/report-pipeline/internal/db"
	"github.com/carepath/report-pipeline/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"get_job":             jobSelect + ` WHERE id = $1`,
	"update_job_progress": `UPDATE jobs SET status = $1, stage = $2, error_code = $3, error_message = $4, updated_at = $5 WHERE id = $6`,
	"get_review":          reviewSelect + ` WHERE job_id = $1`,
	"find_notification":   notificationSelect + ` WHERE job_id = $1 AND type = $2`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func postgresArtifactTable(table string) string {
	// payload is TEXT, not JSONB, so the canonical bytes round-trip unchanged.
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	seq         BIGSERIAL PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	job_id      TEXT NOT NULL REFERENCES jobs(id),
	scope       TEXT NOT NULL DEFAULT '',
	inputs_hash TEXT NOT NULL,
	version     TEXT NOT NULL,
	payload     TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (job_id, scope, inputs_hash)
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_job_id ON %[1]s(job_id);
`, table)
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id                    TEXT PRIMARY KEY,
	assessment_ref        TEXT NOT NULL,
	questionnaire_version TEXT NOT NULL DEFAULT '',
	answers               JSONB NOT NULL,
	status                TEXT NOT NULL DEFAULT 'pending',
	stage                 TEXT NOT NULL DEFAULT 'risk',
	error_code            TEXT NOT NULL DEFAULT '',
	error_message         TEXT NOT NULL DEFAULT '',
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS reviews (
	job_id       TEXT PRIMARY KEY REFERENCES jobs(id),
	reasons      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	reviewer     TEXT NOT NULL DEFAULT '',
	note         TEXT NOT NULL DEFAULT '',
	external_ref TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	decided_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS consents (
	job_id     TEXT NOT NULL REFERENCES jobs(id),
	channel    TEXT NOT NULL,
	granted    BOOLEAN NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
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
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (job_id, type)
);

CREATE TABLE IF NOT EXISTS audit_events (
	seq         BIGSERIAL PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	job_id      TEXT NOT NULL,
	action      TEXT NOT NULL,
	stage       TEXT NOT NULL DEFAULT '',
	artifact_id TEXT NOT NULL DEFAULT '',
	dedupe_key  TEXT NOT NULL,
	detail      JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (job_id, action, dedupe_key)
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_reviews_status ON reviews(status);
CREATE INDEX IF NOT EXISTS idx_notifications_status ON notifications(status);
CREATE INDEX IF NOT EXISTS idx_audit_events_job_id ON audit_events(job_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := postgresMigration
	for _, kind := range model.ArtifactKinds() {
		ddl += postgresArtifactTable(artifactTables[kind])
	}
	_, err := s.pool.Exec(ctx, ddl)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.ProcessingJob) error {
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
		return eris.Wrap(err, "postgres: marshal answers")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, assessment_ref, questionnaire_version, answers, status, stage, error_code, error_message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.AssessmentRef, job.QuestionnaireVersion, answers,
		string(job.Status), string(job.Stage), job.ErrorCode, job.ErrorMessage, now, now,
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.ProcessingJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, jobSelect+` WHERE id = $1`, jobID))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	return j, nil
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, jobID string, p model.JobProgress) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, stage = $2, error_code = $3, error_message = $4, updated_at = $5 WHERE id = $6`,
		string(p.Status), string(p.Stage), p.ErrorCode, p.ErrorMessage, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job progress %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	return nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.ProcessingJob, error) {
	q := sq.Select("id", "assessment_ref", "questionnaire_version", "answers", "status", "stage",
		"error_code", "error_message", "created_at", "updated_at").
		From("jobs").
		OrderBy("created_at DESC").
		Limit(listLimit(filter.Limit)).
		PlaceholderFormat(sq.Dollar)
	q = applyJobFilter(q, filter)
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list jobs")
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.ProcessingJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) CountJobs(ctx context.Context, filter JobFilter) (int, error) {
	q := applyJobFilter(sq.Select("COUNT(*)").From("jobs").
		PlaceholderFormat(sq.Dollar), filter)
	query, args, err := q.ToSql()
	if err != nil {
		return 0, eris.Wrap(err, "postgres: build count jobs")
	}
	var n int
	err = s.pool.QueryRow(ctx, query, args...).Scan(&n)
	return n, eris.Wrap(err, "postgres: count jobs")
}

// --- Artifacts ---

func (s *PostgresStore) PutArtifact(ctx context.Context, a *model.Artifact) (*model.Artifact, bool, error) {
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
	}.ToSQL(sq.Dollar, a.ID, a.JobID, a.Scope, a.InputsHash, a.Version, string(a.Payload), a.CreatedAt)
	if err != nil {
		return nil, false, err
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil && !db.IsUniqueViolation(err) {
		return nil, false, eris.Wrapf(err, "postgres: insert %s", a.Kind)
	}
	if err == nil && tag.RowsAffected() == 1 {
		return a, true, nil
	}

	existing, err := s.FindArtifact(ctx, ArtifactKey{Kind: a.Kind, JobID: a.JobID, Scope: a.Scope, InputsHash: a.InputsHash})
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) FindArtifact(ctx context.Context, key ArtifactKey) (*model.Artifact, error) {
	table, err := artifactTable(key.Kind)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+artifactSelectCols+` FROM `+table+` WHERE job_id = $1 AND scope = $2 AND inputs_hash = $3`,
		key.JobID, key.Scope, key.InputsHash,
	)
	a, err := scanArtifact(row, key.Kind)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find %s for job %s", key.Kind, key.JobID)
	}
	return a, nil
}

func (s *PostgresStore) GetArtifact(ctx context.Context, kind model.ArtifactKind, id string) (*model.Artifact, error) {
	table, err := artifactTable(kind)
	if err != nil {
		return nil, err
	}
	a, err := scanArtifact(s.pool.QueryRow(ctx, `SELECT `+artifactSelectCols+` FROM `+table+` WHERE id = $1`, id), kind)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get %s %s", kind, id)
	}
	return a, nil
}

func (s *PostgresStore) ListArtifacts(ctx context.Context, kind model.ArtifactKind, jobID string) ([]model.Artifact, error) {
	table, err := artifactTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT `+artifactSelectCols+` FROM `+table+` WHERE job_id = $1 ORDER BY seq`, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list %s", kind)
	}
	defer rows.Close()

	var out []model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: list %s iterate", kind)
}

// --- Reviews ---

func (s *PostgresStore) RequestReview(ctx context.Context, jobID string, reasons []string) (*model.Review, bool, error) {
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
	}.ToSQL(sq.Dollar, jobID, string(reasonsJSON), string(model.ReviewPending), now, now)
	if err != nil {
		return nil, false, err
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: insert review %s", jobID)
	}
	if tag.RowsAffected() == 1 {
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

		tag, err := s.pool.Exec(ctx,
			`UPDATE reviews SET reasons = $1, status = $2, reviewer = '', note = '', decided_at = NULL, updated_at = $3
			 WHERE job_id = $4 AND reasons = $5`,
			string(newJSON), string(model.ReviewPending), time.Now().UTC(), jobID, string(oldJSON),
		)
		if err != nil {
			return nil, false, eris.Wrapf(err, "postgres: update review %s", jobID)
		}
		if tag.RowsAffected() == 1 {
			existing.Reasons = merged
			existing.Status = model.ReviewPending
			existing.Reviewer, existing.Note, existing.DecidedAt = "", "", nil
			return existing, true, nil
		}
	}
	return nil, false, eris.Errorf("postgres: request review %s: too much contention", jobID)
}

func (s *PostgresStore) GetReview(ctx context.Context, jobID string) (*model.Review, error) {
	r, err := scanReview(s.pool.QueryRow(ctx, reviewSelect+` WHERE job_id = $1`, jobID))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get review %s", jobID)
	}
	return r, nil
}

func (s *PostgresStore) DecideReview(ctx context.Context, jobID string, status model.ReviewStatus, reviewer, note string) (*model.Review, error) {
	if status != model.ReviewApproved && status != model.ReviewRejected {
		return nil, eris.Errorf("postgres: invalid review decision %q", status)
	}
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE reviews SET status = $1, reviewer = $2, note = $3, decided_at = $4, updated_at = $5 WHERE job_id = $6`,
		string(status), reviewer, note, now, now, jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: decide review %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return nil, eris.Wrapf(ErrNotFound, "review %s", jobID)
	}
	return s.GetReview(ctx, jobID)
}

func (s *PostgresStore) SetReviewExternalRef(ctx context.Context, jobID, ref string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reviews SET external_ref = $1, updated_at = $2 WHERE job_id = $3`,
		ref, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set review external ref %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "review %s", jobID)
	}
	return nil
}

func (s *PostgresStore) ListReviews(ctx context.Context, filter ReviewFilter) ([]model.Review, error) {
	q := sq.Select("job_id", "reasons", "status", "reviewer", "note", "external_ref", "created_at", "decided_at").
		From("reviews").
		OrderBy("created_at ASC").
		Limit(listLimit(filter.Limit)).
		PlaceholderFormat(sq.Dollar)
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list reviews")
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list reviews")
	}
	defer rows.Close()

	var out []model.Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list reviews iterate")
}

func (s *PostgresStore) CountReviews(ctx context.Context, status model.ReviewStatus) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM reviews WHERE status = $1`, string(status)).Scan(&n)
	return n, eris.Wrap(err, "postgres: count reviews")
}

// --- Consent ---

func (s *PostgresStore) SetConsent(ctx context.Context, c model.Consent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO consents (job_id, channel, granted, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (job_id, channel) DO UPDATE SET granted = EXCLUDED.granted, updated_at = EXCLUDED.updated_at`,
		c.JobID, c.Channel, c.Granted, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: set consent %s/%s", c.JobID, c.Channel)
}

func (s *PostgresStore) GetConsent(ctx context.Context, jobID, channel string) (*model.Consent, error) {
	var c model.Consent
	err := s.pool.QueryRow(ctx,
		`SELECT job_id, channel, granted, updated_at FROM consents WHERE job_id = $1 AND channel = $2`,
		jobID, channel,
	).Scan(&c.JobID, &c.Channel, &c.Granted, &c.UpdatedAt)
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get consent %s/%s", jobID, channel)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get consent %s/%s", jobID, channel)
	}
	return &c, nil
}

// --- Notifications ---

func (s *PostgresStore) CreateNotification(ctx context.Context, n *model.NotificationRecord) (*model.NotificationRecord, bool, error) {
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
	}.ToSQL(sq.Dollar, n.ID, n.JobID, string(n.Type), n.Channel, n.RecipientRef, string(n.Status), n.Attempts, n.LastError, now, now)
	if err != nil {
		return nil, false, err
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil && !db.IsUniqueViolation(err) {
		return nil, false, eris.Wrapf(err, "postgres: insert notification for job %s", n.JobID)
	}
	if err == nil && tag.RowsAffected() == 1 {
		return n, true, nil
	}

	existing, err := s.FindNotification(ctx, n.JobID, n.Type)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) GetNotification(ctx context.Context, id string) (*model.NotificationRecord, error) {
	n, err := scanNotification(s.pool.QueryRow(ctx, notificationSelect+` WHERE id = $1`, id))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get notification %s", id)
	}
	return n, nil
}

func (s *PostgresStore) FindNotification(ctx context.Context, jobID string, typ model.NotificationType) (*model.NotificationRecord, error) {
	n, err := scanNotification(s.pool.QueryRow(ctx,
		notificationSelect+` WHERE job_id = $1 AND type = $2`, jobID, string(typ)))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find notification %s/%s", jobID, typ)
	}
	return n, nil
}

func (s *PostgresStore) TransitionNotification(ctx context.Context, id string, from, to model.NotificationStatus, lastErr string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET status = $1, attempts = attempts + $2, last_error = $3, updated_at = $4
		 WHERE id = $5 AND status = $6`,
		string(to), attemptDelta(from), lastErr, time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition notification %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReclaimNotification(ctx context.Context, id string, attempts int, lastErr string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET attempts = attempts + 1, last_error = $1, updated_at = $2
		 WHERE id = $3 AND status = $4 AND attempts = $5`,
		lastErr, time.Now().UTC(), id, string(model.NotificationPending), attempts,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: reclaim notification %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CountNotifications(ctx context.Context, status model.NotificationStatus) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE status = $1`, string(status)).Scan(&n)
	return n, eris.Wrap(err, "postgres: count notifications")
}

// --- Audit ---

func (s *PostgresStore) RecordAudit(ctx context.Context, e *model.AuditEvent) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var detail any
	if len(e.Detail) > 0 {
		detail = []byte(e.Detail)
	}

	query, args, err := db.InsertOnce{
		Table:   "audit_events",
		Columns: []string{"id", "job_id", "action", "stage", "artifact_id", "dedupe_key", "detail", "created_at"},
		Key:     []string{"job_id", "action", "dedupe_key"},
	}.ToSQL(sq.Dollar, e.ID, e.JobID, e.Action, string(e.Stage), e.ArtifactID, e.DedupeKey, detail, e.CreatedAt)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert audit event %s", e.Action)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, jobID string) ([]model.AuditEvent, error) {
	rows, err := s.pool.Query(ctx, auditSelect+` WHERE job_id = $1 ORDER BY seq`, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list audit %s", jobID)
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list audit iterate")
}
