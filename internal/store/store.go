package store

import (
	"context"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"

	"github.com/carepath/report-pipeline/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status       model.JobStatus `json:"status,omitempty"`
	Stage        model.Stage     `json:"stage,omitempty"`
	CreatedAfter time.Time       `json:"created_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// ReviewFilter specifies criteria for listing reviews.
type ReviewFilter struct {
	Status model.ReviewStatus `json:"status,omitempty"`
	Limit  int                `json:"limit,omitempty"`
	Offset int                `json:"offset,omitempty"`
}

// ArtifactKey identifies an artifact by its idempotency tuple.
type ArtifactKey struct {
	Kind       model.ArtifactKind
	JobID      string
	Scope      string
	InputsHash string
}

// Store defines the persistence interface for the report pipeline. Every
// artifact write is insert-if-absent on its idempotency tuple; a writer that
// loses a race gets the winner's row back with created=false.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *model.ProcessingJob) error
	GetJob(ctx context.Context, jobID string) (*model.ProcessingJob, error)
	UpdateJobProgress(ctx context.Context, jobID string, p model.JobProgress) error
	ListJobs(ctx context.Context, filter JobFilter) ([]model.ProcessingJob, error)
	CountJobs(ctx context.Context, filter JobFilter) (int, error)

	// Artifacts
	PutArtifact(ctx context.Context, a *model.Artifact) (stored *model.Artifact, created bool, err error)
	FindArtifact(ctx context.Context, key ArtifactKey) (*model.Artifact, error)
	GetArtifact(ctx context.Context, kind model.ArtifactKind, id string) (*model.Artifact, error)
	ListArtifacts(ctx context.Context, kind model.ArtifactKind, jobID string) ([]model.Artifact, error)

	// Reviews
	RequestReview(ctx context.Context, jobID string, reasons []string) (review *model.Review, changed bool, err error)
	GetReview(ctx context.Context, jobID string) (*model.Review, error)
	DecideReview(ctx context.Context, jobID string, status model.ReviewStatus, reviewer, note string) (*model.Review, error)
	SetReviewExternalRef(ctx context.Context, jobID, ref string) error
	ListReviews(ctx context.Context, filter ReviewFilter) ([]model.Review, error)
	CountReviews(ctx context.Context, status model.ReviewStatus) (int, error)

	// Consent
	SetConsent(ctx context.Context, c model.Consent) error
	GetConsent(ctx context.Context, jobID, channel string) (*model.Consent, error)

	// Notifications
	CreateNotification(ctx context.Context, n *model.NotificationRecord) (stored *model.NotificationRecord, created bool, err error)
	GetNotification(ctx context.Context, id string) (*model.NotificationRecord, error)
	FindNotification(ctx context.Context, jobID string, typ model.NotificationType) (*model.NotificationRecord, error)
	TransitionNotification(ctx context.Context, id string, from, to model.NotificationStatus, lastErr string) (bool, error)
	// ReclaimNotification takes over a pending record whose sender stopped
	// reporting. It succeeds only while the record is still pending with the
	// observed attempt count, and counts the abandoned attempt.
	ReclaimNotification(ctx context.Context, id string, attempts int, lastErr string) (bool, error)
	CountNotifications(ctx context.Context, status model.NotificationStatus) (int, error)

	// Audit
	RecordAudit(ctx context.Context, e *model.AuditEvent) (created bool, err error)
	ListAudit(ctx context.Context, jobID string) ([]model.AuditEvent, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// artifactTables maps each artifact kind to its table.
var artifactTables = map[model.ArtifactKind]string{
	model.KindRiskBundle:       "risk_bundles",
	model.KindPriorityRanking:  "priority_rankings",
	model.KindReportSection:    "report_sections",
	model.KindValidationResult: "validation_results",
	model.KindSafetyResult:     "safety_results",
	model.KindPDF:              "pdf_artifacts",
}

func artifactTable(kind model.ArtifactKind) (string, error) {
	t, ok := artifactTables[kind]
	if !ok {
		return "", eris.Errorf("store: unknown artifact kind %q", kind)
	}
	return t, nil
}

var artifactColumns = []string{"id", "job_id", "scope", "inputs_hash", "version", "payload", "created_at"}

var artifactConflictKeys = []string{"job_id", "scope", "inputs_hash"}

// mergeReasons returns the sorted union of existing and added, and whether
// added contributed anything new.
func mergeReasons(existing, added []string) ([]string, bool) {
	seen := make(map[string]bool, len(existing)+len(added))
	out := make([]string, 0, len(existing)+len(added))
	for _, r := range existing {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	grew := false
	for _, r := range added {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
		grew = true
	}
	slices.Sort(out)
	return out, grew
}

func listLimit(n int) uint64 {
	if n <= 0 {
		return 100
	}
	return uint64(n)
}

// applyJobFilter adds the filter's WHERE clauses. Limit and offset are left
// to the caller so counts can share it.
func applyJobFilter(q sq.SelectBuilder, filter JobFilter) sq.SelectBuilder {
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.Stage != "" {
		q = q.Where(sq.Eq{"stage": string(filter.Stage)})
	}
	if !filter.CreatedAfter.IsZero() {
		q = q.Where(sq.GtOrEq{"created_at": filter.CreatedAfter.UTC()})
	}
	return q
}
