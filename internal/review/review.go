// Package review moves pending clinician reviews in and out of the pipeline:
// a Notion database for day-to-day triage and XLSX workbooks for offline
// batches. Decisions always go through a Decider so they are audited.
package review

import (
	"context"
	"strings"

	"github.com/carepath/report-pipeline/internal/model"
)

// Decider applies a review decision. The orchestrator implements it.
type Decider interface {
	DecideReview(ctx context.Context, jobID string, status model.ReviewStatus, reviewer, note string) (*model.Review, error)
}

// Decision is one reviewer verdict read from an external source.
type Decision struct {
	JobID    string
	Status   model.ReviewStatus
	Reviewer string
	Note     string
}

// parseStatus maps free-form decision text to a review status.
func parseStatus(s string) (model.ReviewStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approved", "approve", "yes":
		return model.ReviewApproved, true
	case "rejected", "reject", "no":
		return model.ReviewRejected, true
	}
	return "", false
}

func joinReasons(reasons []string) string {
	return strings.Join(reasons, ", ")
}
