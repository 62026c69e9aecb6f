package review

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/carepath/report-pipeline/internal/model"
	"github.com/carepath/report-pipeline/internal/store"
	"github.com/carepath/report-pipeline/pkg/notion"
)

// Notion page status names used by the review database.
const (
	notionPending  = "Pending"
	notionApproved = "Approved"
	notionRejected = "Rejected"
)

// defaultReviewer is recorded when a page leaves Reviewer empty.
const defaultReviewer = "notion"

// NotionSync mirrors pending reviews into a Notion database and applies the
// decisions reviewers record there.
type NotionSync struct {
	Pages   notion.Database
	Store   store.Store
	Decider Decider
}

// SyncResult counts what one Sync call did.
type SyncResult struct {
	Created int `json:"created"`
	Reset   int `json:"reset"`
	Decided int `json:"decided"`
	Skipped int `json:"skipped"`
}

// Sync pulls decisions first, then pushes pending reviews. Pulling first
// keeps a fresh decision from being overwritten by the push.
func (s *NotionSync) Sync(ctx context.Context) (*SyncResult, error) {
	res := &SyncResult{}
	stale, err := s.pull(ctx, res)
	if err != nil {
		return res, err
	}
	if err := s.push(ctx, stale, res); err != nil {
		return res, err
	}
	zap.L().Info("review: notion sync complete",
		zap.Int("created", res.Created),
		zap.Int("reset", res.Reset),
		zap.Int("decided", res.Decided),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func reviewProps(r model.Review) notionapi.Properties {
	return notionapi.Properties{
		"Job":       notion.Title(r.JobID),
		"Reasons":   notion.RichText(joinReasons(r.Reasons)),
		"Status":    notion.Status(notionPending),
		"Requested": notion.Date(r.CreatedAt),
	}
}

// push creates a page for every pending review that has none, and resets
// the pages in stale back to Pending with the current reasons.
func (s *NotionSync) push(ctx context.Context, stale map[string]bool, res *SyncResult) error {
	pending, err := listAll(ctx, s.Store, model.ReviewPending)
	if err != nil {
		return err
	}
	for _, r := range pending {
		switch {
		case r.ExternalRef == "":
			pageID, err := s.Pages.Create(ctx, reviewProps(r))
			if err != nil {
				return eris.Wrapf(err, "review: create page for job %s", r.JobID)
			}
			if err := s.Store.SetReviewExternalRef(ctx, r.JobID, pageID); err != nil {
				return eris.Wrapf(err, "review: link page for job %s", r.JobID)
			}
			res.Created++
		case stale[r.JobID]:
			if err := s.Pages.Update(ctx, r.ExternalRef, reviewProps(r)); err != nil {
				return eris.Wrapf(err, "review: reset page for job %s", r.JobID)
			}
			res.Reset++
		}
	}
	return nil
}

// pull applies decided pages to pending reviews. A page whose reasons no
// longer match the review was decided on older findings; it is returned as
// stale instead of applied.
func (s *NotionSync) pull(ctx context.Context, res *SyncResult) (map[string]bool, error) {
	stale := map[string]bool{}
	for _, status := range []string{notionApproved, notionRejected} {
		pages, err := s.Pages.WithStatus(ctx, status)
		if err != nil {
			return nil, eris.Wrapf(err, "review: query %s pages", status)
		}
		for _, p := range pages {
			d, reasons, ok := parseDecisionPage(p)
			if !ok {
				res.Skipped++
				continue
			}
			current, err := s.Store.GetReview(ctx, d.JobID)
			if err != nil {
				zap.L().Warn("review: page for unknown review",
					zap.String("page_id", string(p.ID)),
					zap.String("job_id", d.JobID),
					zap.Error(err),
				)
				res.Skipped++
				continue
			}
			if current.Status != model.ReviewPending {
				continue
			}
			if reasons != joinReasons(current.Reasons) {
				stale[d.JobID] = true
				continue
			}
			if _, err := s.Decider.DecideReview(ctx, d.JobID, d.Status, d.Reviewer, d.Note); err != nil {
				return nil, eris.Wrapf(err, "review: apply decision for job %s", d.JobID)
			}
			res.Decided++
		}
	}
	return stale, nil
}

// listAll pages through every review with the given status.
func listAll(ctx context.Context, st store.Store, status model.ReviewStatus) ([]model.Review, error) {
	const pageSize = 100
	var all []model.Review
	for offset := 0; ; offset += pageSize {
		page, err := st.ListReviews(ctx, store.ReviewFilter{Status: status, Limit: pageSize, Offset: offset})
		if err != nil {
			return nil, eris.Wrapf(err, "review: list %s reviews", status)
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}

func parseDecisionPage(p notionapi.Page) (Decision, string, bool) {
	d := Decision{JobID: notion.Text(p, "Job")}
	d.Status, _ = parseStatus(notion.StatusName(p, "Status"))
	if d.JobID == "" || d.Status == "" {
		return d, "", false
	}
	d.Reviewer = notion.Text(p, "Reviewer")
	if d.Reviewer == "" {
		d.Reviewer = defaultReviewer
	}
	d.Note = notion.Text(p, "Note")
	return d, notion.Text(p, "Reasons"), true
}
