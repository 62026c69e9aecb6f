package review

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/carepath/report-pipeline/internal/model"
	"github.com/carepath/report-pipeline/internal/store"
)

const sheetName = "Reviews"

// exportColumns is the workbook layout. Reviewers fill in the last three
// columns and hand the file back to ImportXLSX.
var exportColumns = []string{
	"job_id", "assessment_ref", "job_stage", "job_status", "reasons",
	"review_status", "requested_at", "decision", "reviewer", "note",
}

// ExportXLSX writes reviews matching filter to a workbook at path and
// returns how many rows it wrote.
func ExportXLSX(ctx context.Context, st store.Store, filter store.ReviewFilter, path string) (int, error) {
	reviews, err := st.ListReviews(ctx, filter)
	if err != nil {
		return 0, eris.Wrap(err, "review: list reviews for export")
	}

	f := xlsx.NewFile()
	sheet, err := f.AddSheet(sheetName)
	if err != nil {
		return 0, eris.Wrap(err, "xlsx: add sheet")
	}
	addRow(sheet, exportColumns)

	for _, r := range reviews {
		job, err := st.GetJob(ctx, r.JobID)
		if err != nil {
			return 0, eris.Wrapf(err, "review: load job %s", r.JobID)
		}
		decision := ""
		if r.Status != model.ReviewPending {
			decision = string(r.Status)
		}
		addRow(sheet, []string{
			r.JobID,
			job.AssessmentRef,
			string(job.Stage),
			string(job.Status),
			joinReasons(r.Reasons),
			string(r.Status),
			r.CreatedAt.UTC().Format(time.RFC3339),
			decision,
			r.Reviewer,
			r.Note,
		})
	}

	if err := f.Save(path); err != nil {
		return 0, eris.Wrapf(err, "xlsx: save %s", path)
	}
	zap.L().Info("review: exported workbook", zap.String("path", path), zap.Int("rows", len(reviews)))
	return len(reviews), nil
}

func addRow(sheet *xlsx.Sheet, values []string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

// ReadDecisions reads the filled-in decision columns of an exported
// workbook. Rows without a decision are skipped; an unrecognised decision
// is an error naming the row.
func ReadDecisions(path string) ([]Decision, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}
	sheet, ok := f.Sheet[sheetName]
	if !ok {
		return nil, eris.Errorf("xlsx: sheet %q not found", sheetName)
	}
	if len(sheet.Rows) == 0 {
		return nil, nil
	}

	col := map[string]int{}
	for i, cell := range sheet.Rows[0].Cells {
		col[strings.ToLower(strings.TrimSpace(cell.String()))] = i
	}
	for _, name := range []string{"job_id", "decision", "reviewer"} {
		if _, ok := col[name]; !ok {
			return nil, eris.Errorf("xlsx: missing column %q", name)
		}
	}

	var out []Decision
	for i, row := range sheet.Rows[1:] {
		cells := rowToStrings(row)
		get := func(name string) string {
			j, ok := col[name]
			if !ok || j >= len(cells) {
				return ""
			}
			return strings.TrimSpace(cells[j])
		}
		raw := get("decision")
		if raw == "" || raw == string(model.ReviewPending) {
			continue
		}
		status, ok := parseStatus(raw)
		if !ok {
			return nil, eris.Errorf("xlsx: row %d: unknown decision %q", i+2, raw)
		}
		d := Decision{JobID: get("job_id"), Status: status, Reviewer: get("reviewer"), Note: get("note")}
		if d.JobID == "" || d.Reviewer == "" {
			return nil, eris.Errorf("xlsx: row %d: job_id and reviewer are required", i+2)
		}
		out = append(out, d)
	}
	return out, nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

// ImportResult counts what ImportXLSX applied.
type ImportResult struct {
	Applied   int `json:"applied"`
	Unchanged int `json:"unchanged"`
}

// ImportXLSX applies the decisions in an exported workbook. Reviews that
// already carry the same decision are left alone.
func ImportXLSX(ctx context.Context, st store.Store, d Decider, path string) (*ImportResult, error) {
	decisions, err := ReadDecisions(path)
	if err != nil {
		return nil, err
	}
	res := &ImportResult{}
	for _, dec := range decisions {
		current, err := st.GetReview(ctx, dec.JobID)
		if err != nil {
			return res, eris.Wrapf(err, "review: load review %s", dec.JobID)
		}
		if current.Status == dec.Status {
			res.Unchanged++
			continue
		}
		if _, err := d.DecideReview(ctx, dec.JobID, dec.Status, dec.Reviewer, dec.Note); err != nil {
			return res, eris.Wrapf(err, "review: apply decision for job %s", dec.JobID)
		}
		res.Applied++
	}
	return res, nil
}
