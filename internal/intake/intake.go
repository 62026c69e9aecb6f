// Package intake reads assessment batches from CSV, XLSX and JSON files and
// turns each record into a processing job.
package intake

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/carepath/report-pipeline/internal/model"
)

// Column names with a fixed meaning in tabular files. Every other column is
// an answer key.
const (
	ColAssessmentRef        = "assessment_ref"
	ColQuestionnaireVersion = "questionnaire_version"
)

// Assessment is one record read from an intake file. Row is the 1-based
// line or row number in the source, counting the header.
type Assessment struct {
	Row                  int           `json:"-"`
	AssessmentRef        string        `json:"assessment_ref"`
	QuestionnaireVersion string        `json:"questionnaire_version"`
	Answers              model.Answers `json:"answers"`
}

// Creator creates a job for an assessment. The orchestrator implements it.
type Creator interface {
	CreateJob(ctx context.Context, assessmentRef, questionnaireVersion string, answers model.Answers) (*model.ProcessingJob, error)
}

// RowError reports a record that could not be read or imported.
type RowError struct {
	Row int    `json:"row"`
	Err string `json:"error"`
}

// Result summarizes an import.
type Result struct {
	Created []string   `json:"created"`
	Errors  []RowError `json:"errors,omitempty"`
}

// ReadFile reads every assessment in path. The format follows the file
// extension: .csv, .xlsx or .json.
func ReadFile(ctx context.Context, path string) ([]Assessment, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "intake: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		return ReadCSV(ctx, f)
	case ".xlsx":
		return ReadXLSX(path, "")
	case ".json":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "intake: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		return ReadJSON(ctx, f)
	}
	return nil, eris.Errorf("intake: unsupported file type %q", filepath.Ext(path))
}

// Import creates one job per assessment. A failed record is reported in
// the result and the rest are still imported; only a cancelled context
// stops the import early.
func Import(ctx context.Context, c Creator, items []Assessment) (*Result, error) {
	res := &Result{}
	for _, a := range items {
		if err := ctx.Err(); err != nil {
			return res, eris.Wrap(err, "intake: import cancelled")
		}
		job, err := c.CreateJob(ctx, a.AssessmentRef, a.QuestionnaireVersion, a.Answers)
		if err != nil {
			res.Errors = append(res.Errors, RowError{Row: a.Row, Err: err.Error()})
			continue
		}
		res.Created = append(res.Created, job.ID)
	}
	zap.L().Info("intake: import complete",
		zap.Int("created", len(res.Created)),
		zap.Int("errors", len(res.Errors)),
	)
	return res, nil
}

type tableRow struct {
	line  int
	cells []string
}

// table is a header row followed by records, as read from CSV or XLSX.
type table struct {
	rows []tableRow
}

// assessments maps each non-blank record through the header. A record
// without an assessment reference fails the whole table.
func (t *table) assessments() ([]Assessment, error) {
	header, err := normalizeHeader(t.rows[0].cells)
	if err != nil {
		return nil, err
	}
	var out []Assessment
	for _, r := range t.rows[1:] {
		if blank(r.cells) {
			continue
		}
		a := Assessment{Row: r.line, Answers: model.Answers{}}
		for i, name := range header {
			if i >= len(r.cells) || name == "" {
				continue
			}
			v := strings.TrimSpace(r.cells[i])
			switch name {
			case ColAssessmentRef:
				a.AssessmentRef = v
			case ColQuestionnaireVersion:
				a.QuestionnaireVersion = v
			default:
				if cell, ok := parseCell(v); ok {
					a.Answers[name] = cell
				}
			}
		}
		if a.AssessmentRef == "" {
			return nil, eris.Errorf("intake: row %d: %s is empty", r.line, ColAssessmentRef)
		}
		out = append(out, a)
	}
	return out, nil
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// parseCell converts a cell to the scalar the answer would have had in
// JSON. Empty cells are dropped.
func parseCell(s string) (any, bool) {
	if s == "" {
		return nil, false
	}
	switch strings.ToLower(s) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, true
	}
	return s, true
}

// normalizeHeader lower-cases and trims header cells.
func normalizeHeader(cells []string) ([]string, error) {
	out := make([]string, len(cells))
	seen := map[string]bool{}
	for i, c := range cells {
		name := strings.ToLower(strings.TrimSpace(c))
		if name != "" && seen[name] {
			return nil, eris.Errorf("intake: duplicate column %q", name)
		}
		seen[name] = true
		out[i] = name
	}
	if !seen[ColAssessmentRef] {
		return nil, eris.Errorf("intake: missing column %q", ColAssessmentRef)
	}
	return out, nil
}
