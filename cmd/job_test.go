package main

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepath/report-pipeline/internal/model"
)

func TestReadAnswers(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "answers.json", answersJSON)

	got, err := readAnswers(nil, path)
	require.NoError(t, err)
	assert.Equal(t, 52.0, got["age"])
	assert.Equal(t, true, got["family_history_cvd"])

	got, err = readAnswers(strings.NewReader(`{"bmi": 31}`), "-")
	require.NoError(t, err)
	assert.Equal(t, 31.0, got["bmi"])

	_, err = readAnswers(nil, "")
	assert.Error(t, err)

	_, err = readAnswers(strings.NewReader(`[1,2]`), "-")
	assert.Error(t, err)
}

func TestJobLifecycle_ReviewThenConsent(t *testing.T) {
	dir := sqliteEnv(t)
	answers := writeFile(t, dir, "answers.json", answersJSON)

	out, err := execute(t, "job", "create", "--ref", "asm-cli-1", "--questionnaire", "q-2026.1", "--answers", answers)
	require.NoError(t, err)
	jobID := strings.TrimSpace(out)
	require.NotEmpty(t, jobID)

	// Without a model key the safety check is UNKNOWN, so the report
	// waits for a clinician.
	out, err = execute(t, "job", "run", jobID)
	require.NoError(t, err)
	assert.Contains(t, out, "status=delivery")
	assert.Contains(t, out, "reasons=review_pending")

	out, err = execute(t, "review", "list")
	require.NoError(t, err)
	assert.Contains(t, out, jobID)

	_, err = execute(t, "review", "approve", jobID)
	assert.Error(t, err, "reviewer is required")

	out, err = execute(t, "review", "approve", jobID, "--reviewer", "dr.lee")
	require.NoError(t, err)
	assert.Contains(t, out, "approved by dr.lee")

	out, err = execute(t, "job", "run", jobID)
	require.NoError(t, err)
	assert.Contains(t, out, "reasons=consent_missing")

	out, err = execute(t, "job", "show", jobID)
	require.NoError(t, err)
	var view struct {
		Job       model.ProcessingJob            `json:"job"`
		Artifacts map[string][]model.ArtifactRef `json:"artifacts"`
		Review    *model.Review                  `json:"review"`
		Audit     []model.AuditEvent             `json:"audit"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, model.JobStatusCompleted, view.Job.Status)
	assert.Len(t, view.Artifacts[string(model.KindPDF)], 1)
	require.NotNil(t, view.Review)
	assert.Equal(t, model.ReviewApproved, view.Review.Status)
	assert.NotEmpty(t, view.Audit)

	out, err = execute(t, "job", "list", "--status", "completed")
	require.NoError(t, err)
	assert.Contains(t, out, jobID)

	out, err = execute(t, "status", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"jobs_completed": 1`)
}

func TestJobStage_UnknownStage(t *testing.T) {
	dir := sqliteEnv(t)
	answers := writeFile(t, dir, "answers.json", answersJSON)

	out, err := execute(t, "job", "create", "--ref", "asm-cli-2", "--answers", answers)
	require.NoError(t, err)
	jobID := strings.TrimSpace(out)

	out, err = execute(t, "job", "stage", jobID, "risk")
	require.NoError(t, err)
	assert.Contains(t, out, `"is_new_bundle": true`)

	_, err = execute(t, "job", "stage", jobID, "bogus")
	assert.Error(t, err)
}

func TestJobRetry_NotFailed(t *testing.T) {
	dir := sqliteEnv(t)
	answers := writeFile(t, dir, "answers.json", answersJSON)

	out, err := execute(t, "job", "create", "--ref", "asm-cli-3", "--answers", answers)
	require.NoError(t, err)

	_, err = execute(t, "job", "retry", strings.TrimSpace(out))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only failed jobs can be retried")
}

func TestJobImport_CSV(t *testing.T) {
	dir := sqliteEnv(t)
	path := writeFile(t, dir, "batch.csv", strings.Join([]string{
		"assessment_ref,questionnaire_version,age,smoking,bmi",
		"asm-a,q-2026.1,52,former,29.1",
		"asm-c,q-2026.1,61,current,31.4",
	}, "\n")+"\n")

	out, err := execute(t, "job", "import", path)
	require.NoError(t, err)
	var res struct {
		Created []string `json:"created"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Len(t, res.Created, 2)

	out, err = execute(t, "job", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "asm-a")
	assert.Contains(t, out, "asm-c")
}

func TestJobImport_UnparseableRow(t *testing.T) {
	dir := sqliteEnv(t)
	path := writeFile(t, dir, "batch.csv", "assessment_ref,age\nasm-a,52\n,40\n")

	_, err := execute(t, "job", "import", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 3")
}
