package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepath/report-pipeline/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.Migrate(ctx))
	assert.NoError(t, st.Ping(ctx))
}

func TestSQLite_ListArtifacts_InsertionOrder(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	job := createTestJob(t, st)

	for _, key := range []string{"overview", "risk_summary", "priority_actions"} {
		_, created, err := st.PutArtifact(ctx, &model.Artifact{
			ArtifactRef: model.ArtifactRef{
				JobID:      job.ID,
				Kind:       model.KindReportSection,
				Scope:      key,
				InputsHash: "h-" + key,
				Version:    "section." + key + "@v1",
			},
			Payload: json.RawMessage(`{"section_key":"` + key + `"}`),
		})
		require.NoError(t, err)
		require.True(t, created)
	}

	list, err := st.ListArtifacts(ctx, model.KindReportSection, job.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "overview", list[0].Scope)
	assert.Equal(t, "risk_summary", list[1].Scope)
	assert.Equal(t, "priority_actions", list[2].Scope)

	other, err := st.ListArtifacts(ctx, model.KindRiskBundle, job.ID)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSQLite_PutArtifact_RequiresJob(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, _, err := st.PutArtifact(context.Background(), &model.Artifact{
		ArtifactRef: model.ArtifactRef{
			JobID:      "no-such-job",
			Kind:       model.KindRiskBundle,
			InputsHash: "h1",
			Version:    "risk-1.0.0",
		},
		Payload: json.RawMessage(`{}`),
	})
	assert.Error(t, err)
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	job := createTestJob(t, st)
	_, err = st.RecordAudit(ctx, &model.AuditEvent{JobID: job.ID, Action: "stage_completed", DedupeKey: "risk:h1"})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.AssessmentRef, got.AssessmentRef)

	created, err := st.RecordAudit(ctx, &model.AuditEvent{JobID: job.ID, Action: "stage_completed", DedupeKey: "risk:h1"})
	require.NoError(t, err)
	assert.False(t, created)

	events, err := st.ListAudit(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
