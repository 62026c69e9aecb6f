package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepath/report-pipeline/internal/model"
	"github.com/carepath/report-pipeline/internal/store"
)

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	return st
}

func TestSink_RecordDeduplicates(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	job := &model.ProcessingJob{AssessmentRef: "a-1", Answers: model.Answers{"age": 50}}
	require.NoError(t, st.CreateJob(ctx, job))

	sink := NewSink(st)
	entry := Entry{
		JobID:      job.ID,
		Action:     ActionStageCompleted,
		Stage:      model.StageRisk,
		ArtifactID: "art-1",
		DedupeKey:  "risk:abc",
		Detail:     map[string]any{"is_new": true},
	}

	created, err := sink.Record(ctx, entry)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = sink.Record(ctx, entry)
	require.NoError(t, err)
	assert.False(t, created)

	events, err := st.ListAudit(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ActionStageCompleted, events[0].Action)
	assert.JSONEq(t, `{"is_new":true}`, string(events[0].Detail))
}

func TestSink_RequiresKeys(t *testing.T) {
	sink := NewSink(newStore(t))
	_, err := sink.Record(context.Background(), Entry{JobID: "j", Action: ActionStageFailed})
	assert.Error(t, err)
}
