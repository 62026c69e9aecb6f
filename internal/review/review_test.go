package review

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/carepath/report-pipeline/internal/model"
	"github.com/carepath/report-pipeline/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type mockNotionClient struct {
	mock.Mock
}

func (m *mockNotionClient) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	args := m.Called(ctx, dbID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.DatabaseQueryResponse), args.Error(1)
}

func (m *mockNotionClient) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

func (m *mockNotionClient) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, pageID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

// storeDecider applies decisions straight to the store and remembers them.
type storeDecider struct {
	st    store.Store
	calls []Decision
}

func (d *storeDecider) DecideReview(ctx context.Context, jobID string, status model.ReviewStatus, reviewer, note string) (*model.Review, error) {
	d.calls = append(d.calls, Decision{JobID: jobID, Status: status, Reviewer: reviewer, Note: note})
	return d.st.DecideReview(ctx, jobID, status, reviewer, note)
}

func newStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "review.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// pendingReview creates a job with a pending review and returns the job ID.
func pendingReview(t *testing.T, st store.Store, ref string, reasons ...string) string {
	t.Helper()
	ctx := context.Background()
	job := &model.ProcessingJob{
		AssessmentRef:        ref,
		QuestionnaireVersion: "q-2026.1",
		Answers:              model.Answers{"age": 52.0},
	}
	require.NoError(t, st.CreateJob(ctx, job))
	_, _, err := st.RequestReview(ctx, job.ID, reasons)
	require.NoError(t, err)
	return job.ID
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in   string
		want model.ReviewStatus
		ok   bool
	}{
		{"Approved", model.ReviewApproved, true},
		{" approve ", model.ReviewApproved, true},
		{"YES", model.ReviewApproved, true},
		{"rejected", model.ReviewRejected, true},
		{"no", model.ReviewRejected, true},
		{"pending", "", false},
		{"maybe", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseStatus(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJoinReasons(t *testing.T) {
	assert.Equal(t, "", joinReasons(nil))
	assert.Equal(t, "safety_flag, validation_fail", joinReasons([]string{"safety_flag", "validation_fail"}))
}
