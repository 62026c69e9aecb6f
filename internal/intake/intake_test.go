package intake

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/carepath/report-pipeline/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const sampleCSV = `assessment_ref,questionnaire_version,age,smoking_status,diabetes,notes
asm-001,q-2026.1,52,former,false,
asm-002,q-2026.1,47.5,never,true,walks daily
# comment lines are ignored
`

func TestParseCell(t *testing.T) {
	tests := []struct {
		in   string
		want any
		ok   bool
	}{
		{"", nil, false},
		{"52", 52.0, true},
		{"-1.5", -1.5, true},
		{"TRUE", true, true},
		{"false", false, true},
		{"former", "former", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseCell(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadCSV(t *testing.T) {
	got, err := ReadCSV(context.Background(), strings.NewReader(sampleCSV))
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, Assessment{
		Row:                  2,
		AssessmentRef:        "asm-001",
		QuestionnaireVersion: "q-2026.1",
		Answers:              model.Answers{"age": 52.0, "smoking_status": "former", "diabetes": false},
	}, got[0])
	assert.Equal(t, 3, got[1].Row)
	assert.Equal(t, "walks daily", got[1].Answers["notes"])
	assert.Equal(t, true, got[1].Answers["diabetes"])
}

func TestReadCSV_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "no header row"},
		{"missing ref column", "age,bmi\n50,27\n", "missing column"},
		{"duplicate column", "assessment_ref,age,AGE\nx,1,2\n", "duplicate column"},
		{"empty ref", "assessment_ref,age\n,50\n", "row 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCSV(context.Background(), strings.NewReader(tt.in))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestReadJSON(t *testing.T) {
	in := `[
		{"assessment_ref": "asm-1", "questionnaire_version": "q-2026.1",
		 "answers": {"age": 61, "family_history": ["father"], "smoking_status": "current"}},
		{"assessment_ref": "asm-2", "answers": {}}
	]`
	got, err := ReadJSON(context.Background(), strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 61.0, got[0].Answers["age"])
	assert.Equal(t, []any{"father"}, got[0].Answers["family_history"])
	assert.Equal(t, 2, got[1].Row)

	_, err = ReadJSON(context.Background(), strings.NewReader(`{"assessment_ref": "x"}`))
	assert.Error(t, err)

	_, err = ReadJSON(context.Background(), strings.NewReader(`[{"answers": {}}]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "element 1")
}

func TestReadXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.xlsx")
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Assessments")
	require.NoError(t, err)
	for _, values := range [][]string{
		{"Assessment_Ref", "questionnaire_version", "age", "smoking_status"},
		{"asm-001", "q-2026.1", "52", "former"},
		{"", "", "", ""},
		{"asm-002", "q-2026.1", "47", "never"},
	} {
		row := sheet.AddRow()
		for _, v := range values {
			row.AddCell().SetString(v)
		}
	}
	require.NoError(t, f.Save(path))

	got, err := ReadXLSX(path, "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "asm-001", got[0].AssessmentRef)
	assert.Equal(t, 52.0, got[0].Answers["age"])
	assert.Equal(t, 4, got[1].Row)

	_, err = ReadXLSX(path, "Missing")
	assert.Error(t, err)

	byName, err := ReadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, got, byName)
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "batch.CSV")
	require.NoError(t, os.WriteFile(csvPath, []byte(sampleCSV), 0o644))
	got, err := ReadFile(context.Background(), csvPath)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	jsonPath := filepath.Join(dir, "batch.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`[{"assessment_ref": "a"}]`), 0o644))
	got, err = ReadFile(context.Background(), jsonPath)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = ReadFile(context.Background(), filepath.Join(dir, "batch.txt"))
	assert.Error(t, err)
	_, err = ReadFile(context.Background(), filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)
}

type fakeCreator struct {
	refs []string
}

func (f *fakeCreator) CreateJob(_ context.Context, ref, _ string, answers model.Answers) (*model.ProcessingJob, error) {
	if _, ok := answers["age"]; !ok {
		return nil, assert.AnError
	}
	f.refs = append(f.refs, ref)
	return &model.ProcessingJob{ID: uuid.NewString(), AssessmentRef: ref}, nil
}

func TestImport(t *testing.T) {
	c := &fakeCreator{}
	res, err := Import(context.Background(), c, []Assessment{
		{Row: 2, AssessmentRef: "a", Answers: model.Answers{"age": 50.0}},
		{Row: 3, AssessmentRef: "b", Answers: model.Answers{}},
		{Row: 4, AssessmentRef: "c", Answers: model.Answers{"age": 40.0}},
	})
	require.NoError(t, err)
	assert.Len(t, res.Created, 2)
	assert.Equal(t, []string{"a", "c"}, c.refs)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 3, res.Errors[0].Row)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Import(ctx, c, []Assessment{{AssessmentRef: "d"}})
	assert.Error(t, err)
}
