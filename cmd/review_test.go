package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReviewExport(t *testing.T) {
	dir := sqliteEnv(t)
	answers := writeFile(t, dir, "answers.json", answersJSON)

	out, err := execute(t, "job", "create", "--ref", "asm-rev-1", "--answers", answers)
	require.NoError(t, err)
	_, err = execute(t, "job", "run", strings.TrimSpace(out))
	require.NoError(t, err)

	path := filepath.Join(dir, "reviews.xlsx")
	out, err = execute(t, "review", "export", path)
	require.NoError(t, err)
	assert.Contains(t, out, "exported 1 reviews")

	out, err = execute(t, "review", "import", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"applied": 0`)
}

func TestReviewSync_RequiresNotion(t *testing.T) {
	sqliteEnv(t)
	t.Setenv("REPORT_NOTION_TOKEN", "")

	_, err := execute(t, "review", "sync")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notion token is required")

	t.Setenv("REPORT_NOTION_TOKEN", "secret_x")
	t.Setenv("REPORT_NOTION_REVIEW_DB", "")
	_, err = execute(t, "review", "sync")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "review DB ID is required")
}

func TestMigrate(t *testing.T) {
	sqliteEnv(t)
	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite store migrated")
}
