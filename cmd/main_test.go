package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// sqliteEnv points the loaded config at a throwaway SQLite store and HTML
// renderer inside a temp working directory.
func sqliteEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("REPORT_STORE_DRIVER", "sqlite")
	t.Setenv("REPORT_STORE_DATABASE_URL", filepath.Join(dir, "cli.db"))
	t.Setenv("REPORT_RENDER_RENDERER", "html")
	t.Setenv("REPORT_RENDER_OUTPUT_DIR", filepath.Join(dir, "reports"))
	t.Setenv("REPORT_RETRY_INITIAL_BACKOFF_MS", "1")
	t.Setenv("REPORT_RETRY_MAX_BACKOFF_MS", "2")
	t.Setenv("REPORT_LOG_LEVEL", "error")
	return dir
}

// execute runs the root command with args and returns what it wrote to
// stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		resetFlags(rootCmd)
	}()
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// resetFlags restores every scalar flag to its default so one test's flags
// do not leak into the next.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if strings.HasSuffix(f.Value.Type(), "Slice") {
			return
		}
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const answersJSON = `{
  "age": 52, "systolic_bp": 142, "diastolic_bp": 88, "total_cholesterol": 215,
  "hdl": 38, "family_history_cvd": true, "bmi": 29.1, "diabetes": "none",
  "activity_minutes_per_week": 60, "smoking": "former", "alcohol_drinks_per_week": 4,
  "sleep_hours": 6.5, "stress_level": 5
}`
