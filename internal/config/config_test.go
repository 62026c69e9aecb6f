package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// loadIn runs Load from an empty directory holding only the given
// config.yaml (none when file is "").
func loadIn(t *testing.T, file string) (*Config, error) {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	if file != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(file), 0o600))
	}
	return Load()
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadIn(t, "")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "report-pipeline.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "risk-1.0.0", cfg.Risk.AlgorithmVersion)
	assert.Equal(t, "ranking-1.0.0", cfg.Ranking.AlgorithmVersion)
	assert.Equal(t, 5, cfg.Ranking.MaxInterventions)
	assert.Equal(t, "template", cfg.Content.Generator)
	assert.Equal(t, "v1", cfg.Content.PromptVersion)
	assert.Equal(t, "rules-2026.1", cfg.Validation.RulesEngineVersion)
	assert.Equal(t, "v1", cfg.Safety.PromptVersion)
	assert.Equal(t, 30*time.Second, cfg.Safety.Timeout())
	assert.Equal(t, "report-pdf@1", cfg.Render.TemplateVersion)
	assert.Equal(t, 45*time.Second, cfg.Render.Timeout())
	assert.True(t, cfg.Delivery.RequireConsent)
	assert.Equal(t, 10*time.Second, cfg.Delivery.Timeout())
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.InDelta(t, 2.0, cfg.Retry.Multiplier, 0.001)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, "report-pipeline", cfg.Temporal.TaskQueue)
	assert.InDelta(t, 0.2, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.Equal(t, 25, cfg.Monitoring.ReviewBacklogThreshold)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
}

func TestLoadLayers(t *testing.T) {
	const file = `
store:
  driver: postgres
  database_url: postgres://localhost/reports
log:
  level: debug
  format: console
server:
  port: 9090
ranking:
  max_interventions: 3
`
	tests := []struct {
		name  string
		file  string
		env   map[string]string
		check func(t *testing.T, cfg *Config)
	}{
		{
			name: "file over defaults",
			file: file,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "postgres", cfg.Store.Driver)
				assert.Equal(t, "postgres://localhost/reports", cfg.Store.DatabaseURL)
				assert.Equal(t, "console", cfg.Log.Format)
				assert.Equal(t, 9090, cfg.Server.Port)
				assert.Equal(t, 3, cfg.Ranking.MaxInterventions)
				assert.Equal(t, "rules-2026.1", cfg.Validation.RulesEngineVersion)
			},
		},
		{
			name: "env over file",
			file: file,
			env:  map[string]string{"REPORT_STORE_DRIVER": "sqlite", "REPORT_LOG_LEVEL": "warn"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "sqlite", cfg.Store.Driver)
				assert.Equal(t, "warn", cfg.Log.Level)
				assert.Equal(t, 9090, cfg.Server.Port)
			},
		},
		{
			name: "env over defaults",
			env:  map[string]string{"REPORT_SERVER_PORT": "3000", "REPORT_SAFETY_TIMEOUT_SECS": "5"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 3000, cfg.Server.Port)
				assert.Equal(t, 5*time.Second, cfg.Safety.Timeout())
			},
		},
		{
			name: "secrets from env only",
			env: map[string]string{
				"REPORT_ANTHROPIC_KEY":        "sk-test",
				"REPORT_NOTION_TOKEN":         "secret_abc",
				"REPORT_DELIVERY_WEBHOOK_URL": "https://hooks.example.test/report",
				"REPORT_MONITORING_ENABLED":   "true",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "sk-test", cfg.Anthropic.Key)
				assert.Equal(t, "secret_abc", cfg.Notion.Token)
				assert.Equal(t, "https://hooks.example.test/report", cfg.Delivery.WebhookURL)
				assert.True(t, cfg.Monitoring.Enabled)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := loadIn(t, tt.file)
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadMalformedFile(t *testing.T) {
	_, err := loadIn(t, "store: [unclosed")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLogger(t *testing.T) {
	t.Cleanup(func() { zap.ReplaceGlobals(zap.NewNop()) })
	for _, lc := range []LogConfig{
		{Level: "debug", Format: "console"},
		{Level: "info", Format: "json"},
		{Level: "warn"},
	} {
		require.NoError(t, InitLogger(lc), lc.Level)
		assert.True(t, zap.L().Core().Enabled(zap.WarnLevel))
	}

	assert.Error(t, InitLogger(LogConfig{Level: "invalid", Format: "json"}))
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "reports.db"
	cfg.Content.Generator = "template"
	cfg.Render.Renderer = "chromedp"
	cfg.Ranking.MaxInterventions = 5
	cfg.Monitoring.FailureRateThreshold = 0.2
	cfg.Server.Port = 8080
	cfg.Temporal.HostPort = "localhost:7233"
	cfg.Temporal.TaskQueue = "report-pipeline"
	return cfg
}

func TestValidatePipeline_AllPresent(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("pipeline"))
}

func TestValidatePipeline_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	cfg.Content.Generator = "anthropic"

	err := cfg.Validate("pipeline")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

func TestValidateUnknownDrivers(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	cfg.Render.Renderer = "wkhtmltopdf"
	cfg.Content.Generator = "gpt"

	err := cfg.Validate("pipeline")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), `store.driver "mysql"`)
	assert.Contains(t, err.Error(), `render.renderer "wkhtmltopdf"`)
	assert.Contains(t, err.Error(), `content.generator "gpt"`)
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")

	// The pipeline mode does not care about the port.
	assert.NoError(t, cfg.Validate("pipeline"))
}

func TestValidateWorker_RequiresTemporal(t *testing.T) {
	cfg := validDefaults()
	cfg.Temporal.HostPort = ""

	err := cfg.Validate("worker")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "temporal.host_port is required")
}

func TestValidateBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Ranking.MaxInterventions = 0
	err := cfg.Validate("pipeline")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_interventions must be between 1 and 20")

	cfg.Ranking.MaxInterventions = 5
	cfg.Monitoring.FailureRateThreshold = 1.5
	err = cfg.Validate("pipeline")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failure_rate_threshold")
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
