package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/carepath/report-pipeline/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Risk       RiskConfig       `yaml:"risk" mapstructure:"risk"`
	Ranking    RankingConfig    `yaml:"ranking" mapstructure:"ranking"`
	Content    ContentConfig    `yaml:"content" mapstructure:"content"`
	Validation ValidationConfig `yaml:"validation" mapstructure:"validation"`
	Safety     SafetyConfig     `yaml:"safety" mapstructure:"safety"`
	Render     RenderConfig     `yaml:"render" mapstructure:"render"`
	Delivery   DeliveryConfig   `yaml:"delivery" mapstructure:"delivery"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" mapstructure:"telemetry"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	Model             string  `yaml:"model" mapstructure:"model"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
}

// RiskConfig selects the risk algorithm version.
type RiskConfig struct {
	AlgorithmVersion string `yaml:"algorithm_version" mapstructure:"algorithm_version"`
}

// RankingConfig selects the ranking algorithm version and its tunables.
type RankingConfig struct {
	AlgorithmVersion string `yaml:"algorithm_version" mapstructure:"algorithm_version"`
	MaxInterventions int    `yaml:"max_interventions" mapstructure:"max_interventions"`
}

// ContentConfig configures section generation.
type ContentConfig struct {
	// Generator is "template" (deterministic) or "anthropic".
	Generator     string `yaml:"generator" mapstructure:"generator"`
	PromptVersion string `yaml:"prompt_version" mapstructure:"prompt_version"`
	Concurrency   int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// ValidationConfig selects the Layer-1 rule set.
type ValidationConfig struct {
	RulesEngineVersion string `yaml:"rules_engine_version" mapstructure:"rules_engine_version"`
}

// SafetyConfig configures the Layer-2 model evaluation.
type SafetyConfig struct {
	PromptVersion string `yaml:"prompt_version" mapstructure:"prompt_version"`
	Model         string `yaml:"model" mapstructure:"model"`
	MaxTokens     int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs   int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// Timeout returns the per-evaluation deadline.
func (c SafetyConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// RenderConfig configures PDF rendering.
type RenderConfig struct {
	// Renderer is "chromedp" or "html" (writes the HTML document only).
	Renderer        string `yaml:"renderer" mapstructure:"renderer"`
	OutputDir       string `yaml:"output_dir" mapstructure:"output_dir"`
	TemplateVersion string `yaml:"template_version" mapstructure:"template_version"`
	TimeoutSecs     int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	ChromePath      string `yaml:"chrome_path" mapstructure:"chrome_path"`
}

// Timeout returns the per-render deadline.
func (c RenderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// DeliveryConfig configures the completed-report notification.
type DeliveryConfig struct {
	Channel        string `yaml:"channel" mapstructure:"channel"`
	WebhookURL     string `yaml:"webhook_url" mapstructure:"webhook_url"`
	SigningSecret  string `yaml:"signing_secret" mapstructure:"signing_secret"`
	TimeoutSecs    int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequireConsent bool   `yaml:"require_consent" mapstructure:"require_consent"`
}

// Timeout returns the per-send deadline.
func (c DeliveryConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// RetryConfig is the bounded retry policy applied at stage boundaries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the breakers around external collaborators.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// RedisConfig configures the job-transition event bus. An empty Addr
// disables publishing.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Channel  string `yaml:"channel" mapstructure:"channel"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	Endpoint    string `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure    bool   `yaml:"insecure" mapstructure:"insecure"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
}

// TemporalConfig configures the durable workflow worker.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
	MaxSteps  int    `yaml:"max_steps" mapstructure:"max_steps"`
}

// NotionConfig holds Notion API credentials and database IDs.
type NotionConfig struct {
	Token    string `yaml:"token" mapstructure:"token"`
	ReviewDB string `yaml:"review_db" mapstructure:"review_db"`
	PromptDB string `yaml:"prompt_db" mapstructure:"prompt_db"`
}

// MonitoringConfig configures the health checker and alerting.
type MonitoringConfig struct {
	Enabled                bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs      int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours    int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold   float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	ReviewBacklogThreshold int     `yaml:"review_backlog_threshold" mapstructure:"review_backlog_threshold"`
	WebhookURL             string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// PricingConfig overrides per-model token pricing used for usage reports.
type PricingConfig struct {
	Anthropic cost.Rates `yaml:"anthropic" mapstructure:"anthropic"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("REPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "report-pipeline.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.requests_per_second", 2.0)
	v.SetDefault("anthropic.burst", 4)
	v.SetDefault("risk.algorithm_version", "risk-1.0.0")
	v.SetDefault("ranking.algorithm_version", "ranking-1.0.0")
	v.SetDefault("ranking.max_interventions", 5)
	v.SetDefault("content.generator", "template")
	v.SetDefault("content.prompt_version", "v1")
	v.SetDefault("content.concurrency", 4)
	v.SetDefault("validation.rules_engine_version", "rules-2026.1")
	v.SetDefault("safety.prompt_version", "v1")
	v.SetDefault("safety.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("safety.max_tokens", 1024)
	v.SetDefault("safety.timeout_secs", 30)
	v.SetDefault("render.renderer", "chromedp")
	v.SetDefault("render.output_dir", "reports")
	v.SetDefault("render.template_version", "report-pdf@1")
	v.SetDefault("render.timeout_secs", 45)
	v.SetDefault("delivery.channel", "webhook")
	v.SetDefault("delivery.timeout_secs", 10)
	v.SetDefault("delivery.require_consent", true)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("redis.channel", "report-pipeline.jobs")
	v.SetDefault("telemetry.service_name", "report-pipeline")
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "report-pipeline")
	v.SetDefault("temporal.max_steps", 16)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.review_backlog_threshold", 25)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Keys without a useful default are still registered so that
	// REPORT_* environment variables reach Unmarshal.
	for _, key := range []string{
		"anthropic.key",
		"render.chrome_path",
		"delivery.webhook_url",
		"delivery.signing_secret",
		"redis.addr",
		"redis.password",
		"telemetry.endpoint",
		"notion.token",
		"notion.review_db",
		"notion.prompt_db",
		"monitoring.webhook_url",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("redis.db", 0)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("monitoring.enabled", false)
}

// Validate checks that the settings required by the given mode are present.
// Modes: "pipeline" (job/review commands), "serve", "worker".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "pipeline", "serve", "worker":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not sqlite or postgres", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch c.Content.Generator {
	case "template":
	case "anthropic":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required for the anthropic generator")
		}
	default:
		errs = append(errs, fmt.Sprintf("content.generator %q is not template or anthropic", c.Content.Generator))
	}

	switch c.Render.Renderer {
	case "chromedp", "html":
	default:
		errs = append(errs, fmt.Sprintf("render.renderer %q is not chromedp or html", c.Render.Renderer))
	}

	if c.Ranking.MaxInterventions < 1 || c.Ranking.MaxInterventions > 20 {
		errs = append(errs, "ranking.max_interventions must be between 1 and 20")
	}
	if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
		errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "worker":
		if c.Temporal.HostPort == "" {
			errs = append(errs, "temporal.host_port is required")
		}
		if c.Temporal.TaskQueue == "" {
			errs = append(errs, "temporal.task_queue is required")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
