package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkerConfig tunes the single task worker loop.
type WorkerConfig struct {
	// PollIntervalSeconds is how often the worker looks for eligible tasks.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	// StalenessTimeoutMinutes is how long a PROCESSING claim may go without
	// activity before it is considered orphaned and force-released.
	StalenessTimeoutMinutes int `yaml:"staleness_timeout_minutes"`

	// DrainTimeoutSeconds bounds how long Stop waits for an in-flight cycle.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`
}

// ConsolidationConfig tunes the thread consolidation engine.
type ConsolidationConfig struct {
	// StabilizationWindowMinutes is the debounce window after the first item
	// in a thread, during which follow-ups are absorbed into the same task.
	StabilizationWindowMinutes int `yaml:"stabilization_window_minutes"`

	// SummaryMaxRunes caps the carried-forward summary on continuation tasks.
	SummaryMaxRunes int `yaml:"summary_max_runes"`
}

// TelegramSourceConfig configures the Telegram ingestion source and the
// escalation notifier that shares its bot.
type TelegramSourceConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
	Schedule   string  `yaml:"schedule"` // cron expression; empty uses pipeline default
}

// CalendarSourceConfig configures the ICS calendar ingestion source.
type CalendarSourceConfig struct {
	URL            string `yaml:"url"`
	Enabled        bool   `yaml:"enabled"`
	Schedule       string `yaml:"schedule"`
	LookaheadHours int    `yaml:"lookahead_hours"`
}

// WebhookSourceConfig configures the gateway's push-ingest source.
type WebhookSourceConfig struct {
	Enabled bool `yaml:"enabled"`
}

type SourcesConfig struct {
	Telegram TelegramSourceConfig `yaml:"telegram"`
	Calendar CalendarSourceConfig `yaml:"calendar"`
	Webhook  WebhookSourceConfig  `yaml:"webhook"`
}

// PipelineConfig tunes ingestion runs.
type PipelineConfig struct {
	// DefaultSchedule is the cron expression used for sources without their own.
	DefaultSchedule string `yaml:"default_schedule"`
}

// LLMConfig configures the executor's model provider.
type LLMConfig struct {
	// Provider is one of "google", "anthropic", "openai", "openai_compatible".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`

	// OpenAICompatible config.
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`
}

// OtelConfig configures tracing/metrics export.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// RetentionConfig controls pruning of historical rows. 0 = keep forever.
type RetentionConfig struct {
	TaskEventsDays     int `yaml:"task_events_days"`
	ProcessedItemsDays int `yaml:"processed_items_days"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`

	Worker        WorkerConfig        `yaml:"worker"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Sources       SourcesConfig       `yaml:"sources"`
	LLM           LLMConfig           `yaml:"llm"`
	Otel          OtelConfig          `yaml:"otel"`
	Retention     RetentionConfig     `yaml:"retention"`
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18990",
		LogLevel: "info",
		Worker: WorkerConfig{
			PollIntervalSeconds:     10,
			StalenessTimeoutMinutes: 30,
			DrainTimeoutSeconds:     5,
		},
		Consolidation: ConsolidationConfig{
			StabilizationWindowMinutes: 15,
			SummaryMaxRunes:            500,
		},
		Pipeline: PipelineConfig{
			DefaultSchedule: "*/5 * * * *",
		},
		Sources: SourcesConfig{
			Calendar: CalendarSourceConfig{LookaheadHours: 48},
			Webhook:  WebhookSourceConfig{Enabled: true},
		},
		Retention: RetentionConfig{
			TaskEventsDays:     90,
			ProcessedItemsDays: 180,
		},
	}
}

// HomeDir returns the data directory, honoring the INFLOW_HOME override.
func HomeDir() string {
	if override := os.Getenv("INFLOW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".inflow")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml under homeDir, applying defaults and env
// overrides. A missing file yields the defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create inflow home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("INFLOW_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("INFLOW_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("INFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Sources.Telegram.Token = v
	}
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Worker.PollIntervalSeconds <= 0 {
		cfg.Worker.PollIntervalSeconds = 10
	}
	if cfg.Worker.StalenessTimeoutMinutes <= 0 {
		cfg.Worker.StalenessTimeoutMinutes = 30
	}
	if cfg.Worker.DrainTimeoutSeconds <= 0 {
		cfg.Worker.DrainTimeoutSeconds = 5
	}
	if cfg.Consolidation.StabilizationWindowMinutes <= 0 {
		cfg.Consolidation.StabilizationWindowMinutes = 15
	}
	if cfg.Consolidation.SummaryMaxRunes <= 0 {
		cfg.Consolidation.SummaryMaxRunes = 500
	}
	if strings.TrimSpace(cfg.Pipeline.DefaultSchedule) == "" {
		cfg.Pipeline.DefaultSchedule = "*/5 * * * *"
	}
	if cfg.Sources.Calendar.LookaheadHours <= 0 {
		cfg.Sources.Calendar.LookaheadHours = 48
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	// Normalize legacy provider name.
	if cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
}

// StalenessTimeout returns the worker staleness timeout as a duration.
func (c Config) StalenessTimeout() time.Duration {
	return time.Duration(c.Worker.StalenessTimeoutMinutes) * time.Minute
}

// StabilizationWindow returns the consolidation debounce window as a duration.
func (c Config) StabilizationWindow() time.Duration {
	return time.Duration(c.Consolidation.StabilizationWindowMinutes) * time.Minute
}

// LLMAPIKey returns the API key for the configured provider.
// Env vars take precedence: GOOGLE_API_KEY, ANTHROPIC_API_KEY, OPENAI_API_KEY.
func (c Config) LLMAPIKey() string {
	envMap := map[string]string{
		"google":    "GOOGLE_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[c.LLM.Provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	return c.LLM.APIKey
}

// SourceSchedule returns the effective cron expression for the named source.
func (c Config) SourceSchedule(sourceType string) string {
	var s string
	switch sourceType {
	case "telegram":
		s = c.Sources.Telegram.Schedule
	case "calendar":
		s = c.Sources.Calendar.Schedule
	}
	if strings.TrimSpace(s) == "" {
		return c.Pipeline.DefaultSchedule
	}
	return s
}

// Fingerprint returns a stable hash of the active config, exposed in status
// responses so operators can tell which config a running daemon loaded.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|poll=%d|stale=%d|window=%d|sched=%s|provider=%s|model=%s",
		c.BindAddr, c.LogLevel,
		c.Worker.PollIntervalSeconds, c.Worker.StalenessTimeoutMinutes,
		c.Consolidation.StabilizationWindowMinutes, c.Pipeline.DefaultSchedule,
		c.LLM.Provider, c.LLM.Model)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
