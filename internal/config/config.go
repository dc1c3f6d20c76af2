// Package config loads hubflow settings from an optional YAML file and
// HUBFLOW_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config flag is given.
const DefaultPath = "hubflow.yaml"

type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	DB         DBConfig         `yaml:"db"`
	Log        LogConfig        `yaml:"log"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Agent      AgentConfig      `yaml:"agent"`
	Completion CompletionConfig `yaml:"completion"`
	Workflow   WorkflowConfig   `yaml:"workflow"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Timezone   string           `yaml:"timezone"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// CronSecret guards POST /api/cron/sweep. Empty disables the endpoint.
	CronSecret string `yaml:"cron_secret"`
	Debug      bool   `yaml:"debug"`
}

type DBConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console, json
}

type SchedulerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Spec    string `yaml:"spec"`
	// DeliveryWorkers bounds concurrent external notification sends.
	DeliveryWorkers int      `yaml:"delivery_workers"`
	DeliveryTimeout Duration `yaml:"delivery_timeout"`
}

type AgentConfig struct {
	MaxActions  int `yaml:"max_actions"`
	MaxNotes    int `yaml:"max_notes"`
	MaxMemories int `yaml:"max_memories"`
}

type CompletionConfig struct {
	Provider string   `yaml:"provider"` // openai, gemini
	Model    string   `yaml:"model"`
	BaseURL  string   `yaml:"base_url"`
	AdminKey string   `yaml:"admin_key"`
	Timeout  Duration `yaml:"timeout"`
}

type WorkflowConfig struct {
	URL           string            `yaml:"url"`
	AllowedEvents []string          `yaml:"allowed_events"`
	Headers       map[string]string `yaml:"headers"`
	Timeout       Duration          `yaml:"timeout"`
	TokenURL      string            `yaml:"token_url"`
	ClientID      string            `yaml:"client_id"`
	ClientSecret  string            `yaml:"client_secret"`
}

type TelegramConfig struct {
	Token   string `yaml:"token"`
	APIRoot string `yaml:"api_root"`
	// WebhookSecret is the last path segment of the inbound webhook.
	WebhookSecret string `yaml:"webhook_secret"`
}

// Duration reads YAML values like "30s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{Addr: ":8080"},
		DB:   DBConfig{Path: "hubflow.db"},
		Log:  LogConfig{Level: "info", Format: "console"},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			Spec:            "@every 1m",
			DeliveryWorkers: 4,
			DeliveryTimeout: Duration(10 * time.Second),
		},
		Agent:      AgentConfig{MaxActions: 10, MaxNotes: 10, MaxMemories: 10},
		Completion: CompletionConfig{Provider: "openai", Timeout: Duration(60 * time.Second)},
		Workflow:   WorkflowConfig{Timeout: Duration(30 * time.Second)},
		Timezone:   "UTC",
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := cfg.applyEnvOverrides(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides(getenv func(string) string) error {
	str := map[string]*string{
		"HUBFLOW_HTTP_ADDR":           &c.HTTP.Addr,
		"HUBFLOW_CRON_SECRET":         &c.HTTP.CronSecret,
		"HUBFLOW_DB_PATH":             &c.DB.Path,
		"HUBFLOW_LOG_LEVEL":           &c.Log.Level,
		"HUBFLOW_LOG_FORMAT":          &c.Log.Format,
		"HUBFLOW_SCHEDULER_SPEC":      &c.Scheduler.Spec,
		"HUBFLOW_COMPLETION_PROVIDER": &c.Completion.Provider,
		"HUBFLOW_COMPLETION_MODEL":    &c.Completion.Model,
		"HUBFLOW_COMPLETION_BASE_URL": &c.Completion.BaseURL,
		"HUBFLOW_ADMIN_KEY":           &c.Completion.AdminKey,
		"HUBFLOW_WORKFLOW_URL":        &c.Workflow.URL,
		"HUBFLOW_WORKFLOW_TOKEN_URL":  &c.Workflow.TokenURL,
		"HUBFLOW_WORKFLOW_CLIENT_ID":  &c.Workflow.ClientID,
		"HUBFLOW_WORKFLOW_SECRET":     &c.Workflow.ClientSecret,
		"HUBFLOW_TELEGRAM_TOKEN":      &c.Telegram.Token,
		"HUBFLOW_TELEGRAM_SECRET":     &c.Telegram.WebhookSecret,
		"HUBFLOW_TIMEZONE":            &c.Timezone,
	}
	for key, dst := range str {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	if v := getenv("HUBFLOW_WORKFLOW_EVENTS"); v != "" {
		c.Workflow.AllowedEvents = splitList(v)
	}
	if v := getenv("HUBFLOW_SCHEDULER_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("HUBFLOW_SCHEDULER_ENABLED: %w", err)
		}
		c.Scheduler.Enabled = b
	}
	if v := getenv("HUBFLOW_AGENT_MAX_ACTIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HUBFLOW_AGENT_MAX_ACTIONS: %w", err)
		}
		c.Agent.MaxActions = n
	}
	if v := getenv("HUBFLOW_COMPLETION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("HUBFLOW_COMPLETION_TIMEOUT: %w", err)
		}
		c.Completion.Timeout = Duration(d)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ValidProviders lists the supported completion providers.
var ValidProviders = []string{"openai", "gemini"}

func (c *Config) Validate() error {
	valid := false
	for _, p := range ValidProviders {
		if strings.EqualFold(c.Completion.Provider, p) {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid completion provider: %s (valid: %v)", c.Completion.Provider, ValidProviders)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(c.Scheduler.Spec); err != nil {
		return fmt.Errorf("invalid scheduler spec %q: %w", c.Scheduler.Spec, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}
	if c.Agent.MaxActions < 0 || c.Scheduler.DeliveryWorkers < 0 {
		return fmt.Errorf("agent.max_actions and scheduler.delivery_workers must not be negative")
	}
	if (c.Workflow.ClientID != "" || c.Workflow.ClientSecret != "") && c.Workflow.TokenURL == "" {
		return fmt.Errorf("workflow.token_url is required with client credentials")
	}
	return nil
}

// Location resolves Timezone; empty means UTC.
func (c *Config) Location() (*time.Location, error) {
	if strings.TrimSpace(c.Timezone) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
