// Package config loads and validates the costguard configuration.
//
// DESIGN: One YAML file with ${VAR} environment expansion, validated as a
// whole at startup so misconfiguration fails fast instead of surfacing as
// runtime enforcement gaps.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qubitops/costguard/internal/enforcer"
)

// Config is the full service configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Pricing     PricingConfig     `yaml:"pricing"`
	Limits      LimitsConfig      `yaml:"limits"`
	Enforcement EnforcementConfig `yaml:"enforcement"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

// Duration wraps time.Duration so YAML values like "15s" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig holds the ingest HTTP server settings.
type ServerConfig struct {
	Port         int      `yaml:"port"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// LedgerConfig holds task ledger settings.
type LedgerConfig struct {
	DBPath      string `yaml:"db_path"`
	TaskTTLDays int    `yaml:"task_ttl_days"`
}

// TaskTTL returns the record lifetime.
func (l LedgerConfig) TaskTTL() time.Duration {
	return time.Duration(l.TaskTTLDays) * 24 * time.Hour
}

// PricingConfig points at an optional catalog override file.
type PricingConfig struct {
	CatalogPath string `yaml:"catalog_path"`
}

// LimitsConfig holds the budget thresholds fed to the built-in watchers.
// A zero limit disables the corresponding watcher.
type LimitsConfig struct {
	MonthlyCostUSD float64 `yaml:"monthly_cost_usd"`
	AllTimeCostUSD float64 `yaml:"all_time_cost_usd"`
}

// EnforcementConfig holds deny-policy enforcement settings.
type EnforcementConfig struct {
	// PolicyARN is the managed deny policy to attach on breach.
	PolicyARN string `yaml:"policy_arn"`
	// Identities lists the controlled users, groups and roles.
	Identities []enforcer.Identity `yaml:"identities"`
	// DryRun logs attach/detach actions instead of calling the identity store.
	DryRun bool `yaml:"dry_run"`
	// AlertWebhookURL receives operator notices on transitions. Optional.
	AlertWebhookURL string `yaml:"alert_webhook_url"`
}

// MetricsConfig holds metric sink settings.
type MetricsConfig struct {
	JSONLPath  string           `yaml:"jsonl_path"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

// CloudWatchConfig enables the CloudWatch sink.
type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads, expands and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         DefaultPort,
			ReadTimeout:  Duration(DefaultReadTimeout),
			WriteTimeout: Duration(DefaultWriteTimeout),
		},
		Ledger: LedgerConfig{
			DBPath:      DefaultDBPath,
			TaskTTLDays: DefaultTaskTTLDays,
		},
		Metrics: MetricsConfig{
			CloudWatch: CloudWatchConfig{Namespace: DefaultMetricsNamespace},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Ledger.DBPath == "" {
		return fmt.Errorf("ledger.db_path must be set")
	}
	if c.Ledger.TaskTTLDays <= 0 {
		return fmt.Errorf("ledger.task_ttl_days must be > 0, got %d", c.Ledger.TaskTTLDays)
	}
	if c.Limits.MonthlyCostUSD < 0 {
		return fmt.Errorf("limits.monthly_cost_usd must be >= 0, got %f", c.Limits.MonthlyCostUSD)
	}
	if c.Limits.AllTimeCostUSD < 0 {
		return fmt.Errorf("limits.all_time_cost_usd must be >= 0, got %f", c.Limits.AllTimeCostUSD)
	}

	limitsSet := c.Limits.MonthlyCostUSD > 0 || c.Limits.AllTimeCostUSD > 0
	if limitsSet && !c.Enforcement.DryRun && c.Enforcement.PolicyARN == "" {
		return fmt.Errorf("enforcement.policy_arn must be set when limits are configured")
	}
	for i, id := range c.Enforcement.Identities {
		if id.Name == "" {
			return fmt.Errorf("enforcement.identities[%d].name must be set", i)
		}
		switch id.Kind {
		case enforcer.KindUser, enforcer.KindGroup, enforcer.KindRole, "":
		default:
			return fmt.Errorf("enforcement.identities[%d].kind must be user, group or role, got %q", i, id.Kind)
		}
	}
	return nil
}
