// Package config loads orchestrator configuration from a YAML file with
// environment variable overrides for deployment-sensitive values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// SecurityConfig configures the security gate.
type SecurityConfig struct {
	Level                string `yaml:"level" json:"level"` // standard, high, maximum
	ConnectionPolicyExpr string `yaml:"connection_policy_expr,omitempty" json:"connection_policy_expr,omitempty"`
}

// ProvidersConfig configures the outbound provider client.
type ProvidersConfig struct {
	URLs                     []string `yaml:"urls" json:"urls"`
	TimeoutSeconds           int      `yaml:"timeout_seconds" json:"timeout_seconds"`
	UnhealthyCooldownSeconds int      `yaml:"unhealthy_cooldown_seconds" json:"unhealthy_cooldown_seconds"`
	APIKey                   string   `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	SelectionPolicy          string   `yaml:"selection_policy" json:"selection_policy"` // first_healthy, round_robin
}

// CacheConfig configures the assembler's cell cache.
type CacheConfig struct {
	CoreCapabilities []string `yaml:"core_capabilities" json:"core_capabilities"`
	MaxEntries       int      `yaml:"max_entries" json:"max_entries"`
}

// LedgerConfig configures the quantum trail.
type LedgerConfig struct {
	StoragePath               string `yaml:"storage_path" json:"storage_path"`
	Difficulty                int    `yaml:"difficulty" json:"difficulty"`
	BlockCapacity             int    `yaml:"block_capacity" json:"block_capacity"`
	BlockTimeTargetSeconds    int    `yaml:"block_time_target_seconds" json:"block_time_target_seconds"`
	MaxTransactionWaitSeconds int    `yaml:"max_transaction_wait_seconds" json:"max_transaction_wait_seconds"`
}

// ResourcesConfig sizes the runtime resource table.
type ResourcesConfig struct {
	MemoryTotalMB  int `yaml:"memory_total_mb" json:"memory_total_mb"`
	CPUCores       int `yaml:"cpu_cores" json:"cpu_cores"`
	StorageTotalMB int `yaml:"storage_total_mb" json:"storage_total_mb"`
}

// ObservabilityConfig configures OTLP export.
type ObservabilityConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	Environment  string `yaml:"environment" json:"environment"`
}

// Config is the root configuration.
type Config struct {
	Listen        string              `yaml:"listen" json:"listen"`
	LogLevel      string              `yaml:"log_level" json:"log_level"`
	Security      SecurityConfig      `yaml:"security" json:"security"`
	Providers     ProvidersConfig     `yaml:"providers" json:"providers"`
	Cache         CacheConfig         `yaml:"cache" json:"cache"`
	Ledger        LedgerConfig        `yaml:"ledger" json:"ledger"`
	Resources     ResourcesConfig     `yaml:"resources" json:"resources"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Listen:   ":8080",
		LogLevel: "INFO",
		Security: SecurityConfig{Level: "standard"},
		Providers: ProvidersConfig{
			TimeoutSeconds:           30,
			UnhealthyCooldownSeconds: 60,
			SelectionPolicy:          "first_healthy",
		},
		Cache: CacheConfig{
			CoreCapabilities: []string{"file_system", "ui_rendering", "text_generation"},
			MaxEntries:       20,
		},
		Ledger: LedgerConfig{
			StoragePath:               "data/trail",
			Difficulty:                4,
			BlockCapacity:             100,
			BlockTimeTargetSeconds:    60,
			MaxTransactionWaitSeconds: 300,
		},
		Resources: ResourcesConfig{
			MemoryTotalMB:  8192,
			CPUCores:       4,
			StorageTotalMB: 10240,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CELLFORGE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("CELLFORGE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CELLFORGE_SECURITY_LEVEL"); v != "" {
		c.Security.Level = v
	}
	if v := os.Getenv("CELLFORGE_PROVIDER_URLS"); v != "" {
		c.Providers.URLs = splitAndTrim(v)
	}
	if v := os.Getenv("CELLFORGE_PROVIDER_API_KEY"); v != "" {
		c.Providers.APIKey = v
	}
	if v := os.Getenv("CELLFORGE_LEDGER_PATH"); v != "" {
		c.Ledger.StoragePath = v
	}
	if v := os.Getenv("CELLFORGE_OTLP_ENDPOINT"); v != "" {
		c.Observability.Enabled = true
		c.Observability.OTLPEndpoint = v
	}
	if v := os.Getenv("CELLFORGE_MEMORY_TOTAL_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Resources.MemoryTotalMB = n
		}
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Security.Level {
	case "standard", "high", "maximum":
	default:
		return fmt.Errorf("security.level must be standard, high, or maximum; got %q", c.Security.Level)
	}
	switch c.Providers.SelectionPolicy {
	case "", "first_healthy", "round_robin":
	default:
		return fmt.Errorf("providers.selection_policy must be first_healthy or round_robin; got %q", c.Providers.SelectionPolicy)
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must be non-negative")
	}
	if c.Ledger.Difficulty < 1 {
		return fmt.Errorf("ledger.difficulty must be at least 1")
	}
	if c.Resources.MemoryTotalMB <= 0 || c.Resources.CPUCores <= 0 || c.Resources.StorageTotalMB <= 0 {
		return fmt.Errorf("resources must all be positive")
	}
	return nil
}

// CPUPercentTotal converts cores to the percent units the resource table
// accounts in (100 per core).
func (c *Config) CPUPercentTotal() int {
	return c.Resources.CPUCores * 100
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
