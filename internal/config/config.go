// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/eugener/warden/internal/accounting"
	"github.com/eugener/warden/internal/memory"
	"github.com/eugener/warden/internal/router"
	"github.com/eugener/warden/internal/security"
)

// Config is the top-level broker configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Log        LogConfig        `yaml:"log"`
	Auth       AuthConfig       `yaml:"auth"`
	Routing    RoutingConfig    `yaml:"routing"`
	Providers  []ProviderEntry  `yaml:"providers"`
	Accounting AccountingConfig `yaml:"accounting"`
	Security   SecurityConfig   `yaml:"security"`
	Memory     MemoryConfig     `yaml:"memory"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// RedisConfig enables the shared KV mirror. An empty URL disables it.
type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Enabled reports whether a redis URL is configured.
func (r RedisConfig) Enabled() bool { return r.URL != "" }

// LogConfig controls the default slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// AuthConfig holds access-control settings.
type AuthConfig struct {
	SessionSecret  string         `yaml:"session_secret"`
	SessionTTL     time.Duration  `yaml:"session_ttl"`
	KeyPrefix      string         `yaml:"key_prefix"`
	LoginRPS       float64        `yaml:"login_rps"`
	LoginBurst     int            `yaml:"login_burst"`
	BootstrapAdmin BootstrapAdmin `yaml:"bootstrap_admin"`
}

// BootstrapAdmin is the admin account created on first start.
type BootstrapAdmin struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Email    string `yaml:"email"`
}

// RoutingConfig holds provider selection defaults.
type RoutingConfig struct {
	Strategy      string   `yaml:"strategy"`
	FailoverOrder []string `yaml:"failover_order"`
	DefaultModel  string   `yaml:"default_model"`
}

// ProviderEntry is a provider definition in the config file.
type ProviderEntry struct {
	Name      string     `yaml:"name"`
	Type      string     `yaml:"type"` // openai, anthropic, ollama
	BaseURL   string     `yaml:"base_url"`
	APIKey    string     `yaml:"api_key"`
	Models    []string   `yaml:"models"`
	Priority  int        `yaml:"priority"`
	Enabled   *bool      `yaml:"enabled"`
	TimeoutMs int        `yaml:"timeout_ms"`
	Auth      *AuthEntry `yaml:"auth"` // explicit auth; inferred from api_key when absent
}

// AuthEntry configures upstream authentication.
type AuthEntry struct {
	Type   string   `yaml:"type"` // "api_key", "gcp_oauth"
	APIKey string   `yaml:"api_key"`
	Scopes []string `yaml:"scopes"`
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ResolvedType returns Type if set, otherwise falls back to Name.
func (p ProviderEntry) ResolvedType() string {
	if p.Type != "" {
		return p.Type
	}
	return p.Name
}

// ResolvedAuthType returns the auth type, defaulting to "api_key".
func (p ProviderEntry) ResolvedAuthType() string {
	if p.Auth != nil && p.Auth.Type != "" {
		return p.Auth.Type
	}
	return "api_key"
}

// ResolvedAPIKey returns the API key, preferring Auth.APIKey over top-level APIKey.
func (p ProviderEntry) ResolvedAPIKey() string {
	if p.Auth != nil && p.Auth.APIKey != "" {
		return p.Auth.APIKey
	}
	return p.APIKey
}

// Timeout returns the per-attempt timeout (30s when unset).
func (p ProviderEntry) Timeout() time.Duration {
	if p.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// AccountingConfig holds quota defaults, rate overrides, and retention.
type AccountingConfig struct {
	QuotaDefaults   accounting.QuotaConfig      `yaml:"quota_defaults"`
	ConversionRates []accounting.ConversionRate `yaml:"conversion_rates"`
	RetentionDays   int                         `yaml:"retention_days"`
}

// SecurityConfig selects the scanner policy, per-kind action overrides, and
// extra patterns.
type SecurityConfig struct {
	Policy         string            `yaml:"policy"`
	Enabled        *bool             `yaml:"enabled"` // default true
	Actions        map[string]string `yaml:"actions"` // threat kind -> action
	LogRetention   time.Duration     `yaml:"log_retention"`
	CustomPatterns []PatternEntry    `yaml:"custom_patterns"`
}

// IsEnabled reports whether prompt scanning is on.
func (s SecurityConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// ResolvedActions returns the validated action overrides.
func (s SecurityConfig) ResolvedActions() (map[security.Kind]security.Action, error) {
	out := make(map[security.Kind]security.Action, len(s.Actions))
	for k, a := range s.Actions {
		kind, err := security.ParseKind(k)
		if err != nil {
			return nil, err
		}
		action, err := security.ParseAction(a)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[kind] = action
	}
	return out, nil
}

// MemoryConfig controls per-session conversation recall.
type MemoryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	MaxTurns int           `yaml:"max_turns"`
	IdleTTL  time.Duration `yaml:"idle_ttl"`
	MinScore float64       `yaml:"min_score"` // 0 to 1
}

// PatternEntry is an additional detection pattern.
type PatternEntry struct {
	Kind    string `yaml:"kind"`
	Pattern string `yaml:"pattern"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns a Config populated with every default value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{DSN: "warden.db"},
		Redis:    RedisConfig{KeyPrefix: "warden"},
		Log:      LogConfig{Level: "info", Format: "json"},
		Auth: AuthConfig{
			SessionTTL: 24 * time.Hour,
			KeyPrefix:  "mp",
			LoginRPS:   1,
			LoginBurst: 5,
		},
		Routing: RoutingConfig{
			Strategy:      router.LoadBalanced.String(),
			FailoverOrder: slices.Clone(router.DefaultFailoverOrder),
			DefaultModel:  "gpt-3.5-turbo",
		},
		Accounting: AccountingConfig{
			QuotaDefaults: accounting.DefaultQuota(),
			RetentionDays: 90,
		},
		Security: SecurityConfig{
			Policy:       security.PolicyBalanced,
			LogRetention: 7 * 24 * time.Hour,
		},
		Memory: MemoryConfig{
			MaxTurns: memory.DefaultMaxTurns,
			IdleTTL:  memory.DefaultIdleTTL,
			MinScore: memory.DefaultMinScore,
		},
	}
}

// Load reads and parses a YAML config file, expanding environment variables,
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var providerTypes = map[string]bool{
	router.TypeOpenAI:    true,
	router.TypeAnthropic: true,
	router.TypeOllama:    true,
}

// Validate reports every configuration error found.
func (c *Config) Validate() error {
	var errs []error
	if _, err := router.ParseStrategy(c.Routing.Strategy); err != nil {
		errs = append(errs, fmt.Errorf("routing.strategy: %w", err))
	}
	if _, err := security.LookupPolicy(c.Security.Policy); err != nil {
		errs = append(errs, fmt.Errorf("security.policy: %w", err))
	}
	if _, err := c.Security.ResolvedActions(); err != nil {
		errs = append(errs, fmt.Errorf("security.actions: %w", err))
	}
	for i, p := range c.Security.CustomPatterns {
		if _, err := security.ParseKind(p.Kind); err != nil {
			errs = append(errs, fmt.Errorf("security.custom_patterns[%d]: %w", i, err))
		}
	}
	if c.Memory.MaxTurns < 0 || c.Memory.IdleTTL < 0 {
		errs = append(errs, errors.New("memory.max_turns and memory.idle_ttl must not be negative"))
	}
	if c.Memory.MinScore < 0 || c.Memory.MinScore > 1 {
		errs = append(errs, errors.New("memory.min_score must be between 0 and 1"))
	}
	if c.Accounting.RetentionDays <= 0 {
		errs = append(errs, errors.New("accounting.retention_days must be positive"))
	}
	for i, r := range c.Accounting.ConversionRates {
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("accounting.conversion_rates[%d]: %w", i, err))
		}
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		switch {
		case p.Name == "":
			errs = append(errs, fmt.Errorf("providers[%d]: name is required", i))
			continue
		case seen[p.Name]:
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name))
		case !providerTypes[p.ResolvedType()]:
			errs = append(errs, fmt.Errorf("providers[%d]: unknown type %q", i, p.ResolvedType()))
		}
		seen[p.Name] = true
		if t := p.ResolvedAuthType(); t != "api_key" && t != "gcp_oauth" {
			errs = append(errs, fmt.Errorf("providers[%d]: unknown auth type %q", i, t))
		}
	}
	return errors.Join(errs...)
}
