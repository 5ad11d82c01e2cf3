// Package config provides YAML configuration loading with validation and
// environment variable substitution for the promptcraft service.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth" json:"auth"`
	Admin     AdminConfig     `yaml:"admin" json:"admin"`
	CORS      CORSConfig      `yaml:"cors" json:"cors"`
	Keys      KeysConfig      `yaml:"keys" json:"keys"`
	Provider  ProviderConfig  `yaml:"provider" json:"provider"`

	// Warnings holds non-fatal config issues detected during loading.
	// Kept on the Config so Load is safe to call from the reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	GlobalTimeoutMs int           `yaml:"global_timeout_ms" json:"global_timeout_ms"`
}

// GlobalTimeout returns the per-request deadline, or 0 when disabled.
func (s ServerConfig) GlobalTimeout() time.Duration {
	if s.GlobalTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.GlobalTimeoutMs) * time.Millisecond
}

// LoggingConfig holds log output and level settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`               // debug, info, warn, error; default: info
	Output     string `yaml:"output" json:"output"`             // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // default: 30

	// PathLevels overrides the access log level by path prefix, e.g.
	// {"/health": "none"}.
	PathLevels      map[string]string `yaml:"path_levels" json:"path_levels,omitempty"`
	BodyLogging     bool              `yaml:"body_logging" json:"body_logging"`
	MaxBodyLogBytes int               `yaml:"max_body_log_bytes" json:"max_body_log_bytes"`
}

// ValidLogLevels are the accepted log level strings.
var ValidLogLevels = map[string]bool{
	"":      true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
	"none":  true,
}

// MetricsConfig holds Prometheus endpoint settings. Enabled defaults to true.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// TelemetryConfig holds OpenTelemetry trace export settings. An empty
// Endpoint disables export.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
}

// RateLimitConfig holds the per-client limiter settings.
type RateLimitConfig struct {
	RequestsPerSecond float64        `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int            `yaml:"burst_size" json:"burst_size"`
	Overrides         []RateOverride `yaml:"overrides" json:"overrides,omitempty"`
}

// RateOverride applies a different rate to requests under PathPrefix.
type RateOverride struct {
	PathPrefix        string  `yaml:"path_prefix" json:"path_prefix"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// AuthConfig holds bearer JWT settings for the player-facing API.
type AuthConfig struct {
	Enabled           bool     `yaml:"enabled" json:"enabled"`
	JWTSecret         string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer            string   `yaml:"issuer" json:"issuer"`
	Audience          string   `yaml:"audience" json:"audience"`
	Scopes            []string `yaml:"scopes" json:"scopes"`
	ProtectedPrefixes []string `yaml:"protected_prefixes" json:"protected_prefixes"`
}

// AdminConfig holds admin endpoint settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

// CORSConfig holds browser cross-origin settings for the game client.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// KeysConfig holds the credential pool and retry policy.
type KeysConfig struct {
	EnvVar               string        `yaml:"env_var" json:"env_var"`
	MaxRetries           int           `yaml:"max_retries" json:"max_retries"`
	RateLimitBlock       time.Duration `yaml:"rate_limit_block" json:"rate_limit_block"`
	ErrorBlock           time.Duration `yaml:"error_block" json:"error_block"`
	MaxErrorsBeforeBlock int           `yaml:"max_errors_before_block" json:"max_errors_before_block"`
	BackoffBase          time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffMax           time.Duration `yaml:"backoff_max" json:"backoff_max"`

	// SweepSchedule is a cron expression for the background unblock sweep.
	// Unset means "@every 30s"; an explicit empty string disables the sweep.
	SweepSchedule *string `yaml:"sweep_schedule" json:"sweep_schedule"`
}

// Sweep returns the effective sweep schedule, "" when disabled.
func (k KeysConfig) Sweep() string {
	if k.SweepSchedule == nil {
		return DefaultSweepSchedule
	}
	return strings.TrimSpace(*k.SweepSchedule)
}

// DefaultSweepSchedule is used when keys.sweep_schedule is unset.
const DefaultSweepSchedule = "@every 30s"

// ProviderConfig holds generative provider settings.
type ProviderConfig struct {
	ImageModel  string        `yaml:"image_model" json:"image_model"`
	VisionModel string        `yaml:"vision_model" json:"vision_model"`
	BaseURL     string        `yaml:"base_url" json:"base_url"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// LoadDotEnv loads a .env file from the working directory into the process
// environment. Variables already set win. A missing file is not an error.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return parse(data)
}

// LoadFromBytes parses configuration from raw YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

// ParseCredentials splits a comma-separated credential list. Entries are
// trimmed and empty entries dropped.
func ParseCredentials(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Credentials reads the credential list from the configured environment
// variable. It returns nil when the variable is unset or holds no entries.
func (k KeysConfig) Credentials() []string {
	return ParseCredentials(os.Getenv(k.EnvVar))
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 4 * time.Minute
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 20 << 20 // two base64 images
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}
	if cfg.Logging.MaxBodyLogBytes == 0 {
		cfg.Logging.MaxBodyLogBytes = 4096
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "promptcraft"
	}
	if cfg.Telemetry.SampleRatio == 0 {
		cfg.Telemetry.SampleRatio = 1.0
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 2
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 5
	}

	if len(cfg.Auth.ProtectedPrefixes) == 0 {
		cfg.Auth.ProtectedPrefixes = []string{"/api"}
	}

	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = []string{"*"}
	}

	k := &cfg.Keys
	if k.EnvVar == "" {
		k.EnvVar = "GEMINI_API_KEYS"
	}
	if k.MaxRetries == 0 {
		k.MaxRetries = 3
	}
	if k.RateLimitBlock == 0 {
		k.RateLimitBlock = 60 * time.Second
	}
	if k.ErrorBlock == 0 {
		k.ErrorBlock = 120 * time.Second
	}
	if k.MaxErrorsBeforeBlock == 0 {
		k.MaxErrorsBeforeBlock = 5
	}
	if k.BackoffBase == 0 {
		k.BackoffBase = time.Second
	}
	if k.BackoffMax == 0 {
		k.BackoffMax = 5 * time.Second
	}

	p := &cfg.Provider
	if p.ImageModel == "" {
		p.ImageModel = "imagen-3.0-generate-002"
	}
	if p.VisionModel == "" {
		p.VisionModel = "gemini-2.0-flash"
	}
	if p.Timeout == 0 {
		p.Timeout = 60 * time.Second
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if cfg.Server.GlobalTimeoutMs < 0 {
		return fmt.Errorf("server.global_timeout_ms must be non-negative")
	}
	for i, cidr := range cfg.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("server.trusted_proxies[%d]: invalid CIDR %q: %w", i, cidr, err)
		}
	}

	if !ValidLogLevels[cfg.Logging.Level] || cfg.Logging.Level == "none" {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	for prefix, level := range cfg.Logging.PathLevels {
		if !strings.HasPrefix(prefix, "/") {
			return fmt.Errorf("logging.path_levels: prefix %q must start with /", prefix)
		}
		if !ValidLogLevels[level] {
			return fmt.Errorf("logging.path_levels[%s] must be one of debug, info, warn, error, none; got %q", prefix, level)
		}
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" && cfg.Logging.MaxSizeMB < 1 {
		return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
	}
	if cfg.Logging.BodyLogging && cfg.Logging.MaxBodyLogBytes < 1 {
		return fmt.Errorf("logging.max_body_log_bytes must be positive when body_logging is enabled")
	}

	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}

	if err := validateRate("rate_limit", cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.BurstSize); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for i, o := range cfg.RateLimit.Overrides {
		if !strings.HasPrefix(o.PathPrefix, "/") {
			return fmt.Errorf("rate_limit.overrides[%d].path_prefix must start with /", i)
		}
		if seen[o.PathPrefix] {
			return fmt.Errorf("duplicate rate_limit override path_prefix: %s", o.PathPrefix)
		}
		seen[o.PathPrefix] = true
		if err := validateRate(fmt.Sprintf("rate_limit.overrides[%d]", i), o.RequestsPerSecond, o.BurstSize); err != nil {
			return err
		}
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
		}
		if cfg.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required when auth is enabled")
		}
		if cfg.Auth.Audience == "" {
			return fmt.Errorf("auth.audience is required when auth is enabled")
		}
	}

	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	k := cfg.Keys
	if k.MaxRetries < 1 {
		return fmt.Errorf("keys.max_retries must be positive")
	}
	if k.MaxErrorsBeforeBlock < 1 {
		return fmt.Errorf("keys.max_errors_before_block must be positive")
	}
	if k.RateLimitBlock < 0 || k.ErrorBlock < 0 {
		return fmt.Errorf("keys block durations must be positive")
	}
	if k.BackoffBase < 0 || k.BackoffMax < k.BackoffBase {
		return fmt.Errorf("keys.backoff_max must be at least keys.backoff_base")
	}
	if s := k.Sweep(); s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			return fmt.Errorf("keys.sweep_schedule: %w", err)
		}
	}

	if cfg.Provider.BaseURL != "" {
		u, err := url.Parse(cfg.Provider.BaseURL)
		if err != nil {
			return fmt.Errorf("provider.base_url: invalid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("provider.base_url: scheme must be http or https, got %q", u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("provider.base_url: host is required")
		}
	}
	if cfg.Provider.Timeout < 0 {
		return fmt.Errorf("provider.timeout must be positive")
	}

	return nil
}

func validateRate(field string, rps float64, burst int) error {
	if rps <= 0 {
		return fmt.Errorf("%s.requests_per_second must be positive", field)
	}
	if burst <= 0 {
		return fmt.Errorf("%s.burst_size must be positive", field)
	}
	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Auth.Enabled && strings.Contains(cfg.Auth.JWTSecret, "${") {
		warnings = append(warnings, "auth.jwt_secret contains unresolved environment variable")
	}
	if !cfg.Auth.Enabled {
		warnings = append(warnings, "auth is disabled; /api is open to any client")
	}
	worst := time.Duration(cfg.Keys.MaxRetries)*cfg.Provider.Timeout + time.Duration(cfg.Keys.MaxRetries-1)*cfg.Keys.BackoffMax
	if cfg.Server.WriteTimeout < worst {
		warnings = append(warnings, fmt.Sprintf(
			"server.write_timeout %s is shorter than the worst-case retry span %s", cfg.Server.WriteTimeout, worst))
	}
	return warnings
}
