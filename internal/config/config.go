// Package config provides configuration loading and validation for pipewatch.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sentinel validation errors.
var (
	ErrInvalidPort         = errors.New("invalid server port")
	ErrMissingGitLabURL    = errors.New("gitlab url is required")
	ErrMissingGitLabToken  = errors.New("gitlab token is required")
	ErrNoMonitorGroups     = errors.New("at least one monitor group is required")
	ErrInvalidBranchFilter = errors.New("invalid branch filter regex")
	ErrInvalidTimeout      = errors.New("gitlab timeout must be positive")
	ErrInvalidRateLimit    = errors.New("gitlab requests per second must not be negative")
	ErrInvalidInterval     = errors.New("poller interval must be positive")
	ErrInvalidBackfillDays = errors.New("poller backfill days must be positive")
	ErrInvalidCapacity     = errors.New("cache capacity must be positive")
	ErrInvalidTTL          = errors.New("cache ttl must be positive")
	ErrInvalidSampleRatio  = errors.New("telemetry sample ratio must be between 0 and 1")
	ErrInvalidLogFormat    = errors.New("logging format must be text or json")
)

// Default configuration values.
const (
	defaultHost            = "0.0.0.0"
	defaultPort            = 8080
	defaultStorePath       = "pipelines.db"
	defaultTimeoutSeconds  = 30
	defaultIntervalSeconds = 60
	defaultBackfillDays    = 30
	defaultCacheCapacity   = 10000
	defaultCacheTTLSeconds = 600
	maxPort                = 65535
)

// Config holds all configuration for the pipewatch service.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	GitLab    GitLabConfig    `mapstructure:"gitlab"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	Port         int           `mapstructure:"port"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig holds SQLite store configuration.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// GitLabConfig holds forge connection configuration.
type GitLabConfig struct {
	URL               string   `mapstructure:"url"`
	Token             string   `mapstructure:"token"`
	MonitorGroups     []string `mapstructure:"monitor_groups"`
	BranchFilterRegex string   `mapstructure:"branch_filter_regex"`
	TimeoutSeconds    int      `mapstructure:"timeout_seconds"`
	RequestsPerSecond float64  `mapstructure:"requests_per_second"`
	SkipInvalidCerts  bool     `mapstructure:"skip_invalid_certs"`

	// BranchFilter is the compiled form of BranchFilterRegex, populated
	// during validation. Nil when no filter is configured.
	BranchFilter *regexp.Regexp `mapstructure:"-"`
}

// HTTPTimeout returns the forge HTTP timeout as a duration.
func (g GitLabConfig) HTTPTimeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

// PollerConfig holds monitor loop and cache configuration.
type PollerConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	BackfillDays    int `mapstructure:"backfill_days"`
	Capacity        int `mapstructure:"capacity"`
	TTLSeconds      int `mapstructure:"ttl_seconds"`
}

// Interval returns the sleep between monitor cycles.
func (p PollerConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// Lookback returns the cold-start backfill window.
func (p PollerConfig) Lookback() time.Duration {
	return time.Duration(p.BackfillDays) * 24 * time.Hour
}

// CacheTTL returns the query cache entry lifetime.
func (p PollerConfig) CacheTTL() time.Duration {
	return time.Duration(p.TTLSeconds) * time.Second
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SlogLevel maps the configured level name to a slog severity.
// Unknown names fall back to info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// JSON reports whether log output should be JSON-formatted.
func (l LoggingConfig) JSON() bool {
	return strings.EqualFold(l.Format, "json")
}

// TelemetryConfig holds OpenTelemetry export configuration.
type TelemetryConfig struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	OTLPHeaders  string  `mapstructure:"otlp_headers"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
	Insecure     bool    `mapstructure:"insecure"`
}

// LoadConfig loads configuration from file and environment variables.
// An explicit configPath overrides the default search locations.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	setDefaults(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName("config")
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("./config")
		viperCfg.AddConfigPath("/etc/pipewatch")
	}

	viperCfg.SetEnvPrefix("PIPEWATCH")
	viperCfg.AutomaticEnv()
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("failed to read config file: %w", readErr)
		}
	}

	var config Config

	unmarshalErr := viperCfg.Unmarshal(&config)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", unmarshalErr)
	}

	validateErr := validateConfig(&config)
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("server.host", defaultHost)
	viperCfg.SetDefault("server.port", defaultPort)
	viperCfg.SetDefault("server.cors_origins", []string{})
	viperCfg.SetDefault("server.read_timeout", "30s")
	viperCfg.SetDefault("server.write_timeout", "30s")
	viperCfg.SetDefault("server.idle_timeout", "60s")

	viperCfg.SetDefault("store.path", defaultStorePath)

	viperCfg.SetDefault("gitlab.timeout_seconds", defaultTimeoutSeconds)
	viperCfg.SetDefault("gitlab.skip_invalid_certs", false)
	viperCfg.SetDefault("gitlab.requests_per_second", 0.0)

	viperCfg.SetDefault("poller.interval_seconds", defaultIntervalSeconds)
	viperCfg.SetDefault("poller.backfill_days", defaultBackfillDays)
	viperCfg.SetDefault("poller.capacity", defaultCacheCapacity)
	viperCfg.SetDefault("poller.ttl_seconds", defaultCacheTTLSeconds)

	viperCfg.SetDefault("logging.level", "info")
	viperCfg.SetDefault("logging.format", "text")

	viperCfg.SetDefault("telemetry.sample_ratio", 0.0)
	viperCfg.SetDefault("telemetry.insecure", false)
}

// validateConfig validates the configuration and compiles the branch filter.
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > maxPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, config.Server.Port)
	}

	if config.GitLab.URL == "" {
		return ErrMissingGitLabURL
	}

	if config.GitLab.Token == "" {
		return ErrMissingGitLabToken
	}

	if len(config.GitLab.MonitorGroups) == 0 {
		return ErrNoMonitorGroups
	}

	if config.GitLab.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTimeout, config.GitLab.TimeoutSeconds)
	}

	if config.GitLab.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidRateLimit, config.GitLab.RequestsPerSecond)
	}

	if config.Poller.IntervalSeconds <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidInterval, config.Poller.IntervalSeconds)
	}

	if config.Poller.BackfillDays <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBackfillDays, config.Poller.BackfillDays)
	}

	if config.Poller.Capacity <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCapacity, config.Poller.Capacity)
	}

	if config.Poller.TTLSeconds <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTTL, config.Poller.TTLSeconds)
	}

	if config.Telemetry.SampleRatio < 0 || config.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidSampleRatio, config.Telemetry.SampleRatio)
	}

	format := strings.ToLower(config.Logging.Format)
	if format != "" && format != "text" && format != "json" {
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, config.Logging.Format)
	}

	if config.GitLab.BranchFilterRegex != "" {
		compiled, err := regexp.Compile(config.GitLab.BranchFilterRegex)
		if err != nil {
			return fmt.Errorf("%w: %q: %w", ErrInvalidBranchFilter, config.GitLab.BranchFilterRegex, err)
		}

		config.GitLab.BranchFilter = compiled
	}

	return nil
}
