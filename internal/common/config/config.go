// Package config provides configuration management for agentd.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentd.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	OAuth     OAuthConfig     `mapstructure:"oauth"`
	Allocator AllocatorConfig `mapstructure:"allocator"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds Postgres connection configuration.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
	// URL, if set, overrides the discrete fields above (DATABASE_URL convention).
	URL string `mapstructure:"url"`
}

// NATSConfig holds event bus configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"` // empty means use the in-memory bus
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SandboxConfig holds configuration for the remote sandbox API client.
type SandboxConfig struct {
	BaseURL        string `mapstructure:"baseUrl"`
	TokenEnvVar    string `mapstructure:"tokenEnvVar"`
	ExecTimeout    int    `mapstructure:"execTimeoutSeconds"`
	CloneTimeout   int    `mapstructure:"cloneTimeoutSeconds"`
	PullTimeout    int    `mapstructure:"pullTimeoutSeconds"`
	GitConfTimeout int    `mapstructure:"gitConfigTimeoutSeconds"`
}

// OAuthConfig holds configuration for the agent's OAuth token refresh flow.
type OAuthConfig struct {
	TokenURL          string `mapstructure:"tokenUrl"`
	ClientID          string `mapstructure:"clientId"`
	RefreshBufferSecs int    `mapstructure:"refreshBufferSeconds"`
}

// AllocatorConfig holds configuration for sandbox/repo-lock allocation.
type AllocatorConfig struct {
	AllocateTimeoutSeconds int    `mapstructure:"allocateTimeoutSeconds"`
	SweepIntervalSeconds   int    `mapstructure:"sweepIntervalSeconds"`
	WorkingDirBase         string `mapstructure:"workingDirBase"`
	IdleTimeoutSeconds     int    `mapstructure:"idleTimeoutSeconds"`
}

// AdmissionConfig holds configuration for the registry-wide admission queue
// bounding concurrent live Session Supervisors.
type AdmissionConfig struct {
	MaxConcurrentSessions int `mapstructure:"maxConcurrentSessions"`
	QueueSize             int `mapstructure:"queueSize"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RefreshBuffer returns the OAuth refresh buffer as a time.Duration.
func (o *OAuthConfig) RefreshBuffer() time.Duration {
	return time.Duration(o.RefreshBufferSecs) * time.Second
}

// AllocateTimeout returns the allocator's outer allocate timeout.
func (a *AllocatorConfig) AllocateTimeout() time.Duration {
	return time.Duration(a.AllocateTimeoutSeconds) * time.Second
}

// SweepInterval returns the allocator's recovery sweep interval.
func (a *AllocatorConfig) SweepInterval() time.Duration {
	return time.Duration(a.SweepIntervalSeconds) * time.Second
}

// IdleTimeout returns the session supervisor's idle timeout.
func (a *AllocatorConfig) IdleTimeout() time.Duration {
	return time.Duration(a.IdleTimeoutSeconds) * time.Second
}

// ExecTimeoutDuration returns the sandbox client's default exec timeout.
func (s *SandboxConfig) ExecTimeoutDuration() time.Duration {
	return time.Duration(s.ExecTimeout) * time.Second
}

// CloneTimeoutDuration returns the allocator's clone operation timeout.
func (s *SandboxConfig) CloneTimeoutDuration() time.Duration {
	return time.Duration(s.CloneTimeout) * time.Second
}

// PullTimeoutDuration returns the allocator's pull operation timeout.
func (s *SandboxConfig) PullTimeoutDuration() time.Duration {
	return time.Duration(s.PullTimeout) * time.Second
}

// GitConfigTimeoutDuration returns the allocator's git-config operation timeout.
func (s *SandboxConfig) GitConfigTimeoutDuration() time.Duration {
	return time.Duration(s.GitConfTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentd")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agentd")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.url", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentd-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("sandbox.baseUrl", "https://sandbox.internal")
	v.SetDefault("sandbox.tokenEnvVar", "SANDBOX_TOKEN")
	v.SetDefault("sandbox.execTimeoutSeconds", 60)
	v.SetDefault("sandbox.cloneTimeoutSeconds", 300)
	v.SetDefault("sandbox.pullTimeoutSeconds", 120)
	v.SetDefault("sandbox.gitConfigTimeoutSeconds", 30)

	v.SetDefault("oauth.tokenUrl", "")
	v.SetDefault("oauth.clientId", "")
	v.SetDefault("oauth.refreshBufferSeconds", 300)

	v.SetDefault("allocator.allocateTimeoutSeconds", 120)
	v.SetDefault("allocator.sweepIntervalSeconds", 60)
	v.SetDefault("allocator.workingDirBase", "/home/sprite")
	v.SetDefault("allocator.idleTimeoutSeconds", 120)

	v.SetDefault("admission.maxConcurrentSessions", 0)
	v.SetDefault("admission.queueSize", 200)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTD_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Infrastructure env vars that don't follow the AGENTD_ prefix convention.
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("server.host", "HOST")
	_ = v.BindEnv("sandbox.tokenEnvVar", "AGENTD_SANDBOX_TOKEN_ENV_VAR")
	_ = v.BindEnv("logging.level", "AGENTD_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentd/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.URL == "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required")
		}
	}

	if cfg.Allocator.AllocateTimeoutSeconds <= 0 {
		errs = append(errs, "allocator.allocateTimeoutSeconds must be positive")
	}
	if cfg.Allocator.WorkingDirBase == "" {
		errs = append(errs, "allocator.workingDirBase is required")
	}

	if cfg.OAuth.RefreshBufferSecs <= 0 {
		errs = append(errs, "oauth.refreshBufferSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string, preferring an explicit URL if set.
func (d *DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
