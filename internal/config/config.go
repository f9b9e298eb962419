package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names recognized by the loader.
const (
	EnvConfigPath      = "CONFIG_PATH"
	EnvDBConnection    = "DB_CONNECTION"
	EnvJWTSecret       = "JWT_SECRET"
	EnvAccessExpiry    = "JWT_ACCESS_EXPIRY"
	EnvRefreshExpiry   = "JWT_REFRESH_EXPIRY"
	EnvUpstreamAPIKey  = "OPENROUTER_API_KEY"
	EnvUpstreamBaseURL = "OPENROUTER_BASE_URL"
	EnvUpstreamSiteURL = "OPENROUTER_SITE_URL"
	EnvUpstreamAppName = "OPENROUTER_APP_NAME"
)

// AppConfig holds resolved application configuration values.
type AppConfig struct {
	ConfigPath string
}

// LoadFromEnv loads app config from environment variables.
func LoadFromEnv() (AppConfig, error) {
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(EnvConfigPath))}, nil
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// ErrMissingDatabaseDSN indicates no database DSN is present in the config file.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database-dsn` or `database.dsn` in config file)")

// LoadDatabaseDSN reads the database DSN from the YAML config file.
func LoadDatabaseDSN(configPath string) (string, error) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		return dsn, nil
	}

	// fileConfig maps the YAML fields needed for DSN resolution.
	type fileConfig struct {
		DatabaseDSN string `yaml:"database-dsn"`
		Database    struct {
			DSN string `yaml:"dsn"`
		} `yaml:"database"`
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config file: %w", err)
	}

	var cfg fileConfig
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return "", fmt.Errorf("parse config file: %w", errUnmarshal)
	}

	if dsn := strings.TrimSpace(cfg.DatabaseDSN); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}

// JWTConfig holds JWT secret and expiry settings.
type JWTConfig struct {
	Secret        string        `yaml:"secret"`
	AccessExpiry  time.Duration `yaml:"access-expiry"`
	RefreshExpiry time.Duration `yaml:"refresh-expiry"`
}

// Defaults applied when the config omits or invalidates JWT expiries.
const (
	defaultAccessExpiry  = 15 * time.Minute
	defaultRefreshExpiry = 30 * 24 * time.Hour
)

// LoadJWTConfig loads JWT settings from the YAML config file.
func LoadJWTConfig(configPath string) (JWTConfig, error) {
	// fileConfig maps the YAML fields needed for JWT settings.
	type fileConfig struct {
		JWT JWTConfig `yaml:"jwt"`
	}

	result := JWTConfig{AccessExpiry: defaultAccessExpiry, RefreshExpiry: defaultRefreshExpiry}

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		var cfg fileConfig
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal == nil {
			result = cfg.JWT
		}
	}

	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		result.Secret = secret
	}
	if raw := strings.TrimSpace(os.Getenv(EnvAccessExpiry)); raw != "" {
		if expiry, errParse := time.ParseDuration(raw); errParse == nil && expiry > 0 {
			result.AccessExpiry = expiry
		}
	}
	if raw := strings.TrimSpace(os.Getenv(EnvRefreshExpiry)); raw != "" {
		if expiry, errParse := time.ParseDuration(raw); errParse == nil && expiry > 0 {
			result.RefreshExpiry = expiry
		}
	}

	if result.AccessExpiry <= 0 {
		result.AccessExpiry = defaultAccessExpiry
	}
	if result.RefreshExpiry <= 0 {
		result.RefreshExpiry = defaultRefreshExpiry
	}
	return result, nil
}

// UpstreamConfig holds the shared provider credential and endpoint settings.
type UpstreamConfig struct {
	BaseURL string `yaml:"base-url"`
	APIKey  string `yaml:"api-key"`
	SiteURL string `yaml:"site-url"`
	AppName string `yaml:"app-name"`
}

// DefaultUpstreamBaseURL is the OpenRouter-compatible API root.
const DefaultUpstreamBaseURL = "https://openrouter.ai/api/v1"

// LoadUpstreamConfig loads upstream provider settings from the YAML config file.
func LoadUpstreamConfig(configPath string) (UpstreamConfig, error) {
	// fileConfig maps the YAML fields needed for upstream settings.
	type fileConfig struct {
		Upstream UpstreamConfig `yaml:"upstream"`
	}

	var result UpstreamConfig

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		var cfg fileConfig
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal == nil {
			result = cfg.Upstream
		}
	}

	if key := strings.TrimSpace(os.Getenv(EnvUpstreamAPIKey)); key != "" {
		result.APIKey = key
	}
	if url := strings.TrimSpace(os.Getenv(EnvUpstreamBaseURL)); url != "" {
		result.BaseURL = url
	}
	if url := strings.TrimSpace(os.Getenv(EnvUpstreamSiteURL)); url != "" {
		result.SiteURL = url
	}
	if name := strings.TrimSpace(os.Getenv(EnvUpstreamAppName)); name != "" {
		result.AppName = name
	}

	if strings.TrimSpace(result.BaseURL) == "" {
		result.BaseURL = DefaultUpstreamBaseURL
	}
	return result, nil
}
