// Package config handles gateway configuration: an optional YAML file with
// environment variable expansion, overlaid by the environment itself.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	// DatabaseURL is the SQLite DSN (file path or ":memory:"). Required.
	DatabaseURL string `yaml:"database_url"`
	// RedisURL is the Redis connection URL for the auth/route caches.
	RedisURL string `yaml:"redis_url"`
	// AdminKey authorizes the admin plane. Required.
	AdminKey string `yaml:"admin_key"`
	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`
	// CORSOrigin is a comma-separated list of allowed origins, or "*".
	CORSOrigin string `yaml:"cors_origin"`
	// LogRetentionDays is the request-log retention horizon. 0 disables the sweeper.
	LogRetentionDays int `yaml:"log_retention_days"`
	// LogRequestBody stores the full request body on each log row.
	LogRequestBody bool `yaml:"log_request_body"`
	// LogResponseBody stores the full (or reconstructed SSE) response body.
	LogResponseBody bool `yaml:"log_response_body"`
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

// ParseBool interprets a config boolean: true|1|yes (case-insensitive) are
// true, everything else is false.
func ParseBool(s string) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// Load builds the configuration from defaults, an optional YAML file at path
// (ignored when path is empty or missing), and the environment. Environment
// variables take precedence over the file.
func Load(path string) (*Config, error) {
	cfg := &Config{
		RedisURL:         "redis://127.0.0.1:6379",
		ListenAddr:       "0.0.0.0:3000",
		CORSOrigin:       "*",
		LogRetentionDays: 7,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Optional file; environment alone may be enough.
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(cfg)

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.AdminKey == "" {
		return nil, errors.New("ADMIN_KEY is required")
	}
	return cfg, nil
}

// applyEnv overlays the supported environment variables onto cfg.
func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("DATABASE_URL"); ok {
		cfg.DatabaseURL = v
	}
	if v, ok := os.LookupEnv("REDIS_URL"); ok {
		cfg.RedisURL = v
	}
	if v, ok := os.LookupEnv("ADMIN_KEY"); ok {
		cfg.AdminKey = v
	}
	if v, ok := os.LookupEnv("LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv("CORS_ORIGIN"); ok {
		cfg.CORSOrigin = v
	}
	if v, ok := os.LookupEnv("LOG_RETENTION_DAYS"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.LogRetentionDays = n
		}
	}
	if v, ok := os.LookupEnv("LOG_REQUEST_BODY"); ok {
		cfg.LogRequestBody = ParseBool(v)
	}
	if v, ok := os.LookupEnv("LOG_RESPONSE_BODY"); ok {
		cfg.LogResponseBody = ParseBool(v)
	}
}

// AllowedOrigins splits CORSOrigin into the list handed to the CORS
// middleware. "*" yields a single wildcard entry.
func (c *Config) AllowedOrigins() []string {
	if c.CORSOrigin == "*" || c.CORSOrigin == "" {
		return []string{"*"}
	}
	parts := strings.Split(c.CORSOrigin, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
