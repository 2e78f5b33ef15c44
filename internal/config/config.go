// Package config loads and validates application configuration from
// environment variables plus a YAML tenants file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Tenants file: per-tenant storage backend configuration.
	TenantsPath string

	// OTEL settings for the service's own telemetry.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
	SlowTaskThreshold   time.Duration // latency above this raises a slow-task issue
	RequireClosure      bool          // reject batches whose parent refs resolve nowhere
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("KANSATSU_PORT", 8080),
		ReadTimeout:         envDuration("KANSATSU_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("KANSATSU_WRITE_TIMEOUT", 30*time.Second),
		TenantsPath:         envStr("KANSATSU_TENANTS_FILE", "tenants.yaml"),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "kansatsu"),
		LogLevel:            envStr("KANSATSU_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("KANSATSU_MAX_REQUEST_BODY_BYTES", 4*1024*1024)),
		SlowTaskThreshold:   envDuration("KANSATSU_SLOW_TASK_THRESHOLD", 30*time.Second),
		RequireClosure:      envBool("KANSATSU_REQUIRE_CLOSURE", false),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: KANSATSU_PORT must be a valid port, got %d", c.Port)
	}
	if c.TenantsPath == "" {
		return fmt.Errorf("config: KANSATSU_TENANTS_FILE is required")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: KANSATSU_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.SlowTaskThreshold <= 0 {
		return fmt.Errorf("config: KANSATSU_SLOW_TASK_THRESHOLD must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
