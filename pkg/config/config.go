// Package config provides configuration loading from environment
// variables, optionally overlaid with a YAML pipeline file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ExporterKind selects the export sink.
type ExporterKind string

const (
	// ExporterMemory keeps spans in process (development/testing).
	ExporterMemory ExporterKind = "memory"
	// ExporterOTLP ships spans to an OTLP/gRPC collector.
	ExporterOTLP ExporterKind = "otlp"
	// ExporterPostgres stores spans in PostgreSQL.
	ExporterPostgres ExporterKind = "postgres"
)

// SamplerKind selects the sampling gate.
type SamplerKind string

const (
	SamplerAlways    SamplerKind = "always"
	SamplerNever     SamplerKind = "never"
	SamplerRatio     SamplerKind = "ratio"
	SamplerRateLimit SamplerKind = "ratelimit"
)

// Config is the full correlation pipeline configuration.
type Config struct {
	// Service identification
	ServiceName string
	Environment string // development, staging, production
	Version     string

	// Server (demo pipeline)
	HTTPPort int

	// Correlation behavior
	RecordException       bool
	DisableQueryRedaction bool
	EnableUpgradeSpans    bool

	// Sampling
	Sampler       SamplerKind
	SamplingRatio float64
	RatePerSecond int64

	// Export
	Exporter      ExporterKind
	OTLPEndpoint  string
	OTLPInsecure  bool
	FlushInterval time.Duration

	// Redis (used when Sampler is "ratelimit")
	RedisAddr string

	// Database (used when Exporter is "postgres")
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Logging
	LogLevel  string
	LogFormat string // json, text
}

// Load loads configuration from environment variables.
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		ServiceName: serviceName,
		Environment: getEnv("WEFT_ENV", "development"),
		Version:     getEnv("WEFT_VERSION", "dev"),

		HTTPPort: getEnvInt("WEFT_HTTP_PORT", 8080),

		RecordException:       getEnvBool("WEFT_RECORD_EXCEPTION", true),
		DisableQueryRedaction: getEnvBool("WEFT_DISABLE_URL_QUERY_REDACTION", false),
		EnableUpgradeSpans:    getEnvBool("WEFT_ENABLE_UPGRADE_SPANS", false),

		Sampler:       parseSamplerKind(getEnv("WEFT_SAMPLER", "always")),
		SamplingRatio: getEnvFloat("WEFT_SAMPLING_RATIO", 1.0),
		RatePerSecond: int64(getEnvInt("WEFT_RATE_PER_SECOND", 100)),

		Exporter:      parseExporterKind(getEnv("WEFT_EXPORTER", "memory")),
		OTLPEndpoint:  getEnv("WEFT_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:  getEnvBool("WEFT_OTLP_INSECURE", true),
		FlushInterval: getEnvDuration("WEFT_FLUSH_INTERVAL", 5*time.Second),

		RedisAddr: getEnv("WEFT_REDIS_ADDR", "localhost:6379"),

		DBHost:     getEnv("WEFT_DB_HOST", "localhost"),
		DBPort:     getEnvInt("WEFT_DB_PORT", 5432),
		DBUser:     getEnv("WEFT_DB_USER", "weft"),
		DBPassword: getEnv("WEFT_DB_PASSWORD", ""),
		DBName:     getEnv("WEFT_DB_NAME", "weft"),
		DBSSLMode:  getEnv("WEFT_DB_SSLMODE", "disable"),

		LogLevel:  getEnv("WEFT_LOG_LEVEL", "info"),
		LogFormat: getEnv("WEFT_LOG_FORMAT", "json"),
	}

	return cfg, nil
}

// filePipeline mirrors the YAML pipeline file layout.
type filePipeline struct {
	Environment string `yaml:"environment"`
	HTTPPort    int    `yaml:"http_port"`

	Correlation struct {
		RecordException       *bool `yaml:"record_exception"`
		DisableQueryRedaction *bool `yaml:"disable_query_redaction"`
		EnableUpgradeSpans    *bool `yaml:"enable_upgrade_spans"`
	} `yaml:"correlation"`

	Sampling struct {
		Kind          string  `yaml:"kind"`
		Ratio         float64 `yaml:"ratio"`
		RatePerSecond int64   `yaml:"rate_per_second"`
	} `yaml:"sampling"`

	Export struct {
		Kind          string `yaml:"kind"`
		OTLPEndpoint  string `yaml:"otlp_endpoint"`
		FlushInterval string `yaml:"flush_interval"`
	} `yaml:"export"`
}

// LoadFile overlays a YAML pipeline file on cfg. Unset file fields leave
// the corresponding cfg values untouched.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read pipeline file: %w", err)
	}

	var f filePipeline
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse pipeline file: %w", err)
	}

	if f.Environment != "" {
		c.Environment = f.Environment
	}
	if f.HTTPPort != 0 {
		c.HTTPPort = f.HTTPPort
	}
	if f.Correlation.RecordException != nil {
		c.RecordException = *f.Correlation.RecordException
	}
	if f.Correlation.DisableQueryRedaction != nil {
		c.DisableQueryRedaction = *f.Correlation.DisableQueryRedaction
	}
	if f.Correlation.EnableUpgradeSpans != nil {
		c.EnableUpgradeSpans = *f.Correlation.EnableUpgradeSpans
	}
	if f.Sampling.Kind != "" {
		c.Sampler = parseSamplerKind(f.Sampling.Kind)
	}
	if f.Sampling.Ratio != 0 {
		c.SamplingRatio = f.Sampling.Ratio
	}
	if f.Sampling.RatePerSecond != 0 {
		c.RatePerSecond = f.Sampling.RatePerSecond
	}
	if f.Export.Kind != "" {
		c.Exporter = parseExporterKind(f.Export.Kind)
	}
	if f.Export.OTLPEndpoint != "" {
		c.OTLPEndpoint = f.Export.OTLPEndpoint
	}
	if f.Export.FlushInterval != "" {
		d, err := time.ParseDuration(f.Export.FlushInterval)
		if err != nil {
			return fmt.Errorf("invalid flush_interval %q: %w", f.Export.FlushInterval, err)
		}
		c.FlushInterval = d
	}

	return nil
}

// DatabaseDSN returns the PostgreSQL connection string.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Helper functions

func parseExporterKind(s string) ExporterKind {
	switch s {
	case "otlp":
		return ExporterOTLP
	case "postgres", "postgresql", "pg":
		return ExporterPostgres
	default:
		return ExporterMemory
	}
}

func parseSamplerKind(s string) SamplerKind {
	switch s {
	case "never":
		return SamplerNever
	case "ratio":
		return SamplerRatio
	case "ratelimit", "rate", "rate_limit":
		return SamplerRateLimit
	default:
		return SamplerAlways
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
