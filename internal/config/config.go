// Package config provides application configuration management,
// loading settings from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/stuartshay/device-aggregator/internal/aggregator"
	"github.com/stuartshay/device-aggregator/internal/database"
)

// Config holds all configuration for the application
type Config struct {
	// Service configuration
	ServiceName string
	Environment string
	GRPCPort    string
	HTTPPort    string

	// Source (PostgreSQL) configuration. PostgresCS wins when set.
	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresCS       string
	SourceTable      string

	// Target (MySQL) configuration. MySQLCS wins when set.
	MySQLHost     string
	MySQLPort     string
	MySQLDB       string
	MySQLUser     string
	MySQLPassword string
	MySQLCS       string
	TargetTable   string

	// Run behaviour
	Window          time.Duration
	RunTimeout      time.Duration
	StartupDelay    time.Duration
	ConnectTimeout  time.Duration
	WriteMode       database.WriteMode
	MalformedPolicy aggregator.Policy

	// Scheduled mode; empty runs one window and exits
	Schedule   string
	LedgerPath string

	// OpenTelemetry configuration
	OTELEndpoint string
	OTELEnabled  bool

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "device-aggregator"),
		Environment: getEnv("ENVIRONMENT", "development"),
		GRPCPort:    getEnv("GRPC_PORT", "50051"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       getEnv("POSTGRES_DB", "main"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "password"),
		PostgresCS:       getEnv("POSTGRESQL_CS", ""),
		SourceTable:      getEnv("SOURCE_TABLE", "devices"),

		MySQLHost:     getEnv("MYSQL_HOST", "localhost"),
		MySQLPort:     getEnv("MYSQL_PORT", "3306"),
		MySQLDB:       getEnv("MYSQL_DB", "analytics"),
		MySQLUser:     getEnv("MYSQL_USER", "nonroot"),
		MySQLPassword: getEnv("MYSQL_PASSWORD", "nonroot"),
		MySQLCS:       getEnv("MYSQL_CS", ""),
		TargetTable:   getEnv("TARGET_TABLE", "device_data"),

		Schedule:   getEnv("SCHEDULE", ""),
		LedgerPath: getEnv("LEDGER_PATH", ""),

		OTELEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}

	var err error
	cfg.Window, err = parseDuration("WINDOW", "1h")
	if err != nil {
		return nil, fmt.Errorf("invalid WINDOW: %w", err)
	}
	if cfg.Window < time.Second {
		return nil, fmt.Errorf("invalid WINDOW: must be at least 1s, got %s", cfg.Window)
	}

	cfg.RunTimeout, err = parseDuration("RUN_TIMEOUT", "5m")
	if err != nil {
		return nil, fmt.Errorf("invalid RUN_TIMEOUT: %w", err)
	}

	cfg.StartupDelay, err = parseDuration("STARTUP_DELAY", "0s")
	if err != nil {
		return nil, fmt.Errorf("invalid STARTUP_DELAY: %w", err)
	}

	cfg.ConnectTimeout, err = parseDuration("CONNECT_TIMEOUT", "2m")
	if err != nil {
		return nil, fmt.Errorf("invalid CONNECT_TIMEOUT: %w", err)
	}

	cfg.WriteMode, err = database.ParseWriteMode(getEnv("WRITE_MODE", string(database.ModeAppend)))
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_MODE: %w", err)
	}

	cfg.MalformedPolicy, err = aggregator.ParsePolicy(getEnv("MALFORMED_POLICY", string(aggregator.PolicySkip)))
	if err != nil {
		return nil, fmt.Errorf("invalid MALFORMED_POLICY: %w", err)
	}

	cfg.OTELEnabled, err = parseBool("OTEL_ENABLED", "false")
	if err != nil {
		return nil, fmt.Errorf("invalid OTEL_ENABLED: %w", err)
	}

	return cfg, nil
}

// SourceDSN returns the PostgreSQL connection string
func (c *Config) SourceDSN() string {
	if c.PostgresCS != "" {
		return c.PostgresCS
	}
	return fmt.Sprintf(
		"host=%s port=%s dbname=%s user=%s password=%s sslmode=disable",
		c.PostgresHost,
		c.PostgresPort,
		c.PostgresDB,
		c.PostgresUser,
		c.PostgresPassword,
	)
}

// TargetDSN returns the MySQL connection string
func (c *Config) TargetDSN() string {
	if c.MySQLCS != "" {
		return c.MySQLCS
	}
	return fmt.Sprintf(
		"%s:%s@tcp(%s:%s)/%s?parseTime=true",
		c.MySQLUser,
		c.MySQLPassword,
		c.MySQLHost,
		c.MySQLPort,
		c.MySQLDB,
	)
}

// Scheduled reports whether the process should stay up and run on SCHEDULE.
func (c *Config) Scheduled() bool {
	return c.Schedule != ""
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a time.Duration from an environment variable or default value
func parseDuration(key, defaultValue string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, defaultValue))
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative, got %s", d)
	}
	return d, nil
}

// parseBool parses a bool from an environment variable or default value
func parseBool(key, defaultValue string) (bool, error) {
	return strconv.ParseBool(getEnv(key, defaultValue))
}
