// Package config handles environment variable configuration loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// ServiceNow connection settings
	ServiceNowBaseURL  string `validate:"required,url"`
	ServiceNowUsername string `validate:"required"`
	ServiceNowPassword string `validate:"required"`

	// Reconciliation settings
	SyncInterval  time.Duration `validate:"gt=0"`
	SyncWindow    time.Duration `validate:"gt=0"`
	BatchSize     int           `validate:"gt=0"`
	MaxAttempts   int           `validate:"gt=0"`
	BatchWorkers  int           `validate:"gt=0"`
	QueryPageSize int           `validate:"gt=0"`

	// Circuit breaker settings
	GateFailureThreshold int           `validate:"gt=0"`
	GateResetTimeout     time.Duration `validate:"gt=0"`
	GateMonitoringPeriod time.Duration `validate:"gt=0"`
	GateHalfOpenMaxCalls int           `validate:"gt=0"`
	GateMinimumCalls     int           `validate:"gt=0"`

	// Local store settings
	StorePath string `validate:"required"`

	// Event bus settings (optional; empty disables the publisher)
	RedisAddr     string
	PubSubProject string
	PubSubTopic   string
	EventTopic    string

	// HTTP server settings
	HTTPPort string `validate:"required"`
}

// Load reads configuration from the environment (and an optional .env file)
// and returns a validated Config.
func Load() (*Config, error) {
	// Missing .env is fine; real environments set variables directly.
	_ = godotenv.Load()

	cfg := &Config{
		ServiceNowBaseURL:    os.Getenv("SERVICENOW_BASE_URL"),
		ServiceNowUsername:   os.Getenv("SERVICENOW_USERNAME"),
		ServiceNowPassword:   os.Getenv("SERVICENOW_PASSWORD"),
		SyncInterval:         getDurationOrDefault("SYNC_INTERVAL", 5*time.Minute),
		SyncWindow:           getDurationOrDefault("SYNC_WINDOW", time.Hour),
		BatchSize:            getIntOrDefault("SYNC_BATCH_SIZE", 100),
		MaxAttempts:          getIntOrDefault("SYNC_MAX_ATTEMPTS", 3),
		BatchWorkers:         getIntOrDefault("SYNC_BATCH_WORKERS", 4),
		QueryPageSize:        getIntOrDefault("SERVICENOW_PAGE_SIZE", 500),
		GateFailureThreshold: getIntOrDefault("GATE_FAILURE_THRESHOLD", 5),
		GateResetTimeout:     getDurationOrDefault("GATE_RESET_TIMEOUT", time.Minute),
		GateMonitoringPeriod: getDurationOrDefault("GATE_MONITORING_PERIOD", time.Minute),
		GateHalfOpenMaxCalls: getIntOrDefault("GATE_HALF_OPEN_MAX_CALLS", 3),
		GateMinimumCalls:     getIntOrDefault("GATE_MINIMUM_CALLS", 5),
		StorePath:            getEnvOrDefault("STORE_PATH", "snowmirror.db"),
		RedisAddr:            os.Getenv("REDIS_ADDRESS"),
		PubSubProject:        os.Getenv("PUBSUB_PROJECT_ID"),
		PubSubTopic:          os.Getenv("PUBSUB_TOPIC"),
		EventTopic:           getEnvOrDefault("EVENT_TOPIC", "snowmirror.records"),
		HTTPPort:             getEnvOrDefault("HTTP_PORT", "8080"),
	}

	if err := validator.New().Struct(cfg); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			return nil, fmt.Errorf("invalid configuration: field %s failed %q", errs[0].Field(), errs[0].Tag())
		}
		return nil, err
	}

	return cfg, nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
