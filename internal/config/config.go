// Package config provides configuration loading for the orchestrator service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the orchestrator service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// StateStore configuration
	StateStoreType string // "memory" or "redis"
	CheckpointTTL  time.Duration

	// Dispatcher configuration
	DispatcherType  string // "kafka" or "redis"
	KafkaBrokers    []string
	SimulationTopic string
	EvaluationTopic string

	// Engine configuration
	DefaultNodeTimeout time.Duration

	// External collaborators
	ResourceServiceURL string
	BillingServiceURL  string
	EncryptionKey      string

	// Report archive (S3/MinIO); disabled when bucket is empty
	ArchiveBucket    string
	ArchiveEndpoint  string
	ArchiveRegion    string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchivePrefix    string

	// CORS configuration
	CORSOrigins []string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Tracing
	TracingEnabled bool
	OTLPEndpoint   string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "8080"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// StateStore
		StateStoreType: getEnv("ORCH_STATESTORE", "redis"), // "memory" or "redis"
		CheckpointTTL:  getDuration("CHECKPOINT_TTL", 0),   // 0 = keep forever

		// Dispatcher
		DispatcherType:  getEnv("ORCH_DISPATCHER", "kafka"), // "kafka" or "redis"
		KafkaBrokers:    getStringSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
		SimulationTopic: getEnv("KAFKA_TOPIC_SIMULATION_REQUESTS", "simulation.requests"),
		EvaluationTopic: getEnv("KAFKA_TOPIC_EVALUATION_REQUESTS", "evaluation.requests"),

		// Engine
		DefaultNodeTimeout: getDuration("NODE_TIMEOUT_DEFAULT", 60*time.Second),

		// Collaborators
		ResourceServiceURL: getEnv("RESOURCE_SERVICE_URL", "http://resource-service:8000"),
		BillingServiceURL:  getEnv("BILLING_SERVICE_URL", "http://billing-service:8000"),
		EncryptionKey:      getEnv("ENCRYPTION_KEY", ""),

		// Archive
		ArchiveBucket:    getEnv("ARCHIVE_BUCKET", ""),
		ArchiveEndpoint:  getEnv("ARCHIVE_ENDPOINT", ""),
		ArchiveRegion:    getEnv("ARCHIVE_REGION", ""),
		ArchiveAccessKey: getEnv("ARCHIVE_ACCESS_KEY_ID", ""),
		ArchiveSecretKey: getEnv("ARCHIVE_SECRET_ACCESS_KEY", ""),
		ArchivePrefix:    getEnv("ARCHIVE_PREFIX", "reports"),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 100.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 200),

		// Tracing
		TracingEnabled: getBool("TRACING_ENABLED", false),
		OTLPEndpoint:   getEnv("OTLP_ENDPOINT", "localhost:4317"),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		return strings.Split(val, ",")
	}
	return defaultVal
}
