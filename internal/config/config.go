// Package config handles application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port    int
	BaseURL string

	// Backing store (Redis). The queue and the status records live in
	// separate logical databases so they can be flushed independently.
	StoreHost     string
	StorePort     int
	StorePassword string
	QueueDBIndex  int
	StatusDBIndex int

	// Webhook destination policy
	WebhookAllowlist         string // regex; empty disables the allow-list
	WebhookHMACSecret        string
	AllowPrivateDestinations bool

	// Worker pools
	ComputeConcurrency  int
	DeliveryConcurrency int
	PrefetchMultiplier  int
	// Late acknowledgement is a correctness requirement, not a tunable:
	// TASK_ACK_LATE=false is rejected at load time.
	TaskAckLate bool

	// Delivery retry policy
	DeliveryMaxAttempts int
	DeliveryRetryMin    time.Duration
	DeliveryRetryMax    time.Duration
	DeliveryTimeout     time.Duration

	// Compute retry policy
	ComputeMaxAttempts int
	ComputeRetryMin    time.Duration
	ComputeRetryMax    time.Duration
	ComputeTaskTimeout time.Duration

	// Circuit breaker
	BreakerFailureThreshold int
	BreakerReset            time.Duration
	BreakerExcludeTimeouts  bool

	// Queue limits
	QueueHighWater         int
	QueueVisibilityTimeout time.Duration

	// Metrics
	EnableMetrics bool
	MetricsPort   int // 0 = serve on the main port
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:    getEnvInt("PORT", 8080),
		BaseURL: getEnv("BASE_URL", "http://localhost:8080"),

		StoreHost:     getEnv("STORE_HOST", "localhost"),
		StorePort:     getEnvInt("STORE_PORT", 6379),
		StorePassword: getEnv("STORE_PASSWORD", ""),
		QueueDBIndex:  getEnvInt("CELERY_DB_INDEX", 0),
		StatusDBIndex: getEnvInt("STATUS_DB_INDEX", 2),

		WebhookAllowlist:         getEnv("WEBHOOK_ALLOWLIST", ""),
		WebhookHMACSecret:        getEnv("WEBHOOK_HMAC_SECRET", ""),
		AllowPrivateDestinations: getEnvBool("ALLOW_PRIVATE_DESTINATIONS", false),

		ComputeConcurrency:  getEnvInt("COMPUTE_CONCURRENCY", 1),
		DeliveryConcurrency: getEnvInt("DELIVERY_CONCURRENCY", 4),
		PrefetchMultiplier:  getEnvInt("PREFETCH_MULTIPLIER", 1),
		TaskAckLate:         getEnvBool("TASK_ACK_LATE", true),

		DeliveryMaxAttempts: getEnvInt("DELIVERY_MAX_ATTEMPTS", 3),
		DeliveryRetryMin:    getEnvSeconds("DELIVERY_RETRY_MIN_S", 30*time.Second),
		DeliveryRetryMax:    getEnvSeconds("DELIVERY_RETRY_MAX_S", 300*time.Second),
		DeliveryTimeout:     getEnvSeconds("DELIVERY_TIMEOUT_S", 10*time.Second),

		ComputeMaxAttempts: getEnvInt("COMPUTE_MAX_ATTEMPTS", 3),
		ComputeRetryMin:    getEnvSeconds("COMPUTE_RETRY_MIN_S", 60*time.Second),
		ComputeRetryMax:    getEnvSeconds("COMPUTE_RETRY_MAX_S", 600*time.Second),
		ComputeTaskTimeout: getEnvDuration("COMPUTE_TASK_TIMEOUT", time.Hour),

		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerReset:            getEnvSeconds("BREAKER_RESET_S", 60*time.Second),
		BreakerExcludeTimeouts:  getEnvBool("BREAKER_EXCLUDE_TIMEOUTS", false),

		QueueHighWater:         getEnvInt("QUEUE_HIGH_WATER", 10000),
		QueueVisibilityTimeout: getEnvDuration("QUEUE_VISIBILITY_TIMEOUT", 2*time.Hour),

		EnableMetrics: getEnvBool("ENABLE_METRICS", true),
		MetricsPort:   getEnvInt("METRICS_PORT", 0),
	}

	if !cfg.TaskAckLate {
		return nil, fmt.Errorf("TASK_ACK_LATE=false is not supported: late acknowledgement is required for at-least-once processing")
	}
	if cfg.ComputeConcurrency < 1 || cfg.DeliveryConcurrency < 1 {
		return nil, fmt.Errorf("COMPUTE_CONCURRENCY and DELIVERY_CONCURRENCY must be at least 1")
	}
	if cfg.PrefetchMultiplier != 1 {
		return nil, fmt.Errorf("PREFETCH_MULTIPLIER must be 1: higher prefetch breaks FIFO ordering under multi-worker concurrency")
	}
	if cfg.DeliveryMaxAttempts < 1 || cfg.ComputeMaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1")
	}
	if cfg.DeliveryRetryMin > cfg.DeliveryRetryMax {
		return nil, fmt.Errorf("DELIVERY_RETRY_MIN_S must not exceed DELIVERY_RETRY_MAX_S")
	}
	if cfg.BreakerFailureThreshold < 1 {
		return nil, fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be at least 1")
	}
	if cfg.QueueDBIndex == cfg.StatusDBIndex {
		return nil, fmt.Errorf("CELERY_DB_INDEX and STATUS_DB_INDEX must differ: queue and status records share a Redis instance but not a namespace")
	}

	return cfg, nil
}

// StoreAddr returns the host:port of the backing store.
func (c *Config) StoreAddr() string {
	return fmt.Sprintf("%s:%d", c.StoreHost, c.StorePort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvSeconds reads a bare number of seconds (the _S suffixed vars).
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
