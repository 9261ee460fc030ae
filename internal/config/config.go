package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds shared runtime configuration for the API and worker services.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string
	LogLevel    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
	QueueName     string

	// PostgresDSN enables the audit trail when non-empty.
	PostgresDSN string

	RetentionWindow time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	RetryBackoff    string
	RetryBackoffMax time.Duration
	DequeueTimeout  time.Duration
	RecoveryDelay   time.Duration
	LeaseDuration   time.Duration
	JobTimeout      time.Duration
	CleanupInterval time.Duration

	RateLimitCapacity int
	RateLimitRefill   float64

	ArtifactDir         string
	ArtifactS3Bucket    string
	ArtifactS3Region    string
	ArtifactS3Endpoint  string
	ArtifactS3PathStyle bool
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		KeyPrefix:     getEnv("KEY_PREFIX", "prototype:"),
		QueueName:     getEnv("QUEUE_NAME", "pending"),

		PostgresDSN: getEnv("POSTGRES_DSN", ""),

		RetentionWindow: getEnvDuration("RETENTION_WINDOW", 30*24*time.Hour),
		MaxRetries:      getEnvInt("MAX_RETRIES", 3),
		RetryDelay:      getEnvDuration("RETRY_DELAY", 60*time.Second),
		RetryBackoff:    getEnv("RETRY_BACKOFF", "constant"),
		RetryBackoffMax: getEnvDuration("RETRY_BACKOFF_MAX", 10*time.Minute),
		DequeueTimeout:  getEnvDuration("DEQUEUE_TIMEOUT", 10*time.Second),
		RecoveryDelay:   getEnvDuration("RECOVERY_DELAY", 5*time.Second),
		LeaseDuration:   getEnvDuration("LEASE_DURATION", 30*time.Minute),
		JobTimeout:      getEnvDuration("JOB_TIMEOUT", 0),
		CleanupInterval: getEnvDuration("CLEANUP_INTERVAL", time.Hour),

		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 20),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 0.5),

		ArtifactDir:         getEnv("ARTIFACT_DIR", "./output"),
		ArtifactS3Bucket:    getEnv("ARTIFACT_S3_BUCKET", ""),
		ArtifactS3Region:    getEnv("ARTIFACT_S3_REGION", "us-east-1"),
		ArtifactS3Endpoint:  getEnv("ARTIFACT_S3_ENDPOINT", ""),
		ArtifactS3PathStyle: getEnvBool("ARTIFACT_S3_PATH_STYLE", false),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("90s") and bare integers as seconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}
