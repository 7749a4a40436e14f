package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port               int
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	RedisPrefix        string
	PendingQueue       string
	ProcessingQueue    string
	FailedQueue        string
	WorkerCount        int
	EngineURL          string
	S3Bucket           string
	S3Region           string
	S3AccessKey        string
	S3SecretKey        string
	S3Endpoint         string
	S3UsePathStyle     bool
	DatabaseURL        string
	MaxUploadBytes     int64
	ConversionTimeout  time.Duration
	MaxRetries         int
	RetryBackoffBase   time.Duration
	LeaseDuration      time.Duration
	RecoveryInterval   time.Duration
	PendingGracePeriod time.Duration
	PresignTTL         time.Duration
}

func Load() *Config {
	redisPrefix := getEnv("REDIS_PREFIX", "")
	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_DATABASE", "meshhub")
	dbUser := getEnv("DB_USERNAME", "meshhub")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")

	// lib/pq supports "key=value" connection strings and this avoids
	// URI escaping issues for special characters in passwords.
	var dbURL string
	if dbPassword != "" {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbPassword, dbSSLMode,
		)
	} else {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbSSLMode,
		)
	}

	return &Config{
		Port:          getEnvInt("PORT", 8080),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_CONVERSION_DB", 3),
		RedisPrefix:   redisPrefix,
		PendingQueue:  applyPrefix(getEnv("CONVERSION_PENDING_QUEUE", "conversion:pending"), redisPrefix),
		ProcessingQueue: applyPrefix(
			getEnv("CONVERSION_PROCESSING_QUEUE", "conversion:processing"),
			redisPrefix,
		),
		FailedQueue: applyPrefix(
			getEnv("CONVERSION_FAILED_QUEUE", "conversion:failed"),
			redisPrefix,
		),
		WorkerCount:        getEnvInt("CONVERSION_WORKER_COUNT", 3),
		EngineURL:          getEnv("PIPELINE_API_URL", "http://pipeline:8000"),
		S3Bucket:           getEnv("S3_BUCKET", "meshhub-assets"),
		S3Region:           getEnvWithFallback("S3_REGION", "AWS_DEFAULT_REGION", "us-east-1"),
		S3AccessKey:        getEnvWithFallback("S3_KEY", "AWS_ACCESS_KEY_ID", ""),
		S3SecretKey:        getEnvWithFallback("S3_SECRET", "AWS_SECRET_ACCESS_KEY", ""),
		S3Endpoint:         getEnv("S3_ENDPOINT", ""),
		S3UsePathStyle:     getEnvBool("S3_USE_PATH_STYLE_ENDPOINT", false),
		DatabaseURL:        dbURL,
		MaxUploadBytes:     getEnvInt64("MAX_UPLOAD_BYTES", 100<<20),
		ConversionTimeout:  getEnvDuration("CONVERSION_TIMEOUT", 120*time.Second),
		MaxRetries:         getEnvInt("CONVERSION_MAX_RETRIES", 3),
		RetryBackoffBase:   getEnvDuration("CONVERSION_RETRY_BACKOFF", 2*time.Second),
		LeaseDuration:      getEnvDuration("CONVERSION_LEASE_DURATION", 5*time.Minute),
		RecoveryInterval:   getEnvDuration("CONVERSION_RECOVERY_INTERVAL", time.Minute),
		PendingGracePeriod: getEnvDuration("CONVERSION_PENDING_GRACE", 5*time.Minute),
		PresignTTL:         getEnvDuration("DOWNLOAD_PRESIGN_TTL", time.Hour),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvWithFallback(primaryKey, secondaryKey, fallback string) string {
	if value := os.Getenv(primaryKey); value != "" {
		return value
	}
	if value := os.Getenv(secondaryKey); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("90s", "2m") and, for
// compatibility with the older integer-seconds variables, bare integers.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func applyPrefix(key string, prefix string) string {
	if prefix == "" {
		return key
	}
	return prefix + key
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
