package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port    int
	Host    string
	SiteURL string

	// Database
	DatabaseURL string

	// Auth (tokens are issued upstream; we only verify them)
	JWTSecret string

	// Billing provider
	BillingAPIKey        string
	BillingAPIBaseURL    string
	WebhookSecret        string
	WebhookTolerance     time.Duration
	WebhookMaxAttempts   int
	WebhookRetryBase     time.Duration
	WebhookStuckDeadline time.Duration

	// Hosted checkout price ids per purchasable plan
	PriceStarter string
	PriceGrowth  string
	PriceMax     string

	// Job queue
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	WorkerCount   int

	// Dead-letter archive
	ArchiveS3Endpoint  string
	ArchiveS3Region    string
	ArchiveS3Bucket    string
	ArchiveS3AccessKey string
	ArchiveS3SecretKey string
	ArchiveKey         string

	// Rate limiting
	RateLimitPerMinute int
	TrustProxy         bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnvInt("PORT", 3000),
		Host:                 getEnv("HOST", "0.0.0.0"),
		SiteURL:              getEnv("SITE_URL", "http://localhost:3000"),
		DatabaseURL:          mustGetEnv("DATABASE_URL"),
		JWTSecret:            mustGetEnv("JWT_SECRET"),
		BillingAPIKey:        getEnv("BILLING_API_KEY", ""),
		BillingAPIBaseURL:    getEnv("BILLING_API_BASE_URL", "https://api.stripe.com/v1"),
		WebhookSecret:        mustGetEnv("BILLING_WEBHOOK_SECRET"),
		WebhookTolerance:     getEnvDuration("WEBHOOK_TOLERANCE", 5*time.Minute),
		WebhookMaxAttempts:   getEnvInt("WEBHOOK_MAX_ATTEMPTS", 5),
		WebhookRetryBase:     getEnvDuration("WEBHOOK_RETRY_BASE", 30*time.Second),
		WebhookStuckDeadline: getEnvDuration("WEBHOOK_STUCK_DEADLINE", 10*time.Minute),
		PriceStarter:         getEnv("BILLING_PRICE_STARTER", ""),
		PriceGrowth:          getEnv("BILLING_PRICE_GROWTH", ""),
		PriceMax:             getEnv("BILLING_PRICE_MAX", ""),
		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		RedisDB:              getEnvInt("REDIS_DB", 0),
		WorkerCount:          getEnvInt("WORKER_COUNT", 4),
		ArchiveS3Endpoint:    getEnv("ARCHIVE_S3_ENDPOINT", ""),
		ArchiveS3Region:      getEnv("ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveS3Bucket:      getEnv("ARCHIVE_S3_BUCKET", ""),
		ArchiveS3AccessKey:   getEnv("ARCHIVE_S3_ACCESS_KEY", ""),
		ArchiveS3SecretKey:   getEnv("ARCHIVE_S3_SECRET_KEY", ""),
		ArchiveKey:           getEnv("ARCHIVE_ENCRYPTION_KEY", ""),
		RateLimitPerMinute:   getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		TrustProxy:           getEnvBool("TRUST_PROXY", false),
	}

	if len(cfg.JWTSecret) < 32 {
		return nil, fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if len(cfg.WebhookSecret) < 16 {
		return nil, fmt.Errorf("BILLING_WEBHOOK_SECRET must be at least 16 characters")
	}
	if cfg.WebhookMaxAttempts < 1 {
		return nil, fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.WorkerCount < 1 {
		return nil, fmt.Errorf("WORKER_COUNT must be at least 1")
	}

	// Archive config: all-or-nothing. A partially configured archive would
	// only surface once the first event dead-letters.
	archiveSet := cfg.ArchiveS3Bucket != "" || cfg.ArchiveS3AccessKey != "" || cfg.ArchiveS3SecretKey != ""
	if archiveSet {
		if cfg.ArchiveS3Bucket == "" || cfg.ArchiveS3AccessKey == "" || cfg.ArchiveS3SecretKey == "" {
			return nil, fmt.Errorf("ARCHIVE_S3_BUCKET, ARCHIVE_S3_ACCESS_KEY and ARCHIVE_S3_SECRET_KEY must all be set to enable the dead-letter archive")
		}
		if cfg.ArchiveKey == "" {
			cfg.ArchiveKey = cfg.JWTSecret
		}
	}

	return cfg, nil
}

// ArchiveEnabled reports whether dead-lettered payloads should be copied to S3.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveS3Bucket != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func mustGetEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1"
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
