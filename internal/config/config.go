// Package config loads docuflow's configuration surface (spec §6.5) from
// environment variables, the way the teacher's worker loads REDIS_URL /
// DATABASE_URL / WORKER_CONCURRENCY etc from .env.nexus.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every recognized option of spec §6.5. All fields have
// defaults; only DatabaseURL is required when the Postgres MetaStore is
// selected.
type Config struct {
	// Backing stores
	DatabaseURL string
	RedisURL    string
	BoltPath    string // used when MetaStoreKind == "bolt"
	MetaStoreKind string // "postgres" | "bolt"

	BlobStoreKind string // "localfs" | "s3"
	LocalFSRoot   string
	S3Bucket      string
	S3Region      string

	// Worker pool (spec §6.5)
	WorkerCount        int
	LeaseTTL           time.Duration
	LeaseGrace         time.Duration
	EmptyPollInterval  time.Duration
	SweeperInterval    time.Duration

	// Retry
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Storage
	MaxFileSize      int64
	AllowedMimeTypes []string
	PresignTTLMax    time.Duration
	OwnerQuotaBytes  int64

	// OCR
	OCRTimeout       time.Duration
	SupportedFormats []string
	OCRRateLimitRPS  float64

	TesseractPath string
	TempDir       string

	Env string
}

// Load reads Config from the environment, applying spec §6.5 defaults.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		BoltPath:      getEnvOrDefault("BOLT_PATH", "./docuflow.db"),
		MetaStoreKind: getEnvOrDefault("METASTORE_KIND", "postgres"),

		BlobStoreKind: getEnvOrDefault("BLOBSTORE_KIND", "localfs"),
		LocalFSRoot:   getEnvOrDefault("LOCALFS_ROOT", "/tmp/docuflow/blobs"),
		S3Bucket:      getEnvOrDefault("S3_BUCKET", ""),
		S3Region:      getEnvOrDefault("S3_REGION", "us-east-1"),

		WorkerCount:       getEnvAsIntOrDefault("WORKER_COUNT", 5),
		LeaseTTL:          getEnvAsDurationOrDefault("LEASE_TTL", 10*time.Minute),
		LeaseGrace:        getEnvAsDurationOrDefault("LEASE_GRACE", 30*time.Second),
		EmptyPollInterval: getEnvAsDurationOrDefault("EMPTY_POLL_INTERVAL", 1*time.Second),

		MaxRetries:  getEnvAsIntOrDefault("MAX_RETRIES", 3),
		BackoffBase: getEnvAsDurationOrDefault("BACKOFF_BASE", 30*time.Second),
		BackoffMax:  getEnvAsDurationOrDefault("BACKOFF_MAX", 30*time.Minute),

		MaxFileSize:      getEnvAsInt64OrDefault("MAX_FILE_SIZE", 50*1024*1024),
		AllowedMimeTypes: getEnvAsListOrDefault("ALLOWED_MIME_TYPES", []string{"application/pdf", "image/jpeg", "image/png", "image/tiff"}),
		PresignTTLMax:    getEnvAsDurationOrDefault("PRESIGN_TTL_MAX", 1*time.Hour),
		OwnerQuotaBytes:  getEnvAsInt64OrDefault("OWNER_QUOTA_BYTES", 5*1024*1024*1024),

		OCRTimeout:       getEnvAsDurationOrDefault("OCR_TIMEOUT", 5*time.Minute),
		SupportedFormats: getEnvAsListOrDefault("SUPPORTED_FORMATS", []string{"pdf", "jpeg", "png", "tiff"}),
		OCRRateLimitRPS:  getEnvAsFloatOrDefault("OCR_RATE_LIMIT_RPS", 5.0),

		TesseractPath: getEnvOrDefault("TESSERACT_PATH", "/usr/bin/tesseract"),
		TempDir:       getEnvOrDefault("TEMP_DIR", "/tmp/docuflow"),
		Env:           getEnvOrDefault("DOCUFLOW_ENV", "development"),
	}
	cfg.SweeperInterval = getEnvAsDurationOrDefault("SWEEPER_INTERVAL", cfg.LeaseTTL/4)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks invariants on the loaded configuration.
func (c *Config) Validate() error {
	if c.MetaStoreKind == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when METASTORE_KIND=postgres")
	}
	if c.WorkerCount < 1 || c.WorkerCount > 100 {
		return fmt.Errorf("WORKER_COUNT must be between 1 and 100, got %d", c.WorkerCount)
	}
	if c.MaxFileSize < 1024 {
		return fmt.Errorf("MAX_FILE_SIZE must be at least 1KB, got %d", c.MaxFileSize)
	}
	if c.PresignTTLMax <= 0 || c.PresignTTLMax > time.Hour {
		return fmt.Errorf("PRESIGN_TTL_MAX must be between 0 and 1h, got %s", c.PresignTTLMax)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must be >= 0, got %d", c.MaxRetries)
	}
	return nil
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsIntOrDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvAsInt64OrDefault(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getEnvAsFloatOrDefault(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvAsDurationOrDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getEnvAsListOrDefault(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
