package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends selectable with STORAGE_BACKEND.
const (
	BackendFS     = "fs"
	BackendMemory = "memory"
	BackendS3     = "s3"
)

type Config struct {
	Port string

	StorageBackend string
	StoragePath    string
	MaxFileSize    int64
	IDLength       int
	IDMaxAttempts  int

	// PublicBaseURL overrides the scheme://host derived from each request.
	PublicBaseURL     string
	StrictClassPrefix bool

	DatabaseURL string

	SweepInterval time.Duration
	StaleUpload   time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	LogLevel slog.Level

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool
}

// MultipartOverhead is the slack allowed on top of MaxFileSize for multipart
// boundaries, part headers and small form fields.
const MultipartOverhead = 1 << 20

// Load reads configuration from a .env file (if present) and environment
// variables. Variables already set in the environment win over .env.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to read .env file", "error", err)
	}

	cfg := &Config{
		Port:              getEnv("PORT", "3000"),
		StorageBackend:    strings.ToLower(getEnv("STORAGE_BACKEND", BackendFS)),
		StoragePath:       getEnv("STORAGE_PATH", "./uploads"),
		MaxFileSize:       getEnvInt64("MAX_FILE_SIZE", 100*1024*1024), // 100MiB
		IDLength:          getEnvInt("ID_LENGTH", 6),
		IDMaxAttempts:     getEnvInt("ID_MAX_ATTEMPTS", 5),
		PublicBaseURL:     strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		StrictClassPrefix: getEnvBool("STRICT_CLASS_PREFIX", false),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		SweepInterval:     getEnvMinutes("SWEEP_INTERVAL_MINUTES", 15*time.Minute),
		StaleUpload:       getEnvMinutes("STALE_UPLOAD_MINUTES", 60*time.Minute),
		RateLimitRPS:      getEnvFloat64("RATE_LIMIT_RPS", 2),
		RateLimitBurst:    getEnvInt("RATE_LIMIT_BURST", 10),
		LogLevel:          getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		S3Endpoint:        getEnv("S3_ENDPOINT", "localhost:9000"),
		S3AccessKey:       getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:       getEnv("S3_SECRET_KEY", ""),
		S3Bucket:          getEnv("S3_BUCKET", "drop"),
		S3UseSSL:          getEnvBool("S3_USE_SSL", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values that would make the server unusable at runtime.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxFileSize <= 0 {
		errs = append(errs, fmt.Errorf("MAX_FILE_SIZE must be positive, got %d", c.MaxFileSize))
	} else if c.MaxFileSize > math.MaxInt64-MultipartOverhead {
		errs = append(errs, fmt.Errorf("MAX_FILE_SIZE %d is too large", c.MaxFileSize))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL_MINUTES must be positive, got %s", c.SweepInterval))
	}
	if c.StaleUpload <= 0 {
		errs = append(errs, fmt.Errorf("STALE_UPLOAD_MINUTES must be positive, got %s", c.StaleUpload))
	}
	if c.IDMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("ID_MAX_ATTEMPTS must be at least 1, got %d", c.IDMaxAttempts))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat64(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvMinutes(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if minutes, err := strconv.ParseFloat(val, 64); err == nil {
			return time.Duration(minutes * float64(time.Minute))
		}
	}
	return fallback
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	if val := os.Getenv(key); val != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(val)); err == nil {
			return level
		}
	}
	return fallback
}
