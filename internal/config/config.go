// Package config provides configuration loading and management for the reports service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load does not override variables that are already set, so the
// process environment takes precedence over both files.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Local overrides, gitignored
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Storage backends.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
)

// Blob backends.
const (
	BlobLocal = "local"
	BlobS3    = "s3"
)

// Config captures environment-driven settings for the reports service.
type Config struct {
	Env  string // Deployment environment (dev, staging, prod)
	Port string // HTTP server port

	// Persistence
	Storage    string // memory, postgres or sqlite
	DBDSN      string // PostgreSQL connection string
	SQLitePath string // SQLite database file

	// Collaborators
	NATSURL          string        // NATS server URL; empty disables events
	RedisAddr        string        // Redis address; empty disables the category cache
	RedisPassword    string        // Redis password
	RedisDB          int           // Redis logical database
	CategoryCacheTTL time.Duration // Lifetime of cached category lists

	// Attachments
	BlobBackend       string // local or s3
	BlobDir           string // Directory for the local backend
	BlobPublicURL     string // Base URL attachments are served from
	S3Endpoint        string // S3-compatible storage endpoint
	S3Region          string // S3 region
	S3Bucket          string // S3 bucket name
	S3AccessKey       string // S3 access key
	S3SecretKey       string // S3 secret key
	ImageMaxDimension int    // Downscale threshold in pixels, 0 disables

	// Authentication
	JWKSURL     string   // Key set URL; empty selects unverified test tokens
	JWTIssuer   string   // Expected issuer, empty skips the check
	JWTAudience string   // Expected audience, empty skips the check
	ReviewerIDs []string // Users allowed to advance any report

	// Edge
	RateLimitRPS   float64  // Sustained requests per second per client
	RateLimitBurst int      // Burst size per client
	CORSOrigins    []string // Allowed origins for CORS (empty means deny all)

	OTelEnabled bool // Export traces to stdout
}

// Default configuration values used when environment variables are not set
const (
	defaultEnv            = "dev"
	defaultPort           = "8080"
	defaultStorage        = StorageMemory
	defaultSQLitePath     = "reports.db"
	defaultBlobBackend    = BlobLocal
	defaultBlobDir        = "./data/media"
	defaultBlobPublicURL  = "/media"
	defaultS3Region       = "us-east-1"
	defaultCacheTTL       = 5 * time.Minute
	defaultRateLimitRPS   = 10
	defaultRateLimitBurst = 20
)

// Load reads REPORTS_* environment variables and produces a validated Config.
func Load() (Config, error) {
	cfg := Config{
		Env:            getEnv("REPORTS_ENV", defaultEnv),
		Port:           getEnv("REPORTS_PORT", defaultPort),
		Storage:        strings.ToLower(getEnv("REPORTS_STORAGE", defaultStorage)),
		DBDSN:          getEnv("REPORTS_DB_DSN", ""),
		SQLitePath:     getEnv("REPORTS_SQLITE_PATH", defaultSQLitePath),
		NATSURL:        getEnv("REPORTS_NATS_URL", ""),
		RedisAddr:      getEnv("REPORTS_REDIS_ADDR", ""),
		RedisPassword:  getEnv("REPORTS_REDIS_PASSWORD", ""),
		BlobBackend:    strings.ToLower(getEnv("REPORTS_BLOB_BACKEND", defaultBlobBackend)),
		BlobDir:        getEnv("REPORTS_BLOB_DIR", defaultBlobDir),
		BlobPublicURL:  getEnv("REPORTS_BLOB_PUBLIC_URL", ""),
		S3Endpoint:     getEnv("REPORTS_S3_ENDPOINT", ""),
		S3Region:       getEnv("REPORTS_S3_REGION", defaultS3Region),
		S3Bucket:       getEnv("REPORTS_S3_BUCKET", ""),
		S3AccessKey:    getEnv("REPORTS_S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("REPORTS_S3_SECRET_KEY", ""),
		JWKSURL:        getEnv("REPORTS_JWKS_URL", ""),
		JWTIssuer:      getEnv("REPORTS_JWT_ISSUER", ""),
		JWTAudience:    getEnv("REPORTS_JWT_AUDIENCE", ""),
		ReviewerIDs:    splitList(getEnv("REPORTS_REVIEWER_IDS", "")),
		CORSOrigins:    splitList(getEnv("REPORTS_CORS_ORIGINS", "")),
		OTelEnabled:    parseBool(getEnv("REPORTS_OTEL_ENABLED", "false")),
		RateLimitBurst: defaultRateLimitBurst,
		RateLimitRPS:   defaultRateLimitRPS,
	}
	if cfg.BlobBackend == BlobLocal && cfg.BlobPublicURL == "" {
		cfg.BlobPublicURL = defaultBlobPublicURL
	}

	var err error
	if cfg.RedisDB, err = intEnv("REPORTS_REDIS_DB", 0); err != nil {
		return cfg, err
	}
	if cfg.ImageMaxDimension, err = intEnv("REPORTS_IMAGE_MAX_DIMENSION", 0); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = intEnv("REPORTS_RATE_LIMIT_BURST", defaultRateLimitBurst); err != nil {
		return cfg, err
	}
	if v, ok := os.LookupEnv("REPORTS_RATE_LIMIT_RPS"); ok && v != "" {
		if cfg.RateLimitRPS, err = strconv.ParseFloat(v, 64); err != nil {
			return cfg, fmt.Errorf("REPORTS_RATE_LIMIT_RPS: %w", err)
		}
	}
	cfg.CategoryCacheTTL = defaultCacheTTL
	if v, ok := os.LookupEnv("REPORTS_CATEGORY_CACHE_TTL"); ok && v != "" {
		if cfg.CategoryCacheTTL, err = time.ParseDuration(v); err != nil {
			return cfg, fmt.Errorf("REPORTS_CATEGORY_CACHE_TTL: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// IsProd reports whether the production guard applies.
func (c Config) IsProd() bool { return c.Env == "prod" }

func (c Config) validate() error {
	switch c.Storage {
	case StorageMemory, StorageSQLite:
	case StoragePostgres:
		if c.DBDSN == "" {
			return fmt.Errorf("REPORTS_DB_DSN is required when REPORTS_STORAGE=postgres")
		}
	default:
		return fmt.Errorf("REPORTS_STORAGE must be memory, postgres or sqlite, got %q", c.Storage)
	}

	switch c.BlobBackend {
	case BlobLocal:
	case BlobS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("REPORTS_S3_BUCKET is required when REPORTS_BLOB_BACKEND=s3")
		}
	default:
		return fmt.Errorf("REPORTS_BLOB_BACKEND must be local or s3, got %q", c.BlobBackend)
	}

	if c.ImageMaxDimension < 0 {
		return fmt.Errorf("REPORTS_IMAGE_MAX_DIMENSION must not be negative")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit settings must not be negative")
	}
	if c.CategoryCacheTTL <= 0 {
		return fmt.Errorf("REPORTS_CATEGORY_CACHE_TTL must be positive")
	}

	if c.IsProd() {
		if c.JWKSURL == "" {
			return fmt.Errorf("REPORTS_JWKS_URL is required in prod")
		}
		if c.Storage == StorageMemory {
			return fmt.Errorf("REPORTS_STORAGE=memory is not allowed in prod")
		}
	}
	return nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// splitList splits a comma separated value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseBool converts a string to a boolean value, returning false if parsing fails
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
