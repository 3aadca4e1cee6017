// Package config reads service settings from the environment, after loading
// the first .env file found among a few candidate paths.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPaths are tried in order; the first readable file wins.
var EnvPaths = []string{".env", "../.env", "../../.env"}

type Config struct {
	Port        string
	Environment string // production enables gin release mode
	CORSOrigins []string

	DatabaseDriver string // postgres, sqlite or turso
	DatabaseURL    string
	TursoAuthToken string

	BlobBackend        string // local or gcs; empty disables blob storage
	BlobDir            string
	GCSBucket          string
	GCSCredentialsFile string

	ValkeyAddr     string
	ValkeyPassword string

	ExtractURL         string
	ExtractAPIKey      string
	ExtractTimeout     time.Duration
	ExtractRatePerSec  float64
	BlobTimeout        time.Duration
	MetadataTimeout    time.Duration
	LockTTL            time.Duration
	LockWait           time.Duration
	MaxUploadBytes     int64
	DedupExpectedItems int

	AuthSecret        string
	SubscriberRoleIDs []string

	BuildCatalogPath      string
	MatchAutoThreshold    float64
	MatchSuggestThreshold float64

	SeriesCacheTTL  time.Duration
	SeriesCacheSize int

	DiscordWebhookURL string

	LogDir   string
	LogLevel string
}

// LoadEnvFile loads the first .env file found and returns its path, or ""
// when none exists. Variables already set are not overridden.
func LoadEnvFile(paths ...string) string {
	if len(paths) == 0 {
		paths = EnvPaths
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err == nil {
			return path
		}
	}
	return ""
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := fromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDatabase reads the environment but only requires the database
// settings. Operator tools use it.
func LoadDatabase() (*Config, error) {
	cfg := fromEnv()
	if err := cfg.validateDatabase(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromEnv() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: strings.ToLower(getEnv("ENVIRONMENT", "development")),
		CORSOrigins: getEnvList("CORS_ALLOW_ORIGINS"),

		DatabaseDriver: strings.ToLower(getEnv("DATABASE_DRIVER", "postgres")),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		TursoAuthToken: getEnv("TURSO_AUTH_TOKEN", ""),

		BlobBackend:        strings.ToLower(getEnv("BLOB_BACKEND", "local")),
		BlobDir:            getEnv("BLOB_DIR", "data/replays"),
		GCSBucket:          getEnv("GCS_BUCKET", ""),
		GCSCredentialsFile: getEnv("GCS_CREDENTIALS_FILE", ""),

		ValkeyAddr:     getEnv("VALKEY_ADDR", ""),
		ValkeyPassword: getEnv("VALKEY_PASSWORD", ""),

		ExtractURL:         getEnv("SC2READER_API_URL", ""),
		ExtractAPIKey:      getEnv("SC2READER_API_KEY", ""),
		ExtractTimeout:     getEnvDuration("EXTRACT_TIMEOUT", 60*time.Second),
		ExtractRatePerSec:  getEnvFloat("EXTRACT_RATE_PER_SEC", 5),
		BlobTimeout:        getEnvDuration("BLOB_TIMEOUT", 30*time.Second),
		MetadataTimeout:    getEnvDuration("METADATA_TIMEOUT", 10*time.Second),
		LockTTL:            getEnvDuration("LOCK_TTL", 30*time.Second),
		LockWait:           getEnvDuration("LOCK_WAIT", 10*time.Second),
		MaxUploadBytes:     int64(getEnvInt("MAX_UPLOAD_BYTES", 10<<20)),
		DedupExpectedItems: getEnvInt("DEDUP_EXPECTED_ITEMS", 10000),

		AuthSecret:        getEnv("AUTH_SECRET", ""),
		SubscriberRoleIDs: getEnvList("SUBSCRIBER_ROLE_IDS"),

		BuildCatalogPath:      getEnv("BUILD_CATALOG_PATH", "builds/catalog.yaml"),
		MatchAutoThreshold:    getEnvFloat("MATCH_AUTO_THRESHOLD", 0.75),
		MatchSuggestThreshold: getEnvFloat("MATCH_SUGGEST_THRESHOLD", 0.5),

		SeriesCacheTTL:  getEnvDuration("SERIES_CACHE_TTL", 5*time.Minute),
		SeriesCacheSize: getEnvInt("SERIES_CACHE_SIZE", 1000),

		DiscordWebhookURL: getEnv("DISCORD_WEBHOOK_URL", ""),

		LogDir:   getEnv("LOG_DIR", ""),
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// Validate checks the settings the server cannot start without.
func (c *Config) Validate() error {
	errs := []error{c.validateDatabase()}
	switch c.BlobBackend {
	case "", "none", "local":
	case "gcs":
		if c.GCSBucket == "" {
			errs = append(errs, errors.New("GCS_BUCKET is required when BLOB_BACKEND=gcs"))
		}
	default:
		errs = append(errs, fmt.Errorf("BLOB_BACKEND must be local, gcs or none, got %q", c.BlobBackend))
	}
	if c.ExtractURL == "" {
		errs = append(errs, errors.New("SC2READER_API_URL is required"))
	}
	if c.AuthSecret == "" {
		errs = append(errs, errors.New("AUTH_SECRET is required"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_BYTES must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) validateDatabase() error {
	var errs []error
	switch c.DatabaseDriver {
	case "postgres", "sqlite", "turso":
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER must be postgres, sqlite or turso, got %q", c.DatabaseDriver))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go durations ("45s") or plain seconds ("45").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
