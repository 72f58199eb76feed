package invsync

import (
	"fmt"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Config holds the service configuration, populated from environment
// variables following 12-factor conventions. Every field has a local-dev
// default except the marketplace credentials.
type Config struct {
	Port int

	RedisHost     string
	RedisPort     int
	RedisPassword string

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	MarketplaceASecret string
	MarketplaceBAPI    string
	MarketplaceBAPIKey string

	// Optional audit archival. Empty ArchiveBackend disables the archiver.
	ArchiveBackend string // "s3" or "gcs"
	ArchiveBucket  string
}

// LoadConfig reads configuration from the environment.
//
// Recognized variables (defaults in parens): PORT (3000), REDIS_HOST
// (localhost), REDIS_PORT (6379), REDIS_PASSWORD, DB_HOST (localhost),
// DB_PORT (5432), DB_NAME (invsync), DB_USER (postgres), DB_PASSWORD,
// MARKETPLACE_A_SECRET, MARKETPLACE_B_API, MARKETPLACE_B_API_KEY,
// ARCHIVE_BACKEND, ARCHIVE_BUCKET.
func LoadConfig() *Config {
	return &Config{
		Port:          getEnvAsInt("PORT", 3000),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnvAsInt("REDIS_PORT", 6379),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvAsInt("DB_PORT", 5432),
		DBName:     getEnv("DB_NAME", "invsync"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: os.Getenv("DB_PASSWORD"),

		MarketplaceASecret: os.Getenv("MARKETPLACE_A_SECRET"),
		MarketplaceBAPI:    os.Getenv("MARKETPLACE_B_API"),
		MarketplaceBAPIKey: os.Getenv("MARKETPLACE_B_API_KEY"),

		ArchiveBackend: os.Getenv("ARCHIVE_BACKEND"),
		ArchiveBucket:  os.Getenv("ARCHIVE_BUCKET"),
	}
}

// Validate checks the parts of the configuration the pipeline cannot run
// without. Marketplace B settings are only required when polling is enabled.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field": "Port",
			"value": c.Port,
		})
	}
	if c.MarketplaceASecret == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MarketplaceASecret",
			"reason": "MARKETPLACE_A_SECRET must be set",
		})
	}
	if c.ArchiveBackend != "" && c.ArchiveBackend != "s3" && c.ArchiveBackend != "gcs" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field": "ArchiveBackend",
			"value": c.ArchiveBackend,
		})
	}
	if c.ArchiveBackend != "" && c.ArchiveBucket == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "ArchiveBucket",
			"reason": "ARCHIVE_BUCKET must be set when ARCHIVE_BACKEND is",
		})
	}
	return nil
}

// RedisOptions builds client options for one subsystem. Each subsystem
// (queue, lock, cursor) gets its own client so blocking queue commands cannot
// starve lock or cursor traffic.
func (c *Config) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort),
		Password: c.RedisPassword,
	}
}

// DatabaseURL returns the Postgres connection string for pgxpool, including
// the shared pool limits: 20 connections max, 30 s idle timeout, 2 s acquire
// timeout.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?pool_max_conns=20&pool_max_conn_idle_time=30s&connect_timeout=2",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName,
	)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvAsInt reads an integer environment variable with a default fallback.
func getEnvAsInt(key string, defaultVal int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultVal
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultVal
	}

	return value
}
