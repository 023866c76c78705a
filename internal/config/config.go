package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	// ErrMissingDatabaseURL is returned by Load when DATABASE_URL is not set.
	ErrMissingDatabaseURL = errors.New("DATABASE_URL is required")
	ErrInvalidCodeLength  = errors.New("SHORT_CODE_LENGTH must be at least 1")
	ErrInvalidCodeRetries = errors.New("SHORT_CODE_MAX_RETRIES must be at least 1")
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	App           AppConfig
	Cache         CacheConfig
	Broker        BrokerConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port               string
	CORSAllowedOrigins []string
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	URL            string
	MigrationsPath string
}

// Redis Caching Layer configuration. Empty URL disables the cache.
type CacheConfig struct {
	URL string
	TTL time.Duration
}

// BrokerConfig holds RabbitMQ configuration. Empty URL disables click events.
type BrokerConfig struct {
	URL      string
	Exchange string
}

// AppConfig holds application-specific configuration
type AppConfig struct {
	BaseURL                string // Base URL for generating short links
	ShortCodeLen           int
	ShortCodeRetries       int
	DefaultValidityMinutes int
	MaxValidityMinutes     int
}

// ObservabilityConfig holds logging and telemetry configuration
type ObservabilityConfig struct {
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	LogFile      string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	_ = godotenv.Load()

	port := getEnv("PORT", "3001")
	cfg := &Config{
		Server: ServerConfig{
			Port:               port,
			CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", ""),
			MigrationsPath: getEnv("MIGRATIONS_PATH", "migrations/schema"),
		},
		Cache: CacheConfig{
			URL: getEnv("REDIS_URL", ""),
			TTL: getEnvDuration("CACHE_TTL", 10*time.Minute),
		},
		Broker: BrokerConfig{
			URL:      getEnv("AMQP_URL", ""),
			Exchange: getEnv("AMQP_EXCHANGE", "shorturl.clicks"),
		},
		App: AppConfig{
			BaseURL:                strings.TrimSuffix(getEnv("BASE_URL", "http://localhost:"+port), "/"),
			ShortCodeLen:           getEnvInt("SHORT_CODE_LENGTH", 6),
			ShortCodeRetries:       getEnvInt("SHORT_CODE_MAX_RETRIES", 10),
			DefaultValidityMinutes: 30,
			MaxValidityMinutes:     525600,
		},
		Observability: ObservabilityConfig{
			ServiceName:  getEnv("SERVICE_NAME", "shorturl"),
			Environment:  getEnv("ENVIRONMENT", "development"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			LogFile:      getEnv("LOG_FILE", ""),
		},
	}

	switch {
	case cfg.Database.URL == "":
		return nil, ErrMissingDatabaseURL
	case cfg.App.ShortCodeLen < 1:
		return nil, ErrInvalidCodeLength
	case cfg.App.ShortCodeRetries < 1:
		return nil, ErrInvalidCodeRetries
	}
	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
