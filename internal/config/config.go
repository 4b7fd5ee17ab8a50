package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the trackd application.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Auth        AuthConfig
	RateLimit   RateLimitConfig
	Log         LogConfig
	Metrics     MetricsConfig
	Geo         GeoConfig
	Attribution AttributionConfig
	Aggregator  AggregatorConfig
	Migrations  MigrationsConfig
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	Enabled bool
	// APIToken guards the analytics endpoints and the manual aggregator
	// trigger. The collector and webhook endpoints are never behind it.
	APIToken string
}

type RateLimitConfig struct {
	Enabled        bool
	CollectorRPS   float64
	CollectorBurst int
	APIRPS         float64
	APIBurst       int
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// GeoConfig configures optional GeoIP enrichment of ingested events.
type GeoConfig struct {
	Enabled      bool
	DatabasePath string
}

// AttributionConfig tunes the matching cascade.
type AttributionConfig struct {
	// Window bounds the time-window fallback: a pending referral older than
	// this relative to the order is never matched.
	Window time.Duration
	// StrategyTimeout caps each cascade strategy; a timeout is a miss.
	StrategyTimeout time.Duration
	// ScanLimit bounds the pending-referral scan of the fallback strategy.
	ScanLimit int
	// KnownSources is the fixed allow-list of referral-source aliases used
	// by the fuzzy UTM strategy and the source-name heuristic.
	KnownSources []string
	// DefaultUTMSource/Medium/Campaign are synthesized when the source-name
	// heuristic fires.
	DefaultUTMSource   string
	DefaultUTMMedium   string
	DefaultUTMCampaign string
}

// AggregatorConfig tunes the daily rollup job.
type AggregatorConfig struct {
	Enabled  bool
	Schedule string // cron expression, UTC
	Workers  int    // bounded per-shop worker pool
}

type MigrationsConfig struct {
	Enabled bool
	Path    string
}

// Load reads configuration from the environment with sensible defaults.
// A .env file in the working directory is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("TRACKD_HTTP_ADDR", ":8080"),
			Env:             getEnv("TRACKD_ENV", "development"),
			ShutdownTimeout: getDurationEnv("TRACKD_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("TRACKD_DB_HOST", "localhost"),
			Port:     getIntEnv("TRACKD_DB_PORT", 5432),
			User:     getEnv("TRACKD_DB_USER", "trackd"),
			Password: getEnv("TRACKD_DB_PASSWORD", "trackd_secret"),
			DBName:   getEnv("TRACKD_DB_NAME", "trackd"),
			SSLMode:  getEnv("TRACKD_DB_SSLMODE", "disable"),
			MaxConns: getIntEnv("TRACKD_DB_MAX_CONNS", 25),
			MinConns: getIntEnv("TRACKD_DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Addr:     getEnv("TRACKD_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("TRACKD_REDIS_PASSWORD", ""),
			DB:       getIntEnv("TRACKD_REDIS_DB", 0),
		},
		Auth: AuthConfig{
			Enabled:  getBoolEnv("TRACKD_AUTH_ENABLED", true),
			APIToken: getEnv("TRACKD_API_TOKEN", ""),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getBoolEnv("TRACKD_RATE_LIMIT_ENABLED", true),
			CollectorRPS:   getFloatEnv("TRACKD_RATE_LIMIT_COLLECTOR_RPS", 1000),
			CollectorBurst: getIntEnv("TRACKD_RATE_LIMIT_COLLECTOR_BURST", 200),
			APIRPS:         getFloatEnv("TRACKD_RATE_LIMIT_API_RPS", 100),
			APIBurst:       getIntEnv("TRACKD_RATE_LIMIT_API_BURST", 20),
		},
		Log: LogConfig{
			Level:  getEnv("TRACKD_LOG_LEVEL", "info"),
			Format: getEnv("TRACKD_LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getBoolEnv("TRACKD_METRICS_ENABLED", true),
			Path:    getEnv("TRACKD_METRICS_PATH", "/metrics"),
		},
		Geo: GeoConfig{
			Enabled:      getBoolEnv("TRACKD_GEO_ENABLED", false),
			DatabasePath: getEnv("TRACKD_GEO_DB_PATH", "/app/data/GeoLite2-Country.mmdb"),
		},
		Attribution: AttributionConfig{
			Window:          getDurationEnv("TRACKD_ATTRIBUTION_WINDOW", 48*time.Hour),
			StrategyTimeout: getDurationEnv("TRACKD_ATTRIBUTION_STRATEGY_TIMEOUT", 3*time.Second),
			ScanLimit:       getIntEnv("TRACKD_ATTRIBUTION_SCAN_LIMIT", 10),
			KnownSources: getSliceEnv("TRACKD_ATTRIBUTION_KNOWN_SOURCES",
				[]string{"ipick", "pavlo", "price comparison"}),
			DefaultUTMSource:   getEnv("TRACKD_ATTRIBUTION_DEFAULT_UTM_SOURCE", "ipick"),
			DefaultUTMMedium:   getEnv("TRACKD_ATTRIBUTION_DEFAULT_UTM_MEDIUM", "suggestion"),
			DefaultUTMCampaign: getEnv("TRACKD_ATTRIBUTION_DEFAULT_UTM_CAMPAIGN", "business_tracking"),
		},
		Aggregator: AggregatorConfig{
			Enabled:  getBoolEnv("TRACKD_AGGREGATOR_ENABLED", true),
			Schedule: getEnv("TRACKD_AGGREGATOR_SCHEDULE", "0 2 * * *"),
			Workers:  getIntEnv("TRACKD_AGGREGATOR_WORKERS", 4),
		},
		Migrations: MigrationsConfig{
			Enabled: getBoolEnv("TRACKD_MIGRATIONS_ENABLED", false),
			Path:    getEnv("TRACKD_MIGRATIONS_PATH", "migrations"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.APIToken == "" {
		return fmt.Errorf("TRACKD_API_TOKEN is required when auth is enabled")
	}
	if c.Attribution.Window <= 0 {
		return fmt.Errorf("TRACKD_ATTRIBUTION_WINDOW must be positive")
	}
	if c.Attribution.ScanLimit <= 0 {
		return fmt.Errorf("TRACKD_ATTRIBUTION_SCAN_LIMIT must be positive")
	}
	if c.Aggregator.Workers < 1 {
		return fmt.Errorf("TRACKD_AGGREGATOR_WORKERS must be at least 1")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
