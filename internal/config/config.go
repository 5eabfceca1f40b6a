// Package config provides configuration management for the summary archive service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Engine     EngineConfig
	Summarizer SummarizerConfig
	Sync       SyncConfig
	Discord    DiscordConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds all datastore configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration for the usage ledger
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// EngineConfig holds job engine configuration
type EngineConfig struct {
	// MaxRunningJobs caps simultaneously running jobs; pending jobs wait for a slot
	MaxRunningJobs int
	// PeriodTimeout bounds a single generation collaborator call
	PeriodTimeout time.Duration
	// PollInterval is the admission/dispatch loop tick
	PollInterval time.Duration
	// ScanCacheTTL bounds how long scan responses are cached for the dashboard
	ScanCacheTTL time.Duration
	// MonthlyCapUSD caps committed generation spend per calendar month;
	// zero disables the cap
	MonthlyCapUSD float64
}

// SummarizerConfig holds generation collaborator client configuration
type SummarizerConfig struct {
	BaseURL           string
	APIKey            string
	DefaultModel      string
	RequestsPerSecond float64
}

// SyncConfig holds sync dispatcher configuration
type SyncConfig struct {
	// FallbackFolder is the shared destination used when a server has not
	// configured its own folder reference
	FallbackFolder string
	DriveBaseURL   string
	ClientID       string
	ClientSecret   string
	TokenURL       string
	UploadTimeout  time.Duration
}

// DiscordConfig holds Discord API configuration for source validation
type DiscordConfig struct {
	BotToken string
}

// RateLimitConfig holds API rate limiting configuration (requests per minute)
type RateLimitConfig struct {
	ScanRPM     int
	GenerateRPM int
	DefaultRPM  int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "summary_archive"),
				User:           getEnv("POSTGRES_USER", "archive"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "summary_archive"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Engine: EngineConfig{
			MaxRunningJobs: getEnvAsInt("ENGINE_MAX_RUNNING_JOBS", 3),
			PeriodTimeout:  getEnvAsDuration("ENGINE_PERIOD_TIMEOUT", 2*time.Minute),
			PollInterval:   getEnvAsDuration("ENGINE_POLL_INTERVAL", time.Second),
			ScanCacheTTL:   getEnvAsDuration("ENGINE_SCAN_CACHE_TTL", 20*time.Second),
			MonthlyCapUSD:  getEnvAsFloat("ENGINE_MONTHLY_CAP_USD", 0),
		},
		Summarizer: SummarizerConfig{
			BaseURL:           getEnv("SUMMARIZER_BASE_URL", "http://localhost:9090"),
			APIKey:            getEnv("SUMMARIZER_API_KEY", ""),
			DefaultModel:      getEnv("SUMMARIZER_DEFAULT_MODEL", "gpt-4o-mini"),
			RequestsPerSecond: getEnvAsFloat("SUMMARIZER_RPS", 2.0),
		},
		Sync: SyncConfig{
			FallbackFolder: getEnv("SYNC_FALLBACK_FOLDER", ""),
			DriveBaseURL:   getEnv("SYNC_DRIVE_BASE_URL", "https://www.googleapis.com/upload/drive/v3"),
			ClientID:       getEnv("SYNC_OAUTH_CLIENT_ID", ""),
			ClientSecret:   getEnv("SYNC_OAUTH_CLIENT_SECRET", ""),
			TokenURL:       getEnv("SYNC_OAUTH_TOKEN_URL", "https://oauth2.googleapis.com/token"),
			UploadTimeout:  getEnvAsDuration("SYNC_UPLOAD_TIMEOUT", 60*time.Second),
		},
		Discord: DiscordConfig{
			BotToken: getEnv("DISCORD_BOT_TOKEN", ""),
		},
		RateLimit: RateLimitConfig{
			ScanRPM:     getEnvAsInt("RATE_LIMIT_SCAN_RPM", 120),
			GenerateRPM: getEnvAsInt("RATE_LIMIT_GENERATE_RPM", 30),
			DefaultRPM:  getEnvAsInt("RATE_LIMIT_DEFAULT_RPM", 300),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	if c.Engine.MaxRunningJobs <= 0 {
		return fmt.Errorf("ENGINE_MAX_RUNNING_JOBS must be positive, got %d", c.Engine.MaxRunningJobs)
	}
	if c.Engine.PeriodTimeout <= 0 {
		return fmt.Errorf("ENGINE_PERIOD_TIMEOUT must be positive, got %v", c.Engine.PeriodTimeout)
	}
	if c.Summarizer.RequestsPerSecond <= 0 {
		return fmt.Errorf("SUMMARIZER_RPS must be positive, got %v", c.Summarizer.RequestsPerSecond)
	}
	return nil
}

// PostgresURL returns the connection URL used by migrations
func (c *PostgresConfig) PostgresURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
