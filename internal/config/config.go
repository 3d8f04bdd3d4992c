// Package config provides configuration management for the session agent.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultAPIBaseURL is used when API_BASE_URL is not set
const DefaultAPIBaseURL = "http://localhost:8000/api"

// Session store backends
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Identity IdentityConfig
	Wallet   WalletConfig
	Session  SessionConfig
	Redis    RedisConfig
	Logging  LoggingConfig
}

// ServerConfig holds the local API server configuration
type ServerConfig struct {
	Port string
	Host string
}

// IdentityConfig holds remote identity service configuration
type IdentityConfig struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// WalletConfig holds wallet pairing configuration
type WalletConfig struct {
	ProjectID     string
	Network       string
	AccountID     string
	PrivateKey    string
	InitTimeout   time.Duration
	RepromptDelay time.Duration
}

// SessionConfig holds persistent session store configuration
type SessionConfig struct {
	Backend      string
	FilePath     string
	Namespace    string
	MirrorLegacy bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8787"),
			Host: getEnv("SERVER_HOST", "127.0.0.1"),
		},
		Identity: IdentityConfig{
			BaseURL:           strings.TrimRight(getEnv("API_BASE_URL", DefaultAPIBaseURL), "/"),
			Timeout:           getEnvAsDuration("HTTP_TIMEOUT", 30*time.Second),
			RequestsPerSecond: getEnvAsFloat("API_REQUESTS_PER_SECOND", 5),
			Burst:             getEnvAsInt("API_BURST", 10),
		},
		Wallet: WalletConfig{
			ProjectID:     getEnv("WALLET_PROJECT_ID", ""),
			Network:       getEnv("WALLET_NETWORK", "testnet"),
			AccountID:     getEnv("WALLET_ACCOUNT_ID", ""),
			PrivateKey:    getEnv("WALLET_PRIVATE_KEY", ""),
			InitTimeout:   getEnvAsDuration("WALLET_INIT_TIMEOUT", 30*time.Second),
			RepromptDelay: getEnvAsDuration("WALLET_REPROMPT_DELAY", 3*time.Second),
		},
		Session: SessionConfig{
			Backend:      strings.ToLower(getEnv("SESSION_BACKEND", BackendFile)),
			FilePath:     getEnv("SESSION_FILE", "session.json"),
			Namespace:    getEnv("SESSION_NAMESPACE", "default"),
			MirrorLegacy: getEnvAsBool("SESSION_MIRROR_LEGACY", false),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
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

// Validate rejects configurations the agent cannot run with
func (c *Config) Validate() error {
	if c.Identity.BaseURL == "" {
		return fmt.Errorf("API_BASE_URL must not be empty")
	}
	if !strings.HasPrefix(c.Identity.BaseURL, "http://") && !strings.HasPrefix(c.Identity.BaseURL, "https://") {
		return fmt.Errorf("API_BASE_URL must be an http(s) URL, got %q", c.Identity.BaseURL)
	}
	switch c.Session.Backend {
	case BackendFile:
		if c.Session.FilePath == "" {
			return fmt.Errorf("SESSION_FILE is required for the file backend")
		}
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("unknown SESSION_BACKEND %q", c.Session.Backend)
	}
	if c.Wallet.InitTimeout <= 0 {
		return fmt.Errorf("WALLET_INIT_TIMEOUT must be positive")
	}
	if c.Wallet.PrivateKey != "" && c.Wallet.AccountID == "" {
		return fmt.Errorf("WALLET_ACCOUNT_ID is required when WALLET_PRIVATE_KEY is set")
	}
	return nil
}

// WalletEnabled reports whether the pairing adapter can be constructed
func (c *Config) WalletEnabled() bool {
	return c.Wallet.ProjectID != ""
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
	value, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}
