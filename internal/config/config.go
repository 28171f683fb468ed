// internal/config/config.go
// Centralized configuration management
// Loads from environment variables with sensible defaults

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/imadgeboyega/kiekky-sync/internal/common/utils"
)

const defaultJWTSecret = "your-super-secret-key-change-this-in-production"

// Config holds all application configuration
type Config struct {
	Environment string `validate:"required,oneof=development production test"`
	LogLevel    string `validate:"required,oneof=debug info warn error"`

	// REST + realtime endpoints of the backend
	APIBaseURL string `validate:"required,url"`
	SocketURL  string `validate:"required,url"`
	SocketPath string `validate:"required,startswith=/"`

	// Session identity (CLI only; library callers pass these to session.Init)
	UserID    string
	AuthToken string

	// Transport
	HTTPTimeout      time.Duration `validate:"gte=0"`
	ReconnectDelay   time.Duration `validate:"gt=0"`
	ReconnectMax     time.Duration `validate:"gtefield=ReconnectDelay"`
	MessagePageSize  int           `validate:"min=1,max=200"`
	MessageWindowMax int           `validate:"min=1"`
	SeenThreshold    float64       `validate:"gt=0,lte=1"`

	// Reference backend
	Port              string        `validate:"required,numeric"`
	JWTSecret         string        `validate:"required"`
	AccessTokenExpiry time.Duration `validate:"gt=0"`
	RedisURL          string
	MessageRateLimit  float64 `validate:"gt=0"`
	MessageRateBurst  int     `validate:"min=1"`
}

// Load reads configuration from environment variables
func Load() *Config {
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", "info")),

		APIBaseURL: strings.TrimRight(getEnv("API_BASE_URL", "http://localhost:8080"), "/"),
		SocketURL:  strings.TrimRight(getEnv("SOCKET_URL", ""), "/"),
		SocketPath: getEnv("SOCKET_PATH", "/socket.io"),

		UserID:    getEnv("USER_ID", ""),
		AuthToken: getEnv("AUTH_TOKEN", ""),

		HTTPTimeout:      getEnvDuration("HTTP_TIMEOUT", "0s"),
		ReconnectDelay:   getEnvDuration("RECONNECT_DELAY", "1s"),
		ReconnectMax:     getEnvDuration("RECONNECT_DELAY_MAX", "5s"),
		MessagePageSize:  getEnvInt("MESSAGE_PAGE_SIZE", 30),
		MessageWindowMax: getEnvInt("MESSAGE_WINDOW_MAX", 500),
		SeenThreshold:    getEnvFloat("SEEN_THRESHOLD", 1.0),

		Port:              getEnv("PORT", "8080"),
		JWTSecret:         getEnv("JWT_SECRET", defaultJWTSecret),
		AccessTokenExpiry: getEnvDuration("ACCESS_TOKEN_EXPIRY", "24h"),
		RedisURL:          getEnv("REDIS_URL", ""),
		MessageRateLimit:  getEnvFloat("MESSAGE_RATE_LIMIT", 5),
		MessageRateBurst:  getEnvInt("MESSAGE_RATE_BURST", 10),
	}

	// The socket server lives next to the REST API unless told otherwise
	if cfg.SocketURL == "" {
		cfg.SocketURL = cfg.APIBaseURL
	}

	return cfg
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := utils.ValidateStruct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.JWTSecret == defaultJWTSecret && c.IsProduction() {
		return fmt.Errorf("JWT secret must be changed for production")
	}

	return nil
}

// IsProduction returns true if running in production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment returns true if running in development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Helper functions

// getEnv gets a string value from environment with a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment with a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment with a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration value from environment with a default
func getEnvDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		// If parsing fails, try to parse the default
		duration, _ = time.ParseDuration(defaultValue)
	}
	return duration
}
