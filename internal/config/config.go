// Package config provides environment configuration for the API server.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	AllowedOrigins     []string

	// Storage settings
	LocalDBPath       string
	RemoteDatabaseURL string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings
	JWTSecret string

	// Completion settings
	LLMProvider        string
	AnthropicAPIKey    string
	OpenAIAPIKey       string
	OpenRouterAPIKey   string
	CompletionProxyURL string
	DefaultModel       string
	SiteURL            string
	AppTitle           string
	BraveSearchAPIKey  string

	// Sync settings
	SyncSchedule        string
	SyncPushTimeout     time.Duration
	SyncCheckInterval   time.Duration
	PageSize            int
	StreamFlushInterval time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables, after loading an
// optional .env file from the working directory.
func Load() *Config {
	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
		AllowedOrigins:     getListEnv("ALLOWED_ORIGINS"),

		// Storage
		LocalDBPath:       getEnv("LOCAL_DB_PATH", "chat_local.sqlite"),
		RemoteDatabaseURL: getEnv("REMOTE_DATABASE_URL", ""),

		// NATS
		NATSURL:      getEnv("NATS_URL", ""),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Completion
		LLMProvider:        getEnv("LLM_PROVIDER", "openrouter"),
		AnthropicAPIKey:    getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		OpenRouterAPIKey:   getEnv("OPENROUTER_API_KEY", ""),
		CompletionProxyURL: getEnv("COMPLETION_PROXY_URL", ""),
		DefaultModel:       getEnv("DEFAULT_MODEL", "meta-llama/llama-3.1-8b-instruct:free"),
		SiteURL:            getEnv("SITE_URL", ""),
		AppTitle:           getEnv("APP_TITLE", "Local-first Chat"),
		BraveSearchAPIKey:  getEnv("BRAVE_SEARCH_API_KEY", ""),

		// Sync
		SyncSchedule:        getEnv("SYNC_SCHEDULE", "@every 5m"),
		SyncPushTimeout:     getDurationEnv("SYNC_PUSH_TIMEOUT", 10*time.Second),
		SyncCheckInterval:   getDurationEnv("SYNC_CHECK_INTERVAL", 30*time.Second),
		PageSize:            getIntEnv("PAGE_SIZE", 50),
		StreamFlushInterval: getDurationEnv("STREAM_FLUSH_INTERVAL", 50*time.Millisecond),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	if c.LocalDBPath == "" {
		return errors.New("LOCAL_DB_PATH is required")
	}
	if c.PageSize <= 0 {
		return errors.New("PAGE_SIZE must be positive")
	}
	if c.LLMProvider == "proxy" && c.CompletionProxyURL == "" {
		return errors.New("COMPLETION_PROXY_URL is required when LLM_PROVIDER is proxy")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getListEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
