package config

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultOpenAIBaseURL  = "https://api.openai.com/v1"
	defaultMaxUploadBytes = 10 << 20
)

type Config struct {
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	DatabaseURL string
	HTTPPort    string
	LogLevel    string
	JWTSecret   string

	UploadDir      string
	MaxUploadBytes int64

	// AssistantStrategy is one of "per_user", "shared" or "expert".
	AssistantStrategy       string
	SharedAssistantID       string
	DefaultKnowledgeStoreID string
	ExpertsFile             string

	RunTimeout     time.Duration
	RequestTimeout time.Duration
	RedisURL       string
}

// LoadConfig reads the environment, after loading a .env file when one exists.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		OpenAIAPIKey:            getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:           strings.TrimRight(getEnv("OPENAI_BASE_URL", defaultOpenAIBaseURL), "/"),
		OpenAIModel:             getEnv("OPENAI_MODEL", "gpt-4o"),
		DatabaseURL:             getEnv("DATABASE_URL", "labor_assistant.db"),
		HTTPPort:                getEnv("HTTP_PORT", "8080"),
		LogLevel:                strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),
		JWTSecret:               getEnv("JWT_SECRET", ""),
		UploadDir:               getEnv("UPLOAD_DIR", os.TempDir()),
		MaxUploadBytes:          int64(getEnvAsInt("MAX_UPLOAD_BYTES", defaultMaxUploadBytes)),
		AssistantStrategy:       getEnv("ASSISTANT_STRATEGY", "expert"),
		SharedAssistantID:       getEnv("SHARED_ASSISTANT_ID", ""),
		DefaultKnowledgeStoreID: getEnv("DEFAULT_KNOWLEDGE_STORE_ID", ""),
		ExpertsFile:             getEnv("EXPERTS_FILE", ""),
		RunTimeout:              getEnvAsDuration("RUN_TIMEOUT", 2*time.Minute),
		RequestTimeout:          getEnvAsDuration("OPENAI_REQUEST_TIMEOUT", time.Minute),
		RedisURL:                getEnv("REDIS_URL", ""),
	}

	if cfg.OpenAIAPIKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET environment variable is required")
	}
	switch cfg.AssistantStrategy {
	case "per_user", "expert":
	case "shared":
		if cfg.SharedAssistantID == "" {
			return nil, errors.New("SHARED_ASSISTANT_ID is required when ASSISTANT_STRATEGY=shared")
		}
	default:
		return nil, errors.New("ASSISTANT_STRATEGY must be one of per_user, shared, expert")
	}

	return cfg, nil
}

// SlogLevel maps LOG_LEVEL onto a slog level. Unknown values fall back to INFO.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil && value > 0 {
		return value
	}
	return defaultValue
}
