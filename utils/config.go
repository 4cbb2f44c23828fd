package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds all configuration for the application
type Config struct {
	App      AppConfig
	YouTube  YouTubeConfig
	Gemini   GeminiConfig
	Search   SearchConfig
	Cache    CacheConfig
	Database DatabaseConfig
	Server   ServerConfig
}

// AppConfig holds application-level configuration
type AppConfig struct {
	Name    string
	Version string
}

// YouTubeConfig holds YouTube Data API configuration.
// APIKey is only a fallback; callers normally send their own key.
type YouTubeConfig struct {
	APIKey               string
	BaseURL              string
	MaxRequestsPerMinute int
	RequestTimeout       time.Duration
}

// GeminiConfig holds generative text API configuration
type GeminiConfig struct {
	APIKey         string
	BaseURL        string
	Models         []string // tried in order, next one only on quota errors
	RequestTimeout time.Duration
}

// SearchConfig holds the tunable limits of the search pipeline
type SearchConfig struct {
	MaxLoops         int
	BatchSize        int
	CommentPrefix    int
	CommentsPerVideo int
}

// CacheConfig holds result cache configuration
type CacheConfig struct {
	Size int
	TTL  time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port                 int
	MaxRequestsPerMinute int
}

// LoadConfig loads configuration from .env file and the environment
func LoadConfig(envPath string, log *logrus.Logger) (*Config, error) {
	if envPath == "" {
		envPath = ".env"
	}

	if err := godotenv.Load(envPath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
		log.WithField("file", envPath).Warn("No .env file found, using environment only")
	}

	config := &Config{
		App: AppConfig{
			Name:    getEnv("APP_NAME", "Keyword Insight"),
			Version: getEnv("APP_VERSION", "1.0.0"),
		},
		YouTube: YouTubeConfig{
			APIKey:               getEnv("YOUTUBE_API_KEY", ""),
			BaseURL:              getEnv("YOUTUBE_BASE_URL", "https://www.googleapis.com/youtube/v3"),
			MaxRequestsPerMinute: getEnvAsInt("YOUTUBE_MAX_REQUESTS_PER_MINUTE", 600),
			RequestTimeout:       getEnvAsDuration("YOUTUBE_REQUEST_TIMEOUT", 15*time.Second),
		},
		Gemini: GeminiConfig{
			APIKey:         getEnv("GEMINI_API_KEY", ""),
			BaseURL:        getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
			Models:         parseList(getEnv("GEMINI_MODELS", "gemini-2.5-pro,gemini-2.5-flash")),
			RequestTimeout: getEnvAsDuration("GEMINI_REQUEST_TIMEOUT", 2*time.Minute),
		},
		Search: SearchConfig{
			MaxLoops:         getEnvAsInt("SEARCH_MAX_LOOPS", 5),
			BatchSize:        getEnvAsInt("SEARCH_BATCH_SIZE", 50),
			CommentPrefix:    getEnvAsInt("SEARCH_COMMENT_PREFIX", 15),
			CommentsPerVideo: getEnvAsInt("SEARCH_COMMENTS_PER_VIDEO", 5),
		},
		Cache: CacheConfig{
			Size: getEnvAsInt("CACHE_SIZE", 256),
			TTL:  getEnvAsDuration("CACHE_TTL", 10*time.Minute),
		},
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", "./keyword-insight.db"),
		},
		Server: ServerConfig{
			Port:                 getEnvAsInt("SERVER_PORT", 8080),
			MaxRequestsPerMinute: getEnvAsInt("SERVER_MAX_REQUESTS_PER_MINUTE", 60),
		},
	}

	// validation
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	log.WithField("file", envPath).Info("Config loaded successfully")
	return config, nil
}

// parseList parses a comma-separated list, dropping blanks
func parseList(value string) []string {
	parts := strings.Split(value, ",")

	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}

	return items
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt gets an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("30s") or bare seconds ("30")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.YouTube.BaseURL == "" {
		return fmt.Errorf("YOUTUBE_BASE_URL must not be empty")
	}
	if config.YouTube.MaxRequestsPerMinute < 1 {
		return fmt.Errorf("YOUTUBE_MAX_REQUESTS_PER_MINUTE must be positive")
	}
	if len(config.Gemini.Models) == 0 {
		return fmt.Errorf("GEMINI_MODELS must list at least one model")
	}

	// the upstream API accepts at most 50 ids per call
	if config.Search.BatchSize < 1 || config.Search.BatchSize > 50 {
		return fmt.Errorf("SEARCH_BATCH_SIZE must be between 1 and 50")
	}
	if config.Search.MaxLoops < 1 {
		return fmt.Errorf("SEARCH_MAX_LOOPS must be positive")
	}
	if config.Search.CommentPrefix < 0 {
		return fmt.Errorf("SEARCH_COMMENT_PREFIX must not be negative")
	}
	if config.Search.CommentsPerVideo < 1 || config.Search.CommentsPerVideo > 100 {
		return fmt.Errorf("SEARCH_COMMENTS_PER_VIDEO must be between 1 and 100")
	}
	if config.Cache.Size < 1 {
		return fmt.Errorf("CACHE_SIZE must be positive")
	}
	if config.Server.MaxRequestsPerMinute < 1 {
		return fmt.Errorf("SERVER_MAX_REQUESTS_PER_MINUTE must be positive")
	}

	// if we are storing the db in a nested directory, create the directory
	dbDir := filepath.Dir(config.Database.Path)
	if dbDir != "." && dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	return nil
}
