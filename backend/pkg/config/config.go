package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// App
	Port string
	Env  string

	// Admin API; empty token disables mutating admin routes
	AdminToken string

	// Neo4j (optional; SQLite is used when NEO4J_URI is empty)
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string

	// SQLite fallback for the current-tool store
	SQLitePath string

	// AI
	LiteLLMURL       string
	ModelID          string
	OpenRouterAPIKey string

	// Discord
	DiscordBotToken string
	DiscordGuildID  string // Register slash commands for one guild only (faster propagation)

	// Orchestration
	SensitivityFile  string        // YAML rules file; empty means built-in defaults
	WatchSensitivity bool          // Reload the rules file when it changes on disk
	DefaultTool      string        // Tool every session reverts to
	SharedHistory    bool          // Key sessions by guild instead of by user
	PersistTimeout   time.Duration // Upper bound for a single store read/write
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		Env:              getEnv("ENV", "development"),
		AdminToken:       getEnv("ADMIN_TOKEN", ""),
		Neo4jURI:         getEnv("NEO4J_URI", ""),
		Neo4jUser:        getEnv("NEO4J_USER", "neo4j"),
		Neo4jPassword:    getEnv("NEO4J_PASSWORD", ""),
		SQLitePath:       getEnv("SQLITE_PATH", "toolswitch.db"),
		LiteLLMURL:       getEnv("LITELLM_URL", "http://localhost:4000"),
		ModelID:          getEnv("MODEL_ID", "openrouter/anthropic/claude-3.5-sonnet"),
		OpenRouterAPIKey: getEnv("OPENROUTER_API_KEY", ""),
		DiscordBotToken:  getEnv("DISCORD_BOT_TOKEN", ""),
		DiscordGuildID:   getEnv("DISCORD_GUILD_ID", ""),
		SensitivityFile:  getEnv("SENSITIVITY_FILE", "config/sensitivity.yaml"),
		WatchSensitivity: getEnvBool("WATCH_SENSITIVITY", true),
		DefaultTool:      getEnv("DEFAULT_TOOL", "Chat"),
		SharedHistory:    getEnvBool("SHARED_HISTORY", false),
		PersistTimeout:   getEnvDuration("PERSIST_TIMEOUT", 5*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set
func (c *Config) Validate() error {
	if c.Neo4jURI == "" && c.SQLitePath == "" {
		return fmt.Errorf("either NEO4J_URI or SQLITE_PATH is required")
	}
	if c.Neo4jURI != "" && c.Neo4jPassword == "" {
		return fmt.Errorf("NEO4J_PASSWORD is required when NEO4J_URI is set")
	}
	if c.DefaultTool == "" {
		return fmt.Errorf("DEFAULT_TOOL is required")
	}
	if c.PersistTimeout <= 0 {
		return fmt.Errorf("PERSIST_TIMEOUT must be positive")
	}
	// Discord token and LLM settings are optional for development
	return nil
}

// UseNeo4j reports whether the Neo4j store should back the current-tool state
func (c *Config) UseNeo4j() bool {
	return c.Neo4jURI != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
