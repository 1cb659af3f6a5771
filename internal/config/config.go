package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
type Config struct {
	Server  ServerConfig  `toml:"server"`  // HTTP server settings
	Logging LoggingConfig `toml:"logging"` // Application logging settings
	Storage StorageConfig `toml:"storage"` // Data persistence settings
	AI      AIConfig      `toml:"ai"`      // AI provider settings
	Session SessionConfig `toml:"session"` // Session lifecycle settings
	Tools   ToolsConfig   `toml:"tools"`   // Tool execution settings
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port               int      `toml:"port"`                  // Primary HTTP port for the server
	Host               string   `toml:"host"`                  // Host address to bind to (e.g., 127.0.0.1 for localhost only, 0.0.0.0 for all interfaces)
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // List of origins allowed for CORS requests (use ["*"] for all origins)
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request (0 = no timeout)
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout, recommended for streaming)
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Maximum duration to wait for the next request when keep-alives are enabled
	AdditionalPorts    []int    `toml:"additional_ports"`      // Additional HTTP ports to listen on (useful for multiple interfaces)
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// StorageConfig contains data persistence settings
type StorageConfig struct {
	Type       string `toml:"type"`        // Storage backend type (currently only "sqlite" is supported)
	SQLitePath string `toml:"sqlite_path"` // Path to the SQLite database file
}

// AIConfig contains AI provider settings
type AIConfig struct {
	Provider     string `toml:"provider"`      // "openai" or "gemini"
	Model        string `toml:"model"`         // Model name passed to the provider
	APIKey       string `toml:"api_key"`       // API key; the OPENAI_API_KEY / GEMINI_API_KEY env var takes precedence
	APIKeyEnv    string `toml:"api_key_env"`   // Env var re-read on every request (openai only); lets keys rotate without a restart
	BaseURL      string `toml:"base_url"`      // Override for OpenAI-compatible endpoints (empty = provider default)
	SystemPrompt string `toml:"system_prompt"` // System prompt prepended to every turn
}

// SessionConfig contains session lifecycle settings
type SessionConfig struct {
	MaxAgeMinutes        int `toml:"max_age_minutes"`        // Idle age past which completed sessions are evicted
	SweepIntervalSecs    int `toml:"sweep_interval_seconds"` // How often the reaper scans for stale sessions
	SweepKickDelayMillis int `toml:"sweep_kick_delay_ms"`    // Grace period before a post-turn sweep runs
}

// ToolsConfig contains tool execution settings
type ToolsConfig struct {
	WorkDir string `toml:"work_dir"` // Directory tool file access is confined to
}

// MaxAge returns the session eviction age as a duration
func (c SessionConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeMinutes) * time.Minute
}

// SweepInterval returns the reaper cadence as a duration
func (c SessionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSecs) * time.Second
}

// SweepKickDelay returns the post-turn sweep grace period as a duration
func (c SessionConfig) SweepKickDelay() time.Duration {
	return time.Duration(c.SweepKickDelayMillis) * time.Millisecond
}

// Load reads and parses the configuration file at the given path
func Load(path string) (*Config, error) {
	var config Config

	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Read the config file
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	return &config, nil
}

// LoadWithFallback tries the preferred path first, then the default locations
func LoadWithFallback(preferredPath string) (*Config, error) {
	// List of paths to check in order of preference
	searchPaths := []string{
		preferredPath,         // User-specified path (if provided)
		"configs/config.toml", // Standard location in configs/ folder
		"config.toml",         // Root directory
	}

	// Remove duplicates while preserving order
	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			// File exists, try to load it
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// Validate validates the configuration and fills in defaults
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	// Validate AdditionalPorts
	portsSeen := make(map[int]bool)
	portsSeen[c.Server.Port] = true
	for _, p := range c.Server.AdditionalPorts {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("invalid additional server port: %d", p)
		}
		if portsSeen[p] {
			return fmt.Errorf("duplicate port configured: %d (primary or additional)", p)
		}
		portsSeen[p] = true
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if len(c.Server.CORSAllowedOrigins) == 0 {
		c.Server.CORSAllowedOrigins = []string{"*"}
	}

	// Validate logging config
	switch c.Logging.Level {
	case "":
		c.Logging.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "":
		c.Logging.Format = "console"
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	// Validate storage config
	if c.Storage.Type == "" {
		c.Storage.Type = "sqlite"
	}
	if c.Storage.Type != "sqlite" {
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "data/conversations.db"
	}

	// Validate AI config
	if err := c.validateAI(); err != nil {
		return err
	}

	// Validate session config
	if c.Session.MaxAgeMinutes <= 0 {
		c.Session.MaxAgeMinutes = 30
	}
	if c.Session.SweepIntervalSecs <= 0 {
		c.Session.SweepIntervalSecs = 60
	}
	if c.Session.SweepKickDelayMillis <= 0 {
		c.Session.SweepKickDelayMillis = 200
	}

	// Validate tools config
	if c.Tools.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to determine working directory: %w", err)
		}
		c.Tools.WorkDir = wd
	}

	return nil
}

// validateAI validates the provider settings, resolving the API key from
// the environment when the file leaves it blank
func (c *Config) validateAI() error {
	switch c.AI.Provider {
	case "":
		c.AI.Provider = "openai"
	case "openai", "gemini":
	default:
		return fmt.Errorf("unsupported AI provider: %s", c.AI.Provider)
	}

	if c.AI.Model == "" {
		switch c.AI.Provider {
		case "openai":
			c.AI.Model = "gpt-4o-mini"
		case "gemini":
			c.AI.Model = "gemini-2.0-flash"
		}
	}

	if c.AI.APIKeyEnv != "" && c.AI.Provider != "openai" {
		return fmt.Errorf("api_key_env is only supported for the openai provider")
	}

	if c.AI.APIKey == "" {
		switch c.AI.Provider {
		case "openai":
			c.AI.APIKey = os.Getenv("OPENAI_API_KEY")
		case "gemini":
			c.AI.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	if c.AI.APIKey == "" && c.AI.APIKeyEnv == "" {
		return fmt.Errorf("no API key configured for provider %s", c.AI.Provider)
	}

	return nil
}
