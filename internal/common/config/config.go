// Package config provides configuration management for the agent manager.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the agent manager.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Security  SecurityConfig  `mapstructure:"security"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Database  DatabaseConfig  `mapstructure:"database"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// WorkspaceConfig holds sandbox filesystem configuration.
type WorkspaceConfig struct {
	BasePath          string `mapstructure:"basePath"`          // root under which agent sandboxes are created
	MaxSandboxSizeMB  int64  `mapstructure:"maxSandboxSizeMB"`  // per-sandbox quota
	OrphanMaxAgeHours int    `mapstructure:"orphanMaxAgeHours"` // sandboxes older than this with no live agent are swept
}

// SecurityConfig holds the security policy configuration.
type SecurityConfig struct {
	AllowedTools        []string `mapstructure:"allowedTools"`
	ForbiddenPaths      []string `mapstructure:"forbiddenPaths"`
	MaxConcurrentAgents int      `mapstructure:"maxConcurrentAgents"`
	MaxCPUPercent       float64  `mapstructure:"maxCpuPercent"`
	MaxMemoryMB         int64    `mapstructure:"maxMemoryMb"`
}

// AgentConfig holds agent runtime defaults and the lifecycle sweep interval.
type AgentConfig struct {
	DefaultModel       string `mapstructure:"defaultModel"`
	DefaultTimeout     int    `mapstructure:"defaultTimeout"` // seconds
	DefaultMaxTokens   int    `mapstructure:"defaultMaxTokens"`
	SweepInterval      int    `mapstructure:"sweepInterval"`      // seconds between zombie sweeps
	EventQueueCapacity int    `mapstructure:"eventQueueCapacity"` // per-agent bounded event queue
}

// ProvidersConfig holds per-provider backend configuration.
type ProvidersConfig struct {
	ClaudeBinary string `mapstructure:"claudeBinary"`
	GeminiBinary string `mapstructure:"geminiBinary"`
	OllamaURL    string `mapstructure:"ollamaUrl"`
	OpenAIURL    string `mapstructure:"openaiUrl"`
	GeminiURL    string `mapstructure:"geminiUrl"`
}

// DatabaseConfig holds run-history storage configuration.
// An empty path selects the in-memory repository.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// SweepIntervalDuration returns the zombie sweep interval as a time.Duration.
func (a *AgentConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(a.SweepInterval) * time.Second
}

// OrphanMaxAge returns the orphan sandbox age threshold as a time.Duration.
func (w *WorkspaceConfig) OrphanMaxAge() time.Duration {
	return time.Duration(w.OrphanMaxAgeHours) * time.Hour
}

// ExpandedBasePath resolves a leading ~ in the workspace base path.
func (w *WorkspaceConfig) ExpandedBasePath() string {
	return expandHome(w.BasePath)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SCRIPTON_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "scripton-agent-manager")
	v.SetDefault("nats.maxReconnects", 10)

	// Workspace defaults
	v.SetDefault("workspace.basePath", "~/.scripton/agent-manager/workspaces")
	v.SetDefault("workspace.maxSandboxSizeMB", 1024)
	v.SetDefault("workspace.orphanMaxAgeHours", 24)

	// Security defaults
	v.SetDefault("security.allowedTools", []string{"Read", "Write", "Edit", "Bash", "Glob", "Grep", "WebFetch"})
	v.SetDefault("security.forbiddenPaths", []string{"/etc", "/usr", "/bin", "/sbin", "/boot", "/sys", "/proc"})
	v.SetDefault("security.maxConcurrentAgents", 5)
	v.SetDefault("security.maxCpuPercent", 80.0)
	v.SetDefault("security.maxMemoryMb", 2048)

	// Agent defaults
	v.SetDefault("agent.defaultModel", "claude-sonnet-4-5")
	v.SetDefault("agent.defaultTimeout", 300)
	v.SetDefault("agent.defaultMaxTokens", 4096)
	v.SetDefault("agent.sweepInterval", 300)
	v.SetDefault("agent.eventQueueCapacity", 1024)

	// Provider defaults
	v.SetDefault("providers.claudeBinary", "claude")
	v.SetDefault("providers.geminiBinary", "gemini")
	v.SetDefault("providers.ollamaUrl", "http://localhost:11434")
	v.SetDefault("providers.openaiUrl", "https://api.openai.com/v1")
	v.SetDefault("providers.geminiUrl", "https://generativelanguage.googleapis.com/v1beta")

	// Database defaults - empty path means in-memory run history
	v.SetDefault("database.path", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SCRIPTON_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/scripton/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SCRIPTON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("workspace.basePath", "SCRIPTON_WORKSPACE_BASE_PATH")
	_ = v.BindEnv("workspace.maxSandboxSizeMB", "SCRIPTON_WORKSPACE_MAX_SANDBOX_SIZE_MB")
	_ = v.BindEnv("security.maxConcurrentAgents", "SCRIPTON_SECURITY_MAX_CONCURRENT_AGENTS")
	_ = v.BindEnv("providers.claudeBinary", "SCRIPTON_PROVIDERS_CLAUDE_BINARY")
	_ = v.BindEnv("providers.geminiBinary", "SCRIPTON_PROVIDERS_GEMINI_BINARY")
	_ = v.BindEnv("providers.ollamaUrl", "SCRIPTON_PROVIDERS_OLLAMA_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/scripton/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Workspace.BasePath == "" {
		errs = append(errs, "workspace.basePath is required")
	}
	if cfg.Workspace.MaxSandboxSizeMB <= 0 {
		errs = append(errs, "workspace.maxSandboxSizeMB must be positive")
	}

	// The agent pool ceiling is held inside [1, 20].
	if cfg.Security.MaxConcurrentAgents < 1 {
		cfg.Security.MaxConcurrentAgents = 1
	}
	if cfg.Security.MaxConcurrentAgents > 20 {
		cfg.Security.MaxConcurrentAgents = 20
	}

	if cfg.Agent.SweepInterval <= 0 {
		errs = append(errs, "agent.sweepInterval must be positive")
	}
	if cfg.Agent.EventQueueCapacity <= 0 {
		errs = append(errs, "agent.eventQueueCapacity must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
