package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Bot    BotConfig    `yaml:"bot"`
	LLM    LLMConfig    `yaml:"llm"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

// BotConfig holds the Bot Framework application credentials
type BotConfig struct {
	AppID       string `yaml:"app_id"`
	AppPassword string `yaml:"app_password"`
}

// LLMConfig holds the inference endpoint configuration
type LLMConfig struct {
	Provider       string  `yaml:"provider"` // "local", "openai", "google"
	BaseURL        string  `yaml:"base_url"`
	ChatPath       string  `yaml:"chat_path"`
	Model          string  `yaml:"model"`
	APIKey         string  `yaml:"api_key"`
	SystemPrompt   string  `yaml:"system_prompt"`
	SupportsVision bool    `yaml:"supports_vision"`
	Stream         bool    `yaml:"stream"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

// ServerConfig holds the webhook HTTP server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	File   string `yaml:"file"`
}

// Default returns a configuration with default values
func Default() Config {
	return Config{
		Bot: BotConfig{
			AppID:       "",
			AppPassword: "",
		},
		LLM: LLMConfig{
			Provider:       "local",
			BaseURL:        "http://localhost:1234",
			ChatPath:       "/v1/chat/completions",
			Model:          "local-model",
			SystemPrompt:   "あなたは社内チャットで質問に答えるアシスタントです。簡潔に日本語で回答してください。",
			SupportsVision: false,
			Stream:         true,
			Temperature:    0.7,
			MaxTokens:      1000,
			TimeoutSeconds: 60,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3978,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			File:   "",
		},
	}
}

// Load loads configuration from the specified path
// If the file doesn't exist, creates one with default values
// Environment variables override config file values
func Load(configPath string) (Config, error) {
	// Ensure directory exists
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return Config{}, fmt.Errorf("failed to create config directory: %w", err)
	}

	var cfg Config

	// Try to read existing config
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Create default config so the operator has a file to fill in
			cfg = Default()
			if err := Save(configPath, cfg); err != nil {
				return Config{}, fmt.Errorf("failed to create default config: %w", err)
			}
			return applyEnvironmentOverrides(cfg), nil
		}
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	return applyEnvironmentOverrides(cfg), nil
}

// applyEnvironmentOverrides applies environment variable overrides to the config
func applyEnvironmentOverrides(cfg Config) Config {
	if appID := os.Getenv("TEAMSBOT_APP_ID"); appID != "" {
		cfg.Bot.AppID = appID
	}
	if appPassword := os.Getenv("TEAMSBOT_APP_PASSWORD"); appPassword != "" {
		cfg.Bot.AppPassword = appPassword
	}
	if baseURL := os.Getenv("TEAMSBOT_LLM_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if model := os.Getenv("TEAMSBOT_LLM_MODEL"); model != "" {
		cfg.LLM.Model = model
	}
	if apiKey := os.Getenv("TEAMSBOT_LLM_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if logLevel := os.Getenv("TEAMSBOT_LOG_LEVEL"); logLevel != "" {
		validLevels := []string{"debug", "info", "warn", "error"}
		logLevel = strings.ToLower(logLevel)
		for _, valid := range validLevels {
			if logLevel == valid {
				cfg.Log.Level = logLevel
				break
			}
		}
	}
	if portStr := os.Getenv("TEAMSBOT_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 && port < 65536 {
			cfg.Server.Port = port
		}
	}
	return cfg
}

// Save saves the configuration to the specified path
func Save(configPath string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c Config) Validate() error {
	switch c.LLM.Provider {
	case "local":
		if strings.TrimSpace(c.LLM.BaseURL) == "" {
			return fmt.Errorf("llm.base_url is required for the local provider")
		}
		if !strings.HasPrefix(c.LLM.ChatPath, "/") {
			return fmt.Errorf("llm.chat_path must start with '/', got: %q", c.LLM.ChatPath)
		}
	case "openai", "google":
		if strings.TrimSpace(c.LLM.APIKey) == "" {
			return fmt.Errorf("llm.api_key is required for provider %q", c.LLM.Provider)
		}
	default:
		return fmt.Errorf("unsupported LLM provider: %s", c.LLM.Provider)
	}

	if strings.TrimSpace(c.LLM.Model) == "" {
		return fmt.Errorf("llm.model is required")
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got: %f", c.LLM.Temperature)
	}

	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got: %d", c.LLM.MaxTokens)
	}

	if c.LLM.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive, got: %d", c.LLM.TimeoutSeconds)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535, got: %d", c.Server.Port)
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	return "config.yaml"
}
