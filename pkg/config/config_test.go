package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_CreatesDefaultConfig(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.LLM.Provider != "local" {
		t.Errorf("Expected default provider 'local', got %q", cfg.LLM.Provider)
	}
	if cfg.LLM.BaseURL != "http://localhost:1234" {
		t.Errorf("Expected default base_url 'http://localhost:1234', got %q", cfg.LLM.BaseURL)
	}
	if cfg.LLM.ChatPath != "/v1/chat/completions" {
		t.Errorf("Expected default chat_path '/v1/chat/completions', got %q", cfg.LLM.ChatPath)
	}
	if cfg.Server.Port != 3978 {
		t.Errorf("Expected default port 3978, got %d", cfg.Server.Port)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("Config file was not created")
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	cfg := Default()
	cfg.Bot.AppID = "app-123"
	cfg.LLM.Model = "qwen2.5-vl-7b"
	cfg.LLM.SupportsVision = true
	if err := Save(configPath, cfg); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded.Bot.AppID != "app-123" {
		t.Errorf("Expected app_id 'app-123', got %q", loaded.Bot.AppID)
	}
	if loaded.LLM.Model != "qwen2.5-vl-7b" {
		t.Errorf("Expected model 'qwen2.5-vl-7b', got %q", loaded.LLM.Model)
	}
	if !loaded.LLM.SupportsVision {
		t.Error("Expected supports_vision to be true")
	}
}

func TestLoad_ParseError(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("llm: [not a mapping"), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected parse error for malformed YAML, got nil")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	t.Setenv("TEAMSBOT_LLM_BASE_URL", "http://10.0.0.5:8080")
	t.Setenv("TEAMSBOT_LLM_MODEL", "override-model")
	t.Setenv("TEAMSBOT_LOG_LEVEL", "DEBUG")
	t.Setenv("TEAMSBOT_PORT", "8443")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.LLM.BaseURL != "http://10.0.0.5:8080" {
		t.Errorf("Expected base_url override, got %q", cfg.LLM.BaseURL)
	}
	if cfg.LLM.Model != "override-model" {
		t.Errorf("Expected model override, got %q", cfg.LLM.Model)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected log level 'debug', got %q", cfg.Log.Level)
	}
	if cfg.Server.Port != 8443 {
		t.Errorf("Expected port 8443, got %d", cfg.Server.Port)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should validate, got: %v", err)
	}

	bad := Default()
	bad.LLM.Provider = "ollama"
	if err := bad.Validate(); err == nil || !strings.Contains(err.Error(), "unsupported LLM provider") {
		t.Errorf("Expected unsupported provider error, got: %v", err)
	}

	bad = Default()
	bad.LLM.ChatPath = "v1/chat/completions"
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for chat_path without leading slash")
	}

	bad = Default()
	bad.LLM.Provider = "openai"
	bad.LLM.APIKey = ""
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for openai provider without api_key")
	}

	bad = Default()
	bad.LLM.Temperature = 2.5
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for out-of-range temperature")
	}

	bad = Default()
	bad.Server.Port = 0
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for invalid port")
	}
}
