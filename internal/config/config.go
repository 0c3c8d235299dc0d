// Package config loads the Loom server configuration from YAML or JSON5
// files, with $include composition and environment variable expansion.
package config

import (
	"fmt"
	"os"
	"strings"
)

// Environment overrides applied after file loading.
const (
	// EnvHotLoadTools overrides session.hot_load_tools with a
	// comma-separated toolset list.
	EnvHotLoadTools = "LOOM_HOTLOAD_TOOLS"

	// EnvContainer forces container mode: local workspace entries are
	// disabled and the project entry is omitted.
	EnvContainer = "LOOM_CONTAINER"
)

// Config is the main configuration structure for Loom.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	LLM        LLMConfig        `yaml:"llm"`
	Session    SessionConfig    `yaml:"session"`
	Workspaces WorkspacesConfig `yaml:"workspaces"`
	Prompt     PromptConfig     `yaml:"prompt"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

type SessionConfig struct {
	Model         string   `yaml:"model"`
	MaxTokens     int      `yaml:"max_tokens"`
	MaxIterations int      `yaml:"max_iterations"`
	HotLoadTools  []string `yaml:"hot_load_tools"`
}

type WorkspacesConfig struct {
	Root      string `yaml:"root"`
	Container bool   `yaml:"container"`
}

// PromptConfig seeds the prompt builder's static variable map and names
// the directory block variables resolve against.
type PromptConfig struct {
	Data      map[string]any `yaml:"data"`
	BlocksDir string         `yaml:"blocks_dir"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// Load reads and parses the configuration file, resolving includes and
// applying defaults plus environment overrides.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Default returns a usable configuration without a file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.Session.MaxTokens == 0 {
		cfg.Session.MaxTokens = 4096
	}
	if cfg.Session.MaxIterations == 0 {
		cfg.Session.MaxIterations = 10
	}
	if cfg.Workspaces.Root == "" {
		cfg.Workspaces.Root = defaultWorkspaceRoot()
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv(EnvHotLoadTools); raw != "" {
		var tools []string
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				tools = append(tools, name)
			}
		}
		cfg.Session.HotLoadTools = tools
	}
	if isTruthy(os.Getenv(EnvContainer)) {
		cfg.Workspaces.Container = true
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func defaultWorkspaceRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home + "/.loom/workspaces"
}
