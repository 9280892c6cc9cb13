// Package config loads the agentd configuration: defaults, overlaid by an
// optional YAML file, overlaid by explicit overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the merged agentd configuration.
type Config struct {
	DataDir     string `yaml:"dataDir"`
	Database    string `yaml:"database"`
	Workspace   string `yaml:"workspace"`
	MCPSettings string `yaml:"mcpSettings"`
	LogLevel    string `yaml:"logLevel"`

	Chat  ChatConfig  `yaml:"chat"`
	OAuth OAuthConfig `yaml:"oauth"`
}

// ChatConfig holds model call defaults.
type ChatConfig struct {
	MaxTokens int `yaml:"maxTokens"`
}

// OAuthConfig carries per-provider oauth client ids. These are deployment
// secrets' neighbors: ids are not secret but live in config, never in code.
type OAuthConfig struct {
	ClientIDs   map[string]string `yaml:"clientIds"`
	RedirectURL string            `yaml:"redirectUrl"`
}

func defaults() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".agentd")
	return &Config{
		DataDir:     dataDir,
		Database:    filepath.Join(dataDir, "agentd.db"),
		MCPSettings: filepath.Join(dataDir, "mcp_settings.json"),
		Workspace:   ".",
		LogLevel:    "info",
		Chat:        ChatConfig{MaxTokens: 4096},
		OAuth: OAuthConfig{
			ClientIDs:   map[string]string{},
			RedirectURL: "http://localhost:1455/callback",
		},
	}
}

// Load builds the config: defaults, then the YAML file at path (skipped
// when path is empty or the file is absent).
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err == nil {
			var file Config
			if err := yaml.Unmarshal(data, &file); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
			if err := mergo.Merge(cfg, &file, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("merging config: %w", err)
			}
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	return cfg, nil
}
