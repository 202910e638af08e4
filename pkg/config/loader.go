package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the single YAML file read from the config directory.
const ConfigFileName = "atelier.yaml"

// Initialize loads, merges, and validates configuration from configDir.
//
// Steps performed:
//  1. Read atelier.yaml (a missing file yields the built-in defaults)
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Parse YAML
//  4. Merge user values over built-in defaults
//  5. Validate
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)

	cfg := builtinDefaults()

	user, err := loadYAML(filepath.Join(configDir, ConfigFileName))
	switch {
	case errors.Is(err, ErrConfigNotFound):
		log.Info("No configuration file found, using built-in defaults")
	case err != nil:
		return nil, NewLoadError(ConfigFileName, err)
	default:
		if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge configuration: %w", err)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized",
		"backend_family", cfg.Backend.Family,
		"journal_dir", cfg.System.JournalDir,
		"mcp_bicep", cfg.MCP.Bicep.URL != "",
		"mcp_terraform", cfg.MCP.Terraform.URL != "",
		"mcp_docs", cfg.MCP.Docs.URL != "")

	return cfg, nil
}

// loadYAML reads and parses one config file. A missing file yields
// ErrConfigNotFound so callers can fall back to defaults.
func loadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// ExpandEnv passes the original bytes through on template errors so the
	// YAML parser produces the clearer message.
	data = ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &cfg, nil
}
