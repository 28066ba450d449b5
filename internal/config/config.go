// Copyright (c) 2025 TheoThePerson
// SPDX-License-Identifier: GPL-3.0-or-later

// Package config provides configuration loading and management for
// copilot-core.
//
// Configuration lives in TOML with sensible defaults, environment variable
// overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.copilot-core/config.toml
//   - Built-in defaults
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/TheoThePerson/copilot-core/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete copilot-core configuration.
type Config struct {
	// General settings
	Version      string `toml:"version"`
	DefaultModel string `toml:"default_model"`
	// SystemPrompt is prepended (role "system") to every fresh conversation.
	SystemPrompt string `toml:"system_prompt"`

	// Ollama (local provider) configuration
	Ollama OllamaConfig `toml:"ollama"`

	// OpenAI (hosted provider) configuration
	OpenAI OpenAIConfig `toml:"openai"`

	// Archive configuration
	Archive ArchiveConfig `toml:"archive"`
}

// OllamaConfig contains local Ollama server configuration.
type OllamaConfig struct {
	// URL is the base URL of the Ollama server
	URL string `toml:"url"`
	// NumCtx is the context window size passed as a generation option
	NumCtx int `toml:"num_ctx"`
	// Temperature is the sampling temperature
	Temperature float64 `toml:"temperature"`
	// TimeoutSecs bounds the initial connection and header exchange
	TimeoutSecs int `toml:"timeout_secs"`
	// IdleTimeoutSecs cancels a stream that produces no lines for this long
	IdleTimeoutSecs int `toml:"idle_timeout_secs"`
}

// OpenAIConfig contains hosted API configuration.
type OpenAIConfig struct {
	// APIKey is the bearer token. Empty disables the hosted provider.
	APIKey string `toml:"api_key"`
	// URL is the API base URL (override for proxies and tests)
	URL string `toml:"url"`
	// Temperature is the sampling temperature
	Temperature float64 `toml:"temperature"`
	// TimeoutSecs bounds the initial connection and header exchange
	TimeoutSecs int `toml:"timeout_secs"`
	// IdleTimeoutSecs cancels a stream that produces no events for this long
	IdleTimeoutSecs int `toml:"idle_timeout_secs"`
	// RequestsPerMinute throttles outgoing chat requests
	RequestsPerMinute int `toml:"requests_per_minute"`
}

// ArchiveConfig controls the conversation archive.
type ArchiveConfig struct {
	// Enabled turns archiving of completed conversations on or off
	Enabled bool `toml:"enabled"`
	// Path is the archive database file (empty = <config dir>/archive.db)
	Path string `toml:"path"`
	// MaxConversations prunes the oldest entries past this count (0 = keep all)
	MaxConversations int `toml:"max_conversations"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version:      "1.0",
		DefaultModel: "llama3:8b",
		SystemPrompt: "",
		Ollama: OllamaConfig{
			URL:             "http://127.0.0.1:11434",
			NumCtx:          4096,
			Temperature:     0.7,
			TimeoutSecs:     30,
			IdleTimeoutSecs: 90,
		},
		OpenAI: OpenAIConfig{
			URL:               "https://api.openai.com",
			Temperature:       0.7,
			TimeoutSecs:       30,
			IdleTimeoutSecs:   90,
			RequestsPerMinute: 60,
		},
		Archive: ArchiveConfig{
			Enabled:          true,
			MaxConversations: 200,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the copilot-core configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".copilot-core"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// ensureSecurePermissions checks and fixes permissions on the config file.
// SECURITY: the file holds an API key, so anything looser than 0600 is fixed.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the default config file, falling back to
// defaults when no file exists. Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return LoadFromPath(path)
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific TOML file with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	if err := ensureSecurePermissions(path); err != nil {
		// Permissions might not be fixable on all systems; warn and continue.
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode TOML file: %w", err)
	}

	fillDefaults(cfg)
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// fillDefaults fills in any missing values with defaults.
func fillDefaults(cfg *Config) {
	defaults := Default()

	// General
	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaults.DefaultModel
	}

	// Ollama
	if cfg.Ollama.URL == "" {
		cfg.Ollama.URL = defaults.Ollama.URL
	}
	if cfg.Ollama.NumCtx == 0 {
		cfg.Ollama.NumCtx = defaults.Ollama.NumCtx
	}
	if cfg.Ollama.Temperature == 0 {
		cfg.Ollama.Temperature = defaults.Ollama.Temperature
	}
	if cfg.Ollama.TimeoutSecs == 0 {
		cfg.Ollama.TimeoutSecs = defaults.Ollama.TimeoutSecs
	}
	if cfg.Ollama.IdleTimeoutSecs == 0 {
		cfg.Ollama.IdleTimeoutSecs = defaults.Ollama.IdleTimeoutSecs
	}

	// OpenAI
	if cfg.OpenAI.URL == "" {
		cfg.OpenAI.URL = defaults.OpenAI.URL
	}
	if cfg.OpenAI.Temperature == 0 {
		cfg.OpenAI.Temperature = defaults.OpenAI.Temperature
	}
	if cfg.OpenAI.TimeoutSecs == 0 {
		cfg.OpenAI.TimeoutSecs = defaults.OpenAI.TimeoutSecs
	}
	if cfg.OpenAI.IdleTimeoutSecs == 0 {
		cfg.OpenAI.IdleTimeoutSecs = defaults.OpenAI.IdleTimeoutSecs
	}
	if cfg.OpenAI.RequestsPerMinute == 0 {
		cfg.OpenAI.RequestsPerMinute = defaults.OpenAI.RequestsPerMinute
	}

	// Archive
	if cfg.Archive.MaxConversations == 0 {
		cfg.Archive.MaxConversations = defaults.Archive.MaxConversations
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file.
// SECURITY: written with 0600 permissions because the file holds an API key.
// RELIABILITY: atomic write with fsync prevents data loss on crash.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf strings.Builder
	buf.WriteString("# copilot-core configuration file\n")
	buf.WriteString("# Generated by copilot-core - edit with care\n")
	buf.WriteString("\n")

	encoder := toml.NewEncoder(&buf)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, []byte(buf.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError describes a single invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors aggregates all validation failures.
type ValidateErrors []ValidationError

// Error implements the error interface.
func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	parts := make([]string, len(e))
	for i, ve := range e {
		parts[i] = ve.Error()
	}
	return "config validation failed: " + strings.Join(parts, "; ")
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if err := validateURL(c.Ollama.URL); err != nil {
		errs = append(errs, ValidationError{Field: "ollama.url", Message: err.Error()})
	}
	if err := validateURL(c.OpenAI.URL); err != nil {
		errs = append(errs, ValidationError{Field: "openai.url", Message: err.Error()})
	}
	if c.Ollama.NumCtx < 0 {
		errs = append(errs, ValidationError{Field: "ollama.num_ctx", Message: "must not be negative"})
	}
	if c.Ollama.Temperature < 0 || c.Ollama.Temperature > 2 {
		errs = append(errs, ValidationError{Field: "ollama.temperature", Message: "must be between 0 and 2"})
	}
	if c.OpenAI.Temperature < 0 || c.OpenAI.Temperature > 2 {
		errs = append(errs, ValidationError{Field: "openai.temperature", Message: "must be between 0 and 2"})
	}
	if c.OpenAI.RequestsPerMinute < 0 {
		errs = append(errs, ValidationError{Field: "openai.requests_per_minute", Message: "must not be negative"})
	}
	if c.Archive.MaxConversations < 0 {
		errs = append(errs, ValidationError{Field: "archive.max_conversations", Message: "must not be negative"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - COPILOT_MODEL: overrides default_model
//   - COPILOT_SYSTEM_PROMPT: overrides system_prompt
//   - COPILOT_OLLAMA_URL: overrides ollama.url
//   - COPILOT_OPENAI_KEY: overrides openai.api_key
//   - COPILOT_OPENAI_URL: overrides openai.url
//   - COPILOT_ARCHIVE: set to "0" or "false" to disable archiving
func (c *Config) ApplyEnvOverrides() {
	if model := os.Getenv("COPILOT_MODEL"); model != "" {
		c.DefaultModel = model
	}

	if prompt := os.Getenv("COPILOT_SYSTEM_PROMPT"); prompt != "" {
		c.SystemPrompt = prompt
	}

	if u := os.Getenv("COPILOT_OLLAMA_URL"); u != "" {
		c.Ollama.URL = u
	}

	if key := os.Getenv("COPILOT_OPENAI_KEY"); key != "" {
		c.OpenAI.APIKey = key
	}

	if u := os.Getenv("COPILOT_OPENAI_URL"); u != "" {
		c.OpenAI.URL = u
	}

	if archive := os.Getenv("COPILOT_ARCHIVE"); archive != "" {
		enabled, err := strconv.ParseBool(archive)
		if err == nil {
			c.Archive.Enabled = enabled
		}
	}
}

// =============================================================================
// DERIVED PATHS
// =============================================================================

// ArchivePath resolves the archive database location, falling back to the
// config directory when unset.
func (c *Config) ArchivePath() (string, error) {
	if c.Archive.Path != "" {
		return c.Archive.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "archive.db"), nil
}
