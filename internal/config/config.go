// Package config loads gateway configuration from an optional YAML file and
// environment variables.
//
// Sources (priority order, high to low):
//  1. Bare environment variables (OPENAI_API_KEY, PORT, ...)
//  2. YAML config file (path from RESPONSEGATE_CONFIG, optional)
//  3. Built-in defaults
package config

import (
	"fmt"
	"time"
)

// Config holds all gateway settings.
type Config struct {
	// Server settings
	Host string
	Port int

	// Upstream settings
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string

	// Logging settings
	LogLevel  string
	LogEvents bool
	LogDir    string

	// RequestTimeout is the optional per-request hard timeout; zero disables
	// it.
	RequestTimeout time.Duration
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:          "0.0.0.0",
		Port:          8082,
		OpenAIModel:   "gpt-4.1",
		OpenAIBaseURL: "https://api.openai.com/v1",
		LogLevel:      "info",
		LogEvents:     false,
		LogDir:        "./logs",
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() []error {
	var errs []error
	if c.OpenAIAPIKey == "" {
		errs = append(errs, fmt.Errorf("OPENAI_API_KEY is required"))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port: %d", c.Port))
	}
	if c.OpenAIBaseURL == "" {
		errs = append(errs, fmt.Errorf("upstream base URL cannot be empty"))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("request timeout cannot be negative"))
	}
	return errs
}

// Addr renders the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
