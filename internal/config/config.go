// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port             string
	DBPath           string
	AllowedOrigins   []string
	SessionRetention time.Duration
	Sandbox          SandboxConfig
	LLM              LLMConfig
}

// SandboxConfig controls the Docker execution sandbox.
type SandboxConfig struct {
	Image    string
	MemoryMB int64
	Timeout  time.Duration
	Runtime  string // Docker runtime: "" = default (runc), "runsc" = gVisor
}

// LLMConfig controls the Ollama patch service client.
type LLMConfig struct {
	Host    string
	Model   string
	Timeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		DBPath:           getEnv("DB_PATH", "./data/autofix.db"),
		AllowedOrigins:   splitCSV(getEnv("ALLOWED_ORIGINS", "*")),
		SessionRetention: getEnvDuration("SESSION_RETENTION", 7*24*time.Hour),
		Sandbox: SandboxConfig{
			Image:    getEnv("SANDBOX_IMAGE", "autofix-sandbox"),
			MemoryMB: int64(getEnvInt("SANDBOX_MEMORY_MB", 128)),
			Timeout:  getEnvDuration("SANDBOX_TIMEOUT", 5*time.Second),
			Runtime:  getEnv("SANDBOX_RUNTIME", ""),
		},
		LLM: LLMConfig{
			Host:    getEnv("OLLAMA_HOST", "http://localhost:11434"),
			Model:   getEnv("OLLAMA_MODEL", "llama3"),
			Timeout: getEnvDuration("LLM_TIMEOUT", 60*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are sane.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Sandbox.Image == "" {
		return fmt.Errorf("SANDBOX_IMAGE cannot be empty")
	}
	if c.Sandbox.MemoryMB < 16 {
		return fmt.Errorf("SANDBOX_MEMORY_MB must be at least 16, got %d", c.Sandbox.MemoryMB)
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("SANDBOX_TIMEOUT must be positive")
	}
	if c.LLM.Host == "" {
		return fmt.Errorf("OLLAMA_HOST cannot be empty")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("OLLAMA_MODEL cannot be empty")
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be positive")
	}
	if c.SessionRetention <= 0 {
		return fmt.Errorf("SESSION_RETENTION must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration parses a Go duration string ("5s", "10m"); a bare number
// is taken as seconds for compatibility with numeric timeouts.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
