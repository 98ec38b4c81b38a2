// Package config aggregates every subsystem's settings into a single
// document that can be loaded from YAML, with environment variables as the
// first fallback and compiled-in defaults as the last.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/soundloom/contextd/contexts"
	"github.com/soundloom/contextd/internal/log"
	"github.com/soundloom/contextd/providers"
	"github.com/soundloom/contextd/resources"
	"github.com/soundloom/contextd/store"
)

// Config is the full configuration document. Every field is optional in
// YAML; anything left zero is filled from Default.
type Config struct {
	// Debug switches the global logger from no-op to console output.
	Debug bool `yaml:"debug"`

	Store     store.Config     `yaml:"store"`
	Contexts  contexts.Config  `yaml:"contexts"`
	Resources resources.Config `yaml:"resources"`
	Providers providers.Config `yaml:"providers"`
}

// Default returns the reference configuration. Environment variables
// override the compiled-in values.
func Default() Config {
	return Config{
		Debug: os.Getenv("CONTEXTD_DEBUG") != "",
		Store: store.Config{
			Backend: store.Backend(getEnvOrDefault("CONTEXTD_STORE", string(store.BackendMemory))),
			Dir:     getEnvOrDefault("CONTEXTD_STORE_DIR", ""),
		},
		Contexts:  contexts.DefaultConfig(),
		Resources: defaultResources(),
		Providers: defaultProviders(),
	}
}

func defaultResources() resources.Config {
	config := resources.DefaultConfig()
	config.MaxMemoryBytes = getEnvInt64("CONTEXTD_MAX_MEMORY", config.MaxMemoryBytes)
	config.TotalMemoryBytes = getEnvInt64("CONTEXTD_TOTAL_MEMORY", config.TotalMemoryBytes)
	config.ContextTTL = getEnvDuration("CONTEXTD_CONTEXT_TTL", config.ContextTTL)
	return config
}

func defaultProviders() providers.Config {
	config := providers.DefaultConfig()
	config.MaxTokensPerProvider = int(getEnvInt64("CONTEXTD_MAXTOKENS", int64(config.MaxTokensPerProvider)))
	config.Temperature = float32(getEnvFloat("CONTEXTD_TEMP", float64(config.Temperature)))
	config.RequestTimeout = getEnvDuration("CONTEXTD_TIMEOUT", config.RequestTimeout)
	return config
}

// Load reads a YAML configuration file and fills any unset field from
// Default. An empty path skips the file and returns Default directly.
func Load(path string) (Config, error) {
	if path == "" {
		config := Default()
		log.InitLogger(config.Debug)
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	// mergo only fills zero-valued fields, so the file wins over defaults.
	if err := mergo.Merge(&config, Default()); err != nil {
		return Config{}, fmt.Errorf("merge config defaults: %w", err)
	}
	log.InitLogger(config.Debug)
	return config, nil
}

// Environment variable parsing functions

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
