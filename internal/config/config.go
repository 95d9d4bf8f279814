package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/adaptive-router/internal/fuzzy"
	"github.com/tributary-ai/adaptive-router/internal/healthcache"
	"github.com/tributary-ai/adaptive-router/internal/middleware"
	"github.com/tributary-ai/adaptive-router/internal/momentum"
	"github.com/tributary-ai/adaptive-router/internal/regression"
	"github.com/tributary-ai/adaptive-router/internal/resilience"
	"github.com/tributary-ai/adaptive-router/internal/routing"
	"github.com/tributary-ai/adaptive-router/internal/server"
	"github.com/tributary-ai/adaptive-router/internal/store"
	"github.com/tributary-ai/adaptive-router/internal/tuning"
	"github.com/tributary-ai/adaptive-router/internal/types"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig       `yaml:"server"`
	Routing    routing.Config     `yaml:"routing"`
	Fuzzy      fuzzy.Config       `yaml:"fuzzy"`
	Tuning     tuning.Config      `yaml:"tuning"`
	Momentum   momentum.Config    `yaml:"momentum"`
	Resilience resilience.Config  `yaml:"resilience"`
	Cache      healthcache.Config `yaml:"cache"`
	Regression regression.Config  `yaml:"regression"`
	Store      store.Config       `yaml:"store"`
	Logging    LoggingConfig      `yaml:"logging"`

	// Catalog is the path of a provider catalog snapshot served by the ops API
	Catalog string `yaml:"catalog"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port             string                 `yaml:"port" validate:"required,numeric"`
	ReadTimeout      time.Duration          `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout     time.Duration          `yaml:"write_timeout" validate:"gt=0"`
	MaxHeaderBytes   int                    `yaml:"max_header_bytes" validate:"gt=0"`
	ValidateRequests bool                   `yaml:"validate_requests"`
	Audit            middleware.AuditConfig `yaml:"audit"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error fatal"`
	Format string `yaml:"format" validate:"oneof=json text"` // "json" or "text"
	Output string `yaml:"output" validate:"required"`        // "stdout", "stderr", or file path
}

// catalogFile is the on-disk shape of a provider catalog snapshot
type catalogFile struct {
	Providers []types.Provider `yaml:"providers"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	// Set defaults
	config.setDefaults()

	// Load from file if provided
	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Override with environment variables
	if err := config.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:             "8080",
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     30 * time.Second,
		MaxHeaderBytes:   1 << 20, // 1MB
		ValidateRequests: true,
		Audit: middleware.AuditConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: 10 * time.Second,
		},
	}

	c.Routing = routing.DefaultConfig()
	c.Fuzzy = fuzzy.DefaultConfig()
	c.Tuning = tuning.DefaultConfig()
	c.Momentum = momentum.DefaultConfig()
	c.Resilience = resilience.DefaultConfig()
	c.Cache = healthcache.DefaultConfig()
	c.Regression = regression.DefaultConfig()

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}
}

// loadFromFile loads configuration from YAML file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() error {
	if port := os.Getenv("LLM_ROUTER_PORT"); port != "" {
		c.Server.Port = port
	}

	// Logging configuration
	if level := os.Getenv("LLM_ROUTER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if format := os.Getenv("LLM_ROUTER_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if path := os.Getenv("LLM_ROUTER_STORE_PATH"); path != "" {
		c.Store.Path = path
	}

	if ttl := os.Getenv("LLM_ROUTER_CACHE_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return fmt.Errorf("LLM_ROUTER_CACHE_TTL: %w", err)
		}
		c.Cache.TTL = d
	}

	// Resilience configuration
	if threshold := os.Getenv("LLM_ROUTER_CB_THRESHOLD"); threshold != "" {
		n, err := strconv.Atoi(threshold)
		if err != nil {
			return fmt.Errorf("LLM_ROUTER_CB_THRESHOLD: %w", err)
		}
		c.Resilience.CircuitBreakerThreshold = n
	}

	if timeout := os.Getenv("LLM_ROUTER_CB_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("LLM_ROUTER_CB_TIMEOUT: %w", err)
		}
		c.Resilience.CircuitBreakerTimeout = d
	}

	if attempts := os.Getenv("LLM_ROUTER_MAX_ATTEMPTS"); attempts != "" {
		n, err := strconv.Atoi(attempts)
		if err != nil {
			return fmt.Errorf("LLM_ROUTER_MAX_ATTEMPTS: %w", err)
		}
		c.Resilience.MaxAttempts = n
	}

	return nil
}

// validate validates the configuration
func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) {
			first := fieldErrors[0]
			return fmt.Errorf("%s failed on '%s' (%d problems)", first.Namespace(), first.Tag(), len(fieldErrors))
		}
		return err
	}

	// Cross-field rules the struct tags cannot express
	if c.Momentum.ShortWindow > c.Momentum.LongWindow {
		return fmt.Errorf("momentum short window %d exceeds long window %d", c.Momentum.ShortWindow, c.Momentum.LongWindow)
	}
	if c.Momentum.OversoldThreshold >= c.Momentum.OverboughtThreshold {
		return fmt.Errorf("momentum oversold threshold must be below overbought threshold")
	}
	if c.Resilience.MaxDelay > 0 && c.Resilience.BaseDelay > c.Resilience.MaxDelay {
		return fmt.Errorf("resilience base delay %s exceeds max delay %s", c.Resilience.BaseDelay, c.Resilience.MaxDelay)
	}
	if c.Tuning.MinSamplesBeforeTuning > c.Tuning.BufferSize {
		return fmt.Errorf("tuning needs %d samples but buffers only %d", c.Tuning.MinSamplesBeforeTuning, c.Tuning.BufferSize)
	}

	return nil
}

// RouterSettings collects the component configuration for routing.NewRouter
func (c *Config) RouterSettings() routing.Settings {
	return routing.Settings{
		Routing:    c.Routing,
		Fuzzy:      c.Fuzzy,
		Tuning:     c.Tuning,
		Momentum:   c.Momentum,
		Resilience: c.Resilience,
		Cache:      c.Cache,
		Regression: c.Regression,
	}
}

// ToServerConfig converts to server.ServerConfig
func (c *Config) ToServerConfig() *server.ServerConfig {
	return &server.ServerConfig{
		Port:             c.Server.Port,
		ReadTimeout:      c.Server.ReadTimeout,
		WriteTimeout:     c.Server.WriteTimeout,
		MaxHeaderBytes:   c.Server.MaxHeaderBytes,
		ValidateRequests: c.Server.ValidateRequests,
		Audit:            c.Server.Audit,
	}
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadCatalog reads a provider catalog snapshot from a YAML file
func LoadCatalog(path string) ([]types.Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	seen := make(map[string]bool, len(file.Providers))
	for _, p := range file.Providers {
		if p.ID == "" {
			return nil, fmt.Errorf("catalog entry without id")
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate catalog entry %s", p.ID)
		}
		seen[p.ID] = true
	}
	return file.Providers, nil
}
