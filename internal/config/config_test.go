package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("Expected default port '8080', got %s", cfg.Server.Port)
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("Expected default log level 'info', got %s", cfg.Logging.Level)
	}

	if cfg.Resilience.MaxAttempts != 3 || cfg.Resilience.CircuitBreakerThreshold != 5 {
		t.Errorf("Unexpected resilience defaults: %+v", cfg.Resilience)
	}

	if cfg.Momentum.BaselineScore != 76 {
		t.Errorf("Expected momentum baseline 76, got %v", cfg.Momentum.BaselineScore)
	}

	if cfg.Cache.TTL != 5*time.Minute {
		t.Errorf("Expected cache TTL 5m, got %v", cfg.Cache.TTL)
	}

	if cfg.Store.Path != "" {
		t.Errorf("Store should be disabled by default, got %s", cfg.Store.Path)
	}
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	t.Setenv("LLM_ROUTER_PORT", "9090")
	t.Setenv("LLM_ROUTER_LOG_LEVEL", "debug")
	t.Setenv("LLM_ROUTER_LOG_FORMAT", "text")
	t.Setenv("LLM_ROUTER_STORE_PATH", "/var/lib/router.db")
	t.Setenv("LLM_ROUTER_CACHE_TTL", "90s")
	t.Setenv("LLM_ROUTER_CB_THRESHOLD", "7")
	t.Setenv("LLM_ROUTER_CB_TIMEOUT", "2m")
	t.Setenv("LLM_ROUTER_MAX_ATTEMPTS", "4")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Expected port '9090', got %s", cfg.Server.Port)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Unexpected logging config: %+v", cfg.Logging)
	}

	if cfg.Store.Path != "/var/lib/router.db" {
		t.Errorf("Expected store path override, got %s", cfg.Store.Path)
	}

	if cfg.Cache.TTL != 90*time.Second {
		t.Errorf("Expected cache TTL 90s, got %v", cfg.Cache.TTL)
	}

	if cfg.Resilience.CircuitBreakerThreshold != 7 || cfg.Resilience.CircuitBreakerTimeout != 2*time.Minute {
		t.Errorf("Unexpected circuit breaker config: %+v", cfg.Resilience)
	}

	if cfg.Resilience.MaxAttempts != 4 {
		t.Errorf("Expected 4 attempts, got %d", cfg.Resilience.MaxAttempts)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		env    map[string]string
		file   string
		errMsg string
	}{
		{
			name:   "Invalid log level",
			env:    map[string]string{"LLM_ROUTER_LOG_LEVEL": "invalid"},
			errMsg: "Level",
		},
		{
			name:   "Invalid port",
			env:    map[string]string{"LLM_ROUTER_PORT": "http"},
			errMsg: "Port",
		},
		{
			name:   "Unparseable duration",
			env:    map[string]string{"LLM_ROUTER_CB_TIMEOUT": "soon"},
			errMsg: "LLM_ROUTER_CB_TIMEOUT",
		},
		{
			name:   "Zero attempts",
			env:    map[string]string{"LLM_ROUTER_MAX_ATTEMPTS": "0"},
			errMsg: "MaxAttempts",
		},
		{
			name:   "Jitter above one",
			file:   "resilience:\n  jitter_fraction: 1.5\n",
			errMsg: "JitterFraction",
		},
		{
			name:   "Inverted momentum thresholds",
			file:   "momentum:\n  oversold_threshold: 80\n  overbought_threshold: 70\n",
			errMsg: "oversold threshold",
		},
		{
			name:   "Tuning minimum above buffer",
			file:   "tuning:\n  buffer_size: 50\n",
			errMsg: "buffers only 50",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			path := ""
			if tt.file != "" {
				path = filepath.Join(t.TempDir(), "config.yaml")
				if err := os.WriteFile(path, []byte(tt.file), 0o644); err != nil {
					t.Fatalf("Failed to write config: %v", err)
				}
			}

			_, err := LoadConfig(path)
			if err == nil {
				t.Fatal("Expected error but got none")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Expected error containing %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestLoadConfig_FileLoading(t *testing.T) {
	configContent := `
server:
  port: "3000"
  read_timeout: 60s

routing:
  momentum_enabled: false

tuning:
  learning_rate: 0.1
  async: true

resilience:
  base_delay: 250ms
  max_attempts: 5

regression:
  pass_rate_drop: 2.5

store:
  path: router.db

logging:
  level: "warn"
  format: "text"
`

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(configContent), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Port != "3000" {
		t.Errorf("Expected port '3000', got %s", cfg.Server.Port)
	}

	if cfg.Server.ReadTimeout != 60*time.Second {
		t.Errorf("Expected read timeout 60s, got %v", cfg.Server.ReadTimeout)
	}

	// Unset keys keep their defaults
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("Expected default write timeout, got %v", cfg.Server.WriteTimeout)
	}

	if cfg.Routing.MomentumEnabled || !cfg.Routing.HealthFilterEnabled {
		t.Errorf("Unexpected routing config: %+v", cfg.Routing)
	}

	if cfg.Tuning.LearningRate != 0.1 || !cfg.Tuning.Async || cfg.Tuning.Iterations != 10 {
		t.Errorf("Unexpected tuning config: %+v", cfg.Tuning)
	}

	if cfg.Resilience.BaseDelay != 250*time.Millisecond || cfg.Resilience.MaxAttempts != 5 {
		t.Errorf("Unexpected resilience config: %+v", cfg.Resilience)
	}

	if cfg.Regression.PassRateDrop != 2.5 {
		t.Errorf("Expected pass rate drop 2.5, got %v", cfg.Regression.PassRateDrop)
	}

	if cfg.Store.Path != "router.db" {
		t.Errorf("Expected store path router.db, got %s", cfg.Store.Path)
	}

	if cfg.Logging.Level != "warn" {
		t.Errorf("Expected log level 'warn', got %s", cfg.Logging.Level)
	}
}

func TestConfig_RouterSettings(t *testing.T) {
	cfg := &Config{}
	cfg.setDefaults()
	cfg.Fuzzy.DefaultModel = "gpt-4o-mini"
	cfg.Momentum.HistorySize = 42

	settings := cfg.RouterSettings()

	if settings.Fuzzy.DefaultModel != "gpt-4o-mini" {
		t.Errorf("Expected default model to carry over, got %s", settings.Fuzzy.DefaultModel)
	}
	if settings.Momentum.HistorySize != 42 {
		t.Errorf("Expected history size 42, got %d", settings.Momentum.HistorySize)
	}
	if settings.Resilience != cfg.Resilience {
		t.Error("Resilience settings should match")
	}
}

func TestConfig_ToServerConfig(t *testing.T) {
	cfg := &Config{}
	cfg.setDefaults()
	cfg.Server.Port = "9999"
	cfg.Server.ReadTimeout = 45 * time.Second
	cfg.Server.WriteTimeout = 50 * time.Second
	cfg.Server.MaxHeaderBytes = 2048

	serverConfig := cfg.ToServerConfig()

	if serverConfig.Port != "9999" {
		t.Errorf("Expected port '9999', got %s", serverConfig.Port)
	}

	if serverConfig.ReadTimeout != 45*time.Second {
		t.Errorf("Expected read timeout 45s, got %v", serverConfig.ReadTimeout)
	}

	if serverConfig.WriteTimeout != 50*time.Second {
		t.Errorf("Expected write timeout 50s, got %v", serverConfig.WriteTimeout)
	}

	if serverConfig.MaxHeaderBytes != 2048 {
		t.Errorf("Expected max header bytes 2048, got %d", serverConfig.MaxHeaderBytes)
	}

	if !serverConfig.ValidateRequests {
		t.Error("Request validation should be on by default")
	}
}

func TestConfig_SaveToFile(t *testing.T) {
	cfg := &Config{}
	cfg.setDefaults()
	cfg.Server.Port = "4000"

	path := filepath.Join(t.TempDir(), "saved.yaml")
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read saved file: %v", err)
	}

	content := string(data)
	if !strings.Contains(content, "port: \"4000\"") {
		t.Error("Saved config should contain the custom port")
	}

	if !strings.Contains(content, "circuit_breaker_timeout: 1m0s") {
		t.Error("Saved config should contain the circuit breaker timeout")
	}

	// A saved config loads back unchanged
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig of saved file failed: %v", err)
	}
	if loaded.Server.Port != "4000" || loaded.Resilience != cfg.Resilience || loaded.Cache != cfg.Cache {
		t.Error("Saved config should round-trip")
	}
}

func TestLoadCatalog(t *testing.T) {
	catalog := `
providers:
  - id: openai
    scores: {cost: 6, quality: 9, speed: 7, reliability: 8}
    models: [gpt-4o, gpt-4o-mini]
    active: true
    credentialed: true
    average_latency: 1200ms
    pricing:
      gpt-4o: {input_per_million: 2.5, output_per_million: 10}
  - id: local
    scores: {cost: 10, quality: 4, speed: 5, reliability: 6}
    models: [llama3]
    active: true
    credentialed: true
`
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(catalog), 0o644); err != nil {
		t.Fatalf("Failed to write catalog: %v", err)
	}

	providers, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}
	if len(providers) != 2 {
		t.Fatalf("Expected 2 providers, got %d", len(providers))
	}

	p := providers[0]
	if p.ID != "openai" || p.Scores.Quality != 9 || len(p.Models) != 2 {
		t.Errorf("Unexpected provider: %+v", p)
	}
	if p.AverageLatency != 1200*time.Millisecond {
		t.Errorf("Expected latency 1.2s, got %v", p.AverageLatency)
	}
	if pricing, ok := p.PricingFor("gpt-4o"); !ok || pricing.OutputPerMillion != 10 {
		t.Errorf("Unexpected pricing: %+v", p.Pricing)
	}
	if _, ok := providers[1].PricingFor("llama3"); ok {
		t.Error("Local provider should have no pricing")
	}

	dup := filepath.Join(t.TempDir(), "dup.yaml")
	os.WriteFile(dup, []byte("providers:\n  - id: a\n  - id: a\n"), 0o644)
	if _, err := LoadCatalog(dup); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("Expected duplicate error, got %v", err)
	}
}

func BenchmarkLoadConfig_Defaults(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = LoadConfig("")
	}
}
