package healthcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/adaptive-router/internal/types"
)

// ErrAllProvidersFailed means the primary and every fallback failed
var ErrAllProvidersFailed = errors.New("all providers failed")

// Config holds cache and health settings
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	TTL             time.Duration `yaml:"ttl" validate:"gt=0"`
	Capacity        int           `yaml:"capacity" validate:"gt=0"`
	InitialHealth   float64       `yaml:"initial_health" validate:"gte=0,lte=1"`
	HealthIncrement float64       `yaml:"health_increment" validate:"gte=0,lte=1"`
	HealthDecrement float64       `yaml:"health_decrement" validate:"gte=0,lte=1"`
	MinHealth       float64       `yaml:"min_health" validate:"gte=0,lte=1"`
}

// DefaultConfig returns the cache defaults
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		TTL:             5 * time.Minute,
		Capacity:        1000,
		InitialHealth:   1.0,
		HealthIncrement: 0.1,
		HealthDecrement: 0.2,
		MinHealth:       0.3,
	}
}

// Stats reports cache effectiveness
type Stats struct {
	Hits          int64              `json:"hits"`
	Misses        int64              `json:"misses"`
	BackendErrors int64              `json:"backend_errors"`
	Health        map[string]float64 `json:"health"`
}

// Cache keeps execution results by (provider, normalized request) and a cheap
// per-provider health score used to order fallbacks.
type Cache struct {
	config  Config
	backend Backend
	logger  *logrus.Logger

	mu     sync.RWMutex
	health map[string]float64

	hits          atomic.Int64
	misses        atomic.Int64
	backendErrors atomic.Int64
}

// NewCache creates a cache over backend; a nil backend uses an in-memory LRU
func NewCache(config Config, backend Backend, logger *logrus.Logger) *Cache {
	if backend == nil {
		backend = NewMemoryBackend(config.Capacity)
	}
	return &Cache{
		config:  config,
		backend: backend,
		logger:  logger,
		health:  make(map[string]float64),
	}
}

// Key derives the deterministic cache key of a target. Content whitespace is
// collapsed so trivially different spellings of one request share an entry.
func Key(target types.Target) string {
	req := target.Request
	temperature := "default"
	if req.Temperature != nil {
		temperature = fmt.Sprintf("%.4f", *req.Temperature)
	}
	normalized := strings.Join([]string{
		target.Model,
		strings.Join(strings.Fields(req.Content), " "),
		fmt.Sprintf("%d", req.MaxTokens),
		temperature,
	}, "\x00")

	sum := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("route:%s:%s", target.ProviderID, hex.EncodeToString(sum[:])[:16])
}

// Lookup returns a cached result annotated as cached with zero cost
func (c *Cache) Lookup(ctx context.Context, target types.Target) (*types.ExecutionResult, bool) {
	if !c.config.Enabled {
		return nil, false
	}

	key := Key(target)
	data, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.backendErrors.Add(1)
		c.logger.WithError(err).WithField("key", key).Warn("Cache backend unavailable, treating as miss")
		return nil, false
	}
	if !ok {
		c.misses.Add(1)
		c.logger.WithField("key", key).Debug("Cache miss")
		return nil, false
	}

	var result types.ExecutionResult
	if err := json.Unmarshal(data, &result); err != nil {
		c.misses.Add(1)
		c.logger.WithError(err).WithField("key", key).Warn("Discarding undecodable cache entry")
		return nil, false
	}

	c.hits.Add(1)
	result.Cached = true
	result.Cost = 0
	return &result, true
}

// Store saves a successful result. Failures are logged and ignored.
func (c *Cache) Store(ctx context.Context, target types.Target, result *types.ExecutionResult) {
	if !c.config.Enabled || result == nil {
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to encode result for cache")
		return
	}
	key := Key(target)
	if err := c.backend.Set(ctx, key, data, c.config.TTL); err != nil {
		c.backendErrors.Add(1)
		c.logger.WithError(err).WithField("key", key).Warn("Cache backend unavailable, result not cached")
	}
}

// Health returns a provider's health in [0, 1]
func (c *Cache) Health(providerID string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if h, ok := c.health[providerID]; ok {
		return h
	}
	return c.config.InitialHealth
}

// RecordSuccess raises a provider's health by the configured increment
func (c *Cache) RecordSuccess(providerID string) {
	c.adjust(providerID, c.config.HealthIncrement)
}

// RecordFailure lowers a provider's health by the configured decrement
func (c *Cache) RecordFailure(providerID string) {
	c.adjust(providerID, -c.config.HealthDecrement)
}

func (c *Cache) adjust(providerID string, delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.health[providerID]
	if !ok {
		h = c.config.InitialHealth
	}
	h += delta
	if h < 0 {
		h = 0
	}
	if h > 1 {
		h = 1
	}
	c.health[providerID] = h
}

// Rank orders provider ids by health, best first. Equal health keeps the
// input order, so a score-ordered fallback chain stays score-ordered on ties.
func (c *Cache) Rank(ids []string) []string {
	out := append([]string(nil), ids...)
	c.mu.RLock()
	defer c.mu.RUnlock()

	healthOf := func(id string) float64 {
		if h, ok := c.health[id]; ok {
			return h
		}
		return c.config.InitialHealth
	}
	sort.SliceStable(out, func(i, j int) bool {
		return healthOf(out[i]) > healthOf(out[j])
	})
	return out
}

// PreFilter drops providers below the minimum health unless that would
// leave no candidates at all
func (c *Cache) PreFilter(candidates []types.Provider) []types.Provider {
	healthy := make([]types.Provider, 0, len(candidates))
	for _, p := range candidates {
		if c.Health(p.ID) >= c.config.MinHealth {
			healthy = append(healthy, p)
		}
	}
	if len(healthy) == 0 {
		return candidates
	}
	if dropped := len(candidates) - len(healthy); dropped > 0 {
		c.logger.WithFields(logrus.Fields{
			"dropped":    dropped,
			"min_health": c.config.MinHealth,
		}).Debug("Unhealthy providers filtered")
	}
	return healthy
}

// Stats returns hit counters and the health of every tracked provider
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	health := make(map[string]float64, len(c.health))
	for id, h := range c.health {
		health[id] = h
	}
	c.mu.RUnlock()

	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		BackendErrors: c.backendErrors.Load(),
		Health:        health,
	}
}
